// smcd runs one SMC node: it accepts lifecycle commands for computation
// sessions over HTTP and drives each session's engine against its peers.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/smc-node-go/auth"
	"github.com/ggoodman/smc-node-go/config"
	"github.com/ggoodman/smc-node-go/internal/dispatch"
	"github.com/ggoodman/smc-node-go/internal/logctx"
	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/journal/memoryjournal"
	"github.com/ggoodman/smc-node-go/journal/redisjournal"
	"github.com/ggoodman/smc-node-go/metrics"
	"github.com/ggoodman/smc-node-go/node"
	"github.com/ggoodman/smc-node-go/peernet"
	"github.com/ggoodman/smc-node-go/sessions"
	"github.com/ggoodman/smc-node-go/smchttp"
	"github.com/ggoodman/smc-node-go/suite"
	"github.com/ggoodman/smc-node-go/suite/bgw"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if help, err := parseFlags(&cfg, os.Args[1:]); err != nil || help {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, _ := cfg.LogLevelValue()
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})})
	if cfg.PartyID > 0 {
		log = log.With(slog.Int("party", cfg.PartyID))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	j, err := openJournal(cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	collector := metrics.NewCollector(cfg.MetricsNamespace)

	suites := suite.NewRegistry()
	bgw.Register(suites, bgw.Config{
		Network:       &peernet.TCP{},
		RetryInterval: cfg.PeerRetry,
		Workers:       cfg.Workers,
		Logger:        log,
	})

	reg, err := sessions.NewRegistry(sessions.Config{
		Suites: suites,
		Suite:  cfg.Suite,
		Dispatch: dispatch.Options{
			EngineTimeout: cfg.EngineTimeout,
			Metrics:       collector,
		},
		Logger: log,
	})
	if err != nil {
		return err
	}
	collector.TrackActiveSessions(cfg.MetricsNamespace, reg.Len)

	svc, err := node.New(node.Config{Registry: reg, Journal: j, Metrics: collector, Logger: log, PartyID: cfg.PartyID})
	if err != nil {
		return err
	}

	opts := []smchttp.Option{
		smchttp.WithBasePath(cfg.BasePath),
		smchttp.WithLogger(log),
		smchttp.WithMetricsHandler(collector.Handler()),
	}
	if cfg.AuthEnabled() {
		authn, err := newAuthenticator(ctx, cfg)
		if err != nil {
			return err
		}
		opts = append(opts, smchttp.WithAuthenticator(authn), smchttp.WithRealm("smc"))
	}
	h, err := smchttp.New(svc, opts...)
	if err != nil {
		return err
	}

	ln, err := cfg.Listener()
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Listen, err)
	}
	srv := &http.Server{Handler: h, ErrorLog: slog.NewLogLogger(log.Handler(), slog.LevelWarn)}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Info("node.serve.start", slog.String("listen", cfg.Listen), slog.String("suite", cfg.Suite), slog.String("journal", cfg.Journal))

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("node.shutdown.fail", slog.String("err", err.Error()))
	}
	removed := reg.ResetAll(shutdownCtx)
	log.Info("node.shutdown.ok", slog.Int("sessions", len(removed)))
	return nil
}

func openJournal(cfg config.Config) (journal.Journal, error) {
	switch cfg.Journal {
	case config.JournalRedis:
		return redisjournal.New(cfg.Redis)
	case config.JournalNone:
		return journal.Discard, nil
	default:
		return memoryjournal.New(memoryjournal.Config{MaxSessions: cfg.JournalSize})
	}
}

func authOptions(cfg config.Config) []auth.AccessTokenAuthOption {
	opts := []auth.AccessTokenAuthOption{}
	if scopes := cfg.Scopes(); len(scopes) > 0 {
		opts = append(opts, auth.WithRequiredScopes(scopes...))
	}
	if cfg.AuthRequireATJWT {
		opts = append(opts, auth.WithAccessTokenType())
	}
	return opts
}

func newAuthenticator(ctx context.Context, cfg config.Config) (auth.Authenticator, error) {
	opts := authOptions(cfg)
	if cfg.AuthJWKSURI != "" {
		return auth.NewStatic(ctx, cfg.AuthIssuer, cfg.AuthAudience, cfg.AuthJWKSURI, opts...)
	}
	return auth.NewFromDiscovery(ctx, cfg.AuthIssuer, cfg.AuthAudience, opts...)
}
