// Package node is the control surface of one SMC node: it creates sessions,
// routes commands to them and applies the failure policy. A command that
// fails fatally tears its session down and is answered ABORTED; everything
// else becomes a reply and the session survives.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/metrics"
	"github.com/ggoodman/smc-node-go/sessions"
	"github.com/ggoodman/smc-node-go/smc"
)

// Config wires a Service.
type Config struct {
	Registry *sessions.Registry
	Journal  journal.Journal
	Metrics  metrics.Sink
	Logger   *slog.Logger
	// PartyID identifies this node in logs. Zero means unset.
	PartyID int
}

func (c *Config) applyDefaults() {
	if c.Journal == nil {
		c.Journal = journal.Discard
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Discard
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.PartyID > 0 {
		c.Logger = c.Logger.With(slog.Int("party", c.PartyID))
	}
}

// Service implements Init, NextCmd, TearDown and ResetAll. It is safe for
// concurrent use.
type Service struct {
	reg     *sessions.Registry
	journal journal.Journal
	metrics metrics.Sink
	log     *slog.Logger
}

// New returns a Service over cfg.Registry.
func New(cfg Config) (*Service, error) {
	if cfg.Registry == nil {
		return nil, errors.New("node: session registry is required")
	}
	cfg.applyDefaults()
	return &Service{reg: cfg.Registry, journal: cfg.Journal, metrics: cfg.Metrics, log: cfg.Logger}, nil
}

// Init creates a session. A taken or empty id is denied.
func (s *Service) Init(ctx context.Context, sessionID string) *smc.Reply {
	sess, err := s.reg.Create(ctx, sessionID)
	if err != nil {
		s.log.InfoContext(ctx, "session.create.denied", slog.String("session", sessionID), slog.Any("err", err))
		return smc.ErrorReply(smc.Wrap(smc.KindValidation, smc.MsgInvalidSession, err))
	}
	s.metrics.IncCounter(metrics.SessionsCreated, nil)
	s.record(ctx, journal.Event{Session: sessionID, Type: journal.EventCreated, Phase: sess.Phase().String()})
	return smc.NewReply(smc.StatusSuccess, fmt.Sprintf("[%s] init done.", sessionID))
}

// NextCmd runs cmd in the session named sessionID.
func (s *Service) NextCmd(ctx context.Context, sessionID string, cmd *smc.Command) *smc.Reply {
	sess, err := s.lookup(sessionID)
	if err != nil {
		s.log.InfoContext(ctx, "cmd.session.unknown", slog.String("session", sessionID))
		return smc.ErrorReply(err)
	}
	kind := string(cmd.Kind())
	reply, err := sess.Handle(ctx, cmd)
	if err != nil {
		s.log.ErrorContext(ctx, "session.abort", slog.String("session", sessionID), slog.String("command", kind), slog.Any("err", err))
		// Remove only this Session: a newer one may already hold the id.
		if removed, _ := s.reg.Remove(ctx, sess); removed {
			s.metrics.IncCounter(metrics.SessionsRemoved, map[string]string{"reason": "aborted"})
		}
		reply = smc.AbortedReply()
		s.record(ctx, journal.Event{Session: sessionID, Type: journal.EventAborted, Command: kind, Status: reply.Status, Phase: sess.Phase().String(), Message: err.Error()})
		return reply
	}
	s.record(ctx, journal.Event{Session: sessionID, Type: journal.EventCommand, Command: kind, Status: reply.Status, Phase: sess.Phase().String(), Message: reply.Message})
	return reply
}

// lookup returns the live session named id, or a KindSessionNotFound error.
func (s *Service) lookup(id string) (*sessions.Session, error) {
	sess, ok := s.reg.Get(id)
	if !ok {
		return nil, smc.Wrap(smc.KindSessionNotFound, smc.MsgInvalidSession, sessions.ErrSessionNotFound)
	}
	return sess, nil
}

// TearDown removes a session. A missing session is not an error.
func (s *Service) TearDown(ctx context.Context, sessionID string) *smc.Reply {
	err := s.reg.TearDown(ctx, sessionID)
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound):
		s.log.InfoContext(ctx, "session.teardown.missing", slog.String("session", sessionID))
	default:
		if err != nil {
			// The session is gone regardless; the engine failed to stop cleanly.
			s.log.WarnContext(ctx, "session.teardown.stop_failed", slog.String("session", sessionID), slog.Any("err", err))
		}
		s.metrics.IncCounter(metrics.SessionsRemoved, map[string]string{"reason": "teardown"})
		s.record(ctx, journal.Event{Session: sessionID, Type: journal.EventTornDown})
	}
	return smc.NewReply(smc.StatusSuccessDone, "")
}

// ResetAll removes every session on the node.
func (s *Service) ResetAll(ctx context.Context) *smc.Reply {
	removed := s.reg.ResetAll(ctx)
	for _, id := range removed {
		s.metrics.IncCounter(metrics.SessionsRemoved, map[string]string{"reason": "reset"})
		s.record(ctx, journal.Event{Session: id, Type: journal.EventReset})
	}
	s.log.InfoContext(ctx, "node.reset.ok", slog.Int("removed", len(removed)))
	return smc.NewReply(smc.StatusSuccessDone, fmt.Sprintf("%d sessions removed", len(removed)))
}

// Sessions lists the active session ids.
func (s *Service) Sessions() []string { return s.reg.IDs() }

// Events returns the journal history of a session.
func (s *Service) Events(ctx context.Context, sessionID string) ([]journal.Event, error) {
	return s.journal.Events(ctx, sessionID)
}

// record appends to the journal without letting a slow or failing backend
// affect the command.
func (s *Service) record(ctx context.Context, ev journal.Event) {
	ev.At = time.Now().UTC()
	if _, err := s.journal.Append(context.WithoutCancel(ctx), ev); err != nil {
		s.metrics.IncCounter(metrics.JournalErrors, map[string]string{"op": "append"})
		s.log.WarnContext(ctx, "journal.append.fail", slog.String("session", ev.Session), slog.String("type", string(ev.Type)), slog.Any("err", err))
	}
}
