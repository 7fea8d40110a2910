// Package config loads node settings from the environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/smc-node-go/journal/redisjournal"
)

// Journal backends.
const (
	JournalMemory = "memory"
	JournalRedis  = "redis"
	JournalNone   = "none"
)

const unixScheme = "unix://"

// Config holds every setting of a node process.
type Config struct {
	// PartyID tags logs with this node's party number. ENV: SMC_PARTY_ID
	PartyID int `env:"SMC_PARTY_ID"`
	// Listen is "unix:///path" or "host:port". ENV: SMC_LISTEN
	Listen string `env:"SMC_LISTEN,default=unix:///tmp/smc.sock"`
	// SocketMode is applied to a unix socket after it is created.
	SocketMode    os.FileMode   `env:"SMC_SOCKET_MODE,default=0600"`
	BasePath      string        `env:"SMC_BASE_PATH,default=/smc"`
	Suite         string        `env:"SMC_SUITE,default=bgw"`
	EngineTimeout time.Duration `env:"SMC_ENGINE_TIMEOUT"`
	PeerRetry     time.Duration `env:"SMC_PEER_RETRY,default=50ms"`
	// Workers bounds concurrent peer sends per session. Zero picks a default.
	Workers  int    `env:"SMC_WORKERS"`
	LogLevel string `env:"SMC_LOG_LEVEL,default=info"`

	AuthIssuer   string `env:"SMC_AUTH_ISSUER"`
	AuthAudience string `env:"SMC_AUTH_AUDIENCE"`
	// AuthJWKSURI skips OIDC discovery when set.
	AuthJWKSURI string `env:"SMC_AUTH_JWKS_URI"`
	// AuthScopes is a space separated list of required scopes.
	AuthScopes string `env:"SMC_AUTH_SCOPES"`
	// AuthRequireATJWT rejects tokens whose typ header is not "at+jwt".
	AuthRequireATJWT bool `env:"SMC_AUTH_REQUIRE_AT_JWT"`

	MetricsNamespace string `env:"SMC_METRICS_NAMESPACE,default=smc"`

	Journal     string `env:"SMC_JOURNAL,default=memory"`
	JournalSize int    `env:"SMC_JOURNAL_SIZE,default=1024"`
	Redis       redisjournal.Config

	ShutdownTimeout time.Duration `env:"SMC_SHUTDOWN_TIMEOUT,default=10s"`
}

// Load reads the environment into a Config. Callers apply their overrides
// and then call Validate.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: decode env: %w", err)
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c Config) Validate() error {
	if c.Listen == "" {
		return errors.New("config: listen address is required")
	}
	if _, err := c.LogLevelValue(); err != nil {
		return err
	}
	switch c.Journal {
	case JournalMemory, JournalRedis, JournalNone:
	default:
		return fmt.Errorf("config: unknown journal %q", c.Journal)
	}
	if c.AuthEnabled() && c.AuthAudience == "" {
		return errors.New("config: SMC_AUTH_AUDIENCE is required with SMC_AUTH_ISSUER")
	}
	if c.EngineTimeout < 0 {
		return errors.New("config: engine timeout must not be negative")
	}
	return nil
}

// AuthEnabled reports whether bearer authentication is configured.
func (c Config) AuthEnabled() bool { return c.AuthIssuer != "" }

// Scopes splits AuthScopes.
func (c Config) Scopes() []string { return strings.Fields(c.AuthScopes) }

// LogLevelValue parses LogLevel.
func (c Config) LogLevelValue() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return lvl, nil
}

// Listener opens the control listener. A unix socket path left behind by a
// previous process is removed first.
func (c Config) Listener() (net.Listener, error) {
	network, addr := SplitListen(c.Listen)
	if network != "unix" {
		return net.Listen(network, addr)
	}
	if err := os.Remove(addr); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: remove stale socket: %w", err)
	}
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, err
	}
	if c.SocketMode != 0 {
		if err := os.Chmod(addr, c.SocketMode); err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("config: chmod socket: %w", err)
		}
	}
	return ln, nil
}

// SplitListen maps a listen address to a net.Listen network and address.
func SplitListen(listen string) (network, addr string) {
	if path, ok := strings.CutPrefix(listen, unixScheme); ok {
		return "unix", path
	}
	return "tcp", listen
}
