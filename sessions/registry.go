package sessions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ggoodman/smc-node-go/internal/dispatch"
	"github.com/ggoodman/smc-node-go/internal/phase"
	"github.com/ggoodman/smc-node-go/suite"
)

// Errors returned by the registry.
var (
	ErrSessionExists   = errors.New("session already exists")
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidID       = errors.New("invalid session id")
)

// Config configures a Registry.
type Config struct {
	Suites *suite.Registry
	// Suite names the engine used for new sessions.
	Suite    string
	Dispatch dispatch.Options
	Logger   *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Suite == "" {
		c.Suite = "bgw"
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Dispatch.Logger == nil {
		c.Dispatch.Logger = c.Logger
	}
}

// Registry holds the active sessions keyed by id. It is safe for concurrent
// use and takes no table-wide lock.
type Registry struct {
	cfg     Config
	factory suite.Factory
	log     *slog.Logger

	sessions sync.Map // string -> *Session
	count    atomic.Int64
}

// NewRegistry returns an empty registry building engines of cfg.Suite.
func NewRegistry(cfg Config) (*Registry, error) {
	cfg.applyDefaults()
	if cfg.Suites == nil {
		return nil, errors.New("sessions: suite registry is required")
	}
	factory, err := cfg.Suites.Factory(cfg.Suite)
	if err != nil {
		return nil, fmt.Errorf("sessions: %w", err)
	}
	return &Registry{cfg: cfg, factory: factory, log: cfg.Logger}, nil
}

// Create starts a new session under id in NOT_INITIALIZED.
func (r *Registry) Create(ctx context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if _, ok := r.sessions.Load(id); ok {
		return nil, ErrSessionExists
	}
	engine, err := r.factory(id)
	if err != nil {
		return nil, fmt.Errorf("sessions: create engine: %w", err)
	}
	s := &Session{
		id:         id,
		suite:      r.cfg.Suite,
		createdAt:  time.Now().UTC(),
		engine:     engine,
		dispatcher: dispatch.New(id, phase.NewMachine(), engine, r.cfg.Dispatch),
	}
	// Count before publishing so a racing Remove never drives Len below zero.
	r.count.Add(1)
	if _, loaded := r.sessions.LoadOrStore(id, s); loaded {
		r.count.Add(-1)
		_ = s.stop()
		return nil, ErrSessionExists
	}
	r.log.InfoContext(ctx, "session.create.ok", slog.String("session", id), slog.String("suite", s.suite))
	return s, nil
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Session), true
}

// Remove deletes s if it is still the session registered under its id, then
// invalidates its engine. It reports whether s was removed; the error is the
// engine's stop failure, if any.
func (r *Registry) Remove(ctx context.Context, s *Session) (bool, error) {
	if !r.sessions.CompareAndDelete(s.id, s) {
		return false, nil
	}
	r.count.Add(-1)
	err := s.stop()
	if err != nil {
		r.log.WarnContext(ctx, "session.stop.fail", slog.String("session", s.id), slog.Any("err", err))
	}
	r.log.InfoContext(ctx, "session.remove.ok", slog.String("session", s.id), slog.String("phase", s.Phase().String()))
	return true, err
}

// TearDown removes whichever session currently holds id.
func (r *Registry) TearDown(ctx context.Context, id string) error {
	for {
		s, ok := r.Get(id)
		if !ok {
			return ErrSessionNotFound
		}
		removed, err := r.Remove(ctx, s)
		if removed {
			return err
		}
		// Lost a race with another removal; the id may hold a newer session.
	}
}

// ResetAll removes every session. Stop failures do not prevent removal; they
// are logged. It returns the ids of the sessions this call removed, sorted.
func (r *Registry) ResetAll(ctx context.Context) []string {
	var (
		removed []string
		errs    []error
	)
	r.sessions.Range(func(_, v any) bool {
		s := v.(*Session)
		ok, err := r.Remove(ctx, s)
		if ok {
			removed = append(removed, s.id)
		}
		if err != nil {
			errs = append(errs, err)
		}
		return true
	})
	if err := errors.Join(errs...); err != nil {
		r.log.WarnContext(ctx, "session.reset.partial", slog.Int("removed", len(removed)), slog.Any("err", err))
	}
	sort.Strings(removed)
	r.log.InfoContext(ctx, "session.reset.ok", slog.Int("removed", len(removed)))
	return removed
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int { return int(r.count.Load()) }

// IDs lists registered session ids in sorted order.
func (r *Registry) IDs() []string {
	var ids []string
	r.sessions.Range(func(k, _ any) bool {
		ids = append(ids, k.(string))
		return true
	})
	sort.Strings(ids)
	return ids
}
