// Package suite defines the engine contract a session drives through its
// phases and a registry of named engine implementations.
//
// An engine is exclusively owned by one session. The dispatcher serializes
// calls into it, but StopAndInvalidate may be invoked concurrently with an
// in-flight call and must cause that call to return promptly.
package suite

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ggoodman/smc-node-go/smc"
)

// Engine performs the cryptographic work of one session.
type Engine interface {
	// Prepare records the local party, the participant set and the task.
	// A failed Prepare leaves any previous configuration intact.
	Prepare(ctx context.Context, localID int, participants []smc.Participant, task smc.Task) error
	// LinkPeers establishes connections to every participant.
	LinkPeers(ctx context.Context) error
	// RunSession evaluates the task, linking first if LinkPeers was skipped.
	RunSession(ctx context.Context) (*smc.Result, error)
	// StopAndInvalidate releases every resource and cancels in-flight work.
	// It is idempotent.
	StopAndInvalidate() error
}

// Factory builds a fresh engine for a session.
type Factory func(sessionID string) (Engine, error)

// Errors returned by engines and the registry.
var (
	ErrInvalidated  = errors.New("engine invalidated")
	ErrNotPrepared  = errors.New("engine not prepared")
	ErrUnknownSuite = errors.New("unknown suite")
)

// Registry maps suite names to factories. It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds or replaces the factory for name.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered suites in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Factory returns the factory registered under name.
func (r *Registry) Factory(name string) (Factory, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSuite, name)
	}
	return f, nil
}

// Fatal classifies an engine failure during Link or Session as fatal, keeping
// the cause reachable through errors.Is.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}
	var serr *smc.Error
	if errors.As(err, &serr) && serr.Kind == smc.KindFatal {
		return err
	}
	return smc.Wrap(smc.KindFatal, op+" failed", err)
}
