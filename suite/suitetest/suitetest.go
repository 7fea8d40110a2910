// Package suitetest provides a scriptable suite.Engine for exercising the
// dispatcher and session lifecycle without peers.
package suitetest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
)

// Engine is a fake suite.Engine. Nil hooks succeed; RunSession then returns
// Value. Counters track how often each operation ran.
type Engine struct {
	SessionID string
	Value     float64

	PrepareFunc func(ctx context.Context, localID int, participants []smc.Participant, task smc.Task) error
	LinkFunc    func(ctx context.Context) error
	SessionFunc func(ctx context.Context) (*smc.Result, error)
	StopFunc    func() error

	Prepares atomic.Int32
	Links    atomic.Int32
	Sessions atomic.Int32
	Stops    atomic.Int32

	mu     sync.Mutex
	linked bool
}

func (e *Engine) Prepare(ctx context.Context, localID int, participants []smc.Participant, task smc.Task) error {
	e.Prepares.Add(1)
	if e.PrepareFunc != nil {
		return e.PrepareFunc(ctx, localID, participants, task)
	}
	return nil
}

func (e *Engine) LinkPeers(ctx context.Context) error {
	e.Links.Add(1)
	if e.LinkFunc != nil {
		if err := e.LinkFunc(ctx); err != nil {
			return err
		}
	}
	e.mu.Lock()
	e.linked = true
	e.mu.Unlock()
	return nil
}

// RunSession links lazily through LinkPeers when not yet linked.
func (e *Engine) RunSession(ctx context.Context) (*smc.Result, error) {
	e.Sessions.Add(1)
	if !e.Linked() {
		if err := e.LinkPeers(ctx); err != nil {
			return nil, err
		}
	}
	if e.SessionFunc != nil {
		return e.SessionFunc(ctx)
	}
	return &smc.Result{Value: e.Value}, nil
}

func (e *Engine) StopAndInvalidate() error {
	e.Stops.Add(1)
	if e.StopFunc != nil {
		return e.StopFunc()
	}
	return nil
}

// Linked reports whether LinkPeers has succeeded.
func (e *Engine) Linked() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linked
}

// Factory records every engine it builds.
type Factory struct {
	// Configure, when set, customizes each new engine.
	Configure func(*Engine)

	mu      sync.Mutex
	engines []*Engine
}

// New implements suite.Factory.
func (f *Factory) New(sessionID string) (suite.Engine, error) {
	e := &Engine{SessionID: sessionID}
	if f.Configure != nil {
		f.Configure(e)
	}
	f.mu.Lock()
	f.engines = append(f.engines, e)
	f.mu.Unlock()
	return e, nil
}

// Engines returns the engines built so far, oldest first.
func (f *Factory) Engines() []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines...)
}

// Last returns the most recently built engine, or nil.
func (f *Factory) Last() *Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.engines) == 0 {
		return nil
	}
	return f.engines[len(f.engines)-1]
}

var _ suite.Engine = (*Engine)(nil)
