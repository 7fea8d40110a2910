// Package bgw implements the suite.Engine contract with BGW-style Shamir
// secret sharing over a fixed prime field. Each party shares its input with
// every other party, combines the shares it receives locally and opens the
// combined value by Lagrange interpolation.
package bgw

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"runtime"
	"sync"
	"time"

	"github.com/ggoodman/smc-node-go/aggregation"
	"github.com/ggoodman/smc-node-go/peernet"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
)

// Name is the suite registry key of this engine.
const Name = "bgw"

// Protocol rounds on the peer mesh.
const (
	roundShare peernet.Round = 1
	roundOpen  peernet.Round = 2
)

// Config holds the dependencies shared by every engine the factory builds.
type Config struct {
	Network       peernet.Network
	Aggregations  *aggregation.Registry
	RetryInterval time.Duration
	// Workers bounds how many peer sends run at once. Defaults to
	// max(1, NumCPU-1).
	Workers int
	Rand    io.Reader
	Logger  *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Network == nil {
		c.Network = &peernet.TCP{}
	}
	if c.Aggregations == nil {
		c.Aggregations = aggregation.Default()
	}
	if c.Workers <= 0 {
		c.Workers = max(1, runtime.NumCPU()-1)
	}
	if c.Rand == nil {
		c.Rand = rand.Reader
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
}

// NewFactory returns a suite.Factory building BGW engines.
func NewFactory(cfg Config) suite.Factory {
	cfg.applyDefaults()
	cfg.Logger.Debug("bgw.factory.init", slog.Int("workers", cfg.Workers), slog.String("modulus", Modulus.String()))
	return func(sessionID string) (suite.Engine, error) {
		return newEngine(sessionID, cfg), nil
	}
}

// Register adds the BGW suite to r.
func Register(r *suite.Registry, cfg Config) {
	r.Register(Name, NewFactory(cfg))
}

// plan is the configuration committed by a successful Prepare.
type plan struct {
	localID   int
	peers     []smc.Peer
	ids       []int
	threshold int
	agg       aggregation.Aggregator
	input     *big.Int
}

// Engine is the BGW engine of one session.
type Engine struct {
	sessionID string
	cfg       Config
	log       *slog.Logger

	life   context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	plan        *plan
	mesh        *peernet.Mesh
	invalidated bool
}

func newEngine(sessionID string, cfg Config) *Engine {
	life, cancel := context.WithCancel(context.Background())
	return &Engine{
		sessionID: sessionID,
		cfg:       cfg,
		log:       cfg.Logger.With(slog.String("session", sessionID)),
		life:      life,
		cancel:    cancel,
	}
}

// bind derives a context cancelled by either ctx or the engine's lifetime.
func (e *Engine) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.life, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Prepare validates the participants and task and commits them only when
// everything is valid.
func (e *Engine) Prepare(ctx context.Context, localID int, participants []smc.Participant, task smc.Task) error {
	peers, err := smc.ValidateParticipants(localID, participants)
	if err != nil {
		return err
	}
	agg, err := e.cfg.Aggregations.Resolve(&task)
	if err != nil {
		return err
	}
	input, err := agg.Input(localID, task)
	if err != nil {
		return err
	}
	ids := make([]int, len(peers))
	for i, p := range peers {
		ids[i] = p.PartyID
	}
	next := &plan{
		localID:   localID,
		peers:     peers,
		ids:       ids,
		threshold: Threshold(len(peers)),
		agg:       agg,
		input:     input,
	}

	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		return suite.ErrInvalidated
	}
	stale := e.mesh
	e.plan, e.mesh = next, nil
	e.mu.Unlock()

	if stale != nil {
		_ = stale.Close()
	}
	if next.threshold == 0 {
		e.log.Warn("bgw.prepare.threshold_zero", slog.Int("parties", len(peers)))
	}
	e.log.Debug("bgw.prepare.ok", slog.Int("local", localID), slog.Int("parties", len(peers)), slog.Int("threshold", next.threshold), slog.String("aggregation", string(agg.Name())))
	return nil
}

func (e *Engine) snapshot() (*plan, *peernet.Mesh, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.invalidated {
		return nil, nil, suite.ErrInvalidated
	}
	if e.plan == nil {
		return nil, nil, suite.ErrNotPrepared
	}
	return e.plan, e.mesh, nil
}

// LinkPeers connects to every participant. It is a no-op when already linked.
func (e *Engine) LinkPeers(ctx context.Context) error {
	_, err := e.link(ctx)
	return err
}

func (e *Engine) link(ctx context.Context) (*peernet.Mesh, error) {
	p, mesh, err := e.snapshot()
	if err != nil {
		return nil, err
	}
	if mesh != nil {
		return mesh, nil
	}

	ctx, cancel := e.bind(ctx)
	defer cancel()
	mesh, err = peernet.Connect(ctx, peernet.Config{
		Session:       e.sessionID,
		LocalID:       p.localID,
		Peers:         p.peers,
		Network:       e.cfg.Network,
		RetryInterval: e.cfg.RetryInterval,
		Logger:        e.log,
	})
	if err != nil {
		if e.life.Err() != nil {
			return nil, suite.ErrInvalidated
		}
		return nil, fmt.Errorf("bgw: link peers: %w", err)
	}

	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		_ = mesh.Close()
		return nil, suite.ErrInvalidated
	}
	e.mesh = mesh
	e.mu.Unlock()
	e.log.Debug("bgw.link.ok", slog.Int("peers", len(p.peers)-1))
	return mesh, nil
}

// RunSession evaluates the prepared aggregation, linking first if needed.
func (e *Engine) RunSession(ctx context.Context) (*smc.Result, error) {
	mesh, err := e.link(ctx)
	if err != nil {
		return nil, err
	}
	p, _, err := e.snapshot()
	if err != nil {
		return nil, err
	}

	ctx, cancel := e.bind(ctx)
	defer cancel()
	start := time.Now()
	value, err := e.evaluate(ctx, mesh, p)
	if err != nil {
		if e.life.Err() != nil {
			return nil, suite.ErrInvalidated
		}
		return nil, err
	}
	e.log.Debug("bgw.session.ok", slog.Float64("result", value), slog.Duration("took", time.Since(start)))
	return &smc.Result{Value: value}, nil
}

func (e *Engine) evaluate(ctx context.Context, mesh *peernet.Mesh, p *plan) (float64, error) {
	shares, err := Share(e.cfg.Rand, p.input, p.threshold, p.ids, Modulus)
	if err != nil {
		return 0, err
	}
	if err := e.scatter(ctx, mesh, roundShare, func(id int) []byte { return shares[id].Bytes() }, p.ids); err != nil {
		return 0, err
	}
	received, err := gather(ctx, mesh, roundShare, p.ids)
	if err != nil {
		return 0, err
	}
	combined := p.agg.Combine(received, Modulus)

	if err := e.scatter(ctx, mesh, roundOpen, func(int) []byte { return combined.Bytes() }, p.ids); err != nil {
		return 0, err
	}
	opened, err := gather(ctx, mesh, roundOpen, p.ids)
	if err != nil {
		return 0, err
	}
	points := make(map[int]*big.Int, len(opened))
	for i, id := range p.ids {
		points[id] = opened[i]
	}
	secret, err := Reconstruct(points, Modulus)
	if err != nil {
		return 0, err
	}
	return p.agg.Output(secret, Modulus), nil
}

// scatter sends one value per party, at most Workers sends at a time.
func (e *Engine) scatter(ctx context.Context, mesh *peernet.Mesh, round peernet.Round, value func(id int) []byte, ids []int) error {
	sem := make(chan struct{}, e.cfg.Workers)
	errs := make([]error, len(ids))
	var wg sync.WaitGroup
	for i, id := range ids {
		sem <- struct{}{}
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			defer func() { <-sem }()
			errs[i] = mesh.Send(ctx, id, round, value(id))
		}(i, id)
	}
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("bgw: round %d: %w", round, err)
		}
	}
	return nil
}

func gather(ctx context.Context, mesh *peernet.Mesh, round peernet.Round, ids []int) ([]*big.Int, error) {
	out := make([]*big.Int, len(ids))
	for i, id := range ids {
		raw, err := mesh.Recv(ctx, id, round)
		if err != nil {
			return nil, fmt.Errorf("bgw: round %d from %d: %w", round, id, err)
		}
		v := new(big.Int).SetBytes(raw)
		if v.Cmp(Modulus) >= 0 {
			return nil, fmt.Errorf("bgw: round %d from %d: value outside field", round, id)
		}
		out[i] = v
	}
	return out, nil
}

// StopAndInvalidate cancels in-flight calls and closes every peer link.
func (e *Engine) StopAndInvalidate() error {
	e.mu.Lock()
	if e.invalidated {
		e.mu.Unlock()
		return nil
	}
	e.invalidated = true
	mesh := e.mesh
	e.mesh = nil
	e.mu.Unlock()

	e.cancel()
	if mesh != nil {
		return mesh.Close()
	}
	return nil
}

var _ suite.Engine = (*Engine)(nil)
