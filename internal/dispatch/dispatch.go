// Package dispatch routes a session's commands to its engine, enforcing the
// phase order around every engine call.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/smc-node-go/aggregation"
	"github.com/ggoodman/smc-node-go/internal/phase"
	"github.com/ggoodman/smc-node-go/metrics"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
)

// Reply messages for successful commands.
const (
	MsgPrepared = "prep done"
	MsgLinked   = "linking done"
	MsgFinished = "sess done"
	MsgPong     = "pong: debug received"
)

// Options are shared by every session's dispatcher.
type Options struct {
	Aggregations *aggregation.Registry
	// EngineTimeout bounds each engine call. Zero disables the bound.
	EngineTimeout time.Duration
	Metrics       metrics.Sink
	Logger        *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.Aggregations == nil {
		o.Aggregations = aggregation.Default()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.Discard
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
}

// Dispatcher handles the commands of one session. Commands other than Debug
// are serialized.
type Dispatcher struct {
	mu      sync.Mutex
	machine *phase.Machine
	engine  suite.Engine
	opts    Options
	log     *slog.Logger
}

// New returns a dispatcher driving engine through machine.
func New(sessionID string, machine *phase.Machine, engine suite.Engine, opts Options) *Dispatcher {
	opts.applyDefaults()
	return &Dispatcher{
		machine: machine,
		engine:  engine,
		opts:    opts,
		log:     opts.Logger.With(slog.String("session", sessionID)),
	}
}

// Phase returns the session's current phase.
func (d *Dispatcher) Phase() phase.Phase { return d.machine.Current() }

// Handle executes cmd and returns the reply to send. A non-nil error is fatal:
// the caller must tear the session down and answer ABORTED. The reply is nil
// in that case.
func (d *Dispatcher) Handle(ctx context.Context, cmd *smc.Command) (*smc.Reply, error) {
	kind := cmd.Kind()
	start := time.Now()

	var (
		reply *smc.Reply
		err   error
	)
	if kind == smc.PayloadDebug {
		reply = d.debug(ctx, cmd.Debug)
	} else {
		d.mu.Lock()
		reply, err = d.handleLocked(ctx, kind, cmd)
		d.mu.Unlock()
	}

	status := smc.StatusAborted
	if err == nil {
		status = reply.Status
	}
	label := string(kind)
	if kind == smc.PayloadUnknown {
		label = "unknown"
	}
	d.opts.Metrics.IncCounter(metrics.CommandsTotal, map[string]string{"command": label, "status": string(status)})
	d.opts.Metrics.ObserveHistogram(metrics.CommandDuration, time.Since(start).Seconds(), map[string]string{"command": label})
	return reply, err
}

func (d *Dispatcher) handleLocked(ctx context.Context, kind smc.PayloadKind, cmd *smc.Command) (*smc.Reply, error) {
	switch kind {
	case smc.PayloadPrepare:
		return d.prepare(ctx, cmd.Prepare), nil
	case smc.PayloadLink:
		return d.link(ctx)
	case smc.PayloadSession:
		return d.session(ctx)
	default:
		d.log.WarnContext(ctx, "cmd.unknown")
		return smc.ErrorReply(&smc.Error{Kind: smc.KindInvalidTransition, Message: smc.MsgInvalidTransition}), nil
	}
}

func (d *Dispatcher) engineContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.opts.EngineTimeout > 0 {
		return context.WithTimeout(ctx, d.opts.EngineTimeout)
	}
	return context.WithCancel(ctx)
}

// advance moves the machine to to. A refused transition is reported as a
// KindInvalidTransition error wrapping the machine's *phase.TransitionError.
func (d *Dispatcher) advance(ctx context.Context, to phase.Phase) (phase.Phase, error) {
	prev, err := d.machine.Advance(to)
	if err != nil {
		d.log.InfoContext(ctx, "cmd.transition.denied", slog.String("from", prev.String()), slog.String("to", to.String()))
		return prev, smc.Wrap(smc.KindInvalidTransition, smc.MsgInvalidTransition, err)
	}
	return prev, nil
}

// prepare never fails fatally. Any failure restores the phase held before
// the attempt.
func (d *Dispatcher) prepare(ctx context.Context, p *smc.PreparePayload) *smc.Reply {
	prev, err := d.advance(ctx, phase.PrepareStart)
	if err != nil {
		return smc.ErrorReply(err)
	}
	if err := d.configure(ctx, p); err != nil {
		d.machine.Restore(phase.PrepareStart, prev)
		d.log.InfoContext(ctx, "cmd.prepare.fail", slog.String("kind", smc.KindOf(err).String()), slog.Any("err", err))
		return prepareFailureReply(err)
	}
	if _, err := d.advance(ctx, phase.PrepareFinish); err != nil {
		return smc.ErrorReply(err)
	}
	d.log.InfoContext(ctx, "cmd.prepare.ok", slog.Int("local", p.LocalPartyID), slog.Int("participants", len(p.Participants)))
	return smc.NewReply(smc.StatusSuccess, MsgPrepared)
}

func (d *Dispatcher) configure(ctx context.Context, p *smc.PreparePayload) error {
	if p.Task == nil {
		return &smc.Error{Kind: smc.KindInvalidTask, Message: smc.MsgInvalidTask}
	}
	if _, err := d.opts.Aggregations.Resolve(p.Task); err != nil {
		return err
	}
	if _, err := smc.ValidateParticipants(p.LocalPartyID, p.Participants); err != nil {
		return err
	}
	ctx, cancel := d.engineContext(ctx)
	defer cancel()
	return d.engine.Prepare(ctx, p.LocalPartyID, p.Participants, *p.Task)
}

// prepareFailureReply keeps the classification of typed errors but never
// reports ABORTED for a prepare.
func prepareFailureReply(err error) *smc.Reply {
	var serr *smc.Error
	if errors.As(err, &serr) && serr.Kind != smc.KindFatal {
		return serr.Reply()
	}
	return smc.NewReply(smc.StatusDenied, "prepare failed: "+err.Error())
}

func (d *Dispatcher) link(ctx context.Context) (*smc.Reply, error) {
	if _, err := d.advance(ctx, phase.LinkingStart); err != nil {
		return smc.ErrorReply(err), nil
	}
	ectx, cancel := d.engineContext(ctx)
	err := d.engine.LinkPeers(ectx)
	cancel()
	if err != nil {
		d.log.ErrorContext(ctx, "cmd.link.fail", slog.Any("err", err))
		return nil, suite.Fatal("link", err)
	}
	if _, err := d.advance(ctx, phase.LinkingFinish); err != nil {
		return smc.ErrorReply(err), nil
	}
	d.log.InfoContext(ctx, "cmd.link.ok")
	return smc.NewReply(smc.StatusSuccess, MsgLinked), nil
}

func (d *Dispatcher) session(ctx context.Context) (*smc.Reply, error) {
	if _, err := d.advance(ctx, phase.SessionStart); err != nil {
		return smc.ErrorReply(err), nil
	}
	ectx, cancel := d.engineContext(ctx)
	res, err := d.engine.RunSession(ectx)
	cancel()
	if err != nil {
		d.log.ErrorContext(ctx, "cmd.session.fail", slog.Any("err", err))
		return nil, suite.Fatal("session", err)
	}
	if res == nil {
		return nil, suite.Fatal("session", errors.New("engine returned no result"))
	}
	if _, err := d.advance(ctx, phase.SessionFinish); err != nil {
		return smc.ErrorReply(err), nil
	}
	d.log.InfoContext(ctx, "cmd.session.ok", slog.Float64("result", res.Value))
	return smc.NewResultReply(smc.StatusSuccessDone, MsgFinished, res.Value), nil
}

// debug answers without touching the phase or the session lock.
func (d *Dispatcher) debug(ctx context.Context, p *smc.DebugPayload) *smc.Reply {
	status := smc.StatusSuccessDone
	if p.MorePhasesFollow {
		status = smc.StatusSuccess
	}
	d.log.DebugContext(ctx, "cmd.debug.ok", slog.Float64("ping", p.Ping))
	return smc.NewResultReply(status, MsgPong, p.Ping+1)
}
