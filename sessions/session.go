package sessions

import (
	"context"
	"sync"
	"time"

	"github.com/ggoodman/smc-node-go/internal/dispatch"
	"github.com/ggoodman/smc-node-go/internal/phase"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
)

// Session is one running job.
type Session struct {
	id        string
	suite     string
	createdAt time.Time

	engine     suite.Engine
	dispatcher *dispatch.Dispatcher

	stopOnce sync.Once
	stopErr  error
}

func (s *Session) ID() string { return s.id }

// Suite names the engine implementation backing the session.
func (s *Session) Suite() string { return s.suite }

func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Phase returns the current phase.
func (s *Session) Phase() phase.Phase { return s.dispatcher.Phase() }

// Handle runs cmd through the session's dispatcher. A non-nil error is fatal
// and the caller must Remove the session.
func (s *Session) Handle(ctx context.Context, cmd *smc.Command) (*smc.Reply, error) {
	return s.dispatcher.Handle(ctx, cmd)
}

// stop invalidates the engine exactly once.
func (s *Session) stop() error {
	s.stopOnce.Do(func() {
		s.stopErr = s.engine.StopAndInvalidate()
	})
	return s.stopErr
}
