// Package journal records the lifecycle of sessions: creation, every command
// with its reply status, aborts and teardowns. The journal is advisory;
// writes are best effort and never affect a command's outcome.
//
// Implementations
//
//	memoryjournal : bounded in-process history, the default
//	redisjournal  : Redis Streams, one stream per session with a TTL
package journal

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/smc-node-go/smc"
)

// EventType classifies a journal entry.
type EventType string

const (
	EventCreated  EventType = "created"
	EventCommand  EventType = "command"
	EventAborted  EventType = "aborted"
	EventTornDown EventType = "torn_down"
	EventReset    EventType = "reset"
)

// Event is one journal entry.
type Event struct {
	// ID is assigned by the journal on Append.
	ID      string     `json:"id"`
	Session string     `json:"session"`
	Type    EventType  `json:"type"`
	Command string     `json:"command,omitempty"`
	Status  smc.Status `json:"status,omitempty"`
	Phase   string     `json:"phase,omitempty"`
	Message string     `json:"message,omitempty"`
	At      time.Time  `json:"at"`
}

// Journal stores events per session.
type Journal interface {
	// Append stores ev and returns its assigned id.
	Append(ctx context.Context, ev Event) (string, error)
	// Events returns the events of a session, oldest first. An unknown
	// session yields an empty slice.
	Events(ctx context.Context, sessionID string) ([]Event, error)
	// Forget drops the history of a session.
	Forget(ctx context.Context, sessionID string) error
	Close() error
}

// ErrInvalidEvent is returned by Append for events without a session.
var ErrInvalidEvent = errors.New("journal: event has no session")

// Validate checks the fields every implementation requires.
func Validate(ev Event) error {
	if ev.Session == "" || ev.Type == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Discard is a Journal that stores nothing.
var Discard Journal = discard{}

type discard struct{}

func (discard) Append(context.Context, Event) (string, error)   { return "", nil }
func (discard) Events(context.Context, string) ([]Event, error) { return []Event{}, nil }
func (discard) Forget(context.Context, string) error            { return nil }
func (discard) Close() error                                    { return nil }
