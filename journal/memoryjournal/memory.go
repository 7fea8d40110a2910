// Package memoryjournal provides an in-memory journal.Journal backed by
// github.com/hashicorp/golang-lru/v2. The history of the least recently
// written sessions is evicted once MaxSessions is exceeded.
package memoryjournal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/ggoodman/smc-node-go/journal"
)

// Config bounds the retained history.
type Config struct {
	// MaxSessions defaults to 1024.
	MaxSessions int
	// MaxEventsPerSession keeps only the newest events. Defaults to 256.
	MaxEventsPerSession int
}

// Journal implements journal.Journal in memory.
type Journal struct {
	mu        sync.Mutex
	cache     *lru.Cache[string, []journal.Event]
	maxEvents int
}

// New creates an in-memory journal.
func New(cfg Config) (*Journal, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1024
	}
	if cfg.MaxEventsPerSession <= 0 {
		cfg.MaxEventsPerSession = 256
	}
	cache, err := lru.New[string, []journal.Event](cfg.MaxSessions)
	if err != nil {
		return nil, fmt.Errorf("failed to create LRU cache: %w", err)
	}
	return &Journal{cache: cache, maxEvents: cfg.MaxEventsPerSession}, nil
}

func (j *Journal) Append(ctx context.Context, ev journal.Event) (string, error) {
	if err := journal.Validate(ev); err != nil {
		return "", err
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	ev.ID = uuid.NewString()

	j.mu.Lock()
	defer j.mu.Unlock()
	events, _ := j.cache.Get(ev.Session)
	events = append(events, ev)
	if over := len(events) - j.maxEvents; over > 0 {
		events = append([]journal.Event(nil), events[over:]...)
	}
	j.cache.Add(ev.Session, events)
	return ev.ID, nil
}

func (j *Journal) Events(ctx context.Context, sessionID string) ([]journal.Event, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	events, _ := j.cache.Peek(sessionID)
	return append([]journal.Event{}, events...), nil
}

func (j *Journal) Forget(ctx context.Context, sessionID string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.cache.Remove(sessionID)
	return nil
}

// Close is a no-op.
func (j *Journal) Close() error { return nil }

var _ journal.Journal = (*Journal)(nil)
