package memoryjournal

import (
	"context"
	"testing"

	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/journal/journaltest"
)

func TestMemoryJournal(t *testing.T) {
	journaltest.Run(t, func(t *testing.T) journal.Journal {
		j, err := New(Config{})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return j
	})
}

func TestBounds(t *testing.T) {
	ctx := context.Background()
	j, err := New(Config{MaxSessions: 2, MaxEventsPerSession: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		if _, err := j.Append(ctx, journal.Event{Session: "a", Type: journal.EventCommand, Message: string(rune('0' + i))}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	events, _ := j.Events(ctx, "a")
	if len(events) != 3 || events[0].Message != "2" || events[2].Message != "4" {
		t.Fatalf("unexpected retained events %+v", events)
	}

	_, _ = j.Append(ctx, journal.Event{Session: "b", Type: journal.EventCreated})
	_, _ = j.Append(ctx, journal.Event{Session: "c", Type: journal.EventCreated})
	if events, _ := j.Events(ctx, "a"); len(events) != 0 {
		t.Fatalf("oldest session not evicted")
	}
}
