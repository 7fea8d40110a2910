// Package journaltest holds a conformance suite every journal.Journal
// implementation must pass.
package journaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/smc"
)

// Factory creates a new, empty Journal for testing.
type Factory func(t *testing.T) journal.Journal

// Run runs the complete Journal test suite against the provided factory.
func Run(t *testing.T, factory Factory) {
	t.Run("AppendAndReadInOrder", func(t *testing.T) { testAppendAndRead(t, factory) })
	t.Run("FieldsRoundTrip", func(t *testing.T) { testFieldsRoundTrip(t, factory) })
	t.Run("IsolationBetweenSessions", func(t *testing.T) { testIsolation(t, factory) })
	t.Run("UnknownSessionIsEmpty", func(t *testing.T) { testUnknownSession(t, factory) })
	t.Run("Forget", func(t *testing.T) { testForget(t, factory) })
	t.Run("RejectsInvalidEvents", func(t *testing.T) { testInvalid(t, factory) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrent(t, factory) })
}

func newJournal(t *testing.T, factory Factory) journal.Journal {
	t.Helper()
	j := factory(t)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

// sessionID is unique per call so shared backends do not leak state between
// tests.
func sessionID(name string) string { return name + "-" + uuid.NewString() }

func testAppendAndRead(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess := sessionID("order")
	var ids []string
	for i := 0; i < 5; i++ {
		id, err := j.Append(ctx, journal.Event{Session: sess, Type: journal.EventCommand, Message: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if id == "" {
			t.Fatalf("expected non-empty event id")
		}
		ids = append(ids, id)
	}

	events, err := j.Events(ctx, sess)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected 5 events, got %d", len(events))
	}
	for i, ev := range events {
		if ev.ID != ids[i] || ev.Message != fmt.Sprintf("m%d", i) {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func testFieldsRoundTrip(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	ctx := context.Background()

	at := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	in := journal.Event{
		Session: sessionID("fields"),
		Type:    journal.EventCommand,
		Command: "prepare",
		Status:  smc.StatusSuccess,
		Phase:   "PREPARE_FINISH",
		Message: "prep done",
		At:      at,
	}
	if _, err := j.Append(ctx, in); err != nil {
		t.Fatalf("append: %v", err)
	}
	events, err := j.Events(ctx, in.Session)
	if err != nil || len(events) != 1 {
		t.Fatalf("events: %v (%d)", err, len(events))
	}
	got := events[0]
	if got.Type != in.Type || got.Command != in.Command || got.Status != in.Status || got.Phase != in.Phase || got.Message != in.Message {
		t.Fatalf("fields mismatch: got %+v want %+v", got, in)
	}
	if !got.At.Equal(at) {
		t.Fatalf("timestamp mismatch: got %v want %v", got.At, at)
	}
}

func testIsolation(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	ctx := context.Background()

	a, b := sessionID("iso-a"), sessionID("iso-b")
	_, _ = j.Append(ctx, journal.Event{Session: a, Type: journal.EventCreated})
	_, _ = j.Append(ctx, journal.Event{Session: b, Type: journal.EventCreated})
	_, _ = j.Append(ctx, journal.Event{Session: b, Type: journal.EventTornDown})

	ea, _ := j.Events(ctx, a)
	eb, _ := j.Events(ctx, b)
	if len(ea) != 1 || len(eb) != 2 {
		t.Fatalf("sessions not isolated: a=%d b=%d", len(ea), len(eb))
	}
	if eb[1].Type != journal.EventTornDown {
		t.Fatalf("unexpected event %+v", eb[1])
	}
}

func testUnknownSession(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	events, err := j.Events(context.Background(), sessionID("missing"))
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if events == nil || len(events) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", events)
	}
}

func testForget(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	ctx := context.Background()

	sess := sessionID("forget")
	_, _ = j.Append(ctx, journal.Event{Session: sess, Type: journal.EventCreated})
	if err := j.Forget(ctx, sess); err != nil {
		t.Fatalf("forget: %v", err)
	}
	events, _ := j.Events(ctx, sess)
	if len(events) != 0 {
		t.Fatalf("history survived Forget: %+v", events)
	}
	if err := j.Forget(ctx, sess); err != nil {
		t.Fatalf("second forget: %v", err)
	}
}

func testInvalid(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	if _, err := j.Append(context.Background(), journal.Event{Type: journal.EventCreated}); !errors.Is(err, journal.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}
}

func testConcurrent(t *testing.T, factory Factory) {
	j := newJournal(t, factory)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sess := sessionID("concurrent")
	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := j.Append(ctx, journal.Event{Session: sess, Type: journal.EventCommand, Message: fmt.Sprint(i)}); err != nil {
				t.Errorf("append: %v", err)
			}
		}(i)
	}
	wg.Wait()
	events, err := j.Events(ctx, sess)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(events) != writers {
		t.Fatalf("expected %d events, got %d", writers, len(events))
	}
}
