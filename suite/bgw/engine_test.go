package bgw

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/smc-node-go/peernet/peernettest"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
)

func participants(n int) []smc.Participant {
	out := make([]smc.Participant, n)
	for i := range out {
		out[i] = smc.Participant{PartyID: i + 1, Endpoint: fmt.Sprintf("10.0.0.%d:9000", i+1)}
	}
	return out
}

func newTestEngines(t *testing.T, n int) []suite.Engine {
	t.Helper()
	factory := NewFactory(Config{Network: peernettest.New(), RetryInterval: 5 * time.Millisecond})
	engines := make([]suite.Engine, n)
	for i := range engines {
		eng, err := factory("s1")
		if err != nil {
			t.Fatalf("factory: %v", err)
		}
		engines[i] = eng
	}
	t.Cleanup(func() {
		for _, eng := range engines {
			_ = eng.StopAndInvalidate()
		}
	})
	return engines
}

// runAll executes fn for every engine concurrently and returns the results.
func runAll(engines []suite.Engine, fn func(i int, eng suite.Engine) (*smc.Result, error)) ([]*smc.Result, []error) {
	results := make([]*smc.Result, len(engines))
	errs := make([]error, len(engines))
	var wg sync.WaitGroup
	for i, eng := range engines {
		wg.Add(1)
		go func(i int, eng suite.Engine) {
			defer wg.Done()
			results[i], errs[i] = fn(i, eng)
		}(i, eng)
	}
	wg.Wait()
	return results, errs
}

func TestSumDefaultInputs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const n = 3
	engines := newTestEngines(t, n)
	ps := participants(n)
	task := smc.Task{Aggregation: smc.AggregationSum}

	for i, eng := range engines {
		if err := eng.Prepare(ctx, i+1, ps, task); err != nil {
			t.Fatalf("prepare %d: %v", i+1, err)
		}
	}
	_, errs := runAll(engines, func(_ int, eng suite.Engine) (*smc.Result, error) {
		return nil, eng.LinkPeers(ctx)
	})
	for i, err := range errs {
		if err != nil {
			t.Fatalf("link %d: %v", i+1, err)
		}
	}
	results, errs := runAll(engines, func(_ int, eng suite.Engine) (*smc.Result, error) {
		return eng.RunSession(ctx)
	})
	for i := range engines {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i+1, errs[i])
		}
		// 2*1 + 2*2 + 2*3
		if results[i].Value != 12 {
			t.Fatalf("party %d: got %v want 12", i+1, results[i].Value)
		}
	}
}

func TestSumLazyLinkExplicitInputs(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	const n = 4
	engines := newTestEngines(t, n)
	ps := participants(n)
	inputs := []string{"10", "-3", "7", "0"}

	for i, eng := range engines {
		task := smc.Task{Aggregation: smc.AggregationSum, Params: map[string]string{"input": inputs[i]}}
		if err := eng.Prepare(ctx, i+1, ps, task); err != nil {
			t.Fatalf("prepare %d: %v", i+1, err)
		}
	}
	// No LinkPeers: RunSession links on demand.
	results, errs := runAll(engines, func(_ int, eng suite.Engine) (*smc.Result, error) {
		return eng.RunSession(ctx)
	})
	for i := range engines {
		if errs[i] != nil {
			t.Fatalf("session %d: %v", i+1, errs[i])
		}
		if results[i].Value != 14 {
			t.Fatalf("party %d: got %v want 14", i+1, results[i].Value)
		}
	}
}

func TestPrepareIsAtomic(t *testing.T) {
	ctx := context.Background()
	eng := newTestEngines(t, 1)[0].(*Engine)

	if err := eng.Prepare(ctx, 1, participants(2), smc.Task{Aggregation: smc.AggregationSum}); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	before := eng.plan

	cases := []struct {
		name string
		id   int
		ps   []smc.Participant
		task smc.Task
		kind smc.ErrorKind
	}{
		{"too few participants", 1, participants(1), smc.Task{Aggregation: smc.AggregationSum}, smc.KindValidation},
		{"local not a participant", 9, participants(3), smc.Task{Aggregation: smc.AggregationSum}, smc.KindValidation},
		{"bad endpoint", 1, []smc.Participant{{PartyID: 1, Endpoint: "a:1"}, {PartyID: 2, Endpoint: "nocolon"}}, smc.Task{Aggregation: smc.AggregationSum}, smc.KindValidation},
		{"unsupported aggregation", 1, participants(2), smc.Task{Aggregation: "max"}, smc.KindUnsupported},
		{"bad input", 1, participants(2), smc.Task{Aggregation: smc.AggregationSum, Params: map[string]string{"input": "abc"}}, smc.KindValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := eng.Prepare(ctx, tc.id, tc.ps, tc.task)
			if smc.KindOf(err) != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
			if eng.plan != before {
				t.Fatalf("failed prepare replaced the committed plan")
			}
		})
	}
}

func TestNotPrepared(t *testing.T) {
	eng := newTestEngines(t, 1)[0]
	if err := eng.LinkPeers(context.Background()); !errors.Is(err, suite.ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
	if _, err := eng.RunSession(context.Background()); !errors.Is(err, suite.ErrNotPrepared) {
		t.Fatalf("expected ErrNotPrepared, got %v", err)
	}
}

func TestStopCancelsInFlightLink(t *testing.T) {
	eng := newTestEngines(t, 1)[0]
	if err := eng.Prepare(context.Background(), 1, participants(2), smc.Task{Aggregation: smc.AggregationSum}); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.LinkPeers(context.Background()) }()

	// Party 2 never appears, so the link blocks until invalidated.
	time.Sleep(20 * time.Millisecond)
	if err := eng.StopAndInvalidate(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, suite.ErrInvalidated) {
			t.Fatalf("expected ErrInvalidated, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("link did not return after StopAndInvalidate")
	}

	if err := eng.StopAndInvalidate(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	err := eng.Prepare(context.Background(), 1, participants(2), smc.Task{Aggregation: smc.AggregationSum})
	if !errors.Is(err, suite.ErrInvalidated) {
		t.Fatalf("expected ErrInvalidated after stop, got %v", err)
	}
}
