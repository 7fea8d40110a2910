package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/smc-node-go/internal/phase"
	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/journal/memoryjournal"
	"github.com/ggoodman/smc-node-go/peernet"
	"github.com/ggoodman/smc-node-go/peernet/peernettest"
	"github.com/ggoodman/smc-node-go/sessions"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/suite"
	"github.com/ggoodman/smc-node-go/suite/bgw"
	"github.com/ggoodman/smc-node-go/suite/suitetest"
)

func newFakeService(t *testing.T, configure func(*suitetest.Engine)) (*Service, *suitetest.Factory, journal.Journal) {
	t.Helper()
	f := &suitetest.Factory{Configure: configure}
	suites := suite.NewRegistry()
	suites.Register("fake", f.New)
	reg, err := sessions.NewRegistry(sessions.Config{Suites: suites, Suite: "fake"})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	j, err := memoryjournal.New(memoryjournal.Config{})
	if err != nil {
		t.Fatalf("memoryjournal: %v", err)
	}
	svc, err := New(Config{Registry: reg, Journal: j})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc, f, j
}

func newBGWService(t *testing.T, network peernet.Network) *Service {
	t.Helper()
	suites := suite.NewRegistry()
	bgw.Register(suites, bgw.Config{Network: network, RetryInterval: 5 * time.Millisecond})
	reg, err := sessions.NewRegistry(sessions.Config{Suites: suites, Suite: bgw.Name})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	svc, err := New(Config{Registry: reg})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.ResetAll(context.Background()) })
	return svc
}

var twoParties = []smc.Participant{
	{PartyID: 1, Endpoint: "10.0.0.1:9000"},
	{PartyID: 2, Endpoint: "10.0.0.2:9000"},
}

func prepare(local int) *smc.Command {
	return &smc.Command{Prepare: &smc.PreparePayload{
		LocalPartyID: local,
		Participants: twoParties,
		Task:         &smc.Task{Aggregation: smc.AggregationSum},
	}}
}

func expectStatus(t *testing.T, got *smc.Reply, want smc.Status) {
	t.Helper()
	if got.Status != want {
		t.Fatalf("got %s (%q), want %s", got.Status, got.Message, want)
	}
}

// Two nodes run session "s1" end to end over an in-memory peer network.
func TestScenarioS1(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	network := peernettest.New()
	nodes := []*Service{newBGWService(t, network), newBGWService(t, network)}

	for i, n := range nodes {
		reply := n.Init(ctx, "s1")
		expectStatus(t, reply, smc.StatusSuccess)
		if reply.Message != "[s1] init done." {
			t.Fatalf("init message %q", reply.Message)
		}
		expectStatus(t, n.NextCmd(ctx, "s1", prepare(i+1)), smc.StatusSuccess)
		sess, _ := n.reg.Get("s1")
		if sess.Phase() != phase.PrepareFinish {
			t.Fatalf("node %d phase %s", i+1, sess.Phase())
		}
	}

	replies := make([]*smc.Reply, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Service) {
			defer wg.Done()
			replies[i] = n.NextCmd(ctx, "s1", &smc.Command{Session: &smc.SessionPayload{}})
		}(i, n)
	}
	wg.Wait()
	for i, reply := range replies {
		expectStatus(t, reply, smc.StatusSuccessDone)
		// Default inputs are 2*partyID: 2 + 4.
		if reply.Result == nil || reply.Result.Value != 6 {
			t.Fatalf("node %d result %+v", i+1, reply.Result)
		}
	}

	reply := nodes[0].NextCmd(ctx, "s1", &smc.Command{Session: &smc.SessionPayload{}})
	expectStatus(t, reply, smc.StatusDenied)
	if reply.Message != smc.MsgInvalidTransition {
		t.Fatalf("message %q", reply.Message)
	}
}

func TestScenarioDebug(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFakeService(t, nil)
	svc.Init(ctx, "s1")

	reply := svc.NextCmd(ctx, "s1", &smc.Command{Debug: &smc.DebugPayload{Ping: 41}})
	expectStatus(t, reply, smc.StatusSuccessDone)
	if reply.Result == nil || reply.Result.Value != 42 {
		t.Fatalf("result %+v", reply.Result)
	}
	sess, _ := svc.reg.Get("s1")
	if sess.Phase() != phase.NotInitialized {
		t.Fatalf("phase %s", sess.Phase())
	}
}

func TestConcurrentInit(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFakeService(t, nil)

	replies := make([]*smc.Reply, 2)
	var wg sync.WaitGroup
	for i := range replies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			replies[i] = svc.Init(ctx, "s1")
		}(i)
	}
	wg.Wait()
	ok, denied := 0, 0
	for _, r := range replies {
		switch r.Status {
		case smc.StatusSuccess:
			ok++
		case smc.StatusDenied:
			if r.Message != smc.MsgInvalidSession {
				t.Fatalf("denied message %q", r.Message)
			}
			denied++
		}
	}
	if ok != 1 || denied != 1 {
		t.Fatalf("ok=%d denied=%d", ok, denied)
	}
}

func TestUnknownSession(t *testing.T) {
	svc, _, _ := newFakeService(t, nil)
	reply := svc.NextCmd(context.Background(), "nope", &smc.Command{Link: &smc.LinkPayload{}})
	expectStatus(t, reply, smc.StatusDenied)
	if reply.Message != smc.MsgInvalidSession {
		t.Fatalf("message %q", reply.Message)
	}

	_, err := svc.lookup("nope")
	if smc.KindOf(err) != smc.KindSessionNotFound || !errors.Is(err, sessions.ErrSessionNotFound) {
		t.Fatalf("lookup error %v (kind %s)", err, smc.KindOf(err))
	}
}

func TestResetAllJournalsRemovedSessions(t *testing.T) {
	ctx := context.Background()
	svc, _, j := newFakeService(t, nil)
	for _, id := range []string{"a", "b"} {
		expectStatus(t, svc.Init(ctx, id), smc.StatusSuccess)
	}
	expectStatus(t, svc.TearDown(ctx, "a"), smc.StatusSuccessDone)

	reply := svc.ResetAll(ctx)
	if reply.Message != "1 sessions removed" {
		t.Fatalf("reset message %q", reply.Message)
	}
	lastType := func(id string) journal.EventType {
		events, err := j.Events(ctx, id)
		if err != nil || len(events) == 0 {
			t.Fatalf("events for %s: %v %v", id, events, err)
		}
		return events[len(events)-1].Type
	}
	if got := lastType("a"); got != journal.EventTornDown {
		t.Fatalf("a: last event %s, want torn down", got)
	}
	if got := lastType("b"); got != journal.EventReset {
		t.Fatalf("b: last event %s, want reset", got)
	}
}

func TestFatalFailureAbortsAndFreesID(t *testing.T) {
	ctx := context.Background()
	svc, f, j := newFakeService(t, func(e *suitetest.Engine) {
		e.LinkFunc = func(context.Context) error { return errors.New("peer gone") }
	})

	svc.Init(ctx, "s1")
	expectStatus(t, svc.NextCmd(ctx, "s1", prepare(1)), smc.StatusSuccess)
	reply := svc.NextCmd(ctx, "s1", &smc.Command{Link: &smc.LinkPayload{}})
	expectStatus(t, reply, smc.StatusAborted)
	if reply.Message != smc.MsgAborted {
		t.Fatalf("message %q", reply.Message)
	}
	if f.Last().Stops.Load() != 1 {
		t.Fatalf("engine not invalidated after abort")
	}
	if _, ok := svc.reg.Get("s1"); ok {
		t.Fatalf("aborted session still registered")
	}

	// The id is immediately reusable.
	expectStatus(t, svc.Init(ctx, "s1"), smc.StatusSuccess)

	events, _ := j.Events(ctx, "s1")
	var types []journal.EventType
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	want := []journal.EventType{journal.EventCreated, journal.EventCommand, journal.EventAborted, journal.EventCreated}
	if len(types) != len(want) {
		t.Fatalf("journal %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("journal %v, want %v", types, want)
		}
	}
}

func TestPrepareTooFewParticipants(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFakeService(t, nil)
	svc.Init(ctx, "s1")

	cmd := &smc.Command{Prepare: &smc.PreparePayload{
		LocalPartyID: 1,
		Participants: twoParties[:1],
		Task:         &smc.Task{Aggregation: smc.AggregationSum},
	}}
	expectStatus(t, svc.NextCmd(ctx, "s1", cmd), smc.StatusDenied)
	sess, ok := svc.reg.Get("s1")
	if !ok {
		t.Fatalf("validation failure removed the session")
	}
	if sess.Phase() != phase.NotInitialized {
		t.Fatalf("phase %s", sess.Phase())
	}
	// Retry with a valid participant set succeeds.
	expectStatus(t, svc.NextCmd(ctx, "s1", prepare(1)), smc.StatusSuccess)
}

func TestTearDownIdempotent(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newFakeService(t, nil)
	svc.Init(ctx, "s1")

	expectStatus(t, svc.TearDown(ctx, "s1"), smc.StatusSuccessDone)
	expectStatus(t, svc.TearDown(ctx, "s1"), smc.StatusSuccessDone)
	expectStatus(t, svc.NextCmd(ctx, "s1", prepare(1)), smc.StatusDenied)
	expectStatus(t, svc.Init(ctx, "s1"), smc.StatusSuccess)
}

func TestResetAllMidFlight(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	svc, f, _ := newFakeService(t, func(e *suitetest.Engine) {
		e.LinkFunc = func(ctx context.Context) error {
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		e.StopFunc = func() error {
			return errors.New("engine busy")
		}
	})
	for _, id := range []string{"a", "b", "c"} {
		svc.Init(ctx, id)
		svc.NextCmd(ctx, id, prepare(1))
	}

	inFlight := make(chan *smc.Reply, 1)
	go func() { inFlight <- svc.NextCmd(ctx, "a", &smc.Command{Link: &smc.LinkPayload{}}) }()
	for f.Engines()[0].Links.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	expectStatus(t, svc.ResetAll(ctx), smc.StatusSuccessDone)
	if len(svc.Sessions()) != 0 {
		t.Fatalf("sessions left: %v", svc.Sessions())
	}
	close(release)
	<-inFlight
	for _, id := range []string{"a", "b", "c"} {
		expectStatus(t, svc.Init(ctx, id), smc.StatusSuccess)
	}
}
