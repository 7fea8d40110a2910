package smchttp_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/smc-node-go/auth/authtest"
	"github.com/ggoodman/smc-node-go/journal/memoryjournal"
	"github.com/ggoodman/smc-node-go/node"
	"github.com/ggoodman/smc-node-go/sessions"
	"github.com/ggoodman/smc-node-go/smc"
	"github.com/ggoodman/smc-node-go/smchttp"
	"github.com/ggoodman/smc-node-go/suite"
	"github.com/ggoodman/smc-node-go/suite/suitetest"
)

func newServer(t *testing.T, opts ...smchttp.Option) *httptest.Server {
	t.Helper()
	f := &suitetest.Factory{Configure: func(e *suitetest.Engine) { e.Value = 6 }}
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
	svc, err := node.New(node.Config{Registry: reg, Journal: j})
	if err != nil {
		t.Fatalf("node.New: %v", err)
	}
	h, err := smchttp.New(svc, opts...)
	if err != nil {
		t.Fatalf("smchttp.New: %v", err)
	}
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

type call struct {
	path    string
	session string
	token   string
	ctype   string
	body    any
}

func do(t *testing.T, srv *httptest.Server, c call) *http.Response {
	t.Helper()
	var body io.Reader = http.NoBody
	if c.body != nil {
		b, err := json.Marshal(c.body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequest(http.MethodPost, srv.URL+c.path, body)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	ctype := c.ctype
	if ctype == "" {
		ctype = "application/json"
	}
	req.Header.Set("Content-Type", ctype)
	if c.session != "" {
		req.Header.Set(smchttp.SessionIDHeader, c.session)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	t.Cleanup(func() { _ = res.Body.Close() })
	return res
}

func decodeReply(t *testing.T, res *http.Response) smc.Reply {
	t.Helper()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("status %d: %s", res.StatusCode, b)
	}
	var reply smc.Reply
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return reply
}

func prepareBody() *smc.Command {
	return &smc.Command{Prepare: &smc.PreparePayload{
		LocalPartyID: 1,
		Participants: []smc.Participant{{PartyID: 1, Endpoint: "10.0.0.1:9000"}, {PartyID: 2, Endpoint: "10.0.0.2:9000"}},
		Task:         &smc.Task{Aggregation: smc.AggregationSum},
	}}
}

func TestCommandFlow(t *testing.T) {
	srv := newServer(t)

	reply := decodeReply(t, do(t, srv, call{path: "/smc/init", body: smchttp.SessionRequest{SessionID: "s1"}}))
	if reply.Status != smc.StatusSuccess || reply.Message != "[s1] init done." {
		t.Fatalf("init: %+v", reply)
	}
	reply = decodeReply(t, do(t, srv, call{path: "/smc/init", body: smchttp.SessionRequest{SessionID: "s1"}}))
	if reply.Status != smc.StatusDenied {
		t.Fatalf("second init: %+v", reply)
	}

	reply = decodeReply(t, do(t, srv, call{path: "/smc/next", session: "s1", body: prepareBody()}))
	if reply.Status != smc.StatusSuccess {
		t.Fatalf("prepare: %+v", reply)
	}
	reply = decodeReply(t, do(t, srv, call{path: "/smc/next", session: "s1", body: &smc.Command{Session: &smc.SessionPayload{}}}))
	if reply.Status != smc.StatusSuccessDone || reply.Result == nil || reply.Result.Value != 6 {
		t.Fatalf("session: %+v", reply)
	}

	res, err := srv.Client().Get(srv.URL + "/smc/sessions/s1/events")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	defer res.Body.Close()
	var events struct {
		Events []struct {
			Type string `json:"type"`
		} `json:"events"`
	}
	if err := json.NewDecoder(res.Body).Decode(&events); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if len(events.Events) != 3 {
		t.Fatalf("expected create + 2 command events, got %+v", events.Events)
	}

	reply = decodeReply(t, do(t, srv, call{path: "/smc/teardown", body: smchttp.SessionRequest{SessionID: "s1"}}))
	if reply.Status != smc.StatusSuccessDone {
		t.Fatalf("teardown: %+v", reply)
	}
	reply = decodeReply(t, do(t, srv, call{path: "/smc/next", session: "s1", body: &smc.Command{Debug: &smc.DebugPayload{Ping: 1}}}))
	if reply.Status != smc.StatusDenied || reply.Message != smc.MsgInvalidSession {
		t.Fatalf("next after teardown: %+v", reply)
	}
}

func TestResetAndSessions(t *testing.T) {
	srv := newServer(t)
	for _, id := range []string{"a", "b"} {
		decodeReply(t, do(t, srv, call{path: "/smc/init", body: smchttp.SessionRequest{SessionID: id}}))
	}
	res, err := srv.Client().Get(srv.URL + "/smc/sessions")
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	defer res.Body.Close()
	var list struct {
		Sessions []string `json:"sessions"`
	}
	if err := json.NewDecoder(res.Body).Decode(&list); err != nil || len(list.Sessions) != 2 {
		t.Fatalf("sessions %+v, %v", list, err)
	}

	reply := decodeReply(t, do(t, srv, call{path: "/smc/reset"}))
	if reply.Status != smc.StatusSuccessDone || reply.Message != "2 sessions removed" {
		t.Fatalf("reset: %+v", reply)
	}
}

func TestTransportRejections(t *testing.T) {
	srv := newServer(t)
	cases := []struct {
		name string
		c    call
		want int
	}{
		{"missing session header", call{path: "/smc/next", body: &smc.Command{}}, http.StatusUnauthorized},
		{"invalid session header", call{path: "/smc/next", session: "bad id", body: &smc.Command{}}, http.StatusBadRequest},
		{"wrong content type", call{path: "/smc/init", ctype: "text/plain", body: smchttp.SessionRequest{SessionID: "x"}}, http.StatusUnsupportedMediaType},
		{"empty session id", call{path: "/smc/init", body: smchttp.SessionRequest{}}, http.StatusBadRequest},
		{"unknown field", call{path: "/smc/init", body: map[string]string{"session": "x"}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := do(t, srv, tc.c)
			if res.StatusCode != tc.want {
				t.Fatalf("status %d, want %d", res.StatusCode, tc.want)
			}
			var body struct {
				Error struct {
					Code int `json:"code"`
				} `json:"error"`
			}
			if err := json.NewDecoder(res.Body).Decode(&body); err != nil || body.Error.Code != tc.want {
				t.Fatalf("error body %+v, %v", body, err)
			}
		})
	}
}

func TestBearerAuth(t *testing.T) {
	tokens := authtest.NewTokens("smc:control").
		Add("good", "orchestrator", "smc:control").
		Add("weak", "viewer", "smc:read")
	srv := newServer(t, smchttp.WithAuthenticator(tokens), smchttp.WithRealm("smc"))
	body := smchttp.SessionRequest{SessionID: "s1"}

	res := do(t, srv, call{path: "/smc/init", body: body})
	if res.StatusCode != http.StatusUnauthorized || res.Header.Get("WWW-Authenticate") != `Bearer realm="smc"` {
		t.Fatalf("missing token: %d %q", res.StatusCode, res.Header.Get("WWW-Authenticate"))
	}
	res = do(t, srv, call{path: "/smc/init", token: "nope", body: body})
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(res.Header.Get("WWW-Authenticate"), `error="invalid_token"`) {
		t.Fatalf("bad token: %d %q", res.StatusCode, res.Header.Get("WWW-Authenticate"))
	}
	res = do(t, srv, call{path: "/smc/init", token: "weak", body: body})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("weak token: %d", res.StatusCode)
	}
	reply := decodeReply(t, do(t, srv, call{path: "/smc/init", token: "good", body: body}))
	if reply.Status != smc.StatusSuccess {
		t.Fatalf("init: %+v", reply)
	}
}

func TestSchemaAndMetrics(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "smc_up 1\n")
	})
	srv := newServer(t, smchttp.WithBasePath("/v1/"), smchttp.WithMetricsHandler(metrics))

	res, err := srv.Client().Get(srv.URL + "/v1/schema")
	if err != nil {
		t.Fatalf("schema: %v", err)
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(res.Body)
	for _, want := range []string{"prepare", "participants", "morePhasesFollow"} {
		if !bytes.Contains(b, []byte(want)) {
			t.Fatalf("schema lacks %q: %s", want, b)
		}
	}

	res, err = srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("metrics: %v", err)
	}
	defer res.Body.Close()
	b, _ = io.ReadAll(res.Body)
	if string(b) != "smc_up 1\n" {
		t.Fatalf("metrics body %q", b)
	}
}

func TestCustomResolver(t *testing.T) {
	byQuery := smchttp.ResolverFunc(func(r *http.Request) (string, error) {
		id := r.URL.Query().Get("session")
		if id == "" {
			return "", smchttp.ErrSessionHeaderMissing
		}
		return id, nil
	})
	srv := newServer(t, smchttp.WithResolver(byQuery))

	if got := decodeReply(t, do(t, srv, call{path: "/smc/init", body: smchttp.SessionRequest{SessionID: "q1"}})); got.Status != smc.StatusSuccess {
		t.Fatalf("init %+v", got)
	}
	// The default header is ignored once a resolver is installed.
	res := do(t, srv, call{path: "/smc/next", session: "q1", body: prepareBody()})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", res.StatusCode)
	}
	if got := decodeReply(t, do(t, srv, call{path: "/smc/next?session=q1", body: prepareBody()})); got.Status != smc.StatusSuccess {
		t.Fatalf("next %+v", got)
	}
}

func TestHeaderResolver(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", nil)
	if _, err := (smchttp.HeaderResolver{}).SessionID(r); err != smchttp.ErrSessionHeaderMissing {
		t.Fatalf("want missing, got %v", err)
	}
	r.Header.Add(smchttp.SessionIDHeader, "a")
	r.Header.Add(smchttp.SessionIDHeader, "b")
	if _, err := (smchttp.HeaderResolver{}).SessionID(r); err != smchttp.ErrSessionHeaderInvalid {
		t.Fatalf("want invalid, got %v", err)
	}
	r = httptest.NewRequest(http.MethodPost, "/", nil)
	r.Header.Set("X-Job", " job-7 ")
	id, err := (smchttp.HeaderResolver{Header: "X-Job"}).SessionID(r)
	if err != nil || id != "job-7" {
		t.Fatalf("got %q, %v", id, err)
	}
}
