// Package smchttp exposes a node's command surface over HTTP with JSON bodies.
// Every reply is written with status 200; non-2xx responses are reserved for
// transport-level rejections (content type, authentication, malformed bodies).
package smchttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/ggoodman/smc-node-go/auth"
	"github.com/ggoodman/smc-node-go/internal/logctx"
	"github.com/ggoodman/smc-node-go/journal"
	"github.com/ggoodman/smc-node-go/smc"
)

var _ http.Handler = (*Handler)(nil)

var jsonMediaType = contenttype.NewMediaType("application/json")

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	defaultMaxBodyBytes = 1 << 20
)

// Node is the command surface served by the handler. *node.Service
// implements it.
type Node interface {
	Init(ctx context.Context, sessionID string) *smc.Reply
	NextCmd(ctx context.Context, sessionID string, cmd *smc.Command) *smc.Reply
	TearDown(ctx context.Context, sessionID string) *smc.Reply
	ResetAll(ctx context.Context) *smc.Reply
	Sessions() []string
	Events(ctx context.Context, sessionID string) ([]journal.Event, error)
}

// SessionRequest is the body of /init and /teardown.
type SessionRequest struct {
	SessionID string `json:"sessionID"`
}

// writeJSONError emits a minimal JSON body for transport-level rejections.
// Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(v)
}

// Option configures the Handler.
type Option func(*config)

type config struct {
	basePath     string
	logger       *slog.Logger
	auth         auth.Authenticator
	realm        string
	resolver     Resolver
	metrics      http.Handler
	maxBodyBytes int64
}

// WithBasePath mounts the command endpoints below path. Defaults to "/smc".
func WithBasePath(path string) Option {
	return func(c *config) { c.basePath = path }
}

// WithLogger sets the logger used by the handler. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every command endpoint.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.auth = a }
}

// WithRealm sets the realm advertised in WWW-Authenticate challenges. The
// attribute is omitted when empty.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithResolver replaces the header-based session resolver.
func WithResolver(r Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// WithMetricsHandler serves h at GET /metrics without authentication.
func WithMetricsHandler(h http.Handler) Option {
	return func(c *config) { c.metrics = h }
}

// WithMaxBodyBytes bounds request bodies. Defaults to 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(c *config) { c.maxBodyBytes = n }
}

// Handler routes HTTP requests to a Node.
type Handler struct {
	node     Node
	log      *slog.Logger
	auth     auth.Authenticator
	realm    string
	resolver Resolver
	maxBody  int64
	schema   []byte
	mux      *http.ServeMux
}

// New returns a handler serving node.
func New(node Node, opts ...Option) (*Handler, error) {
	if node == nil {
		return nil, errors.New("node is required")
	}
	cfg := &config{basePath: "/smc", logger: slog.New(slog.DiscardHandler), resolver: HeaderResolver{}, maxBodyBytes: defaultMaxBodyBytes}
	for _, opt := range opts {
		opt(cfg)
	}
	base := "/" + strings.Trim(cfg.basePath, "/")
	if base == "/" {
		base = ""
	}

	schema, err := json.Marshal(jsonschema.Reflect(&smc.Command{}))
	if err != nil {
		return nil, fmt.Errorf("command schema: %w", err)
	}

	h := &Handler{
		node:     node,
		log:      slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		auth:     cfg.auth,
		realm:    cfg.realm,
		resolver: cfg.resolver,
		maxBody:  cfg.maxBodyBytes,
		schema:   schema,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/init", base), h.handleInit)
	mux.HandleFunc(fmt.Sprintf("POST %s/next", base), h.handleNext)
	mux.HandleFunc(fmt.Sprintf("POST %s/teardown", base), h.handleTearDown)
	mux.HandleFunc(fmt.Sprintf("POST %s/reset", base), h.handleReset)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions", base), h.handleSessions)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions/{id}/events", base), h.handleEvents)
	mux.HandleFunc(fmt.Sprintf("GET %s/schema", base), h.handleSchema)
	if cfg.metrics != nil {
		mux.Handle("GET /metrics", cfg.metrics)
	}
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// decodeBody enforces the JSON content type and decodes the body into v.
// It writes the rejection and returns false on failure.
func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	ctx := r.Context()
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, h.maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		}
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return false
	}
	return true
}

// authenticate returns the caller's context, or false after writing a
// challenge. Without an authenticator every request is allowed.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (context.Context, string, bool) {
	ctx := r.Context()
	if h.auth == nil {
		return ctx, "", true
	}
	ui := h.checkAuthentication(ctx, r, w)
	if ui == nil {
		return ctx, "", false
	}
	return ctx, ui.UserID(), true
}

func (h *Handler) reply(ctx context.Context, w http.ResponseWriter, reply *smc.Reply, start time.Time) {
	if err := writeJSON(w, reply); err != nil {
		h.log.ErrorContext(ctx, "http.reply.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.reply.ok", slog.String("status", string(reply.Status)), slog.Duration("took", time.Since(start)))
}

func (h *Handler) sessionRequest(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req SessionRequest
	if !h.decodeBody(w, r, &req) {
		return "", false
	}
	if !validSessionID(req.SessionID) || req.SessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid sessionID")
		h.log.WarnContext(r.Context(), "session_id.invalid")
		return "", false
	}
	return req.SessionID, true
}

func (h *Handler) handleInit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := h.sessionRequest(w, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: user, Command: "init"})
	h.reply(ctx, w, h.node.Init(ctx, id), start)
}

func (h *Handler) handleNext(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, err := h.resolver.SessionID(r)
	if err != nil {
		status := http.StatusUnauthorized
		if errors.Is(err, ErrSessionHeaderInvalid) {
			status = http.StatusBadRequest
		}
		writeJSONError(w, status, err.Error())
		h.log.InfoContext(ctx, "session.resolve.fail", slog.String("err", err.Error()))
		return
	}
	var cmd smc.Command
	if !h.decodeBody(w, r, &cmd) {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: user, Command: string(cmd.Kind())})
	h.reply(ctx, w, h.node.NextCmd(ctx, id, &cmd), start)
}

func (h *Handler) handleTearDown(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, user, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := h.sessionRequest(w, r)
	if !ok {
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, UserID: user, Command: "teardown"})
	h.reply(ctx, w, h.node.TearDown(ctx, id), start)
}

func (h *Handler) handleReset(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	h.log.WarnContext(ctx, "http.reset.start")
	h.reply(ctx, w, h.node.ResetAll(ctx), start)
}

func (h *Handler) handleSessions(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	ids := h.node.Sessions()
	if ids == nil {
		ids = []string{}
	}
	if err := writeJSON(w, map[string]any{"sessions": ids}); err != nil {
		h.log.ErrorContext(ctx, "http.sessions.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctx, _, ok := h.authenticate(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if !validSessionID(id) {
		writeJSONError(w, http.StatusBadRequest, "invalid session id")
		return
	}
	events, err := h.node.Events(ctx, id)
	if err != nil {
		h.log.ErrorContext(ctx, "http.events.fail", slog.String("session", id), slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	if err := writeJSON(w, map[string]any{"events": events}); err != nil {
		h.log.ErrorContext(ctx, "http.events.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleSchema(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(h.schema)
}

// buildBearerChallenge builds a standardized Bearer challenge header value.
// Format:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description", "scope"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 §3.1: no error code when the request lacks credentials.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil
		}

		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	return userInfo
}
