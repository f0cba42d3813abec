package streaminghttp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/durablemcp/server-go/auth"
	"github.com/durablemcp/server-go/authctx"
	"github.com/durablemcp/server-go/engine"
	"github.com/durablemcp/server-go/internal/jsonrpc"
	"github.com/durablemcp/server-go/internal/logctx"
	"github.com/durablemcp/server-go/sessions"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Canonical header names; Go matches headers case-insensitively.
	lastEventIDHeader     = "Last-Event-ID"
	sessionIDHeader       = "Mcp-Session-Id"
	protocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections before a
// JSON-RPC exchange is possible. This is transport-level, not JSON-RPC
// framing. Shape: {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName    string
	serverVersion string
	logger        *slog.Logger
	realm         string
}

// WithServerName sets the server name reported in initialize results.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithServerVersion sets the server version reported in initialize results.
func WithServerVersion(version string) Option {
	return func(c *newConfig) { c.serverVersion = version }
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted per RFC 6750
// (it is optional), keeping challenges concise.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// buildBearerChallenge builds a Bearer challenge header value:
//
//	Bearer realm="<realm>", error="...", error_description="..."
//
// Realm is omitted if empty. Since Go map iteration is randomized, keys we
// care about are emitted in a fixed order.
func buildBearerChallenge(realm string, params map[string]string) string {
	pieces := make([]string, 0, 1+len(params))
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	if params != nil {
		if v, ok := params["error"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
		}
		if v, ok := params["error_description"]; ok {
			pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
		}
		for k, v := range params {
			if k == "error" || k == "error_description" {
				continue
			}
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// Handler is the streaming HTTP transport over the message router. Requests
// arrive as POSTed JSON-RPC messages; responses and notifications flow back
// as SSE events whose ids double as durable resume tokens, so a client
// reconnecting after a server restart picks up exactly where it stopped.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	auth  auth.Authenticator
	eng   *engine.Engine
	realm string

	serverName    string
	serverVersion string
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a Handler.
//
// Required:
//   - publicEndpoint: externally visible URL of the endpoint (scheme, host, path)
//   - eng: the message router handling decoded messages
//   - authenticator: bearer token validator
func New(publicEndpoint string, eng *engine.Engine, authenticator auth.Authenticator, opts ...Option) (*Handler, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}

	endpointURL, err := url.Parse(publicEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL %q: %w", publicEndpoint, err)
	}
	if endpointURL.Scheme != "https" && endpointURL.Scheme != "http" {
		return nil, fmt.Errorf("server URL must use HTTP or HTTPS scheme, got %q", endpointURL.Scheme)
	}

	cfg := &newConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:           slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		auth:          authenticator,
		eng:           eng,
		realm:         cfg.realm,
		serverName:    cfg.serverName,
		serverVersion: cfg.serverVersion,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", pathOnly(endpointURL)), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", pathOnly(endpointURL)), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", pathOnly(endpointURL)), h.handleDelete)
	h.mux = mux
	return h, nil
}

// pathOnly returns just the URL path or "/" if empty.
func pathOnly(u *url.URL) string {
	if u == nil || u.Path == "" {
		return "/"
	}
	return u.Path
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

// initializeParams is what a client declares when opening a session.
type initializeParams struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ClientInfo      sessions.ClientInfo `json:"clientInfo,omitzero"`
}

// initializeResult is the server's half of the session handshake.
type initializeResult struct {
	ProtocolVersion string              `json:"protocolVersion"`
	ServerInfo      sessions.ClientInfo `json:"serverInfo,omitzero"`
}

// handlePost accepts JSON-RPC messages. Without a session header the message
// must be an initialize request, which creates a session. With one, requests
// stream their events back as SSE while notifications and responses are
// acknowledged with 202.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo, tok := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	ctx = authctx.WithRequestContext(ctx, auth.ContextFor(userInfo, tok))

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streaming HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.handleInitialize(ctx, w, userInfo, &msg, start)
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.SessionID(),
		UserID:    sess.UserID(),
	})
	h.log.InfoContext(ctx, "session.load.ok")

	if req := msg.AsRequest(); req != nil && req.Method == "initialize" {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}
	clientPV := r.Header.Get(protocolVersionHeader)
	if clientPV != "" && sess.ProtocolVersion() != "" && clientPV != sess.ProtocolVersion() {
		writeJSONError(w, http.StatusBadRequest, "protocol version mismatch")
		h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", clientPV))
		return
	}

	switch msg.Type() {
	case jsonrpc.TypeNotification:
		if err := h.eng.HandleNotification(ctx, sess, raw); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		h.setProtocolVersion(w, sess)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.TypeRequest:
		if acc := r.Header.Get("Accept"); acc != "" {
			if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
				w.WriteHeader(http.StatusUnsupportedMediaType)
				h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
				return
			}
		}
		h.setProtocolVersion(w, sess)
		writeSSEHeaders(w)
		wf.Flush()

		if err := h.eng.HandleRequest(ctx, sess, raw, func(cursor string, message []byte) error {
			return writeSSEEvent(wf, cursor, message)
		}); err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			return
		}
		h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))

	case jsonrpc.TypeResponse:
		if err := h.eng.HandleClientResponse(ctx, sess, raw); err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "response.inbound.fail", slog.String("err", err.Error()))
			return
		}
		h.setProtocolVersion(w, sess)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "response.inbound.ok", slog.Duration("dur", time.Since(start)))
	}
}

func (h *Handler) handleInitialize(ctx context.Context, w http.ResponseWriter, userInfo auth.UserInfo, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != "initialize" || req.ID == nil {
		writeJSONError(w, http.StatusNotFound, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}
	var params initializeParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
			h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
			return
		}
	}

	sess, err := h.eng.InitializeSession(ctx, userInfo.UserID(), params.ProtocolVersion, params.ClientInfo)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: userInfo.UserID()})

	resp, err := jsonrpc.NewResultResponse(req.ID, initializeResult{
		ProtocolVersion: params.ProtocolVersion,
		ServerInfo:      sessions.ClientInfo{Name: h.serverName, Version: h.serverVersion},
	})
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}
	w.Header().Set(sessionIDHeader, sess.PublicID())
	if params.ProtocolVersion != "" {
		w.Header().Set(protocolVersionHeader, params.ProtocolVersion)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet resumes an interrupted stream. The Last-Event-ID header carries
// the durable resume token of the last event the client processed; events
// after it replay in order and the stream keeps flowing until its terminal
// event. A token the server has never issued is rejected, never reinterpreted.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	userInfo, tok := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}
	ctx = authctx.WithRequestContext(ctx, auth.ContextFor(userInfo, tok))

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id header")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	lastEventID := r.Header.Get(lastEventIDHeader)
	if lastEventID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing Last-Event-ID header")
		h.log.WarnContext(ctx, "resume.cursor.missing")
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			writeJSONError(w, http.StatusNotFound, "session not found")
			h.log.InfoContext(ctx, "session.load.miss")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to load session")
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: sess.UserID()})

	if pv := r.Header.Get(protocolVersionHeader); pv != "" {
		if spv := sess.ProtocolVersion(); spv != "" && pv != spv {
			w.WriteHeader(http.StatusPreconditionFailed)
			h.log.WarnContext(ctx, "protocol.version.mismatch", slog.String("client_version", pv))
			return
		}
	}

	// The SSE headers are deferred until the cursor validates, so a stale or
	// forged token gets a proper HTTP rejection instead of an empty stream.
	streaming := false
	err = h.eng.Resume(ctx, sess, lastEventID, func(cursor string, message []byte) error {
		if !streaming {
			streaming = true
			h.setProtocolVersion(w, sess)
			writeSSEHeaders(w)
		}
		return writeSSEEvent(wf, cursor, message)
	})
	if err != nil {
		if streaming {
			h.log.ErrorContext(ctx, "sse.resume.fail", slog.String("err", err.Error()))
			return
		}
		if errors.Is(err, sessions.ErrInvalidResumeToken) {
			writeJSONError(w, http.StatusBadRequest, "invalid resume token")
			h.log.InfoContext(ctx, "resume.cursor.invalid")
			return
		}
		writeJSONError(w, http.StatusInternalServerError, "failed to resume stream")
		h.log.ErrorContext(ctx, "resume.fail", slog.String("err", err.Error()))
		return
	}
	if !streaming {
		// Valid cursor with nothing after it: the client already holds the
		// whole stream.
		h.setProtocolVersion(w, sess)
		writeSSEHeaders(w)
		wf.Flush()
	}
	h.log.InfoContext(ctx, "sse.resume.end", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates an existing session, removing its durable state.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	userInfo, _ := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		h.log.WarnContext(ctx, "delete.missing_session_id")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sess, err := h.eng.LoadSession(ctx, sessID, userInfo.UserID())
	if err != nil {
		if errors.Is(err, sessions.ErrSessionNotFound) {
			h.log.InfoContext(ctx, "session.delete.miss")
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.ErrorContext(ctx, "session.load.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sess.SessionID(), UserID: userInfo.UserID()})

	if err := h.eng.DeleteSession(ctx, sess); err != nil {
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) setProtocolVersion(w http.ResponseWriter, sess *sessions.Session) {
	if spv := sess.ProtocolVersion(); spv != "" {
		w.Header().Set(protocolVersionHeader, spv)
	}
}

func writeSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) (auth.UserInfo, string) {
	authHeader := r.Header.Get(authorizationHeader)

	if authHeader == "" {
		// RFC 6750 s3.1: if the request lacks any authentication information
		// the resource server SHOULD NOT include an error code. Provide only
		// a bare Bearer challenge with realm.
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return nil, ""
	}

	// Malformed header or wrong scheme -> invalid_request 400 per RFC 6750 s3.1.
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, ""
	}
	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "empty bearer token"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "empty bearer token"}))
		w.WriteHeader(http.StatusBadRequest)
		return nil, ""
	}

	userInfo, err := h.auth.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			// Authentication attempted but token invalid -> 401 invalid_token
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
			w.WriteHeader(http.StatusUnauthorized)
			return nil, ""
		}

		if errors.Is(err, auth.ErrInsufficientScope) {
			// Auth succeeded but insufficient privileges -> 403 insufficient_scope
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "insufficient_scope", "error_description": err.Error()}))
			w.WriteHeader(http.StatusForbidden)
			return nil, ""
		}

		h.log.InfoContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil, ""
	}

	return userInfo, tok
}

// writeSSEEvent writes one Server-Sent Event. The id field carries the
// durable resume token so the browser's EventSource machinery replays it as
// Last-Event-ID on reconnect.
func writeSSEEvent(wf *lockedWriteFlusher, eventID string, payload []byte) error {
	if eventID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", eventID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
