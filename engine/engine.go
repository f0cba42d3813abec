// Package engine is the message router. It sits between the transport and
// the application handler: the transport hands it decoded JSON-RPC
// envelopes plus an authenticated caller, and the engine turns each request
// into a stream-backed durable execution whose events the transport relays.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/durablemcp/server-go/authctx"
	"github.com/durablemcp/server-go/internal/jsonrpc"
	"github.com/durablemcp/server-go/internal/logctx"
	"github.com/durablemcp/server-go/sessions"
	"github.com/durablemcp/server-go/store"
	"github.com/durablemcp/server-go/workflow"
)

// unitHandleRequest is the execution unit every inbound request spawns.
const unitHandleRequest = "handle_request"

const (
	colNotifications = "inbox/notifications/"
	colResponses     = "inbox/responses/"
)

// Handler is the application surface the engine dispatches requests to.
// Implementations run inside a durable execution unit: they may be invoked
// multiple times for the same request and must route side effects through
// the RequestContext's guards.
type Handler interface {
	HandleRequest(ctx context.Context, rc *RequestContext) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, rc *RequestContext) (any, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, rc *RequestContext) (any, error) {
	return f(ctx, rc)
}

// Runtime is the substrate surface the engine needs: spawning plus unit
// registration at construction time.
type Runtime interface {
	workflow.Substrate
	Register(name string, fn workflow.UnitFunc)
}

// Option configures an Engine.
type Option func(*config)

type config struct {
	logger   *slog.Logger
	metrics  sessions.MetricsSink
	resolver authctx.Resolver
}

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

func WithMetrics(m sessions.MetricsSink) Option {
	return func(c *config) { c.metrics = m }
}

// WithResolver overrides the context-resolution strategy used to answer
// RequestContext.Caller. The default consults the workflow-scoped binding
// first and the request-scoped binding second.
func WithResolver(r authctx.Resolver) Option {
	return func(c *config) { c.resolver = r }
}

// Engine routes transport messages onto sessions, streams, and durable
// execution units.
type Engine struct {
	sessions  *sessions.Manager
	substrate workflow.Substrate
	store     store.Store
	handler   Handler

	log      *slog.Logger
	metrics  sessions.MetricsSink
	resolver authctx.Resolver
}

// New wires an Engine and registers its execution unit on the runtime.
func New(mgr *sessions.Manager, rt Runtime, st store.Store, handler Handler, opts ...Option) *Engine {
	cfg := config{
		logger:   slog.Default(),
		resolver: authctx.NewChain(authctx.WorkflowScoped(), authctx.RequestScoped()),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	e := &Engine{
		sessions:  mgr,
		substrate: rt,
		store:     st,
		handler:   handler,
		log:       cfg.logger,
		metrics:   cfg.metrics,
		resolver:  cfg.resolver,
	}
	rt.Register(unitHandleRequest, e.handleRequestUnit)
	return e
}

// InitializeSession creates a durable session for the authenticated user.
func (e *Engine) InitializeSession(ctx context.Context, userID, protocolVersion string, client sessions.ClientInfo) (*sessions.Session, error) {
	return e.sessions.CreateSession(ctx, userID, protocolVersion, client)
}

// LoadSession resolves a client-presented session id for the user.
func (e *Engine) LoadSession(ctx context.Context, publicID, userID string) (*sessions.Session, error) {
	return e.sessions.LoadSession(ctx, publicID, userID)
}

// DeleteSession tears down a session and all of its streams.
func (e *Engine) DeleteSession(ctx context.Context, sess *sessions.Session) error {
	return sess.Delete(ctx)
}

// EventWriter receives stream events as they become available. The cursor is
// the transport-level resume token identifying the event.
type EventWriter func(cursor string, message []byte) error

// spawnPayload is everything that crosses the spawn boundary. The caller's
// authorization context travels as an explicit field; there is no ambient
// channel between the transport process and the execution unit.
type spawnPayload struct {
	SessionID string              `json:"session_id"`
	StreamID  string              `json:"stream_id"`
	Request   json.RawMessage     `json:"request"`
	Auth      *authctx.Serialized `json:"auth,omitempty"`
}

// HandleRequest opens a stream for the request, spawns the durable
// execution unit, and relays stream events to the writer until the terminal
// response has been delivered.
func (e *Engine) HandleRequest(ctx context.Context, sess *sessions.Session, raw json.RawMessage, write EventWriter) error {
	started := time.Now()

	stream, err := sess.OpenStream(ctx, raw)
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: stream.ID()})

	payload, err := json.Marshal(spawnPayload{
		SessionID: sess.SessionID(),
		StreamID:  stream.ID(),
		Request:   raw,
		Auth:      authctx.Capture(ctx),
	})
	if err != nil {
		return fmt.Errorf("encode spawn payload: %w", err)
	}
	handle, err := e.substrate.Spawn(ctx, unitHandleRequest, payload)
	if err != nil {
		return fmt.Errorf("spawn %s: %w", unitHandleRequest, err)
	}
	e.recordMetric("request_spawn", nil)

	unitDone := make(chan error, 1)
	go func() { unitDone <- handle.Await(ctx) }()

	tailDone := make(chan error, 1)
	go func() {
		tailDone <- stream.Tail(ctx, "", func(ev sessions.Event) error {
			return write(sessions.Cursor(stream.ID(), ev.EventID), ev.Message)
		})
	}()

	for {
		select {
		case err := <-tailDone:
			if err != nil {
				return err
			}
			e.observe("request_handle_seconds", time.Since(started).Seconds())
			return nil
		case unitErr := <-unitDone:
			unitDone = nil
			if unitErr == nil {
				continue
			}
			// The unit went terminal without producing a response. Close the
			// stream with an error response so this tail, and any later
			// resume, sees a terminal event instead of waiting forever.
			if ferr := e.failStream(ctx, stream, raw, unitErr); ferr != nil {
				return fmt.Errorf("unit %s failed terminally: %w", unitHandleRequest, unitErr)
			}
		}
	}
}

// failStream appends a terminal error response on behalf of a unit that will
// never produce one. Appending to a stream the unit managed to close is fine:
// the terminal event the tail needs already exists.
func (e *Engine) failStream(ctx context.Context, stream *sessions.Stream, raw json.RawMessage, cause error) error {
	e.log.WarnContext(ctx, "request.unit.fail", slog.String("err", cause.Error()))
	e.recordMetric("request_fail_terminal", nil)

	var req jsonrpc.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	resp := jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "request processing failed", nil)
	rawResp, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if _, err := stream.AppendTerminal(ctx, rawResp); err != nil {
		if errors.Is(err, sessions.ErrStreamClosed) {
			return nil
		}
		return err
	}
	return nil
}

// Resume replays a stream from a client-presented cursor and keeps
// following it until its terminal event. It never spawns: handing the same
// cursor to Resume twice yields byte-identical replays.
func (e *Engine) Resume(ctx context.Context, sess *sessions.Session, cursor string, write EventWriter) error {
	streamID, eventID, err := sessions.ParseCursor(cursor)
	if err != nil {
		return err
	}
	stream, err := sess.Stream(ctx, streamID)
	if err != nil {
		if errors.Is(err, sessions.ErrStreamNotFound) {
			return fmt.Errorf("stream %s: %w", streamID, sessions.ErrInvalidResumeToken)
		}
		return err
	}
	ctx = logctx.WithStreamData(ctx, &logctx.StreamData{StreamID: streamID, LastEventID: eventID})

	e.recordMetric("request_resume", nil)
	return stream.Tail(ctx, eventID, func(ev sessions.Event) error {
		return write(sessions.Cursor(streamID, ev.EventID), ev.Message)
	})
}

// HandleNotification journals a client notification. Notifications have no
// response and no stream; the journal gives application code a durable,
// ordered view of what arrived.
func (e *Engine) HandleNotification(ctx context.Context, sess *sessions.Session, raw json.RawMessage) error {
	key := ulid.Make().String()
	if err := e.store.Insert(ctx, colNotifications+sess.SessionID(), key, raw); err != nil {
		return fmt.Errorf("journal notification: %w", err)
	}
	e.recordMetric("notification_journal", nil)
	return nil
}

// HandleClientResponse journals a client-produced response. After a restart
// the process that asked the question is gone; the response is preserved
// for audit and dropped from the hot path.
func (e *Engine) HandleClientResponse(ctx context.Context, sess *sessions.Session, raw json.RawMessage) error {
	key := ulid.Make().String()
	if err := e.store.Insert(ctx, colResponses+sess.SessionID(), key, raw); err != nil {
		return fmt.Errorf("journal response: %w", err)
	}
	e.log.DebugContext(ctx, "response.journal", slog.String("sid", sess.SessionID()))
	e.recordMetric("response_journal", nil)
	return nil
}

// handleRequestUnit is the durable execution unit behind HandleRequest. It
// restores the serialized authorization context, invokes the application
// handler, and appends the terminal response. Substrate retries re-enter
// here from the top; the guards inside the handler and around the terminal
// append keep effects single-shot.
func (e *Engine) handleRequestUnit(ctx context.Context, run *workflow.Run, payload []byte) error {
	var p spawnPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("decode spawn payload: %w", err)
	}

	ctx = authctx.Restore(ctx, p.Auth)
	ctx = logctx.WithWorkflowData(ctx, &logctx.WorkflowData{
		WorkflowID: run.ID(),
		Unit:       unitHandleRequest,
		Attempt:    run.Attempt(),
	})

	sess, err := e.sessions.GetSession(ctx, p.SessionID)
	if err != nil {
		return err
	}
	stream, err := sess.Stream(ctx, p.StreamID)
	if err != nil {
		return err
	}

	var req jsonrpc.Request
	if err := json.Unmarshal(p.Request, &req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	rc := &RequestContext{
		engine:  e,
		run:     run,
		session: sess,
		stream:  stream,
		request: &req,
	}

	result, handleErr := e.handler.HandleRequest(ctx, rc)

	var resp *jsonrpc.Response
	if handleErr != nil {
		// Application failures become protocol error responses; only
		// infrastructure failures propagate for a retry.
		e.log.WarnContext(ctx, "request.handler.fail", slog.String("err", handleErr.Error()))
		resp = jsonrpc.NewErrorResponse(req.ID, errorCodeFor(handleErr), handleErr.Error(), nil)
	} else {
		resp, err = jsonrpc.NewResultResponse(req.ID, result)
		if err != nil {
			return err
		}
	}
	rawResp, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}

	// The terminal append is itself guarded so a retried unit replays the
	// recorded event id instead of appending to a closed stream. A crash
	// between the append and the guard save leaves the stream closed with
	// no record; the existing terminal event counts as the replay then.
	_, err = workflow.AtLeastOnce(ctx, run, "respond", func(ctx context.Context) (string, error) {
		id, err := stream.AppendTerminal(ctx, rawResp)
		if errors.Is(err, sessions.ErrStreamClosed) {
			if ev, ok, terr := stream.TerminalEvent(ctx); terr == nil && ok {
				return ev.EventID, nil
			}
		}
		return id, err
	})
	if err != nil {
		return err
	}
	e.recordMetric("request_complete", map[string]string{"outcome": outcomeFor(handleErr)})
	return nil
}

func errorCodeFor(err error) jsonrpc.ErrorCode {
	switch {
	case errors.Is(err, ErrMethodNotFound):
		return jsonrpc.ErrorCodeMethodNotFound
	case errors.Is(err, ErrInvalidParams):
		return jsonrpc.ErrorCodeInvalidParams
	default:
		return jsonrpc.ErrorCodeInternalError
	}
}

func outcomeFor(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// ErrMethodNotFound may be returned (or wrapped) by handlers to produce a
// JSON-RPC method-not-found error response.
var ErrMethodNotFound = errors.New("method not found")

// ErrInvalidParams may be returned (or wrapped) by handlers to produce a
// JSON-RPC invalid-params error response.
var ErrInvalidParams = errors.New("invalid params")

func (e *Engine) recordMetric(name string, tags map[string]string) {
	if e.metrics != nil {
		e.metrics.IncCounter(name, tags)
	}
}

func (e *Engine) observe(name string, v float64) {
	if e.metrics != nil {
		e.metrics.ObserveHistogram(name, v, nil)
	}
}
