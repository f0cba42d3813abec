package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/durablemcp/server-go/authctx"
	"github.com/durablemcp/server-go/internal/jsonrpc"
	"github.com/durablemcp/server-go/sessions"
	"github.com/durablemcp/server-go/workflow"
)

// RequestContext is what a Handler gets to work with: the decoded request,
// the session it arrived on, the stream carrying its events, and the
// durable-execution guards for the current attempt.
type RequestContext struct {
	engine  *Engine
	run     *workflow.Run
	session *sessions.Session
	stream  *sessions.Stream
	request *jsonrpc.Request
}

// Run exposes the durable-execution handle so handlers can guard their own
// side effects with workflow.AtLeastOnce and workflow.AtMostOnce.
func (rc *RequestContext) Run() *workflow.Run { return rc.run }

// Session is the session the request belongs to.
func (rc *RequestContext) Session() *sessions.Session { return rc.session }

// Request is the decoded inbound request.
func (rc *RequestContext) Request() *jsonrpc.Request { return rc.request }

// Store returns a view of the durable store whose every operation is bound
// to an alias, so repeated attempts of the handler observe the discipline
// they declared.
func (rc *RequestContext) Store() *workflow.GuardedStore {
	return rc.run.Store()
}

// Caller resolves the authorization context of the request's originator via
// the engine's resolution strategy. Inside an execution unit that is the
// restored spawn-payload binding, never live transport state.
func (rc *RequestContext) Caller(ctx context.Context) (*authctx.Context, bool) {
	return rc.engine.resolver.Current(ctx)
}

// Notify appends a notification to the request's stream, guarded by why so
// a retried handler attempt delivers it at most once per cause. Callers
// choose why to name the reason for the notification, such as
// "progress:checkout" or "charge_declined".
func (rc *RequestContext) Notify(ctx context.Context, why, method string, params any) error {
	note, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return fmt.Errorf("build notification: %w", err)
	}
	raw, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	_, err = workflow.AtLeastOnce(ctx, rc.run, "notify:"+why, func(ctx context.Context) (string, error) {
		return rc.stream.Append(ctx, raw)
	})
	return err
}
