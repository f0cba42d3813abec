// Package logctx enriches slog records with request, session, stream, and
// workflow identity pulled from the context, so call sites log plain events
// and the handler attaches where they happened.
package logctx

import (
	"context"
	"log/slog"
)

type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if sd, ok := ctx.Value(sessionDataKey{}).(*SessionData); ok {
		r.AddAttrs(slog.Group("sess",
			slog.String("id", sd.SessionID),
			slog.String("user_id", sd.UserID),
			slog.String("protocol_version", sd.ProtocolVersion),
		))
	}

	if sd, ok := ctx.Value(streamDataKey{}).(*StreamData); ok {
		r.AddAttrs(slog.Group("stream",
			slog.String("id", sd.StreamID),
			slog.String("last_event_id", sd.LastEventID),
		))
	}

	if wd, ok := ctx.Value(workflowDataKey{}).(*WorkflowData); ok {
		r.AddAttrs(slog.Group("wf",
			slog.String("id", wd.WorkflowID),
			slog.String("unit", wd.Unit),
			slog.Int("attempt", wd.Attempt),
		))
	}

	return h.Handler.Handle(ctx, r)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type sessionDataKey struct{}

type SessionData struct {
	SessionID       string
	UserID          string
	ProtocolVersion string
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionDataKey{}, data)
}

type streamDataKey struct{}

type StreamData struct {
	StreamID    string
	LastEventID string
}

func WithStreamData(ctx context.Context, data *StreamData) context.Context {
	return context.WithValue(ctx, streamDataKey{}, data)
}

type workflowDataKey struct{}

type WorkflowData struct {
	WorkflowID string
	Unit       string
	Attempt    int
}

func WithWorkflowData(ctx context.Context, data *WorkflowData) context.Context {
	return context.WithValue(ctx, workflowDataKey{}, data)
}
