// Package authctx carries per-request authorization context across the
// process boundary between the transport and durable execution units.
//
// The transport captures a serializable snapshot of the caller's identity
// and embeds it as an explicit field of the spawn payload. The execution
// unit restores the snapshot into its context.Context before running any
// application code. Nothing here is ambient: context never survives in
// process-global state, and the raw bearer credential never enters a
// durable record.
package authctx

import (
	"context"
	"time"
)

// Context is the in-memory authorization context observed by application
// code. Token holds the raw bearer credential when the observation point is
// in the same process that authenticated the request; it is excluded from
// serialization so it can never leak into a spawn payload or the store.
type Context struct {
	Subject   string    `json:"sub"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`

	Token string `json:"-"`
}

// Expired reports whether the context's credential lifetime has passed.
// A zero ExpiresAt means no expiry was communicated.
func (c *Context) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// Serialized is the wire form embedded in spawn payloads. It holds only the
// identity claims, never the credential itself.
type Serialized struct {
	Subject   string    `json:"sub"`
	Scopes    []string  `json:"scopes,omitempty"`
	ExpiresAt time.Time `json:"exp,omitempty"`
}

type requestKey struct{}
type workflowKey struct{}

// WithRequestContext binds an authenticated caller's context at the
// transport boundary.
func WithRequestContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, requestKey{}, ac)
}

// Capture snapshots the current authorization context for inclusion in a
// spawn payload. Returns nil when the chain is unauthenticated, which a
// payload encodes as an absent field.
func Capture(ctx context.Context) *Serialized {
	ac, ok := Current(ctx)
	if !ok {
		return nil
	}
	return &Serialized{
		Subject:   ac.Subject,
		Scopes:    append([]string(nil), ac.Scopes...),
		ExpiresAt: ac.ExpiresAt,
	}
}

// Restore establishes a workflow-scoped binding from a serialized snapshot.
// The claims restore as captured, ExpiresAt included: every observation
// point of one processing chain sees the value the transport boundary saw,
// even when the unit runs after the credential's lifetime. Callers that
// enforce lifetime check Expired themselves. A nil snapshot restores to an
// unauthenticated context.
func Restore(ctx context.Context, s *Serialized) context.Context {
	if s == nil {
		return ctx
	}
	return context.WithValue(ctx, workflowKey{}, &Context{
		Subject:   s.Subject,
		Scopes:    append([]string(nil), s.Scopes...),
		ExpiresAt: s.ExpiresAt,
	})
}

// Current resolves the authorization context visible at this observation
// point using the default resolution order: workflow-scoped binding first,
// request-scoped binding second. All observation points within one
// processing chain therefore see the same value.
func Current(ctx context.Context) (*Context, bool) {
	return defaultChain.Current(ctx)
}

// Resolver is the context-resolution strategy. Implementations look up the
// authorization context for a given observation point; the engine composes
// them explicitly rather than relying on a swappable global accessor.
type Resolver interface {
	Current(ctx context.Context) (*Context, bool)
}

type workflowScoped struct{}

func (workflowScoped) Current(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(workflowKey{}).(*Context)
	return ac, ok && ac != nil
}

type requestScoped struct{}

func (requestScoped) Current(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(requestKey{}).(*Context)
	return ac, ok && ac != nil
}

// WorkflowScoped resolves the binding established by Restore inside a
// durable execution unit.
func WorkflowScoped() Resolver { return workflowScoped{} }

// RequestScoped resolves the binding established by WithRequestContext at
// the transport boundary.
func RequestScoped() Resolver { return requestScoped{} }

// Chain tries each resolver in order and returns the first hit.
type Chain []Resolver

func NewChain(resolvers ...Resolver) Chain { return Chain(resolvers) }

func (c Chain) Current(ctx context.Context) (*Context, bool) {
	for _, r := range c {
		if ac, ok := r.Current(ctx); ok {
			return ac, true
		}
	}
	return nil, false
}

var defaultChain = NewChain(WorkflowScoped(), RequestScoped())
