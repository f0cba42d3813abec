package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/durablemcp/server-go/store"
)

// Run is the per-attempt execution context handed to a unit. It owns the
// alias registry for the attempt and the durable guard records shared by
// every attempt of the same workflow.
type Run struct {
	id      string
	attempt int
	store   store.Store

	mu      sync.Mutex
	aliases map[string]string
}

// NewRun is called by substrate implementations at the start of each
// attempt. The alias registry starts empty on every attempt; guard records
// live in the store under a collection derived from the workflow id and are
// shared across attempts.
func NewRun(id string, attempt int, s store.Store) *Run {
	return &Run{
		id:      id,
		attempt: attempt,
		store:   s,
		aliases: make(map[string]string),
	}
}

// ID is the workflow id assigned at spawn, stable across attempts.
func (r *Run) ID() string { return r.id }

// Attempt is the 1-based invocation count for this unit.
func (r *Run) Attempt() int { return r.attempt }

// Store returns the aliased view of the durable store for this attempt.
func (r *Run) Store() *GuardedStore {
	return &GuardedStore{run: r, s: r.store}
}

func (r *Run) guardCollection() string {
	return "wf/guards/" + r.id
}

// bindAlias registers an alias for this attempt. Any reuse within the
// attempt is a conflict, even for an identical operation: each logical
// operation needs its own alias so replays can tell them apart.
func (r *Run) bindAlias(alias, fingerprint string) error {
	if alias == "" {
		return fmt.Errorf("empty alias: %w", ErrAliasConflict)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prior, ok := r.aliases[alias]; ok {
		return fmt.Errorf("alias %q already bound to %s in this attempt: %w", alias, prior, ErrAliasConflict)
	}
	r.aliases[alias] = fingerprint
	return nil
}

type guardState string

const (
	guardStarted   guardState = "started"
	guardCompleted guardState = "completed"
	guardFailed    guardState = "failed"
)

// guardRecord is the durable trace of one guarded operation.
type guardRecord struct {
	State       guardState      `json:"state"`
	Fingerprint string          `json:"fingerprint"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

func (r *Run) loadGuard(ctx context.Context, alias, fingerprint string) (*guardRecord, error) {
	raw, err := r.store.Get(ctx, r.guardCollection(), alias)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load guard %q: %w", alias, err)
	}
	var rec guardRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode guard %q: %w", alias, err)
	}
	if rec.Fingerprint != fingerprint {
		return nil, fmt.Errorf("alias %q bound to %s by an earlier attempt, now %s: %w",
			alias, rec.Fingerprint, fingerprint, ErrAliasConflict)
	}
	return &rec, nil
}

func (r *Run) saveGuard(ctx context.Context, alias string, rec *guardRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode guard %q: %w", alias, err)
	}
	if err := r.store.Insert(ctx, r.guardCollection(), alias, raw); err != nil {
		return fmt.Errorf("save guard %q: %w", alias, err)
	}
	return nil
}

// GuardedStore applies the aliasing discipline to direct store access from
// unit bodies. Every operation names the collection it touches and carries
// its own alias; touching a collection twice with the same alias within one
// attempt fails eagerly with ErrAliasConflict.
type GuardedStore struct {
	run *Run
	s   store.Store
}

func (g *GuardedStore) Insert(ctx context.Context, alias, collection, key string, value []byte) error {
	if err := g.run.bindAlias(alias, "store:insert:"+collection); err != nil {
		return err
	}
	return g.s.Insert(ctx, collection, key, value)
}

func (g *GuardedStore) Get(ctx context.Context, alias, collection, key string) ([]byte, error) {
	if err := g.run.bindAlias(alias, "store:get:"+collection); err != nil {
		return nil, err
	}
	return g.s.Get(ctx, collection, key)
}

func (g *GuardedStore) Range(ctx context.Context, alias, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if err := g.run.bindAlias(alias, "store:range:"+collection); err != nil {
		return nil, err
	}
	return g.s.Range(ctx, collection, opts)
}

func (g *GuardedStore) ReverseRange(ctx context.Context, alias, collection string, opts store.RangeOptions) ([]store.Entry, error) {
	if err := g.run.bindAlias(alias, "store:reverse_range:"+collection); err != nil {
		return nil, err
	}
	return g.s.ReverseRange(ctx, collection, opts)
}

func (g *GuardedStore) Remove(ctx context.Context, alias, collection, key string) error {
	if err := g.run.bindAlias(alias, "store:remove:"+collection); err != nil {
		return err
	}
	return g.s.Remove(ctx, collection, key)
}
