// Package memflow provides an in-process workflow.Substrate. Spawned units
// are journaled to the durable store before execution, executed on a bounded
// pool, and re-invoked with backoff until they succeed or the attempt budget
// runs out. A new substrate instance over the same store can recover and
// re-run tasks that were in flight when a previous process died; unit bodies
// rely on the guard records, not the substrate, for exactly-once effects.
package memflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/durablemcp/server-go/store"
	"github.com/durablemcp/server-go/workflow"
)

const taskCollection = "wf/tasks"

type taskState string

const (
	taskPending   taskState = "pending"
	taskCompleted taskState = "completed"
	taskFailed    taskState = "failed"
)

type taskRecord struct {
	Unit      string    `json:"unit"`
	Payload   []byte    `json:"payload,omitempty"`
	State     taskState `json:"state"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type config struct {
	logger         *slog.Logger
	maxConcurrency int
	maxAttempts    int
	baseBackoff    time.Duration
	maxBackoff     time.Duration
}

// Option configures a Substrate.
type Option func(*config)

func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMaxConcurrency bounds how many units run at once.
func WithMaxConcurrency(n int) Option {
	return func(c *config) { c.maxConcurrency = n }
}

// WithRetryPolicy sets the per-unit attempt budget and backoff bounds.
func WithRetryPolicy(maxAttempts int, base, max time.Duration) Option {
	return func(c *config) {
		c.maxAttempts = maxAttempts
		c.baseBackoff = base
		c.maxBackoff = max
	}
}

// Substrate implements workflow.Substrate over a durable store.
type Substrate struct {
	store store.Store
	log   *slog.Logger

	maxAttempts int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	runCtx context.Context
	cancel context.CancelFunc
	g      *errgroup.Group

	mu      sync.Mutex
	units   map[string]workflow.UnitFunc
	handles map[string]*handle
}

func New(st store.Store, opts ...Option) *Substrate {
	cfg := config{
		logger:         slog.Default(),
		maxConcurrency: 16,
		maxAttempts:    5,
		baseBackoff:    25 * time.Millisecond,
		maxBackoff:     2 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := new(errgroup.Group)
	g.SetLimit(cfg.maxConcurrency)

	return &Substrate{
		store:       st,
		log:         cfg.logger,
		maxAttempts: cfg.maxAttempts,
		baseBackoff: cfg.baseBackoff,
		maxBackoff:  cfg.maxBackoff,
		runCtx:      ctx,
		cancel:      cancel,
		g:           g,
		units:       make(map[string]workflow.UnitFunc),
		handles:     make(map[string]*handle),
	}
}

// Register binds a unit name to its body. Registration must happen before
// Spawn or Recover references the name.
func (s *Substrate) Register(name string, fn workflow.UnitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[name] = fn
}

func (s *Substrate) Spawn(ctx context.Context, unit string, payload []byte) (workflow.Handle, error) {
	s.mu.Lock()
	fn, ok := s.units[unit]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", unit, workflow.ErrUnknownUnit)
	}

	id := ulid.Make().String()
	rec := taskRecord{
		Unit:      unit,
		Payload:   payload,
		State:     taskPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.saveTask(ctx, id, &rec); err != nil {
		return nil, err
	}

	return s.schedule(id, fn, &rec), nil
}

// Recover scans the journal for tasks that never reached a terminal state
// and schedules them again. Call after registering every unit, typically
// once at process start.
func (s *Substrate) Recover(ctx context.Context) (int, error) {
	recovered := 0
	cursor := ""
	for {
		page, err := s.store.Range(ctx, taskCollection, store.RangeOptions{Start: cursor, Limit: 100})
		if err != nil {
			return recovered, fmt.Errorf("scan task journal: %w", err)
		}
		if len(page) == 0 {
			return recovered, nil
		}
		for _, e := range page {
			var rec taskRecord
			if err := json.Unmarshal(e.Value, &rec); err != nil {
				return recovered, fmt.Errorf("decode task %s: %w", e.Key, err)
			}
			if rec.State != taskPending {
				continue
			}
			s.mu.Lock()
			fn, ok := s.units[rec.Unit]
			_, inFlight := s.handles[e.Key]
			s.mu.Unlock()
			if inFlight {
				continue
			}
			if !ok {
				return recovered, fmt.Errorf("task %s references unit %q: %w", e.Key, rec.Unit, workflow.ErrUnknownUnit)
			}
			s.schedule(e.Key, fn, &rec)
			recovered++
		}
		cursor = page[len(page)-1].Key + "\x00"
	}
}

// Close stops accepting work and waits for in-flight units to settle.
func (s *Substrate) Close() error {
	s.cancel()
	return s.g.Wait()
}

func (s *Substrate) schedule(id string, fn workflow.UnitFunc, rec *taskRecord) *handle {
	h := &handle{id: id, done: make(chan struct{})}
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	// Copy what the goroutine needs; rec is the caller's.
	unit := rec.Unit
	payload := rec.Payload
	startAttempt := rec.Attempts

	s.g.Go(func() error {
		err := s.execute(id, unit, fn, payload, startAttempt)
		h.err = err
		close(h.done)
		s.mu.Lock()
		delete(s.handles, id)
		s.mu.Unlock()
		return nil
	})
	return h
}

func (s *Substrate) execute(id, unit string, fn workflow.UnitFunc, payload []byte, startAttempt int) error {
	log := s.log.With(slog.String("wf_id", id), slog.String("unit", unit))

	for attempt := startAttempt + 1; ; attempt++ {
		run := workflow.NewRun(id, attempt, s.store)
		err := fn(s.runCtx, run, payload)
		if err == nil {
			if err := s.finishTask(id, taskCompleted, attempt, nil); err != nil {
				log.Error("task.finish.fail", slog.String("err", err.Error()))
				return err
			}
			log.Debug("task.ok", slog.Int("attempt", attempt))
			return nil
		}

		terminal := errors.Is(err, workflow.ErrAliasConflict) ||
			errors.Is(err, workflow.ErrFailedBeforeCompleting) ||
			attempt >= s.maxAttempts ||
			s.runCtx.Err() != nil

		if terminal {
			log.Warn("task.fail", slog.Int("attempt", attempt), slog.String("err", err.Error()))
			if ferr := s.finishTask(id, taskFailed, attempt, err); ferr != nil {
				log.Error("task.finish.fail", slog.String("err", ferr.Error()))
			}
			return err
		}

		log.Debug("task.retry", slog.Int("attempt", attempt), slog.String("err", err.Error()))
		select {
		case <-s.runCtx.Done():
			return s.runCtx.Err()
		case <-time.After(s.backoffFor(attempt)):
		}
	}
}

func (s *Substrate) backoffFor(attempt int) time.Duration {
	d := s.baseBackoff << (attempt - 1)
	if d > s.maxBackoff || d <= 0 {
		d = s.maxBackoff
	}
	return d
}

func (s *Substrate) saveTask(ctx context.Context, id string, rec *taskRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode task %s: %w", id, err)
	}
	if err := s.store.Insert(ctx, taskCollection, id, raw); err != nil {
		return fmt.Errorf("journal task %s: %w", id, err)
	}
	return nil
}

func (s *Substrate) finishTask(id string, state taskState, attempts int, cause error) error {
	raw, err := s.store.Get(context.Background(), taskCollection, id)
	if err != nil {
		return fmt.Errorf("load task %s: %w", id, err)
	}
	var rec taskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode task %s: %w", id, err)
	}
	rec.State = state
	rec.Attempts = attempts
	if cause != nil {
		rec.Error = cause.Error()
	}
	return s.saveTask(context.Background(), id, &rec)
}

type handle struct {
	id   string
	done chan struct{}
	err  error
}

func (h *handle) ID() string { return h.id }

func (h *handle) Await(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return h.err
	}
}

var _ workflow.Substrate = (*Substrate)(nil)
