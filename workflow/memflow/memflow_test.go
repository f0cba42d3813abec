package memflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/durablemcp/server-go/store/memstore"
	"github.com/durablemcp/server-go/workflow"
)

func TestSpawnRunsUnit(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	s := New(st)
	defer s.Close()

	var got atomic.Value
	s.Register("echo", func(ctx context.Context, run *workflow.Run, payload []byte) error {
		got.Store(string(payload))
		return nil
	})

	h, err := s.Spawn(context.Background(), "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Await(context.Background()); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got.Load() != "hello" {
		t.Fatalf("unit saw %v", got.Load())
	}

	raw, err := st.Get(context.Background(), taskCollection, h.ID())
	if err != nil {
		t.Fatalf("journal read: %v", err)
	}
	var rec taskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("journal decode: %v", err)
	}
	if rec.State != taskCompleted || rec.Attempts != 1 {
		t.Fatalf("journal = %+v", rec)
	}
}

func TestSpawnUnknownUnit(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	s := New(st)
	defer s.Close()

	if _, err := s.Spawn(context.Background(), "nope", nil); !errors.Is(err, workflow.ErrUnknownUnit) {
		t.Fatalf("Spawn = %v, want ErrUnknownUnit", err)
	}
}

func TestRetryDriverReinvokesFailedUnit(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	s := New(st, WithRetryPolicy(5, time.Millisecond, 10*time.Millisecond))
	defer s.Close()

	var attempts []int
	s.Register("flaky", func(ctx context.Context, run *workflow.Run, payload []byte) error {
		attempts = append(attempts, run.Attempt())
		if run.Attempt() < 3 {
			return errors.New("transient")
		}
		return nil
	})

	h, err := s.Spawn(context.Background(), "flaky", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Await(context.Background()); err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
		t.Fatalf("attempts = %v", attempts)
	}
}

func TestAttemptBudgetExhaustion(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	s := New(st, WithRetryPolicy(2, time.Millisecond, 10*time.Millisecond))
	defer s.Close()

	errAlways := errors.New("always")
	invocations := 0
	s.Register("doomed", func(ctx context.Context, run *workflow.Run, payload []byte) error {
		invocations++
		return errAlways
	})

	h, err := s.Spawn(context.Background(), "doomed", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Await(context.Background()); !errors.Is(err, errAlways) {
		t.Fatalf("Await = %v, want errAlways", err)
	}
	if invocations != 2 {
		t.Fatalf("invocations = %d, want 2", invocations)
	}

	raw, err := st.Get(context.Background(), taskCollection, h.ID())
	if err != nil {
		t.Fatalf("journal read: %v", err)
	}
	var rec taskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("journal decode: %v", err)
	}
	if rec.State != taskFailed {
		t.Fatalf("journal state = %s, want failed", rec.State)
	}
}

func TestUsageErrorsDoNotRetry(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	s := New(st, WithRetryPolicy(5, time.Millisecond, 10*time.Millisecond))
	defer s.Close()

	invocations := 0
	s.Register("misuse", func(ctx context.Context, run *workflow.Run, payload []byte) error {
		invocations++
		gs := run.Store()
		if err := gs.Insert(ctx, "write", "c", "k", nil); err != nil {
			return err
		}
		return gs.Insert(ctx, "write", "c", "k2", nil)
	})

	h, err := s.Spawn(context.Background(), "misuse", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Await(context.Background()); !errors.Is(err, workflow.ErrAliasConflict) {
		t.Fatalf("Await = %v, want ErrAliasConflict", err)
	}
	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1 (usage errors are not retried)", invocations)
	}
}

func TestRecoverRerunsPendingTasks(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	// A previous process journaled the task but died before running it.
	rec := taskRecord{
		Unit:      "resume",
		Payload:   []byte("p"),
		State:     taskPending,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	raw, _ := json.Marshal(rec)
	if err := st.Insert(context.Background(), taskCollection, "01TASKRECOVER000000000000A", raw); err != nil {
		t.Fatalf("seed journal: %v", err)
	}

	s := New(st)
	defer s.Close()

	ran := make(chan string, 1)
	s.Register("resume", func(ctx context.Context, run *workflow.Run, payload []byte) error {
		ran <- string(payload)
		return nil
	})

	n, err := s.Recover(context.Background())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if n != 1 {
		t.Fatalf("Recover = %d tasks, want 1", n)
	}

	select {
	case p := <-ran:
		if p != "p" {
			t.Fatalf("recovered payload = %q", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("recovered task never ran")
	}
}

func TestGuardStateSurvivesRestart(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	errCrash := errors.New("process died")
	invocations := 0
	unit := func(ctx context.Context, run *workflow.Run, payload []byte) error {
		_, err := workflow.AtLeastOnce(ctx, run, "record", func(ctx context.Context) (int, error) {
			invocations++
			return invocations, nil
		})
		if err != nil {
			return err
		}
		// Die after the guarded step on the first life of the process.
		if run.Attempt() == 1 {
			return errCrash
		}
		return nil
	}

	// First substrate gives up after one attempt, leaving the task pending
	// from the journal's perspective only if we seed it again; emulate the
	// restart by failing terminally and re-journaling under a new substrate.
	s1 := New(st, WithRetryPolicy(1, time.Millisecond, time.Millisecond))
	s1.Register("job", unit)
	h, err := s1.Spawn(context.Background(), "job", nil)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := h.Await(context.Background()); !errors.Is(err, errCrash) {
		t.Fatalf("Await = %v, want errCrash", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Second life of the process: same workflow id, fresh substrate over the
	// same store. Flip the journal back to pending as a crash would have
	// left it.
	raw, err := st.Get(context.Background(), taskCollection, h.ID())
	if err != nil {
		t.Fatalf("journal read: %v", err)
	}
	var rec taskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		t.Fatalf("journal decode: %v", err)
	}
	rec.State = taskPending
	raw, _ = json.Marshal(rec)
	if err := st.Insert(context.Background(), taskCollection, h.ID(), raw); err != nil {
		t.Fatalf("journal reset: %v", err)
	}

	s2 := New(st)
	defer s2.Close()
	s2.Register("job", unit)
	if _, err := s2.Recover(context.Background()); err != nil {
		t.Fatalf("Recover: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		raw, err := st.Get(context.Background(), taskCollection, h.ID())
		if err != nil {
			t.Fatalf("journal read: %v", err)
		}
		if err := json.Unmarshal(raw, &rec); err != nil {
			t.Fatalf("journal decode: %v", err)
		}
		if rec.State == taskCompleted {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never completed after recovery: %+v", rec)
		case <-time.After(10 * time.Millisecond):
		}
	}

	if invocations != 1 {
		t.Fatalf("guarded step ran %d times, want 1", invocations)
	}
}
