package workflow

import (
	"context"
	"errors"
	"testing"

	"github.com/durablemcp/server-go/store"
	"github.com/durablemcp/server-go/store/memstore"
)

var errBoom = errors.New("boom")

func TestAtLeastOnceCachesSuccess(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	invocations := 0
	charge := func(ctx context.Context) (string, error) {
		invocations++
		return "receipt-1", nil
	}

	run1 := NewRun("wf-1", 1, st)
	got, err := AtLeastOnce(ctx, run1, "charge", charge)
	if err != nil {
		t.Fatalf("first attempt: %v", err)
	}
	if got != "receipt-1" {
		t.Fatalf("first attempt = %q", got)
	}

	// A fresh attempt of the same workflow replays the cached result.
	run2 := NewRun("wf-1", 2, st)
	got, err = AtLeastOnce(ctx, run2, "charge", charge)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if got != "receipt-1" {
		t.Fatalf("replay = %q", got)
	}
	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1", invocations)
	}
}

func TestAtLeastOnceFailureIsNotCached(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	invocations := 0
	flaky := func(ctx context.Context) (int, error) {
		invocations++
		if invocations == 1 {
			return 0, errBoom
		}
		return 42, nil
	}

	run1 := NewRun("wf-1", 1, st)
	if _, err := AtLeastOnce(ctx, run1, "step", flaky); !errors.Is(err, errBoom) {
		t.Fatalf("first attempt = %v, want errBoom", err)
	}

	// The retry driver re-invokes the unit; the guard runs the body again.
	run2 := NewRun("wf-1", 2, st)
	got, err := AtLeastOnce(ctx, run2, "step", flaky)
	if err != nil {
		t.Fatalf("second attempt: %v", err)
	}
	if got != 42 || invocations != 2 {
		t.Fatalf("got %d after %d invocations", got, invocations)
	}
}

func TestAtMostOnceTerminalFailureLocks(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	invocations := 0
	failing := func(ctx context.Context) (string, error) {
		invocations++
		return "", errBoom
	}

	run1 := NewRun("wf-1", 1, st)
	if _, err := AtMostOnce(ctx, run1, "charge", failing); !errors.Is(err, errBoom) {
		t.Fatalf("first attempt = %v, want errBoom", err)
	}

	run2 := NewRun("wf-1", 2, st)
	_, err := AtMostOnce(ctx, run2, "charge", failing)
	if !errors.Is(err, ErrFailedBeforeCompleting) {
		t.Fatalf("replay = %v, want ErrFailedBeforeCompleting", err)
	}
	if invocations != 1 {
		t.Fatalf("invocations = %d, want 1", invocations)
	}
}

func TestAtMostOnceStartedMarkerLocks(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	// Simulate a process death between the started marker and the outcome.
	crashed := NewRun("wf-1", 1, st)
	if err := crashed.saveGuard(ctx, "charge", &guardRecord{
		State:       guardStarted,
		Fingerprint: "at_most_once",
	}); err != nil {
		t.Fatalf("saveGuard: %v", err)
	}

	run2 := NewRun("wf-1", 2, st)
	_, err := AtMostOnce(ctx, run2, "charge", func(ctx context.Context) (string, error) {
		t.Fatal("body ran despite started marker")
		return "", nil
	})
	if !errors.Is(err, ErrFailedBeforeCompleting) {
		t.Fatalf("replay = %v, want ErrFailedBeforeCompleting", err)
	}
}

func TestAtMostOnceRetriesRetryableErrors(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	errTransient := errors.New("transient")
	invocations := 0
	eventually := func(ctx context.Context) (string, error) {
		invocations++
		if invocations < 3 {
			return "", errTransient
		}
		return "ok", nil
	}

	run := NewRun("wf-1", 1, st)
	got, err := AtMostOnce(ctx, run, "charge", eventually,
		WithRetryable(func(err error) bool { return errors.Is(err, errTransient) }),
		WithMaxAttempts(5),
		WithBackoff(0),
	)
	if err != nil {
		t.Fatalf("AtMostOnce: %v", err)
	}
	if got != "ok" || invocations != 3 {
		t.Fatalf("got %q after %d invocations", got, invocations)
	}

	// Cached for later attempts.
	run2 := NewRun("wf-1", 2, st)
	got, err = AtMostOnce(ctx, run2, "charge", eventually)
	if err != nil || got != "ok" || invocations != 3 {
		t.Fatalf("replay got %q, %v after %d invocations", got, err, invocations)
	}
}

func TestAtMostOnceExhaustedBudgetIsTerminal(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	errTransient := errors.New("transient")
	invocations := 0
	failing := func(ctx context.Context) (string, error) {
		invocations++
		return "", errTransient
	}

	run1 := NewRun("wf-1", 1, st)
	_, err := AtMostOnce(ctx, run1, "charge", failing,
		WithRetryable(func(err error) bool { return true }),
		WithMaxAttempts(3),
		WithBackoff(0),
	)
	if !errors.Is(err, errTransient) {
		t.Fatalf("exhausted budget = %v, want errTransient", err)
	}
	if invocations != 3 {
		t.Fatalf("invocations = %d, want 3", invocations)
	}

	// Budget exhaustion is permanent, not resumable.
	run2 := NewRun("wf-1", 2, st)
	if _, err := AtMostOnce(ctx, run2, "charge", failing); !errors.Is(err, ErrFailedBeforeCompleting) {
		t.Fatalf("replay = %v, want ErrFailedBeforeCompleting", err)
	}
	if invocations != 3 {
		t.Fatalf("invocations after replay = %d, want 3", invocations)
	}
}

func TestAliasReuseWithinAttemptConflicts(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	run := NewRun("wf-1", 1, st)
	ok := func(ctx context.Context) (int, error) { return 1, nil }

	if _, err := AtLeastOnce(ctx, run, "step", ok); err != nil {
		t.Fatalf("first use: %v", err)
	}
	if _, err := AtLeastOnce(ctx, run, "step", ok); !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("reuse = %v, want ErrAliasConflict", err)
	}
}

func TestAliasBoundToDifferentGuardConflicts(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	run1 := NewRun("wf-1", 1, st)
	if _, err := AtLeastOnce(ctx, run1, "step", func(ctx context.Context) (int, error) { return 1, nil }); err != nil {
		t.Fatalf("AtLeastOnce: %v", err)
	}

	// Same alias, different guard kind, on a later attempt.
	run2 := NewRun("wf-1", 2, st)
	_, err := AtMostOnce(ctx, run2, "step", func(ctx context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("cross-kind reuse = %v, want ErrAliasConflict", err)
	}
}

func TestGuardedStoreAliasDiscipline(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	ctx := context.Background()

	run := NewRun("wf-1", 1, st)
	gs := run.Store()

	if err := gs.Insert(ctx, "write order", "orders", "o-1", []byte("{}")); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	// Same collection again under the same alias fails eagerly.
	if err := gs.Insert(ctx, "write order", "orders", "o-2", []byte("{}")); !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("aliased reuse = %v, want ErrAliasConflict", err)
	}
	// A distinct alias is fine.
	if err := gs.Insert(ctx, "write second order", "orders", "o-2", []byte("{}")); err != nil {
		t.Fatalf("distinct alias: %v", err)
	}

	got, err := gs.Range(ctx, "list orders", "orders", store.RangeOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Range returned %d entries, want 2", len(got))
	}
}

func TestEmptyAliasRejected(t *testing.T) {
	st := memstore.New()
	defer st.Close()

	run := NewRun("wf-1", 1, st)
	_, err := AtLeastOnce(context.Background(), run, "", func(ctx context.Context) (int, error) { return 1, nil })
	if !errors.Is(err, ErrAliasConflict) {
		t.Fatalf("empty alias = %v, want ErrAliasConflict", err)
	}
}
