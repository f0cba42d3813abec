// Package storetest provides a reusable conformance suite for store.Store
// implementations. Backend packages call RunStoreTests from their own tests.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/durablemcp/server-go/store"
)

// Factory returns a fresh, empty store for each subtest.
type Factory func(t *testing.T) store.Store

func RunStoreTests(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("GetMissingKey", func(t *testing.T) {
		s := factory(t)
		defer s.Close()

		if _, err := s.Get(context.Background(), "c", "absent"); !errors.Is(err, store.ErrKeyNotFound) {
			t.Fatalf("Get(absent) = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("InsertGetRoundtrip", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Insert(ctx, "c", "k", []byte("v1")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		got, err := s.Get(ctx, "c", "k")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if string(got) != "v1" {
			t.Fatalf("Get = %q, want %q", got, "v1")
		}

		// Insert on an existing key overwrites.
		if err := s.Insert(ctx, "c", "k", []byte("v2")); err != nil {
			t.Fatalf("Insert overwrite: %v", err)
		}
		got, err = s.Get(ctx, "c", "k")
		if err != nil {
			t.Fatalf("Get after overwrite: %v", err)
		}
		if string(got) != "v2" {
			t.Fatalf("Get after overwrite = %q, want %q", got, "v2")
		}
	})

	t.Run("CollectionsAreIndependent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Insert(ctx, "c1", "k", []byte("one")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if _, err := s.Get(ctx, "c2", "k"); !errors.Is(err, store.ErrKeyNotFound) {
			t.Fatalf("Get from other collection = %v, want ErrKeyNotFound", err)
		}
	})

	t.Run("RangeContract", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		for _, k := range []string{"a", "b", "c", "d"} {
			if err := s.Insert(ctx, "c", k, []byte("v-"+k)); err != nil {
				t.Fatalf("Insert %s: %v", k, err)
			}
		}

		got, err := s.Range(ctx, "c", store.RangeOptions{Start: "a", End: "c", Limit: 10})
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		assertKeys(t, got, "a", "b")

		got, err = s.ReverseRange(ctx, "c", store.RangeOptions{Limit: 2})
		if err != nil {
			t.Fatalf("ReverseRange: %v", err)
		}
		assertKeys(t, got, "d", "c")
	})

	t.Run("RangeLimitTruncates", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		for _, k := range []string{"a", "b", "c", "d"} {
			if err := s.Insert(ctx, "c", k, nil); err != nil {
				t.Fatalf("Insert %s: %v", k, err)
			}
		}

		got, err := s.Range(ctx, "c", store.RangeOptions{Limit: 3})
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		assertKeys(t, got, "a", "b", "c")

		got, err = s.Range(ctx, "c", store.RangeOptions{Start: "b", Limit: 1})
		if err != nil {
			t.Fatalf("Range from b: %v", err)
		}
		assertKeys(t, got, "b")
	})

	t.Run("RangeRequiresLimit", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		if _, err := s.Range(ctx, "c", store.RangeOptions{}); !errors.Is(err, store.ErrLimitRequired) {
			t.Fatalf("Range without limit = %v, want ErrLimitRequired", err)
		}
		if _, err := s.ReverseRange(ctx, "c", store.RangeOptions{Limit: -1}); !errors.Is(err, store.ErrLimitRequired) {
			t.Fatalf("ReverseRange with negative limit = %v, want ErrLimitRequired", err)
		}
	})

	t.Run("ReverseRangeBounds", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		for _, k := range []string{"a", "b", "c", "d"} {
			if err := s.Insert(ctx, "c", k, nil); err != nil {
				t.Fatalf("Insert %s: %v", k, err)
			}
		}

		// Same half-open interval semantics in both directions: start
		// inclusive, end exclusive.
		got, err := s.ReverseRange(ctx, "c", store.RangeOptions{Start: "b", End: "d", Limit: 10})
		if err != nil {
			t.Fatalf("ReverseRange: %v", err)
		}
		assertKeys(t, got, "c", "b")
	})

	t.Run("RemoveIsIdempotent", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		if err := s.Insert(ctx, "c", "k", []byte("v")); err != nil {
			t.Fatalf("Insert: %v", err)
		}
		if err := s.Remove(ctx, "c", "k"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		if _, err := s.Get(ctx, "c", "k"); !errors.Is(err, store.ErrKeyNotFound) {
			t.Fatalf("Get after Remove = %v, want ErrKeyNotFound", err)
		}
		if err := s.Remove(ctx, "c", "k"); err != nil {
			t.Fatalf("second Remove: %v", err)
		}
	})

	t.Run("RemovedKeyLeavesRange", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		for _, k := range []string{"a", "b", "c"} {
			if err := s.Insert(ctx, "c", k, nil); err != nil {
				t.Fatalf("Insert %s: %v", k, err)
			}
		}
		if err := s.Remove(ctx, "c", "b"); err != nil {
			t.Fatalf("Remove: %v", err)
		}
		got, err := s.Range(ctx, "c", store.RangeOptions{Limit: 10})
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		assertKeys(t, got, "a", "c")
	})

	t.Run("PaddedNumericKeysSortNumerically", func(t *testing.T) {
		s := factory(t)
		defer s.Close()
		ctx := context.Background()

		// Stream event keys rely on zero-padded sequence numbers sorting in
		// numeric order.
		for _, n := range []int{3, 11, 2, 100, 1} {
			key := fmt.Sprintf("%020d", n)
			if err := s.Insert(ctx, "c", key, nil); err != nil {
				t.Fatalf("Insert %s: %v", key, err)
			}
		}
		got, err := s.Range(ctx, "c", store.RangeOptions{Limit: 10})
		if err != nil {
			t.Fatalf("Range: %v", err)
		}
		assertKeys(t, got,
			fmt.Sprintf("%020d", 1),
			fmt.Sprintf("%020d", 2),
			fmt.Sprintf("%020d", 3),
			fmt.Sprintf("%020d", 11),
			fmt.Sprintf("%020d", 100),
		)

		last, err := s.ReverseRange(ctx, "c", store.RangeOptions{Limit: 1})
		if err != nil {
			t.Fatalf("ReverseRange: %v", err)
		}
		assertKeys(t, last, fmt.Sprintf("%020d", 100))
	})
}

func assertKeys(t *testing.T, got []store.Entry, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d (%v)", len(got), len(want), keysOf(got))
	}
	for i, w := range want {
		if got[i].Key != w {
			t.Fatalf("entry %d = %q, want %q (all: %v)", i, got[i].Key, w, keysOf(got))
		}
	}
}

func keysOf(entries []store.Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Key
	}
	return out
}
