package memstore

import (
	"testing"

	"github.com/durablemcp/server-go/store"
	"github.com/durablemcp/server-go/store/storetest"
)

func TestMemStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		return New()
	})
}

func TestValuesAreCopied(t *testing.T) {
	s := New()
	defer s.Close()

	buf := []byte("original")
	if err := s.Insert(t.Context(), "c", "k", buf); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	buf[0] = 'X'

	got, err := s.Get(t.Context(), "c", "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "original" {
		t.Fatalf("stored value aliased caller buffer: %q", got)
	}
}
