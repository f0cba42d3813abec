// Package store defines the durable ordered key-value store consumed by the
// session, stream, and workflow layers. Collections are independent ordered
// namespaces; keys within a collection sort lexicographically by byte value.
package store

import (
	"context"
	"errors"
)

// Store is the durability boundary for everything in this module. Keys are
// unique within a collection and an Insert on an existing key overwrites it.
type Store interface {
	// Insert writes value under (collection, key), overwriting any prior value.
	Insert(ctx context.Context, collection, key string, value []byte) error

	// Get returns the value stored under (collection, key).
	// Returns ErrKeyNotFound when the key is absent.
	Get(ctx context.Context, collection, key string) ([]byte, error)

	// Range returns entries in ascending key order. The start bound is
	// inclusive, the end bound exclusive; empty bounds are unbounded on that
	// side. Limit must be positive.
	Range(ctx context.Context, collection string, opts RangeOptions) ([]Entry, error)

	// ReverseRange returns entries in descending key order over the same
	// bound semantics as Range.
	ReverseRange(ctx context.Context, collection string, opts RangeOptions) ([]Entry, error)

	// Remove deletes (collection, key). Removing an absent key is a no-op.
	Remove(ctx context.Context, collection, key string) error

	// Close releases backend resources.
	Close() error
}

// Entry is a single key-value pair returned by range queries.
type Entry struct {
	Key   string
	Value []byte
}

// RangeOptions bound a Range or ReverseRange query. Start is inclusive and
// End is exclusive regardless of direction; the zero value for either means
// unbounded. Limit is mandatory so an unbounded scan is always explicit in
// the caller's code.
type RangeOptions struct {
	Start string
	End   string
	Limit int
}

var (
	// ErrKeyNotFound is returned by Get for absent keys.
	ErrKeyNotFound = errors.New("store: key not found")

	// ErrLimitRequired is returned by Range and ReverseRange when
	// RangeOptions.Limit is zero or negative.
	ErrLimitRequired = errors.New("store: range limit must be positive")
)

// InBounds reports whether key falls inside the half-open interval
// [Start, End). Shared by backends so bound handling cannot drift.
func (o RangeOptions) InBounds(key string) bool {
	if o.Start != "" && key < o.Start {
		return false
	}
	if o.End != "" && key >= o.End {
		return false
	}
	return true
}
