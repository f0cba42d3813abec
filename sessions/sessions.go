// Package sessions implements the durable session and stream model. A
// session is an ordered set of streams owned by one authenticated user; a
// stream is an append-only log of (event id, message) pairs produced while
// handling one logical request. All state lives in the ordered store, so any
// process instance sharing the store sees the same sessions, the same
// streams, and the same events in the same order.
package sessions

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a public session id does not
	// verify, references an unknown session, or belongs to another user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrStreamNotFound is returned for stream ids absent from the session.
	ErrStreamNotFound = errors.New("stream not found")

	// ErrStreamClosed is returned on appends to a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrInvalidResumeToken is returned when a replay cursor is malformed or
	// references an event the stream has never held. Stale cursors are an
	// error, never a silent restart from the beginning.
	ErrInvalidResumeToken = errors.New("invalid resume token")
)

// MetaVersion tracks the persisted metadata schema.
const MetaVersion = 1

// SessionMetadata is the durable record of a session.
type SessionMetadata struct {
	MetaVersion     int        `json:"meta_version"`
	SessionID       string     `json:"sid"`
	UserID          string     `json:"uid"`
	ProtocolVersion string     `json:"protocol_version"`
	Client          ClientInfo `json:"client,omitzero"`
	CreatedAt       time.Time  `json:"created_at"`
	TouchedAt       time.Time  `json:"touched_at"`
}

// ClientInfo captures what the client declared about itself at initialize.
type ClientInfo struct {
	Name    string `json:"name,omitempty"`
	Version string `json:"version,omitempty"`
}

// StreamState is the lifecycle of a stream. Streams open when a request is
// accepted and close when its terminal response is appended; a closed stream
// only replays.
type StreamState string

const (
	StreamOpen   StreamState = "open"
	StreamClosed StreamState = "closed"
)

// StreamMetadata is the durable record of a stream within a session.
// Request snapshots the inbound message that opened the stream; it is kept
// out of the event log so replays deliver only server-produced events.
type StreamMetadata struct {
	MetaVersion int         `json:"meta_version"`
	StreamID    string      `json:"stream_id"`
	State       StreamState `json:"state"`
	Request     []byte      `json:"request,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
}

// Event is one entry of a stream's append-only log. EventID is the
// stream-local cursor; ids are strictly increasing in append order and their
// string form sorts the same way.
type Event struct {
	EventID  string `json:"event_id"`
	Message  []byte `json:"message"`
	Terminal bool   `json:"terminal,omitempty"`
}

// MetricsSink allows optional instrumentation without hard dependency.
type MetricsSink interface {
	IncCounter(name string, tags map[string]string)
	ObserveHistogram(name string, value float64, tags map[string]string)
}
