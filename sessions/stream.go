package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/durablemcp/server-go/store"
)

// eventIDWidth fixes the zero-padded width of event ids so their string
// order matches their numeric order in the store.
const eventIDWidth = 20

func formatEventID(seq uint64) string {
	return fmt.Sprintf("%0*d", eventIDWidth, seq)
}

func validEventID(s string) bool {
	if len(s) != eventIDWidth {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// Cursor composes the transport-level resume token for an event.
func Cursor(streamID, eventID string) string {
	return streamID + "/" + eventID
}

// ParseCursor splits a transport-level resume token back into stream and
// event ids. Malformed tokens are ErrInvalidResumeToken; existence of the
// referenced event is checked by Replay and Tail.
func ParseCursor(token string) (streamID, eventID string, err error) {
	streamID, eventID, ok := strings.Cut(token, "/")
	if !ok || streamID == "" || !validEventID(eventID) {
		return "", "", fmt.Errorf("cursor %q: %w", token, ErrInvalidResumeToken)
	}
	return streamID, eventID, nil
}

// Stream is a handle over one append-only event log. Appends come from the
// single execution unit that owns the request, so writers do not contend;
// replays may run concurrently from any process.
type Stream struct {
	store     store.Store
	session   *Session
	meta      *StreamMetadata
	eventsCol string
}

func (st *Stream) ID() string         { return st.meta.StreamID }
func (st *Stream) State() StreamState { return st.meta.State }

// Append adds a message to the log and returns its event id.
func (st *Stream) Append(ctx context.Context, message []byte) (string, error) {
	return st.append(ctx, message, false)
}

// AppendTerminal adds the final message of the log and closes the stream.
// Replays observe the terminal flag and stop tailing.
func (st *Stream) AppendTerminal(ctx context.Context, message []byte) (string, error) {
	id, err := st.append(ctx, message, true)
	if err != nil {
		return "", err
	}
	if err := st.close(ctx); err != nil {
		return "", err
	}
	return id, nil
}

func (st *Stream) append(ctx context.Context, message []byte, terminal bool) (string, error) {
	if err := st.refreshMeta(ctx); err != nil {
		return "", err
	}
	if st.meta.State == StreamClosed {
		return "", fmt.Errorf("stream %s: %w", st.meta.StreamID, ErrStreamClosed)
	}

	last, err := st.store.ReverseRange(ctx, st.eventsCol, store.RangeOptions{Limit: 1})
	if err != nil {
		return "", fmt.Errorf("find last event: %w", err)
	}
	var seq uint64 = 1
	if len(last) > 0 {
		var prev uint64
		if _, err := fmt.Sscanf(last[0].Key, "%d", &prev); err != nil {
			return "", fmt.Errorf("parse last event id %q: %w", last[0].Key, err)
		}
		seq = prev + 1
	}

	eventID := formatEventID(seq)
	raw, err := json.Marshal(Event{EventID: eventID, Message: message, Terminal: terminal})
	if err != nil {
		return "", fmt.Errorf("encode event %s: %w", eventID, err)
	}
	if err := st.store.Insert(ctx, st.eventsCol, eventID, raw); err != nil {
		return "", fmt.Errorf("append event %s: %w", eventID, err)
	}
	return eventID, nil
}

func (st *Stream) close(ctx context.Context) error {
	now := time.Now().UTC()
	st.meta.State = StreamClosed
	st.meta.ClosedAt = &now
	if err := st.session.saveStreamMeta(ctx, st.meta); err != nil {
		return err
	}
	st.session.mgr.recordMetric("stream_close", nil)
	return nil
}

// TerminalEvent returns the stream's terminal event when one has been
// appended. A writer that crashed between the terminal append and its guard
// record uses this to recognize the work as already done.
func (st *Stream) TerminalEvent(ctx context.Context) (Event, bool, error) {
	last, err := st.store.ReverseRange(ctx, st.eventsCol, store.RangeOptions{Limit: 1})
	if err != nil {
		return Event{}, false, fmt.Errorf("find terminal event: %w", err)
	}
	if len(last) == 0 {
		return Event{}, false, nil
	}
	var ev Event
	if err := json.Unmarshal(last[0].Value, &ev); err != nil {
		return Event{}, false, fmt.Errorf("decode event %s: %w", last[0].Key, err)
	}
	if !ev.Terminal {
		return Event{}, false, nil
	}
	return ev, true, nil
}

func (st *Stream) refreshMeta(ctx context.Context) error {
	raw, err := st.store.Get(ctx, colSessionStreams(st.session.meta.SessionID), st.meta.StreamID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return ErrStreamNotFound
		}
		return fmt.Errorf("load stream %s: %w", st.meta.StreamID, err)
	}
	return json.Unmarshal(raw, st.meta)
}

// Replay delivers events after afterEventID in order. An empty cursor
// replays from the start. A cursor the log has never held is
// ErrInvalidResumeToken. Replay is read-only and deterministic: replaying
// twice delivers identical events.
func (st *Stream) Replay(ctx context.Context, afterEventID string, fn func(ev Event) error) error {
	cursor, err := st.replayStart(ctx, afterEventID)
	if err != nil {
		return err
	}
	_, _, err = st.replayFrom(ctx, cursor, fn)
	return err
}

// Tail replays events after afterEventID, then keeps delivering new events
// as they are appended until the terminal event arrives or ctx ends.
func (st *Stream) Tail(ctx context.Context, afterEventID string, fn func(ev Event) error) error {
	cursor, err := st.replayStart(ctx, afterEventID)
	if err != nil {
		return err
	}
	for {
		next, terminal, err := st.replayFrom(ctx, cursor, fn)
		if err != nil {
			return err
		}
		if terminal {
			return nil
		}
		cursor = next

		// A closed stream gains no further events. The cursor can sit past
		// the terminal event when a client resumes from the last id it
		// received; drain once more for the append/close race and stop.
		if err := st.refreshMeta(ctx); err != nil {
			return err
		}
		if st.meta.State == StreamClosed {
			_, _, err := st.replayFrom(ctx, cursor, fn)
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// replayStart validates the resume cursor and converts it to the first
// range key to read.
func (st *Stream) replayStart(ctx context.Context, afterEventID string) (string, error) {
	if afterEventID == "" {
		return "", nil
	}
	if !validEventID(afterEventID) {
		return "", fmt.Errorf("event id %q: %w", afterEventID, ErrInvalidResumeToken)
	}
	if _, err := st.store.Get(ctx, st.eventsCol, afterEventID); err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return "", fmt.Errorf("event id %q: %w", afterEventID, ErrInvalidResumeToken)
		}
		return "", fmt.Errorf("check resume cursor: %w", err)
	}
	return afterEventID + "\x00", nil
}

// replayFrom pages events in [cursor, ...) through fn, returning the next
// cursor and whether a terminal event was delivered.
func (st *Stream) replayFrom(ctx context.Context, cursor string, fn func(ev Event) error) (string, bool, error) {
	for {
		page, err := st.store.Range(ctx, st.eventsCol, store.RangeOptions{Start: cursor, Limit: 100})
		if err != nil {
			return "", false, fmt.Errorf("replay events: %w", err)
		}
		if len(page) == 0 {
			return cursor, false, nil
		}
		for _, e := range page {
			var ev Event
			if err := json.Unmarshal(e.Value, &ev); err != nil {
				return "", false, fmt.Errorf("decode event %s: %w", e.Key, err)
			}
			if err := fn(ev); err != nil {
				return "", false, err
			}
			if ev.Terminal {
				return e.Key + "\x00", true, nil
			}
		}
		cursor = page[len(page)-1].Key + "\x00"
	}
}
