package sessions

import (
	"context"
	"errors"
	"testing"

	"github.com/durablemcp/server-go/internal/sessionsig"
	"github.com/durablemcp/server-go/store"
	"github.com/durablemcp/server-go/store/memstore"
)

func newTestManager(t *testing.T) (*Manager, *memstore.Store, sessionsig.SignerVerifier) {
	t.Helper()
	st := memstore.New()
	t.Cleanup(func() { st.Close() })
	signer, err := sessionsig.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}
	return NewManager(st, signer), st, signer
}

func TestCreateAndLoadSession(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{Name: "test", Version: "1.0"})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.PublicID() == "" || sess.PublicID() == sess.SessionID() {
		t.Fatalf("public id should be a signed form, got %q", sess.PublicID())
	}

	got, err := m.LoadSession(ctx, sess.PublicID(), "user-1")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if got.SessionID() != sess.SessionID() {
		t.Fatalf("loaded %q, want %q", got.SessionID(), sess.SessionID())
	}
	if got.ProtocolVersion() != "2025-06-18" {
		t.Fatalf("protocol version = %q", got.ProtocolVersion())
	}
	if got.Client().Name != "test" {
		t.Fatalf("client info = %+v", got.Client())
	}
}

func TestLoadSessionWrongUser(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := m.LoadSession(ctx, sess.PublicID(), "user-2"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("cross-user load = %v, want ErrSessionNotFound", err)
	}
}

func TestLoadSessionForgedID(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.LoadSession(ctx, "not-a-signed-id", "user-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("forged id = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionDurableAcrossManagerInstances(t *testing.T) {
	st := memstore.New()
	defer st.Close()
	signer, err := sessionsig.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}
	ctx := context.Background()

	m1 := NewManager(st, signer)
	sess, err := m1.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	stream, err := sess.OpenStream(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call"}`))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	// A different manager over the same store sees the identical session,
	// the same stream set, and the same events.
	m2 := NewManager(st, signer)
	got, err := m2.LoadSession(ctx, sess.PublicID(), "user-1")
	if err != nil {
		t.Fatalf("LoadSession on second manager: %v", err)
	}
	streams, err := got.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams: %v", err)
	}
	if len(streams) != 1 || streams[0].StreamID != stream.ID() {
		t.Fatalf("streams on second manager = %+v", streams)
	}
	if string(streams[0].Request) != `{"jsonrpc":"2.0","id":1,"method":"tools/call"}` {
		t.Fatalf("request snapshot = %s", streams[0].Request)
	}

	reloaded, err := got.Stream(ctx, stream.ID())
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	var events []Event
	if err := reloaded.Replay(ctx, "", func(ev Event) error {
		events = append(events, ev)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(events) != 1 || string(events[0].Message) != `{"n":1}` {
		t.Fatalf("events on second manager = %+v", events)
	}
}

func TestStreamsListedInCreationOrder(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	var want []string
	for range 5 {
		s, err := sess.OpenStream(ctx, nil)
		if err != nil {
			t.Fatalf("OpenStream: %v", err)
		}
		want = append(want, s.ID())
	}

	streams, err := sess.Streams(ctx)
	if err != nil {
		t.Fatalf("Streams: %v", err)
	}
	if len(streams) != len(want) {
		t.Fatalf("listed %d streams, want %d", len(streams), len(want))
	}
	for i, meta := range streams {
		if meta.StreamID != want[i] {
			t.Fatalf("stream %d = %s, want %s", i, meta.StreamID, want[i])
		}
	}
}

func TestDeleteSessionRemovesEverything(t *testing.T) {
	m, st, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	stream, err := sess.OpenStream(ctx, nil)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.Append(ctx, []byte(`{"n":1}`)); err != nil {
		t.Fatalf("Append: %v", err)
	}

	if err := sess.Delete(ctx); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, err := m.LoadSession(ctx, sess.PublicID(), "user-1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("load after delete = %v, want ErrSessionNotFound", err)
	}
	left, err := st.Range(ctx, colStreamEvents(sess.SessionID(), stream.ID()), store.RangeOptions{Limit: 10})
	if err != nil {
		t.Fatalf("Range: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("%d events survived deletion", len(left))
	}
}

func TestUnknownStream(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	sess, err := m.CreateSession(ctx, "user-1", "2025-06-18", ClientInfo{})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if _, err := sess.Stream(ctx, "01ABSENTSTREAM0000000000AA"); !errors.Is(err, ErrStreamNotFound) {
		t.Fatalf("unknown stream = %v, want ErrStreamNotFound", err)
	}
}
