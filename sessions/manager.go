package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/durablemcp/server-go/internal/sessionsig"
	"github.com/durablemcp/server-go/store"
)

const colSessions = "sessions"

func colSessionStreams(sid string) string { return "sessions/" + sid + "/streams" }
func colStreamEvents(sid, streamID string) string {
	return "streams/" + sid + "/" + streamID
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerConfig)

type managerConfig struct {
	logger        *slog.Logger
	metrics       MetricsSink
	touchDebounce time.Duration
}

func WithLogger(l *slog.Logger) ManagerOption {
	return func(c *managerConfig) { c.logger = l }
}

func WithMetrics(m MetricsSink) ManagerOption {
	return func(c *managerConfig) { c.metrics = m }
}

// WithTouchDebounce bounds how often a loaded session's touched_at is
// rewritten. Zero or negative touches on every load.
func WithTouchDebounce(d time.Duration) ManagerOption {
	return func(c *managerConfig) { c.touchDebounce = d }
}

// Manager mediates all session and stream access against the durable store.
// Managers hold no session state of their own: two managers over the same
// store are interchangeable, which is what lets a restarted process pick up
// where the previous one stopped.
type Manager struct {
	store  store.Store
	signer sessionsig.SignerVerifier
	log    *slog.Logger

	metrics       MetricsSink
	touchDebounce time.Duration

	lastTouchMu sync.Mutex
	lastTouch   map[string]time.Time
}

func NewManager(st store.Store, signer sessionsig.SignerVerifier, opts ...ManagerOption) *Manager {
	cfg := managerConfig{
		logger:        slog.Default(),
		touchDebounce: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		store:         st,
		signer:        signer,
		log:           cfg.logger,
		metrics:       cfg.metrics,
		touchDebounce: cfg.touchDebounce,
		lastTouch:     make(map[string]time.Time),
	}
}

// CreateSession persists a new session for the user and returns its handle.
func (m *Manager) CreateSession(ctx context.Context, userID, protocolVersion string, client ClientInfo) (*Session, error) {
	now := time.Now().UTC()
	meta := &SessionMetadata{
		MetaVersion:     MetaVersion,
		SessionID:       uuid.NewString(),
		UserID:          userID,
		ProtocolVersion: protocolVersion,
		Client:          client,
		CreatedAt:       now,
		TouchedAt:       now,
	}
	if err := m.saveMeta(ctx, meta); err != nil {
		return nil, err
	}

	publicID, err := sessionsig.Encode(m.signer, sessionsig.Claims{
		SessionID: meta.SessionID,
		UserID:    meta.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("sign session id: %w", err)
	}

	m.recordMetric("session_create", nil)
	m.log.InfoContext(ctx, "session.create", slog.String("sid", meta.SessionID), slog.String("uid", userID))
	return &Session{mgr: m, meta: meta, publicID: publicID}, nil
}

// LoadSession resolves a public session id presented by a client. The id
// must verify, reference a stored session, and belong to the authenticated
// user; every failure mode maps to ErrSessionNotFound so callers cannot
// probe for other users' sessions.
func (m *Manager) LoadSession(ctx context.Context, publicID, userID string) (*Session, error) {
	claims, err := sessionsig.Decode(m.signer, publicID)
	if err != nil {
		m.recordMetric("session_load_badsig", nil)
		return nil, fmt.Errorf("%w: %v", ErrSessionNotFound, err)
	}

	raw, err := m.store.Get(ctx, colSessions, claims.SessionID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", claims.SessionID, err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", claims.SessionID, err)
	}
	if meta.UserID != userID || claims.UserID != userID {
		m.recordMetric("session_load_mismatch", nil)
		return nil, ErrSessionNotFound
	}

	m.maybeTouch(ctx, &meta)
	m.recordMetric("session_load", nil)
	return &Session{mgr: m, meta: &meta, publicID: publicID}, nil
}

// GetSession loads a session by its internal id without signature or user
// checks. It is for in-process callers that already hold a trusted id, such
// as execution units resuming work from a spawn payload.
func (m *Manager) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	raw, err := m.store.Get(ctx, colSessions, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	var meta SessionMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", sessionID, err)
	}
	return &Session{mgr: m, meta: &meta}, nil
}

func (m *Manager) saveMeta(ctx context.Context, meta *SessionMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", meta.SessionID, err)
	}
	if err := m.store.Insert(ctx, colSessions, meta.SessionID, raw); err != nil {
		return fmt.Errorf("persist session %s: %w", meta.SessionID, err)
	}
	return nil
}

// maybeTouch debounces touched_at rewrites.
func (m *Manager) maybeTouch(ctx context.Context, meta *SessionMetadata) {
	now := time.Now().UTC()
	if m.touchDebounce > 0 {
		m.lastTouchMu.Lock()
		last := m.lastTouch[meta.SessionID]
		if now.Sub(last) < m.touchDebounce {
			m.lastTouchMu.Unlock()
			return
		}
		m.lastTouch[meta.SessionID] = now
		m.lastTouchMu.Unlock()
	}
	meta.TouchedAt = now
	if err := m.saveMeta(ctx, meta); err != nil {
		m.log.WarnContext(ctx, "session.touch.fail", slog.String("sid", meta.SessionID), slog.String("err", err.Error()))
	}
}

func (m *Manager) recordMetric(name string, tags map[string]string) {
	if m.metrics != nil {
		m.metrics.IncCounter(name, tags)
	}
}

// Session is a handle over one durable session.
type Session struct {
	mgr      *Manager
	meta     *SessionMetadata
	publicID string
}

// PublicID is the signed id handed to clients.
func (s *Session) PublicID() string { return s.publicID }

// SessionID is the internal id used in store collections.
func (s *Session) SessionID() string { return s.meta.SessionID }

func (s *Session) UserID() string          { return s.meta.UserID }
func (s *Session) ProtocolVersion() string { return s.meta.ProtocolVersion }
func (s *Session) Client() ClientInfo      { return s.meta.Client }

// OpenStream allocates the next stream of the session, snapshotting the
// inbound message that caused it. Stream ids are ULIDs so the session's
// stream set sorts in creation order.
func (s *Session) OpenStream(ctx context.Context, inbound []byte) (*Stream, error) {
	meta := &StreamMetadata{
		MetaVersion: MetaVersion,
		StreamID:    ulid.Make().String(),
		State:       StreamOpen,
		Request:     inbound,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.saveStreamMeta(ctx, meta); err != nil {
		return nil, err
	}
	s.mgr.recordMetric("stream_open", nil)
	return s.streamHandle(meta), nil
}

// Stream resolves an existing stream of the session.
func (s *Session) Stream(ctx context.Context, streamID string) (*Stream, error) {
	raw, err := s.mgr.store.Get(ctx, colSessionStreams(s.meta.SessionID), streamID)
	if err != nil {
		if errors.Is(err, store.ErrKeyNotFound) {
			return nil, ErrStreamNotFound
		}
		return nil, fmt.Errorf("load stream %s: %w", streamID, err)
	}
	var meta StreamMetadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("decode stream %s: %w", streamID, err)
	}
	return s.streamHandle(&meta), nil
}

// Streams lists the session's stream metadata in creation order.
func (s *Session) Streams(ctx context.Context) ([]StreamMetadata, error) {
	var out []StreamMetadata
	cursor := ""
	for {
		page, err := s.mgr.store.Range(ctx, colSessionStreams(s.meta.SessionID), store.RangeOptions{Start: cursor, Limit: 100})
		if err != nil {
			return nil, fmt.Errorf("list streams: %w", err)
		}
		if len(page) == 0 {
			return out, nil
		}
		for _, e := range page {
			var meta StreamMetadata
			if err := json.Unmarshal(e.Value, &meta); err != nil {
				return nil, fmt.Errorf("decode stream %s: %w", e.Key, err)
			}
			out = append(out, meta)
		}
		cursor = page[len(page)-1].Key + "\x00"
	}
}

func (s *Session) saveStreamMeta(ctx context.Context, meta *StreamMetadata) error {
	raw, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encode stream %s: %w", meta.StreamID, err)
	}
	if err := s.mgr.store.Insert(ctx, colSessionStreams(s.meta.SessionID), meta.StreamID, raw); err != nil {
		return fmt.Errorf("persist stream %s: %w", meta.StreamID, err)
	}
	return nil
}

// Delete removes the session and everything under it: stream event logs,
// stream metadata, and the session record itself. Resume tokens for the
// session's streams become invalid.
func (s *Session) Delete(ctx context.Context) error {
	streams, err := s.Streams(ctx)
	if err != nil {
		return err
	}
	for _, meta := range streams {
		if err := s.mgr.removeAll(ctx, colStreamEvents(s.meta.SessionID, meta.StreamID)); err != nil {
			return err
		}
	}
	if err := s.mgr.removeAll(ctx, colSessionStreams(s.meta.SessionID)); err != nil {
		return err
	}
	if err := s.mgr.store.Remove(ctx, colSessions, s.meta.SessionID); err != nil {
		return fmt.Errorf("remove session %s: %w", s.meta.SessionID, err)
	}
	s.mgr.recordMetric("session_delete", nil)
	s.mgr.log.InfoContext(ctx, "session.delete", slog.String("sid", s.meta.SessionID))
	return nil
}

func (m *Manager) removeAll(ctx context.Context, collection string) error {
	for {
		page, err := m.store.Range(ctx, collection, store.RangeOptions{Limit: 100})
		if err != nil {
			return fmt.Errorf("scan %s: %w", collection, err)
		}
		if len(page) == 0 {
			return nil
		}
		for _, e := range page {
			if err := m.store.Remove(ctx, collection, e.Key); err != nil {
				return fmt.Errorf("remove %s/%s: %w", collection, e.Key, err)
			}
		}
	}
}

func (s *Session) streamHandle(meta *StreamMetadata) *Stream {
	return &Stream{
		store:     s.mgr.store,
		session:   s,
		meta:      meta,
		eventsCol: colStreamEvents(s.meta.SessionID, meta.StreamID),
	}
}
