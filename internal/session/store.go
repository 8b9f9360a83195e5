package session

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/cadenzalabs/cadenza/internal/ratelimit"
)

// ErrSessionEvicted is the resolver error delivered to suspended conductor
// loops when their session is evicted from the store.
const ErrSessionEvicted = "session_evicted"

// rateWindow is the rolling window all per-connection limiters use.
const rateWindow = time.Minute

// Store owns every live session. Sessions are created lazily and kept
// until explicitly evicted, so a reconnect with the same id resumes the
// old conversation.
type Store struct {
	maxHistory int
	rateLimit  int
	gauge      metric.Int64UpDownCounter

	mu       sync.Mutex
	sessions map[string]*Session
}

// StoreOption is a functional option for Store.
type StoreOption func(*Store)

// WithSessionGauge attaches an up-down counter tracking the number of live
// sessions: incremented on creation, decremented on eviction.
func WithSessionGauge(gauge metric.Int64UpDownCounter) StoreOption {
	return func(st *Store) {
		st.gauge = gauge
	}
}

// NewStore creates a store whose sessions keep at most 2×maxTurns history
// entries. rateLimit is the per-connection admission cap handed out by
// [Store.NewRateLimiter].
func NewStore(maxTurns, rateLimit int, opts ...StoreOption) *Store {
	st := &Store{
		maxHistory: 2 * maxTurns,
		rateLimit:  rateLimit,
		sessions:   make(map[string]*Session),
	}
	for _, o := range opts {
		o(st)
	}
	return st
}

// GetOrCreate returns the session for id, creating it if absent.
func (st *Store) GetOrCreate(id string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.sessions[id]; ok {
		return s
	}
	s := newSession(id, st.maxHistory)
	st.sessions[id] = s
	if st.gauge != nil {
		st.gauge.Add(context.Background(), 1)
	}
	return s
}

// Get returns the session for id without creating it.
func (st *Store) Get(id string) (*Session, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.sessions[id]
	return s, ok
}

// Evict removes the session for id. Suspended conductor loops waiting on
// its tool results are released with [ErrSessionEvicted].
func (st *Store) Evict(id string) {
	st.mu.Lock()
	s, ok := st.sessions[id]
	if ok {
		delete(st.sessions, id)
	}
	if ok && st.gauge != nil {
		st.gauge.Add(context.Background(), -1)
	}
	st.mu.Unlock()
	if ok {
		s.failAllResolvers(ErrSessionEvicted)
	}
}

// Len returns the number of live sessions.
func (st *Store) Len() int {
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.sessions)
}

// NewRateLimiter builds a fresh sliding-window limiter with the store's
// configured per-connection cap. One per connection, not per session.
func (st *Store) NewRateLimiter() *ratelimit.SlidingWindow {
	return ratelimit.NewSlidingWindow(st.rateLimit, rateWindow)
}
