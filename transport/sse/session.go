package sse

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	// ErrSessionNotFound is returned by Deliver for session ids that were
	// never created or have already been released.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionClosed is returned once a session has been closed: by
	// Deliver when it races the close, and by Receive once the queue has
	// been released.
	ErrSessionClosed = errors.New("session closed")
)

// Session is one live SSE connection and its inbound message queue. The
// stream handler owns creation and destruction; the ingress handler only
// appends through Registry.Deliver.
type Session struct {
	id    string
	clock clockwork.Clock

	mu      sync.Mutex
	queue   [][]byte
	closed  bool
	wake    chan struct{} // signalled on enqueue, closed on Close
	lastUse time.Time
}

// ID returns the opaque session identifier.
func (s *Session) ID() string { return s.id }

// Receive blocks until the next inbound payload is available, the session is
// closed, or ctx is done. Payloads come back in POST-arrival order.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			payload := s.queue[0]
			s.queue = s.queue[1:]
			s.lastUse = s.clock.Now()
			s.mu.Unlock()
			return payload, nil
		}
		if s.closed {
			s.mu.Unlock()
			return nil, ErrSessionClosed
		}
		wake := s.wake
		s.mu.Unlock()

		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// deliver appends a payload to the inbound queue. Called only via
// Registry.Deliver so the close/deliver race resolves under one lock order.
func (s *Session) deliver(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.queue = append(s.queue, payload)
	s.lastUse = s.clock.Now()
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return nil
}

// close marks the session Closed, releases the queue, and wakes any blocked
// Receive. Idempotent.
func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.queue = nil
	close(s.wake)
}

func (s *Session) idleSince(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.lastUse)
}

// RegistryOptions configure a Registry.
type RegistryOptions struct {
	// Logger for reaper activity. Defaults to slog.Default().
	Logger *slog.Logger

	// Clock drives idle accounting. Defaults to the real clock; tests
	// inject a fake one.
	Clock clockwork.Clock

	// IdleTimeout closes sessions that saw no deliver or receive activity
	// for this long. Zero disables the reaper.
	IdleTimeout time.Duration
}

// Registry is the process-wide session table. It is the only shared mutable
// state in the transport; all mutation goes through Create, Deliver and
// Close, which are atomic with respect to each other.
type Registry struct {
	log   *slog.Logger
	clock clockwork.Clock
	idle  time.Duration

	mu       sync.RWMutex
	sessions map[string]*Session

	stopOnce sync.Once
	stop     chan struct{}
	reaped   sync.WaitGroup
}

// NewRegistry creates an empty registry and, when an idle timeout is set,
// starts its reaper.
func NewRegistry(opts RegistryOptions) *Registry {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	r := &Registry{
		log:      log,
		clock:    clock,
		idle:     opts.IdleTimeout,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
	}
	if r.idle > 0 {
		// The ticker is created here, not in the goroutine, so a fake
		// clock advanced right after construction still fires it.
		interval := r.idle / 4
		if interval < time.Second {
			interval = time.Second
		}
		ticker := r.clock.NewTicker(interval)
		r.reaped.Add(1)
		go r.reap(ticker)
	}
	return r
}

// Create allocates a new session with a unique id and an empty inbound
// queue. Safe under concurrent creation.
func (r *Registry) Create() *Session {
	s := &Session{
		id:      uuid.NewString(),
		clock:   r.clock,
		wake:    make(chan struct{}, 1),
		lastUse: r.clock.Now(),
	}
	r.mu.Lock()
	r.sessions[s.id] = s
	r.mu.Unlock()
	return s
}

// Deliver appends a payload to the session's inbound queue. It never blocks
// on the engine: acceptance means "queued", not "processed".
func (r *Registry) Deliver(id string, payload []byte) error {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}
	return s.deliver(payload)
}

// Close releases a session: it becomes unreachable to Deliver and any
// blocked Receive returns ErrSessionClosed. Idempotent.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.close()
	}
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Shutdown stops the reaper and closes every live session. Idempotent.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.reaped.Wait()

	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, s := range r.sessions {
		sessions = append(sessions, s)
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close()
	}
}

func (r *Registry) reap(ticker clockwork.Ticker) {
	defer r.reaped.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			r.sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweep() {
	now := r.clock.Now()

	r.mu.RLock()
	var expired []*Session
	for _, s := range r.sessions {
		if s.idleSince(now) > r.idle {
			expired = append(expired, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range expired {
		r.log.Info("closing idle session", "session_id", s.ID(), "idle_timeout", r.idle)
		r.Close(s.ID())
	}
}
