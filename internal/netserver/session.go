// Package netserver implements the wire-level session and request plane: a
// Channel wraps one accepted net.Conn and its framing, a Session tracks
// per-connection state (id, last activity, pending async responses), a
// RequestHandler multiplexes a bounded set of sessions onto a shared worker
// pool, and a ConnectionsHandler creates and retires RequestHandlers as
// load grows and shrinks.
//
// Session bookkeeping uses atomic monotonic session ids and per-session
// last-activity tracking, with shutdown driven by context cancellation —
// protocol-agnostic identity and idle-tracking, with no dependency on any
// one wire protocol's credit or sequencing scheme.
package netserver

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coreshare/fileserver/internal/codec"
	"github.com/coreshare/fileserver/internal/fileerrors"
)

// FrameKind identifies the wire framing negotiated for a session, fixed at
// accept time based on which listener received the connection.
type FrameKind = codec.FrameKind

// AsyncResponse is a response queued for out-of-band delivery, used by
// operations that complete later than the request that triggered them
// (e.g. a change-notification completing a pending watch).
type AsyncResponse struct {
	MessageID uint64
	Payload   []byte
}

// Session tracks one accepted connection's identity and async-response
// queue. Session ids are monotonic and unique for the process lifetime;
// they are never reused even after the underlying connection closes.
type Session struct {
	ID   uint64
	Conn net.Conn
	Kind FrameKind

	createdAt    time.Time
	lastActivity atomic.Int64 // unix milliseconds

	mu      sync.Mutex
	pending []AsyncResponse
	closed  bool
}

func newSession(id uint64, conn net.Conn, kind FrameKind) *Session {
	s := &Session{
		ID:        id,
		Conn:      conn,
		Kind:      kind,
		createdAt: time.Now(),
	}
	s.touch()
	return s
}

// touch records activity now, resetting the idle-reaper clock.
func (s *Session) touch() {
	s.lastActivity.Store(time.Now().UnixMilli())
}

// IdleSince returns how long it has been since the session last saw traffic.
func (s *Session) IdleSince() time.Duration {
	last := time.UnixMilli(s.lastActivity.Load())
	return time.Since(last)
}

// QueueAsyncResponse appends an out-of-band response for later delivery.
// Returns fileerrors.ErrChannelClosed if the session's channel has already
// torn down, since there is no read loop left to ever drain the queue.
func (s *Session) QueueAsyncResponse(r AsyncResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fileerrors.ErrChannelClosed
	}
	s.pending = append(s.pending, r)
	return nil
}

// DrainAsyncResponses removes and returns every queued async response.
func (s *Session) DrainAsyncResponses() []AsyncResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func (s *Session) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// sessionIDSource hands out monotonic session ids shared across every
// RequestHandler owned by one ConnectionsHandler, so ids stay unique
// process-wide even though sessions live inside per-handler maps.
type sessionIDSource struct {
	next atomic.Uint64
}

func (s *sessionIDSource) take() uint64 {
	return s.next.Add(1)
}
