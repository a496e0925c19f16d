package netserver

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
	"github.com/coreshare/fileserver/internal/pool"
)

// Concurrency model: a Selector-based design would multiplex K sessions on
// one thread, disarming a session's READ interest while a task is in
// flight and re-arming it on completion. Go's netpoller already multiplexes
// blocking reads across goroutines for free, so RequestHandler instead runs
// one read-goroutine per session; "READ interest disarmed" becomes "the
// next ReadFrame call is not issued until the in-flight dispatch returns",
// which a single straight-line goroutine gives for free. The shared
// dispatch semaphore below is what bounds concurrently in-flight tasks per
// handler.

// RequestHandler owns up to MaxSessions sessions and a bounded pool of
// concurrent dispatch slots shared across them: K sessions per handler, P
// frames in flight per handler at once.
type RequestHandler struct {
	id          uint64
	maxSessions int
	dispatch    Dispatch
	pool        *pool.Pool
	metrics     *metrics.Metrics

	dispatchSlots chan struct{}

	mu       sync.Mutex
	sessions map[uint64]*Session
	cancels  map[uint64]context.CancelFunc

	wg sync.WaitGroup

	onEmpty func(h *RequestHandler)
}

// NewRequestHandler creates a RequestHandler bound to at most maxSessions
// concurrent sessions and dispatchSlots concurrently in-flight frames.
func NewRequestHandler(id uint64, maxSessions, dispatchSlots int, dispatch Dispatch, p *pool.Pool) *RequestHandler {
	if maxSessions <= 0 {
		maxSessions = 1
	}
	if dispatchSlots <= 0 {
		dispatchSlots = maxSessions
	}
	if p == nil {
		p = pool.Default
	}
	return &RequestHandler{
		id:            id,
		maxSessions:   maxSessions,
		dispatch:      dispatch,
		pool:          p,
		dispatchSlots: make(chan struct{}, dispatchSlots),
		sessions:      make(map[uint64]*Session),
		cancels:       make(map[uint64]context.CancelFunc),
	}
}

// ID returns the handler's identity, used for logging and for the
// ConnectionsHandler's head/non-head bookkeeping.
func (h *RequestHandler) ID() uint64 { return h.id }

// SetMetrics wires m into the handler's per-session gauge updates; nil is
// valid and turns every recording back into a no-op.
func (h *RequestHandler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// Count returns the number of sessions currently owned by the handler.
func (h *RequestHandler) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// HasRoom reports whether the handler can accept another session.
func (h *RequestHandler) HasRoom() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions) < h.maxSessions
}

// SetOnEmpty registers a callback invoked (at most once per transition)
// whenever the handler's session count drops to zero.
func (h *RequestHandler) SetOnEmpty(fn func(h *RequestHandler)) {
	h.mu.Lock()
	h.onEmpty = fn
	h.mu.Unlock()
}

// Adopt registers session with the handler and starts its dedicated read
// loop. Returns false without starting anything if the handler is full.
func (h *RequestHandler) Adopt(ctx context.Context, session *Session) bool {
	h.mu.Lock()
	if len(h.sessions) >= h.maxSessions {
		h.mu.Unlock()
		return false
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	h.sessions[session.ID] = session
	h.cancels[session.ID] = cancel
	count := len(h.sessions)
	h.mu.Unlock()
	h.metrics.SetSessionsForHandler(strconv.FormatUint(h.id, 10), count)

	h.wg.Add(1)
	go h.runSession(sessionCtx, session)
	return true
}

// Sessions returns a snapshot of every session currently owned by the
// handler, for the idle reaper.
func (h *RequestHandler) Sessions() []*Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Shutdown cancels every session's read loop and waits for them to exit.
func (h *RequestHandler) Shutdown() {
	h.mu.Lock()
	for _, cancel := range h.cancels {
		cancel()
	}
	h.mu.Unlock()
	h.wg.Wait()
}

func (h *RequestHandler) runSession(ctx context.Context, session *Session) {
	defer h.wg.Done()
	defer h.retire(session.ID)
	defer session.markClosed()

	channel := NewChannel(session, h.pool, 0)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := h.runOnceBounded(channel)
		if err != nil {
			if !errors.Is(err, fileerrors.ErrPeerClosed) {
				logger.Warn("netserver: session read loop ended with error", "session_id", session.ID, "error", err)
			}
			return
		}
	}
}

// runOnceBounded acquires a dispatch slot only around the dispatch+reply
// portion of the frame, not the blocking read: the read is what the
// netpoller already multiplexes for free, while the slot bounds how many
// dispatches actually execute at once per handler.
func (h *RequestHandler) runOnceBounded(channel *Channel) error {
	payload, release, err := channel.ReadFrame()
	if err != nil {
		return err
	}
	defer release()

	if payload == nil {
		return nil
	}

	h.dispatchSlots <- struct{}{}
	defer func() { <-h.dispatchSlots }()

	reply, err := h.dispatch(channel.session, payload)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return channel.WriteReply(reply)
}

func (h *RequestHandler) retire(sessionID uint64) {
	h.mu.Lock()
	delete(h.sessions, sessionID)
	delete(h.cancels, sessionID)
	count := len(h.sessions)
	onEmpty := h.onEmpty
	h.mu.Unlock()
	h.metrics.SetSessionsForHandler(strconv.FormatUint(h.id, 10), count)

	if count == 0 && onEmpty != nil {
		onEmpty(h)
	}
}
