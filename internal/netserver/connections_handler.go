package netserver

import (
	"context"
	"net"
	"sync"

	"github.com/coreshare/fileserver/internal/codec"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
	"github.com/coreshare/fileserver/internal/pool"
)

// ConnectionsHandler accepts connections on one or more listeners and
// distributes sessions across a growing/shrinking set of RequestHandlers.
// Exactly one handler is the "head": the one new sessions are assigned to.
// When the head saturates (HasRoom reports false), a new handler is
// created and becomes the head; the previous head keeps running its
// existing sessions but is never handed new ones. Non-head handlers are
// removed entirely once their session count drops to zero; the head is
// never removed even while empty, so a quiet server doesn't thrash handler
// creation for every new connection.
type ConnectionsHandler struct {
	maxSessionsPerHandler   int
	dispatchSlotsPerHandler int
	dispatch                Dispatch
	pool                    *pool.Pool
	metrics                 *metrics.Metrics

	ids       sessionIDSource
	nextHdlID uint64

	mu       sync.Mutex
	head     *RequestHandler
	handlers map[uint64]*RequestHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionsHandler creates a ConnectionsHandler. maxSessionsPerHandler
// is K, the session cap per handler; dispatchSlotsPerHandler is P, the
// number of frames one handler will dispatch concurrently.
func NewConnectionsHandler(maxSessionsPerHandler, dispatchSlotsPerHandler int, dispatch Dispatch, p *pool.Pool) *ConnectionsHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionsHandler{
		maxSessionsPerHandler:   maxSessionsPerHandler,
		dispatchSlotsPerHandler: dispatchSlotsPerHandler,
		dispatch:                dispatch,
		pool:                    p,
		handlers:                make(map[uint64]*RequestHandler),
		ctx:                     ctx,
		cancel:                  cancel,
	}
}

// SetMetrics wires m into handler-count/session-count gauge updates; nil is
// valid and turns every recording back into a no-op.
func (c *ConnectionsHandler) SetMetrics(m *metrics.Metrics) {
	c.metrics = m
}

// Serve accepts connections from listener, framing each with kind, until
// the ConnectionsHandler is stopped or listener.Accept fails permanently.
func (c *ConnectionsHandler) Serve(listener net.Listener, kind codec.FrameKind) error {
	c.wg.Add(1)
	defer c.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return nil
			default:
			}
			logger.Warn("netserver: accept failed", "error", err)
			return err
		}
		c.admit(conn, kind)
	}
}

func (c *ConnectionsHandler) admit(conn net.Conn, kind codec.FrameKind) {
	session := newSession(c.ids.take(), conn, kind)
	handler := c.handlerWithRoom()
	if !handler.Adopt(c.ctx, session) {
		// Lost a race against another admit() saturating the same head;
		// retry once against a freshly created handler.
		handler = c.newHandler()
		if !handler.Adopt(c.ctx, session) {
			logger.Error("netserver: freshly created handler rejected session", "session_id", session.ID)
			conn.Close()
		}
	}
}

// handlerWithRoom returns the current head, creating one if none exists or
// the current head is saturated.
func (c *ConnectionsHandler) handlerWithRoom() *RequestHandler {
	c.mu.Lock()
	head := c.head
	c.mu.Unlock()

	if head != nil && head.HasRoom() {
		return head
	}
	return c.newHandler()
}

func (c *ConnectionsHandler) newHandler() *RequestHandler {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have already created a fresh head while we were
	// waiting for the lock.
	if c.head != nil && c.head.HasRoom() {
		return c.head
	}

	c.nextHdlID++
	id := c.nextHdlID
	h := NewRequestHandler(id, c.maxSessionsPerHandler, c.dispatchSlotsPerHandler, c.dispatch, c.pool)
	h.SetMetrics(c.metrics)
	h.SetOnEmpty(c.onHandlerEmpty)
	c.handlers[id] = h
	c.head = h
	c.metrics.SetHandlerCount(len(c.handlers))
	return h
}

func (c *ConnectionsHandler) onHandlerEmpty(h *RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h == c.head {
		// Head stays alive even while empty, ready for the next connection.
		return
	}
	delete(c.handlers, h.ID())
	c.metrics.SetHandlerCount(len(c.handlers))
	logger.Debug("netserver: retired empty request handler", "handler_id", h.ID())
}

// HandlerCount returns how many RequestHandlers are currently live, for
// metrics and tests.
func (c *ConnectionsHandler) HandlerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

// allSessions returns a snapshot of every session across every handler, for
// the idle Reaper's sweep.
func (c *ConnectionsHandler) allSessions() []*Session {
	c.mu.Lock()
	handlers := make([]*RequestHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	var out []*Session
	for _, h := range handlers {
		out = append(out, h.Sessions()...)
	}
	return out
}

// Stop cancels every session's read loop across every handler and waits for
// Serve to return.
func (c *ConnectionsHandler) Stop() {
	c.cancel()

	c.mu.Lock()
	handlers := make([]*RequestHandler, 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h.Shutdown()
	}
	c.wg.Wait()
}
