package netserver

import (
	"context"
	"time"

	"github.com/coreshare/fileserver/internal/logger"
)

// Reaper periodically closes sessions idle past its configured timeout —
// the server-side enforcement of a client socket timeout: a client that
// goes quiet long enough has its session closed and its handler-empty
// callback fired. Closing the underlying connection is what unblocks a
// session's otherwise-indefinite blocking read in RequestHandler.runSession.
// The sweep itself is a simple ticker-driven retry loop.
type Reaper struct {
	handler  *ConnectionsHandler
	timeout  time.Duration
	interval time.Duration
	onStuck  func(sessionID uint64)
}

// NewReaper creates a Reaper that sweeps handler's sessions every
// timeout/4 (every second if timeout/4 is zero or negative) and closes any
// idle at least timeout.
func NewReaper(handler *ConnectionsHandler, timeout time.Duration) *Reaper {
	interval := timeout / 4
	if interval <= 0 {
		interval = time.Second
	}
	return &Reaper{handler: handler, timeout: timeout, interval: interval}
}

// OnStuck registers a callback invoked once per session the reaper closes,
// for recording internal/metrics.Metrics.RecordStuckSession.
func (r *Reaper) OnStuck(fn func(sessionID uint64)) {
	r.onStuck = fn
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	for _, session := range r.handler.allSessions() {
		if session.IdleSince() < r.timeout {
			continue
		}
		logger.Debug("netserver: reaper closing idle session", "session_id", session.ID, "idle", session.IdleSince())
		session.Conn.Close()
		if r.onStuck != nil {
			r.onStuck(session.ID)
		}
	}
}
