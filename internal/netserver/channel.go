package netserver

import (
	"errors"
	"fmt"
	"io"

	"github.com/coreshare/fileserver/internal/codec"
	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/pool"
)

// Dispatch handles one decoded frame for a session and returns the encoded
// reply payload to write back, or nil if the frame produced no immediate
// reply (e.g. a one-way NFS call, or a request that will reply later via an
// AsyncResponse).
type Dispatch func(session *Session, payload []byte) ([]byte, error)

// Channel owns the packet-level read/write loop for one session: decode one
// frame, hand it to Dispatch, encode and write the reply. It has no
// knowledge of worker pools or other sessions — its only job is framing,
// not scheduling.
type Channel struct {
	session *Session
	pool    *pool.Pool
	extra   int // extraOverhead passed to the codec decoder (signing headroom)
}

// NewChannel creates a Channel for session, using p for buffer allocation.
func NewChannel(session *Session, p *pool.Pool, extraOverhead int) *Channel {
	if p == nil {
		p = pool.Default
	}
	return &Channel{session: session, pool: p, extra: extraOverhead}
}

// ReadFrame blocks until one frame is decoded from the session's connection,
// according to the framing negotiated for Kind. A KEEPALIVE frame is
// returned with a nil payload and no error; the caller should simply read
// again.
func (c *Channel) ReadFrame() (payload []byte, release func(), err error) {
	var frame *codec.Frame
	switch c.session.Kind {
	case codec.FrameKindNetBIOSSMB:
		frame, err = codec.DecodeNetBIOS(c.session.Conn, c.pool, c.extra)
	case codec.FrameKindDirectSMB:
		frame, err = codec.DecodeDirectSMB(c.session.Conn, c.pool, c.extra)
	case codec.FrameKindRPCRecord:
		buf, rerr := codec.DecodeRPCRecord(c.session.Conn, c.pool)
		if rerr != nil {
			return nil, nil, rerr
		}
		return buf.Data, buf.Release, nil
	default:
		return nil, nil, fmt.Errorf("channel: unknown frame kind %d", c.session.Kind)
	}

	if err != nil {
		return nil, nil, err
	}
	if frame.KeepAlive {
		return nil, func() {}, nil
	}
	c.session.touch()
	return frame.Payload(), frame.Release, nil
}

// WriteReply frames and writes payload back on the session's connection,
// using the same framing kind the session was accepted under.
func (c *Channel) WriteReply(payload []byte) error {
	switch c.session.Kind {
	case codec.FrameKindNetBIOSSMB:
		return codec.EncodeNetBIOS(c.session.Conn, c.pool, payload)
	case codec.FrameKindDirectSMB:
		return codec.EncodeDirectSMB(c.session.Conn, c.pool, payload)
	case codec.FrameKindRPCRecord:
		return codec.EncodeRPCRecord(c.session.Conn, c.pool, payload)
	default:
		return fmt.Errorf("channel: unknown frame kind %d", c.session.Kind)
	}
}

// RunOnce reads exactly one frame and, if it carried a payload, dispatches
// it and writes back any reply. Returns fileerrors.ErrPeerClosed when the
// connection is gone, which callers treat as session teardown, not
// a logged failure.
func (c *Channel) RunOnce(dispatch Dispatch) error {
	payload, release, err := c.ReadFrame()
	if err != nil {
		if errors.Is(err, fileerrors.ErrPeerClosed) || errors.Is(err, io.EOF) {
			return fileerrors.ErrPeerClosed
		}
		return err
	}
	defer release()

	if payload == nil {
		// keep-alive: nothing to dispatch
		return nil
	}

	reply, err := dispatch(c.session, payload)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	return c.WriteReply(reply)
}
