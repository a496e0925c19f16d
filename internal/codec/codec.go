// Package codec implements two wire framings: NetBIOS-framed SMB /
// direct-TCP SMB (a shared 4-byte header shape), and ONC-RPC record marking
// (RFC 5531). Both decoders allocate their payload buffer from a pool.Pool
// and leave buffer ownership with the caller.
package codec

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/pool"
)

// FrameKind identifies which wire framing produced a Frame.
type FrameKind int

const (
	FrameKindNetBIOSSMB FrameKind = iota
	FrameKindDirectSMB
	FrameKindRPCRecord
)

// NetBIOS session message types.
const (
	NetBIOSMessage   byte = 0x00
	NetBIOSKeepAlive byte = 0x85
)

const netbiosHeaderSize = 4
const netbiosHighBitFlag byte = 0x01
const netbiosHighBitLength uint32 = 0x10000
const netbiosLowMask uint32 = 0xFFFF

// Frame is a decoded message still backed by a pooled buffer. KeepAlive
// frames carry no payload and no leased buffer, so Release on one is a
// no-op.
type Frame struct {
	Kind      FrameKind
	KeepAlive bool
	Buffer    *pool.Buffer // nil when KeepAlive
}

// Payload returns the frame's bytes, or nil for a keep-alive.
func (f *Frame) Payload() []byte {
	if f.Buffer == nil {
		return nil
	}
	return f.Buffer.Data
}

// Release returns the frame's buffer to its pool. Safe to call on a
// keep-alive frame (no-op).
func (f *Frame) Release() {
	if f.Buffer != nil {
		f.Buffer.Release()
	}
}

// wrapHeaderReadErr wraps a failure reading a frame header, the one point
// where a zero-byte read is an orderly close rather than a truncation: no
// bytes of a new message had been committed to yet. A partial header
// (io.ErrUnexpectedEOF) means the peer closed mid-header, which is a
// framing error, not a clean close.
func wrapHeaderReadErr(err error) error {
	if err == io.EOF {
		return fileerrors.ErrPeerClosed
	}
	if err == io.ErrUnexpectedEOF {
		return fileerrors.ErrFramingError
	}
	return fmt.Errorf("read frame: %w", err)
}

// wrapBodyReadErr wraps a failure reading a frame's body/fragment once its
// header has already been read. Any EOF here — full or partial — means the
// peer went away mid-message, which is a truncated fragment, not an
// orderly close.
func wrapBodyReadErr(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fileerrors.ErrFramingError
	}
	return fmt.Errorf("read frame: %w", err)
}

// DecodeNetBIOS reads one NetBIOS-framed SMB message from r. extraOverhead
// is added to the payload allocation to leave room for later signing/sealing.
// KEEPALIVE frames return Frame{KeepAlive: true}, nil.
func DecodeNetBIOS(r io.Reader, p *pool.Pool, extraOverhead int) (*Frame, error) {
	return decodeNBShaped(r, p, extraOverhead, FrameKindNetBIOSSMB, true)
}

// DecodeDirectSMB reads one direct-TCP-framed SMB message (port 445); only
// MESSAGE-equivalent frames are legal, so any other type byte (including
// KEEPALIVE) is rejected with fileerrors.ErrFramingError.
func DecodeDirectSMB(r io.Reader, p *pool.Pool, extraOverhead int) (*Frame, error) {
	return decodeNBShaped(r, p, extraOverhead, FrameKindDirectSMB, false)
}

func decodeNBShaped(r io.Reader, p *pool.Pool, extraOverhead int, kind FrameKind, honorKeepAlive bool) (*Frame, error) {
	var hdr [netbiosHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, wrapHeaderReadErr(err)
	}

	msgType := hdr[0]
	if honorKeepAlive && msgType == NetBIOSKeepAlive {
		return &Frame{Kind: kind, KeepAlive: true}, nil
	}
	if !honorKeepAlive && msgType != NetBIOSMessage {
		return nil, fileerrors.ErrFramingError
	}

	length := uint32(hdr[2])<<8 | uint32(hdr[3])
	if hdr[1]&netbiosHighBitFlag != 0 {
		length += netbiosHighBitLength
	}

	buf, err := p.Allocate(netbiosHeaderSize + int(length) + extraOverhead)
	if err != nil {
		return nil, err
	}
	buf.Data = buf.Data[:netbiosHeaderSize+int(length)]
	copy(buf.Data[:netbiosHeaderSize], hdr[:])

	if length > 0 {
		if _, err := io.ReadFull(r, buf.Data[netbiosHeaderSize:]); err != nil {
			buf.Release()
			return nil, wrapBodyReadErr(err)
		}
	}

	return &Frame{Kind: kind, Buffer: buf}, nil
}

// EncodeNetBIOS writes payload framed as a NetBIOS MESSAGE to w, setting the
// high-length bit when payload exceeds 64KiB.
func EncodeNetBIOS(w io.Writer, p *pool.Pool, payload []byte) error {
	return encodeNBShaped(w, p, NetBIOSMessage, payload)
}

// EncodeDirectSMB writes payload framed for the direct-TCP variant.
func EncodeDirectSMB(w io.Writer, p *pool.Pool, payload []byte) error {
	return encodeNBShaped(w, p, NetBIOSMessage, payload)
}

func encodeNBShaped(w io.Writer, p *pool.Pool, msgType byte, payload []byte) error {
	total := netbiosHeaderSize + len(payload)
	buf, err := p.Allocate(total)
	if err != nil {
		return err
	}
	defer buf.Release()

	length := uint32(len(payload))
	buf.Data[0] = msgType
	if length > netbiosLowMask {
		buf.Data[1] = netbiosHighBitFlag
	} else {
		buf.Data[1] = 0
	}
	buf.Data[2] = byte((length & netbiosLowMask) >> 8)
	buf.Data[3] = byte(length & 0xFF)
	copy(buf.Data[netbiosHeaderSize:], payload)

	if _, err := w.Write(buf.Data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// ONC-RPC record marking (RFC 5531)
// ---------------------------------------------------------------------------

const rpcFragmentHeaderSize = 4
const rpcLastFragmentBit uint32 = 0x80000000
const rpcLengthMask uint32 = 0x7FFFFFFF

// DecodeRPCRecord reads one or more RPC record-marking fragments from r and
// returns the concatenated payload. Fails with ErrFragmentTooLarge if the
// accumulated payload would exceed p's over-sized ceiling, checked before
// each fragment is read, so an oversized claimed length never triggers an
// allocation before it is rejected.
func DecodeRPCRecord(r io.Reader, p *pool.Pool) (*pool.Buffer, error) {
	var acc *pool.Buffer
	accLen := 0

	for {
		var hdr [rpcFragmentHeaderSize]byte
		if _, err := io.ReadFull(r, hdr[:]); err != nil {
			if acc != nil {
				acc.Release()
				return nil, wrapBodyReadErr(err)
			}
			return nil, wrapHeaderReadErr(err)
		}
		raw := binary.BigEndian.Uint32(hdr[:])
		isLast := raw&rpcLastFragmentBit != 0
		fragLen := int(raw & rpcLengthMask)

		newLen := accLen + fragLen
		if newLen > p.MaxOverSized() {
			if acc != nil {
				acc.Release()
			}
			return nil, fileerrors.ErrFragmentTooLarge
		}

		next, err := p.Allocate(newLen)
		if err != nil {
			if acc != nil {
				acc.Release()
			}
			return nil, err
		}
		if acc != nil {
			copy(next.Data, acc.Data[:accLen])
			acc.Release()
		}
		if fragLen > 0 {
			if _, err := io.ReadFull(r, next.Data[accLen:newLen]); err != nil {
				next.Release()
				return nil, wrapBodyReadErr(err)
			}
		}
		acc = next
		accLen = newLen

		if isLast {
			acc.Data = acc.Data[:accLen]
			return acc, nil
		}
	}
}

// EncodeRPCRecord writes payload as a single RPC record fragment with the
// last-fragment bit set.
func EncodeRPCRecord(w io.Writer, p *pool.Pool, payload []byte) error {
	total := rpcFragmentHeaderSize + len(payload)
	buf, err := p.Allocate(total)
	if err != nil {
		return err
	}
	defer buf.Release()

	header := rpcLastFragmentBit | (uint32(len(payload)) & rpcLengthMask)
	binary.BigEndian.PutUint32(buf.Data[:rpcFragmentHeaderSize], header)
	copy(buf.Data[rpcFragmentHeaderSize:], payload)

	if _, err := w.Write(buf.Data); err != nil {
		return fmt.Errorf("write RPC fragment: %w", err)
	}
	return nil
}
