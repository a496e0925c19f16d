// Package xdr provides the small set of ONC-RPC XDR (RFC 4506) primitives
// the portmap and MOUNT glue needs directly: call/reply headers, opaque
// fixed-length handles, strings, and linked-list-of-optional-entries
// encoding. For request bodies that map cleanly onto a fixed-field Go struct
// (portmap's four-uint32 mapping argument) the caller uses
// github.com/rasky/go-xdr's reflection-based Unmarshal instead, splitting
// hand-rolled encoding from reflection-based body decoding depending on
// which shape a given message actually has.
package xdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Writer accumulates XDR-encoded output into an in-memory buffer.
type Writer struct {
	buf bytes.Buffer
}

// NewWriter creates an empty Writer.
func NewWriter() *Writer { return &Writer{} }

// Bytes returns the encoded output so far.
func (w *Writer) Bytes() []byte { return w.buf.Bytes() }

// PutUint32 appends a 4-byte big-endian unsigned integer.
func (w *Writer) PutUint32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf.Write(b[:])
}

// PutUint64 appends an 8-byte big-endian unsigned integer.
func (w *Writer) PutUint64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf.Write(b[:])
}

// PutBool appends a 4-byte XDR boolean.
func (w *Writer) PutBool(v bool) {
	if v {
		w.PutUint32(1)
	} else {
		w.PutUint32(0)
	}
}

// PutOpaque appends fixed-length opaque data with no length prefix, padded
// to a 4-byte boundary (XDR fixed-length opaque, RFC 4506 §4.9).
func (w *Writer) PutOpaque(data []byte) {
	w.buf.Write(data)
	w.pad(len(data))
}

// PutVarOpaque appends variable-length opaque data: a uint32 length prefix
// followed by the data, padded to a 4-byte boundary (RFC 4506 §4.10).
func (w *Writer) PutVarOpaque(data []byte) {
	w.PutUint32(uint32(len(data)))
	w.buf.Write(data)
	w.pad(len(data))
}

// PutString appends an XDR string: a uint32 length prefix, the bytes, and
// padding to a 4-byte boundary (RFC 4506 §4.11).
func (w *Writer) PutString(s string) {
	w.PutVarOpaque([]byte(s))
}

func (w *Writer) pad(n int) {
	if rem := n % 4; rem != 0 {
		w.buf.Write(make([]byte, 4-rem))
	}
}

// Reader decodes XDR-encoded input from an in-memory buffer.
type Reader struct {
	data []byte
	pos  int
	err  error
}

// NewReader wraps data for sequential XDR decoding.
func NewReader(data []byte) *Reader { return &Reader{data: data} }

// Err returns the first error encountered, if any.
func (r *Reader) Err() error { return r.err }

func (r *Reader) need(n int) ([]byte, bool) {
	if r.err != nil {
		return nil, false
	}
	if r.pos+n > len(r.data) {
		r.err = fmt.Errorf("xdr: unexpected end of input reading %d bytes at offset %d", n, r.pos)
		return nil, false
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, true
}

// Uint32 decodes a 4-byte big-endian unsigned integer.
func (r *Reader) Uint32() uint32 {
	b, ok := r.need(4)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

// Uint64 decodes an 8-byte big-endian unsigned integer.
func (r *Reader) Uint64() uint64 {
	b, ok := r.need(8)
	if !ok {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

// Bool decodes a 4-byte XDR boolean.
func (r *Reader) Bool() bool {
	return r.Uint32() != 0
}

// Opaque decodes n bytes of fixed-length opaque data, consuming padding to
// the next 4-byte boundary.
func (r *Reader) Opaque(n int) []byte {
	b, ok := r.need(n)
	if !ok {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	r.skipPad(n)
	return out
}

// VarOpaque decodes a length-prefixed opaque blob.
func (r *Reader) VarOpaque() []byte {
	n := int(r.Uint32())
	return r.Opaque(n)
}

// String decodes an XDR string.
func (r *Reader) String() string {
	return string(r.VarOpaque())
}

func (r *Reader) skipPad(n int) {
	if rem := n % 4; rem != 0 {
		r.need(4 - rem)
	}
}

// CallHeader is the header of an ONC-RPC call message (RFC 5531 §9): the
// fixed fields plus the credential and verifier flavours and their
// variable-length opaque bodies.
type CallHeader struct {
	XID          uint32
	MsgType      uint32 // always 0 (CALL) on decode
	RPCVersion   uint32 // always 2
	Program      uint32
	Version      uint32
	Procedure    uint32
	CredFlavor   uint32
	CredBody     []byte
	VerifFlavor  uint32
	VerifBody    []byte
}

const (
	MsgTypeCall  uint32 = 0
	MsgTypeReply uint32 = 1

	ReplyAccepted uint32 = 0
	ReplyDenied   uint32 = 1

	AcceptSuccess       uint32 = 0
	AcceptProgUnavail   uint32 = 1
	AcceptProgMismatch  uint32 = 2
	AcceptProcUnavail   uint32 = 3
	AcceptGarbageArgs   uint32 = 4
	AcceptSystemErr     uint32 = 5
)

// DecodeCallHeader parses the fixed call header plus both auth bodies from
// the front of an RPC message.
func DecodeCallHeader(data []byte) (*CallHeader, []byte, error) {
	r := NewReader(data)
	h := &CallHeader{
		XID:        r.Uint32(),
		MsgType:    r.Uint32(),
		RPCVersion: r.Uint32(),
		Program:    r.Uint32(),
		Version:    r.Uint32(),
		Procedure:  r.Uint32(),
	}
	h.CredFlavor = r.Uint32()
	h.CredBody = r.VarOpaque()
	h.VerifFlavor = r.Uint32()
	h.VerifBody = r.VarOpaque()
	if r.Err() != nil {
		return nil, nil, r.Err()
	}
	return h, r.data[r.pos:], nil
}

// EncodeAcceptedReply writes a successful (or accept-error) reply header
// for xid, followed by body.
func EncodeAcceptedReply(xid uint32, acceptStatus uint32, body []byte) []byte {
	w := NewWriter()
	w.PutUint32(xid)
	w.PutUint32(MsgTypeReply)
	w.PutUint32(ReplyAccepted)
	w.PutUint32(0) // verifier flavor: AUTH_NONE
	w.PutUint32(0) // verifier length
	w.PutUint32(acceptStatus)
	w.buf.Write(body)
	return w.Bytes()
}

// EncodeProgramMismatchReply writes the PROG_MISMATCH accepted-reply shape,
// which carries the supported version range instead of a body.
func EncodeProgramMismatchReply(xid, low, high uint32) []byte {
	w := NewWriter()
	w.PutUint32(xid)
	w.PutUint32(MsgTypeReply)
	w.PutUint32(ReplyAccepted)
	w.PutUint32(0)
	w.PutUint32(0)
	w.PutUint32(AcceptProgMismatch)
	w.PutUint32(low)
	w.PutUint32(high)
	return w.Bytes()
}

// DrainAll reads r fully, for tests feeding an io.Reader instead of a byte
// slice directly into NewReader.
func DrainAll(r io.Reader) ([]byte, error) {
	return io.ReadAll(r)
}
