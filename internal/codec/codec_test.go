package codec

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/pool"
)

func TestNetBIOSRoundTrip(t *testing.T) {
	p := pool.New(pool.DefaultConfig())

	sizes := []int{0, 1, 100, 65535, 65536, 131071}
	for _, n := range sizes {
		payload := bytes.Repeat([]byte{0xAB}, n)

		var buf bytes.Buffer
		require.NoError(t, EncodeNetBIOS(&buf, p, payload))

		frame, err := DecodeNetBIOS(&buf, p, 0)
		require.NoError(t, err)
		defer frame.Release()

		assert.False(t, frame.KeepAlive)
		assert.Equal(t, payload, frame.Payload()[4:])
	}
}

func TestNetBIOSHighBitSetAbove64K(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	payload := bytes.Repeat([]byte{1}, 70000)

	var buf bytes.Buffer
	require.NoError(t, EncodeNetBIOS(&buf, p, payload))

	header := buf.Bytes()[:4]
	assert.NotZero(t, header[1]&netbiosHighBitFlag)
}

func TestNetBIOSKeepAliveYieldsNoPayload(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	buf.Write([]byte{NetBIOSKeepAlive, 0, 0, 0})

	frame, err := DecodeNetBIOS(&buf, p, 0)
	require.NoError(t, err)
	assert.True(t, frame.KeepAlive)
	assert.Nil(t, frame.Payload())
}

func TestNetBIOSZeroByteReadIsPeerClosed(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	_, err := DecodeNetBIOS(bytes.NewReader(nil), p, 0)
	require.ErrorIs(t, err, fileerrors.ErrPeerClosed)
}

func TestDirectSMBAlwaysMessage(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	require.NoError(t, EncodeDirectSMB(&buf, p, []byte("hello")))

	frame, err := DecodeDirectSMB(&buf, p, 0)
	require.NoError(t, err)
	defer frame.Release()
	assert.Equal(t, []byte("hello"), frame.Payload()[4:])
}

func TestDirectSMBRejectsNonMessageType(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	buf.Write([]byte{NetBIOSKeepAlive, 0, 0, 0})

	_, err := DecodeDirectSMB(&buf, p, 0)
	require.ErrorIs(t, err, fileerrors.ErrFramingError)
}

func TestNetBIOSTruncatedHeaderIsFramingError(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	_, err := DecodeNetBIOS(bytes.NewReader([]byte{0x00, 0x00}), p, 0)
	require.ErrorIs(t, err, fileerrors.ErrFramingError)
}

func TestNetBIOSTruncatedBodyIsFramingError(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	require.NoError(t, EncodeNetBIOS(&buf, p, []byte("hello world")))

	truncated := bytes.NewReader(buf.Bytes()[:4+3])
	_, err := DecodeNetBIOS(truncated, p, 0)
	require.ErrorIs(t, err, fileerrors.ErrFramingError)
}

func TestRPCRecordTruncatedFragmentIsFramingError(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	writeFragment(&buf, []byte("rpc call body"), true)

	truncated := bytes.NewReader(buf.Bytes()[:4+3])
	_, err := DecodeRPCRecord(truncated, p)
	require.ErrorIs(t, err, fileerrors.ErrFramingError)
}

func TestRPCRecordTruncatedBetweenFragmentsIsFramingError(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	var buf bytes.Buffer
	writeFragment(&buf, bytes.Repeat([]byte{1}, 16), false)

	_, err := DecodeRPCRecord(&buf, p)
	require.ErrorIs(t, err, fileerrors.ErrFramingError)
}

func TestRPCRecordSingleFragment(t *testing.T) {
	p := pool.New(pool.DefaultConfig())
	payload := []byte("rpc call body")

	var buf bytes.Buffer
	require.NoError(t, EncodeRPCRecord(&buf, p, payload))

	out, err := DecodeRPCRecord(&buf, p)
	require.NoError(t, err)
	defer out.Release()
	assert.Equal(t, payload, out.Data)
}

func TestRPCRecordMultiFragmentReassembly(t *testing.T) {
	p := pool.New(pool.DefaultConfig())

	frag1 := bytes.Repeat([]byte{1}, 4096)
	frag2 := bytes.Repeat([]byte{2}, 2048)

	var buf bytes.Buffer
	writeFragment(&buf, frag1, false)
	writeFragment(&buf, frag2, true)

	out, err := DecodeRPCRecord(&buf, p)
	require.NoError(t, err)
	defer out.Release()

	require.Len(t, out.Data, len(frag1)+len(frag2))
	assert.Equal(t, frag1, out.Data[:len(frag1)])
	assert.Equal(t, frag2, out.Data[len(frag1):])
}

func TestRPCRecordTooLarge(t *testing.T) {
	cfg := pool.DefaultConfig()
	cfg.MaxOverSized = 1024
	p := pool.New(cfg)

	var buf bytes.Buffer
	writeFragment(&buf, make([]byte, 2048), true)

	_, err := DecodeRPCRecord(&buf, p)
	require.ErrorIs(t, err, fileerrors.ErrFragmentTooLarge)
}

func writeFragment(w io.Writer, payload []byte, last bool) {
	var hdr [4]byte
	v := uint32(len(payload))
	if last {
		v |= rpcLastFragmentBit
	}
	binary.BigEndian.PutUint32(hdr[:], v)
	w.Write(hdr[:])
	w.Write(payload)
}
