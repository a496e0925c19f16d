package portmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/rpc/xdr"
)

func TestRegistrySetGetUnset(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 0}))
	assert.True(t, r.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049}))

	assert.Equal(t, uint32(2049), r.Getport(100003, 3, ProtoTCP))
	assert.Equal(t, uint32(0), r.Getport(100003, 4, ProtoTCP))

	assert.True(t, r.Unset(100003, 3, ProtoTCP))
	assert.False(t, r.Unset(100003, 3, ProtoTCP))
}

func TestRegistryDumpIsSorted(t *testing.T) {
	r := NewRegistry()
	r.Set(Mapping{Program: 100005, Version: 3, Protocol: ProtoTCP, Port: 20048})
	r.Set(Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049})
	r.Set(Mapping{Program: 100003, Version: 4, Protocol: ProtoTCP, Port: 2049})

	dump := r.Dump()
	require.Len(t, dump, 3)
	assert.Equal(t, uint32(100003), dump[0].Program)
	assert.Equal(t, uint32(3), dump[0].Version)
	assert.Equal(t, uint32(100003), dump[1].Program)
	assert.Equal(t, uint32(4), dump[1].Version)
	assert.Equal(t, uint32(100005), dump[2].Program)
}

func encodeCall(xid, program, version, procedure uint32, body []byte) []byte {
	w := xdr.NewWriter()
	w.PutUint32(xid)
	w.PutUint32(xdr.MsgTypeCall)
	w.PutUint32(2) // RPC version
	w.PutUint32(program)
	w.PutUint32(version)
	w.PutUint32(procedure)
	w.PutUint32(0) // AUTH_NONE
	w.PutUint32(0) // cred body length
	w.PutUint32(0) // AUTH_NONE
	w.PutUint32(0) // verifier body length
	out := w.Bytes()
	return append(out, body...)
}

func TestServerNullSucceeds(t *testing.T) {
	s := NewServer(NewRegistry())
	reply, err := s.Handle(encodeCall(42, Program, Version2, ProcNull, nil))
	require.NoError(t, err)

	r := xdr.NewReader(reply)
	assert.Equal(t, uint32(42), r.Uint32())
	assert.Equal(t, xdr.MsgTypeReply, r.Uint32())
	assert.Equal(t, xdr.ReplyAccepted, r.Uint32())
}

func TestServerSetThenGetport(t *testing.T) {
	s := NewServer(NewRegistry())

	mappingBody := xdr.NewWriter()
	mappingBody.PutUint32(100003)
	mappingBody.PutUint32(3)
	mappingBody.PutUint32(ProtoTCP)
	mappingBody.PutUint32(2049)

	_, err := s.Handle(encodeCall(1, Program, Version2, ProcSet, mappingBody.Bytes()))
	require.NoError(t, err)

	reply, err := s.Handle(encodeCall(2, Program, Version2, ProcGetport, mappingBody.Bytes()))
	require.NoError(t, err)

	r := xdr.NewReader(reply)
	r.Uint32() // xid
	r.Uint32() // msg type
	r.Uint32() // reply stat
	r.Uint32() // verifier flavor
	r.Uint32() // verifier length
	r.Uint32() // accept stat
	assert.Equal(t, uint32(2049), r.Uint32())
}

func TestServerUnsupportedProcedureDispatchesNoReply(t *testing.T) {
	s := NewServer(NewRegistry())
	reply, err := s.Handle(encodeCall(9, Program, Version2, 99, nil))
	assert.Nil(t, reply)
	require.ErrorIs(t, err, fileerrors.ErrProcedureUnsupported)
}

func TestServerVersionMismatch(t *testing.T) {
	s := NewServer(NewRegistry())
	reply, err := s.Handle(encodeCall(7, Program, 99, ProcNull, nil))
	require.NoError(t, err)

	r := xdr.NewReader(reply)
	r.Uint32() // xid
	r.Uint32() // msg type
	r.Uint32() // reply stat
	r.Uint32() // verifier flavor
	r.Uint32() // verifier length
	assert.Equal(t, xdr.AcceptProgMismatch, r.Uint32())
}
