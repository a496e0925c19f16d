package mount

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/rpc/xdr"
)

func encodeCall(xid, version, procedure uint32, body []byte) []byte {
	w := xdr.NewWriter()
	w.PutUint32(xid)
	w.PutUint32(xdr.MsgTypeCall)
	w.PutUint32(2)
	w.PutUint32(Program)
	w.PutUint32(version)
	w.PutUint32(procedure)
	w.PutUint32(0)
	w.PutUint32(0)
	w.PutUint32(0)
	w.PutUint32(0)
	return append(w.Bytes(), body...)
}

func encodePathArg(path string) []byte {
	w := xdr.NewWriter()
	w.PutString(path)
	return w.Bytes()
}

func readAcceptedBody(t *testing.T, reply []byte) *xdr.Reader {
	t.Helper()
	r := xdr.NewReader(reply)
	r.Uint32() // xid
	r.Uint32() // msg type
	r.Uint32() // reply stat
	r.Uint32() // verifier flavor
	r.Uint32() // verifier length
	accept := r.Uint32()
	require.Equal(t, xdr.AcceptSuccess, accept)
	return r
}

func TestMntSuccessReturnsHandleAndAuthFlavours(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/export"}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg("/export")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusOK, r.Uint32())
	handle := r.Opaque(32)
	assert.Equal(t, FileHandle("/export")[:], handle)
	assert.Equal(t, uint32(2), r.Uint32())
	assert.Equal(t, AuthNone, r.Uint32())
	assert.Equal(t, AuthSys, r.Uint32())

	mounts := reg.ListMounts()
	require.Len(t, mounts, 1)
	assert.Equal(t, "client1", mounts[0].clientHost)
}

func TestMntSubdirectoryMountsResolvedDirectory(t *testing.T) {
	share := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(share, "sub"), 0o755))

	reg := NewRegistry([]Export{{Path: share}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg(share+"/sub")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusOK, r.Uint32())
	handle := r.Opaque(32)
	want := SubdirectoryHandle(share, filepath.Join(share, "sub"))
	assert.Equal(t, want[:], handle)
	assert.NotEqual(t, FileHandle(share)[:], handle, "subdirectory handle must differ from the share-root handle")

	mounts := reg.ListMounts()
	require.Len(t, mounts, 1)
	assert.Equal(t, share+"/sub", mounts[0].directory)
}

func TestMntSubdirectoryNotFoundFails(t *testing.T) {
	share := t.TempDir()
	reg := NewRegistry([]Export{{Path: share}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg(share+"/missing")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusNoEnt, r.Uint32())
}

func TestMntSubdirectoryThatIsAFileFailsWithNotDir(t *testing.T) {
	share := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(share, "afile"), []byte("x"), 0o644))

	reg := NewRegistry([]Export{{Path: share}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg(share+"/afile")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusNotDir, r.Uint32())
}

func TestMntUnknownExportFails(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/export"}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg("/nope")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusNoEnt, r.Uint32())
}

func TestMntAccessControlDenies(t *testing.T) {
	_, allowed, err := net.ParseCIDR("10.0.0.0/24")
	require.NoError(t, err)
	reg := NewRegistry([]Export{{Path: "/export", AllowedClients: []*net.IPNet{allowed}}})
	s := NewServer(reg)

	reply, err := s.Handle("client9", net.ParseIP("192.168.1.5"), encodeCall(1, Version3, ProcMnt, encodePathArg("/export")))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.Equal(t, StatusAccess, r.Uint32())
}

func TestUmntRemovesMountAndAlwaysSucceeds(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/export"}})
	s := NewServer(reg)

	_, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg("/export")))
	require.NoError(t, err)
	require.Len(t, reg.ListMounts(), 1)

	reply, err := s.Handle("client1", nil, encodeCall(2, Version3, ProcUmnt, encodePathArg("/export")))
	require.NoError(t, err)
	readAcceptedBody(t, reply)
	assert.Empty(t, reg.ListMounts())

	// Unmounting again is still accepted, per RFC 1813.
	reply, err = s.Handle("client1", nil, encodeCall(3, Version3, ProcUmnt, encodePathArg("/export")))
	require.NoError(t, err)
	readAcceptedBody(t, reply)
}

func TestUmntAllRemovesEveryMountForClient(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/a"}, {Path: "/b"}})
	s := NewServer(reg)

	_, err := s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(1, Version3, ProcMnt, encodePathArg("/a")))
	require.NoError(t, err)
	_, err = s.Handle("client1", net.ParseIP("10.0.0.5"), encodeCall(2, Version3, ProcMnt, encodePathArg("/b")))
	require.NoError(t, err)

	reply, err := s.Handle("client1", nil, encodeCall(3, Version3, ProcUmntAll, nil))
	require.NoError(t, err)
	readAcceptedBody(t, reply)

	assert.Empty(t, reg.ListMounts())
}

func TestMntUnsupportedProcedureDispatchesNoReply(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/export"}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", nil, encodeCall(1, Version3, 99, nil))
	assert.Nil(t, reply)
	require.ErrorIs(t, err, fileerrors.ErrProcedureUnsupported)
}

func TestExportAllListsConfiguredExports(t *testing.T) {
	reg := NewRegistry([]Export{{Path: "/a"}, {Path: "/b"}})
	s := NewServer(reg)

	reply, err := s.Handle("client1", nil, encodeCall(1, Version3, ProcExportAll, nil))
	require.NoError(t, err)

	r := readAcceptedBody(t, reply)
	assert.True(t, r.Bool())
	assert.Equal(t, "/a", r.String())
	assert.False(t, r.Bool()) // no groups
	assert.True(t, r.Bool())
	assert.Equal(t, "/b", r.String())
	assert.False(t, r.Bool())
	assert.False(t, r.Bool()) // end of list
}
