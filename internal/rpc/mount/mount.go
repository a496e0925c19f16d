// Package mount implements the MOUNT service: program 100005, versions
// 1-3, procedures NULL, MNT, DUMP, UMNT, UMNTALL, EXPORT, and EXPORTALL,
// including access control against the exported share list, 32-byte file
// handle packing, and the v3 auth-flavour list in a successful MNT
// response.
package mount

import (
	"crypto/sha256"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
	"github.com/coreshare/fileserver/internal/rpc/xdr"
)

// procedureNames labels each procedure number for metrics.
var procedureNames = map[uint32]string{
	ProcNull:      "null",
	ProcMnt:       "mnt",
	ProcDump:      "dump",
	ProcUmnt:      "umnt",
	ProcUmntAll:   "umntall",
	ProcExport:    "export",
	ProcExportAll: "exportall",
}

func procedureName(proc uint32) string {
	if name, ok := procedureNames[proc]; ok {
		return name
	}
	return strconv.FormatUint(uint64(proc), 10)
}

// Program and procedure numbers (RFC 1813 appendix I).
const (
	Program uint32 = 100005

	Version1 uint32 = 1
	Version2 uint32 = 2
	Version3 uint32 = 3

	ProcNull      uint32 = 0
	ProcMnt       uint32 = 1
	ProcDump      uint32 = 2
	ProcUmnt      uint32 = 3
	ProcUmntAll   uint32 = 4
	ProcExport    uint32 = 5
	ProcExportAll uint32 = 6
)

// Status codes (a subset of Unix errno values, per RFC 1813 appendix I).
const (
	StatusOK           uint32 = 0
	StatusPerm         uint32 = 1
	StatusNoEnt        uint32 = 2
	StatusIO           uint32 = 5
	StatusAccess       uint32 = 13
	StatusNotDir       uint32 = 20
	StatusInval        uint32 = 22
	StatusNameTooLong  uint32 = 63
	StatusNotSupp      uint32 = 10004
	StatusServerFault  uint32 = 10006
)

// Auth flavour values advertised in a successful v3 MNT reply.
const (
	AuthNone uint32 = 0
	AuthSys  uint32 = 1
)

// Export describes one share exposed over MOUNT. AllowedClients, if
// non-empty, restricts which client networks may mount the export; an
// empty list means any client may mount it.
type Export struct {
	Path           string
	AllowedClients []*net.IPNet
}

func (e Export) allows(clientIP net.IP) bool {
	if len(e.AllowedClients) == 0 {
		return true
	}
	for _, n := range e.AllowedClients {
		if n.Contains(clientIP) {
			return true
		}
	}
	return false
}

// mountEntry records one client's active mount, for DUMP.
type mountEntry struct {
	clientHost string
	directory  string
}

// Registry tracks the static export list and the live mount table.
type Registry struct {
	exports []Export

	mu     sync.Mutex
	active []mountEntry
}

// NewRegistry creates a Registry exporting exports.
func NewRegistry(exports []Export) *Registry {
	return &Registry{exports: exports}
}

// resolveExport finds the export whose share path is a prefix of path,
// returning the export and the remainder of path beneath it ("" for a
// share-root mount). When more than one export's path is a prefix, the
// longest (most specific) one wins.
func (r *Registry) resolveExport(path string) (export Export, extra string, ok bool) {
	bestLen := -1
	for _, e := range r.exports {
		if path == e.Path {
			if len(e.Path) > bestLen {
				export, extra, ok, bestLen = e, "", true, len(e.Path)
			}
			continue
		}
		if strings.HasPrefix(path, e.Path+"/") {
			if len(e.Path) > bestLen {
				export, extra, ok, bestLen = e, strings.TrimPrefix(path, e.Path+"/"), true, len(e.Path)
			}
		}
	}
	return export, extra, ok
}

func (r *Registry) recordMount(clientHost, directory string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = append(r.active, mountEntry{clientHost: clientHost, directory: directory})
}

// RemoveMount removes the entry for (clientHost, directory), reporting
// whether one existed.
func (r *Registry) RemoveMount(clientHost, directory string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range r.active {
		if e.clientHost == clientHost && e.directory == directory {
			r.active = append(r.active[:i], r.active[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveAllMounts removes every mount entry for clientHost, returning the
// count removed.
func (r *Registry) RemoveAllMounts(clientHost string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.active[:0]
	removed := 0
	for _, e := range r.active {
		if e.clientHost == clientHost {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	r.active = kept
	return removed
}

// ListMounts returns a snapshot of active mounts, for DUMP.
func (r *Registry) ListMounts() []mountEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]mountEntry, len(r.active))
	copy(out, r.active)
	return out
}

// FileHandle packs a share-root mount into a 32-byte handle: a SHA-256
// digest of the share path, stable across calls for the same path so
// repeated MNTs of the same export are idempotent for the client.
func FileHandle(sharePath string) [32]byte {
	return sha256.Sum256([]byte(sharePath))
}

// SubdirectoryHandle packs a mount of a directory beneath an export's root
// into a 32-byte handle: the first 16 bytes are the share-id, a SHA-256
// digest of the share path truncated to 16 bytes; the last 16 are the
// file-id, a SHA-256 digest of the fully resolved on-disk path truncated
// to 16 bytes. Keying the two halves separately means two different
// shares can never collide on file-id alone.
func SubdirectoryHandle(sharePath, diskPath string) [32]byte {
	shareID := sha256.Sum256([]byte(sharePath))
	fileID := sha256.Sum256([]byte(diskPath))
	var handle [32]byte
	copy(handle[:16], shareID[:16])
	copy(handle[16:], fileID[:16])
	return handle
}

// Server dispatches decoded MOUNT RPC calls against a Registry.
type Server struct {
	registry *Registry
	metrics  *metrics.Metrics
}

// NewServer creates a Server backed by registry.
func NewServer(registry *Registry) *Server {
	return &Server{registry: registry}
}

// SetMetrics wires m into the server's per-RPC counters; nil is valid and
// turns every recording back into a no-op.
func (s *Server) SetMetrics(m *metrics.Metrics) {
	s.metrics = m
}

// Handle decodes one RPC call payload and returns the encoded reply.
// clientHost identifies the calling client (its address, used for mount
// bookkeeping) and clientIP its parsed form, used for access control via
// Export.AllowedClients matching.
func (s *Server) Handle(clientHost string, clientIP net.IP, payload []byte) ([]byte, error) {
	start := time.Now()
	call, body, err := xdr.DecodeCallHeader(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.metrics.RecordRPCRequest("mount", procedureName(call.Procedure), time.Since(start).Seconds())
	}()
	if call.Program != Program {
		return nil, fileerrors.ErrProgramUnavailable
	}
	if call.Version < Version1 || call.Version > Version3 {
		return xdr.EncodeProgramMismatchReply(call.XID, Version1, Version3), nil
	}

	switch call.Procedure {
	case ProcNull:
		return xdr.EncodeAcceptedReply(call.XID, xdr.AcceptSuccess, nil), nil
	case ProcMnt:
		return s.handleMnt(call.XID, call.Version, clientHost, clientIP, body), nil
	case ProcDump:
		return s.handleDump(call.XID), nil
	case ProcUmnt:
		return s.handleUmnt(call.XID, clientHost, body), nil
	case ProcUmntAll:
		return s.handleUmntAll(call.XID, clientHost), nil
	case ProcExport, ProcExportAll:
		return s.handleExport(call.XID), nil
	default:
		logger.Debug("mount: unsupported procedure, no response dispatched", "proc", call.Procedure)
		return nil, fileerrors.ErrProcedureUnsupported
	}
}

// handleMnt parses path as /<share>[/extra], resolves the share against
// the registry, and for a subdirectory mount stats /extra on disk to
// confirm it exists and is a directory before packing a handle for it.
func (s *Server) handleMnt(xid, version uint32, clientHost string, clientIP net.IP, body []byte) []byte {
	path := xdr.NewReader(body).String()

	export, diskPath, err := s.resolveMountPath(path)
	if err != nil {
		if errors.Is(err, fileerrors.ErrPathNotDirectory) {
			return mntStatusReply(xid, StatusNotDir)
		}
		return mntStatusReply(xid, StatusNoEnt)
	}
	if !export.allows(clientIP) {
		return mntStatusReply(xid, StatusAccess)
	}

	var handle [32]byte
	if diskPath == export.Path {
		handle = FileHandle(export.Path)
	} else {
		handle = SubdirectoryHandle(export.Path, diskPath)
	}
	s.registry.recordMount(clientHost, path)

	w := xdr.NewWriter()
	w.PutUint32(StatusOK)
	w.PutOpaque(handle[:])
	if version == Version3 {
		w.PutUint32(2) // auth flavours list length
		w.PutUint32(AuthNone)
		w.PutUint32(AuthSys)
	}
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

// resolveMountPath resolves path to its export and, for a subdirectory
// mount, the fully joined on-disk path of the requested subdirectory.
// Returns fileerrors.ErrPathNotFound if no export matches or the on-disk
// subpath doesn't exist, fileerrors.ErrPathNotDirectory if it exists but
// isn't a directory. For a share-root mount the returned diskPath equals
// export.Path and no stat is performed.
func (s *Server) resolveMountPath(path string) (export Export, diskPath string, err error) {
	export, extra, ok := s.registry.resolveExport(path)
	if !ok {
		return Export{}, "", fileerrors.ErrPathNotFound
	}
	if extra == "" {
		return export, export.Path, nil
	}

	diskPath = filepath.Join(export.Path, filepath.FromSlash(extra))
	info, statErr := os.Stat(diskPath)
	if statErr != nil {
		return Export{}, "", fileerrors.ErrPathNotFound
	}
	if !info.IsDir() {
		return Export{}, "", fileerrors.ErrPathNotDirectory
	}
	return export, diskPath, nil
}

func mntStatusReply(xid, status uint32) []byte {
	w := xdr.NewWriter()
	w.PutUint32(status)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

func (s *Server) handleDump(xid uint32) []byte {
	entries := s.registry.ListMounts()
	w := xdr.NewWriter()
	for _, e := range entries {
		w.PutBool(true)
		w.PutString(e.clientHost)
		w.PutString(e.directory)
	}
	w.PutBool(false)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

func (s *Server) handleUmnt(xid uint32, clientHost string, body []byte) []byte {
	path := xdr.NewReader(body).String()
	s.registry.RemoveMount(clientHost, path)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, nil)
}

func (s *Server) handleUmntAll(xid uint32, clientHost string) []byte {
	s.registry.RemoveAllMounts(clientHost)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, nil)
}

// handleExport serves both EXPORT and EXPORTALL identically: the static
// export list is server-wide, with no distinction between the two
// procedures' output here (no per-group access-list breakdown is modeled
// beyond Export.AllowedClients).
func (s *Server) handleExport(xid uint32) []byte {
	w := xdr.NewWriter()
	for _, e := range s.registry.exports {
		w.PutBool(true)
		w.PutString(e.Path)
		w.PutBool(false) // no group list entries modeled
	}
	w.PutBool(false)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}
