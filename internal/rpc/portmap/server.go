package portmap

import (
	"bytes"
	"strconv"
	"time"

	rxdr "github.com/rasky/go-xdr/xdr2"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
	"github.com/coreshare/fileserver/internal/rpc/xdr"
)

// procedureNames labels each procedure number for metrics.
var procedureNames = map[uint32]string{
	ProcNull:    "null",
	ProcSet:     "set",
	ProcUnset:   "unset",
	ProcGetport: "getport",
	ProcDump:    "dump",
}

func procedureName(proc uint32) string {
	if name, ok := procedureNames[proc]; ok {
		return name
	}
	return strconv.FormatUint(uint64(proc), 10)
}

// Server dispatches decoded ONC-RPC call payloads against a Registry,
// implementing the Program Version2 procedures. Its Handle method differs
// from netserver.Dispatch only in taking no *netserver.Session, since
// portmap registration is server-global, not per-connection; callers wrap
// it in a Dispatch closure.
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
func (s *Server) Handle(payload []byte) ([]byte, error) {
	start := time.Now()
	call, body, err := xdr.DecodeCallHeader(payload)
	if err != nil {
		return nil, err
	}
	defer func() {
		s.metrics.RecordRPCRequest("portmap", procedureName(call.Procedure), time.Since(start).Seconds())
	}()

	if call.Program != Program {
		return nil, fileerrors.ErrProgramUnavailable
	}
	if call.Version != Version2 {
		return xdr.EncodeProgramMismatchReply(call.XID, Version2, Version2), nil
	}

	switch call.Procedure {
	case ProcNull:
		return xdr.EncodeAcceptedReply(call.XID, xdr.AcceptSuccess, nil), nil
	case ProcSet:
		return s.handleSet(call.XID, body), nil
	case ProcUnset:
		return s.handleUnset(call.XID, body), nil
	case ProcGetport:
		return s.handleGetport(call.XID, body), nil
	case ProcDump:
		return s.handleDump(call.XID), nil
	default:
		logger.Debug("portmap: unsupported procedure, no response dispatched", "proc", call.Procedure)
		return nil, fileerrors.ErrProcedureUnsupported
	}
}

// decodeMapping decodes a SET/UNSET/GETPORT argument. Mapping's fields are
// plain uint32s in wire order, so unlike internal/rpc/xdr's hand-rolled
// call-header codec — built for variable-shaped envelope and linked-list
// data — this one hands a struct pointer straight to rasky/go-xdr's
// reflection-based Unmarshal.
func decodeMapping(body []byte) Mapping {
	var m Mapping
	rxdr.Unmarshal(bytes.NewReader(body), &m)
	return m
}

func (s *Server) handleSet(xid uint32, body []byte) []byte {
	m := decodeMapping(body)
	ok := s.registry.Set(m)
	w := xdr.NewWriter()
	w.PutBool(ok)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

func (s *Server) handleUnset(xid uint32, body []byte) []byte {
	m := decodeMapping(body)
	ok := s.registry.Unset(m.Program, m.Version, m.Protocol)
	w := xdr.NewWriter()
	w.PutBool(ok)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

func (s *Server) handleGetport(xid uint32, body []byte) []byte {
	m := decodeMapping(body)
	port := s.registry.Getport(m.Program, m.Version, m.Protocol)
	w := xdr.NewWriter()
	w.PutUint32(port)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}

func (s *Server) handleDump(xid uint32) []byte {
	mappings := s.registry.Dump()
	w := xdr.NewWriter()
	for _, m := range mappings {
		w.PutBool(true)
		w.PutUint32(m.Program)
		w.PutUint32(m.Version)
		w.PutUint32(m.Protocol)
		w.PutUint32(m.Port)
	}
	w.PutBool(false)
	return xdr.EncodeAcceptedReply(xid, xdr.AcceptSuccess, w.Bytes())
}
