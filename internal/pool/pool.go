// Package pool implements a tiered packet buffer pool: fixed-capacity
// tiers back the common case, with an over-sized spill path bounded by a
// configurable ceiling so a single pathological request can't pin
// unbounded memory in the pool.
//
// Built on sync.Pool-backed size-classed tiers, extended with an
// over-sized ceiling, an OutOfPooledMemory counter, and explicit Buffer
// handles that remember their own tier so Release is O(1) and safe against
// returning a buffer to the wrong free-list.
package pool

import (
	"sync"
	"sync/atomic"

	"github.com/coreshare/fileserver/internal/fileerrors"
	"github.com/coreshare/fileserver/internal/logger"
	"github.com/coreshare/fileserver/internal/metrics"
)

// tierNames labels each fixed tier for metrics; index must track p.tiers.
var tierNames = []string{"small", "medium", "large"}

// Default tier capacities.
const (
	DefaultSmallSize  = 4 << 10  // 4KiB: control messages, RPC headers
	DefaultMediumSize = 64 << 10 // 64KiB: directory listings, NetBIOS default ceiling
	DefaultLargeSize  = 1 << 20  // 1MiB: bulk read/write payloads

	// DefaultMaxOverSized bounds allocate() requests that exceed every
	// fixed tier; requests larger than this fail with ErrOutOfPooledMemory.
	DefaultMaxOverSized = 4 << 20 // 4MiB

	// defaultOverSizedFreeListQuota bounds how many over-sized buffers the
	// pool keeps around for reuse; excess releases are simply dropped.
	defaultOverSizedFreeListQuota = 8
)

// Buffer is a leased byte slice plus enough metadata for Release to return
// it to the correct tier (or drop it, for over-sized buffers past quota).
type Buffer struct {
	Data []byte

	pool      *Pool
	tier      int  // index into pool.tiers, or -1 for over-sized
	oversized bool
	released  atomic.Bool // guards against double-release
}

// Release returns the buffer to its pool. Safe to call exactly once; a
// second call is a no-op but is logged, since double-release would
// otherwise let two in-flight readers alias the same backing array: every
// buffer must be either in-flight in exactly one thread or sitting in the
// free-list, never both.
func (b *Buffer) Release() {
	if b == nil || b.pool == nil {
		return
	}
	if !b.released.CompareAndSwap(false, true) {
		logger.Warn("packet buffer double-release ignored", "tier", b.tier, "oversized", b.oversized)
		return
	}
	b.pool.release(b)
}

// Config sets the tier capacities and over-sized ceiling for a custom pool.
type Config struct {
	SmallSize      int
	MediumSize     int
	LargeSize      int
	MaxOverSized   int
	OverSizedQuota int
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		SmallSize:      DefaultSmallSize,
		MediumSize:     DefaultMediumSize,
		LargeSize:      DefaultLargeSize,
		MaxOverSized:   DefaultMaxOverSized,
		OverSizedQuota: defaultOverSizedFreeListQuota,
	}
}

// Pool is a tiered buffer pool. Every exported method is safe for
// concurrent use.
type Pool struct {
	tiers     []int        // ascending capacities
	freeLists []*sync.Pool // one per tier

	maxOverSized   int
	overSizedQuota int

	overSizedMu   sync.Mutex
	overSizedFree [][]byte

	exhaustedCount atomic.Uint64

	metrics *metrics.Metrics
}

// SetMetrics wires m into the pool's Allocate path; nil is valid and turns
// every recording back into a no-op.
func (p *Pool) SetMetrics(m *metrics.Metrics) {
	p.metrics = m
}

// New creates a pool from cfg, filling in defaults for zero fields.
func New(cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.SmallSize <= 0 {
		cfg.SmallSize = def.SmallSize
	}
	if cfg.MediumSize <= 0 {
		cfg.MediumSize = def.MediumSize
	}
	if cfg.LargeSize <= 0 {
		cfg.LargeSize = def.LargeSize
	}
	if cfg.MaxOverSized <= 0 {
		cfg.MaxOverSized = def.MaxOverSized
	}
	if cfg.OverSizedQuota <= 0 {
		cfg.OverSizedQuota = def.OverSizedQuota
	}

	p := &Pool{
		tiers:          []int{cfg.SmallSize, cfg.MediumSize, cfg.LargeSize},
		maxOverSized:   cfg.MaxOverSized,
		overSizedQuota: cfg.OverSizedQuota,
	}
	p.freeLists = make([]*sync.Pool, len(p.tiers))
	for i, size := range p.tiers {
		size := size
		p.freeLists[i] = &sync.Pool{
			New: func() any {
				buf := make([]byte, size)
				return &buf
			},
		}
	}
	return p
}

// Default is the process-wide pool used by callers that don't need a
// dedicated configuration.
var Default = New(DefaultConfig())

// Allocate returns a Buffer of capacity >= minCapacity, drawn from the
// smallest sufficient tier, a fresh tiered buffer, or the over-sized path.
// Returns fileerrors.ErrOutOfPooledMemory if minCapacity exceeds the
// over-sized ceiling.
func (p *Pool) Allocate(minCapacity int) (*Buffer, error) {
	if minCapacity < 0 {
		minCapacity = 0
	}

	for i, tierSize := range p.tiers {
		if minCapacity <= tierSize {
			bufPtr := p.freeLists[i].Get().(*[]byte)
			buf := (*bufPtr)[:minCapacity]
			p.metrics.RecordAllocation(tierNames[i])
			return &Buffer{Data: buf, pool: p, tier: i}, nil
		}
	}

	if minCapacity > p.maxOverSized {
		p.exhaustedCount.Add(1)
		p.metrics.RecordExhausted("oversized")
		logger.Warn("packet pool exhausted: request exceeds over-sized ceiling",
			"requested", minCapacity, "max_over_sized", p.maxOverSized)
		return nil, fileerrors.ErrOutOfPooledMemory
	}

	p.overSizedMu.Lock()
	n := len(p.overSizedFree)
	var data []byte
	if n > 0 {
		last := n - 1
		candidate := p.overSizedFree[last]
		p.overSizedFree = p.overSizedFree[:last]
		if cap(candidate) >= minCapacity {
			data = candidate[:minCapacity]
		}
	}
	p.overSizedMu.Unlock()

	if data == nil {
		data = make([]byte, minCapacity)
	}
	p.metrics.RecordOverSized()
	return &Buffer{Data: data, pool: p, tier: -1, oversized: true}, nil
}

// release returns buf to its tier's free-list, or to the bounded
// over-sized free-list; over-sized buffers past quota are dropped for GC.
func (p *Pool) release(buf *Buffer) {
	if buf.oversized {
		p.overSizedMu.Lock()
		if len(p.overSizedFree) < p.overSizedQuota {
			p.overSizedFree = append(p.overSizedFree, buf.Data[:cap(buf.Data)])
		}
		p.overSizedMu.Unlock()
		return
	}

	full := buf.Data[:cap(buf.Data)]
	p.freeLists[buf.tier].Put(&full)
}

// ExhaustedCount returns the number of OutOfPooledMemory occurrences since
// the pool was created, for operational visibility.
func (p *Pool) ExhaustedCount() uint64 {
	return p.exhaustedCount.Load()
}

// MaxOverSized returns the over-sized allocation ceiling.
func (p *Pool) MaxOverSized() int {
	return p.maxOverSized
}
