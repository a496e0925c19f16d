// Package notify implements a change-event fan-out: one FIFO queue and
// dedicated consumer goroutine per watched filesystem, draining into a
// priority-ordered chain of handlers (High before Normal before Low).
// Publish asks the registered handlers' WantsEvent before an Event is
// stamped and queued, so a filesystem with no interested watchers pays no
// queueing or dispatch cost for events nobody asked for.
//
// The dispatcher is protocol-agnostic: Event is decoupled from any
// particular wire encoding, so an SMB2 CHANGE_NOTIFY-style responder is one
// possible consumer rather than something baked into the registry.
package notify

import (
	"path"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coreshare/fileserver/internal/logger"
)

// Kind enumerates the change categories a filesystem driver can report.
type Kind int

const (
	KindCreated Kind = iota
	KindDeleted
	KindModified
	KindRenamed
	KindAttributes
	KindLastWrite
	KindSecurity
)

// Flags carries the per-event detail bits a handler may need beyond Kind:
// whether the changed path is a directory, whether the write that triggered
// the event closed the handle, whether the event already went through
// post-processing (e.g. coalescing), whether a handler should ignore it
// despite matching its filter, and whether FileID/size/attr/mtime detail
// was actually available when the event was built.
type Flags struct {
	Directory     bool
	Closed        bool
	PostProcessed bool
	Ignore        bool
	FileDetails   bool
}

// Priority orders handler dispatch within one filesystem's chain. Handlers
// registered at a higher priority always run before lower ones, for every
// event.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
	priorityCount
)

// Event describes one filesystem change. OldPath is only set for KindRenamed
// and holds the path before the rename; Path always holds the current
// (post-change) path. ID uniquely identifies this occurrence; a zero ID
// means the event has not yet passed through Publish. Timestamp is stamped
// by Publish at construction time, so it is always <= time.Now() for any
// event a handler observes.
type Event struct {
	ID           uuid.UUID
	FilesystemID string
	Kind         Kind
	Path         string
	OldPath      string
	FileID       string
	Flags        Flags
	Timestamp    time.Time
}

// normalizePath converts a native filesystem path into the slash-separated,
// cleaned form events are reported in.
func normalizePath(p string) string {
	p = filepath_ToSlash(p)
	p = path.Clean(p)
	if p == "." {
		return ""
	}
	return strings.TrimPrefix(p, "/")
}

// filepath_ToSlash avoids importing path/filepath solely for ToSlash's
// platform-conditional backslash handling; this package's events are never
// fed raw OS paths directly except through localfs, which already does its
// own platform-specific normalization, so a simple replace suffices here.
func filepath_ToSlash(p string) string {
	return strings.ReplaceAll(p, "\\", "/")
}

// Handler receives dispatched events. WantsEvent is consulted by Publish
// before an event is queued, and again before Handle, so an event no handler
// wants is never queued and a handler watching an unrelated subtree never
// receives a Handle call.
type Handler interface {
	WantsEvent(ev Event) bool
	Handle(ev Event)
}

// HandlerFunc adapts a plain function to Handler for handlers that want
// every event their WantsEvent predicate admits, with no separate filtering
// stage.
type HandlerFunc struct {
	Want   func(ev Event) bool
	Notify func(ev Event)
}

func (h HandlerFunc) WantsEvent(ev Event) bool { return h.Want == nil || h.Want(ev) }
func (h HandlerFunc) Handle(ev Event)          { h.Notify(ev) }

// registration pairs a handler with its priority and a token used to
// unregister it later.
type registration struct {
	token    uint64
	priority Priority
	handler  Handler
}

// Dispatcher owns one filesystem's FIFO queue and consumer goroutine. Events
// are delivered to registered handlers in priority order: every High handler
// that wants the event runs, then every Normal, then every Low.
type Dispatcher struct {
	filesystemID string

	mu     sync.Mutex
	chains [priorityCount][]registration
	nextID uint64

	queue   chan Event
	done    chan struct{}
	closeWg sync.WaitGroup
}

// NewDispatcher creates and starts a Dispatcher for one filesystem.
// queueDepth bounds the FIFO; Publish drops the event and logs a warning if
// the queue is full, rather than blocking the producer — a slow handler
// chain must never stall the filesystem driver producing events.
func NewDispatcher(filesystemID string, queueDepth int) *Dispatcher {
	if queueDepth <= 0 {
		queueDepth = 256
	}
	d := &Dispatcher{
		filesystemID: filesystemID,
		queue:        make(chan Event, queueDepth),
		done:         make(chan struct{}),
	}
	d.closeWg.Add(1)
	go d.run()
	return d
}

// Register adds handler at priority and returns a token usable with
// Unregister.
func (d *Dispatcher) Register(priority Priority, handler Handler) uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	token := d.nextID
	d.chains[priority] = append(d.chains[priority], registration{token: token, priority: priority, handler: handler})
	return token
}

// Unregister removes a previously registered handler by token.
func (d *Dispatcher) Unregister(token uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for p := range d.chains {
		chain := d.chains[p]
		for i, r := range chain {
			if r.token == token {
				d.chains[p] = append(chain[:i], chain[i+1:]...)
				return
			}
		}
	}
}

// Publish enqueues ev for asynchronous dispatch, normalizing its path(s)
// first. An event that no registered handler wants is discarded before it
// is stamped or queued. Non-blocking: if the queue is full the event is
// dropped.
func (d *Dispatcher) Publish(ev Event) {
	ev.FilesystemID = d.filesystemID
	ev.Path = normalizePath(ev.Path)
	if ev.Kind == KindRenamed {
		ev.OldPath = normalizePath(ev.OldPath)
	}

	wanted := false
	d.mu.Lock()
	for p := 0; p < len(d.chains) && !wanted; p++ {
		for _, r := range d.chains[p] {
			if r.handler.WantsEvent(ev) {
				wanted = true
				break
			}
		}
	}
	d.mu.Unlock()
	if !wanted {
		return
	}

	ev.ID = uuid.New()
	ev.Timestamp = time.Now()

	select {
	case d.queue <- ev:
	default:
		logger.Warn("notify: dropping event, queue full", "filesystem", d.filesystemID, "kind", ev.Kind, "path", ev.Path)
	}
}

// Created publishes a KindCreated event for p.
func (d *Dispatcher) Created(p string, isDir bool) {
	d.Publish(Event{Kind: KindCreated, Path: p, Flags: Flags{Directory: isDir}})
}

// Deleted publishes a KindDeleted event for p.
func (d *Dispatcher) Deleted(p string, isDir bool) {
	d.Publish(Event{Kind: KindDeleted, Path: p, Flags: Flags{Directory: isDir}})
}

// FileChanged publishes a KindModified event for the file at p.
func (d *Dispatcher) FileChanged(p string) { d.Publish(Event{Kind: KindModified, Path: p}) }

// DirectoryChanged publishes a KindModified event for the directory at p.
func (d *Dispatcher) DirectoryChanged(p string) {
	d.Publish(Event{Kind: KindModified, Path: p, Flags: Flags{Directory: true}})
}

// Renamed publishes a KindRenamed event carrying both the old and new path.
func (d *Dispatcher) Renamed(oldPath, newPath string, isDir bool) {
	d.Publish(Event{Kind: KindRenamed, Path: newPath, OldPath: oldPath, Flags: Flags{Directory: isDir}})
}

// AttributesChanged publishes a KindAttributes event for p.
func (d *Dispatcher) AttributesChanged(p string) {
	d.Publish(Event{Kind: KindAttributes, Path: p})
}

// SizeChanged publishes a KindModified event for p carrying size detail;
// closed reports whether the write that changed the size also closed the
// handle.
func (d *Dispatcher) SizeChanged(p string, closed bool) {
	d.Publish(Event{Kind: KindModified, Path: p, Flags: Flags{Closed: closed, FileDetails: true}})
}

// LastWriteChanged publishes a KindLastWrite event for p.
func (d *Dispatcher) LastWriteChanged(p string) {
	d.Publish(Event{Kind: KindLastWrite, Path: p})
}

// SecurityChanged publishes a KindSecurity event for p.
func (d *Dispatcher) SecurityChanged(p string) {
	d.Publish(Event{Kind: KindSecurity, Path: p})
}

func (d *Dispatcher) run() {
	defer d.closeWg.Done()
	for {
		select {
		case ev := <-d.queue:
			d.dispatch(ev)
		case <-d.done:
			// Drain whatever was already queued before shutting down, so a
			// Close does not silently discard events racing the shutdown
			// signal.
			for {
				select {
				case ev := <-d.queue:
					d.dispatch(ev)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) dispatch(ev Event) {
	d.mu.Lock()
	chains := [priorityCount][]registration{}
	for p := range d.chains {
		chains[p] = append([]registration(nil), d.chains[p]...)
	}
	d.mu.Unlock()

	for _, chain := range chains {
		for _, r := range chain {
			if r.handler.WantsEvent(ev) {
				r.handler.Handle(ev)
			}
		}
	}
}

// Close stops the consumer goroutine after draining any queued events, and
// waits for it to exit.
func (d *Dispatcher) Close() {
	close(d.done)
	d.closeWg.Wait()
}

// Registry indexes one Dispatcher per filesystem ID, creating dispatchers
// lazily.
type Registry struct {
	mu          sync.Mutex
	dispatchers map[string]*Dispatcher
	queueDepth  int
}

// NewRegistry creates an empty Registry; each Dispatcher it creates uses
// queueDepth (0 for the default).
func NewRegistry(queueDepth int) *Registry {
	return &Registry{dispatchers: make(map[string]*Dispatcher), queueDepth: queueDepth}
}

// DispatcherFor returns (creating if necessary) the Dispatcher for
// filesystemID.
func (reg *Registry) DispatcherFor(filesystemID string) *Dispatcher {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	d, ok := reg.dispatchers[filesystemID]
	if !ok {
		d = NewDispatcher(filesystemID, reg.queueDepth)
		reg.dispatchers[filesystemID] = d
	}
	return d
}

// CloseAll closes every dispatcher the registry created.
func (reg *Registry) CloseAll() {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	for id, d := range reg.dispatchers {
		d.Close()
		delete(reg.dispatchers, id)
	}
}
