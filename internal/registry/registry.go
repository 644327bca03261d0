// Package registry implements the Worker Registry of spec.md §4.3: the
// mapping from (tag, worker id) to Worker, with insertion on spawn success
// and removal on PeerClosed (a SIGCHLD reap only marks the worker Stopped).
package registry

import (
	"sort"
	"sync"

	"github.com/sozu-proxy/control-plane/internal/wire"
)

// WorkerChannel is the subset of *channel.Channel[wire.WorkerFrame] the
// registry needs; kept as an interface so this package does not import
// internal/channel. Fd is
// needed by internal/upgrade to build the master-upgrade fd handoff table
// (spec.md §4.7 step 1); *channel.Channel[T] satisfies this interface
// structurally regardless of T.
type WorkerChannel interface {
	Close() error
	Fd() (uintptr, error)
}

// Worker is WorkerInfo plus the owning channel (spec.md §3). The registry
// is its sole owner; the channel never references the registry back
// (spec.md §9 "Back-reference master<->worker").
type Worker struct {
	Info WorkerInfo

	// Channel is the framed link to this worker's process. It is typed
	// as an opaque interface here so callers can store any concrete
	// channel.Channel[T] implementation.
	Channel WorkerChannel
}

// WorkerInfo mirrors wire.WorkerInfo but is kept distinct so the registry
// can evolve its bookkeeping fields independently of the wire shape.
type WorkerInfo struct {
	ID        uint32
	Pid       int
	Tag       string
	ProxyType wire.ProxyKind
	RunState  wire.RunState
}

func (w WorkerInfo) toWire() wire.WorkerInfo {
	return wire.WorkerInfo{
		ID:        w.ID,
		Pid:       w.Pid,
		Tag:       w.Tag,
		ProxyType: w.ProxyType,
		RunState:  w.RunState,
	}
}

type key struct {
	tag string
	id  uint32
}

// Registry is the mapping from (tag, worker id) to *Worker.
type Registry struct {
	mu      sync.Mutex
	workers map[key]*Worker
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{workers: make(map[key]*Worker)}
}

// Insert registers w, keyed by (w.Info.Tag, w.Info.ID). Called after a
// successful spawn+handshake (spec.md §4.3).
func (r *Registry) Insert(w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[key{tag: w.Info.Tag, id: w.Info.ID}] = w
}

// Remove deletes the (tag, id) entry, if present, returning it.
func (r *Registry) Remove(tag string, id uint32) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{tag: tag, id: id}
	w := r.workers[k]
	delete(r.workers, k)
	return w
}

// Get returns the worker at (tag, id), or nil if absent.
func (r *Registry) Get(tag string, id uint32) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.workers[key{tag: tag, id: id}]
}

// SetRunState updates the run state of the worker at (tag, id), if present.
func (r *Registry) SetRunState(tag string, id uint32, state wire.RunState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w, ok := r.workers[key{tag: tag, id: id}]; ok {
		w.Info.RunState = state
	}
}

// ByTag returns every worker registered for tag, ordered by id.
func (r *Registry) ByTag(tag string) []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Worker
	for k, w := range r.workers {
		if k.tag == tag {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.ID < out[j].Info.ID })
	return out
}

// CountByTag reports how many workers are currently registered for tag,
// used to drive respawn-to-configured-count (spec.md §8 invariant 6).
func (r *Registry) CountByTag(tag string) int {
	return len(r.ByTag(tag))
}

// ByPid returns the worker owning pid, or nil if none match. Used when
// SIGCHLD reaping only yields a pid (spec.md §9 "Signal handling").
func (r *Registry) ByPid(pid int) *Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, w := range r.workers {
		if w.Info.Pid == pid {
			return w
		}
	}
	return nil
}

// NextID returns the lowest worker id not currently in use for tag.
func (r *Registry) NextID(tag string) uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	used := make(map[uint32]bool)
	for k := range r.workers {
		if k.tag == tag {
			used[k.id] = true
		}
	}
	var id uint32
	for used[id] {
		id++
	}
	return id
}

// List projects every registered worker to wire.WorkerInfo, for
// LIST_WORKERS answers (spec.md §4.6).
func (r *Registry) List() []wire.WorkerInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wire.WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w.Info.toWire())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tag != out[j].Tag {
			return out[i].Tag < out[j].Tag
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// All returns every registered *Worker, sorted by tag then id. Used by
// internal/upgrade to build the fd handoff table for a master upgrade
// (spec.md §4.7 step 1), which needs each worker's live channel, not just
// its wire projection.
func (r *Registry) All() []*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Worker, 0, len(r.workers))
	for _, w := range r.workers {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Info.Tag != out[j].Info.Tag {
			return out[i].Info.Tag < out[j].Info.Tag
		}
		return out[i].Info.ID < out[j].Info.ID
	})
	return out
}
