// Package state implements the Configuration State Store of spec.md §4.2:
// the master's authoritative, in-memory snapshot of every listener's
// desired configuration, serializable to a single JSON document and
// replayable as a deterministic sequence of orders.
package state

import (
	"sort"
	"sync"

	"github.com/sozu-proxy/control-plane/internal/errs"
	"github.com/sozu-proxy/control-plane/internal/wire"
)

// ListenerState is the accumulated set of orders applied to one listener
// tag, held as set/multimap semantics per spec.md §3 ("ConfigState").
type ListenerState struct {
	ProxyType    wire.ProxyKind
	Fronts       map[string]wire.Front
	Backends     map[string]wire.Backend
	Certificates map[string]wire.Certificate
}

func newListenerState(kind wire.ProxyKind) *ListenerState {
	return &ListenerState{
		ProxyType:    kind,
		Fronts:       make(map[string]wire.Front),
		Backends:     make(map[string]wire.Backend),
		Certificates: make(map[string]wire.Certificate),
	}
}

func (l *ListenerState) clone() *ListenerState {
	out := newListenerState(l.ProxyType)
	for k, v := range l.Fronts {
		out.Fronts[k] = v
	}
	for k, v := range l.Backends {
		out.Backends[k] = v
	}
	for k, v := range l.Certificates {
		out.Certificates[k] = v
	}
	return out
}

// Store is the mapping from listener tag to ListenerState. The zero value
// is not usable; construct with New.
type Store struct {
	mu        sync.Mutex
	listeners map[string]*ListenerState
}

// New returns an empty Store.
func New() *Store {
	return &Store{listeners: make(map[string]*ListenerState)}
}

// Register ensures tag has an entry of the given kind, without altering an
// existing entry's contents. Called when a listener's ListenerSpec is
// first known, before any order has been applied.
func (s *Store) Register(tag string, kind wire.ProxyKind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.listeners[tag]; !ok {
		s.listeners[tag] = newListenerState(kind)
	}
}

// Apply mutates tag's state per order, per spec.md §4.2: an Add is a no-op
// if the target is already present, a Remove is a no-op if absent
// (invariant 4, "Idempotence").
func (s *Store) Apply(tag string, order wire.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.listeners[tag]
	if !ok {
		ls = newListenerState("")
		s.listeners[tag] = ls
	}

	switch order.Kind {
	case wire.AddFront:
		if order.Front == nil {
			return errs.New(errs.Protocol, "AddFront order missing front")
		}
		ls.Fronts[order.Front.Key()] = *order.Front
	case wire.RemoveFront:
		if order.Front == nil {
			return errs.New(errs.Protocol, "RemoveFront order missing front")
		}
		delete(ls.Fronts, order.Front.Key())
	case wire.AddBackend:
		if order.Backend == nil {
			return errs.New(errs.Protocol, "AddBackend order missing backend")
		}
		ls.Backends[order.Backend.Key()] = *order.Backend
	case wire.RemoveBackend:
		if order.Backend == nil {
			return errs.New(errs.Protocol, "RemoveBackend order missing backend")
		}
		delete(ls.Backends, order.Backend.Key())
	case wire.AddCertificate:
		if order.Certificate == nil {
			return errs.New(errs.Protocol, "AddCertificate order missing certificate")
		}
		ls.Certificates[order.Certificate.Key()] = *order.Certificate
	case wire.RemoveCertificate:
		if order.Certificate == nil {
			return errs.New(errs.Protocol, "RemoveCertificate order missing certificate")
		}
		delete(ls.Certificates, order.Certificate.Key())
	case wire.SoftStop, wire.HardStop, wire.StatusCheck:
		// lifecycle orders do not mutate routing state.
	default:
		return errs.New(errs.Protocol, "unrecognized order kind "+string(order.Kind))
	}
	return nil
}

// Orders produces a deterministic sequence of Add orders sufficient to
// rebuild tag's state from empty, sorted by (kind, stable key) so that two
// equal states yield identical sequences (spec.md §4.2, invariant 3).
func (s *Store) Orders(tag string) []wire.Order {
	s.mu.Lock()
	defer s.mu.Unlock()

	ls, ok := s.listeners[tag]
	if !ok {
		return nil
	}
	return ordersFor(ls)
}

func ordersFor(ls *ListenerState) []wire.Order {
	var orders []wire.Order

	frontKeys := sortedKeys(ls.Fronts)
	for _, k := range frontKeys {
		f := ls.Fronts[k]
		orders = append(orders, wire.Order{Kind: wire.AddFront, Front: &f})
	}

	backendKeys := sortedKeys(ls.Backends)
	for _, k := range backendKeys {
		b := ls.Backends[k]
		orders = append(orders, wire.Order{Kind: wire.AddBackend, Backend: &b})
	}

	certKeys := sortedKeys(ls.Certificates)
	for _, k := range certKeys {
		c := ls.Certificates[k]
		orders = append(orders, wire.Order{Kind: wire.AddCertificate, Certificate: &c})
	}

	return orders
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Tags returns every registered listener tag, sorted.
func (s *Store) Tags() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make([]string, 0, len(s.listeners))
	for tag := range s.listeners {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Snapshot returns a deep copy of tag's ListenerState, or nil if unknown.
func (s *Store) Snapshot(tag string) *ListenerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.listeners[tag]
	if !ok {
		return nil
	}
	return ls.clone()
}

// Dump returns a deep copy of the full tag->state map, for DUMP_STATE
// answers (spec.md §4.6).
func (s *Store) Dump() map[string]*ListenerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*ListenerState, len(s.listeners))
	for tag, ls := range s.listeners {
		out[tag] = ls.clone()
	}
	return out
}

// Replace discards the current contents and installs listeners wholesale,
// used by Load (spec.md §4.2 "load(path): replaces the in-memory map").
func (s *Store) Replace(listeners map[string]*ListenerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = listeners
}
