// Package state holds the mutable runtime state the router layers on top of
// the static registry: per-backend inflight counts and last-use timestamps,
// per-GPU locks, and the sticky-backend pointer used by the selector.
//
// Every field here is shared across goroutines handling concurrent requests,
// so access goes through atomics or mutexes rather than the registry's
// read-only snapshot semantics.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelfleet/router/internal/registry"
)

// backendState is the mutable counterpart to a registry.Backend.
type backendState struct {
	inflight int64 // atomic
	lastUsed int64 // atomic, UnixNano; 0 means never used
	startMu  sync.Mutex
}

// gpuState is the mutable counterpart to one physical GPU.
type gpuState struct {
	mu sync.Mutex // gpu_lock

	stickyMu sync.RWMutex
	sticky   string
	haveSky  bool
}

// Store is the process-wide table of mutable backend/GPU state, keyed by
// the registry's backend ids and GPU labels. It is built once from a
// Registry at startup and never resized afterward.
type Store struct {
	backends map[string]*backendState
	gpus     map[string]*gpuState
}

// New builds a Store with one entry per backend in reg and one per GPU
// label ("0" and "1"), whether or not reg places a backend on that GPU.
func New(reg *registry.Registry) *Store {
	s := &Store{
		backends: make(map[string]*backendState),
		gpus:     map[string]*gpuState{"0": {}, "1": {}},
	}
	for _, b := range reg.All() {
		s.backends[b.ID] = &backendState{}
		if _, ok := s.gpus[b.GPU]; !ok {
			s.gpus[b.GPU] = &gpuState{}
		}
	}
	return s
}

func (s *Store) backend(id string) *backendState {
	b, ok := s.backends[id]
	if !ok {
		// Defensive: every id passed in should originate from the same
		// registry this Store was built from.
		panic("state: unknown backend id " + id)
	}
	return b
}

func (s *Store) gpu(gpu string) *gpuState {
	g, ok := s.gpus[gpu]
	if !ok {
		panic("state: unknown gpu " + gpu)
	}
	return g
}

// IncInflight increments the inflight counter for id and returns the new value.
func (s *Store) IncInflight(id string) int64 {
	return atomic.AddInt64(&s.backend(id).inflight, 1)
}

// DecInflight decrements the inflight counter for id.
func (s *Store) DecInflight(id string) {
	atomic.AddInt64(&s.backend(id).inflight, -1)
}

// Inflight returns the current inflight count for id.
func (s *Store) Inflight(id string) int64 {
	return atomic.LoadInt64(&s.backend(id).inflight)
}

// ModelInflight sums the inflight counters across every backend id in ids.
func (s *Store) ModelInflight(ids []string) int64 {
	var total int64
	for _, id := range ids {
		total += s.Inflight(id)
	}
	return total
}

// MarkUsed records t as the last-use time for id.
func (s *Store) MarkUsed(id string, t time.Time) {
	atomic.StoreInt64(&s.backend(id).lastUsed, t.UnixNano())
}

// LastUsed returns the last recorded use time for id, or the zero Time if
// the backend has never served a request.
func (s *Store) LastUsed(id string) time.Time {
	ns := atomic.LoadInt64(&s.backend(id).lastUsed)
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// EverUsed reports whether id has ever had a successful request recorded.
func (s *Store) EverUsed(id string) bool {
	return atomic.LoadInt64(&s.backend(id).lastUsed) != 0
}

// StartLock returns the start_lock for backend id. Callers must Lock/Unlock
// it themselves; it guards the inspect-and-start protocol in the lifecycle
// controller.
func (s *Store) StartLock(id string) *sync.Mutex {
	return &s.backend(id).startMu
}

// GPULock returns the gpu_lock for the named GPU.
func (s *Store) GPULock(gpu string) *sync.Mutex {
	return &s.gpu(gpu).mu
}

// Sticky returns the backend id currently sticky for gpu, if any.
func (s *Store) Sticky(gpu string) (string, bool) {
	g := s.gpu(gpu)
	g.stickyMu.RLock()
	defer g.stickyMu.RUnlock()
	return g.sticky, g.haveSky
}

// SetSticky pins gpu's sticky backend to id.
func (s *Store) SetSticky(gpu, id string) {
	g := s.gpu(gpu)
	g.stickyMu.Lock()
	defer g.stickyMu.Unlock()
	g.sticky = id
	g.haveSky = true
}
