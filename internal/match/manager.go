package match

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"voxelcombat.gg/internal/protocol"
)

// Manager holds the runtimes of every match a process hosts.
type Manager struct {
	mu       sync.RWMutex
	runtimes map[string]*Runtime
}

func NewManager() *Manager {
	return &Manager{runtimes: map[string]*Runtime{}}
}

func (m *Manager) Add(r *Runtime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := r.MatchID()
	if _, ok := m.runtimes[id]; ok {
		return fmt.Errorf("duplicate match %s", id)
	}
	m.runtimes[id] = r
	return nil
}

// Get returns the runtime of matchID or a NotFound error.
func (m *Manager) Get(matchID string) (*Runtime, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runtimes[matchID]
	if !ok {
		return nil, protocol.Errorf(protocol.NotFound, "match %s", matchID)
	}
	return r, nil
}

// List returns the status of every match ordered by id.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.runtimes))
	for _, r := range m.runtimes {
		out = append(out, r.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].MatchID < out[j].MatchID })
	return out
}

// Run drives every runtime until ctx is done or one of them fails.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.RLock()
	rts := make([]*Runtime, 0, len(m.runtimes))
	for _, r := range m.runtimes {
		rts = append(rts, r)
	}
	m.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, r := range rts {
		r := r
		g.Go(func() error { return r.Run(gctx) })
	}
	return g.Wait()
}
