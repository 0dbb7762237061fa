package session

import "sync"

// Registry maps session ids to their runners. Created at service start
// and torn down at shutdown; runners are added on successful bind and
// removed when their session stops.
type Registry struct {
	mu      sync.RWMutex
	runners map[string]*Runner
}

func NewRegistry() *Registry {
	return &Registry{runners: make(map[string]*Runner)}
}

func (g *Registry) Add(r *Runner) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.runners[r.ID()] = r
}

func (g *Registry) Get(id string) (*Runner, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	r, ok := g.runners[id]
	return r, ok
}

func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.runners, id)
}

func (g *Registry) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.runners))
	for id := range g.runners {
		ids = append(ids, id)
	}
	return ids
}
