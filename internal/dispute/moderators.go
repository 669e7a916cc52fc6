package dispute

import (
	"sync"
	"time"
)

// Registry holds the moderator pool. Seeded at startup and mutated only
// through assignment and resolution accounting.
type Registry struct {
	mu   sync.Mutex
	mods map[string]*Moderator
}

// NewRegistry creates an empty moderator registry.
func NewRegistry() *Registry {
	return &Registry{mods: make(map[string]*Moderator)}
}

// Register adds or replaces a moderator.
func (r *Registry) Register(m *Moderator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if m.Tier < 1 {
		m.Tier = 1
	}
	if m.Tier > 3 {
		m.Tier = 3
	}
	cp := *m
	r.mods[m.ID] = &cp
}

// Get returns a copy of a moderator.
func (r *Registry) Get(id string) (*Moderator, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.mods[id]
	if !ok {
		return nil, false
	}
	cp := *m
	return &cp, true
}

// List returns copies of all moderators.
func (r *Registry) List() []*Moderator {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Moderator, 0, len(r.mods))
	for _, m := range r.mods {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

// Assign picks a moderator for a new case: specialization match first, then
// least loaded overall. The winner's workload is incremented. Returns empty
// when the pool is empty.
func (r *Registry) Assign(category Category) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner := r.pick(func(m *Moderator) bool { return m.Specializes(category) })
	if winner == nil {
		winner = r.pick(func(m *Moderator) bool { return true })
	}
	if winner == nil {
		return ""
	}
	winner.Workload++
	return winner.ID
}

// Reassign picks a moderator above minTier for an escalated case, releasing
// the previous assignee. Returns the previous ID when no higher tier is
// available.
func (r *Registry) Reassign(previousID string, minTier int, category Category) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	winner := r.pick(func(m *Moderator) bool {
		return m.Tier > minTier && m.ID != previousID && m.Specializes(category)
	})
	if winner == nil {
		winner = r.pick(func(m *Moderator) bool {
			return m.Tier > minTier && m.ID != previousID
		})
	}
	if winner == nil {
		return previousID
	}

	if prev, ok := r.mods[previousID]; ok && prev.Workload > 0 {
		prev.Workload--
	}
	winner.Workload++
	return winner.ID
}

// RecordResolution decrements the moderator's workload and folds the case
// duration into their stats.
func (r *Registry) RecordResolution(id string, took time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.mods[id]
	if !ok {
		return
	}
	if m.Workload > 0 {
		m.Workload--
	}
	m.ResolvedCount++
	m.totalResolution += took
	m.MeanResolution = (m.totalResolution / time.Duration(m.ResolvedCount)).Round(time.Second).String()
}

// pick returns the least-loaded moderator satisfying the filter. Caller holds
// r.mu.
func (r *Registry) pick(filter func(*Moderator) bool) *Moderator {
	var best *Moderator
	for _, m := range r.mods {
		if !filter(m) {
			continue
		}
		if best == nil || m.Workload < best.Workload {
			best = m
		}
	}
	return best
}
