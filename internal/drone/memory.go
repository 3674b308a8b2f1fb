package drone

import (
	"sort"
	"sync"
)

// MemoryStore keeps drones in a map. Records are copied on the way in and
// out so callers never share state with the store.
type MemoryStore struct {
	mu     sync.RWMutex
	drones map[string]*Drone
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{drones: make(map[string]*Drone)}
}

func (m *MemoryStore) Save(d *Drone) error {
	m.mu.Lock()
	m.drones[d.ID] = d.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) FindByID(id string) (*Drone, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drones[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d.Clone(), nil
}

// FindAll returns every drone ordered by id.
func (m *MemoryStore) FindAll() ([]*Drone, error) {
	m.mu.RLock()
	out := make([]*Drone, 0, len(m.drones))
	for _, d := range m.drones {
		out = append(out, d.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) ExistsByID(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.drones[id]
	return ok, nil
}

func (m *MemoryStore) DeleteByID(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.drones[id]; !ok {
		return ErrNotFound
	}
	delete(m.drones, id)
	return nil
}

// ResetStatus implements StatusResetter.
func (m *MemoryStore) ResetStatus(from, to Status) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.drones {
		if d.Status == from {
			d.Status = to
			n++
		}
	}
	return n, nil
}
