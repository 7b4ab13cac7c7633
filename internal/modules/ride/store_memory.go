// README: In-process Store used for local runs and tests.
package ride

import (
	"context"
	"sync"

	"driverline/internal/types"
)

type MemoryStore struct {
	mu         sync.Mutex
	rides      map[types.ID]*Ride
	watchers   map[types.ID]map[*mailbox[Snapshot]]struct{}
	statusSubs map[Status]map[*mailbox[[]*Ride]]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:      make(map[types.ID]*Ride),
		watchers:   make(map[types.ID]map[*mailbox[Snapshot]]struct{}),
		statusSubs: make(map[Status]map[*mailbox[[]*Ride]]struct{}),
	}
}

// Put inserts or replaces a record. Rider-side creation lives outside this
// service; Put stands in for it.
func (m *MemoryStore) Put(r *Ride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.rides[r.ID]
	m.rides[r.ID] = r.Clone()
	m.notifyLocked(r.ID, prev)
}

func (m *MemoryStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked(status), nil
}

func (m *MemoryStore) ConditionalUpdate(_ context.Context, id types.ID, fn Transform) (UpdateResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return UpdateResult{}, ErrNotFound
	}
	next, changed := fn(cur.Clone())
	if !changed || next == nil {
		return UpdateResult{Committed: false, Ride: cur.Clone()}, nil
	}
	next = next.Clone()
	next.ID = id
	m.rides[id] = next
	m.notifyLocked(id, cur)
	return UpdateResult{Committed: true, Ride: next.Clone()}, nil
}

func (m *MemoryStore) Write(_ context.Context, id types.ID, patch Patch) error {
	if patch.Empty() {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	next := cur.Clone()
	applyPatch(next, patch)
	m.rides[id] = next
	m.notifyLocked(id, cur)
	return nil
}

func (m *MemoryStore) Subscribe(ctx context.Context, id types.ID) (<-chan Snapshot, func(), error) {
	box := newMailbox[Snapshot]()
	m.mu.Lock()
	if m.watchers[id] == nil {
		m.watchers[id] = make(map[*mailbox[Snapshot]]struct{})
	}
	m.watchers[id][box] = struct{}{}
	var cur *Ride
	if r, ok := m.rides[id]; ok {
		cur = r.Clone()
	}
	box.put(Snapshot{ID: id, Ride: cur})
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.watchers[id], box)
		if len(m.watchers[id]) == 0 {
			delete(m.watchers, id)
		}
		m.mu.Unlock()
		box.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-box.done:
		}
	}()
	return box.out, cancel, nil
}

func (m *MemoryStore) SubscribeStatus(ctx context.Context, status Status) (<-chan []*Ride, func(), error) {
	box := newMailbox[[]*Ride]()
	m.mu.Lock()
	if m.statusSubs[status] == nil {
		m.statusSubs[status] = make(map[*mailbox[[]*Ride]]struct{})
	}
	m.statusSubs[status][box] = struct{}{}
	box.put(m.listLocked(status))
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.statusSubs[status], box)
		m.mu.Unlock()
		box.close()
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-box.done:
		}
	}()
	return box.out, cancel, nil
}

func (m *MemoryStore) listLocked(status Status) []*Ride {
	out := make([]*Ride, 0)
	for _, r := range m.rides {
		if r.Status == status {
			out = append(out, r.Clone())
		}
	}
	sortNewestFirst(out)
	return out
}

// notifyLocked fans the current value of id out to record watchers and to
// status subscribers whose result set may have changed.
func (m *MemoryStore) notifyLocked(id types.ID, prev *Ride) {
	cur := m.rides[id]
	for box := range m.watchers[id] {
		box.put(Snapshot{ID: id, Ride: cur.Clone()})
	}
	touched := map[Status]struct{}{}
	if prev != nil {
		touched[prev.Status] = struct{}{}
	}
	if cur != nil {
		touched[cur.Status] = struct{}{}
	}
	for status := range touched {
		subs := m.statusSubs[status]
		if len(subs) == 0 {
			continue
		}
		list := m.listLocked(status)
		for box := range subs {
			box.put(list)
		}
	}
}

func applyPatch(r *Ride, p Patch) {
	if p.DriverLoc != nil {
		loc := *p.DriverLoc
		r.DriverLoc = &loc
	}
	if p.DriverLocUpdatedAt != nil {
		ts := *p.DriverLocUpdatedAt
		r.DriverLocUpdatedAt = &ts
	}
	if p.Route != nil {
		rt := *p.Route
		r.Route = &rt
	}
}

// SubscriberCount reports how many record subscriptions are open for id.
func (m *MemoryStore) SubscriberCount(id types.ID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.watchers[id])
}
