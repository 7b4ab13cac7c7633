// README: Store abstracts the shared live record store (RTDB, Postgres or memory).
package ride

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"driverline/internal/types"
)

var (
	errNoChange = errors.New("ride: transform declined")
	errNoRecord = errors.New("ride: record missing")
)

// Transform receives a private copy of the current record and returns the
// replacement and true, or false to leave the record untouched. It may run
// more than once when the store retries on contention.
type Transform func(current *Ride) (*Ride, bool)

// UpdateResult reports whether a conditional update committed. Ride is the
// committed record, or the observed record when nothing was written.
type UpdateResult struct {
	Committed bool
	Ride      *Ride
}

type Store interface {
	Get(ctx context.Context, id types.ID) (*Ride, error)
	ListByStatus(ctx context.Context, status Status) ([]*Ride, error)
	// ConditionalUpdate applies fn atomically. Concurrent calls on the same
	// record never interleave; each observes the other's committed write.
	ConditionalUpdate(ctx context.Context, id types.ID, fn Transform) (UpdateResult, error)
	// Write merges non-lifecycle fields without a condition.
	Write(ctx context.Context, id types.ID, patch Patch) error
	// Subscribe delivers the record on every change, starting with its current
	// value. The channel closes after cancel or when ctx ends.
	Subscribe(ctx context.Context, id types.ID) (<-chan Snapshot, func(), error)
	SubscribeStatus(ctx context.Context, status Status) (<-chan []*Ride, func(), error)
}

// sortNewestFirst orders rides by createdAt descending, ties by id.
func sortNewestFirst(rides []*Ride) {
	sort.SliceStable(rides, func(i, j int) bool {
		if rides[i].CreatedAt != rides[j].CreatedAt {
			return rides[i].CreatedAt > rides[j].CreatedAt
		}
		return rides[i].ID < rides[j].ID
	})
}

// mailbox hands values to a consumer in order, collapsing values the consumer
// has not picked up yet into the newest one. Producers never block.
type mailbox[T any] struct {
	out    chan T
	notify chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending T
	has     bool
	once    sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		out:    make(chan T),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go m.pump()
	return m
}

func (m *mailbox[T]) put(v T) {
	m.mu.Lock()
	m.pending = v
	m.has = true
	m.mu.Unlock()
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *mailbox[T]) close() {
	m.once.Do(func() { close(m.done) })
}

func (m *mailbox[T]) pump() {
	defer close(m.out)
	for {
		select {
		case <-m.done:
			return
		case <-m.notify:
		}
		m.mu.Lock()
		v, ok := m.pending, m.has
		var zero T
		m.pending, m.has = zero, false
		m.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case m.out <- v:
		case <-m.done:
			return
		}
	}
}

// poll runs fetch every interval until ctx ends and forwards results that
// report a change. Fetch errors are passed to onErr and retried next tick.
func poll[T any](ctx context.Context, interval time.Duration, box *mailbox[T], fetch func(context.Context) (T, bool, error), onErr func(error)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, changed, err := fetch(ctx)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			onErr(err)
		case changed:
			box.put(v)
		}
		select {
		case <-ctx.Done():
			return
		case <-box.done:
			return
		case <-ticker.C:
		}
	}
}

// lifecycleFields is the slice of a ride a conditional update may change.
// Backends merge it into the stored body so fields written by other clients
// survive transitions.
type lifecycleFields struct {
	Status       Status  `json:"status"`
	PickupCode   *string `json:"pickupCode,omitempty"`
	Driver       *Driver `json:"driver,omitempty"`
	AcceptedAt   *int64  `json:"acceptedAt,omitempty"`
	StartedAt    *int64  `json:"startedAt,omitempty"`
	CompletedAt  *int64  `json:"completedAt,omitempty"`
	CancelledAt  *int64  `json:"cancelledAt,omitempty"`
	CancelReason *string `json:"cancelReason,omitempty"`
}

func lifecycleOf(r *Ride) lifecycleFields {
	return lifecycleFields{
		Status:       r.Status,
		PickupCode:   r.PickupCode,
		Driver:       r.Driver,
		AcceptedAt:   r.AcceptedAt,
		StartedAt:    r.StartedAt,
		CompletedAt:  r.CompletedAt,
		CancelledAt:  r.CancelledAt,
		CancelReason: r.CancelReason,
	}
}
