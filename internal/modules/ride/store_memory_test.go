// README: Subscription behaviour of the in-memory store.
package ride

import (
	"context"
	"testing"
	"time"
)

func recvSnapshot(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return Snapshot{}
}

func TestSubscribeDeliversCurrentThenChanges(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	seedRide(store, "r1", StatusSearching)

	ch, cancel, err := store.Subscribe(ctx, "r1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	if s := recvSnapshot(t, ch); s.Ride == nil || s.Ride.Status != StatusSearching {
		t.Fatalf("first snapshot = %+v", s.Ride)
	}
	if ok, _ := svc.Accept(ctx, AcceptCommand{RideID: "r1", Driver: Driver{ID: "d1"}}); !ok {
		t.Fatal("accept failed")
	}
	if s := recvSnapshot(t, ch); s.Ride.Status != StatusAccepted {
		t.Fatalf("expected accepted snapshot, got %s", s.Ride.Status)
	}
}

func TestSubscribeMissingRecord(t *testing.T) {
	store := NewMemoryStore()
	ch, cancel, _ := store.Subscribe(context.Background(), "ghost")
	defer cancel()
	if s := recvSnapshot(t, ch); s.Ride != nil || s.ID != "ghost" {
		t.Fatalf("expected empty snapshot, got %+v", s)
	}
}

func TestSubscribeCoalescesToLatest(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	seedRide(store, "r1", StatusAccepted)

	ch, cancel, _ := store.Subscribe(ctx, "r1")
	defer cancel()
	recvSnapshot(t, ch)

	for i := 1; i <= 50; i++ {
		_ = svc.ReportPosition(ctx, PositionCommand{RideID: "r1", Position: Position{Lat: float64(i)}})
	}
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-ch:
			if s.Ride.DriverLoc != nil && s.Ride.DriverLoc.Lat == 50 {
				return
			}
		case <-deadline:
			t.Fatal("never observed latest position")
		}
	}
}

func TestSubscribeCancelClosesChannel(t *testing.T) {
	ctx, stop := context.WithCancel(context.Background())
	store := NewMemoryStore()
	seedRide(store, "r1", StatusSearching)

	ch, _, _ := store.Subscribe(ctx, "r1")
	recvSnapshot(t, ch)
	stop()

	select {
	case _, ok := <-ch:
		if ok {
			// a final pending value may still arrive; the close must follow
			if _, ok := <-ch; ok {
				t.Fatal("channel still open after context cancel")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after context cancel")
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.watchers) != 0 {
		t.Fatalf("watcher not released: %d", len(store.watchers))
	}
}

func TestSubscribeStatusTracksMembership(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	seedRide(store, "r1", StatusSearching)

	ch, cancel, _ := svc.WatchSearching(ctx)
	defer cancel()

	recv := func() []*Ride {
		select {
		case list := <-ch:
			return list
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for feed")
		}
		return nil
	}
	if list := recv(); len(list) != 1 {
		t.Fatalf("initial feed = %v", ids(list))
	}
	if ok, _ := svc.Accept(ctx, AcceptCommand{RideID: "r1", Driver: Driver{ID: "d1"}}); !ok {
		t.Fatal("accept failed")
	}
	if list := recv(); len(list) != 0 {
		t.Fatalf("accepted ride still in feed: %v", ids(list))
	}
}
