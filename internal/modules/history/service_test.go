// README: History service tests against the in-memory store.
package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"driverline/internal/logging"
	"driverline/internal/modules/ride"
	"driverline/internal/types"
)

func completedRide(id string, completedAt time.Time) *ride.Ride {
	name := "Dana"
	addr := "Av. Santa Fe 100, Buenos Aires"
	created := completedAt.Add(-30 * time.Minute).UnixMilli()
	accepted := completedAt.Add(-25 * time.Minute).UnixMilli()
	started := completedAt.Add(-15 * time.Minute).UnixMilli()
	done := completedAt.UnixMilli()
	return &ride.Ride{
		ID:            types.ID(id),
		RiderID:       "rider-1",
		Origin:        types.Point{Lat: -34.60, Lng: -58.38},
		Destination:   ride.Destination{Lat: -34.59, Lng: -58.37, Address: &addr},
		Service:       "standard",
		PriceEstimate: 4200,
		Status:        ride.StatusCompleted,
		Driver:        &ride.Driver{ID: "d1", Name: &name},
		CreatedAt:     created,
		AcceptedAt:    &accepted,
		StartedAt:     &started,
		CompletedAt:   &done,
	}
}

func TestArchiveWritesDescriptiveFields(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, logging.Discard())
	at := time.Date(2025, 5, 1, 18, 0, 0, 0, time.UTC)

	if err := svc.Archive(ctx, completedRide("r1", at)); err != nil {
		t.Fatalf("archive: %v", err)
	}
	e, err := svc.Get(ctx, "r1", "d1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e.DriverID != "d1" || *e.DriverName != "Dana" || e.DriverPhone != nil {
		t.Fatalf("driver fields: %+v", e)
	}
	if e.Status != "completed" || e.Price != 4200 || e.Service != "standard" {
		t.Fatalf("ride fields: %+v", e)
	}
	if e.CompletedAt == nil || !e.CompletedAt.Equal(at) {
		t.Fatalf("completedAt = %v, want %v", e.CompletedAt, at)
	}
	if e.Destination.Address == nil || e.Origin.Lat != -34.60 {
		t.Fatalf("location fields: %+v", e)
	}
}

func TestArchiveIsIdempotentAndKeepsRating(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), logging.Discard())
	r := completedRide("r1", time.Now())

	if err := svc.Archive(ctx, r); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if err := svc.Rate(ctx, RateCommand{RideID: "r1", DriverID: "d1", Rating: 4, Comment: "  friendly  "}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	if err := svc.Archive(ctx, r); err != nil {
		t.Fatalf("second archive: %v", err)
	}
	e, _ := svc.Get(ctx, "r1", "d1")
	if e.DriverRating == nil || *e.DriverRating != 4 {
		t.Fatalf("rating lost on re-archive: %v", e.DriverRating)
	}
	if e.DriverComment == nil || *e.DriverComment != "friendly" {
		t.Fatalf("comment = %v, want trimmed", e.DriverComment)
	}
	if e.DriverRatedAt == nil {
		t.Fatal("driverRatedAt not stamped")
	}
}

func TestRateValidation(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), logging.Discard())
	_ = svc.Archive(ctx, completedRide("r1", time.Now()))

	for _, rating := range []int{0, 6, -1} {
		if err := svc.Rate(ctx, RateCommand{RideID: "r1", DriverID: "d1", Rating: rating}); !errors.Is(err, ErrInvalidRating) {
			t.Fatalf("rating %d: expected ErrInvalidRating, got %v", rating, err)
		}
	}
	if err := svc.Rate(ctx, RateCommand{RideID: "r1", DriverID: "d2", Rating: 5}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := svc.Rate(ctx, RateCommand{RideID: "nope", DriverID: "d1", Rating: 5}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := svc.Rate(ctx, RateCommand{RideID: "r1", DriverID: "d1", Rating: 5, Comment: "   "}); err != nil {
		t.Fatalf("rate: %v", err)
	}
	e, _ := svc.Get(ctx, "r1", "d1")
	if e.DriverComment != nil {
		t.Fatalf("blank comment should be null, got %q", *e.DriverComment)
	}
}

func TestListByDriverNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, logging.Discard())
	base := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		_ = svc.Archive(ctx, completedRide(id, base.Add(time.Duration(i)*time.Hour)))
	}
	other := completedRide("other", base)
	other.Driver = &ride.Driver{ID: "d2"}
	_ = svc.Archive(ctx, other)

	check := func(label string) {
		t.Helper()
		entries, err := svc.ListByDriver(ctx, "d1")
		if err != nil {
			t.Fatalf("%s: list: %v", label, err)
		}
		if len(entries) != 3 {
			t.Fatalf("%s: expected 3 entries, got %d", label, len(entries))
		}
		if entries[0].RideID != "new" || entries[2].RideID != "old" {
			t.Fatalf("%s: unexpected order %s, %s, %s", label, entries[0].RideID, entries[1].RideID, entries[2].RideID)
		}
	}
	check("ordered")
	store.OrderedErr = errors.New("FAILED_PRECONDITION: index required")
	check("fallback")
}

func TestGetOwnership(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), logging.Discard())
	_ = svc.Archive(ctx, completedRide("r1", time.Now()))
	if _, err := svc.Get(ctx, "r1", "d2"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.Get(ctx, "missing", "d1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
