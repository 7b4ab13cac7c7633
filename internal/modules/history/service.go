// README: History service archives completed rides and records driver ratings.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"driverline/internal/modules/ride"
	"driverline/internal/types"
)

var (
	ErrNotFound      = errors.New("history entry not found")
	ErrForbidden     = errors.New("history entry belongs to another driver")
	ErrInvalidRating = errors.New("rating must be between 1 and 5")
)

const (
	MinRating = 1
	MaxRating = 5
)

type Service struct {
	store Store
	log   *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, log: logger}
}

// Archive merges the ride's descriptive fields into its history entry. It is
// idempotent: repeating it rewrites the same values and keeps rating fields.
func (s *Service) Archive(ctx context.Context, r *ride.Ride) error {
	if r == nil || r.ID == "" {
		return fmt.Errorf("archive: missing ride")
	}
	fields := map[string]interface{}{
		"riderId":     r.RiderID,
		"riderPhone":  nullable(r.RiderPhone),
		"driverId":    nil,
		"driverName":  nil,
		"driverPhone": nil,
		"origin":      map[string]interface{}{"lat": r.Origin.Lat, "lng": r.Origin.Lng},
		"destination": map[string]interface{}{
			"lat":     r.Destination.Lat,
			"lng":     r.Destination.Lng,
			"address": nullable(r.Destination.Address),
		},
		"service":     r.Service,
		"price":       r.PriceEstimate,
		"status":      string(r.Status),
		"createdAt":   msTime(&r.CreatedAt),
		"acceptedAt":  msTime(r.AcceptedAt),
		"startedAt":   msTime(r.StartedAt),
		"completedAt": msTime(r.CompletedAt),
	}
	if r.Driver != nil {
		fields["driverId"] = string(r.Driver.ID)
		fields["driverName"] = nullable(r.Driver.Name)
		fields["driverPhone"] = nullable(r.Driver.Phone)
	}
	if r.CompletedAt == nil {
		fields["completedAt"] = firestore.ServerTimestamp
	}
	if err := s.store.Merge(ctx, r.ID, fields); err != nil {
		return fmt.Errorf("archive ride %s: %w", r.ID, err)
	}
	return nil
}

type RateCommand struct {
	RideID   types.ID
	DriverID string
	Rating   int
	Comment  string
}

// Rate stores the driver's rating of the rider. Only the entry's driver may
// rate. A blank comment is stored as null.
func (s *Service) Rate(ctx context.Context, cmd RateCommand) error {
	if cmd.Rating < MinRating || cmd.Rating > MaxRating {
		return ErrInvalidRating
	}
	e, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if cmd.DriverID == "" || e.DriverID != cmd.DriverID {
		return ErrForbidden
	}
	var comment interface{}
	if c := strings.TrimSpace(cmd.Comment); c != "" {
		comment = c
	}
	err = s.store.Update(ctx, cmd.RideID, map[string]interface{}{
		"driverRating":  cmd.Rating,
		"driverComment": comment,
		"driverRatedAt": firestore.ServerTimestamp,
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("rate ride %s: %w", cmd.RideID, err)
	}
	return err
}

// Get returns one entry owned by driverID.
func (s *Service) Get(ctx context.Context, id types.ID, driverID string) (*Entry, error) {
	e, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.DriverID != driverID {
		return nil, ErrForbidden
	}
	return e, nil
}

// ListByDriver returns the driver's trips, most recent completion first. When
// the ordered query is unavailable it falls back to an unordered one.
func (s *Service) ListByDriver(ctx context.Context, driverID string) ([]*Entry, error) {
	entries, err := s.store.ListByDriver(ctx, driverID, true)
	if err == nil {
		return entries, nil
	}
	s.log.Warn("ordered history query failed, falling back", "driver_id", driverID, "err", err)
	entries, err = s.store.ListByDriver(ctx, driverID, false)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return completedAtOrZero(entries[i]).After(completedAtOrZero(entries[j]))
	})
	return entries, nil
}

func nullable(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func msTime(v *int64) interface{} {
	if v == nil || *v == 0 {
		return nil
	}
	return time.UnixMilli(*v).UTC()
}
