// README: Ride service implements the driver-side lifecycle transitions.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"driverline/internal/observability"
	"driverline/internal/types"
)

var (
	ErrNotFound   = errors.New("ride not found")
	ErrConflict   = errors.New("ride state conflict")
	ErrBadRequest = errors.New("bad request")
	ErrForbidden  = errors.New("ride not assigned to caller")
)

// Archiver persists a completed ride to the history store.
type Archiver interface {
	Archive(ctx context.Context, r *Ride) error
}

// EventSink receives committed transitions. Delivery is best-effort.
type EventSink interface {
	Publish(ctx context.Context, e Event) error
}

type ServiceDeps struct {
	Store          Store
	Archiver       Archiver
	Events         EventSink
	Logger         *slog.Logger
	ArchiveTimeout time.Duration
	Now            func() time.Time
}

type Service struct {
	store          Store
	archiver       Archiver
	events         EventSink
	log            *slog.Logger
	archiveTimeout time.Duration
	now            func() time.Time
	archiving      sync.WaitGroup
}

func NewService(deps ServiceDeps) *Service {
	s := &Service{
		store:          deps.Store,
		archiver:       deps.Archiver,
		events:         deps.Events,
		log:            deps.Logger,
		archiveTimeout: deps.ArchiveTimeout,
		now:            deps.Now,
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.archiveTimeout <= 0 {
		s.archiveTimeout = 10 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

type AcceptCommand struct {
	RideID types.ID
	Driver Driver
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
	Code     string
}

type CompleteCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID    types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
}

type PositionCommand struct {
	RideID   types.ID
	DriverID types.ID
	Position Position
}

// Accept claims a searching ride for the driver. Exactly one of any number of
// concurrent callers gets true; the winner's record carries a fresh pickup code.
func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) (bool, error) {
	if cmd.RideID == "" || cmd.Driver.ID == "" {
		return false, ErrBadRequest
	}
	var codeErr error
	res, err := s.store.ConditionalUpdate(ctx, cmd.RideID, func(cur *Ride) (*Ride, bool) {
		if !CanTransition(cur.Status, StatusAccepted) || cur.Driver != nil {
			return nil, false
		}
		code, err := newPickupCode()
		if err != nil {
			codeErr = err
			return nil, false
		}
		codeErr = nil
		now := millis(s.now())
		driver := cmd.Driver
		cur.Status = StatusAccepted
		cur.AcceptedAt = &now
		cur.PickupCode = &code
		cur.Driver = &driver
		return cur, true
	})
	if err == nil && codeErr != nil {
		err = fmt.Errorf("generate pickup code: %w", codeErr)
	}
	if ok, err := s.outcome("accept", cmd.RideID, res, err); !ok {
		return false, err
	}
	s.publish(ctx, cmd.RideID, StatusSearching, StatusAccepted, "driver", &cmd.Driver.ID)
	return true, nil
}

// Start begins the trip once the driver presents the rider's pickup code.
// A mismatch leaves the record untouched and returns false.
func (s *Service) Start(ctx context.Context, cmd StartCommand) (bool, error) {
	if cmd.RideID == "" {
		return false, ErrBadRequest
	}
	mismatch := false
	res, err := s.store.ConditionalUpdate(ctx, cmd.RideID, func(cur *Ride) (*Ride, bool) {
		mismatch = false
		if !CanTransition(cur.Status, StatusInProgress) {
			return nil, false
		}
		if cmd.DriverID != "" && !cur.AssignedTo(cmd.DriverID) {
			return nil, false
		}
		if !codesMatch(cur.PickupCode, cmd.Code) {
			mismatch = true
			return nil, false
		}
		now := millis(s.now())
		cur.Status = StatusInProgress
		cur.StartedAt = &now
		return cur, true
	})
	if err == nil {
		if mismatch {
			observability.PickupCodeChecks.WithLabelValues("mismatch").Inc()
		} else if res.Committed {
			observability.PickupCodeChecks.WithLabelValues("match").Inc()
		}
	}
	if ok, err := s.outcome("start", cmd.RideID, res, err); !ok {
		return false, err
	}
	s.publish(ctx, cmd.RideID, StatusAccepted, StatusInProgress, "driver", actorPtr(cmd.DriverID))
	return true, nil
}

// Complete finishes an in-progress ride and schedules archival. Calling it on
// a ride that is already completed returns true and archives again; the
// history write merges, so repeats are harmless.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (bool, error) {
	if cmd.RideID == "" {
		return false, ErrBadRequest
	}
	res, err := s.store.ConditionalUpdate(ctx, cmd.RideID, func(cur *Ride) (*Ride, bool) {
		if !CanTransition(cur.Status, StatusCompleted) {
			return nil, false
		}
		if cmd.DriverID != "" && !cur.AssignedTo(cmd.DriverID) {
			return nil, false
		}
		now := millis(s.now())
		cur.Status = StatusCompleted
		cur.CompletedAt = &now
		return cur, true
	})
	if err != nil {
		observability.RideTransitions.WithLabelValues("complete", "error").Inc()
		return false, s.wrap("complete", cmd.RideID, err)
	}
	repeat := !res.Committed && res.Ride != nil && res.Ride.Status == StatusCompleted &&
		(cmd.DriverID == "" || res.Ride.AssignedTo(cmd.DriverID))
	switch {
	case res.Committed:
		observability.RideTransitions.WithLabelValues("complete", "committed").Inc()
		s.publish(ctx, cmd.RideID, StatusInProgress, StatusCompleted, "driver", actorPtr(cmd.DriverID))
	case repeat:
		observability.RideTransitions.WithLabelValues("complete", "repeat").Inc()
	default:
		observability.RideTransitions.WithLabelValues("complete", "rejected").Inc()
		return false, nil
	}
	s.archive(cmd.RideID)
	return true, nil
}

// Cancel withdraws a ride that has not started. It is not exposed to drivers.
func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) (bool, error) {
	if cmd.RideID == "" || cmd.ActorType == "" {
		return false, ErrBadRequest
	}
	var from Status
	res, err := s.store.ConditionalUpdate(ctx, cmd.RideID, func(cur *Ride) (*Ride, bool) {
		if !CanTransition(cur.Status, StatusCancelled) {
			return nil, false
		}
		from = cur.Status
		now := millis(s.now())
		cur.Status = StatusCancelled
		cur.CancelledAt = &now
		if cmd.Reason != "" {
			reason := cmd.Reason
			cur.CancelReason = &reason
		}
		return cur, true
	})
	if ok, err := s.outcome("cancel", cmd.RideID, res, err); !ok {
		return false, err
	}
	s.publish(ctx, cmd.RideID, from, StatusCancelled, cmd.ActorType, cmd.ActorID)
	return true, nil
}

// ReportPosition overwrites the ride's driver location. Last write wins.
func (s *Service) ReportPosition(ctx context.Context, cmd PositionCommand) error {
	if cmd.RideID == "" {
		return ErrBadRequest
	}
	now := millis(s.now())
	pos := cmd.Position
	return s.wrap("report position", cmd.RideID, s.store.Write(ctx, cmd.RideID, Patch{
		DriverLoc:          &pos,
		DriverLocUpdatedAt: &now,
	}))
}

// SaveRoute caches a computed route on the record for other observers.
func (s *Service) SaveRoute(ctx context.Context, id types.ID, route Route) error {
	if route.ComputedAt == 0 {
		route.ComputedAt = millis(s.now())
	}
	return s.wrap("save route", id, s.store.Write(ctx, id, Patch{Route: &route}))
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	r, err := s.store.Get(ctx, id)
	return r, s.wrap("get", id, err)
}

// GetForDriver returns the ride only when driverID is its assigned driver.
func (s *Service) GetForDriver(ctx context.Context, id, driverID types.ID) (*Ride, error) {
	r, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !r.AssignedTo(driverID) {
		return nil, ErrForbidden
	}
	return r, nil
}

// ListSearching returns open requests, newest first.
func (s *Service) ListSearching(ctx context.Context) ([]*Ride, error) {
	rides, err := s.store.ListByStatus(ctx, StatusSearching)
	if err != nil {
		return nil, fmt.Errorf("list searching: %w", err)
	}
	sortNewestFirst(rides)
	return rides, nil
}

// WatchSearching streams the open request set, newest first, on every change.
func (s *Service) WatchSearching(ctx context.Context) (<-chan []*Ride, func(), error) {
	return s.store.SubscribeStatus(ctx, StatusSearching)
}

// Watch streams one ride's record on every change.
func (s *Service) Watch(ctx context.Context, id types.ID) (<-chan Snapshot, func(), error) {
	return s.store.Subscribe(ctx, id)
}

// Drain waits for in-flight archival writes or for ctx to end.
func (s *Service) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.archiving.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// archive re-reads the committed record and hands it to the archiver in the
// background. Failures are logged and never reach the caller.
func (s *Service) archive(id types.ID) {
	if s.archiver == nil {
		return
	}
	s.archiving.Add(1)
	go func() {
		defer s.archiving.Done()
		defer func() {
			if rec := recover(); rec != nil {
				observability.ArchiveWrites.WithLabelValues("failed").Inc()
				s.log.Error("archive panicked", "ride_id", id, "panic", rec)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), s.archiveTimeout)
		defer cancel()
		r, err := s.store.Get(ctx, id)
		if err != nil {
			observability.ArchiveWrites.WithLabelValues("failed").Inc()
			s.log.Warn("archive read failed", "ride_id", id, "err", err)
			return
		}
		if err := s.archiver.Archive(ctx, r); err != nil {
			observability.ArchiveWrites.WithLabelValues("failed").Inc()
			s.log.Warn("archive write failed", "ride_id", id, "err", err)
			return
		}
		observability.ArchiveWrites.WithLabelValues("ok").Inc()
	}()
}

// outcome records metrics for a conditional update and reports whether the
// caller should proceed as committed.
func (s *Service) outcome(op string, id types.ID, res UpdateResult, err error) (bool, error) {
	if err != nil {
		observability.RideTransitions.WithLabelValues(op, "error").Inc()
		return false, s.wrap(op, id, err)
	}
	if !res.Committed {
		observability.RideTransitions.WithLabelValues(op, "rejected").Inc()
		return false, nil
	}
	observability.RideTransitions.WithLabelValues(op, "committed").Inc()
	return true, nil
}

func (s *Service) publish(ctx context.Context, id types.ID, from, to Status, actorType string, actorID *types.ID) {
	if s.events == nil {
		return
	}
	err := s.events.Publish(ctx, Event{
		RideID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actorType,
		ActorID:    actorID,
		CreatedAt:  s.now(),
	})
	if err != nil {
		s.log.Warn("publish ride event failed", "ride_id", id, "to", to, "err", err)
	}
}

// wrap keeps sentinel errors matchable while adding the operation.
func (s *Service) wrap(op string, id types.ID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrBadRequest) {
		return err
	}
	return fmt.Errorf("%s ride %s: %w", op, id, err)
}

func actorPtr(id types.ID) *types.ID {
	if id == "" {
		return nil
	}
	return &id
}
