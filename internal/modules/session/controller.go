// README: Live ride session: follows the ride record, reports the driver's
// position and keeps a route to the current target on screen.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"driverline/internal/maps"
	"driverline/internal/modules/ride"
	"driverline/internal/observability"
	"driverline/internal/types"
)

var (
	ErrRideNotFound = errors.New("ride not found")
	ErrNotAssigned  = errors.New("ride not assigned to this driver")
)

type Phase string

const (
	PhasePickup  Phase = "pickup"
	PhaseDropoff Phase = "dropoff"
)

// PhaseOf derives the navigation phase from the record status alone.
func PhaseOf(s ride.Status) Phase {
	if s == ride.StatusInProgress || s == ride.StatusCompleted {
		return PhaseDropoff
	}
	return PhasePickup
}

// Target is the point the driver is heading to in phase p.
func Target(r *ride.Ride, p Phase) types.Point {
	if p == PhaseDropoff {
		return r.Destination.Point()
	}
	return r.Origin
}

type RouteUpdate struct {
	Phase Phase
	Route maps.Route
	// Fit asks the view to frame the route; set on the first route of a phase.
	Fit bool
}

type Notice struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Persistent bool   `json:"persistent"`
}

const NoticeDirectionsUnavailable = "directions_unavailable"

// View renders session output. Calls come from the Run goroutine only and
// stop once Run returns.
type View interface {
	ShowRide(r *ride.Ride, phase Phase)
	ShowRoute(u RouteUpdate)
	ShowNotice(n Notice)
}

// Rides is the slice of the ride service a session needs.
type Rides interface {
	Watch(ctx context.Context, id types.ID) (<-chan ride.Snapshot, func(), error)
	ReportPosition(ctx context.Context, cmd ride.PositionCommand) error
	SaveRoute(ctx context.Context, id types.ID, route ride.Route) error
}

type Config struct {
	RideID       types.ID
	DriverID     types.ID
	Rides        Rides
	Routes       maps.RouteProvider
	Positions    PositionSource
	View         View
	Logger       *slog.Logger
	RouteTimeout time.Duration
}

type routeResult struct {
	seq   uint64
	phase Phase
	route maps.Route
	err   error
}

// Controller runs one live session. It is single use.
type Controller struct {
	cfg Config
	log *slog.Logger

	results chan routeResult
	current *ride.Ride
	phase   Phase
	fitted  bool

	seq      uint64
	inflight bool
	pending  *Sample
	last     *Sample
}

func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RouteTimeout <= 0 {
		cfg.RouteTimeout = 10 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		log:     cfg.Logger.With("ride_id", cfg.RideID, "driver_id", cfg.DriverID),
		results: make(chan routeResult),
	}
}

// Run drives the session until ctx ends or the ride reaches a terminal
// status. Everything it acquires is released before it returns, on every path.
func (c *Controller) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	observability.LiveSessions.Inc()
	defer observability.LiveSessions.Dec()

	snaps, unsubscribe, err := c.cfg.Rides.Watch(ctx, c.cfg.RideID)
	if err != nil {
		return fmt.Errorf("subscribe ride %s: %w", c.cfg.RideID, err)
	}
	defer unsubscribe()

	samples := make(chan Sample)
	unregister, err := c.cfg.Positions.Watch(func(s Sample) {
		select {
		case samples <- s:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return fmt.Errorf("watch position: %w", err)
	}
	defer unregister()

	if c.cfg.Routes == nil {
		c.cfg.View.ShowNotice(Notice{
			Code:       NoticeDirectionsUnavailable,
			Message:    "Directions are not configured; positions are still shared.",
			Persistent: true,
		})
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case snap, ok := <-snaps:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("ride %s subscription closed", c.cfg.RideID)
			}
			done, err := c.onSnapshot(ctx, snap)
			if err != nil || done {
				return err
			}
		case s := <-samples:
			c.onSample(ctx, s)
		case res := <-c.results:
			c.onRoute(ctx, res)
		}
	}
}

func (c *Controller) onSnapshot(ctx context.Context, snap ride.Snapshot) (bool, error) {
	if snap.Ride == nil {
		return true, ErrRideNotFound
	}
	if !snap.Ride.AssignedTo(c.cfg.DriverID) {
		return true, ErrNotAssigned
	}
	c.current = snap.Ride
	phase := PhaseOf(snap.Ride.Status)
	changed := phase != c.phase
	if changed && c.phase != "" {
		c.log.Info("session phase changed", "from", c.phase, "to", phase)
		c.fitted = false
	}
	c.phase = phase
	c.cfg.View.ShowRide(snap.Ride, phase)

	if snap.Ride.Status.Terminal() {
		return true, nil
	}
	if changed && c.last != nil {
		c.requestRoute(ctx, *c.last)
	}
	return false, nil
}

func (c *Controller) onSample(ctx context.Context, s Sample) {
	c.last = &s
	err := c.cfg.Rides.ReportPosition(ctx, ride.PositionCommand{
		RideID:   c.cfg.RideID,
		DriverID: c.cfg.DriverID,
		Position: ride.Position{Lat: s.Position.Lat, Lng: s.Position.Lng, Heading: s.Heading},
	})
	if err != nil {
		c.log.Warn("position write failed", "err", err)
	}
	c.requestRoute(ctx, s)
}

// requestRoute keeps at most one directions call in flight. Samples arriving
// meanwhile collapse into the newest, which is routed when the call returns.
func (c *Controller) requestRoute(ctx context.Context, s Sample) {
	if c.cfg.Routes == nil || c.current == nil {
		return
	}
	if c.inflight {
		c.pending = &s
		return
	}
	c.inflight = true
	c.seq++
	seq, phase := c.seq, c.phase
	target := Target(c.current, phase)
	go func() {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RouteTimeout)
		defer cancel()
		rt, err := c.cfg.Routes.Route(rctx, s.Position, target)
		select {
		case c.results <- routeResult{seq: seq, phase: phase, route: rt, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (c *Controller) onRoute(ctx context.Context, res routeResult) {
	c.inflight = false
	defer func() {
		if c.pending != nil {
			next := *c.pending
			c.pending = nil
			c.requestRoute(ctx, next)
		}
	}()

	if res.seq != c.seq || res.phase != c.phase {
		return
	}
	if res.err != nil {
		c.log.Warn("route update failed", "phase", res.phase, "err", res.err)
		return
	}
	fit := !c.fitted
	c.fitted = true
	c.cfg.View.ShowRoute(RouteUpdate{Phase: res.phase, Route: res.route, Fit: fit})

	err := c.cfg.Rides.SaveRoute(ctx, c.cfg.RideID, ride.Route{
		Geometry:        res.route.Geometry,
		DistanceMeters:  res.route.DistanceMeters,
		DurationSeconds: res.route.DurationSeconds,
		Target:          string(res.phase),
	})
	if err != nil {
		c.log.Warn("route cache write failed", "err", err)
	}
}
