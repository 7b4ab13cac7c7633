// README: Ride record, lifecycle statuses and the transition table.
package ride

import (
	"time"

	"driverline/internal/types"
)

type Status string

const (
	StatusSearching  Status = "searching"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusCancelled  Status = "cancelled"
	StatusCompleted  Status = "completed"
)

// AllowedTransitions represents the ride lifecycle as code. Terminal statuses
// have no entry. There is no exit from in_progress other than completion.
var AllowedTransitions = map[Status][]Status{
	StatusSearching:  {StatusAccepted, StatusCancelled},
	StatusAccepted:   {StatusInProgress, StatusCancelled},
	StatusInProgress: {StatusCompleted},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusAccepted, StatusInProgress, StatusCancelled, StatusCompleted:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Driver identifies the driver assigned at acceptance.
type Driver struct {
	ID    types.ID `json:"id"`
	Name  *string  `json:"name"`
	Phone *string  `json:"phone"`
}

type Destination struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address *string `json:"address"`
}

func (d Destination) Point() types.Point {
	return types.Point{Lat: d.Lat, Lng: d.Lng}
}

// Position is the latest reported driver location.
type Position struct {
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Heading *float64 `json:"heading"`
}

func (p Position) Point() types.Point {
	return types.Point{Lat: p.Lat, Lng: p.Lng}
}

// Route is the cached route geometry shared by every observer of the ride.
type Route struct {
	Geometry        []types.Point `json:"geometry"`
	DistanceMeters  int           `json:"distanceMeters"`
	DurationSeconds float64       `json:"durationSeconds"`
	Target          string        `json:"target"`
	ComputedAt      int64         `json:"computedAt"`
}

// Ride is the shared live record. Timestamps are Unix milliseconds, the
// Realtime Database wire format. ID is the record key and is not stored in
// the body.
type Ride struct {
	ID                 types.ID    `json:"-"`
	RiderID            string      `json:"riderId"`
	RiderPhone         *string     `json:"riderPhone"`
	Origin             types.Point `json:"origin"`
	Destination        Destination `json:"destination"`
	Service            string      `json:"service"`
	PriceEstimate      float64     `json:"priceEstimate"`
	Status             Status      `json:"status"`
	PickupCode         *string     `json:"pickupCode,omitempty"`
	Driver             *Driver     `json:"driver,omitempty"`
	CreatedAt          int64       `json:"createdAt"`
	AcceptedAt         *int64      `json:"acceptedAt,omitempty"`
	StartedAt          *int64      `json:"startedAt,omitempty"`
	CompletedAt        *int64      `json:"completedAt,omitempty"`
	CancelledAt        *int64      `json:"cancelledAt,omitempty"`
	CancelReason       *string     `json:"cancelReason,omitempty"`
	DriverLoc          *Position   `json:"driverLoc,omitempty"`
	DriverLocUpdatedAt *int64      `json:"driverLocUpdatedAt,omitempty"`
	Route              *Route      `json:"route,omitempty"`
}

// Clone returns a deep copy so transforms never alias store state.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.RiderPhone = cloneString(r.RiderPhone)
	c.Destination.Address = cloneString(r.Destination.Address)
	c.PickupCode = cloneString(r.PickupCode)
	if r.Driver != nil {
		d := *r.Driver
		d.Name = cloneString(r.Driver.Name)
		d.Phone = cloneString(r.Driver.Phone)
		c.Driver = &d
	}
	c.AcceptedAt = cloneInt(r.AcceptedAt)
	c.StartedAt = cloneInt(r.StartedAt)
	c.CompletedAt = cloneInt(r.CompletedAt)
	c.CancelledAt = cloneInt(r.CancelledAt)
	c.CancelReason = cloneString(r.CancelReason)
	if r.DriverLoc != nil {
		p := *r.DriverLoc
		if r.DriverLoc.Heading != nil {
			h := *r.DriverLoc.Heading
			p.Heading = &h
		}
		c.DriverLoc = &p
	}
	c.DriverLocUpdatedAt = cloneInt(r.DriverLocUpdatedAt)
	if r.Route != nil {
		rt := *r.Route
		rt.Geometry = append([]types.Point(nil), r.Route.Geometry...)
		c.Route = &rt
	}
	return &c
}

// AssignedTo reports whether driverID is the ride's assigned driver.
func (r *Ride) AssignedTo(driverID types.ID) bool {
	return r != nil && r.Driver != nil && driverID != "" && r.Driver.ID == driverID
}

// Snapshot is one subscription delivery. Ride is nil when the record does not exist.
type Snapshot struct {
	ID   types.ID
	Ride *Ride
}

// Patch carries the fields that may be written unconditionally. Lifecycle
// fields are deliberately absent: they only change through ConditionalUpdate.
type Patch struct {
	DriverLoc          *Position
	DriverLocUpdatedAt *int64
	Route              *Route
}

func (p Patch) Empty() bool {
	return p.DriverLoc == nil && p.DriverLocUpdatedAt == nil && p.Route == nil
}

// Event records a committed lifecycle transition.
type Event struct {
	RideID     types.ID  `json:"ride_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	ActorType  string    `json:"actor_type"`
	ActorID    *types.ID `json:"actor_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	s := *v
	return &s
}

func cloneInt(v *int64) *int64 {
	if v == nil {
		return nil
	}
	n := *v
	return &n
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}
