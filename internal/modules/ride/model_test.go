// README: Transition table and record copy tests.
package ride

import (
	"testing"

	"driverline/internal/types"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		// forward path
		{StatusSearching, StatusAccepted, true},
		{StatusAccepted, StatusInProgress, true},
		{StatusInProgress, StatusCompleted, true},
		// withdrawal before the trip starts
		{StatusSearching, StatusCancelled, true},
		{StatusAccepted, StatusCancelled, true},
		// no exit from in_progress except completion
		{StatusInProgress, StatusCancelled, false},
		{StatusInProgress, StatusAccepted, false},
		// terminal states
		{StatusCompleted, StatusSearching, false},
		{StatusCompleted, StatusCompleted, false},
		{StatusCancelled, StatusAccepted, false},
		// skips and reversals
		{StatusSearching, StatusInProgress, false},
		{StatusSearching, StatusCompleted, false},
		{StatusAccepted, StatusSearching, false},
		{StatusAccepted, StatusAccepted, false},
		{StatusAccepted, StatusCompleted, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusCompleted, StatusCancelled} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
		if _, ok := AllowedTransitions[s]; ok {
			t.Errorf("%s must have no outgoing transitions", s)
		}
	}
	if Status("pending").Valid() {
		t.Fatal("unknown status reported valid")
	}
}

func TestCloneIsDeep(t *testing.T) {
	name := "Ana"
	code := "123456"
	heading := 90.0
	orig := &Ride{
		ID:         "r1",
		Status:     StatusAccepted,
		PickupCode: &code,
		Driver:     &Driver{ID: "d1", Name: &name},
		DriverLoc:  &Position{Lat: 1, Lng: 2, Heading: &heading},
		Route:      &Route{Geometry: []types.Point{{Lat: 1, Lng: 2}}},
	}
	c := orig.Clone()
	*c.PickupCode = "000000"
	*c.Driver.Name = "Bo"
	*c.DriverLoc.Heading = 180
	c.Route.Geometry[0].Lat = 9

	if *orig.PickupCode != "123456" || *orig.Driver.Name != "Ana" {
		t.Fatal("clone aliases string fields")
	}
	if *orig.DriverLoc.Heading != 90 || orig.Route.Geometry[0].Lat != 1 {
		t.Fatal("clone aliases nested fields")
	}
}
