// README: Base handler utilities (JSON helpers, error mapping, response views).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"driverline/internal/modules/history"
	"driverline/internal/modules/ride"
	"driverline/internal/types"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts Realtime Database push keys and uuids.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeRideError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrConflict):
		writeError(c, http.StatusConflict, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

func writeHistoryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, history.ErrInvalidRating):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, history.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, history.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// rideView is the driver-facing shape of a ride. The pickup code is never
// included: the rider reads it out to the driver.
type rideView struct {
	ID                 types.ID         `json:"id"`
	Status             ride.Status      `json:"status"`
	RiderPhone         *string          `json:"riderPhone,omitempty"`
	Origin             types.Point      `json:"origin"`
	Destination        ride.Destination `json:"destination"`
	DestinationLabel   string           `json:"destinationLabel,omitempty"`
	PickupDistanceKm   *float64         `json:"pickupDistanceKm,omitempty"`
	Service            string           `json:"service"`
	PriceEstimate      float64          `json:"priceEstimate"`
	CreatedAt          int64            `json:"createdAt"`
	AcceptedAt         *int64           `json:"acceptedAt,omitempty"`
	StartedAt          *int64           `json:"startedAt,omitempty"`
	CompletedAt        *int64           `json:"completedAt,omitempty"`
	CancelledAt        *int64           `json:"cancelledAt,omitempty"`
	Driver             *ride.Driver     `json:"driver,omitempty"`
	DriverLoc          *ride.Position   `json:"driverLoc,omitempty"`
	DriverLocUpdatedAt *int64           `json:"driverLocUpdatedAt,omitempty"`
	Route              *ride.Route      `json:"route,omitempty"`
}

// toRideView renders r; rider contact details are only shown to the
// assigned driver.
func toRideView(r *ride.Ride, withContact bool) *rideView {
	v := &rideView{
		ID:                 r.ID,
		Status:             r.Status,
		Origin:             r.Origin,
		Destination:        r.Destination,
		Service:            r.Service,
		PriceEstimate:      r.PriceEstimate,
		CreatedAt:          r.CreatedAt,
		AcceptedAt:         r.AcceptedAt,
		StartedAt:          r.StartedAt,
		CompletedAt:        r.CompletedAt,
		CancelledAt:        r.CancelledAt,
		Driver:             r.Driver,
		DriverLoc:          r.DriverLoc,
		DriverLocUpdatedAt: r.DriverLocUpdatedAt,
		Route:              r.Route,
	}
	if withContact {
		v.RiderPhone = r.RiderPhone
	}
	return v
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
