// README: Driver ride handlers: request feed, accept, start, complete, location.
package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"driverline/internal/http/middleware"
	"driverline/internal/maps"
	"driverline/internal/modules/profile"
	"driverline/internal/modules/ride"
	"driverline/internal/types"
)

type RideHandler struct {
	rides    *ride.Service
	profiles *profile.Service
	labeler  *maps.Labeler
	log      *slog.Logger
}

func NewRideHandler(rides *ride.Service, profiles *profile.Service, labeler *maps.Labeler, logger *slog.Logger) *RideHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &RideHandler{rides: rides, profiles: profiles, labeler: labeler, log: logger}
}

// requireProfile writes 403 and returns false when the caller's profile is
// missing required fields.
func (h *RideHandler) requireProfile(c *gin.Context) (profile.Profile, bool) {
	p, err := h.profiles.RequireComplete(c.Request.Context(), middleware.CallerUID(c))
	if errors.Is(err, profile.ErrIncomplete) {
		writeJSON(c, http.StatusForbidden, gin.H{"error": err.Error(), "missing": p.Missing()})
		return p, false
	}
	if err != nil {
		h.log.Error("profile lookup failed", "uid", middleware.CallerUID(c), "err", err)
		writeError(c, http.StatusInternalServerError, "internal error")
		return p, false
	}
	return p, true
}

// feed renders the open requests. When from is set each entry carries the
// distance to its pickup point.
func (h *RideHandler) feed(ctx context.Context, rides []*ride.Ride, from *types.Point) []*rideView {
	out := make([]*rideView, 0, len(rides))
	for _, r := range rides {
		v := toRideView(r, false)
		v.DestinationLabel = h.labeler.Label(ctx, r.Destination.Address, r.Destination.Point())
		if from != nil {
			d := math.Round(maps.DistanceKm(*from, r.Origin)*100) / 100
			v.PickupDistanceKm = &d
		}
		out = append(out, v)
	}
	return out
}

// driverPoint reads the optional ?lat=&lng= query pair.
func driverPoint(c *gin.Context) *types.Point {
	lat, errLat := strconv.ParseFloat(c.Query("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.Query("lng"), 64)
	if errLat != nil || errLng != nil || !validCoords(lat, lng) {
		return nil
	}
	return &types.Point{Lat: lat, Lng: lng}
}

func (h *RideHandler) ListSearching(c *gin.Context) {
	if _, ok := h.requireProfile(c); !ok {
		return
	}
	rides, err := h.rides.ListSearching(c.Request.Context())
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"rides": h.feed(c.Request.Context(), rides, driverPoint(c))})
}

// StreamSearching pushes the open request set as server-sent events on
// every change.
func (h *RideHandler) StreamSearching(c *gin.Context) {
	if _, ok := h.requireProfile(c); !ok {
		return
	}
	ctx := c.Request.Context()
	from := driverPoint(c)
	updates, cancel, err := h.rides.WatchSearching(ctx)
	if err != nil {
		writeRideError(c, err)
		return
	}
	defer cancel()

	c.Stream(func(w io.Writer) bool {
		select {
		case rides, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent("rides", gin.H{"rides": h.feed(ctx, rides, from)})
			return true
		case <-ctx.Done():
			return false
		}
	})
}

func (h *RideHandler) Get(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	r, err := h.rides.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeRideError(c, err)
		return
	}
	assigned := r.AssignedTo(types.ID(middleware.CallerUID(c)))
	if !assigned && r.Status != ride.StatusSearching {
		writeRideError(c, ride.ErrForbidden)
		return
	}
	v := toRideView(r, assigned)
	v.DestinationLabel = h.labeler.Label(c.Request.Context(), r.Destination.Address, r.Destination.Point())
	writeJSON(c, http.StatusOK, v)
}

func (h *RideHandler) Accept(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	p, ok := h.requireProfile(c)
	if !ok {
		return
	}
	name := p.DisplayName()
	if name == "" {
		name = middleware.CallerName(c)
	}
	accepted, err := h.rides.Accept(c.Request.Context(), ride.AcceptCommand{
		RideID: types.ID(id),
		Driver: ride.Driver{
			ID:    types.ID(middleware.CallerUID(c)),
			Name:  optional(name),
			Phone: optional(middleware.CallerPhone(c)),
		},
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !accepted {
		writeJSON(c, http.StatusConflict, gin.H{"accepted": false, "error": "ride is no longer available"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"accepted": true, "status": ride.StatusAccepted})
}

type startReq struct {
	Code string `json:"code"`
}

func (h *RideHandler) Start(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	started, err := h.rides.Start(c.Request.Context(), ride.StartCommand{
		RideID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
		Code:     req.Code,
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !started {
		writeJSON(c, http.StatusConflict, gin.H{"started": false, "error": "pickup code rejected or ride not startable"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"started": true, "status": ride.StatusInProgress})
}

func (h *RideHandler) Complete(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	completed, err := h.rides.Complete(c.Request.Context(), ride.CompleteCommand{
		RideID:   types.ID(id),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	if !completed {
		writeJSON(c, http.StatusConflict, gin.H{"completed": false, "error": "ride not in progress"})
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"completed": true, "status": ride.StatusCompleted})
}

type locationReq struct {
	Lat     *float64 `json:"lat"`
	Lng     *float64 `json:"lng"`
	Heading *float64 `json:"heading"`
}

func validCoords(lat, lng float64) bool {
	return lat >= -90 && lat <= 90 && lng >= -180 && lng <= 180
}

// UpdateLocation is the REST alternative to the live socket for position reports.
func (h *RideHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Lat == nil || req.Lng == nil || !validCoords(*req.Lat, *req.Lng) {
		writeError(c, http.StatusBadRequest, "lat and lng required")
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	if _, err := h.rides.GetForDriver(c.Request.Context(), types.ID(id), uid); err != nil {
		writeRideError(c, err)
		return
	}
	err := h.rides.ReportPosition(c.Request.Context(), ride.PositionCommand{
		RideID:   types.ID(id),
		DriverID: uid,
		Position: ride.Position{Lat: *req.Lat, Lng: *req.Lng, Heading: req.Heading},
	})
	if err != nil {
		writeRideError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{"status": "ok"})
}
