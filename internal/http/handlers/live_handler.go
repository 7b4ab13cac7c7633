// README: Live ride socket: runs a session controller per connected driver.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"driverline/internal/http/middleware"
	"driverline/internal/maps"
	"driverline/internal/modules/ride"
	"driverline/internal/modules/session"
	"driverline/internal/types"
)

const (
	liveWriteTimeout = 10 * time.Second
	liveFrameBuffer  = 32
	liveReadLimit    = 4096
)

type LiveHandler struct {
	rides        *ride.Service
	routes       maps.RouteProvider
	cache        *maps.RouteCache
	routeTimeout time.Duration
	log          *slog.Logger
	upgrader     websocket.Upgrader
}

func NewLiveHandler(rides *ride.Service, routes maps.RouteProvider, cache *maps.RouteCache, routeTimeout time.Duration, logger *slog.Logger) *LiveHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LiveHandler{
		rides:        rides,
		routes:       routes,
		cache:        cache,
		routeTimeout: routeTimeout,
		log:          logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type liveFrame struct {
	Type   string          `json:"type"`
	Phase  session.Phase   `json:"phase,omitempty"`
	Ride   *rideView       `json:"ride,omitempty"`
	Route  *maps.Route     `json:"route,omitempty"`
	Fit    bool            `json:"fit,omitempty"`
	Notice *session.Notice `json:"notice,omitempty"`
	Error  string          `json:"error,omitempty"`
}

type liveMessage struct {
	Type    string   `json:"type"`
	Lat     float64  `json:"lat"`
	Lng     float64  `json:"lng"`
	Heading *float64 `json:"heading"`
}

// socketView queues frames for the connection's single writer.
type socketView struct {
	frames chan<- liveFrame
	done   <-chan struct{}
}

func (v socketView) send(f liveFrame) {
	select {
	case v.frames <- f:
	case <-v.done:
	}
}

func (v socketView) ShowRide(r *ride.Ride, phase session.Phase) {
	v.send(liveFrame{Type: "ride", Phase: phase, Ride: toRideView(r, true)})
}

func (v socketView) ShowRoute(u session.RouteUpdate) {
	rt := u.Route
	v.send(liveFrame{Type: "route", Phase: u.Phase, Route: &rt, Fit: u.Fit})
}

func (v socketView) ShowNotice(n session.Notice) {
	v.send(liveFrame{Type: "notice", Notice: &n})
}

// Serve upgrades to a WebSocket. Inbound {"type":"position"} messages feed
// the session; outbound frames carry ride, route and notice updates.
func (h *LiveHandler) Serve(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid ride id")
		return
	}
	uid := types.ID(middleware.CallerUID(c))
	if _, err := h.rides.GetForDriver(c.Request.Context(), types.ID(id), uid); err != nil {
		writeRideError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("live upgrade failed", "ride_id", id, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(liveReadLimit)

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	routes := h.routes
	if routes != nil {
		routes = h.cache.Wrap(routes, id)
	}
	frames := make(chan liveFrame, liveFrameBuffer)
	feed := session.NewFeed()
	ctrl := session.New(session.Config{
		RideID:       types.ID(id),
		DriverID:     uid,
		Rides:        h.rides,
		Routes:       routes,
		Positions:    feed,
		View:         socketView{frames: frames, done: ctx.Done()},
		Logger:       h.log,
		RouteTimeout: h.routeTimeout,
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(conn, frames, cancel)
	}()
	go h.readLoop(conn, feed, cancel)

	runErr := ctrl.Run(ctx)
	if runErr != nil && ctx.Err() == nil {
		h.log.Warn("live session ended", "ride_id", id, "err", runErr)
		select {
		case frames <- liveFrame{Type: "error", Error: runErr.Error()}:
		default:
		}
	}
	close(frames)
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func (h *LiveHandler) writeLoop(conn *websocket.Conn, frames <-chan liveFrame, cancel context.CancelFunc) {
	for f := range frames {
		_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
		if err := conn.WriteJSON(f); err != nil {
			cancel()
			for range frames {
			}
			return
		}
	}
}

func (h *LiveHandler) readLoop(conn *websocket.Conn, feed *session.Feed, cancel context.CancelFunc) {
	defer cancel()
	for {
		var msg liveMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		if msg.Type != "position" || !validCoords(msg.Lat, msg.Lng) {
			continue
		}
		feed.Push(session.Sample{
			Position: types.Point{Lat: msg.Lat, Lng: msg.Lng},
			Heading:  msg.Heading,
			At:       time.Now(),
		})
	}
}
