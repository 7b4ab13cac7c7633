// README: API gateway; registers HTTP routes and delegates to module services.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"driverline/internal/http/handlers"
	"driverline/internal/http/middleware"
	"driverline/internal/infra"
	"driverline/internal/maps"
	"driverline/internal/modules/history"
	"driverline/internal/modules/profile"
	"driverline/internal/modules/ride"
)

type ServerDeps struct {
	Rides        *ride.Service
	History      *history.Service
	Profiles     *profile.Service
	Labeler      *maps.Labeler
	Routes       maps.RouteProvider
	RouteCache   *maps.RouteCache
	Verifier     infra.TokenVerifier
	Logger       *slog.Logger
	RouteTimeout time.Duration
}

type Server struct {
	deps ServerDeps
}

func NewServer(deps ServerDeps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Server{deps: deps}
}

func (s *Server) Routes() *gin.Engine {
	r := gin.New()
	r.Use(middleware.Recovery(s.deps.Logger), middleware.Logging(s.deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	rideHandler := handlers.NewRideHandler(s.deps.Rides, s.deps.Profiles, s.deps.Labeler, s.deps.Logger)
	liveHandler := handlers.NewLiveHandler(s.deps.Rides, s.deps.Routes, s.deps.RouteCache, s.deps.RouteTimeout, s.deps.Logger)
	historyHandler := handlers.NewHistoryHandler(s.deps.History)

	api := r.Group("/api", middleware.Auth(s.deps.Verifier))
	api.GET("/rides/searching", rideHandler.ListSearching)
	api.GET("/rides/searching/stream", rideHandler.StreamSearching)
	api.GET("/rides/:id", rideHandler.Get)
	api.POST("/rides/:id/accept", rideHandler.Accept)
	api.POST("/rides/:id/start", rideHandler.Start)
	api.POST("/rides/:id/complete", rideHandler.Complete)
	api.PUT("/rides/:id/location", rideHandler.UpdateLocation)
	api.GET("/rides/:id/live", liveHandler.Serve)

	api.GET("/history", historyHandler.List)
	api.GET("/history/:id", historyHandler.Get)
	api.POST("/history/:id/rating", historyHandler.Rate)
	return r
}
