// README: Route providers: Google Maps Directions with an OSRM alternative.
package maps

import (
	"context"
	"errors"
	"fmt"
	"time"

	gmaps "googlemaps.github.io/maps"

	"driverline/internal/observability"
	"driverline/internal/types"
)

var (
	ErrNoRoute    = errors.New("no route found")
	ErrNoProvider = errors.New("no directions provider configured")
)

// Route is a driving route between two points.
type Route struct {
	Geometry        []types.Point `json:"geometry"`
	DistanceMeters  int           `json:"distanceMeters"`
	DurationSeconds float64       `json:"durationSeconds"`
	Provider        string        `json:"provider"`
}

type RouteProvider interface {
	Route(ctx context.Context, origin, destination types.Point) (Route, error)
}

// NewRouteProvider picks Google when a key is configured and OSRM otherwise.
// With both configured, OSRM serves as fallback when Google fails.
func NewRouteProvider(googleAPIKey, osrmURL string) (RouteProvider, error) {
	var google *RouteService
	if googleAPIKey != "" {
		svc, err := NewRouteService(googleAPIKey)
		if err != nil {
			return nil, err
		}
		google = svc
	}
	switch {
	case google != nil && osrmURL != "":
		return FallbackRoutes{google, NewOSRMClient(osrmURL)}, nil
	case google != nil:
		return google, nil
	case osrmURL != "":
		return NewOSRMClient(osrmURL), nil
	}
	return nil, ErrNoProvider
}

// RouteService handles interactions with Google Maps API.
type RouteService struct {
	client *gmaps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Route returns the first driving route with its decoded overview geometry.
func (s *RouteService) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	r := &gmaps.DirectionsRequest{
		Origin:      origin.String(),
		Destination: destination.String(),
		Mode:        gmaps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		observability.DirectionsRequests.WithLabelValues("google", "error").Inc()
		return Route{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		observability.DirectionsRequests.WithLabelValues("google", "empty").Inc()
		return Route{}, ErrNoRoute
	}

	best := routes[0]
	path, err := best.OverviewPolyline.Decode()
	if err != nil {
		observability.DirectionsRequests.WithLabelValues("google", "error").Inc()
		return Route{}, fmt.Errorf("decode polyline: %w", err)
	}
	out := Route{Provider: "google", Geometry: make([]types.Point, 0, len(path))}
	for _, p := range path {
		out.Geometry = append(out.Geometry, types.Point{Lat: p.Lat, Lng: p.Lng})
	}
	var total time.Duration
	for _, leg := range best.Legs {
		out.DistanceMeters += leg.Distance.Meters
		total += leg.Duration
	}
	out.DurationSeconds = total.Seconds()
	observability.DirectionsRequests.WithLabelValues("google", "ok").Inc()
	return out, nil
}

// FallbackRoutes tries each provider in order and returns the first success.
type FallbackRoutes []RouteProvider

func (f FallbackRoutes) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	if len(f) == 0 {
		return Route{}, ErrNoProvider
	}
	var errs []error
	for _, p := range f {
		rt, err := p.Route(ctx, origin, destination)
		if err == nil {
			return rt, nil
		}
		if ctx.Err() != nil {
			return Route{}, ctx.Err()
		}
		errs = append(errs, err)
	}
	return Route{}, errors.Join(errs...)
}
