// README: OSRM HTTP route client.
package maps

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"driverline/internal/observability"
	"driverline/internal/types"
)

// OSRMClient performs route lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (o *OSRMClient) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}
	url := fmt.Sprintf("%s/route/v1/driving/%.6f,%.6f;%.6f,%.6f?overview=full&geometries=geojson",
		o.Endpoint, origin.Lng, origin.Lat, destination.Lng, destination.Lat)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Route{}, err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		observability.DirectionsRequests.WithLabelValues("osrm", "error").Inc()
		return Route{}, err
	}
	defer resp.Body.Close()

	var out struct {
		Code   string `json:"code"`
		Routes []struct {
			Distance float64 `json:"distance"`
			Duration float64 `json:"duration"`
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		observability.DirectionsRequests.WithLabelValues("osrm", "error").Inc()
		return Route{}, fmt.Errorf("osrm decode: %w", err)
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		observability.DirectionsRequests.WithLabelValues("osrm", "empty").Inc()
		return Route{}, fmt.Errorf("%w: osrm code %q", ErrNoRoute, out.Code)
	}

	best := out.Routes[0]
	rt := Route{
		Provider:        "osrm",
		DistanceMeters:  int(best.Distance),
		DurationSeconds: best.Duration,
		Geometry:        make([]types.Point, 0, len(best.Geometry.Coordinates)),
	}
	for _, c := range best.Geometry.Coordinates {
		if len(c) < 2 {
			continue
		}
		rt.Geometry = append(rt.Geometry, types.Point{Lat: c[1], Lng: c[0]})
	}
	observability.DirectionsRequests.WithLabelValues("osrm", "ok").Inc()
	return rt, nil
}
