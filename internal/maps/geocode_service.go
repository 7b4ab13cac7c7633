// README: Reverse geocoding to a locality label: Google Maps, Nominatim, raw coordinates.
package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	gmaps "googlemaps.github.io/maps"

	"driverline/internal/types"
)

var ErrNoLocality = errors.New("no locality found")

type ReverseGeocoder interface {
	// Locality returns a city-level label for p.
	Locality(ctx context.Context, p types.Point) (string, error)
}

// GeocodeService reverse geocodes with the Google Geocoding API.
type GeocodeService struct {
	client *gmaps.Client
}

func NewGeocodeService(apiKey string) (*GeocodeService, error) {
	client, err := gmaps.NewClient(gmaps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GeocodeService{client: client}, nil
}

func (s *GeocodeService) Locality(ctx context.Context, p types.Point) (string, error) {
	results, err := s.client.ReverseGeocode(ctx, &gmaps.GeocodingRequest{
		LatLng: &gmaps.LatLng{Lat: p.Lat, Lng: p.Lng},
	})
	if err != nil {
		return "", fmt.Errorf("geocoding api error: %w", err)
	}
	for _, want := range []string{"locality", "administrative_area_level_2", "administrative_area_level_1"} {
		for _, r := range results {
			for _, c := range r.AddressComponents {
				if hasType(c.Types, want) && c.LongName != "" {
					return c.LongName, nil
				}
			}
		}
	}
	if len(results) > 0 {
		if city := CityFromAddress(results[0].FormattedAddress); city != "" {
			return city, nil
		}
	}
	return "", ErrNoLocality
}

func hasType(kinds []string, want string) bool {
	for _, t := range kinds {
		if t == want {
			return true
		}
	}
	return false
}

// NominatimClient reverse geocodes against an OpenStreetMap Nominatim server.
type NominatimClient struct {
	Endpoint  string
	UserAgent string
	Client    *http.Client
}

func NewNominatimClient(endpoint string) *NominatimClient {
	return &NominatimClient{
		Endpoint:  strings.TrimRight(endpoint, "/"),
		UserAgent: "driverline/1.0",
		Client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (n *NominatimClient) Locality(ctx context.Context, p types.Point) (string, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%.6f", p.Lat))
	q.Set("lon", fmt.Sprintf("%.6f", p.Lng))
	q.Set("zoom", "10")
	q.Set("addressdetails", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.Endpoint+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", n.UserAgent)
	resp, err := n.Client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("nominatim status %d", resp.StatusCode)
	}

	var out struct {
		DisplayName string            `json:"display_name"`
		Address     map[string]string `json:"address"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("nominatim decode: %w", err)
	}
	for _, k := range []string{"city", "town", "village", "municipality", "county", "state"} {
		if v := strings.TrimSpace(out.Address[k]); v != "" {
			return v, nil
		}
	}
	if city := CityFromAddress(out.DisplayName); city != "" {
		return city, nil
	}
	return "", ErrNoLocality
}

// GeocoderChain tries each geocoder in order.
type GeocoderChain []ReverseGeocoder

func (g GeocoderChain) Locality(ctx context.Context, p types.Point) (string, error) {
	var errs []error
	for _, geo := range g {
		city, err := geo.Locality(ctx, p)
		if err == nil && city != "" {
			return city, nil
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return "", ErrNoLocality
	}
	return "", errors.Join(errs...)
}

// CityFromAddress picks the locality out of a comma separated address: the
// second part when there is one, otherwise the first.
func CityFromAddress(address string) string {
	var parts []string
	for _, p := range strings.Split(address, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	switch {
	case len(parts) >= 2:
		return parts[1]
	case len(parts) == 1:
		return parts[0]
	}
	return ""
}

// RawLabel renders coordinates when no name is available.
func RawLabel(p types.Point) string {
	return fmt.Sprintf("(%.5f, %.5f)", p.Lat, p.Lng)
}

// Labeler turns a request destination into a short city label. Reverse
// geocode answers are cached in Redis when a client is configured.
type Labeler struct {
	geo ReverseGeocoder
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewLabeler(geo ReverseGeocoder, rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *Labeler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Labeler{geo: geo, rdb: rdb, ttl: ttl, log: logger}
}

// Label never fails: address, then reverse geocode, then raw coordinates.
func (l *Labeler) Label(ctx context.Context, address *string, p types.Point) string {
	if address != nil {
		if city := CityFromAddress(*address); city != "" {
			return city
		}
	}
	if l == nil || l.geo == nil {
		return RawLabel(p)
	}
	key := fmt.Sprintf("geo:%.4f,%.4f", p.Lat, p.Lng)
	if l.rdb != nil {
		if city, err := l.rdb.Get(ctx, key).Result(); err == nil && city != "" {
			return city
		}
	}
	city, err := l.geo.Locality(ctx, p)
	if err != nil || city == "" {
		l.log.Debug("reverse geocode failed", "point", p.String(), "err", err)
		return RawLabel(p)
	}
	if l.rdb != nil {
		if err := l.rdb.Set(ctx, key, city, l.ttl).Err(); err != nil {
			l.log.Warn("geocode cache write failed", "key", key, "err", err)
		}
	}
	return city
}
