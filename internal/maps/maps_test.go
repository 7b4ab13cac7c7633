package maps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"driverline/internal/logging"
	"driverline/internal/types"
)

func TestCityFromAddress(t *testing.T) {
	cases := map[string]string{
		"Av. Corrientes 1234, Buenos Aires, Argentina": "Buenos Aires",
		"Rosario":                "Rosario",
		" , Córdoba , AR":        "AR",
		"Calle 1,  Mendoza  ":    "Mendoza",
		"":                       "",
		" , ":                    "",
	}
	for in, want := range cases {
		if got := CityFromAddress(in); got != want {
			t.Errorf("CityFromAddress(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRawLabel(t *testing.T) {
	if got := RawLabel(types.Point{Lat: -34.6037221, Lng: -58.3815704}); got != "(-34.60372, -58.38157)" {
		t.Fatalf("RawLabel = %q", got)
	}
}

func TestOSRMRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/route/v1/driving/-58.381600,-34.603700;-58.373100,-34.599700") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("geometries") != "geojson" {
			t.Errorf("expected geojson geometry")
		}
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"distance":1520.4,"duration":312.5,
			"geometry":{"coordinates":[[-58.3816,-34.6037],[-58.3790,-34.6010],[-58.3731,-34.5997]]}}]}`))
	}))
	defer srv.Close()

	rt, err := NewOSRMClient(srv.URL+"/").Route(context.Background(),
		types.Point{Lat: -34.6037, Lng: -58.3816}, types.Point{Lat: -34.5997, Lng: -58.3731})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if rt.DistanceMeters != 1520 || rt.DurationSeconds != 312.5 || rt.Provider != "osrm" {
		t.Fatalf("unexpected route: %+v", rt)
	}
	if len(rt.Geometry) != 3 || rt.Geometry[0].Lat != -34.6037 || rt.Geometry[0].Lng != -58.3816 {
		t.Fatalf("geometry not flipped to lat/lng: %+v", rt.Geometry)
	}
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()

	_, err := NewOSRMClient(srv.URL).Route(context.Background(), types.Point{}, types.Point{Lat: 1, Lng: 1})
	if !errors.Is(err, ErrNoRoute) {
		t.Fatalf("expected ErrNoRoute, got %v", err)
	}
}

type stubRoutes struct {
	route Route
	err   error
	calls atomic.Int32
}

func (s *stubRoutes) Route(context.Context, types.Point, types.Point) (Route, error) {
	s.calls.Add(1)
	return s.route, s.err
}

func TestFallbackRoutes(t *testing.T) {
	failing := &stubRoutes{err: errors.New("quota exceeded")}
	backup := &stubRoutes{route: Route{Provider: "osrm", DistanceMeters: 10}}
	rt, err := FallbackRoutes{failing, backup}.Route(context.Background(), types.Point{}, types.Point{})
	if err != nil || rt.Provider != "osrm" {
		t.Fatalf("fallback: rt=%+v err=%v", rt, err)
	}

	_, err = FallbackRoutes{failing, failing}.Route(context.Background(), types.Point{}, types.Point{})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("expected joined error, got %v", err)
	}
}

func TestNewRouteProviderRequiresConfig(t *testing.T) {
	if _, err := NewRouteProvider("", ""); !errors.Is(err, ErrNoProvider) {
		t.Fatalf("expected ErrNoProvider, got %v", err)
	}
	p, err := NewRouteProvider("", "http://osrm.local")
	if err != nil {
		t.Fatalf("osrm provider: %v", err)
	}
	if _, ok := p.(*OSRMClient); !ok {
		t.Fatalf("expected OSRM client, got %T", p)
	}
}

func TestNominatimLocality(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") == "" {
			t.Error("missing User-Agent")
		}
		if r.URL.Path != "/reverse" || r.URL.Query().Get("lat") != "-31.420100" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_, _ = w.Write([]byte(`{"display_name":"Centro, Córdoba, Argentina","address":{"town":"","city":"Córdoba"}}`))
	}))
	defer srv.Close()

	city, err := NewNominatimClient(srv.URL).Locality(context.Background(), types.Point{Lat: -31.4201, Lng: -64.1888})
	if err != nil || city != "Córdoba" {
		t.Fatalf("Locality = %q, %v", city, err)
	}
}

type stubGeocoder struct {
	city string
	err  error
}

func (s stubGeocoder) Locality(context.Context, types.Point) (string, error) {
	return s.city, s.err
}

func TestLabelerFallbacks(t *testing.T) {
	ctx := context.Background()
	p := types.Point{Lat: 10.123456, Lng: -20.654321}
	addr := "Calle 9, Mar del Plata, Argentina"

	l := NewLabeler(stubGeocoder{city: "Tandil"}, nil, time.Hour, logging.Discard())
	if got := l.Label(ctx, &addr, p); got != "Mar del Plata" {
		t.Fatalf("address label = %q", got)
	}
	if got := l.Label(ctx, nil, p); got != "Tandil" {
		t.Fatalf("geocoded label = %q", got)
	}

	broken := NewLabeler(GeocoderChain{stubGeocoder{err: errors.New("503")}, stubGeocoder{}}, nil, time.Hour, logging.Discard())
	if got := broken.Label(ctx, nil, p); got != "(10.12346, -20.65432)" {
		t.Fatalf("degraded label = %q", got)
	}
	var none *Labeler
	if got := none.Label(ctx, nil, p); got != RawLabel(p) {
		t.Fatalf("nil labeler = %q", got)
	}
}

func TestRouteCache(t *testing.T) {
	addr := os.Getenv("DRIVERLINE_TEST_REDIS")
	if addr == "" {
		t.Skip("DRIVERLINE_TEST_REDIS not set; skipping redis-backed cache test")
	}
	ctx := context.Background()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = rdb.Close() })
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Fatalf("ping redis: %v", err)
	}

	scope := "test-" + time.Now().Format("150405.000000")
	origin := types.Point{Lat: 1.00001, Lng: 2}
	dest := types.Point{Lat: 3, Lng: 4}
	t.Cleanup(func() { rdb.Del(ctx, routeKey(scope, origin, dest)) })

	next := &stubRoutes{route: Route{Provider: "osrm", DistanceMeters: 42}}
	cached := NewRouteCache(rdb, time.Minute, logging.Discard()).Wrap(next, scope)
	for i := 0; i < 3; i++ {
		rt, err := cached.Route(ctx, origin, dest)
		if err != nil || rt.DistanceMeters != 42 {
			t.Fatalf("cached route: %+v %v", rt, err)
		}
	}
	// a nearby origin falls into the same bucket
	if _, err := cached.Route(ctx, types.Point{Lat: 1.00002, Lng: 2}, dest); err != nil {
		t.Fatalf("bucketed route: %v", err)
	}
	if n := next.calls.Load(); n != 1 {
		t.Fatalf("expected one upstream call, got %d", n)
	}
}
