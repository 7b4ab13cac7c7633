// README: Redis-backed route cache scoped per ride and target.
package maps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"driverline/internal/observability"
	"driverline/internal/types"
)

// RouteCache stores computed routes in Redis. Origins are bucketed to about
// ten metres so a stationary driver reuses the last route.
type RouteCache struct {
	rdb *redis.Client
	ttl time.Duration
	log *slog.Logger
}

func NewRouteCache(rdb *redis.Client, ttl time.Duration, logger *slog.Logger) *RouteCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &RouteCache{rdb: rdb, ttl: ttl, log: logger}
}

// Wrap returns a provider that consults the cache under scope before calling next.
func (c *RouteCache) Wrap(next RouteProvider, scope string) RouteProvider {
	if c == nil || c.rdb == nil {
		return next
	}
	return &cachedRoutes{cache: c, next: next, scope: scope}
}

type cachedRoutes struct {
	cache *RouteCache
	next  RouteProvider
	scope string
}

func routeKey(scope string, origin, destination types.Point) string {
	return fmt.Sprintf("route:%s:%.4f,%.4f:%.5f,%.5f", scope, origin.Lat, origin.Lng, destination.Lat, destination.Lng)
}

func (c *cachedRoutes) Route(ctx context.Context, origin, destination types.Point) (Route, error) {
	key := routeKey(c.scope, origin, destination)
	raw, err := c.cache.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var rt Route
		if jsonErr := json.Unmarshal(raw, &rt); jsonErr == nil {
			observability.RouteCache.WithLabelValues("hit").Inc()
			return rt, nil
		}
	case !errors.Is(err, redis.Nil):
		c.cache.log.Warn("route cache read failed", "key", key, "err", err)
	}
	observability.RouteCache.WithLabelValues("miss").Inc()

	rt, err := c.next.Route(ctx, origin, destination)
	if err != nil {
		return Route{}, err
	}
	if body, err := json.Marshal(rt); err == nil {
		if err := c.cache.rdb.Set(ctx, key, body, c.cache.ttl).Err(); err != nil {
			c.cache.log.Warn("route cache write failed", "key", key, "err", err)
		}
	}
	return rt, nil
}
