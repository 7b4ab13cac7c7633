// README: Great-circle distance between points; used to annotate the request feed.
package maps

import (
	"math"

	"driverline/internal/types"
)

const earthRadiusKm = 6371.0

// DistanceKm returns the haversine distance between a and b.
func DistanceKm(a, b types.Point) float64 {
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	return earthRadiusKm * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

func radians(deg float64) float64 {
	return deg * math.Pi / 180.0
}
