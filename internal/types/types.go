// README: Shared identifiers and coordinates used across modules.
package types

import "fmt"

type ID string

// Point is a WGS84 coordinate in decimal degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// String renders the point as "lat,lng", the form the directions APIs accept.
func (p Point) String() string {
	return fmt.Sprintf("%.6f,%.6f", p.Lat, p.Lng)
}

func (p Point) IsZero() bool {
	return p.Lat == 0 && p.Lng == 0
}
