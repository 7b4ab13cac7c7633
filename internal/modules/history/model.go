// README: History entry archived from a completed ride, plus field decoding.
package history

import (
	"time"

	"driverline/internal/modules/ride"
	"driverline/internal/types"
)

// Entry is one archived trip in the rides collection, keyed by ride id.
type Entry struct {
	RideID        types.ID         `json:"rideId"`
	RiderID       string           `json:"riderId"`
	RiderPhone    *string          `json:"riderPhone"`
	DriverID      string           `json:"driverId"`
	DriverName    *string          `json:"driverName"`
	DriverPhone   *string          `json:"driverPhone"`
	Origin        types.Point      `json:"origin"`
	Destination   ride.Destination `json:"destination"`
	Service       string           `json:"service"`
	Price         float64          `json:"price"`
	Status        string           `json:"status"`
	CreatedAt     *time.Time       `json:"createdAt"`
	AcceptedAt    *time.Time       `json:"acceptedAt"`
	StartedAt     *time.Time       `json:"startedAt"`
	CompletedAt   *time.Time       `json:"completedAt"`
	DriverRating  *int             `json:"driverRating,omitempty"`
	DriverComment *string          `json:"driverComment,omitempty"`
	DriverRatedAt *time.Time       `json:"driverRatedAt,omitempty"`
}

// entryFromMap decodes a stored document. Timestamps may be native
// timestamps or epoch milliseconds written by older clients.
func entryFromMap(id string, m map[string]interface{}) *Entry {
	e := &Entry{
		RideID:        types.ID(id),
		RiderID:       stringField(m, "riderId"),
		RiderPhone:    stringPtrField(m, "riderPhone"),
		DriverID:      stringField(m, "driverId"),
		DriverName:    stringPtrField(m, "driverName"),
		DriverPhone:   stringPtrField(m, "driverPhone"),
		Service:       stringField(m, "service"),
		Price:         floatField(m, "price"),
		Status:        stringField(m, "status"),
		CreatedAt:     timeField(m, "createdAt"),
		AcceptedAt:    timeField(m, "acceptedAt"),
		StartedAt:     timeField(m, "startedAt"),
		CompletedAt:   timeField(m, "completedAt"),
		DriverRating:  intPtrField(m, "driverRating"),
		DriverComment: stringPtrField(m, "driverComment"),
		DriverRatedAt: timeField(m, "driverRatedAt"),
	}
	if o, ok := m["origin"].(map[string]interface{}); ok {
		e.Origin = types.Point{Lat: floatField(o, "lat"), Lng: floatField(o, "lng")}
	}
	if d, ok := m["destination"].(map[string]interface{}); ok {
		e.Destination = ride.Destination{
			Lat:     floatField(d, "lat"),
			Lng:     floatField(d, "lng"),
			Address: stringPtrField(d, "address"),
		}
	}
	return e
}

func stringField(m map[string]interface{}, key string) string {
	v, _ := m[key].(string)
	return v
}

func stringPtrField(m map[string]interface{}, key string) *string {
	v, ok := m[key].(string)
	if !ok {
		return nil
	}
	return &v
}

func floatField(m map[string]interface{}, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

func intPtrField(m map[string]interface{}, key string) *int {
	var n int
	switch v := m[key].(type) {
	case int64:
		n = int(v)
	case int:
		n = v
	case float64:
		n = int(v)
	default:
		return nil
	}
	return &n
}

func timeField(m map[string]interface{}, key string) *time.Time {
	var t time.Time
	switch v := m[key].(type) {
	case time.Time:
		t = v
	case int64:
		t = time.UnixMilli(v)
	case float64:
		t = time.UnixMilli(int64(v))
	default:
		return nil
	}
	return &t
}

func completedAtOrZero(e *Entry) time.Time {
	if e.CompletedAt == nil {
		return time.Time{}
	}
	return *e.CompletedAt
}
