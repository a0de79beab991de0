package geo

import (
	"math"

	"pawkeeper-live/internal/apperr"
)

// EarthRadiusMeters is the spherical radius used for all distance math.
const EarthRadiusMeters = 6378100.0

// windowMargin widens SQL prefilter windows so float rounding never drops a
// pin that the exact distance check would keep.
const windowMargin = 1e-6

type Point struct {
	Lon float64 `json:"lng"`
	Lat float64 `json:"lat"`
}

func (p Point) Validate() error {
	if !finite(p.Lon) || !finite(p.Lat) {
		return apperr.New(apperr.InvalidArgument, "coordinates must be finite numbers")
	}
	if p.Lon < -180 || p.Lon > 180 || p.Lat < -90 || p.Lat > 90 {
		return apperr.New(apperr.InvalidArgument, "coordinates out of range")
	}
	return nil
}

// Distance returns the great-circle distance between a and b in meters.
func Distance(a, b Point) float64 {
	lat1 := radians(a.Lat)
	lat2 := radians(b.Lat)
	dLat := lat2 - lat1
	dLon := radians(b.Lon - a.Lon)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Box is an axis-aligned rectangle in degrees. Edges are inclusive.
type Box struct {
	North float64 `json:"north"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	West  float64 `json:"west"`
}

func (b Box) Validate() error {
	for _, v := range []float64{b.North, b.South, b.East, b.West} {
		if !finite(v) {
			return apperr.New(apperr.InvalidArgument, "bounds must be finite numbers")
		}
	}
	if b.North < -90 || b.North > 90 || b.South < -90 || b.South > 90 {
		return apperr.New(apperr.InvalidArgument, "latitude bounds out of range")
	}
	if b.East < -180 || b.East > 180 || b.West < -180 || b.West > 180 {
		return apperr.New(apperr.InvalidArgument, "longitude bounds out of range")
	}
	return nil
}

// Empty reports whether the box has no area. Such boxes match nothing.
func (b Box) Empty() bool {
	return b.North <= b.South || b.East <= b.West
}

func (b Box) Contains(p Point) bool {
	if b.Empty() {
		return false
	}
	return p.Lat >= b.South && p.Lat <= b.North && p.Lon >= b.West && p.Lon <= b.East
}

// Window is a lat/lon range suitable for an indexed SQL prefilter.
type Window struct {
	MinLat, MaxLat float64
	MinLon, MaxLon float64
}

// RadiusWindows returns the windows that together cover every point within
// radiusMeters of center. A circle that reaches a pole covers all longitudes;
// a circle that crosses the antimeridian is split in two.
func RadiusWindows(center Point, radiusMeters float64) []Window {
	d := radiusMeters / EarthRadiusMeters
	if d >= math.Pi {
		return []Window{{MinLat: -90, MaxLat: 90, MinLon: -180, MaxLon: 180}}
	}

	dDeg := degrees(d)
	minLat := center.Lat - dDeg - windowMargin
	maxLat := center.Lat + dDeg + windowMargin
	if minLat <= -90 || maxLat >= 90 {
		return []Window{{
			MinLat: math.Max(minLat, -90),
			MaxLat: math.Min(maxLat, 90),
			MinLon: -180,
			MaxLon: 180,
		}}
	}

	ratio := math.Sin(d) / math.Cos(radians(center.Lat))
	if ratio >= 1 {
		return []Window{{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: 180}}
	}
	dLon := degrees(math.Asin(ratio)) + windowMargin
	minLon := center.Lon - dLon
	maxLon := center.Lon + dLon

	switch {
	case minLon < -180:
		return []Window{
			{MinLat: minLat, MaxLat: maxLat, MinLon: minLon + 360, MaxLon: 180},
			{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: maxLon},
		}
	case maxLon > 180:
		return []Window{
			{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: 180},
			{MinLat: minLat, MaxLat: maxLat, MinLon: -180, MaxLon: maxLon - 360},
		}
	default:
		return []Window{{MinLat: minLat, MaxLat: maxLat, MinLon: minLon, MaxLon: maxLon}}
	}
}

// ValidateRadius rejects negative and non-finite radii. Zero is allowed and
// matches only pins at the exact center.
func ValidateRadius(radiusMeters float64) error {
	if !finite(radiusMeters) || radiusMeters < 0 {
		return apperr.New(apperr.InvalidArgument, "radius must be a non-negative number")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
