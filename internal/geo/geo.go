// Package geo computes distances and privacy offsets for capture locations.
//
// A report keeps its exact capture point for authorized consumers and shows a
// public point sampled once at creation. The public point is drawn at a random
// bearing and at a distance between half the blur radius and the full radius,
// so it never sits implausibly close to the true point and never outside the
// advertised uncertainty.
package geo

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
)

const (
	// EarthRadiusMeters is the mean Earth radius used by every spherical formula here.
	EarthRadiusMeters = 6_371_000.0
	// MaxBlurRadius bounds the caller-chosen blur radius in meters.
	MaxBlurRadius = 2000
)

// ErrInvalidLocation reports non-finite or out-of-range coordinates.
var ErrInvalidLocation = errors.New("invalid location")

// Point is a WGS84 coordinate with an optional accuracy radius in meters.
type Point struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
}

// Validate rejects coordinates that cannot be sampled or measured.
func Validate(p Point) error {
	if math.IsNaN(p.Latitude) || math.IsInf(p.Latitude, 0) || math.IsNaN(p.Longitude) || math.IsInf(p.Longitude, 0) {
		return fmt.Errorf("%w: non-finite coordinate", ErrInvalidLocation)
	}
	if p.Latitude < -90 || p.Latitude > 90 {
		return fmt.Errorf("%w: latitude %.6f out of range", ErrInvalidLocation, p.Latitude)
	}
	if p.Longitude < -180 || p.Longitude > 180 {
		return fmt.Errorf("%w: longitude %.6f out of range", ErrInvalidLocation, p.Longitude)
	}
	if p.Accuracy != nil && (math.IsNaN(*p.Accuracy) || math.IsInf(*p.Accuracy, 0) || *p.Accuracy < 0) {
		return fmt.Errorf("%w: bad accuracy", ErrInvalidLocation)
	}
	return nil
}

// DistanceMeters returns the haversine great-circle distance between a and b.
func DistanceMeters(a, b Point) float64 {
	if a.Latitude == b.Latitude && a.Longitude == b.Longitude {
		return 0
	}
	lat1 := toRadians(a.Latitude)
	lat2 := toRadians(b.Latitude)
	dLat := lat2 - lat1
	dLon := toRadians(b.Longitude - a.Longitude)

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	if h > 1 {
		h = 1
	}
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// ClampRadius clamps a requested blur radius to [0, MaxBlurRadius].
func ClampRadius(v int) int {
	if v < 0 {
		return 0
	}
	if v > MaxBlurRadius {
		return MaxBlurRadius
	}
	return v
}

// Round truncates precision to the given number of decimals, dropping accuracy.
func Round(p Point, decimals int) Point {
	scale := math.Pow(10, float64(decimals))
	return Point{
		Latitude:  math.Round(p.Latitude*scale) / scale,
		Longitude: math.Round(p.Longitude*scale) / scale,
	}
}

// Sampler draws public offsets from an injected random source.
// It is safe for concurrent use.
type Sampler struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSampler returns a sampler over src. A nil src uses a randomly seeded PCG.
func NewSampler(src rand.Source) *Sampler {
	if src == nil {
		src = rand.NewPCG(rand.Uint64(), rand.Uint64())
	}
	return &Sampler{rng: rand.New(src)}
}

// SampleOffset returns a point at a uniformly random bearing and a uniformly
// random distance in [max(1, r/2), r] meters from origin. With r <= 0 the
// origin is returned unchanged.
func (s *Sampler) SampleOffset(origin Point, blurRadius int) (Point, error) {
	if err := Validate(origin); err != nil {
		return Point{}, err
	}
	if blurRadius <= 0 {
		return origin, nil
	}

	radius := float64(blurRadius)
	minDist := math.Max(1, radius/2)
	if minDist > radius {
		minDist = radius
	}

	s.mu.Lock()
	bearing := s.rng.Float64() * 2 * math.Pi
	distance := minDist + s.rng.Float64()*(radius-minDist)
	s.mu.Unlock()

	return Destination(origin, bearing, distance), nil
}

// Destination projects origin along bearing (radians, clockwise from north)
// for distance meters using the spherical direct formula.
func Destination(origin Point, bearing, distance float64) Point {
	delta := distance / EarthRadiusMeters
	lat1 := toRadians(origin.Latitude)
	lon1 := toRadians(origin.Longitude)

	sinLat2 := math.Sin(lat1)*math.Cos(delta) + math.Cos(lat1)*math.Sin(delta)*math.Cos(bearing)
	sinLat2 = math.Max(-1, math.Min(1, sinLat2))
	lat2 := math.Asin(sinLat2)
	lon2 := lon1 + math.Atan2(
		math.Sin(bearing)*math.Sin(delta)*math.Cos(lat1),
		math.Cos(delta)-math.Sin(lat1)*sinLat2,
	)

	return Point{
		Latitude:  toDegrees(lat2),
		Longitude: normalizeLongitude(toDegrees(lon2)),
	}
}

func normalizeLongitude(lon float64) float64 {
	lon = math.Mod(lon+540, 360) - 180
	if lon == -180 {
		return 180
	}
	return lon
}

func toRadians(deg float64) float64 { return deg * math.Pi / 180 }

func toDegrees(rad float64) float64 { return rad * 180 / math.Pi }
