package geo

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"
)

func TestDistanceMetersKnownValues(t *testing.T) {
	origin := Point{Latitude: 5.6000, Longitude: -0.2000}
	tests := []struct {
		name     string
		to       Point
		min, max float64
	}{
		{"about 1055 m north", Point{Latitude: 5.6095, Longitude: -0.2000}, 1050, 1060},
		{"about 55 m north", Point{Latitude: 5.6005, Longitude: -0.2000}, 54, 57},
		{"same point", origin, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DistanceMeters(origin, tt.to)
			if got < tt.min || got > tt.max {
				t.Fatalf("DistanceMeters() = %.3f, want in [%.1f, %.1f]", got, tt.min, tt.max)
			}
		})
	}
}

func TestDistanceMetersSymmetricAndTriangle(t *testing.T) {
	a := Point{Latitude: 5.6037, Longitude: -0.1870}
	b := Point{Latitude: 5.6101, Longitude: -0.1802}
	c := Point{Latitude: 5.6150, Longitude: -0.1900}

	if ab, ba := DistanceMeters(a, b), DistanceMeters(b, a); math.Abs(ab-ba) > 1e-9 {
		t.Fatalf("distance not symmetric: %f vs %f", ab, ba)
	}
	if DistanceMeters(a, b) == 0 {
		t.Fatal("distinct points must have non-zero distance")
	}
	if DistanceMeters(a, c) > DistanceMeters(a, b)+DistanceMeters(b, c)+1e-6 {
		t.Fatal("triangle inequality violated")
	}
}

func TestSampleOffsetStaysInsideBand(t *testing.T) {
	origins := []Point{
		{Latitude: 5.6000, Longitude: -0.2000},
		{Latitude: -33.8688, Longitude: 151.2093},
		{Latitude: 0.0, Longitude: 179.9999},
		{Latitude: 64.1466, Longitude: -21.9426},
	}
	radii := []int{1, 2, 10, 300, 1000, 2000}
	sampler := NewSampler(rand.NewPCG(42, 7))
	const eps = 0.01

	for _, origin := range origins {
		for _, radius := range radii {
			for i := 0; i < 200; i++ {
				p, err := sampler.SampleOffset(origin, radius)
				if err != nil {
					t.Fatalf("SampleOffset() error = %v", err)
				}
				d := DistanceMeters(origin, p)
				if d < float64(radius)/2-eps || d > float64(radius)+eps {
					t.Fatalf("origin %+v radius %d: distance %.4f outside [%.1f, %d]", origin, radius, d, float64(radius)/2, radius)
				}
				if err := Validate(p); err != nil {
					t.Fatalf("sampled point invalid: %v", err)
				}
			}
		}
	}
}

func TestSampleOffsetZeroRadiusReturnsOrigin(t *testing.T) {
	acc := 8.0
	origin := Point{Latitude: 5.6, Longitude: -0.2, Accuracy: &acc}
	sampler := NewSampler(rand.NewPCG(1, 2))
	for _, radius := range []int{0, -10} {
		got, err := sampler.SampleOffset(origin, radius)
		if err != nil {
			t.Fatalf("SampleOffset() error = %v", err)
		}
		if got.Latitude != origin.Latitude || got.Longitude != origin.Longitude || got.Accuracy != origin.Accuracy {
			t.Fatalf("radius %d: got %+v, want origin", radius, got)
		}
	}
}

func TestSampleOffsetDeterministicForSeed(t *testing.T) {
	origin := Point{Latitude: 5.6, Longitude: -0.2}
	first, _ := NewSampler(rand.NewPCG(99, 100)).SampleOffset(origin, 500)
	second, _ := NewSampler(rand.NewPCG(99, 100)).SampleOffset(origin, 500)
	if first != second {
		t.Fatalf("same seed produced %+v and %+v", first, second)
	}
}

func TestSampleOffsetRejectsInvalidInput(t *testing.T) {
	sampler := NewSampler(nil)
	bad := []Point{
		{Latitude: math.NaN(), Longitude: 0},
		{Latitude: 0, Longitude: math.Inf(1)},
		{Latitude: 91, Longitude: 0},
		{Latitude: 0, Longitude: -180.5},
	}
	for _, p := range bad {
		if _, err := sampler.SampleOffset(p, 100); !errors.Is(err, ErrInvalidLocation) {
			t.Errorf("SampleOffset(%+v) error = %v, want ErrInvalidLocation", p, err)
		}
	}
}

func TestClampRadius(t *testing.T) {
	tests := []struct{ in, want int }{
		{5000, 2000},
		{-10, 0},
		{0, 0},
		{2000, 2000},
		{437, 437},
	}
	for _, tt := range tests {
		if got := ClampRadius(tt.in); got != tt.want {
			t.Errorf("ClampRadius(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestRound(t *testing.T) {
	got := Round(Point{Latitude: 5.603712, Longitude: -0.186964}, 3)
	if got.Latitude != 5.604 || got.Longitude != -0.187 {
		t.Fatalf("Round() = %+v", got)
	}
}
