package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name    string
		a, b    Point
		want    float64
		epsilon float64
	}{
		{"same point", Point{34, -118}, Point{34, -118}, 0, 1e-9},
		{"two thousandths of a degree north", Point{34.0, -118.0}, Point{34.002, -118.0}, 222.4, 0.5},
		{"one degree of latitude", Point{0, 0}, Point{1, 0}, 111195, 1},
		{"antipodal", Point{0, 0}, Point{0, 180}, 20015087, 1},
		{"near the pole across the meridian", Point{89.999, 0}, Point{89.999, 180}, 222.4, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Distance(tt.a, tt.b)
			assert.InDelta(t, tt.want, got, tt.epsilon)
			assert.InDelta(t, got, Distance(tt.b, tt.a), 1e-6, "distance must be symmetric")
		})
	}
}

func TestDistancePolarLongitudeShrinks(t *testing.T) {
	// A flat lat/lon approximation would report ~111 km here.
	d := Distance(Point{89.9, 0}, Point{89.9, 1})
	assert.Less(t, d, 300.0)
}
