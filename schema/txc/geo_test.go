package txc

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOSGB36ToWGS84(t *testing.T) {
	lon, lat := OSGB36ToWGS84(530000, 180000)
	assert.InDelta(t, -0.12835, lon, 0.0001)
	assert.InDelta(t, 51.50399, lat, 0.0001)
}

func TestWGS84ToOSGB36(t *testing.T) {
	e, n := WGS84ToOSGB36(-0.12835, 51.50399)
	assert.InDelta(t, 530000, e, 10)
	assert.InDelta(t, 180000, n, 10)
}

func TestOSGB36RoundTrip(t *testing.T) {
	tr := NewTransformer()
	points := [][2]float64{
		{651409, 313177},
		{530000, 180000},
		{258000, 665000},
		{326000, 673000},
		{400000, 100000},
		{146000, 30000},
	}
	for _, p := range points {
		lon, lat := tr.ToWGS84(p[0], p[1])
		e, n := tr.ToOSGB36(lon, lat)
		assert.LessOrEqual(t, math.Abs(float64(e)-p[0]), 1.0, "easting %v", p)
		assert.LessOrEqual(t, math.Abs(float64(n)-p[1]), 1.0, "northing %v", p)
	}
}
