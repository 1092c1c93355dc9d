package txc

import (
	"math"

	"github.com/wroge/wgs84"
)

// Transformer converts between OSGB36 National Grid references (EPSG:27700)
// and WGS84 longitude/latitude using the OSGB36 7-parameter datum shift.
// It is safe for concurrent use.
type Transformer struct {
	toLonLat func(a, b, c float64) (float64, float64, float64)
	toGrid   func(a, b, c float64) (float64, float64, float64)
}

func NewTransformer() *Transformer {
	grid := wgs84.OSGB36NationalGrid()
	return &Transformer{
		toLonLat: grid.To(wgs84.LonLat()),
		toGrid:   wgs84.LonLat().To(grid),
	}
}

var defaultTransformer = NewTransformer()

// OSGB36ToWGS84 converts a National Grid easting/northing to WGS84 degrees.
func OSGB36ToWGS84(easting, northing float64) (lon, lat float64) {
	return defaultTransformer.ToWGS84(easting, northing)
}

// WGS84ToOSGB36 converts WGS84 degrees to a National Grid easting/northing
// rounded to the metre.
func WGS84ToOSGB36(lon, lat float64) (easting, northing int) {
	return defaultTransformer.ToOSGB36(lon, lat)
}

func (t *Transformer) ToWGS84(easting, northing float64) (lon, lat float64) {
	lon, lat, _ = t.toLonLat(easting, northing, 0)
	return lon, lat
}

func (t *Transformer) ToOSGB36(lon, lat float64) (easting, northing int) {
	e, n, _ := t.toGrid(lon, lat, 0)
	return int(math.Round(e)), int(math.Round(n))
}
