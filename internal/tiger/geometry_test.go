package tiger

import (
	"testing"

	"github.com/jonas-p/go-shp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twpayne/go-geom"
)

func TestGeometry_Point(t *testing.T) {
	g := Geometry(&shp.Point{X: -92.29, Y: 34.74})
	require.NotNil(t, g)
	assert.Equal(t, SRID, g.SRID())
	assert.Equal(t, []float64{-92.29, 34.74}, g.FlatCoords())
}

func TestGeometry_PolyLine(t *testing.T) {
	pl := &shp.PolyLine{
		NumParts: 2,
		Parts:    []int32{0, 2},
		Points: []shp.Point{
			{X: -92.30, Y: 34.70},
			{X: -92.29, Y: 34.71},
			{X: -92.28, Y: 34.72},
			{X: -92.27, Y: 34.73},
		},
	}

	g := Geometry(pl)
	require.NotNil(t, g)
	mls, ok := g.(*geom.MultiLineString)
	require.True(t, ok)
	assert.Equal(t, 2, mls.NumLineStrings())

	b := g.Bounds()
	assert.InDelta(t, -92.30, b.Min(0), 1e-9)
	assert.InDelta(t, 34.73, b.Max(1), 1e-9)
}

func TestGeometry_Polygon(t *testing.T) {
	poly := &shp.Polygon{
		NumParts: 2,
		Parts:    []int32{0, 5},
		Points: []shp.Point{
			// Ring 1
			{X: -80.0, Y: 25.0},
			{X: -80.0, Y: 26.0},
			{X: -79.0, Y: 26.0},
			{X: -79.0, Y: 25.0},
			{X: -80.0, Y: 25.0},
			// Ring 2
			{X: -81.0, Y: 26.0},
			{X: -81.0, Y: 27.0},
			{X: -80.0, Y: 27.0},
			{X: -80.0, Y: 26.0},
			{X: -81.0, Y: 26.0},
		},
	}

	g := Geometry(poly)
	require.NotNil(t, g)
	mp, ok := g.(*geom.MultiPolygon)
	require.True(t, ok)
	assert.Equal(t, 2, mp.NumPolygons())
}

func TestGeometry_NilAndEmpty(t *testing.T) {
	assert.Nil(t, Geometry(nil))
	assert.Nil(t, Geometry(&shp.PolyLine{}))
	assert.Nil(t, Geometry(&shp.Polygon{}))
}
