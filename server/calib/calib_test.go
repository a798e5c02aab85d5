package calib

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deignacio/sprinting-boxes/pkg/geom"
)

func testBoundaries() *FieldBoundaries {
	return &FieldBoundaries{
		Field: []geom.Point{
			{X: 0.05, Y: 0.3}, {X: 0.95, Y: 0.3}, {X: 0.95, Y: 0.8}, {X: 0.05, Y: 0.8},
		},
		LeftEndZone: []geom.Point{
			{X: 0.05, Y: 0.3}, {X: 0.2, Y: 0.3}, {X: 0.2, Y: 0.8}, {X: 0.05, Y: 0.8},
		},
		RightEndZone: []geom.Point{
			{X: 0.8, Y: 0.3}, {X: 0.95, Y: 0.3}, {X: 0.95, Y: 0.8}, {X: 0.8, Y: 0.8},
		},
	}
}

func TestBuildCropConfig(t *testing.T) {
	cfg, err := BuildCropConfig(testBoundaries(), DefaultParams())
	require.NoError(t, err)

	for _, name := range []string{ZoneLeftEndZone, ZoneRightEndZone, ZoneField, ZoneOverview} {
		zone := cfg.Zone(name)
		require.NotNil(t, zone, "zone %v must be present", name)
		require.Greater(t, zone.BBox.W, float32(0))
		require.Greater(t, zone.BBox.H, float32(0))
	}

	// Effective polygon contains the original polygon's centroid and is
	// larger than the original
	left := cfg.Zone(ZoneLeftEndZone)
	c := geom.PolygonCentroid(left.OriginalPolygon)
	require.True(t, geom.PointInPolygon(c.X, c.Y, left.EffectivePolygon))
	require.Greater(t, geom.PolygonDiagonal(left.EffectivePolygon), geom.PolygonDiagonal(left.OriginalPolygon))

	// Crop bbox encloses the effective polygon
	minX, minY, maxX, maxY := geom.PolygonBounds(left.EffectivePolygon)
	require.LessOrEqual(t, left.BBox.X, minX)
	require.LessOrEqual(t, left.BBox.Y, minY)
	require.GreaterOrEqual(t, left.BBox.X+left.BBox.W, maxX)
	require.GreaterOrEqual(t, left.BBox.Y+left.BBox.H, maxY)
}

func TestBuildCropConfigIncomplete(t *testing.T) {
	fb := testBoundaries()
	fb.LeftEndZone = fb.LeftEndZone[:2]
	_, err := BuildCropConfig(fb, DefaultParams())
	require.True(t, errors.Is(err, ErrMissingCropConfig))
}

func TestGlobalPointsROI(t *testing.T) {
	fb := testBoundaries()
	fb.ROI = &ROIDef{X: 0.1, Y: 0.2, W: 0.5, H: 0.5}
	pts := fb.GlobalPoints([]geom.Point{{X: 0, Y: 0}, {X: 1, Y: 1}, {X: 0.5, Y: 0.5}})
	require.InDelta(t, 0.1, pts[0].X, 1e-5)
	require.InDelta(t, 0.2, pts[0].Y, 1e-5)
	require.InDelta(t, 0.6, pts[1].X, 1e-5)
	require.InDelta(t, 0.7, pts[1].Y, 1e-5)
	require.InDelta(t, 0.35, pts[2].X, 1e-5)
	require.InDelta(t, 0.45, pts[2].Y, 1e-5)
}

func TestLoadSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()

	// No artifact at all -> missing crop config
	_, err := LoadCropConfig(dir, DefaultParams())
	require.True(t, errors.Is(err, ErrMissingCropConfig))

	require.NoError(t, SaveBoundaries(dir, testBoundaries()))

	cfg, err := LoadCropConfig(dir, DefaultParams())
	require.NoError(t, err)
	require.Len(t, cfg.Zones, 4)

	// Second load hits crops.json and round-trips losslessly
	cfg2, err := LoadCropConfig(dir, DefaultParams())
	require.NoError(t, err)
	require.Equal(t, cfg, cfg2)
}
