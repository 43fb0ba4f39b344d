package tilemath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuadKeyScenarios(t *testing.T) {
	assert.Equal(t, "213", TileToQuadKey(3, 5, 3))
	assert.Equal(t, "0", TileToQuadKey(0, 0, 1))

	qk := TileToQuadKey(35210, 21493, 16)
	assert.Len(t, qk, 16)
	assert.Equal(t, "1202102332", qk[:10])
}

func TestQuadKeyBijection(t *testing.T) {
	for z := uint32(1); z <= 10; z++ {
		n := uint32(1) << z
		for x := uint32(0); x < n; x += 3 {
			for y := uint32(0); y < n; y += 5 {
				qk := TileToQuadKey(x, y, z)
				gotX, gotY, gotZ, err := QuadKeyToTile(qk)
				require.NoError(t, err)
				assert.Equal(t, x, gotX)
				assert.Equal(t, y, gotY)
				assert.Equal(t, z, gotZ)
			}
		}
	}
}

func TestFlipYInvolution(t *testing.T) {
	for z := uint32(0); z <= 10; z++ {
		n := uint32(1) << z
		for y := uint32(0); y < n; y++ {
			assert.Equal(t, y, FlipY(FlipY(y, z), z))
		}
	}
}

func TestBBoxCountAtZoom4(t *testing.T) {
	c := TilesInBBox(-180, -85, 180, 85, 4, false)
	assert.EqualValues(t, 256, c.Count())

	total := uint64(0)
	for z := uint32(0); z <= 4; z++ {
		cz := TilesInBBox(-180, -85, 180, 85, z, false)
		total += cz.Count()
	}
	assert.EqualValues(t, 341, total)
}

func TestTMSFlipScenario(t *testing.T) {
	// at z=3, on-disk y=2 in TMS equals Slippy y=5
	assert.EqualValues(t, 5, FlipY(2, 3))
	assert.EqualValues(t, 2, FlipY(5, 3))
}

func TestCoordinateRoundTrip(t *testing.T) {
	const eps = 1e-6
	for z := uint32(1); z <= 12; z++ {
		n := uint32(1) << z
		for x := uint32(0); x < n; x += n/8 + 1 {
			for y := uint32(0); y < n; y += n/8 + 1 {
				lat, lon := TileToLatLon(x, y, z, false)
				gotX, gotY := LatLonToTile(lat-eps, lon+eps, z, false, false)
				assert.Equal(t, x, gotX, "zoom %d x", z)
				assert.Equal(t, y, gotY, "zoom %d y", z)
			}
		}
	}
}

func TestCursorLazyExhaustion(t *testing.T) {
	c := TilesInBBox(-0.1, -0.1, 0.1, 0.1, 10, false)
	seen := map[Tile]bool{}
	count := 0
	for {
		tile, ok := c.Next()
		if !ok {
			break
		}
		seen[tile] = true
		count++
	}
	assert.EqualValues(t, count, c.Count())
	assert.Len(t, seen, count)
}

func TestEdgePolicyAsymmetry(t *testing.T) {
	// A bbox snapped exactly to a tile boundary at z=2 spans the whole
	// world; NW corner floors, SE corner ceils with tolerance, so all 16
	// tiles at z=2 are included.
	c := TilesInBBox(-180, -85.0511, 180, 85.0511, 2, false)
	assert.EqualValues(t, 16, c.Count())
}

func TestQuadKeyToTileRejectsInvalidDigit(t *testing.T) {
	_, _, _, err := QuadKeyToTile("219")
	require.Error(t, err)
}
