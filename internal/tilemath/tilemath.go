// Package tilemath implements Web Mercator / Slippy tile coordinate math:
// lat/lon <-> (x, y, z), bbox enumeration, XYZ<->TMS conversion, and the
// Bing QuadKey encoding.
package tilemath

import (
	"fmt"
	"math"

	"github.com/paulmach/orb/maptile"
)

// MaxWebMercatorLat is the Web Mercator projection's safe latitude bound.
const MaxWebMercatorLat = 85.0511

const floorCeilEpsilon = 1e-10

// Tile is a (x, y, z) coordinate in XYZ (Slippy) orientation unless noted
// otherwise by the function that produced it.
type Tile struct {
	X, Y uint32
	Z    uint32
}

func (t Tile) String() string {
	return fmt.Sprintf("%d/%d/%d", t.Z, t.X, t.Y)
}

// ToMaptile converts to the orb maptile.Tile representation.
func (t Tile) ToMaptile() maptile.Tile {
	return maptile.Tile{X: t.X, Y: t.Y, Z: maptile.Zoom(t.Z)}
}

func clampLat(lat float64) float64 {
	if lat > MaxWebMercatorLat {
		return MaxWebMercatorLat
	}
	if lat < -MaxWebMercatorLat {
		return -MaxWebMercatorLat
	}
	return lat
}

// LatLonToTile converts a lat/lon at the given zoom to tile coordinates.
//
// If ceil is true, the result is rounded up (with a small epsilon to absorb
// floating point error at tile edges) rather than floored; this is used to
// compute the inclusive south-east corner of a bounding box. If tms is true,
// the result is returned in TMS (y=0 at south) orientation.
func LatLonToTile(lat, lon float64, z uint32, tms, ceil bool) (x, y uint32) {
	lat = clampLat(lat)
	n := math.Exp2(float64(z))

	xf := (lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	yf := (1.0 - math.Log(math.Tan(latRad)+1.0/math.Cos(latRad))/math.Pi) / 2.0 * n

	var xi, yi int64
	if ceil {
		xi = int64(math.Ceil(xf - floorCeilEpsilon))
		yi = int64(math.Ceil(yf - floorCeilEpsilon))
	} else {
		xi = int64(math.Floor(xf))
		yi = int64(math.Floor(yf))
	}

	if tms {
		yi = int64(n) - 1 - yi
	}

	return clampCoord(xi, n), clampCoord(yi, n)
}

func clampCoord(v int64, n float64) uint32 {
	max := int64(n) - 1
	if v < 0 {
		return 0
	}
	if v > max {
		return uint32(max)
	}
	return uint32(v)
}

// TileToLatLon returns the north-west corner of tile (x, y, z). If tms is
// true, x/y are interpreted in TMS orientation and flipped back to XYZ
// before the projection math runs.
func TileToLatLon(x, y, z uint32, tms bool) (lat, lon float64) {
	n := math.Exp2(float64(z))

	if tms {
		y = uint32(int64(n) - 1 - int64(y))
	}

	lon = float64(x)/n*360.0 - 180.0
	latRad := math.Atan(math.Sinh(math.Pi * (1 - 2*float64(y)/n)))
	lat = latRad * 180.0 / math.Pi

	return lat, lon
}

// TileBBox returns the (west, south, east, north) bounds of tile (x, y, z)
// using the NW corner of (x, y) and the NW corner of (x+1, y+1), both in
// XYZ orientation (a TMS y is flipped first).
func TileBBox(x, y, z uint32, tms bool) (west, south, east, north float64) {
	if tms {
		y = FlipY(y, z)
	}
	north, west = TileToLatLon(x, y, z, false)
	south, east = TileToLatLon(x+1, y+1, z, false)
	return west, south, east, north
}

// FlipY converts a y-coordinate between XYZ and TMS orientation at zoom z.
// Applying it twice is the identity.
func FlipY(y, z uint32) uint32 {
	n := uint32(1) << z
	return n - 1 - y
}

// Cursor is a lazy, resumable iterator over the Cartesian product of tile
// columns and rows in a bounding box at a single zoom level. It never
// materializes the full product, so it is safe to use for zoom levels with
// billions of tiles.
type Cursor struct {
	minX, maxX uint32
	minY, maxY uint32
	z          uint32
	tms        bool

	x, y      uint32
	started   bool
	exhausted bool
}

// NewCursor builds a lazy cursor over the bbox at zoom z that emits tiles
// with x as the outer loop and y as the inner loop. The north/west corner
// is floored, the south/east corner is ceil'd, and both are clamped to
// [0, 2^z-1].
func NewCursor(west, south, east, north float64, z uint32, tms bool) *Cursor {
	minX, minY := LatLonToTile(north, west, z, tms, false)
	maxX, maxY := LatLonToTile(south, east, z, tms, true)

	if minX > maxX {
		minX, maxX = maxX, minX
	}
	if minY > maxY {
		minY, maxY = maxY, minY
	}

	return &Cursor{
		minX: minX, maxX: maxX,
		minY: minY, maxY: maxY,
		z:   z,
		tms: tms,
		x:   minX,
		y:   minY,
	}
}

// Count returns the total number of tiles this cursor will emit, without
// advancing it.
func (c *Cursor) Count() uint64 {
	return uint64(c.maxX-c.minX+1) * uint64(c.maxY-c.minY+1)
}

// Next returns the next tile and true, or the zero value and false once the
// cursor is exhausted.
func (c *Cursor) Next() (Tile, bool) {
	if c.exhausted {
		return Tile{}, false
	}

	if !c.started {
		c.started = true
		return Tile{X: c.x, Y: c.y, Z: c.z}, true
	}

	c.y++
	if c.y > c.maxY {
		c.y = c.minY
		c.x++
		if c.x > c.maxX {
			c.exhausted = true
			return Tile{}, false
		}
	}

	return Tile{X: c.x, Y: c.y, Z: c.z}, true
}

// TilesInBBox constructs a lazy cursor over the bbox at zoom z. west/south/
// east/north are WGS-84 degrees.
func TilesInBBox(west, south, east, north float64, z uint32, tms bool) *Cursor {
	return NewCursor(west, south, east, north, z, tms)
}

// TileToQuadKey encodes (x, y, z) as the standard Bing Maps QuadKey: a
// base-4 string of length z.
func TileToQuadKey(x, y, z uint32) string {
	digits := make([]byte, z)
	for i := uint32(0); i < z; i++ {
		mask := uint32(1) << (z - i - 1)
		digit := byte('0')
		if x&mask != 0 {
			digit++
		}
		if y&mask != 0 {
			digit += 2
		}
		digits[i] = digit
	}
	return string(digits)
}

// QuadKeyToTile is the inverse of TileToQuadKey.
func QuadKeyToTile(quadkey string) (x, y, z uint32, err error) {
	z = uint32(len(quadkey))
	for i := 0; i < len(quadkey); i++ {
		mask := uint32(1) << (z - uint32(i) - 1)
		switch quadkey[i] {
		case '0':
		case '1':
			x |= mask
		case '2':
			y |= mask
		case '3':
			x |= mask
			y |= mask
		default:
			return 0, 0, 0, fmt.Errorf("tilemath: invalid quadkey digit %q at position %d", quadkey[i], i)
		}
	}
	return x, y, z, nil
}
