package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

func TestFSSinkPutAndExists(t *testing.T) {
	root := t.TempDir()
	p := provider.NewTemplatedOSM()
	s, err := NewFSSink(root, p, zerolog.Nop())
	require.NoError(t, err)

	tile := tilemath.Tile{X: 1, Y: 2, Z: 3}
	require.False(t, s.Exists(tile))

	require.NoError(t, s.Put(context.Background(), tile, []byte("tile-bytes")))
	require.True(t, s.Exists(tile))
	require.NoError(t, s.Finalize())
}

func TestMBTilesSinkRoundTripTMSRowAndScheme(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "out.mbtiles")
	meta := Metadata{Name: "test", Format: "png", Scheme: "xyz"}

	s, err := NewMBTilesSink(dsn, meta, 10, zerolog.Nop())
	require.NoError(t, err)

	z := uint32(5)
	for x := uint32(0); x < 4; x++ {
		for y := uint32(0); y < 4; y++ {
			require.NoError(t, s.Put(context.Background(), tilemath.Tile{X: x, Y: y, Z: z}, []byte{byte(x), byte(y)}))
		}
	}
	require.NoError(t, s.Finalize())

	reader, err := NewMBTilesReader(dsn)
	require.NoError(t, err)
	defer reader.Close()

	seen := 0
	err = reader.VisitAllTiles(func(tile tilemath.Tile, data []byte) error {
		seen++
		require.Equal(t, []byte{byte(tile.X), byte(tile.Y)}, data)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 16, seen)

	md, err := reader.GetMetadata()
	require.NoError(t, err)
	require.Equal(t, "xyz", md["scheme"])
	require.Equal(t, "png", md["format"])

	zr, err := reader.GetZoomRange()
	require.NoError(t, err)
	require.Equal(t, ZoomRange{Min: z, Max: z}, zr)
}

func TestShardedMBTilesSinkOpensPerZoom(t *testing.T) {
	dir := t.TempDir()
	pathTemplate := filepath.Join(dir, "shard-{z}.mbtiles")
	meta := Metadata{Name: "test", Format: "png", Scheme: "xyz"}

	s, err := NewShardedMBTilesSink(pathTemplate, meta, 10, zerolog.Nop())
	require.NoError(t, err)

	require.NoError(t, s.Put(context.Background(), tilemath.Tile{X: 0, Y: 0, Z: 1}, []byte{1}))
	require.NoError(t, s.Put(context.Background(), tilemath.Tile{X: 0, Y: 0, Z: 2}, []byte{2}))
	require.NoError(t, s.Finalize())

	r1, err := NewMBTilesReader(filepath.Join(dir, "shard-1.mbtiles"))
	require.NoError(t, err)
	defer r1.Close()
	zr, err := r1.GetZoomRange()
	require.NoError(t, err)
	require.EqualValues(t, 1, zr.Min)

	r2, err := NewMBTilesReader(filepath.Join(dir, "shard-2.mbtiles"))
	require.NoError(t, err)
	defer r2.Close()
	zr2, err := r2.GetZoomRange()
	require.NoError(t, err)
	require.EqualValues(t, 2, zr2.Min)
}
