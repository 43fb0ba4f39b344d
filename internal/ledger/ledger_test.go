package ledger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.db")
	l, err := Open(path, zerolog.Nop(), "mbtiles", "xyz")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMarkIdempotence(t *testing.T) {
	l := openTestLedger(t)
	tile := tilemath.Tile{X: 1, Y: 2, Z: 3}

	require.NoError(t, l.Mark(tile, StatusSuccess))
	require.NoError(t, l.Flush())
	first := l.Snapshot()

	require.NoError(t, l.Mark(tile, StatusSuccess))
	require.NoError(t, l.Flush())
	second := l.Snapshot()

	require.Equal(t, first.Downloaded, second.Downloaded)
	require.EqualValues(t, 1, second.Downloaded)
}

func TestMarkSkippedAfterSuccessIncrementsCounterNotStatus(t *testing.T) {
	l := openTestLedger(t)
	tile := tilemath.Tile{X: 5, Y: 5, Z: 5}

	require.NoError(t, l.Mark(tile, StatusSuccess))
	require.NoError(t, l.Mark(tile, StatusSkipped))
	require.NoError(t, l.Flush())

	stats := l.Snapshot()
	require.EqualValues(t, 1, stats.Downloaded)
	require.EqualValues(t, 1, stats.Skipped)

	rows, err := l.LoadForRange(5, 5)
	require.NoError(t, err)
	require.Equal(t, StatusSuccess, rows[tile])
}

func TestContains(t *testing.T) {
	l := openTestLedger(t)
	tile := tilemath.Tile{X: 7, Y: 8, Z: 9}

	ok, err := l.Contains(tile)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, l.Mark(tile, StatusFailed))

	ok, err = l.Contains(tile)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLoadForRangeFiltersByZoom(t *testing.T) {
	l := openTestLedger(t)
	for z := uint32(1); z <= 5; z++ {
		require.NoError(t, l.Mark(tilemath.Tile{X: 0, Y: 0, Z: z}, StatusSuccess))
	}
	require.NoError(t, l.Flush())

	rows, err := l.LoadForRange(2, 3)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for t2 := range rows {
		require.GreaterOrEqual(t, t2.Z, uint32(2))
		require.LessOrEqual(t, t2.Z, uint32(3))
	}
}

func TestNoDoubleCountBudget(t *testing.T) {
	l := openTestLedger(t)
	total := int64(0)
	for i := uint32(0); i < 50; i++ {
		require.NoError(t, l.Mark(tilemath.Tile{X: i, Y: 0, Z: 10}, StatusSuccess))
		total++
	}
	require.NoError(t, l.Flush())

	stats := l.Snapshot()
	require.LessOrEqual(t, stats.Downloaded+stats.Failed+stats.Skipped, total)
}

func TestLoadLegacyJSONMigratesProcessedTiles(t *testing.T) {
	l := openTestLedger(t)

	legacy := legacyJSON{
		ProcessedTiles: [][3]int{{1, 2, 3}, {4, 5, 6}},
		DownloadedCount: 2,
		TotalTasks:      2,
	}
	data, err := json.Marshal(legacy)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "provider_progress.json")
	require.NoError(t, os.WriteFile(path, data, 0644))

	require.NoError(t, l.LoadLegacyJSON(path))

	rows, err := l.LoadForRange(0, 10)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, StatusSuccess, rows[tilemath.Tile{X: 1, Y: 2, Z: 3}])
	require.Equal(t, StatusSuccess, rows[tilemath.Tile{X: 4, Y: 5, Z: 6}])
}

func TestLoadLegacyJSONMissingFile(t *testing.T) {
	l := openTestLedger(t)
	err := l.LoadLegacyJSON(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
