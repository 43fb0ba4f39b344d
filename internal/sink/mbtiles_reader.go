// MBTiles reader, adapted from the teacher's tilepack/mbtiles_reader.go:
// read-side access for the `merge` subcommand.
package sink

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tilezen/tileharvester/internal/tilemath"
)

// ZoomRange is the inclusive [Min, Max] zoom span present in an MBTiles
// file.
type ZoomRange struct {
	Min, Max uint32
}

// MBTilesReader provides read access to an MBTiles file: single-tile
// lookup and the full scan used by offline merge.
type MBTilesReader interface {
	Close() error
	GetTile(t tilemath.Tile) ([]byte, error)
	VisitAllTiles(visitor func(t tilemath.Tile, data []byte) error) error
	GetZoomRange() (ZoomRange, error)
	GetMetadata() (map[string]string, error)
}

type mbtilesReader struct {
	db *sql.DB
}

// NewMBTilesReader opens dsn for reading.
func NewMBTilesReader(dsn string) (MBTilesReader, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	return &mbtilesReader{db: db}, nil
}

func (r *mbtilesReader) Close() error {
	return r.db.Close()
}

// GetTile looks up a tile by its logical (XYZ-oriented) coordinate,
// converting to the TMS storage orientation for the query.
func (r *mbtilesReader) GetTile(t tilemath.Tile) ([]byte, error) {
	row := tilemath.FlipY(t.Y, t.Z)

	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=? LIMIT 1",
		t.Z, t.X, row,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// VisitAllTiles runs visitor over every stored tile, converting tile_row
// back to XYZ orientation before invoking it.
func (r *mbtilesReader) VisitAllTiles(visitor func(t tilemath.Tile, data []byte) error) error {
	rows, err := r.db.Query("SELECT zoom_level, tile_column, tile_row, tile_data FROM tiles")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var z, x, tmsRow uint32
		var data []byte
		if err := rows.Scan(&z, &x, &tmsRow, &data); err != nil {
			return err
		}
		t := tilemath.Tile{X: x, Y: tilemath.FlipY(tmsRow, z), Z: z}
		if err := visitor(t, data); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (r *mbtilesReader) GetZoomRange() (ZoomRange, error) {
	var min, max sql.NullInt64
	err := r.db.QueryRow("SELECT MIN(zoom_level), MAX(zoom_level) FROM tiles").Scan(&min, &max)
	if err != nil {
		return ZoomRange{}, err
	}
	if !min.Valid {
		return ZoomRange{}, fmt.Errorf("mbtiles reader: no tiles present")
	}
	return ZoomRange{Min: uint32(min.Int64), Max: uint32(max.Int64)}, nil
}

func (r *mbtilesReader) GetMetadata() (map[string]string, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		result[name] = value
	}
	return result, rows.Err()
}
