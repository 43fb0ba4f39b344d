// Package config resolves a harvest run's configuration from flags, an
// optional YAML file, and TILEHARVEST_* environment variables, layered via
// viper in the same priority order the WaterColorMap CLI uses
// (flags > env > file > defaults).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"

	"github.com/tilezen/tileharvester/internal/harvesterrors"
	"github.com/tilezen/tileharvester/internal/tasksource"
)

// Config is the full set of inputs a run needs before any ledger or sink
// is opened. Validate checks it synchronously before any of them open.
type Config struct {
	ProviderName string
	URLTemplate  string
	Subdomains   []string
	UseQuadKey   bool
	NameInPath   bool
	MinZoom      uint32
	MaxZoom      uint32
	Extension    string

	West, South, East, North float64
	ZoomMin, ZoomMax          uint32

	OutputMode string // "disk" or "mbtiles"
	OutputDSN  string // root dir for disk, file/shard-template DSN for mbtiles
	SaveFormat string
	Scheme     string // "xyz" or "tms"
	TMS        bool

	Workers      int
	LedgerPath   string
	MBTilesBatch int
	ListenAddr   string
}

// Bbox converts the flat West/South/East/North fields into a tasksource.BBox.
func (c Config) Bbox() tasksource.BBox {
	return tasksource.BBox{West: c.West, South: c.South, East: c.East, North: c.North}
}

// Load builds a Config from viper's merged view: flags already bound by
// the caller, an optional --config YAML file, and TILEHARVEST_* env vars.
// v is the viper instance the CLI command populated via BindPFlag, so this
// function owns no cobra dependency itself.
func Load(v *viper.Viper) (Config, error) {
	v.SetEnvPrefix("TILEHARVEST")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	cfg := Config{
		ProviderName: v.GetString("provider-name"),
		URLTemplate:  v.GetString("url-template"),
		Subdomains:   v.GetStringSlice("subdomains"),
		UseQuadKey:   v.GetBool("use-quadkey"),
		NameInPath:   v.GetBool("name-in-path"),
		MinZoom:      uint32(v.GetUint("min-zoom")),
		MaxZoom:      uint32(v.GetUint("max-zoom")),
		Extension:    v.GetString("extension"),

		West:  v.GetFloat64("west"),
		South: v.GetFloat64("south"),
		East:  v.GetFloat64("east"),
		North: v.GetFloat64("north"),

		ZoomMin: uint32(v.GetUint("zoom-min")),
		ZoomMax: uint32(v.GetUint("zoom-max")),

		OutputMode: v.GetString("output-mode"),
		OutputDSN:  v.GetString("output-dsn"),
		SaveFormat: v.GetString("save-format"),
		Scheme:     v.GetString("scheme"),
		TMS:        strings.EqualFold(v.GetString("scheme"), "tms"),

		Workers:      v.GetInt("workers"),
		LedgerPath:   v.GetString("ledger-path"),
		MBTilesBatch: v.GetInt("mbtiles-batch"),
		ListenAddr:   v.GetString("listen"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the required fields, bbox and zoom ordering, output mode
// and worker count before any layer opens a resource, per spec.md's §7
// Input-validation error row: a bad config must fail before a partial
// ledger/sink exists.
func (c Config) Validate() error {
	if c.URLTemplate == "" {
		return fmt.Errorf("%w: url-template is required", harvesterrors.ErrInputValidation)
	}
	if c.West >= c.East {
		return fmt.Errorf("%w: west (%f) must be < east (%f)", harvesterrors.ErrInputValidation, c.West, c.East)
	}
	if c.South >= c.North {
		return fmt.Errorf("%w: south (%f) must be < north (%f)", harvesterrors.ErrInputValidation, c.South, c.North)
	}
	if c.ZoomMin > c.ZoomMax {
		return fmt.Errorf("%w: zoom-min (%d) must be <= zoom-max (%d)", harvesterrors.ErrInputValidation, c.ZoomMin, c.ZoomMax)
	}
	if c.ZoomMax > 23 {
		return fmt.Errorf("%w: zoom-max (%d) exceeds the maximum supported zoom 23", harvesterrors.ErrInputValidation, c.ZoomMax)
	}
	switch c.OutputMode {
	case "disk", "mbtiles":
	default:
		return fmt.Errorf("%w: output-mode must be \"disk\" or \"mbtiles\", got %q", harvesterrors.ErrInputValidation, c.OutputMode)
	}
	if c.OutputDSN == "" {
		return fmt.Errorf("%w: output-dsn is required", harvesterrors.ErrInputValidation)
	}
	if c.LedgerPath == "" {
		return fmt.Errorf("%w: ledger-path is required", harvesterrors.ErrInputValidation)
	}
	if c.Workers < 0 {
		return fmt.Errorf("%w: workers must be >= 0", harvesterrors.ErrInputValidation)
	}
	return nil
}
