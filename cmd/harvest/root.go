package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	logger  zerolog.Logger
	v       = viper.New()
)

var rootCmd = &cobra.Command{
	Use:   "harvest",
	Short: "Concurrent map tile harvester",
	Long: `harvest fetches map tiles concurrently from a templated tile
provider into a filesystem tree or MBTiles database, tracking progress in
a crash-safe ledger so an interrupted run can resume without re-fetching
completed tiles.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig, initLogging)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./harvest.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")

	flags.String("provider-name", "custom", "provider name")
	flags.String("url-template", "", "tile URL template with {z} {x} {y} {s} {q} placeholders")
	flags.StringSlice("subdomains", nil, "comma-separated subdomain pool for {s}")
	flags.Bool("use-quadkey", false, "substitute {q} with a Bing QuadKey instead of z/x/y")
	flags.Bool("name-in-path", true, "include the provider name as an on-disk path segment")
	flags.Uint("min-zoom", 0, "provider minimum zoom")
	flags.Uint("max-zoom", 18, "provider maximum zoom")
	flags.String("extension", "", "file extension override (derived from url-template otherwise)")

	flags.Float64("west", -180.0, "bbox west, degrees")
	flags.Float64("south", -85.0511, "bbox south, degrees")
	flags.Float64("east", 180.0, "bbox east, degrees")
	flags.Float64("north", 85.0511, "bbox north, degrees")
	flags.Uint("zoom-min", 0, "enumerate from this zoom")
	flags.Uint("zoom-max", 10, "enumerate to this zoom")

	flags.String("output-mode", "disk", "\"disk\" or \"mbtiles\"")
	flags.String("output-dsn", "", "output root directory (disk) or mbtiles path/DSN")
	flags.String("save-format", "png", "tile format recorded in the ledger/mbtiles metadata")
	flags.String("scheme", "xyz", "\"xyz\" or \"tms\"")

	flags.Int("workers", 8, "worker pool size (clamped to 4*NumCPU, max 64)")
	flags.String("ledger-path", "", "progress ledger SQLite path")
	flags.Int("mbtiles-batch", 1000, "MBTiles write batch size")
	flags.String("listen", ":8080", "address for the serve subcommand")
}

func initConfig() {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("harvest")
	}
	if err := v.BindPFlags(rootCmd.PersistentFlags()); err != nil {
		panic(err)
	}
	_ = v.ReadInConfig()
}

func initLogging() {
	level, err := zerolog.ParseLevel(v.GetString("log-level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}
