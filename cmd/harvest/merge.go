package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tilezen/tileharvester/internal/sink"
	"github.com/tilezen/tileharvester/internal/tilemath"
)

var mergeOutput string

var mergeCmd = &cobra.Command{
	Use:   "merge [input.mbtiles ...]",
	Short: "Merge one or more MBTiles files into a single output file",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runMerge,
}

func init() {
	mergeCmd.Flags().StringVar(&mergeOutput, "output", "", "output mbtiles path")
	mergeCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(mergeCmd)
}

// runMerge reads every tile out of each input MBTiles file and writes it
// into a single output file, generalizing the teacher's cmd/merge over
// this module's own MBTiles reader/sink types.
func runMerge(cmd *cobra.Command, inputs []string) error {
	if _, err := os.Stat(mergeOutput); err == nil {
		return fmt.Errorf("output path %s already exists and cannot be overwritten", mergeOutput)
	}

	readers := make([]sink.MBTilesReader, 0, len(inputs))
	defer func() {
		for _, r := range readers {
			r.Close()
		}
	}()

	var minZoom, maxZoom uint32
	var scheme string

	for i, path := range inputs {
		reader, err := sink.NewMBTilesReader(path)
		if err != nil {
			return fmt.Errorf("open %s: %w", path, err)
		}
		readers = append(readers, reader)

		zr, err := reader.GetZoomRange()
		if err != nil {
			return fmt.Errorf("read zoom range for %s: %w", path, err)
		}
		if i == 0 || zr.Min < minZoom {
			minZoom = zr.Min
		}
		if i == 0 || zr.Max > maxZoom {
			maxZoom = zr.Max
		}

		if meta, err := reader.GetMetadata(); err == nil {
			if s, ok := meta["scheme"]; ok && scheme == "" {
				scheme = s
			}
		}
	}

	outMeta := sink.Metadata{
		Name:   "merged",
		Type:   "baselayer",
		Format: "png",
		Scheme: scheme,
	}

	out, err := sink.NewMBTilesSink(mergeOutput, outMeta, 1000, logger)
	if err != nil {
		return fmt.Errorf("create output mbtiles: %w", err)
	}

	for i, reader := range readers {
		err := reader.VisitAllTiles(func(t tilemath.Tile, data []byte) error {
			return out.Put(cmd.Context(), t, data)
		})
		if err != nil {
			out.Cancel()
			return fmt.Errorf("read tiles from %s: %w", inputs[i], err)
		}
	}

	return out.Finalize()
}
