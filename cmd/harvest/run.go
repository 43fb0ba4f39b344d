package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/tilezen/tileharvester/internal/config"
	"github.com/tilezen/tileharvester/internal/controller"
	"github.com/tilezen/tileharvester/internal/ledger"
	"github.com/tilezen/tileharvester/internal/provider"
	"github.com/tilezen/tileharvester/internal/reporter"
	"github.com/tilezen/tileharvester/internal/sink"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start a new harvest run",
	RunE:  runHarvest,
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a harvest run from an existing ledger",
	RunE:  runHarvest,
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
}

func buildProvider(cfg config.Config) provider.Provider {
	return provider.New(provider.Config{
		Name:         cfg.ProviderName,
		URLTemplate:  cfg.URLTemplate,
		Subdomains:   cfg.Subdomains,
		MinZoomValue: cfg.MinZoom,
		MaxZoomValue: cfg.MaxZoom,
		Extension:    cfg.Extension,
		IsTMSValue:   cfg.TMS,
		UseQuadKey:   cfg.UseQuadKey,
		NameInPath:   cfg.NameInPath,
	})
}

func buildSink(cfg config.Config, p provider.Provider) (sink.Sink, error) {
	switch cfg.OutputMode {
	case "disk":
		return sink.NewFSSink(cfg.OutputDSN, p, logger)
	case "mbtiles":
		meta := sink.Metadata{
			Name:   cfg.ProviderName,
			Type:   "baselayer",
			Format: cfg.SaveFormat,
			Scheme: cfg.Scheme,
		}
		if containsZPlaceholder(cfg.OutputDSN) {
			return sink.NewShardedMBTilesSink(cfg.OutputDSN, meta, cfg.MBTilesBatch, logger)
		}
		return sink.NewMBTilesSink(cfg.OutputDSN, meta, cfg.MBTilesBatch, logger)
	default:
		return nil, fmt.Errorf("unknown output-mode %q", cfg.OutputMode)
	}
}

func containsZPlaceholder(s string) bool {
	for i := 0; i+3 <= len(s); i++ {
		if s[i:i+3] == "{z}" {
			return true
		}
	}
	return false
}

func runHarvest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	ldg, err := ledger.Open(cfg.LedgerPath, logger, cfg.SaveFormat, cfg.Scheme)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	// Controller.Cancel closes the ledger itself on the cancelled path;
	// this defer covers the normal-completion and failed-to-wire paths,
	// where nothing else closes it. *sql.DB.Close is safe to call twice.
	defer ldg.Close()

	p := buildProvider(cfg)

	s, err := buildSink(cfg, p)
	if err != nil {
		return fmt.Errorf("open sink: %w", err)
	}

	bar := progressbar.Default(-1)
	callback := reporter.Callback(func(snap reporter.Snapshot) {
		bar.ChangeMax64(snap.Total)
		bar.Set64(snap.Downloaded + snap.Failed + snap.Skipped)
	})

	ctrl, err := controller.New(controller.Params{
		Provider:    p,
		Sink:        s,
		Ledger:      ldg,
		Workers:     cfg.Workers,
		TMS:         cfg.TMS,
		ReportEvery: callback,
		Log:         logger,
	})
	if err != nil {
		return fmt.Errorf("construct controller: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctrl.EnqueueBBox(cfg.Bbox(), cfg.ZoomMin, cfg.ZoomMax)
	ctrl.Start(ctx)

	waitForTerminalState(ctx, ctrl)

	stats := ctrl.Statistics()
	fmt.Fprintf(os.Stderr, "\ndownloaded=%d failed=%d skipped=%d total=%d\n",
		stats.Downloaded, stats.Failed, stats.Skipped, stats.Total)

	if stats.State == controller.StateFailed {
		return fmt.Errorf("harvest run failed")
	}
	return nil
}

func isTerminal(s controller.State) bool {
	return s == controller.StateCompleted || s == controller.StateCancelled || s == controller.StateFailed
}

// waitForTerminalState polls the controller until it reaches a terminal
// state, cancelling early if ctx is done (operator hit Ctrl-C). The
// Controller also registers its own OS-signal trap, so this is a backstop
// for the CLI's own context rather than the sole cancellation path.
func waitForTerminalState(ctx context.Context, ctrl *controller.Controller) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		if isTerminal(ctrl.StateNow()) {
			return
		}
		select {
		case <-ctx.Done():
			ctrl.Cancel()
		case <-ticker.C:
		}
	}
}
