package commands

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sawamura-io/ssmerge/internal/config"
	"github.com/sawamura-io/ssmerge/internal/daemon"
	"github.com/sawamura-io/ssmerge/pkg/version"
)

// DaemonCommand holds configuration for the long-running daemon.
type DaemonCommand struct {
	configRoot string
}

// NewDaemonCommand creates the daemon command.
func NewDaemonCommand() *cobra.Command {
	dc := &DaemonCommand{}

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Watch the library and reconcile mounts continuously",
		Long: "Run the merge daemon: watch the source and override trees for\n" +
			"filesystem events and keep one mergerfs mount per title converged\n" +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: dc.run,
	}

	cmd.Flags().StringVarP(&dc.configRoot, "config", "c", config.DefaultConfigRoot,
		"Config root directory (settings.yml, data files, state)")

	return cmd
}

func (dc *DaemonCommand) run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(dc.configRoot)
	if err != nil {
		return err
	}
	defer closeApp(app)

	app.Logger.Info("daemon.starting",
		slog.String("version", version.Version),
		slog.String("sources", app.Settings.Roots.Sources),
		slog.String("override", app.Settings.Roots.Override),
		slog.String("merged", app.Settings.Roots.Merged))

	return runDaemon(ctx, app)
}

// runDaemon supervises the worker loop and the diagnostics server. Either
// one failing tears the other down; a signal stops both cleanly.
func runDaemon(ctx context.Context, app *App) error {
	worker := daemon.NewWorker(daemon.WorkerConfig{
		Pipeline: app.Pipeline,
		OnStop: func(context.Context) error {
			app.Monitor.Close()

			return nil
		},
		Logger: app.Logger,
	})

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return worker.Run(groupCtx)
	})

	if app.Diagnostics != nil {
		group.Go(func() error {
			return app.Diagnostics.Serve(groupCtx)
		})
	}

	return group.Wait()
}
