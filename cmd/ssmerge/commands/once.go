package commands

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sawamura-io/ssmerge/internal/config"
	"github.com/sawamura-io/ssmerge/internal/trigger"
)

// ErrMergeFailed is returned when a manual pass produced no working mount.
var ErrMergeFailed = errors.New("merge pass failed")

// OnceCommand holds configuration for a single manual merge pass.
type OnceCommand struct {
	configRoot string
	force      bool
}

// NewOnceCommand creates the single-pass command.
func NewOnceCommand() *cobra.Command {
	oc := &OnceCommand{}

	cmd := &cobra.Command{
		Use:   "once",
		Short: "Run a single merge pass and exit",
		Long: "Run one merge pass against the current library state and exit.\n" +
			"Exits non-zero when the pass fails outright.",
		Args: cobra.NoArgs,
		RunE: oc.run,
	}

	cmd.Flags().StringVarP(&oc.configRoot, "config", "c", config.DefaultConfigRoot,
		"Config root directory (settings.yml, data files, state)")
	cmd.Flags().BoolVar(&oc.force, "force", false,
		"Remount every desired mount even when its identity matches")

	return cmd
}

func (oc *OnceCommand) run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApp(oc.configRoot)
	if err != nil {
		return err
	}
	defer closeApp(app)

	report, err := app.Workflow.Run(ctx, "manual", oc.force)
	if err != nil {
		return fmt.Errorf("merge pass: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(),
		"merge pass %s: groups=%d mounts=%d actions=%d failed=%d duration=%s\n",
		report.Outcome, report.Groups, report.DesiredMounts,
		report.ActionsPlanned, report.ActionsFailed,
		report.Duration.Round(time.Millisecond))

	if report.Outcome == trigger.OutcomeFailure {
		return ErrMergeFailed
	}

	return nil
}
