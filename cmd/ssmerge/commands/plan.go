package commands

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/sawamura-io/ssmerge/internal/config"
	"github.com/sawamura-io/ssmerge/internal/equiv"
	"github.com/sawamura-io/ssmerge/internal/merge"
	"github.com/sawamura-io/ssmerge/internal/mounts"
	"github.com/sawamura-io/ssmerge/internal/normalize"
	"github.com/sawamura-io/ssmerge/internal/priority"
)

// PlanCommand holds configuration for the dry-run plan printer.
type PlanCommand struct {
	configRoot string
	noColor    bool
}

// NewPlanCommand creates the plan command.
func NewPlanCommand() *cobra.Command {
	pc := &PlanCommand{}

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Show the mounts a merge pass would create, without mounting",
		Long: "Discover title groups and print the mount each would get. No\n" +
			"links are materialized and no mounts are touched.",
		Args: cobra.NoArgs,
		RunE: pc.run,
	}

	cmd.Flags().StringVarP(&pc.configRoot, "config", "c", config.DefaultConfigRoot,
		"Config root directory (settings.yml, data files, state)")
	cmd.Flags().BoolVar(&pc.noColor, "no-color", false, "Disable colored output")

	return cmd
}

func (pc *PlanCommand) run(cmd *cobra.Command, _ []string) error {
	if pc.noColor {
		color.NoColor = true
	}

	settings, err := config.Load(pc.configRoot)
	if err != nil {
		return err
	}

	// Dry runs skip telemetry; data-file problems still reach the operator
	// through stderr.
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	grouper, planner := buildPlanners(settings, logger)

	disc, err := grouper.Discover(cmd.Context())
	if err != nil {
		return fmt.Errorf("discover groups: %w", err)
	}

	renderPlan(cmd.OutOrStdout(), settings, planner, disc)

	return nil
}

// buildPlanners wires just enough of the graph to derive desired mounts.
func buildPlanners(settings *config.Settings, logger *slog.Logger) (*merge.Grouper, *mounts.Planner) {
	catalog, catalogErr := equiv.NewCatalog(equiv.CatalogConfig{
		Path:   settings.EquivalentsPath(),
		Logger: logger,
	})
	if catalogErr != nil {
		logger.Warn("app.catalog.load_failed",
			slog.String("path", settings.EquivalentsPath()),
			slog.String("error", catalogErr.Error()))
	}

	sceneTags, tagsErr := normalize.LoadSceneTags(settings.SceneTagsPath())
	if tagsErr != nil {
		sceneTags = normalize.NewSceneTagStripper(nil)
	}

	ranker, rankErr := priority.Load(settings.SourcePriorityPath())
	if rankErr != nil {
		ranker = priority.NewService(nil)
	}

	grouper := merge.NewGrouper(merge.GrouperConfig{
		SourcesRoot:     settings.Roots.Sources,
		OverrideRoot:    settings.Roots.Override,
		ExcludedSources: settings.Sources.Excluded,
		SceneTags:       sceneTags,
		Catalog:         catalog,
		Logger:          logger,
	})

	planner := mounts.NewPlanner(mounts.PlannerConfig{
		MergedRoot:      settings.Roots.Merged,
		BranchLinksRoot: settings.Roots.BranchLinks,
		Ranker:          ranker,
	})

	return grouper, planner
}

// renderPlan prints one row per desired mount in discovery order.
func renderPlan(out io.Writer, settings *config.Settings, planner *mounts.Planner, disc merge.Discovery) {
	color.New(color.FgCyan).Fprintf(out, "Merge plan for %s\n", settings.Roots.Merged)

	if len(disc.Groups) == 0 {
		fmt.Fprintln(out, "No title groups found.")

		return
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.AppendHeader(table.Row{"Title", "Sources", "Mount Point", "Identity"})

	for _, group := range disc.Groups {
		plan := planner.Plan(mounts.PlanRequest{
			CanonicalTitle:  group.CanonicalTitle,
			GroupKey:        group.GroupKey,
			OverrideVolumes: disc.OverrideVolumes,
			Sources:         group.Sources,
		})

		tbl.AppendRow(table.Row{
			group.CanonicalTitle,
			sourceNames(group.Sources),
			plan.MountPoint,
			plan.DesiredIdentity,
		})
	}

	tbl.AppendFooter(table.Row{fmt.Sprintf("Total: %d mounts", len(disc.Groups))})
	fmt.Fprintln(out, tbl.Render())

	for _, warning := range disc.SourceWarnings {
		color.New(color.FgYellow).Fprintf(out, "warning: %s\n", warning)
	}
}

func sourceNames(sources []mounts.SourceBranch) string {
	if len(sources) == 0 {
		return "-"
	}

	names := make([]string, 0, len(sources))
	for _, src := range sources {
		names = append(names, src.SourceName)
	}

	return fmt.Sprintf("%d (%s)", len(sources), strings.Join(names, ", "))
}
