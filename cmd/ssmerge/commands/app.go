// Package commands implements CLI command handlers for ssmerge.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sawamura-io/ssmerge/internal/comick"
	"github.com/sawamura-io/ssmerge/internal/config"
	"github.com/sawamura-io/ssmerge/internal/equiv"
	"github.com/sawamura-io/ssmerge/internal/flaresolverr"
	"github.com/sawamura-io/ssmerge/internal/fswatch"
	"github.com/sawamura-io/ssmerge/internal/merge"
	"github.com/sawamura-io/ssmerge/internal/metadata"
	"github.com/sawamura-io/ssmerge/internal/mounts"
	"github.com/sawamura-io/ssmerge/internal/normalize"
	"github.com/sawamura-io/ssmerge/internal/observability"
	"github.com/sawamura-io/ssmerge/internal/override"
	"github.com/sawamura-io/ssmerge/internal/priority"
	"github.com/sawamura-io/ssmerge/internal/state"
	"github.com/sawamura-io/ssmerge/internal/trigger"
	"github.com/sawamura-io/ssmerge/pkg/version"
)

// telemetryFlushTimeout bounds the final telemetry flush on shutdown.
const telemetryFlushTimeout = 5 * time.Second

// App is the wired component graph shared by the daemon and once commands.
type App struct {
	Settings  *config.Settings
	Logger    *slog.Logger
	Providers observability.Providers

	Workflow *merge.Workflow
	Pipeline *trigger.Pipeline
	Monitor  *fswatch.Monitor
	Gate     *observability.ReadinessGate

	// Diagnostics is nil when telemetry.listen is empty.
	Diagnostics *observability.DiagnosticsServer
}

// newApp loads configuration, initializes telemetry and wires every
// component the daemon needs. On error nothing is left running.
func newApp(configRoot string) (*App, error) {
	settings, err := config.Load(configRoot)
	if err != nil {
		return nil, err
	}

	providers, err := observability.Init(observability.Config{
		ServiceName:       settings.Telemetry.ServiceName,
		ServiceVersion:    version.Version,
		OTLPEndpoint:      settings.Telemetry.OTLPEndpoint,
		OTLPInsecure:      settings.Telemetry.OTLPInsecure,
		LogLevel:          observability.ParseLevel(settings.Log.Level),
		LogJSON:           settings.Log.JSON,
		LogFile:           settings.Log.File,
		LogFileMaxSizeMB:  settings.Log.FileMaxSizeMB,
		LogFileMaxAgeDays: settings.Log.FileMaxAgeDay,
	})
	if err != nil {
		return nil, fmt.Errorf("init observability: %w", err)
	}

	slog.SetDefault(providers.Logger)

	app, buildErr := buildApp(settings, providers)
	if buildErr != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
		defer cancel()

		return nil, errors.Join(buildErr, providers.Shutdown(shutdownCtx))
	}

	return app, nil
}

// buildApp assembles the component graph from validated settings.
func buildApp(settings *config.Settings, providers observability.Providers) (*App, error) {
	logger := providers.Logger

	metrics, err := observability.NewDaemonMetrics(providers.Meter)
	if err != nil {
		return nil, fmt.Errorf("build daemon metrics: %w", err)
	}

	if regErr := observability.RegisterRuntimeMetrics(providers.Meter); regErr != nil {
		return nil, fmt.Errorf("register runtime metrics: %w", regErr)
	}

	// Operator data files degrade to empty rather than blocking startup;
	// the catalog additionally keeps a reload pending so a fixed file is
	// picked up without a restart.
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
		logger.Warn("app.scene_tags.load_failed",
			slog.String("path", settings.SceneTagsPath()),
			slog.String("error", tagsErr.Error()))

		sceneTags = normalize.NewSceneTagStripper(nil)
	}

	ranker, rankErr := priority.Load(settings.SourcePriorityPath())
	if rankErr != nil {
		logger.Warn("app.source_priority.load_failed",
			slog.String("path", settings.SourcePriorityPath()),
			slog.String("error", rankErr.Error()))

		ranker = priority.NewService(nil)
	}

	store := state.NewStore(state.Config{Path: settings.StatePath(), Logger: logger})

	ensurer, metaErr := buildMetadata(settings, store, catalog, logger)
	if metaErr != nil {
		return nil, metaErr
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

	executor := mounts.NewExecutor(mounts.ExecutorConfig{
		MergerfsOptions:    settings.Mount.MergerfsOptions,
		ActionTimeout:      settings.ActionTimeout(),
		CleanupLowPriority: settings.Mount.CleanupLowPriority,
		Logger:             logger,
	})

	reader := mounts.NewReader(mounts.ReaderConfig{
		Timeout: settings.ActionTimeout(),
		Logger:  logger,
	})

	cleaner := merge.NewCleaner(merge.CleanerConfig{
		MergedRoot:     settings.Roots.Merged,
		QuarantineRoot: settings.CleanupRoot(),
		Logger:         logger,
	})

	workflow := merge.NewWorkflow(merge.WorkflowConfig{
		Grouper:    grouper,
		Planner:    planner,
		Executor:   executor,
		Reader:     reader,
		Cleaner:    cleaner,
		Metadata:   ensurer,
		MergedRoot: settings.Roots.Merged,
		Metrics:    metrics,
		Logger:     logger,
	})

	monitor := fswatch.NewMonitor(fswatch.Config{
		Mode:                 fswatch.ModeFromString(settings.Watch.Mode),
		Backend:              fswatch.PickBackend(settings.Watch.FallbackFsnotify),
		StartCooldown:        settings.WatchStartCooldown(),
		MaxDeepStartsPerPoll: settings.Watch.MaxDeepStartsPerPoll,
		Logger:               logger,
	})

	gate := observability.NewReadinessGate()

	pipeline := trigger.NewPipeline(trigger.PipelineConfig{
		Poller:    monitor,
		Coalescer: trigger.NewCoalescer(),
		Handler:   readinessHandler{inner: workflow, gate: gate},
		Queue: trigger.NewRenameQueue(trigger.RenameQueueConfig{
			MaxAge: settings.RenameQueueMaxAge(),
			Logger: logger,
		}),
		SourcesRoot:     settings.Roots.Sources,
		OverrideRoot:    settings.Roots.Override,
		ExcludedSources: settings.Sources.Excluded,
		PollTimeout:     settings.PollTimeout(),
		MergeInterval:   settings.MergeInterval(),
		RescanInterval:  settings.RescanInterval(),
		MinScanSpacing:  settings.MinScanSpacing(),
		LockRetry:       settings.LockRetry(),
		ScanOnStartup:   settings.Scan.ScanOnStartup,
		Logger:          logger,
	})

	var diagnostics *observability.DiagnosticsServer

	if settings.Telemetry.Listen != "" {
		diagnostics, err = observability.NewDiagnosticsServer(
			settings.Telemetry.Listen, providers.MetricsHandler, gate, logger)
		if err != nil {
			return nil, fmt.Errorf("build diagnostics server: %w", err)
		}
	}

	return &App{
		Settings:    settings,
		Logger:      logger,
		Providers:   providers,
		Workflow:    workflow,
		Pipeline:    pipeline,
		Monitor:     monitor,
		Gate:        gate,
		Diagnostics: diagnostics,
	}, nil
}

// buildMetadata wires the Comick pipeline. Returns nil when metadata is
// disabled; the workflow then skips artifact generation entirely.
func buildMetadata(
	settings *config.Settings,
	store *state.Store,
	catalog *equiv.Catalog,
	logger *slog.Logger,
) (merge.MetadataEnsurer, error) {
	if !settings.Metadata.Enabled {
		return nil, nil
	}

	direct, err := comick.New(comick.ClientConfig{
		BaseURL: settings.Metadata.ComickBaseURL,
		Timeout: settings.RequestTimeout(),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build comick client: %w", err)
	}

	var solver *flaresolverr.Client

	if settings.Metadata.FlareSolverrURL != "" {
		solver = flaresolverr.New(flaresolverr.ClientConfig{
			Endpoint: settings.Metadata.FlareSolverrURL,
			Timeout:  settings.RequestTimeout(),
			Logger:   logger,
		})
	}

	gateway := metadata.NewGateway(metadata.GatewayConfig{
		Direct:              direct,
		Solver:              solver,
		Store:               store,
		DirectRetryInterval: settings.DirectRetryInterval(),
		Logger:              logger,
	})

	return metadata.NewCoordinator(metadata.CoordinatorConfig{
		Searcher: gateway,
		Matcher:  metadata.NewMatcher(metadata.MatcherConfig{Prober: gateway, Logger: logger}),
		Catalog:  catalog,
		Covers: override.NewCoverService(override.CoverServiceConfig{
			BaseURL: settings.Metadata.CoverBaseURL,
			Logger:  logger,
		}),
		Details:           override.NewDetailsService(override.DetailsServiceConfig{Logger: logger}),
		Store:             store,
		CooldownWindow:    settings.CooldownWindow(),
		PreferredLanguage: settings.Metadata.PreferredLanguage,
		Logger:            logger,
	}), nil
}

// readinessHandler flips the readiness gate after the first merge pass that
// actually ran. Busy only says another pass owns the lock, not that this
// instance has converged.
type readinessHandler struct {
	inner trigger.Handler
	gate  *observability.ReadinessGate
}

func (h readinessHandler) RunMergePass(ctx context.Context, reason string, force bool) trigger.Outcome {
	outcome := h.inner.RunMergePass(ctx, reason, force)
	if outcome != trigger.OutcomeBusy {
		h.gate.MarkReady()
	}

	return outcome
}

// closeApp flushes telemetry with a bounded deadline.
func closeApp(app *App) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), telemetryFlushTimeout)
	defer cancel()

	err := app.Providers.Shutdown(shutdownCtx)
	if err != nil {
		app.Logger.Warn("app.telemetry.shutdown_failed", slog.String("error", err.Error()))
	}
}
