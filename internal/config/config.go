// Package config loads and validates the daemon settings document
// (settings.yml) plus environment overrides.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
)

// Settings is the top-level configuration for the merge daemon.
// Field tags use mapstructure for viper unmarshalling and validate for
// structural validation.
type Settings struct {
	Roots     RootsConfig     `mapstructure:"roots"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Scan      ScanConfig      `mapstructure:"scan"`
	Watch     WatchConfig     `mapstructure:"watch"`
	Mount     MountConfig     `mapstructure:"mount"`
	Metadata  MetadataConfig  `mapstructure:"metadata"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// RootsConfig holds the four conventional volume roots plus the branch-link
// directory. Config is injected by the loader, not read from the file.
type RootsConfig struct {
	Config      string `mapstructure:"-"`
	Sources     string `mapstructure:"sources" validate:"required"`
	Override    string `mapstructure:"override" validate:"required"`
	Merged      string `mapstructure:"merged" validate:"required"`
	BranchLinks string `mapstructure:"branch_links" validate:"required"`
}

// SourcesConfig controls which per-volume source directories join groups.
type SourcesConfig struct {
	// Excluded lists source directory names skipped during grouping
	// (sync-tool litter, recycle dirs).
	Excluded []string `mapstructure:"excluded"`
}

// ScanConfig holds the trigger pipeline intervals.
type ScanConfig struct {
	MergeIntervalSeconds   int  `mapstructure:"merge_interval_seconds" validate:"gte=1"`
	RescanIntervalSeconds  int  `mapstructure:"rescan_interval_seconds" validate:"gte=1"`
	MinScanSpacingSeconds  int  `mapstructure:"min_scan_spacing_seconds" validate:"gte=0"`
	LockRetrySeconds       int  `mapstructure:"lock_retry_seconds" validate:"gte=1"`
	PollTimeoutMillis      int  `mapstructure:"poll_timeout_ms" validate:"gte=100"`
	ScanOnStartup          bool `mapstructure:"scan_on_startup"`
	RenameQueueMaxAgeHours int  `mapstructure:"rename_queue_max_age_hours" validate:"gte=1"`
}

// WatchConfig holds filesystem-event monitor settings.
type WatchConfig struct {
	// Mode is "full" (recursive sessions per root) or "progressive"
	// (shallow sessions plus incremental deep-watch discovery).
	Mode                 string `mapstructure:"mode" validate:"oneof=full progressive"`
	FallbackFsnotify     bool   `mapstructure:"fallback_fsnotify"`
	StartCooldownSeconds int    `mapstructure:"start_cooldown_seconds" validate:"gte=1"`
	MaxDeepStartsPerPoll int    `mapstructure:"max_deep_starts_per_poll" validate:"gte=1"`
}

// MountConfig holds mergerfs invocation settings.
type MountConfig struct {
	// MergerfsOptions is the base option string; threads= and fsname= are
	// appended by the executor when absent.
	MergerfsOptions      string `mapstructure:"mergerfs_options"`
	ActionTimeoutSeconds int    `mapstructure:"action_timeout_seconds" validate:"gte=1"`
	CleanupLowPriority   bool   `mapstructure:"cleanup_low_priority"`
}

// MetadataConfig holds the Comick / FlareSolverr pipeline settings.
type MetadataConfig struct {
	Enabled               bool   `mapstructure:"enabled"`
	ComickBaseURL         string `mapstructure:"comick_base_url" validate:"omitempty,url"`
	CoverBaseURL          string `mapstructure:"cover_base_url" validate:"omitempty,url"`
	FlareSolverrURL       string `mapstructure:"flaresolverr_url" validate:"omitempty,url"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds" validate:"gte=1"`
	CooldownHours         int    `mapstructure:"cooldown_hours" validate:"gte=1"`
	DirectRetryMinutes    int    `mapstructure:"direct_retry_minutes" validate:"gte=1"`
	PreferredLanguage     string `mapstructure:"preferred_language"`
}

// LogConfig holds structured-logging settings.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
	JSON  bool   `mapstructure:"json"`

	// File enables a rotating log file sink alongside stderr when set.
	File          string `mapstructure:"file"`
	FileMaxSizeMB int    `mapstructure:"file_max_size_mb" validate:"gte=1"`
	FileMaxAgeDay int    `mapstructure:"file_max_age_days" validate:"gte=1"`
}

// TelemetryConfig holds the diagnostics endpoint and OTLP export settings.
type TelemetryConfig struct {
	// Listen is the diagnostics HTTP address (e.g. ":9890"); empty disables
	// the server.
	Listen       string `mapstructure:"listen"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	OTLPInsecure bool   `mapstructure:"otlp_insecure"`
	ServiceName  string `mapstructure:"service_name" validate:"required"`
}

// Validate checks structural invariants via validator tags.
func (s *Settings) Validate() error {
	err := validator.New(validator.WithRequiredStructEnabled()).Struct(s)
	if err != nil {
		return fmt.Errorf("validate settings: %w", err)
	}

	return nil
}

// Derived path helpers. All coordination files live under the config root.

// SceneTagsPath is the scene_tags.yml location.
func (s *Settings) SceneTagsPath() string {
	return filepath.Join(s.Roots.Config, "scene_tags.yml")
}

// EquivalentsPath is the manga_equivalents.yml location.
func (s *Settings) EquivalentsPath() string {
	return filepath.Join(s.Roots.Config, "manga_equivalents.yml")
}

// SourcePriorityPath is the source_priority.yml location.
func (s *Settings) SourcePriorityPath() string {
	return filepath.Join(s.Roots.Config, "source_priority.yml")
}

// StatePath is the metadata coordination state file.
func (s *Settings) StatePath() string {
	return filepath.Join(s.Roots.Config, "state", "metadata_state.json")
}

// CleanupRoot is the quarantine directory for residual merged entries.
func (s *Settings) CleanupRoot() string {
	return filepath.Join(s.Roots.Config, "cleanup", "merged-residual")
}

// Duration helpers so call sites never multiply seconds themselves.

// MergeInterval returns the timer-triggered merge spacing.
func (s *Settings) MergeInterval() time.Duration {
	return time.Duration(s.Scan.MergeIntervalSeconds) * time.Second
}

// RescanInterval returns the periodic rename rescan spacing.
func (s *Settings) RescanInterval() time.Duration {
	return time.Duration(s.Scan.RescanIntervalSeconds) * time.Second
}

// MinScanSpacing returns the minimum spacing between dispatched scans.
func (s *Settings) MinScanSpacing() time.Duration {
	return time.Duration(s.Scan.MinScanSpacingSeconds) * time.Second
}

// LockRetry returns the retry delay after a Busy dispatch.
func (s *Settings) LockRetry() time.Duration {
	return time.Duration(s.Scan.LockRetrySeconds) * time.Second
}

// PollTimeout returns the per-tick monitor poll bound.
func (s *Settings) PollTimeout() time.Duration {
	return time.Duration(s.Scan.PollTimeoutMillis) * time.Millisecond
}

// ActionTimeout returns the per-mount-action process deadline.
func (s *Settings) ActionTimeout() time.Duration {
	return time.Duration(s.Mount.ActionTimeoutSeconds) * time.Second
}

// RequestTimeout returns the metadata HTTP client deadline.
func (s *Settings) RequestTimeout() time.Duration {
	return time.Duration(s.Metadata.RequestTimeoutSeconds) * time.Second
}

// CooldownWindow returns the per-title metadata cooldown.
func (s *Settings) CooldownWindow() time.Duration {
	return time.Duration(s.Metadata.CooldownHours) * time.Hour
}

// DirectRetryInterval returns the sticky-fallback duration after a
// Cloudflare block.
func (s *Settings) DirectRetryInterval() time.Duration {
	return time.Duration(s.Metadata.DirectRetryMinutes) * time.Minute
}

// RenameQueueMaxAge returns how long an unsettled rename entry survives.
func (s *Settings) RenameQueueMaxAge() time.Duration {
	return time.Duration(s.Scan.RenameQueueMaxAgeHours) * time.Hour
}

// WatchStartCooldown returns the session restart delay after a watch
// failure.
func (s *Settings) WatchStartCooldown() time.Duration {
	return time.Duration(s.Watch.StartCooldownSeconds) * time.Second
}
