package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// settingsFileName is the settings document name inside the config root.
const settingsFileName = "settings.yml"

// envPrefix is the environment variable prefix for daemon settings.
const envPrefix = "SSMERGE"

// envKeySeparator is the nested key separator in environment variable names.
const envKeySeparator = "_"

// Defaults for zero-config container startup.
const (
	DefaultConfigRoot   = "/ssm/config"
	DefaultSourcesRoot  = "/ssm/sources"
	DefaultOverrideRoot = "/ssm/override"
	DefaultMergedRoot   = "/ssm/merged"

	DefaultMergeIntervalSeconds   = 300
	DefaultRescanIntervalSeconds  = 600
	DefaultMinScanSpacingSeconds  = 15
	DefaultLockRetrySeconds       = 30
	DefaultPollTimeoutMillis      = 2000
	DefaultRenameQueueMaxAgeHours = 6

	DefaultWatchMode            = "progressive"
	DefaultStartCooldownSeconds = 5
	DefaultMaxDeepStartsPerPoll = 3

	DefaultMergerfsOptions      = "cache.files=off,dropcacheonclose=true,category.create=ff"
	DefaultActionTimeoutSeconds = 30

	DefaultComickBaseURL         = "https://api.comick.dev"
	DefaultCoverBaseURL          = "https://meo.comick.pictures/"
	DefaultRequestTimeoutSeconds = 30
	DefaultCooldownHours         = 72
	DefaultDirectRetryMinutes    = 60
	DefaultPreferredLanguage     = "en"

	DefaultLogLevel      = "info"
	DefaultFileMaxSizeMB = 32
	DefaultFileMaxAgeDay = 14

	DefaultServiceName = "ssmerge"
)

// Load reads settings.yml under configRoot, applies env overrides and
// defaults, and validates the result. A missing settings file is not an
// error; defaults plus environment cover the conventional container layout.
func Load(configRoot string) (*Settings, error) {
	viperCfg := viper.New()

	applyDefaults(viperCfg, configRoot)

	viperCfg.SetConfigType("yaml")
	viperCfg.SetConfigFile(filepath.Join(configRoot, settingsFileName))
	viperCfg.SetEnvPrefix(envPrefix)
	viperCfg.SetEnvKeyReplacer(strings.NewReplacer(".", envKeySeparator))
	viperCfg.AutomaticEnv()

	readErr := viperCfg.ReadInConfig()
	if readErr != nil && !errors.Is(readErr, fs.ErrNotExist) {
		return nil, fmt.Errorf("read settings: %w", readErr)
	}

	var settings Settings

	unmarshalErr := viperCfg.Unmarshal(&settings)
	if unmarshalErr != nil {
		return nil, fmt.Errorf("unmarshal settings: %w", unmarshalErr)
	}

	settings.Roots.Config = configRoot

	validateErr := settings.Validate()
	if validateErr != nil {
		return nil, validateErr
	}

	return &settings, nil
}

func applyDefaults(viperCfg *viper.Viper, configRoot string) {
	viperCfg.SetDefault("roots.sources", DefaultSourcesRoot)
	viperCfg.SetDefault("roots.override", DefaultOverrideRoot)
	viperCfg.SetDefault("roots.merged", DefaultMergedRoot)
	viperCfg.SetDefault("roots.branch_links", filepath.Join(configRoot, "links"))

	viperCfg.SetDefault("sources.excluded", []string{})

	viperCfg.SetDefault("scan.merge_interval_seconds", DefaultMergeIntervalSeconds)
	viperCfg.SetDefault("scan.rescan_interval_seconds", DefaultRescanIntervalSeconds)
	viperCfg.SetDefault("scan.min_scan_spacing_seconds", DefaultMinScanSpacingSeconds)
	viperCfg.SetDefault("scan.lock_retry_seconds", DefaultLockRetrySeconds)
	viperCfg.SetDefault("scan.poll_timeout_ms", DefaultPollTimeoutMillis)
	viperCfg.SetDefault("scan.scan_on_startup", true)
	viperCfg.SetDefault("scan.rename_queue_max_age_hours", DefaultRenameQueueMaxAgeHours)

	viperCfg.SetDefault("watch.mode", DefaultWatchMode)
	viperCfg.SetDefault("watch.fallback_fsnotify", true)
	viperCfg.SetDefault("watch.start_cooldown_seconds", DefaultStartCooldownSeconds)
	viperCfg.SetDefault("watch.max_deep_starts_per_poll", DefaultMaxDeepStartsPerPoll)

	viperCfg.SetDefault("mount.mergerfs_options", DefaultMergerfsOptions)
	viperCfg.SetDefault("mount.action_timeout_seconds", DefaultActionTimeoutSeconds)
	viperCfg.SetDefault("mount.cleanup_low_priority", true)

	viperCfg.SetDefault("metadata.enabled", true)
	viperCfg.SetDefault("metadata.comick_base_url", DefaultComickBaseURL)
	viperCfg.SetDefault("metadata.cover_base_url", DefaultCoverBaseURL)
	viperCfg.SetDefault("metadata.flaresolverr_url", "")
	viperCfg.SetDefault("metadata.request_timeout_seconds", DefaultRequestTimeoutSeconds)
	viperCfg.SetDefault("metadata.cooldown_hours", DefaultCooldownHours)
	viperCfg.SetDefault("metadata.direct_retry_minutes", DefaultDirectRetryMinutes)
	viperCfg.SetDefault("metadata.preferred_language", DefaultPreferredLanguage)

	viperCfg.SetDefault("log.level", DefaultLogLevel)
	viperCfg.SetDefault("log.json", false)
	viperCfg.SetDefault("log.file", "")
	viperCfg.SetDefault("log.file_max_size_mb", DefaultFileMaxSizeMB)
	viperCfg.SetDefault("log.file_max_age_days", DefaultFileMaxAgeDay)

	viperCfg.SetDefault("telemetry.listen", "")
	viperCfg.SetDefault("telemetry.otlp_endpoint", "")
	viperCfg.SetDefault("telemetry.otlp_insecure", false)
	viperCfg.SetDefault("telemetry.service_name", DefaultServiceName)
}
