// Package config loads runtime settings from the environment and the
// externally provided quarters and status-mapping files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	Tracker TrackerConfig

	// DatabaseURL selects the store: postgres://... or a SQLite path.
	DatabaseURL string

	LockPath   string
	ReportsDir string

	// MinStatusDuration is the bounce-filter threshold applied at metric
	// time.
	MinStatusDuration time.Duration

	QuartersFile      string
	StatusMappingFile string

	// RunTimeout bounds a sync run; zero means no timeout.
	RunTimeout time.Duration
}

// TrackerConfig is the remote API section.
type TrackerConfig struct {
	BaseURL        string
	Token          string
	OrgID          string
	MaxWorkers     int
	RequestDelay   time.Duration
	ScrollPageSize int
}

// env bindings: each key is read from one well-known variable.
var envBindings = map[string]string{
	"tracker.base_url":         "TRACKER_BASE_URL",
	"tracker.token":            "TRACKER_API_TOKEN",
	"tracker.org_id":           "TRACKER_ORG_ID",
	"tracker.max_workers":      "TRACKER_MAX_WORKERS",
	"tracker.request_delay":    "TRACKER_REQUEST_DELAY",
	"tracker.scroll_page_size": "TRACKER_SCROLL_PAGE_SIZE",
	"database_url":             "DATABASE_URL",
	"lock_path":                "RADIATOR_LOCK_PATH",
	"reports_dir":              "RADIATOR_REPORTS_DIR",
	"min_status_duration":      "RADIATOR_MIN_STATUS_DURATION",
	"quarters_file":            "RADIATOR_QUARTERS_FILE",
	"status_mapping_file":      "RADIATOR_STATUS_MAPPING_FILE",
	"run_timeout":              "RADIATOR_RUN_TIMEOUT",
}

// Load builds the configuration from defaults and environment variables.
func Load() (*Config, error) {
	v := viper.New()

	v.SetDefault("tracker.base_url", "https://api.tracker.yandex.net/v2/")
	v.SetDefault("tracker.max_workers", 10)
	v.SetDefault("tracker.request_delay", "100ms")
	v.SetDefault("tracker.scroll_page_size", 100)
	v.SetDefault("database_url", "radiator.db")
	v.SetDefault("lock_path", filepath.Join(os.TempDir(), "radiator-sync.lock"))
	v.SetDefault("reports_dir", "reports")
	v.SetDefault("min_status_duration", "5m")
	v.SetDefault("quarters_file", filepath.Join("config", "quarters.txt"))
	v.SetDefault("status_mapping_file", filepath.Join("config", "status_mapping.txt"))
	v.SetDefault("run_timeout", "0")

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	cfg := &Config{
		Tracker: TrackerConfig{
			BaseURL:        v.GetString("tracker.base_url"),
			Token:          v.GetString("tracker.token"),
			OrgID:          v.GetString("tracker.org_id"),
			MaxWorkers:     v.GetInt("tracker.max_workers"),
			RequestDelay:   v.GetDuration("tracker.request_delay"),
			ScrollPageSize: v.GetInt("tracker.scroll_page_size"),
		},
		DatabaseURL:       v.GetString("database_url"),
		LockPath:          v.GetString("lock_path"),
		ReportsDir:        v.GetString("reports_dir"),
		MinStatusDuration: v.GetDuration("min_status_duration"),
		QuartersFile:      v.GetString("quarters_file"),
		StatusMappingFile: v.GetString("status_mapping_file"),
		RunTimeout:        v.GetDuration("run_timeout"),
	}
	if cfg.Tracker.MaxWorkers <= 0 {
		cfg.Tracker.MaxWorkers = 10
	}
	return cfg, nil
}

// ValidateForSync checks the settings a sync run cannot start without.
// Config problems are fatal before any work begins.
func (c *Config) ValidateForSync() error {
	if c.Tracker.Token == "" {
		return fmt.Errorf("TRACKER_API_TOKEN is required")
	}
	if c.Tracker.OrgID == "" {
		return fmt.Errorf("TRACKER_ORG_ID is required")
	}
	return nil
}
