package schema

import (
	"errors"
	"time"
)

// ServiceConfig defines defaults and limits for the core service.
type ServiceConfig struct {
	// HistoryRetention bounds previous_versions per document.
	HistoryRetention int
	// ResolveAttempts bounds retries per store tier during resolution.
	ResolveAttempts int
	// RetryBaseDelay is the first backoff delay; it doubles per attempt.
	RetryBaseDelay time.Duration
	// DeviceQuietPeriod debounces device signal storms.
	DeviceQuietPeriod time.Duration
	// TabNameMax truncates overlong tab names.
	TabNameMax    int
	TabNameSuffix string
	// GridColumns bounds component X+W per device row.
	GridColumns int
}

// DefaultHistoryRetention is the default previous_versions bound.
const DefaultHistoryRetention = 5

// NormalizeServiceConfig applies defaults and validates the config.
func NormalizeServiceConfig(cfg ServiceConfig) (ServiceConfig, error) {
	if cfg.HistoryRetention <= 0 {
		cfg.HistoryRetention = DefaultHistoryRetention
	}
	if cfg.ResolveAttempts <= 0 {
		cfg.ResolveAttempts = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 50 * time.Millisecond
	}
	if cfg.DeviceQuietPeriod <= 0 {
		cfg.DeviceQuietPeriod = 200 * time.Millisecond
	}
	if cfg.TabNameMax <= 0 {
		cfg.TabNameMax = 32
	}
	if cfg.TabNameSuffix == "" {
		cfg.TabNameSuffix = "$"
	}
	if cfg.GridColumns <= 0 {
		cfg.GridColumns = 12
	}
	if cfg.TabNameMax <= len(cfg.TabNameSuffix) {
		return ServiceConfig{}, errors.New("tab name max must exceed suffix length")
	}
	return cfg, nil
}
