package appconfig

import (
	"os"
	"path/filepath"
)

// Config is the top-level application configuration.
type Config struct {
	ConfigVersion int           `mapstructure:"config_version" yaml:"config_version"`
	StateDir      string        `mapstructure:"state_dir" yaml:"state_dir"`
	Service       ServiceConfig `mapstructure:"service" yaml:"service"`
	Stores        StoresConfig  `mapstructure:"stores" yaml:"stores"`
	HTTP          HTTPConfig    `mapstructure:"http" yaml:"http"`
	Auth          AuthConfig    `mapstructure:"auth" yaml:"auth"`
}

// CurrentConfigVersion marks the supported config version.
const CurrentConfigVersion = 1

// ServiceConfig controls core service behavior.
type ServiceConfig struct {
	HistoryRetention     int `mapstructure:"history_retention" yaml:"history_retention"`
	ResolveAttempts      int `mapstructure:"resolve_attempts" yaml:"resolve_attempts"`
	RetryBaseDelayMillis int `mapstructure:"retry_base_delay_ms" yaml:"retry_base_delay_ms"`
	DeviceQuietMillis    int `mapstructure:"device_quiet_period_ms" yaml:"device_quiet_period_ms"`
	TabNameMax           int `mapstructure:"tab_name_max" yaml:"tab_name_max"`
	GridColumns          int `mapstructure:"grid_columns" yaml:"grid_columns"`
}

// StoresConfig configures the storage tiers.
type StoresConfig struct {
	DocDir        string `mapstructure:"doc_dir" yaml:"doc_dir"`
	LegacyDB      string `mapstructure:"legacy_db" yaml:"legacy_db"`
	CacheDir      string `mapstructure:"cache_dir" yaml:"cache_dir"`
	CacheKeyStore string `mapstructure:"cache_keystore" yaml:"cache_keystore"`
}

// HTTPConfig configures the HTTP server.
type HTTPConfig struct {
	Addr             string `mapstructure:"addr" yaml:"addr"`
	SessionCookie    string `mapstructure:"session_cookie" yaml:"session_cookie"`
	SessionTTLHours  int    `mapstructure:"session_ttl_hours" yaml:"session_ttl_hours"`
	SessionStorePath string `mapstructure:"session_store_path" yaml:"session_store_path"`
	BasePath         string `mapstructure:"base_path" yaml:"base_path"`
	HubHistory       int    `mapstructure:"hub_history" yaml:"hub_history"`
}

// AuthConfig configures auth storage and seed users.
type AuthConfig struct {
	UserFile  string     `mapstructure:"user_file" yaml:"user_file"`
	SeedUsers []SeedUser `mapstructure:"seed_users" yaml:"seed_users"`
}

// SeedUser seeds a user record in the auth store.
type SeedUser struct {
	Username     string `mapstructure:"username" yaml:"username"`
	PasswordHash string `mapstructure:"password_hash" yaml:"password_hash"`
	TOTPSecret   string `mapstructure:"totp_secret" yaml:"totp_secret"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, err
	}
	stateDir := filepath.Join(home, ".paneld", "state")
	return Config{
		ConfigVersion: CurrentConfigVersion,
		StateDir:      stateDir,
		Service: ServiceConfig{
			HistoryRetention:     5,
			ResolveAttempts:      3,
			RetryBaseDelayMillis: 50,
			DeviceQuietMillis:    200,
			TabNameMax:           32,
			GridColumns:          12,
		},
		Stores: StoresConfig{
			DocDir:        filepath.Join(stateDir, "configs"),
			LegacyDB:      filepath.Join(stateDir, "legacy.db"),
			CacheDir:      filepath.Join(stateDir, "cache"),
			CacheKeyStore: filepath.Join(stateDir, "cache-keys.bundle"),
		},
		HTTP: HTTPConfig{
			Addr:             ":27580",
			SessionCookie:    "paneld_session",
			SessionTTLHours:  720,
			SessionStorePath: filepath.Join(stateDir, "sessions.json"),
			BasePath:         "",
			HubHistory:       1000,
		},
		Auth: AuthConfig{
			UserFile: filepath.Join(home, ".paneld", "users.json"),
		},
	}, nil
}

// DefaultConfigPath returns the standard config path.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".paneld", "config.yaml"), nil
}
