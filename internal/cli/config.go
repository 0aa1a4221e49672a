package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/gridcache/internal/blob"
	"github.com/mesh-intelligence/gridcache/internal/drafts"
	"github.com/mesh-intelligence/gridcache/internal/grid"
	"github.com/mesh-intelligence/gridcache/internal/loader"
	"github.com/mesh-intelligence/gridcache/internal/mode"
	"github.com/mesh-intelligence/gridcache/internal/paths"
	"github.com/mesh-intelligence/gridcache/internal/prefetch"
	"github.com/mesh-intelligence/gridcache/pkg/types"
)

// Config keys.
const (
	cfgKeyBackend  = "backend"
	cfgKeyDataDir  = "data_dir"
	cfgKeyDSN      = "dsn"
	cfgKeyLogLevel = "log_level"

	cfgKeySmallTableThreshold = "grid.small_table_threshold"
	cfgKeyMaxWindow           = "grid.max_window"
	cfgKeyMergeGap            = "grid.merge_gap"
	cfgKeyPageSize            = "grid.page_size"
	cfgKeyDebounce            = "grid.debounce"
	cfgKeyEditLockTimeout     = "grid.edit_lock_timeout"
	cfgKeyStaleAfter          = "grid.stale_after"
	cfgKeyRetryBudget         = "grid.retry_budget"
	cfgKeyMultiplier          = "grid.multiplier"
	cfgKeyVelocityThreshold   = "grid.velocity_threshold"
	cfgKeyFastDelay           = "grid.fast_delay"
	cfgKeySlowDelay           = "grid.slow_delay"
	cfgKeyCapacity            = "grid.capacity"

	cfgKeyS3Region    = "s3.region"
	cfgKeyS3Endpoint  = "s3.endpoint"
	cfgKeyS3PathStyle = "s3.path_style"
)

// envPrefix scopes environment overrides: GRIDCACHE_GRID_DEBOUNCE sets
// grid.debounce.
const envPrefix = "GRIDCACHE"

// gridFile is the grid section of config.yaml.
type gridFile struct {
	SmallTableThreshold int     `yaml:"small_table_threshold"`
	MaxWindow           int     `yaml:"max_window"`
	MergeGap            int     `yaml:"merge_gap"`
	PageSize            int     `yaml:"page_size"`
	Debounce            string  `yaml:"debounce"`
	EditLockTimeout     string  `yaml:"edit_lock_timeout"`
	StaleAfter          string  `yaml:"stale_after"`
	RetryBudget         int     `yaml:"retry_budget"`
	Multiplier          float64 `yaml:"multiplier"`
	VelocityThreshold   float64 `yaml:"velocity_threshold"`
	FastDelay           string  `yaml:"fast_delay"`
	SlowDelay           string  `yaml:"slow_delay"`
	Capacity            int     `yaml:"capacity"`
}

// configFile is the structure written to config.yaml by init.
type configFile struct {
	Backend  string   `yaml:"backend"`
	DataDir  string   `yaml:"data_dir,omitempty"`
	DSN      string   `yaml:"dsn,omitempty"`
	LogLevel string   `yaml:"log_level"`
	Grid     gridFile `yaml:"grid"`
}

func defaultConfig() configFile {
	return configFile{
		Backend:  types.BackendSQLite,
		LogLevel: "warn",
		Grid: gridFile{
			SmallTableThreshold: mode.DefaultSmallTableThreshold,
			MaxWindow:           loader.DefaultMaxWindow,
			MergeGap:            loader.DefaultMergeGap,
			PageSize:            loader.DefaultPageSize,
			Debounce:            drafts.DefaultDebounce.String(),
			EditLockTimeout:     drafts.DefaultLockTimeout.String(),
			StaleAfter:          loader.DefaultStaleAfter.String(),
			RetryBudget:         loader.DefaultRetryBudget,
			Multiplier:          prefetch.DefaultMultiplier,
			VelocityThreshold:   prefetch.DefaultVelocityThreshold,
			FastDelay:           prefetch.DefaultFastDelay.String(),
			SlowDelay:           prefetch.DefaultSlowDelay.String(),
			Capacity:            grid.DefaultCapacity,
		},
	}
}

// loadConfig reads config.yaml from configDir. A missing file is not an
// error; defaults and GRIDCACHE_* variables still apply.
func loadConfig(configDir string) (*viper.Viper, error) {
	v := viper.New()
	v.SetDefault(cfgKeyBackend, types.BackendSQLite)
	v.SetDefault(cfgKeyLogLevel, "warn")
	v.SetDefault(cfgKeyS3Region, blob.DefaultRegion)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigFile(paths.ConfigFile(configDir))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	return v, nil
}

// writeConfigIfMissing creates config.yaml with default values unless it
// already exists.
func writeConfigIfMissing(path string, cfg configFile) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return false, fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return false, fmt.Errorf("writing config: %w", err)
	}
	return true, nil
}

// gridOptions maps the grid.* keys onto grid.Options. Unset keys stay zero
// and take the component defaults.
func gridOptions(v *viper.Viper) grid.Options {
	return grid.Options{
		SmallTableThreshold: v.GetInt(cfgKeySmallTableThreshold),
		MaxWindow:           v.GetInt(cfgKeyMaxWindow),
		MergeGap:            v.GetInt(cfgKeyMergeGap),
		PageSize:            v.GetInt(cfgKeyPageSize),
		StaleAfter:          duration(v, cfgKeyStaleAfter),
		RetryBudget:         v.GetInt(cfgKeyRetryBudget),
		Debounce:            duration(v, cfgKeyDebounce),
		EditLockTimeout:     duration(v, cfgKeyEditLockTimeout),
		Multiplier:          v.GetFloat64(cfgKeyMultiplier),
		VelocityThreshold:   v.GetFloat64(cfgKeyVelocityThreshold),
		FastDelay:           duration(v, cfgKeyFastDelay),
		SlowDelay:           duration(v, cfgKeySlowDelay),
		Capacity:            v.GetInt(cfgKeyCapacity),
	}
}

func duration(v *viper.Viper, key string) time.Duration {
	return v.GetDuration(key)
}

// s3Config reads the s3.* keys. Credentials come from the AWS chain.
func s3Config(v *viper.Viper) blob.S3Config {
	return blob.S3Config{
		Region:    v.GetString(cfgKeyS3Region),
		Endpoint:  v.GetString(cfgKeyS3Endpoint),
		PathStyle: v.GetBool(cfgKeyS3PathStyle),
	}
}
