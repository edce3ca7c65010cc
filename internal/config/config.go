// Package config loads the hierarchical key/value configuration described
// in the external interfaces section: station types, per-driver pool and
// cache-duration settings, and connection info, with viper backing the
// array-of-objects shapes the teacher's own config declared a dependency
// on but never exercised.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// DriverInfoItem is one entry of database_driver_info.{observation_database,
// observation_cache}[].
type DriverInfoItem struct {
	Name      string         `mapstructure:"name"`
	Active    bool           `mapstructure:"active"`
	Producers []string       `mapstructure:"producers"`
	Tables    map[string]int `mapstructure:"tables"` // table name -> max_days
}

// CommonInfo is common_info.<driver>.
type CommonInfo struct {
	PoolSize                            int    `mapstructure:"poolSize"`
	ConnectionTimeoutSeconds            int    `mapstructure:"connectionTimeout"`
	FinCacheDurationHours               int    `mapstructure:"finCacheDuration"`
	FinMemoryCacheDurationHours         int    `mapstructure:"finMemoryCacheDuration"`
	ExtCacheDurationHours               int    `mapstructure:"extCacheDuration"`
	FlashCacheDurationHours             int    `mapstructure:"flashCacheDuration"`
	FinCacheUpdateIntervalSeconds       int    `mapstructure:"finCacheUpdateInterval"`
	ExtCacheUpdateIntervalSeconds       int    `mapstructure:"extCacheUpdateInterval"`
	FlashCacheUpdateIntervalSeconds     int    `mapstructure:"flashCacheUpdateInterval"`
	RoadCloudCacheUpdateIntervalSeconds int    `mapstructure:"roadCloudCacheUpdateInterval"`
	NetAtmoCacheUpdateIntervalSeconds   int    `mapstructure:"netAtmoCacheUpdateInterval"`
	FmiIoTCacheUpdateIntervalSeconds    int    `mapstructure:"fmiIoTCacheUpdateInterval"`
	UpdateExtraIntervalSeconds          int    `mapstructure:"updateExtraInterval"`
	StationsCacheUpdateIntervalSeconds  int    `mapstructure:"stationsCacheUpdateInterval"`
	DisableAllCacheUpdates              bool   `mapstructure:"disableAllCacheUpdates"`
	SerializedStationsFile              string `mapstructure:"serializedStationsFile"`
}

// ConnectInfo is connect_info.<driver> (or spatialiteFile for the
// file-based cache).
type ConnectInfo struct {
	Host                  string `mapstructure:"host"`
	Port                  int    `mapstructure:"port"`
	Database              string `mapstructure:"database"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	Encoding              string `mapstructure:"encoding"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout"`
	SlowQueryLimitSeconds int    `mapstructure:"slow_query_limit"`
	SpatialiteFile        string `mapstructure:"spatialiteFile"`
}

// StationtypeConfigEntry is oracle_stationtypelist.<type>.
type StationtypeConfigEntry struct {
	StationGroups        []string `mapstructure:"stationGroups"`
	ProducerIDs          []int    `mapstructure:"producerIds"`
	DatabaseTableName    string   `mapstructure:"databaseTableName"`
	UseCommonQueryMethod bool     `mapstructure:"useCommonQueryMethod"`

	// TimestepMinutes is the default aggregation timestep the metadata
	// endpoint advertises for this producer; unset (zero) falls back to
	// one minute, matching MetaData's default constructor.
	TimestepMinutes int `mapstructure:"timestepMinutes"`
}

// DatabaseDriverInfo is database_driver_info.
type DatabaseDriverInfo struct {
	ObservationDatabase []DriverInfoItem `mapstructure:"observation_database"`
	ObservationCache    []DriverInfoItem `mapstructure:"observation_cache"`
}

// Config is the fully parsed configuration tree.
type Config struct {
	StationTypes       map[string]StationtypeConfigEntry `mapstructure:"oracle_stationtypelist"`
	DatabaseDriverInfo DatabaseDriverInfo                 `mapstructure:"database_driver_info"`
	CommonInfo         map[string]CommonInfo              `mapstructure:"common_info"`
	ConnectInfo        map[string]ConnectInfo             `mapstructure:"connect_info"`

	// ParameterMap is parameter name -> station type -> backend measurand id,
	// the hierarchy internal/parammap.New expects; station type "default"
	// is the fallback entry every parameter but the main-measurand-id key
	// may omit.
	ParameterMap map[string]map[string]int `mapstructure:"parameter_map"`

	HTTPAddr      string `mapstructure:"http_addr"`
	RateLimitSpec string `mapstructure:"rate_limit"` // e.g. "100/minute"
	MissingText   string `mapstructure:"missingtext"`
	Development   bool   `mapstructure:"development"`

	// CacheDir holds the mirror cache's sqlite files, one per table.
	CacheDir string `mapstructure:"cache_dir"`

	// StationsDriver names the database_driver_info.observation_database
	// entry responsible for loading the station snapshot; empty means "the
	// first active entry", matching the original's single designated
	// stations driver.
	StationsDriver string `mapstructure:"stations_driver"`
}

// Load reads configuration from the supplied viper instance — typically
// constructed by the caller from a config file, environment variables, or
// both. The file format itself is out of scope for this module; only the
// parsed key hierarchy is.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("missingtext", "nan")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("rate_limit", "100/minute")
	v.SetDefault("cache_dir", "./data")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate aggregates every configuration problem into a single error,
// matching the teacher's string-accumulation style in its own
// Validate().
func (c *Config) Validate() error {
	var problems []string

	if len(c.DatabaseDriverInfo.ObservationDatabase) == 0 && len(c.DatabaseDriverInfo.ObservationCache) == 0 {
		problems = append(problems, "database_driver_info must declare at least one driver")
	}

	for _, item := range c.DatabaseDriverInfo.ObservationDatabase {
		if item.Active && item.Name == "" {
			problems = append(problems, "an active observation_database entry is missing a name")
		}
	}
	for _, item := range c.DatabaseDriverInfo.ObservationCache {
		if item.Active && item.Name == "" {
			problems = append(problems, "an active observation_cache entry is missing a name")
		}
	}

	for driver, info := range c.CommonInfo {
		if info.PoolSize < 0 {
			problems = append(problems, fmt.Sprintf("common_info.%s.poolSize must not be negative", driver))
		}
	}

	if c.MissingText == "" {
		problems = append(problems, "missingtext must not be empty")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}
