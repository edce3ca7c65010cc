package config

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaults(t *testing.T) {
	v := viper.New()
	v.Set("database_driver_info.observation_database", []map[string]any{
		{"name": "canonical", "active": true, "tables": map[string]int{"observation_data": 0}},
	})

	cfg, err := Load(v)
	require.NoError(t, err)
	require.Equal(t, "nan", cfg.MissingText)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, "100/minute", cfg.RateLimitSpec)
	require.Equal(t, "./data", cfg.CacheDir)
}

func TestValidateRejectsEmptyDriverInfo(t *testing.T) {
	cfg := &Config{MissingText: "nan"}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "database_driver_info")
}

func TestValidateRejectsUnnamedActiveDriver(t *testing.T) {
	cfg := &Config{
		MissingText: "nan",
		DatabaseDriverInfo: DatabaseDriverInfo{
			ObservationDatabase: []DriverInfoItem{{Active: true}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "observation_database entry is missing a name")
}

func TestValidateRejectsNegativePoolSize(t *testing.T) {
	cfg := &Config{
		MissingText: "nan",
		DatabaseDriverInfo: DatabaseDriverInfo{
			ObservationDatabase: []DriverInfoItem{{Active: true, Name: "canonical"}},
		},
		CommonInfo: map[string]CommonInfo{"canonical": {PoolSize: -1}},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "poolSize must not be negative")
}

func TestValidateAccumulatesMultipleProblems(t *testing.T) {
	cfg := &Config{
		DatabaseDriverInfo: DatabaseDriverInfo{
			ObservationDatabase: []DriverInfoItem{{Active: true}},
		},
	}
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing a name")
	require.Contains(t, err.Error(), "missingtext must not be empty")
}

func TestValidatePassesWithWellFormedConfig(t *testing.T) {
	cfg := &Config{
		MissingText: "nan",
		DatabaseDriverInfo: DatabaseDriverInfo{
			ObservationDatabase: []DriverInfoItem{{Active: true, Name: "canonical"}},
		},
		CommonInfo: map[string]CommonInfo{"canonical": {PoolSize: 5}},
	}
	require.NoError(t, cfg.Validate())
}
