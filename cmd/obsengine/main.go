// Command obsengine is the process entrypoint: it loads configuration,
// builds the station registry, parameter map, in-memory cache, mirror
// caches and canonical backends, wires them into the driver proxy and
// cache admin, and serves the public read API until a termination signal
// arrives.
//
// The construction order and graceful-shutdown shape follow the teacher's
// cmd/server/main.go#main()/gracefulShutdown(): logger first, then
// configuration, then every dependency a handler might touch, then the
// HTTP server, then a signal-driven shutdown that drains in-flight
// requests before background loops are cancelled.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/fmi-engine/obsengine/internal/api"
	"github.com/fmi-engine/obsengine/internal/backend"
	"github.com/fmi-engine/obsengine/internal/cacheadmin"
	"github.com/fmi-engine/obsengine/internal/config"
	"github.com/fmi-engine/obsengine/internal/driverproxy"
	"github.com/fmi-engine/obsengine/internal/memcache"
	"github.com/fmi-engine/obsengine/internal/mirrorcache"
	"github.com/fmi-engine/obsengine/internal/parammap"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
	"github.com/fmi-engine/obsengine/internal/telemetry"
)

const defaultGracefulTimeout = 30 * time.Second

// updateIntervalFor maps a mirrored table to the common_info interval field
// that governs it; tables with no dedicated field share the extension
// backend's interval, matching the original's "ext" producers grouping.
func updateIntervalFor(table string, common config.CommonInfo) time.Duration {
	seconds := common.ExtCacheUpdateIntervalSeconds
	switch table {
	case "observation_data", "weather_data_qc":
		seconds = common.FinCacheUpdateIntervalSeconds
	case "roadcloud_data":
		seconds = common.RoadCloudCacheUpdateIntervalSeconds
	case "netatmo_data":
		seconds = common.NetAtmoCacheUpdateIntervalSeconds
	case "fmi_iot_data", "tapsi_qc_data":
		seconds = common.FmiIoTCacheUpdateIntervalSeconds
	case "flash_data":
		seconds = common.FlashCacheUpdateIntervalSeconds
	}
	if seconds <= 0 {
		seconds = 60
	}
	return time.Duration(seconds) * time.Second
}

// retentionFor maps a mirrored table to the common_info duration field that
// bounds how far back it is kept, mirroring the cache-duration split the
// original configuration makes between "fin" and "ext" producer tables.
func retentionFor(table string, common config.CommonInfo) time.Duration {
	hours := common.ExtCacheDurationHours
	switch table {
	case "observation_data", "weather_data_qc":
		hours = common.FinCacheDurationHours
	case "flash_data":
		hours = common.FlashCacheDurationHours
	}
	if hours <= 0 {
		hours = 24
	}
	return time.Duration(hours) * time.Hour
}

func commonInfoFor(cfg *config.Config, driverName string) config.CommonInfo {
	if c, ok := cfg.CommonInfo[driverName]; ok {
		return c
	}
	return config.CommonInfo{}
}

// buildBackends constructs one *backend.Backend per active
// database_driver_info.observation_database entry — the static
// constructor registry 4.H substitutes for the original's dlopen/dlsym
// Oracle-driver loading, keyed here by which config list an entry came
// from rather than by a runtime symbol lookup.
func buildBackends(ctx context.Context, cfg *config.Config) (map[string]*backend.Backend, error) {
	backends := make(map[string]*backend.Backend)
	for _, item := range cfg.DatabaseDriverInfo.ObservationDatabase {
		if !item.Active {
			continue
		}
		connect := cfg.ConnectInfo[item.Name]
		common := commonInfoFor(cfg, item.Name)

		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s",
			connect.Host, connect.Port, connect.Username, connect.Password, connect.Database)

		responsible := item.Name == cfg.StationsDriver
		if cfg.StationsDriver == "" && len(backends) == 0 {
			responsible = true
		}

		b, err := backend.Open(ctx, item.Name, backend.Config{
			DSN:                    dsn,
			PoolSize:               int32(common.PoolSize),
			ConnectTimeout:         time.Duration(connect.ConnectTimeoutSeconds) * time.Second,
			ResponsibleForStations: responsible,
		})
		if err != nil {
			return nil, fmt.Errorf("opening backend %q: %w", item.Name, err)
		}
		backends[item.Name] = b
	}
	return backends, nil
}

// mirrorSpec is one table this process mirrors locally, derived by
// flattening every active observation_cache entry's table list.
type mirrorSpec struct {
	table  string
	driver string
}

func mirrorSpecs(cfg *config.Config) []mirrorSpec {
	var specs []mirrorSpec
	for _, item := range cfg.DatabaseDriverInfo.ObservationCache {
		if !item.Active {
			continue
		}
		for table := range item.Tables {
			specs = append(specs, mirrorSpec{table: table, driver: item.Name})
		}
	}
	return specs
}

func maxDaysFor(cfg *config.Config, driverName, table string) int {
	for _, item := range cfg.DatabaseDriverInfo.ObservationCache {
		if item.Name != driverName {
			continue
		}
		if d, ok := item.Tables[table]; ok {
			return d
		}
	}
	return driverproxy.MaxDays
}

func main() {
	// 1. Structured logging first, so every later failure is logged rather
	// than printed.
	bootLogger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("failed to initialize bootstrap logger: %v", err))
	}
	defer bootLogger.Sync()

	// 2. Load and validate the hierarchical configuration.
	v := viper.New()
	v.SetConfigName("obsengine")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/obsengine")
	if path := os.Getenv("OBSENGINE_CONFIG"); path != "" {
		v.SetConfigFile(path)
	}
	v.SetEnvPrefix("obsengine")
	v.AutomaticEnv()
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			bootLogger.Fatal("failed to read configuration", zap.Error(err))
		}
		bootLogger.Warn("no configuration file found, relying on defaults and environment", zap.Error(err))
	}
	cfg, err := config.Load(v)
	if err != nil {
		bootLogger.Fatal("invalid configuration", zap.Error(err))
	}

	logger, err := telemetry.NewLogger(cfg.Development)
	if err != nil {
		bootLogger.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync()
	logger.Info("starting observation engine")

	// 3. Metrics registry shared by the admin loop, driver proxy and API.
	metrics := telemetry.NewMetrics()

	// 4. Parameter map, loaded directly from configuration per 4.B.
	pm := parammap.New(cfg.ParameterMap)

	// 5. Canonical backends (one pgx pool + breaker per active database
	// driver) and the station registry, sourced from whichever backend is
	// designated responsible for stations.
	ctx, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	backends, err := buildBackends(ctx, cfg)
	if err != nil {
		logger.Fatal("failed to open canonical backends", zap.Error(err))
	}
	defer func() {
		for _, b := range backends {
			b.Close()
		}
	}()

	var stationsBackend *backend.Backend
	for _, b := range backends {
		if b.ResponsibleForLoadingStations() {
			stationsBackend = b
			break
		}
	}
	if stationsBackend == nil {
		logger.Fatal("no canonical backend is responsible for loading stations")
	}

	registry, err := stationregistry.NewRegistry(stationsBackend)
	if err != nil {
		logger.Fatal("failed to load initial station snapshot", zap.Error(err))
	}

	// 6. In-memory observation cache (D) — shared by every table that
	// pushes into it, currently only observation_data.
	mem := memcache.New()

	// 7. Mirror caches (E), one sqlite file per table under cache_dir.
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		logger.Fatal("failed to create cache directory", zap.String("dir", cfg.CacheDir), zap.Error(err))
	}

	caches := make(map[string]*mirrorcache.Cache)
	var flashCache *mirrorcache.FlashCache
	var flashCfg cacheadmin.TableConfig
	var tableConfigs []cacheadmin.TableConfig

	for _, spec := range mirrorSpecs(cfg) {
		common := commonInfoFor(cfg, spec.driver)
		path := filepath.Join(cfg.CacheDir, spec.table+".db")

		if spec.table == string(mirrorcache.TableFlashData) {
			fc, err := mirrorcache.OpenFlash(path)
			if err != nil {
				logger.Fatal("failed to open flash mirror", zap.Error(err))
			}
			flashCache = fc
			flashCfg = cacheadmin.TableConfig{
				Name:      spec.table,
				Retention: retentionFor(spec.table, common),
				Interval:  updateIntervalFor(spec.table, common),
			}
			continue
		}

		cache, err := mirrorcache.Open(path, mirrorcache.Table(spec.table))
		if err != nil {
			logger.Fatal("failed to open mirror cache", zap.String("table", spec.table), zap.Error(err))
		}
		caches[spec.table] = cache
		defer cache.Close()

		tableConfigs = append(tableConfigs, cacheadmin.TableConfig{
			Name:             spec.table,
			Retention:        retentionFor(spec.table, common),
			Interval:         updateIntervalFor(spec.table, common),
			SafetyMargin:     time.Duration(common.UpdateExtraIntervalSeconds) * time.Second,
			PushToMemCache:   spec.table == "observation_data",
			Mobile:           isMobileTable(spec.table),
			WideEveryNPasses: 4,
			WideLookback:     48 * time.Hour,
			NarrowLookback:   2 * time.Hour,
		})
	}

	// 8. Driver proxy (H): register every backend and mirror cache, then
	// finalize ordering and driver designation. Flash is deliberately not
	// registered — it is not addressed by the table-routing contract.
	proxy := driverproxy.New(nil)
	var allDrivers []driverproxy.Driver
	for name, b := range backends {
		allDrivers = append(allDrivers, b)
		for _, item := range cfg.DatabaseDriverInfo.ObservationDatabase {
			if item.Name != name {
				continue
			}
			for table, maxDays := range item.Tables {
				proxy.AddDriver(table, maxDays, b)
			}
		}
	}
	for table, cache := range caches {
		driverName := ""
		for _, spec := range mirrorSpecs(cfg) {
			if spec.table == table {
				driverName = spec.driver
			}
		}
		proxy.AddDriver(table, maxDaysFor(cfg, driverName, table), cache)
		allDrivers = append(allDrivers, cache)
	}
	loader := &backend.RegistryLoader{Backend: stationsBackend, Registry: registry}
	allDrivers = append(allDrivers, loader)
	proxy.Init(allDrivers)

	// 9. Cache admin (F): pulls from the canonical backend responsible for
	// stations (the designated source of truth) into every mirror, on its
	// own per-table schedule.
	admin := cacheadmin.New(stationsBackend, mem, metrics, logger)
	go admin.Run(ctx, caches, tableConfigs, flashCache, flashCfg)

	// 10. Public read API (J).
	handler := &api.Handler{
		Proxy:       proxy,
		Registry:    registry,
		ParamMap:    pm,
		Config:      cfg,
		Metrics:     metrics,
		Log:         logger,
		MissingText: cfg.MissingText,
	}
	router, err := api.NewRouter(handler, cfg.RateLimitSpec)
	if err != nil {
		logger.Fatal("failed to build HTTP router", zap.Error(err))
	}

	server := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("HTTP server listening", zap.String("address", cfg.HTTPAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server exited unexpectedly", zap.Error(err))
		}
	}()

	sig := <-quit
	logger.Info("caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, stopBackground, logger)
}

// gracefulShutdown drains in-flight HTTP requests, then cancels the
// cache-admin context. It does not wait for the admin goroutines to exit;
// a pass in progress sees its context cancelled.
func gracefulShutdown(server *http.Server, stopBackground context.CancelFunc, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server shutdown encountered an error", zap.Error(err))
	}
	stopBackground()
	logger.Info("graceful shutdown completed")
}

func isMobileTable(table string) bool {
	switch table {
	case "roadcloud_data", "netatmo_data", "fmi_iot_data", "tapsi_qc_data":
		return true
	default:
		return false
	}
}
