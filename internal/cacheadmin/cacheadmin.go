// Package cacheadmin runs the periodic pull-fill-clean cycle that keeps
// each mirror cache table in sync with the canonical database: one
// goroutine per table, each on its own configured interval, shut down
// promptly by a sub-interval ticker selecting on context cancellation —
// grounded on the tiered-interval polling scheduler shape of a retrieved
// FMI-observation poller, generalized from a single wind-data table to the
// full table set.
package cacheadmin

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fmi-engine/obsengine/internal/memcache"
	"github.com/fmi-engine/obsengine/internal/mirrorcache"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/telemetry"
)

// shutdownPollInterval bounds how long a table's goroutine can take to
// notice ctx has been cancelled.
const shutdownPollInterval = 250 * time.Millisecond

// Puller is the canonical-side read this admin pulls rows from, satisfied
// by *backend.Backend.
type Puller interface {
	PullSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.DataItem, error)
	PullMobileSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.MobileObservation, error)
	PullFlashSince(ctx context.Context, modifiedSince, dataSince time.Time) ([]obsmodel.FlashObservation, error)
}

// TableConfig is one table's update schedule, retention and lookback
// settings.
type TableConfig struct {
	Name          string
	Retention     time.Duration
	Interval      time.Duration
	SafetyMargin  time.Duration
	PushToMemCache bool // true only for observation_data

	// Mobile tables alternate between a narrow and an occasional wide
	// lookback window, since their producers deliver data late.
	Mobile           bool
	WideEveryNPasses int
	WideLookback     time.Duration
	NarrowLookback   time.Duration
}

// Admin owns one background goroutine per configured table.
type Admin struct {
	puller  Puller
	mem     *memcache.Cache
	metrics *telemetry.Metrics
	log     *zap.Logger

	wg sync.WaitGroup
}

// New builds an Admin. mem may be nil if no table pushes into the
// in-memory cache (tests exercising a single non-observation table, for
// instance).
func New(puller Puller, mem *memcache.Cache, metrics *telemetry.Metrics, log *zap.Logger) *Admin {
	return &Admin{puller: puller, mem: mem, metrics: metrics, log: log}
}

// Run starts one goroutine per table (plus one for flash, if flashCache is
// non-nil) and blocks until ctx is cancelled and every goroutine has
// exited.
func (a *Admin) Run(ctx context.Context, caches map[string]*mirrorcache.Cache, configs []TableConfig, flashCache *mirrorcache.FlashCache, flashCfg TableConfig) {
	for _, cfg := range configs {
		cache, ok := caches[cfg.Name]
		if !ok {
			continue
		}
		a.wg.Add(1)
		go a.runTable(ctx, cache, cfg)
	}
	if flashCache != nil {
		a.wg.Add(1)
		go a.runFlash(ctx, flashCache, flashCfg)
	}
	a.wg.Wait()
}

func (a *Admin) runFlash(ctx context.Context, cache *mirrorcache.FlashCache, cfg TableConfig) {
	defer a.wg.Done()

	now := time.Now().UTC()
	if err := cache.Clean(ctx, now.Add(-cfg.Retention)); err != nil {
		a.logError("flash_data", "initial clean", err)
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += shutdownPollInterval
			if elapsed < cfg.Interval {
				continue
			}
			elapsed = 0
			a.updateFlash(ctx, cache, cfg)
		}
	}
}

func (a *Admin) updateFlash(ctx context.Context, cache *mirrorcache.FlashCache, cfg TableConfig) {
	now := time.Now().UTC()
	minT := now.Add(-cfg.Retention)

	modifiedSince, err := cache.LatestModified(ctx)
	if err != nil {
		a.logError("flash_data", "latest modified", err)
		return
	}
	if modifiedSince.IsZero() || modifiedSince.After(now) {
		modifiedSince = now
	}
	modifiedSince = modifiedSince.Add(-cfg.SafetyMargin)

	rows, err := a.puller.PullFlashSince(ctx, modifiedSince, minT)
	if err != nil {
		a.logError("flash_data", "pull", err)
		return
	}

	inserted, err := cache.Fill(ctx, rows)
	if err != nil {
		a.logError("flash_data", "fill", err)
		return
	}
	if a.metrics != nil {
		a.metrics.AdminPulls.WithLabelValues("flash_data").Add(float64(inserted))
	}

	if err := cache.Clean(ctx, minT); err != nil {
		a.logError("flash_data", "clean", err)
	}
}

func (a *Admin) runTable(ctx context.Context, cache *mirrorcache.Cache, cfg TableConfig) {
	defer a.wg.Done()

	now := time.Now().UTC()
	if err := cache.Clean(ctx, now.Add(-cfg.Retention)); err != nil {
		a.logError(cfg.Name, "initial clean", err)
	}

	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	passes := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			elapsed += shutdownPollInterval
			if elapsed < cfg.Interval {
				continue
			}
			elapsed = 0
			passes++
			a.updateTable(ctx, cache, cfg, passes)
		}
	}
}

func (a *Admin) updateTable(ctx context.Context, cache *mirrorcache.Cache, cfg TableConfig, pass int) {
	now := time.Now().UTC()
	minT := now.Add(-cfg.Retention)

	dataSince := minT
	if cfg.Mobile {
		dataSince = a.mobileLookback(now, cfg, pass)
	}

	modifiedSince, err := cache.LatestModified(ctx)
	if err != nil {
		a.logError(cfg.Name, "latest modified", err)
		return
	}
	if modifiedSince.IsZero() || modifiedSince.After(now) {
		modifiedSince = now
	}
	modifiedSince = modifiedSince.Add(-cfg.SafetyMargin)

	var inserted int
	if cfg.Mobile {
		rows, err := a.puller.PullMobileSince(ctx, cfg.Name, modifiedSince, dataSince)
		if err != nil {
			a.logError(cfg.Name, "pull", err)
			return
		}
		inserted, err = cache.FillMobile(ctx, rows)
		if err != nil {
			a.logError(cfg.Name, "fill", err)
			return
		}
	} else {
		rows, err := a.puller.PullSince(ctx, cfg.Name, modifiedSince, dataSince)
		if err != nil {
			a.logError(cfg.Name, "pull", err)
			return
		}
		inserted, err = cache.Fill(ctx, rows)
		if err != nil {
			a.logError(cfg.Name, "fill", err)
			return
		}
		if cfg.PushToMemCache && a.mem != nil {
			a.mem.Fill(rows)
			a.mem.Clean(minT)
		}
	}
	if a.metrics != nil {
		a.metrics.AdminPulls.WithLabelValues(cfg.Name).Add(float64(inserted))
	}

	if err := cache.Clean(ctx, minT); err != nil {
		a.logError(cfg.Name, "clean", err)
		return
	}
}

// mobileLookback alternates between a narrow and an occasional wide window
// for mobile-producer tables, per the periodic-pass counter.
func (a *Admin) mobileLookback(now time.Time, cfg TableConfig, pass int) time.Time {
	n := cfg.WideEveryNPasses
	if n <= 0 {
		n = 4
	}
	if pass%n == 0 {
		return now.Add(-cfg.WideLookback)
	}
	return now.Add(-cfg.NarrowLookback)
}

func (a *Admin) logError(table, step string, err error) {
	if a.metrics != nil {
		a.metrics.AdminErrors.WithLabelValues(table).Inc()
	}
	if a.log != nil {
		a.log.Warn("cache admin iteration failed", zap.String("table", table), zap.String("step", step), zap.Error(err))
	}
}
