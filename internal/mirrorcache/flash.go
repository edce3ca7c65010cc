package mirrorcache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

// BoundingBox restricts a flash query to a rectangle, matching the
// canonical driver's ST_MakeEnvelope spatial filter.
type BoundingBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// Contains reports whether (lon, lat) falls inside the box. A zero-value
// box matches everything, since flash queries are frequently unfiltered.
func (b BoundingBox) Contains(lon, lat float64) bool {
	if b == (BoundingBox{}) {
		return true
	}
	return lon >= b.MinLon && lon <= b.MaxLon && lat >= b.MinLat && lat <= b.MaxLat
}

// FlashCache mirrors flash_data, which unlike every other mirrored table is
// not keyed by station: it is addressed by stroke time and an optional
// bounding box instead of an fmisid set.
type FlashCache struct {
	db *sql.DB

	mu     sync.RWMutex
	bounds Bounds
}

// OpenFlash opens (creating if absent) the sqlite file at path and ensures
// its schema is current, then opens it as a FlashCache.
func OpenFlash(path string) (*FlashCache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "opening flash mirror file", err).
			WithParam("path", path)
	}
	db.SetMaxOpenConns(1)

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "migrating flash mirror schema", err)
	}

	c := &FlashCache{db: db}
	if err := c.refreshBounds(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close releases the underlying database handle.
func (c *FlashCache) Close() error { return c.db.Close() }

// ID returns this cache's identifier.
func (c *FlashCache) ID() string { return "mirrorcache:flash_data" }

func (c *FlashCache) refreshBounds(ctx context.Context) error {
	var start, end sql.NullTime
	if err := c.db.QueryRowContext(ctx, "SELECT MIN(stroke_time), MAX(stroke_time) FROM flash_data").Scan(&start, &end); err != nil {
		return obserr.Wrap(obserr.KindConfigurationError, component, "reading flash mirror bounds", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if start.Valid {
		c.bounds.Start = start.Time
	}
	if end.Valid {
		c.bounds.End = end.Time
	}
	return nil
}

// Bounds returns the currently known [start, end] window.
func (c *FlashCache) Bounds() Bounds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bounds
}

// DataAvailable reports whether start falls inside the window this cache
// currently holds.
func (c *FlashCache) DataAvailable(start time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bounds.Start.IsZero() {
		return false
	}
	return !start.Before(c.bounds.Start)
}

// Fetch returns every flash observation in [start, end] that falls inside
// box (the zero BoundingBox matches everywhere).
func (c *FlashCache) Fetch(ctx context.Context, start, end time.Time, box BoundingBox) ([]obsmodel.FlashObservation, error) {
	rows, err := c.db.QueryContext(ctx,
		`SELECT flash_id, stroke_time, fractional_seconds, longitude, latitude, multiplicity, cloud_indicator
		 FROM flash_data WHERE stroke_time >= ? AND stroke_time <= ? ORDER BY stroke_time`, start, end)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying flash mirror", err)
	}
	defer rows.Close()

	var out []obsmodel.FlashObservation
	for rows.Next() {
		var f obsmodel.FlashObservation
		if err := rows.Scan(&f.FlashID, &f.StrokeTime, &f.FractionalSeconds, &f.Longitude, &f.Latitude,
			&f.Multiplicity, &f.CloudIndicator); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning flash mirror row", err)
		}
		if !box.Contains(f.Longitude, f.Latitude) {
			continue
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating flash mirror rows", err)
	}
	return out, nil
}

// Fill upserts flash rows into the mirror, skipping any already present by
// content hash, and republishes the cache's known bounds.
func (c *FlashCache) Fill(ctx context.Context, rows []obsmodel.FlashObservation) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "beginning flash mirror fill", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO flash_data
		(flash_id, stroke_time, fractional_seconds, longitude, latitude, multiplicity, cloud_indicator, content_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, obserr.Wrap(obserr.KindConfigurationError, component, "preparing flash mirror fill", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, f := range rows {
		res, err := stmt.ExecContext(ctx, f.FlashID, f.StrokeTime, f.FractionalSeconds, f.Longitude, f.Latitude,
			f.Multiplicity, f.CloudIndicator, int64(f.Hash()))
		if err != nil {
			return 0, obserr.Wrap(obserr.KindSerializationError, component, "inserting flash mirror row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "committing flash mirror fill", err)
	}
	if err := c.refreshBounds(ctx); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// Clean drops rows older than keepSince and advances the cache's known
// start time before the delete runs.
func (c *FlashCache) Clean(ctx context.Context, keepSince time.Time) error {
	c.mu.Lock()
	if keepSince.After(c.bounds.Start) {
		c.bounds.Start = keepSince
	}
	c.mu.Unlock()

	if _, err := c.db.ExecContext(ctx, "DELETE FROM flash_data WHERE stroke_time < ?", keepSince); err != nil {
		return obserr.Wrap(obserr.KindSerializationError, component, "cleaning flash mirror", err)
	}
	return c.refreshBounds(ctx)
}

// LatestModified is not tracked for flash data: the canonical table carries
// no modified_last column, so the admin falls back to stroke_time alone.
func (c *FlashCache) LatestModified(ctx context.Context) (time.Time, error) {
	return c.Bounds().End, nil
}
