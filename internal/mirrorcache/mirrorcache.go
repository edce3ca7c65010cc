// Package mirrorcache is the on-disk relational mirror of the most recent
// observation window: one embedded sqlite file per mirrored table, kept in
// sync by the cache admin and read by the driver proxy in place of the
// canonical database whenever the requested period falls inside its bounds.
package mirrorcache

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

const component = "mirrorcache"

// Table names one of the narrow tables this package mirrors. Every table
// shares the DataItem row shape; the mobile producer tables additionally
// carry their own coordinates.
type Table string

const (
	TableObservationData Table = "observation_data"
	TableWeatherDataQC    Table = "weather_data_qc"
	TableRoadCloud        Table = "roadcloud_data"
	TableNetAtmo          Table = "netatmo_data"
	TableFmiIoT           Table = "fmi_iot_data"
	TableTapsiQC          Table = "tapsi_qc_data"
	TableMagnetometer     Table = "magnetometer_data"
	TableFlashData        Table = "flash_data"
)

func (t Table) hasMobileColumns() bool {
	switch t {
	case TableRoadCloud, TableNetAtmo, TableFmiIoT, TableTapsiQC:
		return true
	default:
		return false
	}
}

// Bounds is the closed [Start, End] window this cache is known to hold
// for a table, maintained under mu and published to data_available checks.
type Bounds struct {
	Start time.Time
	End   time.Time
}

// Cache is one mirrored table backed by one sqlite file. Each Cache holds
// its own *sql.DB, opened by Open.
type Cache struct {
	db    *sql.DB
	table Table

	mu     sync.RWMutex
	bounds Bounds

	// fake, when set, serves filtered rows from fakeWindows instead of
	// querying the database, and turns Fill/Clean into no-ops — the static "fake cache"
	// configuration used in environments without a live mirror feed.
	fake        bool
	fakeWindows map[int][]obsmodel.DataItem
}

// Open opens (creating if absent) the sqlite file at path and ensures its
// schema is current. table selects which mirrored table this Cache reads
// and writes; callers that mirror multiple tables from the same file should
// call Open once per table, sharing no state beyond the file.
func Open(path string, table Table) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "opening mirror file", err).
			WithParam("path", path)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	if err := applyMigrations(db); err != nil {
		_ = db.Close()
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "migrating mirror schema", err)
	}

	c := &Cache{db: db, table: table}
	if err := c.refreshBounds(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// OpenFake builds a Cache that never touches disk, serving the rows given
// in windows (keyed by fmisid) that match a request's stations,
// measurands, time window and filters — the static
// configuration used when a driver declares a cache table but has no real
// mirror feed behind it.
func OpenFake(table Table, windows map[int][]obsmodel.DataItem) *Cache {
	return &Cache{table: table, fake: true, fakeWindows: windows}
}

// Close releases the underlying database handle. A fake cache's Close is a
// no-op.
func (c *Cache) Close() error {
	if c.db == nil {
		return nil
	}
	return c.db.Close()
}

// ID identifies this cache as a driverproxy.Driver.
func (c *Cache) ID() string { return "mirrorcache:" + string(c.table) }

func (c *Cache) refreshBounds(ctx context.Context) error {
	var start, end sql.NullTime
	query := fmt.Sprintf("SELECT MIN(data_time), MAX(data_time) FROM %s", c.table)
	if err := c.db.QueryRowContext(ctx, query).Scan(&start, &end); err != nil {
		return obserr.Wrap(obserr.KindConfigurationError, component, "reading mirror bounds", err).
			WithParam("table", string(c.table))
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

// DataAvailable reports whether settings' requested start time is at or
// after the start of what this cache currently holds; the end time is not
// checked. A fake cache always reports true.
func (c *Cache) DataAvailable(settings obsmodel.Settings) bool {
	if c.fake {
		return true
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.bounds.Start.IsZero() {
		return false
	}
	return !settings.StartTime.Before(c.bounds.Start)
}

// Bounds returns the currently known [start, end] window, for admin status
// reporting.
func (c *Cache) Bounds() Bounds {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bounds
}

// Fetch implements driverproxy.Driver: it returns the rows matching
// settings' time window, measurand selection and quality/producer filters,
// grouped by fmisid.
func (c *Cache) Fetch(ctx context.Context, table string, settings obsmodel.Settings, qm *obsmodel.QueryMapping) (map[int][]obsmodel.DataItem, error) {
	if c.fake {
		return c.fetchFake(settings, qm), nil
	}

	fmisids := make([]int, 0, len(settings.TaggedFMISIDs))
	for _, t := range settings.TaggedFMISIDs {
		fmisids = append(fmisids, t.FMISID)
	}

	query, args := c.selectQuery(fmisids, qm.MeasurandIDs, settings.StartTime, settings.EndTime)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying mirror", err).
			WithParam("table", string(c.table))
	}
	defer rows.Close()

	mobile := c.table.hasMobileColumns()
	out := map[int][]obsmodel.DataItem{}
	for rows.Next() {
		var d obsmodel.DataItem
		var isDefault int
		dest := []any{&d.FMISID, &d.SensorNo, &d.MeasurandNo, &d.MeasurandID, &d.DataTime,
			&d.Value, &d.DataQuality, &d.DataSource, &d.ProducerID, &d.ModifiedLast, &isDefault}
		var lon, lat sql.NullFloat64
		var stationCode sql.NullString
		if mobile {
			dest = append(dest, &lon, &lat, &stationCode)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning mirror row", err)
		}
		d.IsDefaultSensor = isDefault != 0
		if !settings.AcceptsQuality(d.DataQuality) || !settings.AcceptsProducer(d.ProducerID) {
			continue
		}
		out[d.FMISID] = append(out[d.FMISID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating mirror rows", err)
	}
	return out, nil
}

// FetchMobile is like Fetch but for a mobile-producer table, returning each
// row's own coordinates and resolved station code alongside its measurement
// — the shape obsmodel.MobileObservation carries for producers that have no
// fixed station position.
func (c *Cache) FetchMobile(ctx context.Context, settings obsmodel.Settings, qm *obsmodel.QueryMapping) (map[int][]obsmodel.MobileObservation, error) {
	if !c.table.hasMobileColumns() {
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "table has no mobile columns", nil).
			WithParam("table", string(c.table))
	}
	if c.fake {
		out := map[int][]obsmodel.MobileObservation{}
		for fmisid, rows := range c.fetchFake(settings, qm) {
			for _, row := range rows {
				out[fmisid] = append(out[fmisid], obsmodel.MobileObservation{DataItem: row})
			}
		}
		return out, nil
	}

	fmisids := make([]int, 0, len(settings.TaggedFMISIDs))
	for _, t := range settings.TaggedFMISIDs {
		fmisids = append(fmisids, t.FMISID)
	}
	query, args := c.selectQuery(fmisids, qm.MeasurandIDs, settings.StartTime, settings.EndTime)
	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying mobile mirror", err).
			WithParam("table", string(c.table))
	}
	defer rows.Close()

	out := map[int][]obsmodel.MobileObservation{}
	for rows.Next() {
		var m obsmodel.MobileObservation
		var isDefault int
		var stationCode sql.NullString
		if err := rows.Scan(&m.FMISID, &m.SensorNo, &m.MeasurandNo, &m.MeasurandID, &m.DataTime,
			&m.Value, &m.DataQuality, &m.DataSource, &m.ProducerID, &m.ModifiedLast, &isDefault,
			&m.Longitude, &m.Latitude, &stationCode); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning mobile mirror row", err)
		}
		m.IsDefaultSensor = isDefault != 0
		m.StationCode = stationCode.String
		if !settings.AcceptsQuality(m.DataQuality) || !settings.AcceptsProducer(m.ProducerID) {
			continue
		}
		out[m.FMISID] = append(out[m.FMISID], m)
	}
	if err := rows.Err(); err != nil {
		return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating mobile mirror rows", err)
	}
	return out, nil
}

func (c *Cache) fetchFake(settings obsmodel.Settings, qm *obsmodel.QueryMapping) map[int][]obsmodel.DataItem {
	wanted := map[int]struct{}{}
	for _, id := range qm.MeasurandIDs {
		wanted[id] = struct{}{}
	}
	out := map[int][]obsmodel.DataItem{}
	for _, tag := range settings.TaggedFMISIDs {
		for _, row := range c.fakeWindows[tag.FMISID] {
			if _, ok := wanted[row.MeasurandID]; !ok {
				continue
			}
			if row.DataTime.Before(settings.StartTime) || row.DataTime.After(settings.EndTime) {
				continue
			}
			if !settings.AcceptsQuality(row.DataQuality) || !settings.AcceptsProducer(row.ProducerID) {
				continue
			}
			out[tag.FMISID] = append(out[tag.FMISID], row)
		}
	}
	return out
}

func (c *Cache) selectQuery(fmisids, measurandIDs []int, start, end time.Time) (string, []any) {
	var b strings.Builder
	cols := "fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor"
	if c.table.hasMobileColumns() {
		cols += ", longitude, latitude, station_code"
	}
	fmt.Fprintf(&b, "SELECT %s FROM %s WHERE data_time >= ? AND data_time <= ?", cols, c.table)
	args := []any{start, end}

	if len(fmisids) > 0 {
		b.WriteString(" AND fmisid IN (")
		b.WriteString(placeholders(len(fmisids)))
		b.WriteString(")")
		for _, id := range fmisids {
			args = append(args, id)
		}
	}
	if len(measurandIDs) > 0 {
		b.WriteString(" AND measurand_id IN (")
		b.WriteString(placeholders(len(measurandIDs)))
		b.WriteString(")")
		for _, id := range measurandIDs {
			args = append(args, id)
		}
	}
	b.WriteString(" ORDER BY fmisid, data_time")
	return b.String(), args
}

func placeholders(n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "?"
	}
	return strings.Join(ph, ",")
}

// Fill upserts rows into the mirror, skipping any row already present by
// content hash, and republishes the cache's known bounds. It returns the
// number of rows actually inserted. Fill is a writer-only operation: the
// cache admin is the only caller, one goroutine per table, so no additional
// locking protects the insert itself beyond the bounds mutex.
func (c *Cache) Fill(ctx context.Context, rows []obsmodel.DataItem) (int, error) {
	if c.fake || len(rows) == 0 {
		return 0, nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "beginning mirror fill", err)
	}
	defer func() { _ = tx.Rollback() }()

	mobile := c.table.hasMobileColumns()
	cols := "fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor, content_hash"
	placeholders := "?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?"
	if mobile {
		cols += ", longitude, latitude, station_code"
		placeholders += ", ?, ?, ?"
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s) VALUES (%s)`, c.table, cols, placeholders))
	if err != nil {
		return 0, obserr.Wrap(obserr.KindConfigurationError, component, "preparing mirror fill", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		isDefault := 0
		if row.IsDefaultSensor {
			isDefault = 1
		}
		args := []any{row.FMISID, row.SensorNo, row.MeasurandNo, row.MeasurandID,
			row.DataTime, row.Value, row.DataQuality, row.DataSource, row.ProducerID, row.ModifiedLast,
			isDefault, int64(row.Hash())}
		if mobile {
			args = append(args, 0.0, 0.0, "")
		}
		res, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return 0, obserr.Wrap(obserr.KindSerializationError, component, "inserting mirror row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "committing mirror fill", err)
	}

	if err := c.refreshBounds(ctx); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// FillMobile is like Fill but for mobile-producer rows, which carry their
// own coordinates and station code instead of sharing a fixed station
// position.
func (c *Cache) FillMobile(ctx context.Context, rows []obsmodel.MobileObservation) (int, error) {
	if c.fake || len(rows) == 0 {
		return 0, nil
	}
	if !c.table.hasMobileColumns() {
		return 0, obserr.Wrap(obserr.KindConfigurationError, component, "table has no mobile columns", nil).
			WithParam("table", string(c.table))
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "beginning mobile mirror fill", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT OR IGNORE INTO %s
		(fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor, content_hash, longitude, latitude, station_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, c.table))
	if err != nil {
		return 0, obserr.Wrap(obserr.KindConfigurationError, component, "preparing mobile mirror fill", err)
	}
	defer stmt.Close()

	inserted := 0
	for _, row := range rows {
		isDefault := 0
		if row.IsDefaultSensor {
			isDefault = 1
		}
		res, err := stmt.ExecContext(ctx, row.FMISID, row.SensorNo, row.MeasurandNo, row.MeasurandID,
			row.DataTime, row.Value, row.DataQuality, row.DataSource, row.ProducerID, row.ModifiedLast,
			isDefault, int64(row.DataItem.Hash()), row.Longitude, row.Latitude, row.StationCode)
		if err != nil {
			return 0, obserr.Wrap(obserr.KindSerializationError, component, "inserting mobile mirror row", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, obserr.Wrap(obserr.KindNoConnection, component, "committing mobile mirror fill", err)
	}
	if err := c.refreshBounds(ctx); err != nil {
		return inserted, err
	}
	return inserted, nil
}

// Clean drops rows older than keepSince and advances the cache's known
// start time. The start time is published before the delete runs, matching
// the in-memory cache's clean ordering, so a concurrent reader never sees a
// window wider than what storage actually still holds.
func (c *Cache) Clean(ctx context.Context, keepSince time.Time) error {
	if c.fake {
		return nil
	}

	c.mu.Lock()
	if keepSince.After(c.bounds.Start) {
		c.bounds.Start = keepSince
	}
	c.mu.Unlock()

	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE data_time < ?", c.table), keepSince)
	if err != nil {
		return obserr.Wrap(obserr.KindSerializationError, component, "cleaning mirror", err).
			WithParam("table", string(c.table))
	}
	return c.refreshBounds(ctx)
}

// LatestModified returns the greatest modified_last value currently stored,
// used by the cache admin to compute the next pull's lower bound.
func (c *Cache) LatestModified(ctx context.Context) (time.Time, error) {
	if c.fake {
		return time.Time{}, nil
	}
	var latest sql.NullTime
	query := fmt.Sprintf("SELECT MAX(modified_last) FROM %s", c.table)
	if err := c.db.QueryRowContext(ctx, query).Scan(&latest); err != nil {
		return time.Time{}, obserr.Wrap(obserr.KindConfigurationError, component, "reading latest modified_last", err)
	}
	if !latest.Valid {
		return time.Time{}, nil
	}
	return latest.Time, nil
}

// sortByTime is a small helper kept for tests that assemble Fetch results by
// hand; production callers already receive ORDER BY data_time rows.
func sortByTime(rows []obsmodel.DataItem) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].DataTime.Before(rows[j].DataTime) })
}
