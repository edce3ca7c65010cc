// Package backend is the canonical-database driver: a pgx connection pool
// wrapped in a circuit breaker, used by the driver proxy whenever a request
// falls outside every mirror cache's window.
package backend

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

const component = "backend"

// Config is one connect_info.<driver> entry plus the pool and breaker
// tuning from common_info.<driver>.
type Config struct {
	DSN                   string
	PoolSize              int32
	ConnectTimeout        time.Duration
	BreakerFailureRatio   float64
	BreakerMinRequests    uint32
	BreakerOpenTimeout    time.Duration
	ResponsibleForStations bool
}

// Backend is the pgx-backed canonical driver. It implements
// driverproxy.Driver and driverproxy.Translator; RegistryLoader wraps it to
// provide driverproxy.StationLoader.
type Backend struct {
	id      string
	pool    *pgxpool.Pool
	breaker *gobreaker.CircuitBreaker

	responsibleForStations bool
}

// Open builds a connection pool for cfg and wraps it in a circuit breaker
// named id (the driver id from database_driver_info, used in routing log
// lines and metrics labels).
func Open(ctx context.Context, id string, cfg Config) (*Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindConfigurationError, component, "parsing DSN", err).
			WithParam("driver", id)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = cfg.PoolSize
	}
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "opening pool", err).
			WithParam("driver", id)
	}

	minRequests := cfg.BreakerMinRequests
	if minRequests == 0 {
		minRequests = 10
	}
	failureRatio := cfg.BreakerFailureRatio
	if failureRatio == 0 {
		failureRatio = 0.5
	}
	openTimeout := cfg.BreakerOpenTimeout
	if openTimeout == 0 {
		openTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: id,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.Requests >= minRequests && float64(counts.TotalFailures)/float64(counts.Requests) >= failureRatio
		},
		Timeout: openTimeout,
	})

	return &Backend{id: id, pool: pool, breaker: breaker, responsibleForStations: cfg.ResponsibleForStations}, nil
}

// Close releases the pool.
func (b *Backend) Close() { b.pool.Close() }

// ID identifies this backend as a driverproxy.Driver.
func (b *Backend) ID() string { return "backend:" + b.id }

// ResponsibleForLoadingStations reports whether this driver was configured
// as the station-loading driver (database_driver_info usually designates
// exactly one).
func (b *Backend) ResponsibleForLoadingStations() bool { return b.responsibleForStations }

// Fetch implements driverproxy.Driver against the canonical table.
func (b *Backend) Fetch(ctx context.Context, table string, settings obsmodel.Settings, qm *obsmodel.QueryMapping) (map[int][]obsmodel.DataItem, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		return b.fetch(ctx, table, settings, qm)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "circuit open", err).
				WithParam("driver", b.id)
		}
		return nil, err
	}
	return result.(map[int][]obsmodel.DataItem), nil
}

func (b *Backend) fetch(ctx context.Context, table string, settings obsmodel.Settings, qm *obsmodel.QueryMapping) (map[int][]obsmodel.DataItem, error) {
	fmisids := make([]int, 0, len(settings.TaggedFMISIDs))
	for _, t := range settings.TaggedFMISIDs {
		fmisids = append(fmisids, t.FMISID)
	}

	query, args := selectQuery(table, fmisids, qm.MeasurandIDs, settings.StartTime, settings.EndTime)
	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying canonical database", err).
			WithParam("table", table)
	}
	defer rows.Close()

	out := map[int][]obsmodel.DataItem{}
	for rows.Next() {
		var d obsmodel.DataItem
		if err := rows.Scan(&d.FMISID, &d.SensorNo, &d.MeasurandNo, &d.MeasurandID, &d.DataTime,
			&d.Value, &d.DataQuality, &d.DataSource, &d.ProducerID, &d.ModifiedLast, &d.IsDefaultSensor); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning row", err)
		}
		if !settings.AcceptsQuality(d.DataQuality) || !settings.AcceptsProducer(d.ProducerID) {
			continue
		}
		out[d.FMISID] = append(out[d.FMISID], d)
	}
	if err := rows.Err(); err != nil {
		return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating rows", err)
	}
	return out, nil
}

func selectQuery(table string, fmisids, measurandIDs []int, start, end time.Time) (string, []any) {
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor FROM %s WHERE data_time >= $1 AND data_time <= $2", pgx.Identifier{table}.Sanitize())
	args := []any{start, end}
	next := 3

	if len(fmisids) > 0 {
		b.WriteString(" AND fmisid = ANY(")
		fmt.Fprintf(&b, "$%d", next)
		b.WriteString(")")
		args = append(args, fmisids)
		next++
	}
	if len(measurandIDs) > 0 {
		b.WriteString(" AND measurand_id = ANY(")
		fmt.Fprintf(&b, "$%d", next)
		b.WriteString(")")
		args = append(args, measurandIDs)
		next++
	}
	b.WriteString(" ORDER BY fmisid, data_time")
	return b.String(), args
}

// PullSince fetches every row the cache admin should pull into a mirror on
// one update pass: rows whose modified_last advanced past modifiedSince, or
// whose data_time falls inside the retained window starting at dataSince.
func (b *Backend) PullSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.DataItem, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf(
			`SELECT fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor
			 FROM %s WHERE modified_last >= $1 OR data_time >= $2
			 ORDER BY fmisid, data_time`, pgx.Identifier{table}.Sanitize())

		rows, err := b.pool.Query(ctx, query, modifiedSince, dataSince)
		if err != nil {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "pulling updates", err).
				WithParam("table", table)
		}
		defer rows.Close()

		var out []obsmodel.DataItem
		for rows.Next() {
			var d obsmodel.DataItem
			if err := rows.Scan(&d.FMISID, &d.SensorNo, &d.MeasurandNo, &d.MeasurandID, &d.DataTime,
				&d.Value, &d.DataQuality, &d.DataSource, &d.ProducerID, &d.ModifiedLast, &d.IsDefaultSensor); err != nil {
				return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning pulled row", err)
			}
			out = append(out, d)
		}
		if err := rows.Err(); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating pulled rows", err)
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "circuit open", err).
				WithParam("driver", b.id)
		}
		return nil, err
	}
	return result.([]obsmodel.DataItem), nil
}

// PullMobileSince is like PullSince but for a mobile-producer table, also
// reading each row's own coordinates and station code.
func (b *Backend) PullMobileSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.MobileObservation, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf(
			`SELECT fmisid, sensor_no, measurand_no, measurand_id, data_time, data_value, data_quality, data_source, producer_id, modified_last, is_default_sensor, longitude, latitude, station_code
			 FROM %s WHERE modified_last >= $1 OR data_time >= $2
			 ORDER BY fmisid, data_time`, pgx.Identifier{table}.Sanitize())

		rows, err := b.pool.Query(ctx, query, modifiedSince, dataSince)
		if err != nil {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "pulling mobile updates", err).
				WithParam("table", table)
		}
		defer rows.Close()

		var out []obsmodel.MobileObservation
		for rows.Next() {
			var m obsmodel.MobileObservation
			if err := rows.Scan(&m.FMISID, &m.SensorNo, &m.MeasurandNo, &m.MeasurandID, &m.DataTime,
				&m.Value, &m.DataQuality, &m.DataSource, &m.ProducerID, &m.ModifiedLast, &m.IsDefaultSensor,
				&m.Longitude, &m.Latitude, &m.StationCode); err != nil {
				return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning pulled mobile row", err)
			}
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating pulled mobile rows", err)
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "circuit open", err).
				WithParam("driver", b.id)
		}
		return nil, err
	}
	return result.([]obsmodel.MobileObservation), nil
}

// PullFlashSince fetches flash rows newer than modifiedSince or occurring
// since dataSince — flash_data carries no modified_last column, so
// modifiedSince is compared against stroke_time as well.
func (b *Backend) PullFlashSince(ctx context.Context, modifiedSince, dataSince time.Time) ([]obsmodel.FlashObservation, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		rows, err := b.pool.Query(ctx,
			`SELECT flash_id, stroke_time, fractional_seconds, longitude, latitude, multiplicity, cloud_indicator
			 FROM flash_data WHERE stroke_time >= $1 OR stroke_time >= $2 ORDER BY stroke_time`,
			modifiedSince, dataSince)
		if err != nil {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "pulling flash updates", err)
		}
		defer rows.Close()

		var out []obsmodel.FlashObservation
		for rows.Next() {
			var f obsmodel.FlashObservation
			if err := rows.Scan(&f.FlashID, &f.StrokeTime, &f.FractionalSeconds, &f.Longitude, &f.Latitude,
				&f.Multiplicity, &f.CloudIndicator); err != nil {
				return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning pulled flash row", err)
			}
			out = append(out, f)
		}
		if err := rows.Err(); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "iterating pulled flash rows", err)
		}
		return out, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "circuit open", err).
				WithParam("driver", b.id)
		}
		return nil, err
	}
	return result.([]obsmodel.FlashObservation), nil
}

// Load implements stationregistry.StationSource by querying the full
// station table.
func (b *Backend) Load() ([]stationregistry.Station, error) {
	return b.loadStations(context.Background())
}

func (b *Backend) loadStations(ctx context.Context) ([]stationregistry.Station, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT fmisid, wmo, lpnn, rwsid, wsi, stationtype, longitude, latitude, elevation,
		       name, region, country, iso2, timezone, valid_from, valid_to
		FROM station`)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying stations", err)
	}
	defer rows.Close()

	var out []stationregistry.Station
	for rows.Next() {
		var s stationregistry.Station
		var validTo *time.Time
		if err := rows.Scan(&s.FMISID, &s.WMO, &s.LPNN, &s.RWSID, &s.WSI, &s.Type, &s.Longitude, &s.Latitude,
			&s.Elevation, &s.Name, &s.Region, &s.Country, &s.ISO2, &s.Timezone, &s.ValidFrom, &validTo); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning station row", err)
		}
		if validTo != nil {
			s.ValidTo = *validTo
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// TranslateToFMISID lists the fmisid of every station of stationType whose
// validity overlaps [start, end], read from the canonical station table.
// Each entry is tagged with its own fmisid; no other identifier kind is
// looked up.
func (b *Backend) TranslateToFMISID(ctx context.Context, start, end time.Time, stationType string) ([]obsmodel.TaggedFMISID, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT fmisid, fmisid FROM station
		WHERE stationtype = $1 AND valid_from <= $3 AND (valid_to IS NULL OR valid_to >= $2)`,
		stationType, start, end)
	if err != nil {
		return nil, obserr.Wrap(obserr.KindNoConnection, component, "translating identifiers", err)
	}
	defer rows.Close()

	var out []obsmodel.TaggedFMISID
	for rows.Next() {
		var tag, fmisid int
		if err := rows.Scan(&tag, &fmisid); err != nil {
			return nil, obserr.Wrap(obserr.KindSerializationError, component, "scanning translation row", err)
		}
		out = append(out, obsmodel.TaggedFMISID{Tag: fmt.Sprintf("%d", tag), FMISID: fmisid})
	}
	return out, rows.Err()
}

// LatestModified reports table's most recent modified_last value, used by
// the latestupdate auxiliary endpoint when no mirror cache covers the
// requested producer.
func (b *Backend) LatestModified(ctx context.Context, table string) (time.Time, error) {
	result, err := b.breaker.Execute(func() (any, error) {
		query := fmt.Sprintf("SELECT max(modified_last) FROM %s", pgx.Identifier{table}.Sanitize())
		var latest *time.Time
		if err := b.pool.QueryRow(ctx, query).Scan(&latest); err != nil {
			return nil, obserr.Wrap(obserr.KindNoConnection, component, "querying latest update time", err).
				WithParam("table", table)
		}
		if latest == nil {
			return time.Time{}, nil
		}
		return *latest, nil
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return time.Time{}, obserr.Wrap(obserr.KindNoConnection, component, "circuit open", err).
				WithParam("driver", b.id)
		}
		return time.Time{}, err
	}
	return result.(time.Time), nil
}

// RegistryLoader adapts a Backend designated as the station-loading driver
// to driverproxy.StationLoader. ReloadStations is called by the
// reloadstations endpoint; it reloads the registry from its station source
// and republishes the registry's snapshot atomically.
type RegistryLoader struct {
	*Backend
	Registry *stationregistry.Registry
}

// ReloadStations implements driverproxy.StationLoader.
func (l *RegistryLoader) ReloadStations(ctx context.Context) error {
	return l.Registry.Reload()
}
