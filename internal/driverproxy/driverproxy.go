// Package driverproxy routes a read request to the mirror cache or a
// canonical-DB backend based on table name and requested time window, and
// designates which registered driver owns station loading and fmisid
// translation.
package driverproxy

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

const component = "driverproxy"

// MaxDays marks a driver as having unbounded coverage ("INT_MAX" in the
// original). It is handled as a special case rather than via date
// arithmetic to avoid overflowing time.Time when subtracting it.
const MaxDays = math.MaxInt32

// Driver is the uniform read contract a mirror cache (E) or a canonical
// backend (G) must satisfy to be routable.
type Driver interface {
	ID() string
	Fetch(ctx context.Context, table string, settings obsmodel.Settings, qm *obsmodel.QueryMapping) (map[int][]obsmodel.DataItem, error)
}

// StationLoader is implemented by drivers responsible for loading the
// station snapshot.
type StationLoader interface {
	Driver
	ResponsibleForLoadingStations() bool
	ReloadStations(ctx context.Context) error
}

// Translator is implemented by drivers able to translate external station
// identifiers to fmisid.
type Translator interface {
	Driver
	TranslateToFMISID(ctx context.Context, start, end time.Time, stationType string) ([]obsmodel.TaggedFMISID, error)
}

type tableEntry struct {
	maxDays int
	driver  Driver
}

// Proxy maintains table-name -> ascending-by-max_days driver lists and the
// designated stations/translation drivers.
type Proxy struct {
	mu       sync.RWMutex
	tables   map[string][]tableEntry
	fallback Driver

	stationsDriver  StationLoader
	translateDriver Translator

	now func() time.Time // overridable for deterministic tests
}

// New returns an empty Proxy. fallback, when non-nil, answers requests for
// tables that have no registered driver at all (mirroring the original's
// "if no table mapping, use the Oracle driver when present" rule,
// generalized to any configured catch-all driver).
func New(fallback Driver) *Proxy {
	return &Proxy{tables: map[string][]tableEntry{}, fallback: fallback, now: time.Now}
}

// AddDriver registers d as willing to serve table up to maxDays of
// lookback. Call Init after all registrations to finalize ordering and
// driver designation.
func (p *Proxy) AddDriver(table string, maxDays int, d Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tables[table] = append(p.tables[table], tableEntry{maxDays: maxDays, driver: d})
}

// Init sorts every table's driver list ascending by max_days and
// designates the first driver that advertises station-loading
// responsibility, and the first driver able to translate identifiers —
// any driver can serve translation, matching the original's "any driver
// can handle translateToFMISID" comment.
func (p *Proxy) Init(drivers []Driver) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for table := range p.tables {
		entries := p.tables[table]
		sort.SliceStable(entries, func(i, j int) bool { return entries[i].maxDays < entries[j].maxDays })
		p.tables[table] = entries
	}

	for _, d := range drivers {
		if p.stationsDriver == nil {
			if sl, ok := d.(StationLoader); ok && sl.ResponsibleForLoadingStations() {
				p.stationsDriver = sl
			}
		}
		if p.translateDriver == nil {
			if tr, ok := d.(Translator); ok {
				p.translateDriver = tr
			}
		}
	}
}

// Resolve picks the driver that should answer a request against table
// over [start, end]. A zero start and end means "undefined period",
// matching Settings where starttime/endtime were never set.
func (p *Proxy) Resolve(table string, start, end time.Time) (Driver, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	entries, ok := p.tables[table]
	if !ok || len(entries) == 0 {
		if p.fallback != nil {
			return p.fallback, nil
		}
		return nil, obserr.New(obserr.KindNoDriverForTable, component, "no driver registered for table").
			WithParam("table", table)
	}

	if start.IsZero() && end.IsZero() {
		return entries[0].driver, nil
	}

	now := p.now()
	for _, e := range entries {
		if e.maxDays == MaxDays {
			return e.driver, nil
		}
		threshold := now.AddDate(0, 0, -e.maxDays)
		if !start.Before(threshold) {
			return e.driver, nil
		}
	}
	return nil, obserr.New(obserr.KindNoDriverForPeriod, component, "no driver covers the requested period").
		WithParam("table", table)
}

// StationLoaderDriver returns the driver responsible for station loading,
// if any was designated during Init.
func (p *Proxy) StationLoaderDriver() StationLoader {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stationsDriver
}

// TranslationDriver returns the driver responsible for fmisid translation,
// if any was designated during Init.
func (p *Proxy) TranslationDriver() Translator {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.translateDriver
}
