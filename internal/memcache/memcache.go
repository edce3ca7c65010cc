// Package memcache implements the lock-free, single-writer/multi-reader
// rolling window of recent observations held entirely in memory.
//
// Sharing goes through atomic pointers at two levels — the station->vector
// map, and each per-station vector — so readers that loaded a pointer
// before an update keep seeing consistent data until they drop it.
// Exactly one writer (the cache admin) may call Fill/Clean at a time; that
// contract is enforced by the caller, not by this package (see the open
// question recorded for this component).
package memcache

import (
	"sort"
	"sync/atomic"
	"time"

	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

type stationMap = map[int]*atomic.Pointer[[]obsmodel.DataItem]

// Cache is the in-memory observation cache described in the component
// design. The zero value is ready to use.
type Cache struct {
	observations atomic.Pointer[stationMap]
	startTime    atomic.Pointer[time.Time]
	hashes       map[uint64]struct{} // touched only by the single writer
}

// New returns an empty, ready-to-fill Cache.
func New() *Cache {
	c := &Cache{hashes: map[uint64]struct{}{}}
	empty := stationMap{}
	c.observations.Store(&empty)
	return c
}

// GetStartTime returns the time of the oldest observation present, or the
// zero time if the cache has never been filled.
func (c *Cache) GetStartTime() time.Time {
	t := c.startTime.Load()
	if t == nil {
		return time.Time{}
	}
	return *t
}

// Fill adds new observations to the cache. Rows whose content hash is
// already present are skipped. Returns the number of rows actually
// inserted. Single-writer only.
func (c *Cache) Fill(rows []obsmodel.DataItem) int {
	byStation := map[int][]obsmodel.DataItem{}
	var newHashes []uint64
	inserted := 0

	for _, row := range rows {
		h := row.Hash()
		if _, dup := c.hashes[h]; dup {
			continue
		}
		byStation[row.FMISID] = append(byStation[row.FMISID], row)
		newHashes = append(newHashes, h)
		inserted++
	}
	if inserted == 0 {
		return 0
	}

	old := *c.observations.Load()
	updated := make(stationMap, len(old)+len(byStation))
	for k, v := range old {
		updated[k] = v
	}

	for fmisid, newRows := range byStation {
		var existing []obsmodel.DataItem
		if ptr, ok := old[fmisid]; ok {
			existing = *ptr.Load()
		}
		merged := make([]obsmodel.DataItem, 0, len(existing)+len(newRows))
		merged = append(merged, existing...)
		merged = append(merged, newRows...)
		sort.SliceStable(merged, func(i, j int) bool { return merged[i].DataTime.Before(merged[j].DataTime) })

		ptr := &atomic.Pointer[[]obsmodel.DataItem]{}
		ptr.Store(&merged)
		updated[fmisid] = ptr
	}

	c.observations.Store(&updated)
	for _, h := range newHashes {
		c.hashes[h] = struct{}{}
	}

	var earliest time.Time
	for _, newRows := range byStation {
		for _, r := range newRows {
			if earliest.IsZero() || r.DataTime.Before(earliest) {
				earliest = r.DataTime
			}
		}
	}
	if cur := c.startTime.Load(); cur == nil || earliest.Before(*cur) {
		c.startTime.Store(&earliest)
	}
	return inserted
}

// Clean deletes observations older than newStartTime. The new start time
// is published before any row is removed, so readers cannot be told the
// cache covers a range whose data is mid-removal. Single-writer only.
func (c *Cache) Clean(newStartTime time.Time) {
	c.startTime.Store(&newStartTime)

	old := *c.observations.Load()
	updated := make(stationMap, len(old))

	for fmisid, ptr := range old {
		existing := *ptr.Load()
		kept := make([]obsmodel.DataItem, 0, len(existing))
		for _, row := range existing {
			if row.DataTime.Before(newStartTime) {
				delete(c.hashes, row.Hash())
				continue
			}
			kept = append(kept, row)
		}
		newPtr := &atomic.Pointer[[]obsmodel.DataItem]{}
		newPtr.Store(&kept)
		updated[fmisid] = newPtr
	}

	c.observations.Store(&updated)
}

// Filter carries the subset of obsmodel.Settings that Read needs to
// evaluate its row predicate, decoupling this package from the full
// request shape.
type Filter struct {
	StartTime   time.Time
	EndTime     time.Time
	MeasurandOK func(measurandID int) bool
	SensorOK    func(measurandID, sensorNo int, isDefaultSensor bool) bool
	QualityOK   func(quality int) bool
	ProducerOK  func(producerID int) bool
}

// Read returns, for each requested station, the rows in [StartTime,
// EndTime] whose measurand is requested, whose sensor is acceptable,
// whose data quality passes the filter, and whose producer id is
// accepted — in non-decreasing data_time order. Multi-reader safe.
func (c *Cache) Read(stations []int, f Filter) map[int][]obsmodel.DataItem {
	m := *c.observations.Load()
	out := make(map[int][]obsmodel.DataItem, len(stations))

	for _, fmisid := range stations {
		ptr, ok := m[fmisid]
		if !ok {
			continue
		}
		rows := *ptr.Load()
		start := sort.Search(len(rows), func(i int) bool { return !rows[i].DataTime.Before(f.StartTime) })

		var matched []obsmodel.DataItem
		for i := start; i < len(rows); i++ {
			row := rows[i]
			if row.DataTime.After(f.EndTime) {
				break
			}
			if f.MeasurandOK != nil && !f.MeasurandOK(row.MeasurandID) {
				continue
			}
			if f.SensorOK != nil && !f.SensorOK(row.MeasurandID, row.SensorNo, row.IsDefaultSensor || row.MeasurandNo == 1) {
				continue
			}
			if f.QualityOK != nil && !f.QualityOK(row.DataQuality) {
				continue
			}
			if f.ProducerOK != nil && !f.ProducerOK(row.ProducerID) {
				continue
			}
			matched = append(matched, row)
		}
		if len(matched) > 0 {
			out[fmisid] = matched
		}
	}
	return out
}
