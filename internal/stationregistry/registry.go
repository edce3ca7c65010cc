package stationregistry

import (
	"sort"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fmi-engine/obsengine/internal/geo"
	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

const component = "stationregistry"

// StationInfo is the immutable snapshot built from a reload. One live
// snapshot is shared by readers; a reload produces a new snapshot and old
// readers keep using the one they already loaded.
type StationInfo struct {
	stations     []Station
	fmisidIndex  map[int][]int
	wmoIndex     map[int][]int
	lpnnIndex    map[int][]int
	rwsidIndex   map[int][]int
	wsiIndex     map[string][]int
	groupMembers map[string][]int
}

// TaggedFMISID pairs an external identifier with the fmisid it resolved to.
type TaggedFMISID struct {
	Tag    int
	FMISID int
}

func buildStationInfo(stations []Station) *StationInfo {
	info := &StationInfo{
		stations:     stations,
		fmisidIndex:  map[int][]int{},
		wmoIndex:     map[int][]int{},
		lpnnIndex:    map[int][]int{},
		rwsidIndex:   map[int][]int{},
		wsiIndex:     map[string][]int{},
		groupMembers: map[string][]int{},
	}
	for i, s := range stations {
		info.fmisidIndex[s.FMISID] = append(info.fmisidIndex[s.FMISID], i)
		if s.WMO != 0 {
			info.wmoIndex[s.WMO] = append(info.wmoIndex[s.WMO], i)
		}
		if s.LPNN != 0 {
			info.lpnnIndex[s.LPNN] = append(info.lpnnIndex[s.LPNN], i)
		}
		if s.RWSID != 0 {
			info.rwsidIndex[s.RWSID] = append(info.rwsidIndex[s.RWSID], i)
		}
		if s.WSI != "" {
			info.wsiIndex[s.WSI] = append(info.wsiIndex[s.WSI], i)
		}
		for g := range s.Groups {
			info.groupMembers[g] = append(info.groupMembers[g], i)
		}
	}
	return info
}

// Empty returns a snapshot with no stations, used when the serialized
// station file is missing or empty at startup.
func Empty() *StationInfo { return buildStationInfo(nil) }

// StationSource abstracts the serialized-stations file format, which is
// explicitly out of scope for this module to parse.
type StationSource interface {
	Load() ([]Station, error)
}

// Registry holds the currently live StationInfo snapshot behind an atomic
// pointer. Readers call Current(); Reload() builds a new snapshot and
// swaps it in with no locks.
type Registry struct {
	current atomic.Pointer[StationInfo]
	source  StationSource
}

// NewRegistry builds a Registry by loading from source. If the source
// yields no stations (missing or empty file) an empty snapshot is
// installed rather than failing.
func NewRegistry(source StationSource) (*Registry, error) {
	r := &Registry{source: source}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload loads a fresh snapshot from the configured source and publishes
// it atomically. A genuine deserialization failure is returned to the
// caller; the caller decides whether that should fail startup or merely
// be logged (the two propagation paths documented for this module).
func (r *Registry) Reload() error {
	stations, err := r.source.Load()
	if err != nil {
		return obserr.Wrap(obserr.KindSerializationError, component, "failed to load station snapshot", err)
	}
	r.current.Store(buildStationInfo(stations))
	return nil
}

// Current returns the live snapshot.
func (r *Registry) Current() *StationInfo { return r.current.Load() }

type distCandidate struct {
	idx  int
	dist float64
}

// FindNearestStations returns up to k stations nearest to (longitude,
// latitude), filtered by group membership and by validity over
// [start,end] (zero times disable the time filter), within maxDistanceKm
// (zero disables the distance filter). Ties at the k-th distance are all
// gathered before the deterministic (distance, name) secondary sort and
// truncation to exactly k, so the result is independent of station
// insertion order.
func (info *StationInfo) FindNearestStations(
	longitude, latitude, maxDistanceKm float64,
	k int,
	groups map[string]struct{},
	start, end time.Time,
) []Station {
	target := geo.Point{Longitude: longitude, Latitude: latitude}

	var candidates []distCandidate
	for i, s := range info.stations {
		if !s.InGroups(groups) {
			continue
		}
		if !validOverlaps(s, start, end) {
			continue
		}
		d := geo.DistanceKm(target, geo.Point{Longitude: s.Longitude, Latitude: s.Latitude})
		if maxDistanceKm > 0 && d > maxDistanceKm {
			continue
		}
		candidates = append(candidates, distCandidate{idx: i, dist: d})
	}

	if k <= 0 || len(candidates) == 0 {
		return nil
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })

	if len(candidates) > k {
		threshold := candidates[k-1].dist
		kept := candidates[:0:0]
		for _, c := range candidates {
			if c.dist <= threshold {
				kept = append(kept, c)
			}
		}
		candidates = kept
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return info.stations[candidates[i].idx].Name < info.stations[candidates[j].idx].Name
	})

	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]Station, len(candidates))
	for i, c := range candidates {
		out[i] = info.stations[c.idx]
	}
	return out
}

func validOverlaps(s Station, start, end time.Time) bool {
	if start.IsZero() && end.IsZero() {
		return true
	}
	if !end.IsZero() && s.ValidFrom.After(end) {
		return false
	}
	if !s.ValidTo.IsZero() && !start.IsZero() && s.ValidTo.Before(start) {
		return false
	}
	return true
}

// GetStation returns the station record for fmisid whose validity interval
// covers t and which belongs to one of groups. Fails with StationNotFound
// if no such record exists.
func (info *StationInfo) GetStation(fmisid int, groups map[string]struct{}, t time.Time) (Station, error) {
	for _, i := range info.fmisidIndex[fmisid] {
		s := info.stations[i]
		if s.InGroups(groups) && s.ValidAt(t) {
			return s, nil
		}
	}
	return Station{}, obserr.New(obserr.KindStationNotFound, component, "no station record covers the requested time").
		WithParam("fmisid", strconv.Itoa(fmisid))
}

// BelongsToGroup reports whether fmisid has any record belonging to groups,
// regardless of validity time.
func (info *StationInfo) BelongsToGroup(fmisid int, groups map[string]struct{}) bool {
	for _, i := range info.fmisidIndex[fmisid] {
		if info.stations[i].InGroups(groups) {
			return true
		}
	}
	return false
}

func findByIndex(info *StationInfo, index map[int][]int, ids []int, groups map[string]struct{}, start, end time.Time) []Station {
	var out []Station
	seen := map[int]struct{}{}
	for _, id := range ids {
		for _, i := range index[id] {
			s := info.stations[i]
			if !s.InGroups(groups) || !validOverlaps(s, start, end) {
				continue
			}
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func (info *StationInfo) FindWmoStations(wmos []int, groups map[string]struct{}, start, end time.Time) []Station {
	return findByIndex(info, info.wmoIndex, wmos, groups, start, end)
}

func (info *StationInfo) FindLpnnStations(lpnns []int, groups map[string]struct{}, start, end time.Time) []Station {
	return findByIndex(info, info.lpnnIndex, lpnns, groups, start, end)
}

func (info *StationInfo) FindRwsidStations(rwsids []int, groups map[string]struct{}, start, end time.Time) []Station {
	return findByIndex(info, info.rwsidIndex, rwsids, groups, start, end)
}

func (info *StationInfo) FindFmisidStations(fmisids []int, groups map[string]struct{}, start, end time.Time) []Station {
	return findByIndex(info, info.fmisidIndex, fmisids, groups, start, end)
}

// FindStationsInGroup returns every station belonging to any of groups and
// valid over [start,end].
func (info *StationInfo) FindStationsInGroup(groups map[string]struct{}, start, end time.Time) []Station {
	var out []Station
	for _, s := range info.stations {
		if s.InGroups(groups) && validOverlaps(s, start, end) {
			out = append(out, s)
		}
	}
	return out
}

// FindWsiStations returns stations matching any of wsis, filtered by group
// membership and validity, mirroring the fmisid/wmo/lpnn/rwsid finders for
// the string-keyed WIGOS station identifier.
func (info *StationInfo) FindWsiStations(wsis []string, groups map[string]struct{}, start, end time.Time) []Station {
	var out []Station
	seen := map[int]struct{}{}
	for _, wsi := range wsis {
		for _, i := range info.wsiIndex[wsi] {
			s := info.stations[i]
			if !s.InGroups(groups) || !validOverlaps(s, start, end) {
				continue
			}
			if _, dup := seen[i]; dup {
				continue
			}
			seen[i] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

// FindStationsInsideBox returns stations inside [minx,miny,maxx,maxy],
// handling wraparound across the antimeridian when minx > maxx.
func (info *StationInfo) FindStationsInsideBox(minx, miny, maxx, maxy float64, groups map[string]struct{}, start, end time.Time) []Station {
	var out []Station
	for _, s := range info.stations {
		if !s.InGroups(groups) || !validOverlaps(s, start, end) {
			continue
		}
		if geo.InBox(geo.Point{Longitude: s.Longitude, Latitude: s.Latitude}, minx, miny, maxx, maxy) {
			out = append(out, s)
		}
	}
	return out
}

// FindStationsInsideArea returns stations inside a WKT polygon. A
// malformed WKT string yields a ConfigurationError (it is treated as a
// caller-supplied filter, not as missing data).
func (info *StationInfo) FindStationsInsideArea(groups map[string]struct{}, start, end time.Time, wktPolygon string) ([]Station, error) {
	var out []Station
	for _, s := range info.stations {
		if !s.InGroups(groups) || !validOverlaps(s, start, end) {
			continue
		}
		inside, err := geo.InWKTPolygon(geo.Point{Longitude: s.Longitude, Latitude: s.Latitude}, wktPolygon)
		if err != nil {
			return nil, obserr.Wrap(obserr.KindConfigurationError, component, "invalid WKT polygon", err)
		}
		if inside {
			out = append(out, s)
		}
	}
	return out, nil
}

func translate(index map[int][]int, stations []Station, ids []int, t time.Time) []TaggedFMISID {
	var out []TaggedFMISID
	for _, id := range ids {
		for _, i := range index[id] {
			if stations[i].ValidAt(t) {
				out = append(out, TaggedFMISID{Tag: id, FMISID: stations[i].FMISID})
				break
			}
		}
	}
	return out
}

func (info *StationInfo) TranslateWMOToFMISID(wmos []int, t time.Time) []TaggedFMISID {
	return translate(info.wmoIndex, info.stations, wmos, t)
}

func (info *StationInfo) TranslateRWSIDToFMISID(rwsids []int, t time.Time) []TaggedFMISID {
	return translate(info.rwsidIndex, info.stations, rwsids, t)
}

func (info *StationInfo) TranslateLPNNToFMISID(lpnns []int, t time.Time) []TaggedFMISID {
	return translate(info.lpnnIndex, info.stations, lpnns, t)
}

// TranslateWSIToFMISID resolves WIGOS station identifiers valid at t,
// mirroring the WMO/RWSID/LPNN translators but keyed by the string WSI
// identifier rather than an integer code, so it returns obsmodel's
// string-tagged pairing instead of this package's int-tagged TaggedFMISID.
func (info *StationInfo) TranslateWSIToFMISID(wsis []string, t time.Time) []obsmodel.TaggedFMISID {
	var out []obsmodel.TaggedFMISID
	for _, wsi := range wsis {
		for _, i := range info.wsiIndex[wsi] {
			if info.stations[i].ValidAt(t) {
				out = append(out, obsmodel.TaggedFMISID{Tag: wsi, FMISID: info.stations[i].FMISID})
				break
			}
		}
	}
	return out
}
