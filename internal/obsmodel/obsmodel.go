// Package obsmodel holds the data model shared across the read path:
// narrow observation rows, the per-request Settings, the compiled
// QueryMapping, and the result vector shape.
package obsmodel

import (
	"hash/fnv"
	"strconv"
	"time"
)

// DataItem is one narrow observation row: one numeric sample of one
// measurand from one sensor at one station at one instant.
type DataItem struct {
	FMISID          int
	SensorNo        int
	MeasurandNo     int // 1 marks the canonical default sensor for the measurand
	MeasurandID     int
	DataTime        time.Time
	Value           float64
	DataQuality     int
	DataSource      int
	ProducerID      int
	ModifiedLast    time.Time
	IsDefaultSensor bool
}

// Hash derives a content hash identifying the row for idempotent upserts,
// combining every content field as the original's hash-on-content-fields
// design requires.
func (d DataItem) Hash() uint64 {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)) }
	write(strconv.Itoa(d.FMISID))
	write(strconv.Itoa(d.SensorNo))
	write(strconv.Itoa(d.MeasurandID))
	write(d.DataTime.UTC().Format(time.RFC3339Nano))
	write(strconv.FormatFloat(d.Value, 'g', -1, 64))
	write(strconv.Itoa(d.DataQuality))
	write(strconv.Itoa(d.DataSource))
	write(strconv.Itoa(d.ProducerID))
	return h.Sum64()
}

// FlashObservation is a lightning flash record. Unlike DataItem it is not
// keyed by station.
type FlashObservation struct {
	StrokeTime        time.Time
	FractionalSeconds float64
	FlashID           int64
	Longitude         float64
	Latitude          float64
	Multiplicity      int
	CloudIndicator    int
}

// Hash derives a content hash identifying the flash record for idempotent
// upserts.
func (f FlashObservation) Hash() uint64 {
	h := fnv.New64a()
	write := func(s string) { _, _ = h.Write([]byte(s)) }
	write(strconv.FormatInt(f.FlashID, 10))
	write(f.StrokeTime.UTC().Format(time.RFC3339Nano))
	write(strconv.FormatFloat(f.FractionalSeconds, 'g', -1, 64))
	write(strconv.FormatFloat(f.Longitude, 'g', -1, 64))
	write(strconv.FormatFloat(f.Latitude, 'g', -1, 64))
	return h.Sum64()
}

// MobileObservation is like DataItem but carries its own coordinates and
// an optional external station code resolved at read time.
type MobileObservation struct {
	DataItem
	Longitude   float64
	Latitude    float64
	StationCode string
}

// TimestepPolicy selects which observation timestamps become output rows.
type TimestepPolicy int

const (
	// PolicyAll selects every obstime present in the data.
	PolicyAll TimestepPolicy = iota
	// PolicyLatest selects only the single largest obstime per station.
	PolicyLatest
	// PolicyRequestedPlusData is the union of the generated grid and every
	// observed obstime.
	PolicyRequestedPlusData
	// PolicyListed selects only the generated grid.
	PolicyListed
)

// TaggedFMISID pairs a request-supplied tag with a resolved fmisid,
// preserving the caller's requested station order.
type TaggedFMISID struct {
	Tag    string
	FMISID int
}

// Settings is one request: station selectors, parameters, time window and
// formatting options.
type Settings struct {
	TaggedFMISIDs []TaggedFMISID
	Parameters    []string
	StartTime     time.Time
	EndTime       time.Time
	TimestepMin   int
	Timezone      string
	StationType   string
	Latest        bool
	ProducerIDs   []int
	DataQuality   []int // acceptable data_quality codes; empty means "accept all"
	MissingText   string
	RequestedGrid []time.Time // pre-generated time grid, when the caller supplies one
}

// Policy derives the timestep policy for these settings, per §4.I(2).
func (s Settings) Policy() TimestepPolicy {
	switch {
	case s.Latest:
		return PolicyLatest
	case len(s.RequestedGrid) > 0 && s.TimestepMin == 0:
		return PolicyRequestedPlusData
	case len(s.RequestedGrid) > 0:
		return PolicyListed
	default:
		return PolicyAll
	}
}

func (s Settings) acceptsQuality(q int) bool {
	if len(s.DataQuality) == 0 {
		return true
	}
	for _, v := range s.DataQuality {
		if v == q {
			return true
		}
	}
	return false
}

// AcceptsQuality reports whether data quality code q passes this
// request's data-quality filter.
func (s Settings) AcceptsQuality(q int) bool { return s.acceptsQuality(q) }

func (s Settings) acceptsProducer(p int) bool {
	if len(s.ProducerIDs) == 0 {
		return true
	}
	for _, v := range s.ProducerIDs {
		if v == p {
			return true
		}
	}
	return false
}

// AcceptsProducer reports whether producer id p passes this request's
// producer filter.
func (s Settings) AcceptsProducer(p int) bool { return s.acceptsProducer(p) }

// QueryMapping is the compiled plan for one request.
type QueryMapping struct {
	MeasurandIDs               []int
	SensorNumberToMeasurandIDs map[int]map[int]struct{} // sensor -> set of measurand ids; sensor -1 means "default"
	ParameterNameIDMap         map[string]int
	ParameterNameMap           map[string]string
	TimeseriesPositions        map[string]int
	SpecialPositions           map[string]int
	// SpecialInputIDs maps a derived special's name to its input
	// parameter names and the backend measurand id each resolved to, so
	// the result builder can locate the fetched rows for those inputs.
	SpecialInputIDs map[string]map[string]int
}

// NewQueryMapping returns a zero-valued, ready-to-populate QueryMapping.
func NewQueryMapping() *QueryMapping {
	return &QueryMapping{
		SensorNumberToMeasurandIDs: map[int]map[int]struct{}{},
		ParameterNameIDMap:         map[string]int{},
		ParameterNameMap:           map[string]string{},
		TimeseriesPositions:        map[string]int{},
		SpecialPositions:           map[string]int{},
		SpecialInputIDs:            map[string]map[string]int{},
	}
}

// AddMeasurandID appends id to MeasurandIDs if not already present.
func (q *QueryMapping) AddMeasurandID(id int) {
	for _, existing := range q.MeasurandIDs {
		if existing == id {
			return
		}
	}
	q.MeasurandIDs = append(q.MeasurandIDs, id)
}

// AddSensorMeasurand records that sensor may supply measurand id.
func (q *QueryMapping) AddSensorMeasurand(sensor, id int) {
	set, ok := q.SensorNumberToMeasurandIDs[sensor]
	if !ok {
		set = map[int]struct{}{}
		q.SensorNumberToMeasurandIDs[sensor] = set
	}
	set[id] = struct{}{}
}

// Cell is one (localtime, value) output pair. Value carries numeric
// results (measurements, derived parameters); Text carries textual
// specials (station name, region, ISO time strings). Exactly one of the
// two is set when the cell is not missing; both nil means missing.
type Cell struct {
	LocalTime time.Time
	Value     *float64
	Text      *string
}

// Series is one output column: one sequence of Cells per requested
// parameter.
type Series []Cell

// Result is a fixed-length vector of time series, one per requested
// parameter in request order.
type Result []Series
