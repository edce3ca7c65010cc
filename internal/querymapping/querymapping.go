// Package querymapping turns a request's parameter list into a compiled
// QueryMapping: column positions, measurand ids, sensor filters and
// special-field positions.
package querymapping

import (
	"strconv"
	"strings"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/parammap"
)

const component = "querymapping"

// identityAndTimeSpecials never require fetching extra measurands: they
// are computed from the station record, the request time grid, or the
// observation's own position columns.
var identityAndTimeSpecials = map[string]struct{}{
	"latitude": {}, "longitude": {}, "elevation": {},
	"fmisid": {}, "wmo": {}, "lpnn": {}, "rwsid": {}, "name": {},
	"region": {}, "country": {}, "iso2": {}, "tz": {},
	"localtime": {}, "isotime": {}, "epochtime": {},
	"sunrise": {}, "sunset": {}, "distance": {}, "direction": {},
	"sensor_no": {}, "place": {},
}

// derivedSpecialInputs names the underlying parameters each derived
// special is computed from; those parameter ids are folded into
// MeasurandIDs so the backend query fetches them even though the
// request did not name them directly.
var derivedSpecialInputs = map[string][]string{
	"windcompass8":  {"winddirection"},
	"windcompass16": {"winddirection"},
	"windcompass32": {"winddirection"},
	"feelslike":     {"windspeedms", "relativehumidity", "temperature"},
	"smartsymbol":   {"wawa", "totalcloudcover", "temperature"},
}

func isSpecial(name string) bool {
	if _, ok := identityAndTimeSpecials[name]; ok {
		return true
	}
	_, ok := derivedSpecialInputs[name]
	return ok
}

// IsKnownParameter reports whether name is either a special (identity,
// time, or derived) or has a backend mapping for stationType — the
// validation 4.J applies before compiling a request, so unknown
// parameters can be stripped and their positions remembered instead of
// failing the whole request.
func IsKnownParameter(name string, stationType string, pm *parammap.Map) bool {
	lower := strings.ToLower(name)
	if isSpecial(lower) {
		return true
	}
	_, _, base := ParseColumn(lower)
	_, ok := pm.Resolve(base, stationType)
	return ok
}

// ColumnKind identifies which field of a matched row a requested parameter
// name resolves to.
type ColumnKind int

const (
	// ColumnValue is the plain measurand value.
	ColumnValue ColumnKind = iota
	// ColumnQuality is the qc_-prefixed data quality flag.
	ColumnQuality
	// ColumnDataSource is the "<name>_data_source_sensornumber_<N>" column.
	ColumnDataSource
	// ColumnDataQuality is the "<name>_data_quality_sensornumber_<N>" column.
	ColumnDataQuality
)

const (
	dataSourceMarker  = "_data_source_sensornumber_"
	dataQualityMarker = "_data_quality_sensornumber_"
)

// ParseColumn splits a lowercased parameter name into the column kind it
// requests, the sensor number (-1 for "default"), and the bare measurand
// name pm.Resolve looks up. It recognizes the qc_ prefix and the
// _sensornumber_<N>, _data_source_sensornumber_<N> and
// _data_quality_sensornumber_<N> suffixes documented in 4.C's parameter
// grammar.
func ParseColumn(name string) (kind ColumnKind, sensor int, base string) {
	if idx := strings.LastIndex(name, dataSourceMarker); idx >= 0 {
		if n, err := strconv.Atoi(name[idx+len(dataSourceMarker):]); err == nil {
			return ColumnDataSource, n, name[:idx]
		}
	}
	if idx := strings.LastIndex(name, dataQualityMarker); idx >= 0 {
		if n, err := strconv.Atoi(name[idx+len(dataQualityMarker):]); err == nil {
			return ColumnDataQuality, n, name[:idx]
		}
	}
	quality := strings.HasPrefix(name, "qc_")
	base = strings.TrimPrefix(name, "qc_")
	sensor, base = extractSensorNumber(base)
	if quality {
		return ColumnQuality, sensor, base
	}
	return ColumnValue, sensor, base
}

// Plan compiles settings.Parameters into a QueryMapping for the given
// station type, using pm to resolve backend ids. wideTable indicates
// whether the backend is a wide/QC table (unused by the planning
// algorithm itself but threaded through per the original signature, for
// backends that branch their SQL generation on it).
func Plan(settings obsmodel.Settings, wideTable bool, pm *parammap.Map) (*obsmodel.QueryMapping, error) {
	_ = wideTable
	qm := obsmodel.NewQueryMapping()

	for p, rawName := range settings.Parameters {
		name := strings.ToLower(rawName)

		if isSpecial(name) {
			qm.SpecialPositions[name] = p
			inputs := derivedSpecialInputs[name]
			if len(inputs) > 0 {
				resolved := make(map[string]int, len(inputs))
				for _, input := range inputs {
					if id, ok := pm.Resolve(input, settings.StationType); ok {
						qm.AddMeasurandID(id)
						resolved[input] = id
					}
				}
				qm.SpecialInputIDs[name] = resolved
			}
			continue
		}

		kind, sensor, base := ParseColumn(name)

		id, ok := pm.Resolve(base, settings.StationType)
		if !ok {
			return nil, obserr.New(obserr.KindUnknownParameter, component, "parameter has no backend mapping").
				WithParam("parameter", rawName)
		}

		key := base
		if sensor != -1 {
			key = base + "_sensornumber_" + strconv.Itoa(sensor)
		}
		switch kind {
		case ColumnQuality:
			key = "qc_" + key
		case ColumnDataSource:
			key = base + "_data_source_sensornumber_" + strconv.Itoa(sensor)
		case ColumnDataQuality:
			key = base + "_data_quality_sensornumber_" + strconv.Itoa(sensor)
		}

		qm.TimeseriesPositions[key] = p
		qm.AddMeasurandID(id)
		qm.AddSensorMeasurand(sensor, id)
		qm.ParameterNameIDMap[rawName] = id
		qm.ParameterNameMap[rawName] = base
	}

	return qm, nil
}

// ExtractSensorNumber strips a trailing "_sensornumber_<N>" suffix,
// returning the explicit sensor number or -1 ("default") when absent. It
// exposes the same (base, sensor) split the planner uses when resolving a
// parameter's backend id.
func ExtractSensorNumber(name string) (sensor int, base string) {
	return extractSensorNumber(name)
}

func extractSensorNumber(name string) (sensor int, base string) {
	const marker = "_sensornumber_"
	idx := strings.LastIndex(name, marker)
	if idx < 0 {
		return -1, name
	}
	suffix := name[idx+len(marker):]
	n, err := strconv.Atoi(suffix)
	if err != nil {
		return -1, name
	}
	return n, name[:idx]
}
