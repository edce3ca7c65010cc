// Package resultbuilder assembles narrow observation rows into the
// time-indexed result vectors a request expects: one series per requested
// parameter, gap-filled onto the station's valid timesteps, with derived
// parameters computed and identity/time columns carried forward.
package resultbuilder

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/querymapping"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

const component = "resultbuilder"

type cell struct {
	value     float64
	quality   int
	source    int
	isDefault bool
}

// grouped is obstime -> measurand id -> sensor no -> cell, per §9's note
// that the representation need not literally be nested maps; here it is,
// for clarity, since per-station row counts are small.
type grouped map[time.Time]map[int]map[int]cell

func group(rows []obsmodel.DataItem) grouped {
	g := grouped{}
	for _, row := range rows {
		byMeasurand, ok := g[row.DataTime]
		if !ok {
			byMeasurand = map[int]map[int]cell{}
			g[row.DataTime] = byMeasurand
		}
		bySensor, ok := byMeasurand[row.MeasurandID]
		if !ok {
			bySensor = map[int]cell{}
			byMeasurand[row.MeasurandID] = bySensor
		}
		bySensor[row.SensorNo] = cell{
			value:     row.Value,
			quality:   row.DataQuality,
			source:    row.DataSource,
			isDefault: row.IsDefaultSensor || row.MeasurandNo == 1,
		}
	}
	return g
}

// selectCell picks the cell for measurandID under the requested sensor.
// Sensor -1 ("default") prefers the row flagged as the default sensor,
// else the smallest sensor number present, per the documented tie-break.
func selectCell(byMeasurand map[int]map[int]cell, measurandID, sensor int) (cell, bool) {
	bySensor, ok := byMeasurand[measurandID]
	if !ok {
		return cell{}, false
	}
	if sensor != -1 {
		c, ok := bySensor[sensor]
		return c, ok
	}
	for _, c := range bySensor {
		if c.isDefault {
			return c, true
		}
	}
	minSensor := 0
	found := false
	for s := range bySensor {
		if !found || s < minSensor {
			minSensor = s
			found = true
		}
	}
	if !found {
		return cell{}, false
	}
	return bySensor[minSensor], true
}

// StationContext is the input for one station's result assembly.
type StationContext struct {
	Station stationregistry.Station
	Rows    []obsmodel.DataItem // ascending data_time, already filtered by producer/quality upstream; sensors are selected here
}

func validTimesteps(rows []obsmodel.DataItem, settings obsmodel.Settings) []time.Time {
	obstimesSet := map[time.Time]struct{}{}
	for _, r := range rows {
		obstimesSet[r.DataTime] = struct{}{}
	}

	switch settings.Policy() {
	case obsmodel.PolicyLatest:
		var latest time.Time
		found := false
		for t := range obstimesSet {
			if !found || t.After(latest) {
				latest = t
				found = true
			}
		}
		if !found {
			return nil
		}
		return []time.Time{latest}
	case obsmodel.PolicyListed:
		out := append([]time.Time(nil), settings.RequestedGrid...)
		sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
		return out
	case obsmodel.PolicyRequestedPlusData:
		for _, t := range settings.RequestedGrid {
			obstimesSet[t] = struct{}{}
		}
		fallthrough
	default: // PolicyAll
		out := make([]time.Time, 0, len(obstimesSet))
		for t := range obstimesSet {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
		return out
	}
}

var identitySpecials = map[string]struct{}{
	"fmisid": {}, "wmo": {}, "lpnn": {}, "rwsid": {}, "name": {},
	"region": {}, "country": {}, "iso2": {}, "tz": {}, "place": {},
}

var notNullColumns = identitySpecials

// Build assembles the result vector for one station: one series per
// requested parameter, aligned on the station's valid timesteps.
func Build(ctx StationContext, qm *obsmodel.QueryMapping, settings obsmodel.Settings) (obsmodel.Result, error) {
	g := group(ctx.Rows)
	timesteps := validTimesteps(ctx.Rows, settings)

	result := make(obsmodel.Result, len(settings.Parameters))
	for i := range result {
		result[i] = make(obsmodel.Series, 0, len(timesteps))
	}

	carryNum := map[int]*float64{}
	carryText := map[int]*string{}

	for _, ts := range timesteps {
		dataAtTime := g[ts]
		for p, rawName := range settings.Parameters {
			name := strings.ToLower(rawName)

			var numVal *float64
			var textVal *string

			switch {
			case isIdentityOrTimeSpecial(name):
				numVal, textVal = evalIdentitySpecial(name, ctx.Station, ts, settings)
			case isDerivedSpecial(name):
				numVal = evalDerivedSpecial(name, qm, dataAtTime, ctx.Station, ts)
			default:
				numVal = evalTimeseries(rawName, qm, dataAtTime)
			}

			if numVal == nil && textVal == nil {
				if _, notNull := notNullColumns[name]; notNull {
					numVal, textVal = carryNum[p], carryText[p]
				}
			} else {
				carryNum[p], carryText[p] = numVal, textVal
			}

			result[p] = append(result[p], obsmodel.Cell{LocalTime: ts, Value: numVal, Text: textVal})
		}
	}
	return result, nil
}

func evalTimeseries(rawName string, qm *obsmodel.QueryMapping, dataAtTime map[int]map[int]cell) *float64 {
	name := strings.ToLower(rawName)
	kind, sensor, _ := querymapping.ParseColumn(name)

	measurandID, ok := qm.ParameterNameIDMap[rawName]
	if !ok {
		return nil
	}
	c, ok := selectCell(dataAtTime, measurandID, sensor)
	if !ok {
		return nil
	}
	var v float64
	switch kind {
	case querymapping.ColumnQuality, querymapping.ColumnDataQuality:
		v = float64(c.quality)
	case querymapping.ColumnDataSource:
		v = float64(c.source)
	default:
		v = c.value
	}
	return &v
}

func isIdentityOrTimeSpecial(name string) bool {
	switch name {
	case "latitude", "longitude", "elevation",
		"fmisid", "wmo", "lpnn", "rwsid", "name", "region", "country", "iso2", "tz",
		"localtime", "isotime", "epochtime", "sensor_no", "place":
		return true
	}
	return false
}

func isDerivedSpecial(name string) bool {
	switch name {
	case "windcompass8", "windcompass16", "windcompass32", "feelslike", "smartsymbol":
		return true
	}
	return false
}

func evalIdentitySpecial(name string, s stationregistry.Station, ts time.Time, settings obsmodel.Settings) (*float64, *string) {
	numf := func(v float64) (*float64, *string) { return &v, nil }
	strf := func(v string) (*float64, *string) { return nil, &v }

	switch name {
	case "latitude":
		return numf(s.Latitude)
	case "longitude":
		return numf(s.Longitude)
	case "elevation":
		return numf(s.Elevation)
	case "fmisid":
		return numf(float64(s.FMISID))
	case "wmo":
		return numf(float64(s.WMO))
	case "lpnn":
		return numf(float64(s.LPNN))
	case "rwsid":
		return numf(float64(s.RWSID))
	case "name":
		return strf(s.Name)
	case "region":
		return strf(s.Region)
	case "country":
		return strf(s.Country)
	case "iso2":
		return strf(s.ISO2)
	case "tz":
		return strf(s.Timezone)
	case "place":
		return strf(s.Name)
	case "localtime":
		return strf(ts.Format("2006-01-02 15:04:05"))
	case "isotime":
		return strf(ts.Format(time.RFC3339))
	case "epochtime":
		return numf(float64(ts.Unix()))
	case "sensor_no":
		return numf(-1)
	}
	return nil, nil
}

func evalDerivedSpecial(name string, qm *obsmodel.QueryMapping, dataAtTime map[int]map[int]cell, s stationregistry.Station, ts time.Time) *float64 {
	inputs := qm.SpecialInputIDs[name]
	value := func(paramName string) *float64 {
		id, ok := inputs[paramName]
		if !ok {
			return nil
		}
		c, ok := selectCell(dataAtTime, id, -1)
		if !ok {
			return nil
		}
		v := c.value
		return &v
	}

	switch name {
	case "windcompass8":
		return windCompass(value("winddirection"), 8)
	case "windcompass16":
		return windCompass(value("winddirection"), 16)
	case "windcompass32":
		return windCompass(value("winddirection"), 32)
	case "feelslike":
		return feelsLike(value("temperature"), value("relativehumidity"), value("windspeedms"))
	case "smartsymbol":
		return smartSymbol(value("wawa"), value("totalcloudcover"), value("temperature"), s.Longitude, s.Latitude, ts)
	}
	return nil
}

// Stitch re-orders the per-station results of a multi-station request
// into settings.TaggedFMISIDs order, concatenating each station's rows.
// perStation maps fmisid to its already-built Result; stations absent from
// it are skipped. It fails with InternalIndexingError when a station's
// Result does not have numParams columns or its columns differ in length.
func Stitch(perStation map[int]obsmodel.Result, settings obsmodel.Settings, numParams int) (obsmodel.Result, error) {
	out := make(obsmodel.Result, numParams)

	for _, tagged := range settings.TaggedFMISIDs {
		station, ok := perStation[tagged.FMISID]
		if !ok {
			continue
		}
		if len(station) != numParams {
			return nil, obserr.New(obserr.KindInternalIndexingError, component,
				fmt.Sprintf("station %d produced %d columns, expected %d", tagged.FMISID, len(station), numParams))
		}
		rowCount := -1
		for p, series := range station {
			if rowCount == -1 {
				rowCount = len(series)
			} else if len(series) != rowCount {
				return nil, obserr.New(obserr.KindInternalIndexingError, component,
					"station result columns have mismatched row counts").
					WithParam("fmisid", strconv.Itoa(tagged.FMISID))
			}
			out[p] = append(out[p], series...)
		}
	}
	return out, nil
}
