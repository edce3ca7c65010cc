package api

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

const defaultTimeLayout = "2006-01-02T15:04:05"

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(defaultTimeLayout, raw)
	if err != nil {
		return time.Time{}, obserr.Wrap(obserr.KindConfigurationError, component, "invalid time value", err).
			WithParam("value", raw)
	}
	return t.UTC(), nil
}

func splitCSV(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseIntList(raw string) ([]int, error) {
	var out []int
	for _, s := range splitCSV(raw) {
		n, err := strconv.Atoi(s)
		if err != nil {
			return nil, obserr.Wrap(obserr.KindConfigurationError, component, "expected an integer list", err).
				WithParam("value", raw)
		}
		out = append(out, n)
	}
	return out, nil
}

func groupSet(raw []string) map[string]struct{} {
	if len(raw) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(raw))
	for _, g := range raw {
		out[g] = struct{}{}
	}
	return out
}

// intersectGroups returns the intersection of requested and allowed; a nil
// requested set means "no restriction requested", so the allowed set
// (4.B's station-type groups) governs alone. An empty, non-nil result
// means the request and the station type's allowed groups share nothing.
func intersectGroups(requested, allowed map[string]struct{}) map[string]struct{} {
	if len(requested) == 0 {
		return allowed
	}
	if len(allowed) == 0 {
		return requested
	}
	out := map[string]struct{}{}
	for g := range requested {
		if _, ok := allowed[g]; ok {
			out[g] = struct{}{}
		}
	}
	return out
}

func taggedFromStations(stations []stationregistry.Station) []obsmodel.TaggedFMISID {
	out := make([]obsmodel.TaggedFMISID, 0, len(stations))
	seen := map[int]struct{}{}
	for _, s := range stations {
		if _, ok := seen[s.FMISID]; ok {
			continue
		}
		seen[s.FMISID] = struct{}{}
		out = append(out, obsmodel.TaggedFMISID{Tag: strconv.Itoa(s.FMISID), FMISID: s.FMISID})
	}
	return out
}

// resolveStations applies the station selectors present on the request —
// explicit fmisid/wmo/lpnn/rwsid/wsi lists, a WKT polygon, a bounding box,
// or nearest-station search around a point — against info, already
// narrowed to the allowed group set.
func resolveStations(c *gin.Context, info *stationregistry.StationInfo, groups map[string]struct{}, start, end time.Time) ([]stationregistry.Station, error) {
	if raw := c.Query("fmisid"); raw != "" {
		ids, err := parseIntList(raw)
		if err != nil {
			return nil, err
		}
		return info.FindFmisidStations(ids, groups, start, end), nil
	}
	if raw := c.Query("wmo"); raw != "" {
		ids, err := parseIntList(raw)
		if err != nil {
			return nil, err
		}
		return info.FindWmoStations(ids, groups, start, end), nil
	}
	if raw := c.Query("lpnn"); raw != "" {
		ids, err := parseIntList(raw)
		if err != nil {
			return nil, err
		}
		return info.FindLpnnStations(ids, groups, start, end), nil
	}
	if raw := c.Query("rwsid"); raw != "" {
		ids, err := parseIntList(raw)
		if err != nil {
			return nil, err
		}
		return info.FindRwsidStations(ids, groups, start, end), nil
	}
	if raw := c.Query("wsi"); raw != "" {
		return info.FindWsiStations(splitCSV(raw), groups, start, end), nil
	}
	if raw := c.Query("wkt"); raw != "" {
		return info.FindStationsInsideArea(groups, start, end, raw)
	}
	if raw := c.Query("bbox"); raw != "" {
		parts := splitCSV(raw)
		if len(parts) != 4 {
			return nil, obserr.New(obserr.KindConfigurationError, component, "bbox must have 4 comma-separated values")
		}
		vals := make([]float64, 4)
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return nil, obserr.Wrap(obserr.KindConfigurationError, component, "bbox values must be numeric", err)
			}
			vals[i] = v
		}
		return info.FindStationsInsideBox(vals[0], vals[1], vals[2], vals[3], groups, start, end), nil
	}
	if raw := c.Query("latlon"); raw != "" {
		parts := splitCSV(raw)
		if len(parts) != 2 {
			return nil, obserr.New(obserr.KindConfigurationError, component, "latlon must be \"lat,lon\"")
		}
		lat, err1 := strconv.ParseFloat(parts[0], 64)
		lon, err2 := strconv.ParseFloat(parts[1], 64)
		if err1 != nil || err2 != nil {
			return nil, obserr.New(obserr.KindConfigurationError, component, "latlon values must be numeric")
		}
		k := 1
		if n, err := strconv.Atoi(c.Query("numberofstations")); err == nil && n > 0 {
			k = n
		}
		maxDist, _ := strconv.ParseFloat(c.Query("maxdistance"), 64)
		return info.FindNearestStations(lon, lat, maxDist, k, groups, start, end), nil
	}
	return info.FindStationsInGroup(groups, start, end), nil
}

// parseSettings builds obsmodel.Settings from the request's query
// parameters: station selectors, parameter list, time window and
// formatting options, per Settings' documented shape.
func parseSettings(c *gin.Context, missingText string) (obsmodel.Settings, error) {
	start, err := parseTime(c.Query("starttime"))
	if err != nil {
		return obsmodel.Settings{}, err
	}
	end, err := parseTime(c.Query("endtime"))
	if err != nil {
		return obsmodel.Settings{}, err
	}
	if !start.IsZero() && !end.IsZero() && start.After(end) {
		return obsmodel.Settings{}, obserr.New(obserr.KindConfigurationError, component, "starttime must not be after endtime")
	}

	params := splitCSV(c.Query("param"))
	if len(params) == 0 {
		params = splitCSV(c.Query("parameters"))
	}

	producerIDs, err := parseIntList(c.Query("producerids"))
	if err != nil {
		return obsmodel.Settings{}, err
	}
	quality, err := parseIntList(c.Query("dataquality"))
	if err != nil {
		return obsmodel.Settings{}, err
	}

	timestepMin := 0
	if raw := c.Query("timestep"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return obsmodel.Settings{}, obserr.Wrap(obserr.KindConfigurationError, component, "timestep must be an integer", err)
		}
		timestepMin = n
	}

	mt := c.Query("missingtext")
	if mt == "" {
		mt = missingText
	}

	return obsmodel.Settings{
		Parameters:    params,
		StartTime:     start,
		EndTime:       end,
		TimestepMin:   timestepMin,
		RequestedGrid: generateTimeGrid(start, end, timestepMin),
		Timezone:      c.Query("tz"),
		StationType:   c.Query("stationtype"),
		Latest:        c.Query("latest") == "true" || c.Query("latest") == "1",
		ProducerIDs:   producerIDs,
		DataQuality:   quality,
		MissingText:   mt,
	}, nil
}

// generateTimeGrid lays out the requested time series for a non-zero
// timestep: one point every stepMin minutes from start up to and including
// end. A zero timestep, or a missing start/end, leaves aggregation to fall
// back on whatever obstimes the data itself carries.
func generateTimeGrid(start, end time.Time, stepMin int) []time.Time {
	if stepMin <= 0 || start.IsZero() || end.IsZero() {
		return nil
	}
	step := time.Duration(stepMin) * time.Minute
	var grid []time.Time
	for t := start; !t.After(end); t = t.Add(step) {
		grid = append(grid, t)
	}
	return grid
}
