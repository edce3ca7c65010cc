package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fmi-engine/obsengine/internal/config"
	"github.com/fmi-engine/obsengine/internal/mirrorcache"
	"github.com/fmi-engine/obsengine/internal/obserr"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/querymapping"
	"github.com/fmi-engine/obsengine/internal/resultbuilder"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

// defaultMetadataTimestepMin is MetaData's original default timestep (one
// minute) for producers that never configured timestepMinutes.
const defaultMetadataTimestepMin = 1

// boundsDriver is implemented by drivers able to report the time window of
// data they currently hold — mirrorcache.Cache does; the canonical backend
// does not track one, since it is not bounded to a retention window.
type boundsDriver interface {
	Bounds() mirrorcache.Bounds
}

// latestModifiedDriver is implemented by a driver already bound to one
// table (a mirror cache).
type latestModifiedDriver interface {
	LatestModified(ctx context.Context) (time.Time, error)
}

// tableLatestModifiedDriver is implemented by a driver that serves many
// tables and so needs the table name repeated (the canonical backend).
type tableLatestModifiedDriver interface {
	LatestModified(ctx context.Context, table string) (time.Time, error)
}

func producerParam(c *gin.Context) string {
	if p := c.Query("producer"); p != "" {
		return p
	}
	return c.Query("stationtype")
}

const reloadTimeout = 30 * time.Second

// lookupTableName resolves a station type to its backend table name and
// group/producer defaults via oracle_stationtypelist, per 4.H's
// stationtype-to-table-name resolution.
func (h *Handler) lookupTableName(stationType string) (config.StationtypeConfigEntry, error) {
	entry, ok := h.Config.StationTypes[stationType]
	if !ok || entry.DatabaseTableName == "" {
		return config.StationtypeConfigEntry{}, obserr.New(obserr.KindConfigurationError, component, "unknown station type").
			WithParam("stationtype", stationType)
	}
	return entry, nil
}

// splitKnownParameters validates settings.Parameters against 4.B and the
// special-parameter set, stripping anything unrecognized and remembering
// its original position so the final result can be padded with
// all-missing columns at exactly those positions, per 4.J.
func splitKnownParameters(params []string, stationType string, h *Handler) (known []string, unknownPositions map[int]struct{}) {
	unknownPositions = map[int]struct{}{}
	for i, name := range params {
		if querymapping.IsKnownParameter(name, stationType, h.ParamMap) {
			known = append(known, name)
			continue
		}
		unknownPositions[i] = struct{}{}
	}
	return known, unknownPositions
}

// padResult expands a result built from only the known parameters back to
// the requested column count, inserting an all-missing column at each
// unknown position and a validated column everywhere else, in order.
func padResult(built obsmodel.Result, unknownPositions map[int]struct{}, totalColumns int) obsmodel.Result {
	if len(unknownPositions) == 0 {
		return built
	}
	rowCount := 0
	if len(built) > 0 {
		rowCount = len(built[0])
	}
	out := make(obsmodel.Result, totalColumns)
	next := 0
	for p := 0; p < totalColumns; p++ {
		if _, missing := unknownPositions[p]; missing {
			series := make(obsmodel.Series, rowCount)
			for i := range series {
				if rowCount > 0 && len(built) > 0 {
					series[i].LocalTime = built[0][i].LocalTime
				}
			}
			out[p] = series
			continue
		}
		out[p] = built[next]
		next++
	}
	return out
}

// timeseries is the central read endpoint (4.J): validates parameters,
// intersects station groups, resolves the table's driver via the proxy,
// fetches per-station rows and assembles the result vector.
func (h *Handler) timeseries(c *gin.Context) {
	settings, err := parseSettings(c, h.MissingText)
	if err != nil {
		writeError(c, err)
		return
	}
	if settings.StationType == "" {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "stationtype is required"))
		return
	}

	entry, err := h.lookupTableName(settings.StationType)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(settings.ProducerIDs) == 0 {
		settings.ProducerIDs = entry.ProducerIDs
	}

	allowed := groupSet(entry.StationGroups)
	requested := groupSet(splitCSV(c.Query("stationgroups")))
	groups := intersectGroups(requested, allowed)

	info := h.Registry.Current()
	stations, err := resolveStations(c, info, groups, settings.StartTime, settings.EndTime)
	if err != nil {
		writeError(c, err)
		return
	}
	settings.TaggedFMISIDs = taggedFromStations(stations)

	known, unknownPositions := splitKnownParameters(settings.Parameters, settings.StationType, h)
	knownSettings := settings
	knownSettings.Parameters = known

	qm, err := querymapping.Plan(knownSettings, false, h.ParamMap)
	if err != nil {
		writeError(c, err)
		return
	}

	driver, err := h.Proxy.Resolve(entry.DatabaseTableName, settings.StartTime, settings.EndTime)
	if err != nil {
		writeError(c, err)
		return
	}
	if h.Metrics != nil {
		h.Metrics.DriverResolutions.WithLabelValues(entry.DatabaseTableName, driver.ID()).Inc()
	}

	rowsByStation, err := driver.Fetch(c.Request.Context(), entry.DatabaseTableName, settings, qm)
	if err != nil {
		writeError(c, err)
		return
	}

	stationByFMISID := map[int]stationregistry.Station{}
	for _, s := range stations {
		stationByFMISID[s.FMISID] = s
	}

	perStation := map[int]obsmodel.Result{}
	for _, tagged := range settings.TaggedFMISIDs {
		station, ok := stationByFMISID[tagged.FMISID]
		if !ok {
			continue
		}
		built, err := resultbuilder.Build(resultbuilder.StationContext{Station: station, Rows: rowsByStation[tagged.FMISID]}, qm, knownSettings)
		if err != nil {
			writeError(c, err)
			return
		}
		perStation[tagged.FMISID] = built
	}

	stitched, err := resultbuilder.Stitch(perStation, settings, len(known))
	if err != nil {
		writeError(c, err)
		return
	}

	result := padResult(stitched, unknownPositions, len(settings.Parameters))
	c.JSON(http.StatusOK, gin.H{"parameters": settings.Parameters, "values": result})
}

// obsProducers lists configured producers (station types doubling as
// producer names, per the supplemented producer/station-group lookup) and
// their station groups, optionally filtered by name.
func (h *Handler) obsProducers(c *gin.Context) {
	filter := c.Query("producer")
	type row struct {
		Index         int      `json:"#"`
		Producer      string   `json:"Producer"`
		ProducerID    int      `json:"ProducerId"`
		StationGroups []string `json:"StationGroups"`
	}
	var out []row
	i := 0
	for name, entry := range h.Config.StationTypes {
		if filter != "" && filter != name {
			continue
		}
		for _, pid := range entry.ProducerIDs {
			out = append(out, row{Index: i, Producer: name, ProducerID: pid, StationGroups: entry.StationGroups})
			i++
		}
	}
	c.JSON(http.StatusOK, out)
}

// obsParameters lists the parameters known to the parameter map for a
// producer (station type), optionally filtered by producer name.
func (h *Handler) obsParameters(c *gin.Context) {
	filter := c.Query("producer")
	type row struct {
		Index       int    `json:"#"`
		Parameter   string `json:"Parameter"`
		Producer    string `json:"Producer"`
		ParameterID int    `json:"ParameterId"`
	}
	var out []row
	i := 0
	for name := range h.Config.StationTypes {
		if filter != "" && filter != name {
			continue
		}
		for _, paramName := range h.ParamMap.NamesForType(name) {
			id, ok := h.ParamMap.Resolve(paramName, name)
			if !ok {
				continue
			}
			out = append(out, row{Index: i, Parameter: paramName, Producer: name, ParameterID: id})
			i++
		}
	}
	c.JSON(http.StatusOK, out)
}

// stations lists station records matching the request's identifier,
// spatial and validity filters, in the 16-column shape documented for
// this endpoint.
func (h *Handler) stations(c *gin.Context) {
	start, err := parseTime(c.Query("starttime"))
	if err != nil {
		writeError(c, err)
		return
	}
	end, err := parseTime(c.Query("endtime"))
	if err != nil {
		writeError(c, err)
		return
	}

	info := h.Registry.Current()
	stations, err := resolveStations(c, info, nil, start, end)
	if err != nil {
		writeError(c, err)
		return
	}

	if t := c.Query("type"); t != "" {
		filtered := stations[:0:0]
		for _, s := range stations {
			if s.Type == t {
				filtered = append(filtered, s)
			}
		}
		stations = filtered
	}
	if name := c.Query("name"); name != "" {
		filtered := stations[:0:0]
		for _, s := range stations {
			if s.Name == name {
				filtered = append(filtered, s)
			}
		}
		stations = filtered
	}
	if country := c.Query("country"); country != "" {
		filtered := stations[:0:0]
		for _, s := range stations {
			if s.Country == country {
				filtered = append(filtered, s)
			}
		}
		stations = filtered
	}
	if region := c.Query("region"); region != "" {
		filtered := stations[:0:0]
		for _, s := range stations {
			if s.Region == region {
				filtered = append(filtered, s)
			}
		}
		stations = filtered
	}

	timeLayout := defaultTimeLayout
	if c.Query("timeformat") == "iso" {
		timeLayout = "2006-01-02T15:04:05Z07:00"
	}

	type row struct {
		FMISID    int     `json:"fmisid"`
		WMO       int     `json:"wmo"`
		LPNN      int     `json:"lpnn"`
		RWSID     int     `json:"rwsid"`
		WSI       string  `json:"wigosid"`
		Type      string  `json:"type"`
		Longitude float64 `json:"longitude"`
		Latitude  float64 `json:"latitude"`
		Elevation float64 `json:"elevation"`
		Name      string  `json:"name"`
		Region    string  `json:"region"`
		Country   string  `json:"country"`
		ISO2      string  `json:"iso2"`
		Timezone  string  `json:"timezone"`
		ValidFrom string  `json:"station_start"`
		ValidTo   string  `json:"station_end"`
	}
	out := make([]row, 0, len(stations))
	for _, s := range stations {
		validTo := ""
		if !s.ValidTo.IsZero() {
			validTo = s.ValidTo.Format(timeLayout)
		}
		out = append(out, row{
			FMISID: s.FMISID, WMO: s.WMO, LPNN: s.LPNN, RWSID: s.RWSID, WSI: s.WSI, Type: s.Type,
			Longitude: s.Longitude, Latitude: s.Latitude, Elevation: s.Elevation,
			Name: s.Name, Region: s.Region, Country: s.Country, ISO2: s.ISO2, Timezone: s.Timezone,
			ValidFrom: s.ValidFrom.Format(timeLayout), ValidTo: validTo,
		})
	}
	c.JSON(http.StatusOK, out)
}

// reloadStations triggers an immediate station-table reload on the
// designated station-loading driver, tagging the attempt with a
// correlation id for log correlation, matching the teacher's use of
// google/uuid for request correlation ids.
func (h *Handler) reloadStations(c *gin.Context) {
	loader := h.Proxy.StationLoaderDriver()
	if loader == nil {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "no driver is responsible for loading stations"))
		return
	}

	correlationID := uuid.New().String()
	ctx, cancel := context.WithTimeout(c.Request.Context(), reloadTimeout)
	defer cancel()

	if err := loader.ReloadStations(ctx); err != nil {
		if h.Log != nil {
			h.Log.Error("station reload failed", zap.String("correlation_id", correlationID), zap.Error(err))
		}
		writeError(c, err)
		return
	}
	if h.Log != nil {
		h.Log.Info("station reload succeeded", zap.String("correlation_id", correlationID))
	}
	c.JSON(http.StatusOK, gin.H{"reloaded": true})
}

// metadata reports a producer's station bounding box, known data period and
// default aggregation timestep, matching the original engine's MetaData
// (bbox defaults to all zeros, timestep defaults to one minute, when no
// station or no bounds-reporting driver is available).
func (h *Handler) metadata(c *gin.Context) {
	stationType := producerParam(c)
	if stationType == "" {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "producer is required"))
		return
	}
	entry, err := h.lookupTableName(stationType)
	if err != nil {
		writeError(c, err)
		return
	}

	info := h.Registry.Current()
	stations := info.FindStationsInGroup(groupSet(entry.StationGroups), time.Time{}, time.Time{})

	var minLon, minLat, maxLon, maxLat float64
	for i, s := range stations {
		if i == 0 || s.Longitude < minLon {
			minLon = s.Longitude
		}
		if i == 0 || s.Latitude < minLat {
			minLat = s.Latitude
		}
		if i == 0 || s.Longitude > maxLon {
			maxLon = s.Longitude
		}
		if i == 0 || s.Latitude > maxLat {
			maxLat = s.Latitude
		}
	}

	var periodStart, periodEnd time.Time
	if driver, err := h.Proxy.Resolve(entry.DatabaseTableName, time.Time{}, time.Time{}); err == nil {
		if bd, ok := driver.(boundsDriver); ok {
			b := bd.Bounds()
			periodStart, periodEnd = b.Start, b.End
		}
	}

	timestep := entry.TimestepMinutes
	if timestep <= 0 {
		timestep = defaultMetadataTimestepMin
	}

	c.JSON(http.StatusOK, gin.H{
		"producer": stationType,
		"bbox": gin.H{
			"minlongitude": minLon, "minlatitude": minLat,
			"maxlongitude": maxLon, "maxlatitude": maxLat,
		},
		"period":     gin.H{"start": periodStart, "end": periodEnd},
		"timestep":   timestep,
		"parameters": h.ParamMap.NamesForType(stationType),
	})
}

// measurandInfo lists each producer's known parameters together with their
// backend measurand id and whether that id is the producer's main
// measurand — a simplified rendition of the original engine's
// ProducerMeasurandInfo map, which additionally tracked measurand units and
// descriptions that this module's parameter map does not carry.
func (h *Handler) measurandInfo(c *gin.Context) {
	filter := c.Query("producer")
	type row struct {
		Index           int    `json:"#"`
		Producer        string `json:"Producer"`
		Parameter       string `json:"Parameter"`
		MeasurandID     int    `json:"MeasurandId"`
		IsMainMeasurand bool   `json:"IsMainMeasurand"`
	}
	var out []row
	i := 0
	for name := range h.Config.StationTypes {
		if filter != "" && filter != name {
			continue
		}
		mainID, _ := h.ParamMap.MainMeasurandID(name)
		for _, paramName := range h.ParamMap.NamesForType(name) {
			id, ok := h.ParamMap.Resolve(paramName, name)
			if !ok {
				continue
			}
			out = append(out, row{
				Index: i, Producer: name, Parameter: paramName,
				MeasurandID: id, IsMainMeasurand: id == mainID,
			})
			i++
		}
	}
	c.JSON(http.StatusOK, out)
}

// latestUpdate reports the most recent modified_last timestamp known to the
// table's resolved driver, matching the original engine's
// getLatestDataUpdateTime.
func (h *Handler) latestUpdate(c *gin.Context) {
	stationType := producerParam(c)
	if stationType == "" {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "producer is required"))
		return
	}
	entry, err := h.lookupTableName(stationType)
	if err != nil {
		writeError(c, err)
		return
	}
	driver, err := h.Proxy.Resolve(entry.DatabaseTableName, time.Time{}, time.Time{})
	if err != nil {
		writeError(c, err)
		return
	}

	var latest time.Time
	switch d := driver.(type) {
	case latestModifiedDriver:
		latest, err = d.LatestModified(c.Request.Context())
	case tableLatestModifiedDriver:
		latest, err = d.LatestModified(c.Request.Context(), entry.DatabaseTableName)
	default:
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "resolved driver cannot report an update time"))
		return
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"producer": stationType, "latest_data_update": latest})
}

// translateToFMISID exposes the designated translation driver's
// TranslateToFMISID result for a station type and validity window,
// giving driverproxy.Proxy.TranslationDriver a reachable caller.
func (h *Handler) translateToFMISID(c *gin.Context) {
	stationType := c.Query("stationtype")
	if stationType == "" {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "stationtype is required"))
		return
	}
	start, err := parseTime(c.Query("starttime"))
	if err != nil {
		writeError(c, err)
		return
	}
	end, err := parseTime(c.Query("endtime"))
	if err != nil {
		writeError(c, err)
		return
	}

	translator := h.Proxy.TranslationDriver()
	if translator == nil {
		writeError(c, obserr.New(obserr.KindConfigurationError, component, "no driver is responsible for identifier translation"))
		return
	}

	tagged, err := translator.TranslateToFMISID(c.Request.Context(), start, end, stationType)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tagged)
}
