package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/config"
	"github.com/fmi-engine/obsengine/internal/driverproxy"
	"github.com/fmi-engine/obsengine/internal/mirrorcache"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/parammap"
	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

// fakeDriver satisfies driverproxy.Driver, driverproxy.Translator,
// boundsDriver and latestModifiedDriver so a single stub can stand in for
// whichever capability a test exercises.
type fakeDriver struct {
	id       string
	bounds   mirrorcache.Bounds
	latest   time.Time
	tagged   []obsmodel.TaggedFMISID
	fetchErr error
}

func (f *fakeDriver) ID() string { return f.id }

func (f *fakeDriver) Fetch(context.Context, string, obsmodel.Settings, *obsmodel.QueryMapping) (map[int][]obsmodel.DataItem, error) {
	return nil, f.fetchErr
}

func (f *fakeDriver) Bounds() mirrorcache.Bounds { return f.bounds }

func (f *fakeDriver) LatestModified(context.Context) (time.Time, error) { return f.latest, nil }

func (f *fakeDriver) TranslateToFMISID(context.Context, time.Time, time.Time, string) ([]obsmodel.TaggedFMISID, error) {
	return f.tagged, nil
}

func testHandlerWithDriver(d *fakeDriver) *Handler {
	pm := parammap.New(map[string]map[string]int{
		"temperature": {"default": 1},
		"windspeedms": {"default": 2},
	})
	cfg := &config.Config{
		StationTypes: map[string]config.StationtypeConfigEntry{
			"weather": {
				StationGroups:     []string{"WMO"},
				DatabaseTableName: "observation_data",
			},
		},
	}
	proxy := driverproxy.New(nil)
	proxy.AddDriver("observation_data", driverproxy.MaxDays, d)
	proxy.Init([]driverproxy.Driver{d})

	reg, err := stationregistry.NewRegistry(staticSource{[]stationregistry.Station{
		{FMISID: 1, Name: "S1", Longitude: 24.9, Latitude: 60.1, Groups: map[string]struct{}{"WMO": {}}},
		{FMISID: 2, Name: "S2", Longitude: 25.9, Latitude: 61.1, Groups: map[string]struct{}{"WMO": {}}},
	}})
	if err != nil {
		panic(err)
	}

	return &Handler{ParamMap: pm, Config: cfg, Proxy: proxy, Registry: reg}
}

func newJSONRequestContext(rawQuery string) (*gin.Context, *httptest.ResponseRecorder) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/?"+rawQuery, nil)
	return c, w
}

func TestMetadataReportsBoundingBoxPeriodAndTimestep(t *testing.T) {
	d := &fakeDriver{id: "cache", bounds: mirrorcache.Bounds{
		Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC),
	}}
	h := testHandlerWithDriver(d)

	c, w := newJSONRequestContext("producer=weather")
	h.metadata(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"timestep\":1")
	assert.Contains(t, w.Body.String(), "2026-01-01T00:00:00Z")
}

func TestMetadataRejectsUnknownProducer(t *testing.T) {
	h := testHandlerWithDriver(&fakeDriver{id: "cache"})
	c, w := newJSONRequestContext("producer=bogus")
	h.metadata(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMeasurandInfoFlagsMainMeasurand(t *testing.T) {
	pm := parammap.New(map[string]map[string]int{
		"temperature":                 {"default": 1},
		"windspeedms":                 {"default": 2},
		parammap.MainMeasurandIDKey(): {"weather": 1},
	})
	h := &Handler{ParamMap: pm, Config: &config.Config{
		StationTypes: map[string]config.StationtypeConfigEntry{"weather": {}},
	}}
	c, w := newJSONRequestContext("producer=weather")
	h.measurandInfo(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"IsMainMeasurand\":true")
}

func TestLatestUpdateReportsDriverTimestamp(t *testing.T) {
	latest := time.Date(2026, 3, 4, 5, 6, 0, 0, time.UTC)
	h := testHandlerWithDriver(&fakeDriver{id: "cache", latest: latest})
	c, w := newJSONRequestContext("producer=weather")
	h.latestUpdate(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "2026-03-04T05:06:00Z")
}

func TestTranslateToFMISIDUsesDesignatedTranslator(t *testing.T) {
	tagged := []obsmodel.TaggedFMISID{{Tag: "123", FMISID: 123}}
	h := testHandlerWithDriver(&fakeDriver{id: "cache", tagged: tagged})
	c, w := newJSONRequestContext("stationtype=weather&starttime=2026-01-01T00:00:00&endtime=2026-01-02T00:00:00")
	h.translateToFMISID(c)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"FMISID\":123")
}

func TestTranslateToFMISIDFailsWithoutDesignatedDriver(t *testing.T) {
	h := &Handler{Proxy: driverproxy.New(nil)}
	c, w := newJSONRequestContext("stationtype=weather")
	h.translateToFMISID(c)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
