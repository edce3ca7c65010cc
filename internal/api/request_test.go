package api

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/stationregistry"
)

func TestGenerateTimeGridStepsInclusiveOfEnd(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	grid := generateTimeGrid(start, end, 30)
	require.Len(t, grid, 3)
	assert.Equal(t, start, grid[0])
	assert.Equal(t, end, grid[2])
}

func TestGenerateTimeGridEmptyWithoutStep(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	assert.Nil(t, generateTimeGrid(start, end, 0))
	assert.Nil(t, generateTimeGrid(time.Time{}, end, 10))
	assert.Nil(t, generateTimeGrid(start, time.Time{}, 10))
}

type staticSource struct{ stations []stationregistry.Station }

func (s staticSource) Load() ([]stationregistry.Station, error) { return s.stations, nil }

func newTestContext(rawQuery string) *gin.Context {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/stations?"+rawQuery, nil)
	return c
}

func TestResolveStationsWsiSelector(t *testing.T) {
	stations := []stationregistry.Station{
		{FMISID: 1, Name: "S1", WSI: "0-246-0-10001"},
		{FMISID: 2, Name: "S2", WSI: "0-246-0-10002"},
	}
	reg, err := stationregistry.NewRegistry(staticSource{stations})
	require.NoError(t, err)

	c := newTestContext("wsi=0-246-0-10002")
	got, err := resolveStations(c, reg.Current(), nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].FMISID)
}

func TestResolveStationsWktSelector(t *testing.T) {
	stations := []stationregistry.Station{
		{FMISID: 1, Name: "Inside", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 2, Name: "Outside", Longitude: 124.94, Latitude: 10.17},
	}
	reg, err := stationregistry.NewRegistry(staticSource{stations})
	require.NoError(t, err)

	c := newTestContext("wkt=" + url.QueryEscape("POLYGON((20 55,20 65,30 65,30 55,20 55))"))
	got, err := resolveStations(c, reg.Current(), nil, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Inside", got[0].Name)
}

func TestResolveStationsWktSelectorRejectsMalformedPolygon(t *testing.T) {
	reg, err := stationregistry.NewRegistry(staticSource{nil})
	require.NoError(t, err)

	c := newTestContext("wkt=not-wkt")
	_, err = resolveStations(c, reg.Current(), nil, time.Time{}, time.Time{})
	assert.Error(t, err)
}
