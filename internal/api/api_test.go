package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/config"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/parammap"
)

func newTestRouter(mw gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"ok": true}) })
	return r
}

func testHandler() *Handler {
	pm := parammap.New(map[string]map[string]int{
		"temperature": {"default": 1},
		"windspeedms": {"default": 2},
	})
	cfg := &config.Config{
		StationTypes: map[string]config.StationtypeConfigEntry{
			"weather": {
				StationGroups:     []string{"WMO", "FMI"},
				ProducerIDs:       []int{1},
				DatabaseTableName: "observation_data",
			},
		},
	}
	return &Handler{ParamMap: pm, Config: cfg}
}

func TestSplitKnownParametersStripsUnrecognized(t *testing.T) {
	h := testHandler()
	known, unknown := splitKnownParameters([]string{"temperature", "bogus", "windspeedms"}, "weather", h)
	require.Equal(t, []string{"temperature", "windspeedms"}, known)
	require.Equal(t, map[int]struct{}{1: {}}, unknown)
}

func TestSplitKnownParametersAcceptsSpecials(t *testing.T) {
	h := testHandler()
	known, unknown := splitKnownParameters([]string{"fmisid", "name", "windcompass8"}, "weather", h)
	require.Equal(t, []string{"fmisid", "name", "windcompass8"}, known)
	require.Empty(t, unknown)
}

func TestPadResultInsertsMissingColumnsAtRememberedPositions(t *testing.T) {
	val := 1.5
	built := obsmodel.Result{
		{{Value: &val}, {Value: &val}},
	}
	padded := padResult(built, map[int]struct{}{0: {}, 2: {}}, 3)
	require.Len(t, padded, 3)
	require.Nil(t, padded[0][0].Value)
	require.Nil(t, padded[0][0].Text)
	require.Equal(t, &val, padded[1][0].Value)
	require.Nil(t, padded[2][0].Value)
}

func TestPadResultNoOpWhenNothingUnknown(t *testing.T) {
	built := obsmodel.Result{{{}}}
	require.Same(t, &built[0], &padResult(built, nil, 1)[0])
}

func TestLookupTableNameRejectsUnknownStationType(t *testing.T) {
	h := testHandler()
	_, err := h.lookupTableName("does-not-exist")
	require.Error(t, err)
}

func TestLookupTableNameResolvesConfiguredEntry(t *testing.T) {
	h := testHandler()
	entry, err := h.lookupTableName("weather")
	require.NoError(t, err)
	require.Equal(t, "observation_data", entry.DatabaseTableName)
}

func TestIntersectGroupsFallsBackToAllowedWhenNothingRequested(t *testing.T) {
	allowed := groupSet([]string{"WMO", "FMI"})
	require.Equal(t, allowed, intersectGroups(nil, allowed))
}

func TestIntersectGroupsNarrowsToSharedMembers(t *testing.T) {
	allowed := groupSet([]string{"WMO", "FMI"})
	requested := groupSet([]string{"FMI", "ROAD"})
	require.Equal(t, map[string]struct{}{"FMI": {}}, intersectGroups(requested, allowed))
}

func TestBuildRateLimitMiddlewareRejectsMalformedSpec(t *testing.T) {
	_, err := buildRateLimitMiddleware("not-a-spec", nil)
	require.Error(t, err)

	_, err = buildRateLimitMiddleware("ten/minute", nil)
	require.Error(t, err)

	_, err = buildRateLimitMiddleware("10/fortnight", nil)
	require.Error(t, err)
}

func TestBuildRateLimitMiddlewareRejectsOverLimit(t *testing.T) {
	mw, err := buildRateLimitMiddleware("1/hour", nil)
	require.NoError(t, err)

	r := newTestRouter(mw)
	w1 := httptest.NewRecorder()
	r.ServeHTTP(w1, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusOK, w1.Code)

	w2 := httptest.NewRecorder()
	r.ServeHTTP(w2, httptest.NewRequest(http.MethodGet, "/ping", nil))
	require.Equal(t, http.StatusTooManyRequests, w2.Code)
}
