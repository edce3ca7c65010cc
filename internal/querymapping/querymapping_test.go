package querymapping

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/obsmodel"
	"github.com/fmi-engine/obsengine/internal/parammap"
)

func testParamMap() *parammap.Map {
	return parammap.New(map[string]map[string]int{
		"t2m":              {"default": 1},
		"rh":               {"default": 2},
		"winddirection":    {"default": 3},
		"windspeedms":      {"default": 4},
		"relativehumidity": {"default": 2},
		"temperature":      {"default": 1},
		"wawa":             {"default": 5},
		"totalcloudcover":  {"default": 6},
	})
}

func TestPlanBasicParameters(t *testing.T) {
	settings := obsmodel.Settings{
		Parameters:  []string{"t2m", "rh"},
		StationType: "aws",
	}
	qm, err := Plan(settings, false, testParamMap())
	require.NoError(t, err)

	assert.Equal(t, 0, qm.TimeseriesPositions["t2m"])
	assert.Equal(t, 1, qm.TimeseriesPositions["rh"])
	assert.ElementsMatch(t, []int{1, 2}, qm.MeasurandIDs)
}

func TestPlanUnknownParameterFails(t *testing.T) {
	settings := obsmodel.Settings{Parameters: []string{"bogus_xyz"}, StationType: "aws"}
	_, err := Plan(settings, false, testParamMap())
	assert.Error(t, err)
}

func TestPlanSensorSuffixAndQC(t *testing.T) {
	settings := obsmodel.Settings{
		Parameters: []string{"qc_t2m_sensornumber_2"}, StationType: "aws",
	}
	qm, err := Plan(settings, false, testParamMap())
	require.NoError(t, err)
	assert.Equal(t, 0, qm.TimeseriesPositions["qc_t2m_sensornumber_2"])
	if _, ok := qm.SensorNumberToMeasurandIDs[2][1]; !ok {
		t.Fatalf("expected sensor 2 to map to measurand 1")
	}
}

func TestParseColumnRecognizesDataSourceAndDataQualitySuffixes(t *testing.T) {
	kind, sensor, base := ParseColumn("t2m_data_source_sensornumber_3")
	assert.Equal(t, ColumnDataSource, kind)
	assert.Equal(t, 3, sensor)
	assert.Equal(t, "t2m", base)

	kind, sensor, base = ParseColumn("t2m_data_quality_sensornumber_1")
	assert.Equal(t, ColumnDataQuality, kind)
	assert.Equal(t, 1, sensor)
	assert.Equal(t, "t2m", base)

	kind, sensor, base = ParseColumn("qc_t2m_sensornumber_2")
	assert.Equal(t, ColumnQuality, kind)
	assert.Equal(t, 2, sensor)
	assert.Equal(t, "t2m", base)

	kind, sensor, base = ParseColumn("t2m")
	assert.Equal(t, ColumnValue, kind)
	assert.Equal(t, -1, sensor)
	assert.Equal(t, "t2m", base)
}

func TestIsKnownParameterRecognizesDataSourceAndDataQualityColumns(t *testing.T) {
	pm := testParamMap()
	assert.True(t, IsKnownParameter("t2m_data_source_sensornumber_1", "aws", pm))
	assert.True(t, IsKnownParameter("t2m_data_quality_sensornumber_1", "aws", pm))
	assert.False(t, IsKnownParameter("bogus_data_source_sensornumber_1", "aws", pm))
}

func TestPlanCompilesDataSourceAndDataQualityColumns(t *testing.T) {
	settings := obsmodel.Settings{
		Parameters:  []string{"t2m_data_source_sensornumber_2", "t2m_data_quality_sensornumber_2"},
		StationType: "aws",
	}
	qm, err := Plan(settings, false, testParamMap())
	require.NoError(t, err)
	assert.Equal(t, 1, qm.ParameterNameIDMap["t2m_data_source_sensornumber_2"])
	assert.Equal(t, 1, qm.ParameterNameIDMap["t2m_data_quality_sensornumber_2"])
	if _, ok := qm.SensorNumberToMeasurandIDs[2][1]; !ok {
		t.Fatalf("expected sensor 2 to map to measurand 1")
	}
}

func TestPlanSpecialAndDerivedInputs(t *testing.T) {
	settings := obsmodel.Settings{
		Parameters: []string{"t2m", "smartsymbol"}, StationType: "aws",
	}
	qm, err := Plan(settings, false, testParamMap())
	require.NoError(t, err)
	assert.Equal(t, 1, qm.SpecialPositions["smartsymbol"])
	assert.Contains(t, qm.MeasurandIDs, 5) // wawa
	assert.Contains(t, qm.MeasurandIDs, 6) // totalcloudcover
}
