package resultbuilder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

func T(h int) time.Time { return time.Date(2026, 1, 1, h, 0, 0, 0, time.UTC) }

func TestBuildAllPolicyGroupsByTime(t *testing.T) {
	qm := obsmodel.NewQueryMapping()
	qm.ParameterNameIDMap["t2m"] = 1

	rows := []obsmodel.DataItem{
		{MeasurandID: 1, SensorNo: 1, MeasurandNo: 1, DataTime: T(0), Value: 1},
		{MeasurandID: 1, SensorNo: 1, MeasurandNo: 1, DataTime: T(1), Value: 2},
	}
	settings := obsmodel.Settings{Parameters: []string{"t2m"}}
	result, err := Build(StationContext{Rows: rows}, qm, settings)
	require.NoError(t, err)
	require.Len(t, result, 1)
	require.Len(t, result[0], 2)
	assert.Equal(t, 1.0, *result[0][0].Value)
	assert.Equal(t, 2.0, *result[0][1].Value)
}

func TestBuildUnknownParameterPaddedWithNone(t *testing.T) {
	qm := obsmodel.NewQueryMapping()
	qm.ParameterNameIDMap["t2m"] = 1
	qm.ParameterNameIDMap["rh"] = 2

	rows := []obsmodel.DataItem{
		{MeasurandID: 1, SensorNo: 1, MeasurandNo: 1, DataTime: T(0), Value: 10},
		{MeasurandID: 2, SensorNo: 1, MeasurandNo: 1, DataTime: T(0), Value: 20},
	}
	settings := obsmodel.Settings{Parameters: []string{"t2m", "bogus_xyz", "rh"}}
	result, err := Build(StationContext{Rows: rows}, qm, settings)
	require.NoError(t, err)
	require.Len(t, result, 3)
	require.Len(t, result[1], 1)
	assert.Nil(t, result[1][0].Value)
	assert.Equal(t, 10.0, *result[0][0].Value)
	assert.Equal(t, 20.0, *result[2][0].Value)
}

func TestBuildDefaultSensorPrefersFlagged(t *testing.T) {
	qm := obsmodel.NewQueryMapping()
	qm.ParameterNameIDMap["t2m"] = 1
	rows := []obsmodel.DataItem{
		{MeasurandID: 1, SensorNo: 2, MeasurandNo: 2, DataTime: T(0), Value: 99},
		{MeasurandID: 1, SensorNo: 1, MeasurandNo: 1, DataTime: T(0), Value: 1, IsDefaultSensor: true},
	}
	settings := obsmodel.Settings{Parameters: []string{"t2m"}}
	result, err := Build(StationContext{Rows: rows}, qm, settings)
	require.NoError(t, err)
	assert.Equal(t, 1.0, *result[0][0].Value)
}

func TestBuildEmitsDataSourceAndDataQualityColumns(t *testing.T) {
	qm := obsmodel.NewQueryMapping()
	qm.ParameterNameIDMap["t2m_data_source_sensornumber_1"] = 1
	qm.ParameterNameIDMap["t2m_data_quality_sensornumber_1"] = 1

	rows := []obsmodel.DataItem{
		{MeasurandID: 1, SensorNo: 1, MeasurandNo: 1, DataTime: T(0), Value: 1, DataSource: 7, DataQuality: 3},
	}
	settings := obsmodel.Settings{Parameters: []string{"t2m_data_source_sensornumber_1", "t2m_data_quality_sensornumber_1"}}
	result, err := Build(StationContext{Rows: rows}, qm, settings)
	require.NoError(t, err)
	require.Len(t, result, 2)
	assert.Equal(t, 7.0, *result[0][0].Value)
	assert.Equal(t, 3.0, *result[1][0].Value)
}

func TestStitchOrdersByTaggedFMISIDs(t *testing.T) {
	mkResult := func(v float64) obsmodel.Result {
		return obsmodel.Result{{{LocalTime: T(0), Value: &v}}}
	}
	v100, v200 := 100.0, 200.0
	perStation := map[int]obsmodel.Result{
		100: mkResult(v100),
		200: mkResult(v200),
	}
	settings := obsmodel.Settings{
		TaggedFMISIDs: []obsmodel.TaggedFMISID{{FMISID: 200}, {FMISID: 100}},
	}
	out, err := Stitch(perStation, settings, 1)
	require.NoError(t, err)
	require.Len(t, out[0], 2)
	assert.Equal(t, 200.0, *out[0][0].Value)
	assert.Equal(t, 100.0, *out[0][1].Value)
}

func TestWindCompassAndFeelsLikeAndSmartSymbol(t *testing.T) {
	d := 10.0
	sector := windCompass(&d, 8)
	require.NotNil(t, sector)
	assert.Equal(t, 0.0, *sector)

	temp, rh, wind := 25.0, 60.0, 2.0
	fl := feelsLike(&temp, &rh, &wind)
	require.NotNil(t, fl)

	assert.Nil(t, feelsLike(nil, &rh, &wind))

	wawa, cloud := 0.0, 8.0
	sym := smartSymbol(&wawa, &cloud, &temp, 24.9, 60.2, T(12))
	require.NotNil(t, sym)
}
