package memcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

func baseTime() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

func sampleRows(t time.Time) []obsmodel.DataItem {
	return []obsmodel.DataItem{
		{FMISID: 100, SensorNo: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: t, Value: 10, ProducerID: 1},
		{FMISID: 100, SensorNo: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: t.Add(time.Hour), Value: 11, ProducerID: 1},
		{FMISID: 100, SensorNo: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: t.Add(2 * time.Hour), Value: 12, ProducerID: 1},
	}
}

func defaultFilter(start, end time.Time) Filter {
	return Filter{
		StartTime:   start,
		EndTime:     end,
		MeasurandOK: func(id int) bool { return id == 1 },
		SensorOK:    func(_, _ int, isDefault bool) bool { return isDefault },
		QualityOK:   func(int) bool { return true },
		ProducerOK:  func(p int) bool { return p == 1 },
	}
}

func TestFillThenReadRoundTrip(t *testing.T) {
	c := New()
	T := baseTime()
	n := c.Fill(sampleRows(T))
	require.Equal(t, 3, n)

	got := c.Read([]int{100}, defaultFilter(T, T.Add(2*time.Hour)))
	require.Len(t, got[100], 3)
	assert.Equal(t, 10.0, got[100][0].Value)
	assert.Equal(t, 11.0, got[100][1].Value)
	assert.Equal(t, 12.0, got[100][2].Value)
}

func TestFillIsIdempotent(t *testing.T) {
	c := New()
	T := baseTime()
	rows := sampleRows(T)
	first := c.Fill(rows)
	second := c.Fill(rows)

	assert.Equal(t, 3, first)
	assert.Equal(t, 0, second)

	got := c.Read([]int{100}, defaultFilter(T, T.Add(2*time.Hour)))
	assert.Len(t, got[100], 3)
}

func TestCleanDropsOldRows(t *testing.T) {
	c := New()
	T := baseTime()
	c.Fill(sampleRows(T))

	c.Clean(T.Add(time.Hour))

	got := c.Read([]int{100}, defaultFilter(T, T.Add(2*time.Hour)))
	require.Len(t, got[100], 2)
	assert.Equal(t, 11.0, got[100][0].Value)
	assert.Equal(t, 12.0, got[100][0+1].Value)
	assert.Equal(t, T.Add(time.Hour), c.GetStartTime())
}

func TestReadOrdersNonDecreasingByTime(t *testing.T) {
	c := New()
	T := baseTime()
	shuffled := []obsmodel.DataItem{
		{FMISID: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: T.Add(2 * time.Hour), Value: 3, ProducerID: 1},
		{FMISID: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: T, Value: 1, ProducerID: 1},
		{FMISID: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: T.Add(time.Hour), Value: 2, ProducerID: 1},
	}
	c.Fill(shuffled)
	got := c.Read([]int{1}, defaultFilter(T, T.Add(3*time.Hour)))
	require.Len(t, got[1], 3)
	assert.Equal(t, 1.0, got[1][0].Value)
	assert.Equal(t, 2.0, got[1][1].Value)
	assert.Equal(t, 3.0, got[1][2].Value)
}
