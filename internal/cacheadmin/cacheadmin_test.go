package cacheadmin

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fmi-engine/obsengine/internal/memcache"
	"github.com/fmi-engine/obsengine/internal/mirrorcache"
	"github.com/fmi-engine/obsengine/internal/obsmodel"
)

type fakePuller struct {
	rows []obsmodel.DataItem
	err  error
	n    int
}

func (f *fakePuller) PullSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.DataItem, error) {
	f.n++
	return f.rows, f.err
}

func (f *fakePuller) PullMobileSince(ctx context.Context, table string, modifiedSince, dataSince time.Time) ([]obsmodel.MobileObservation, error) {
	f.n++
	return nil, f.err
}

func (f *fakePuller) PullFlashSince(ctx context.Context, modifiedSince, dataSince time.Time) ([]obsmodel.FlashObservation, error) {
	f.n++
	return nil, f.err
}

func TestUpdateTablePullsFillsAndCleans(t *testing.T) {
	cache, err := mirrorcache.Open("file:cacheadmin1?mode=memory&cache=shared", mirrorcache.TableObservationData)
	require.NoError(t, err)
	defer cache.Close()

	base := time.Now().UTC().Add(-time.Hour)
	puller := &fakePuller{rows: []obsmodel.DataItem{
		{FMISID: 100, SensorNo: 1, MeasurandNo: 1, MeasurandID: 1, DataTime: base, Value: 1, ModifiedLast: base},
	}}

	mem := memcache.New()
	admin := New(puller, mem, nil, nil)

	cfg := TableConfig{Name: "observation_data", Retention: 24 * time.Hour, SafetyMargin: time.Minute, PushToMemCache: true}
	admin.updateTable(context.Background(), cache, cfg, 1)

	require.Equal(t, 1, puller.n)
	bounds := cache.Bounds()
	require.False(t, bounds.Start.IsZero())

	read := mem.Read([]int{100}, memcache.Filter{
		StartTime:   base.Add(-time.Minute),
		EndTime:     base.Add(time.Minute),
		MeasurandOK: func(int) bool { return true },
	})
	require.Len(t, read[100], 1)
}

func TestMobileLookbackAlternatesWindows(t *testing.T) {
	admin := &Admin{}
	cfg := TableConfig{Mobile: true, WideEveryNPasses: 4, WideLookback: 6 * time.Hour, NarrowLookback: 15 * time.Minute}
	now := time.Now().UTC()

	narrow := admin.mobileLookback(now, cfg, 1)
	wide := admin.mobileLookback(now, cfg, 4)

	require.True(t, narrow.After(wide))
}

func TestRunExitsOnContextCancel(t *testing.T) {
	cache, err := mirrorcache.Open("file:cacheadmin2?mode=memory&cache=shared", mirrorcache.TableObservationData)
	require.NoError(t, err)
	defer cache.Close()

	admin := New(&fakePuller{}, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		admin.Run(ctx, map[string]*mirrorcache.Cache{"observation_data": cache},
			[]TableConfig{{Name: "observation_data", Retention: time.Hour, Interval: time.Hour, SafetyMargin: time.Second}},
			nil, TableConfig{})
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("admin did not exit after context cancellation")
	}
}
