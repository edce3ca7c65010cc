package stationregistry

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{ stations []Station }

func (s staticSource) Load() ([]Station, error) { return s.stations, nil }

func mustTime(date string) time.Time {
	t, err := time.Parse("2006-01-02", date)
	if err != nil {
		panic(err)
	}
	return t
}

func TestNearestKTieBreakByName(t *testing.T) {
	stations := []Station{
		{FMISID: 3, Name: "S3", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 1, Name: "S1", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 2, Name: "S2", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 4, Name: "S4", Longitude: 24.96, Latitude: 60.19},
	}
	reg, err := NewRegistry(staticSource{stations})
	require.NoError(t, err)

	got := reg.Current().FindNearestStations(24.945, 60.175, 0, 2, nil, time.Time{}, time.Time{})
	require.Len(t, got, 2)
	assert.Equal(t, "S1", got[0].Name)
	assert.Equal(t, "S2", got[1].Name)
}

func TestNearestKIndependentOfInsertionOrder(t *testing.T) {
	a := []Station{
		{FMISID: 1, Name: "S1", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 2, Name: "S2", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 3, Name: "S3", Longitude: 24.94, Latitude: 60.17},
	}
	b := []Station{a[2], a[0], a[1]}

	ra, _ := NewRegistry(staticSource{a})
	rb, _ := NewRegistry(staticSource{b})

	gotA := ra.Current().FindNearestStations(24.94, 60.17, 0, 2, nil, time.Time{}, time.Time{})
	gotB := rb.Current().FindNearestStations(24.94, 60.17, 0, 2, nil, time.Time{}, time.Time{})

	assert.Equal(t, gotA, gotB)
}

func TestGetStationNotFoundOutsideValidity(t *testing.T) {
	stations := []Station{
		{FMISID: 100, Name: "S100", ValidFrom: mustTime("2020-01-01"), ValidTo: mustTime("2020-12-31")},
	}
	reg, _ := NewRegistry(staticSource{stations})
	_, err := reg.Current().GetStation(100, nil, mustTime("2021-06-01"))
	assert.Error(t, err)
}

func TestFindStationsInGroupIndependentOfInsertionOrder(t *testing.T) {
	a := []Station{
		{FMISID: 1, Name: "S1", Groups: map[string]struct{}{"AWS": {}}},
		{FMISID: 2, Name: "S2", Groups: map[string]struct{}{"AWS": {}}},
		{FMISID: 3, Name: "S3", Groups: map[string]struct{}{"ROAD": {}}},
	}
	b := []Station{a[2], a[0], a[1]}

	ra, _ := NewRegistry(staticSource{a})
	rb, _ := NewRegistry(staticSource{b})

	groups := map[string]struct{}{"AWS": {}}
	gotA := ra.Current().FindStationsInGroup(groups, time.Time{}, time.Time{})
	gotB := rb.Current().FindStationsInGroup(groups, time.Time{}, time.Time{})

	sortByFMISID := cmpopts.SortSlices(func(x, y Station) bool { return x.FMISID < y.FMISID })
	if diff := cmp.Diff(gotA, gotB, sortByFMISID); diff != "" {
		t.Errorf("group membership should not depend on load order (-gotA +gotB):\n%s", diff)
	}
}

func TestFindWsiStationsMatchesByIdentifier(t *testing.T) {
	stations := []Station{
		{FMISID: 1, Name: "S1", WSI: "0-246-0-10001"},
		{FMISID: 2, Name: "S2", WSI: "0-246-0-10002"},
	}
	reg, err := NewRegistry(staticSource{stations})
	require.NoError(t, err)

	got := reg.Current().FindWsiStations([]string{"0-246-0-10002"}, nil, time.Time{}, time.Time{})
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].FMISID)
}

func TestTranslateWSIToFMISIDRequiresValidityAtTime(t *testing.T) {
	stations := []Station{
		{FMISID: 5, Name: "S5", WSI: "0-246-0-10005",
			ValidFrom: mustTime("2020-01-01"), ValidTo: mustTime("2020-12-31")},
	}
	reg, err := NewRegistry(staticSource{stations})
	require.NoError(t, err)

	got := reg.Current().TranslateWSIToFMISID([]string{"0-246-0-10005"}, mustTime("2020-06-01"))
	require.Len(t, got, 1)
	assert.Equal(t, "0-246-0-10005", got[0].Tag)
	assert.Equal(t, 5, got[0].FMISID)

	none := reg.Current().TranslateWSIToFMISID([]string{"0-246-0-10005"}, mustTime("2021-06-01"))
	assert.Empty(t, none)
}

func TestFindStationsInsideAreaFiltersToPolygon(t *testing.T) {
	stations := []Station{
		{FMISID: 1, Name: "Inside", Longitude: 24.94, Latitude: 60.17},
		{FMISID: 2, Name: "Outside", Longitude: 124.94, Latitude: 10.17},
	}
	reg, err := NewRegistry(staticSource{stations})
	require.NoError(t, err)

	polygon := "POLYGON((20 55,20 65,30 65,30 55,20 55))"
	got, err := reg.Current().FindStationsInsideArea(nil, time.Time{}, time.Time{}, polygon)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Inside", got[0].Name)
}

func TestFindStationsInsideAreaRejectsMalformedWKT(t *testing.T) {
	reg, err := NewRegistry(staticSource{nil})
	require.NoError(t, err)

	_, err = reg.Current().FindStationsInsideArea(nil, time.Time{}, time.Time{}, "not-wkt")
	assert.Error(t, err)
}

func TestBelongsToGroupImpliesGetStationSucceeds(t *testing.T) {
	stations := []Station{
		{FMISID: 7, Name: "S7", Groups: map[string]struct{}{"AWS": {}},
			ValidFrom: mustTime("2020-01-01"), ValidTo: time.Time{}},
	}
	reg, _ := NewRegistry(staticSource{stations})
	groups := map[string]struct{}{"AWS": {}}

	require.True(t, reg.Current().BelongsToGroup(7, groups))
	_, err := reg.Current().GetStation(7, groups, mustTime("2022-01-01"))
	assert.NoError(t, err)
}
