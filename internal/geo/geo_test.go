package geo

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDistanceKmZeroForSamePoint(t *testing.T) {
	p := Point{Longitude: 24.94, Latitude: 60.17}
	assert.InDelta(t, 0.0, DistanceKm(p, p), 1e-9)
}

func TestDistanceKmKnownPair(t *testing.T) {
	helsinki := Point{Longitude: 24.9384, Latitude: 60.1699}
	tampere := Point{Longitude: 23.7610, Latitude: 61.4978}
	d := DistanceKm(helsinki, tampere)
	assert.InDelta(t, 160.0, d, 10.0)
}

func TestInBoxSimple(t *testing.T) {
	p := Point{Longitude: 24.9, Latitude: 60.1}
	assert.True(t, InBox(p, 20, 59, 26, 61))
	assert.False(t, InBox(p, 20, 62, 26, 65))
}

func TestInBoxWraparound(t *testing.T) {
	p := Point{Longitude: 179.9, Latitude: 10}
	assert.True(t, InBox(p, 170, 0, -170, 20))
	p2 := Point{Longitude: 0, Latitude: 10}
	assert.False(t, InBox(p2, 170, 0, -170, 20))
}

func TestInWKTPolygon(t *testing.T) {
	square := "POLYGON((0 0, 0 10, 10 10, 10 0, 0 0))"
	inside, err := InWKTPolygon(Point{Longitude: 5, Latitude: 5}, square)
	assert.NoError(t, err)
	assert.True(t, inside)

	outside, err := InWKTPolygon(Point{Longitude: 50, Latitude: 50}, square)
	assert.NoError(t, err)
	assert.False(t, outside)
}

func TestCompassSector8(t *testing.T) {
	assert.Equal(t, 0, CompassSector(0, 8))
	assert.Equal(t, 0, CompassSector(359, 8))
	assert.Equal(t, 2, CompassSector(90, 8))
	assert.Equal(t, 4, CompassSector(180, 8))
}
