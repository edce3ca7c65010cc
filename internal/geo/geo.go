// Package geo provides the spatial primitives used by the station
// registry: great-circle distance, lon/lat box containment with
// 180-degree meridian wraparound, and WKT polygon containment.
package geo

import (
	"math"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/wkt"
)

// EarthRadiusKm is the mean radius used for great-circle distance math.
const EarthRadiusKm = 6371.0

// Point is a (longitude, latitude) pair in degrees.
type Point struct {
	Longitude float64
	Latitude  float64
}

// DistanceKm returns the great-circle distance between two points in
// kilometers using the haversine formula.
func DistanceKm(a, b Point) float64 {
	lat1 := a.Latitude * math.Pi / 180
	lat2 := b.Latitude * math.Pi / 180
	dLat := (b.Latitude - a.Latitude) * math.Pi / 180
	dLon := (b.Longitude - a.Longitude) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return EarthRadiusKm * c
}

// InBox reports whether p lies within the box [minLon,maxLon] x
// [minLat,maxLat], handling the case where the box wraps across the
// antimeridian (minLon > maxLon).
func InBox(p Point, minLon, minLat, maxLon, maxLat float64) bool {
	if p.Latitude < minLat || p.Latitude > maxLat {
		return false
	}
	if minLon <= maxLon {
		return p.Longitude >= minLon && p.Longitude <= maxLon
	}
	// Wraps across +-180.
	return p.Longitude >= minLon || p.Longitude <= maxLon
}

// InWKTPolygon reports whether p lies inside the polygon described by a WKT
// string (e.g. "POLYGON((...))"). An invalid WKT string yields false and a
// non-nil error so callers can distinguish "outside" from "malformed".
func InWKTPolygon(p Point, wktStr string) (bool, error) {
	g, err := wkt.Unmarshal(wktStr)
	if err != nil {
		return false, err
	}
	poly, ok := g.(*geom.Polygon)
	if !ok {
		return false, errNotPolygon
	}
	return polygonContains(poly, p), nil
}

var errNotPolygon = geomError("WKT value is not a POLYGON")

type geomError string

func (e geomError) Error() string { return string(e) }

// polygonContains runs a standard ray-casting test against the polygon's
// exterior ring. Holes are not present in the station-search polygons this
// system consumes (simple bounding regions), so only ring 0 is evaluated.
func polygonContains(poly *geom.Polygon, p Point) bool {
	ring := poly.LinearRing(0)
	coords := ring.FlatCoords()
	stride := ring.Stride()

	inside := false
	n := ring.NumCoords()
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		xi, yi := coords[i*stride], coords[i*stride+1]
		xj, yj := coords[j*stride], coords[j*stride+1]
		intersects := ((yi > p.Latitude) != (yj > p.Latitude)) &&
			(p.Longitude < (xj-xi)*(p.Latitude-yi)/(yj-yi)+xi)
		if intersects {
			inside = !inside
		}
	}
	return inside
}

// CompassSector maps a wind direction in degrees [0,360) to one of n
// sectors (n is 8, 16 or 32), returning the sector index. Sector 0 is
// centered on 0 degrees (north) and sectors proceed clockwise; the
// half-width of each sector is 360/(2n) degrees, matching the 22.5 / 11.25
// / 5.625 degree thresholds for n=8/16/32.
func CompassSector(degrees float64, n int) int {
	step := 360.0 / float64(n)
	d := math.Mod(degrees, 360)
	if d < 0 {
		d += 360
	}
	sector := int(math.Floor((d+step/2)/step)) % n
	return sector
}
