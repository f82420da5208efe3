// Package s2geo adapts the S2 cell hierarchy for region searches. It is
// the only package that talks to the s2 library; everything else works
// with the Cell and SearchRegion value types defined here.
package s2geo

import (
	"math"
	"sort"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"
)

const (
	MinLevel = 10
	MaxLevel = 24

	// EarthRadiusMeters is the mean Earth radius used by the haversine
	// distance and the cap covering.
	EarthRadiusMeters = 6371000.0

	// metersPerDegreeLat converts the diameter table to degrees when
	// approximating cell bounds.
	metersPerDegreeLat = 111320.0
)

// LevelToDiameter maps an S2 level to the approximate cell diameter in
// meters. Only levels 10..24 are meaningful for searches.
var LevelToDiameter = map[int]float64{
	10: 9766.0,
	11: 4883.0,
	12: 2441.0,
	13: 1220.0,
	14: 610.0,
	15: 305.0,
	16: 153.0,
	17: 76.0,
	18: 38.0,
	19: 19.0,
	20: 9.5,
	21: 4.8,
	22: 2.4,
	23: 1.2,
	24: 0.6,
}

// SearchRegion is a circular region around a point. Construct with
// NewSearchRegion so the clamping invariants hold.
type SearchRegion struct {
	Lat     float64
	Lon     float64
	RadiusM float64
}

// NewSearchRegion clamps lat to [-90,90], lon to [-180,180] and the
// radius to [0,1000] meters.
func NewSearchRegion(lat, lon, radiusM float64) SearchRegion {
	return SearchRegion{
		Lat:     clamp(lat, -90, 90),
		Lon:     clamp(lon, -180, 180),
		RadiusM: clamp(radiusM, 0, 1000),
	}
}

// Cell is an immutable view of one S2 cell: id, token, level and the
// cell center in degrees.
type Cell struct {
	ID    uint64
	Token string
	Level int
	Lat   float64
	Lon   float64
}

// CellBounds is an axis-aligned approximation of a cell derived from the
// level diameter table. Good enough for coverage decisions; the covering
// step adds neighbors conservatively.
type CellBounds struct {
	LatMin float64
	LonMin float64
	LatMax float64
	LonMax float64
}

func clamp(v, lo, hi float64) float64 {
	switch {
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

// RadiusToLevel picks the finest level whose cell diameter still covers
// the region in one inscribed-circle query, i.e. the largest L with
// diameter(L) >= 2*radius. Saturates at the table ends.
func RadiusToLevel(radiusM float64) int {
	diameter := radiusM * 2

	lo, hi := MinLevel, MaxLevel
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if LevelToDiameter[mid] >= diameter {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

func cellFromID(id s2.CellID) Cell {
	ll := id.LatLng()
	return Cell{
		ID:    uint64(id),
		Token: id.ToToken(),
		Level: id.Level(),
		Lat:   ll.Lat.Degrees(),
		Lon:   ll.Lng.Degrees(),
	}
}

// CellFromRegion returns the cell containing the region center at the
// level chosen from the region radius.
func CellFromRegion(region SearchRegion) Cell {
	level := RadiusToLevel(region.RadiusM)
	leaf := s2.CellIDFromLatLng(s2.LatLngFromDegrees(region.Lat, region.Lon))
	return cellFromID(leaf.Parent(level))
}

// CellFromToken rebuilds a Cell from its token. ok is false for tokens
// that do not name a valid cell.
func CellFromToken(token string) (Cell, bool) {
	id := s2.CellIDFromToken(token)
	if !id.IsValid() {
		return Cell{}, false
	}
	return cellFromID(id), true
}

// Parent returns the cell one level up.
func Parent(c Cell) Cell {
	return cellFromID(s2.CellID(c.ID).Parent(c.Level - 1))
}

// Children returns the 4 children one level down, in ascending id order.
func Children(c Cell) []Cell {
	ids := s2.CellID(c.ID).Children()
	out := make([]Cell, 0, len(ids))
	for _, id := range ids {
		out = append(out, cellFromID(id))
	}
	return out
}

// Neighbors returns the edge and corner neighbors at the same level, in
// ascending id order.
func Neighbors(c Cell) []Cell {
	ids := s2.CellID(c.ID).AllNeighbors(c.Level)
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]Cell, 0, len(ids))
	for _, id := range ids {
		out = append(out, cellFromID(id))
	}
	return out
}

// Bounds approximates the cell as center plus/minus half the level
// diameter, converted to degrees.
func Bounds(c Cell) CellBounds {
	half := LevelToDiameter[c.Level] / 2
	dLat := half / metersPerDegreeLat
	dLon := half / (metersPerDegreeLat * math.Cos(c.Lat*math.Pi/180))

	return CellBounds{
		LatMin: c.Lat - dLat,
		LonMin: c.Lon - dLon,
		LatMax: c.Lat + dLat,
		LonMax: c.Lon + dLon,
	}
}

// Haversine returns the great-circle distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := phi2 - phi1
	dLambda := (lon2 - lon1) * math.Pi / 180

	h := math.Pow(math.Sin(dPhi/2), 2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Pow(math.Sin(dLambda/2), 2)
	return 2 * EarthRadiusMeters * math.Asin(math.Sqrt(h))
}

// Intersects reports whether the region circle reaches into the cell.
// The region center is clamped onto the cell bounds; if the clamped
// point is within the radius the circle and cell overlap.
func Intersects(region SearchRegion, c Cell) bool {
	b := Bounds(c)
	closestLat := clamp(region.Lat, b.LatMin, b.LatMax)
	closestLon := clamp(region.Lon, b.LonMin, b.LonMax)
	return Haversine(region.Lat, region.Lon, closestLat, closestLon) <= region.RadiusM
}

// DistanceToNearestBoundary returns the distance in meters from the
// region center to the nearest of the 4 bounding edges of the cell.
func DistanceToNearestBoundary(region SearchRegion, c Cell) float64 {
	b := Bounds(c)
	top := Haversine(region.Lat, region.Lon, b.LatMax, region.Lon)
	bottom := Haversine(region.Lat, region.Lon, b.LatMin, region.Lon)
	left := Haversine(region.Lat, region.Lon, region.Lat, b.LonMin)
	right := Haversine(region.Lat, region.Lon, region.Lat, b.LonMax)
	return math.Min(math.Min(top, bottom), math.Min(left, right))
}

// IntersectingNeighbors returns the neighbors of the center cell that
// the region circle overlaps, in ascending id order.
func IntersectingNeighbors(region SearchRegion, center Cell) []Cell {
	var out []Cell
	for _, n := range Neighbors(center) {
		if Intersects(region, n) {
			out = append(out, n)
		}
	}
	return out
}

// CoverRegionAtLevel returns the cells at exactly the given level whose
// union contains the region circle. Used by the invalidation path to
// enumerate keys; the search path uses the cheaper center+neighbors
// covering.
func CoverRegionAtLevel(region SearchRegion, level int) []Cell {
	center := s2.PointFromLatLng(s2.LatLngFromDegrees(region.Lat, region.Lon))
	angle := s1.Angle(region.RadiusM / EarthRadiusMeters)
	circle := s2.CapFromCenterAngle(center, angle)

	coverer := s2.RegionCoverer{
		MinLevel: level,
		MaxLevel: level,
		MaxCells: 256,
	}
	union := coverer.Covering(s2.Region(circle))

	out := make([]Cell, 0, len(union))
	for _, id := range union {
		out = append(out, cellFromID(id))
	}
	return out
}
