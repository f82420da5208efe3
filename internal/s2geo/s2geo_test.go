package s2geo

import (
	"math"
	"testing"
)

const (
	gmuLat = 38.826589169752516
	gmuLon = -77.30255757609915
)

func TestRadiusToLevel_Table(t *testing.T) {
	cases := []struct {
		radius float64
		want   int
	}{
		{0, 24},
		{-5, 24},
		{0.2, 24},
		{0.5, 23},
		{300, 14}, // D(14)=610 >= 600, D(15)=305 < 600
		{1000, 12},
		{5000, 10}, // saturates at the coarse end
		{100000, 10},
	}
	for _, c := range cases {
		if got := RadiusToLevel(c.radius); got != c.want {
			t.Errorf("RadiusToLevel(%v)=%d want %d", c.radius, got, c.want)
		}
	}
}

func TestRadiusToLevel_CoversDiameter(t *testing.T) {
	// chosen level L satisfies D(L) >= 2r, and the next finer level does
	// not, except at the saturated table ends
	for r := 0.5; r <= 1000; r += 7.3 {
		level := RadiusToLevel(r)
		if level < MinLevel || level > MaxLevel {
			t.Fatalf("level %d out of range for r=%v", level, r)
		}
		if level > MinLevel && LevelToDiameter[level] < 2*r {
			t.Errorf("r=%v level=%d: diameter %v < 2r", r, level, LevelToDiameter[level])
		}
		if level < MaxLevel && LevelToDiameter[level+1] >= 2*r {
			t.Errorf("r=%v level=%d not finest: diameter(L+1)=%v >= 2r", r, level, LevelToDiameter[level+1])
		}
	}
}

func TestNewSearchRegion_Clamps(t *testing.T) {
	r := NewSearchRegion(120, -300, 5000)
	if r.Lat != 90 || r.Lon != -180 || r.RadiusM != 1000 {
		t.Fatalf("unexpected clamp result: %+v", r)
	}
	r = NewSearchRegion(-100, 200, -3)
	if r.Lat != -90 || r.Lon != 180 || r.RadiusM != 0 {
		t.Fatalf("unexpected clamp result: %+v", r)
	}
}

func TestCellFromRegion_PointQuery(t *testing.T) {
	region := NewSearchRegion(gmuLat, gmuLon, 300)
	cell := CellFromRegion(region)

	if cell.Level != 14 {
		t.Fatalf("level=%d want 14", cell.Level)
	}
	if cell.Token == "" {
		t.Fatal("empty token")
	}
	// the query point sits inside the cell, so the cell center is at
	// most a half diagonal away
	if d := Haversine(region.Lat, region.Lon, cell.Lat, cell.Lon); d > LevelToDiameter[cell.Level] {
		t.Fatalf("cell center %vm from region center, want < one diameter", d)
	}
}

func TestCellFromToken_RoundTrip(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))
	got, ok := CellFromToken(cell.Token)
	if !ok {
		t.Fatalf("token %q not valid", cell.Token)
	}
	if got != cell {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, cell)
	}
	if _, ok := CellFromToken("not-a-token"); ok {
		t.Fatal("bogus token accepted")
	}
}

func TestChildren_TileParent(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))

	kids := Children(cell)
	if len(kids) != 4 {
		t.Fatalf("children=%d want 4", len(kids))
	}
	for i, k := range kids {
		if k.Level != cell.Level+1 {
			t.Errorf("child %d level=%d want %d", i, k.Level, cell.Level+1)
		}
		if p := Parent(k); p.ID != cell.ID {
			t.Errorf("parent(child %d) = %x want %x", i, p.ID, cell.ID)
		}
		if i > 0 && kids[i-1].ID >= k.ID {
			t.Errorf("children not in ascending id order at %d", i)
		}
	}
}

func TestNeighbors_SameLevelAscending(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))

	ns := Neighbors(cell)
	if len(ns) != 8 {
		t.Fatalf("neighbors=%d want 8", len(ns))
	}
	for i, n := range ns {
		if n.Level != cell.Level {
			t.Errorf("neighbor %d level=%d want %d", i, n.Level, cell.Level)
		}
		if n.ID == cell.ID {
			t.Error("cell is its own neighbor")
		}
		if i > 0 && ns[i-1].ID >= n.ID {
			t.Errorf("neighbors not in ascending id order at %d", i)
		}
	}
}

func TestHaversine_Symmetry(t *testing.T) {
	pts := [][2]float64{
		{38.9072, -77.0369},
		{40.7128, -74.0060},
		{0, 0},
		{-33.8688, 151.2093},
	}
	for _, a := range pts {
		for _, b := range pts {
			ab := Haversine(a[0], a[1], b[0], b[1])
			ba := Haversine(b[0], b[1], a[0], a[1])
			if math.Abs(ab-ba) > 1e-6 {
				t.Errorf("asymmetric: d(%v,%v)=%v d(%v,%v)=%v", a, b, ab, b, a, ba)
			}
		}
		if d := Haversine(a[0], a[1], a[0], a[1]); d != 0 {
			t.Errorf("d(a,a)=%v want 0", d)
		}
	}
}

func TestHaversine_DCtoNYC(t *testing.T) {
	d := Haversine(38.9072, -77.0369, 40.7128, -74.0060)
	if d <= 320000 || d >= 340000 {
		t.Fatalf("DC->NYC distance %v not in (320km, 340km)", d)
	}
}

func TestHaversine_Antipode(t *testing.T) {
	d := Haversine(0, 0, 0, 180)
	want := math.Pi * EarthRadiusMeters
	if math.Abs(d-want) > 1000 {
		t.Fatalf("antipodal distance %v want ~%v", d, want)
	}
}

func TestIntersects(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))

	// region centered in the cell always intersects it
	if !Intersects(NewSearchRegion(cell.Lat, cell.Lon, 10), cell) {
		t.Fatal("region at cell center does not intersect cell")
	}
	// region far away does not
	if Intersects(NewSearchRegion(cell.Lat+1, cell.Lon, 100), cell) {
		t.Fatal("region ~111km away intersects cell")
	}
}

func TestDistanceToNearestBoundary(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))
	parent := Parent(cell)

	// from the parent center every edge is roughly half the parent
	// diameter away
	region := NewSearchRegion(parent.Lat, parent.Lon, 0)
	d := DistanceToNearestBoundary(region, parent)
	half := LevelToDiameter[parent.Level] / 2
	if d < half*0.8 || d > half*1.2 {
		t.Fatalf("boundary distance %v not near %v", d, half)
	}

	// a point just inside an edge is close to it
	b := Bounds(parent)
	edgy := NewSearchRegion(b.LatMax-0.0001, parent.Lon, 0)
	if de := DistanceToNearestBoundary(edgy, parent); de > 50 {
		t.Fatalf("edge distance %v want < 50m", de)
	}
}

func TestIntersectingNeighbors_StraddlingRegion(t *testing.T) {
	cell := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 300))
	b := Bounds(cell)

	// region sitting on the cell's east edge overlaps at least one
	// neighbor
	region := NewSearchRegion(cell.Lat, b.LonMax, 100)
	ns := IntersectingNeighbors(region, cell)
	if len(ns) == 0 {
		t.Fatal("straddling region found no intersecting neighbors")
	}
	for i, n := range ns {
		if i > 0 && ns[i-1].ID >= n.ID {
			t.Errorf("intersecting neighbors not ascending at %d", i)
		}
	}

	// tiny region at the cell center overlaps none
	center := NewSearchRegion(cell.Lat, cell.Lon, 1)
	if ns := IntersectingNeighbors(center, cell); len(ns) != 0 {
		t.Fatalf("central region intersects %d neighbors, want 0", len(ns))
	}
}

func TestCoverRegionAtLevel(t *testing.T) {
	region := NewSearchRegion(gmuLat, gmuLon, 300)
	cells := CoverRegionAtLevel(region, 16)
	if len(cells) == 0 {
		t.Fatal("empty covering")
	}
	for _, c := range cells {
		if c.Level != 16 {
			t.Fatalf("covering cell level=%d want 16", c.Level)
		}
	}
	// the cell containing the center must be part of the covering
	leaf := CellFromRegion(NewSearchRegion(gmuLat, gmuLon, 70))
	if leaf.Level != 16 {
		t.Fatalf("setup: level=%d want 16", leaf.Level)
	}
	found := false
	for _, c := range cells {
		if c.ID == leaf.ID {
			found = true
			break
		}
	}
	if !found {
		t.Fatal("covering does not include the center cell")
	}
}
