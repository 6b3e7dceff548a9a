package geometry

import (
	"testing"

	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
)

func square(lat, lon, size float64) domain.CoverageArea {
	return domain.CoverageArea{Rings: [][]domain.Coordinate{{
		{Lat: lat, Lon: lon},
		{Lat: lat, Lon: lon + size},
		{Lat: lat + size, Lon: lon + size},
		{Lat: lat + size, Lon: lon},
		{Lat: lat, Lon: lon},
	}}}
}

func pt(lat, lon float64) domain.Coordinate {
	return domain.Coordinate{Lat: lat, Lon: lon}
}

func TestContains(t *testing.T) {
	area := square(35, -98, 1)

	tests := []struct {
		name string
		pt   domain.Coordinate
		want bool
	}{
		{"inside", pt(35.5, -97.5), true},
		{"on edge", pt(35, -97.5), true},
		{"vertex", pt(35, -98), true},
		{"outside", pt(37, -97.5), false},
		{"lat/lon swapped", pt(-97.5, 35.5), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Contains(area, tt.pt))
		})
	}

	t.Run("empty area contains nothing", func(t *testing.T) {
		assert.False(t, Contains(domain.CoverageArea{}, pt(0, 0)))
	})

	t.Run("point area contains only itself", func(t *testing.T) {
		p := domain.PointArea(pt(35, -98))
		assert.True(t, Contains(p, pt(35, -98)))
		assert.False(t, Contains(p, pt(35, -98.0001)))
	})
}

func TestOverlaps(t *testing.T) {
	big := square(34, -99, 4)

	tests := []struct {
		name string
		a, b domain.CoverageArea
		want bool
	}{
		{"event inside episode", square(35, -98, 0.5), big, true},
		{"episode inside event", big, square(35, -98, 0.5), true},
		{"partial overlap", square(35, -98, 1), square(35.5, -97.5, 1), true},
		{"edges cross with no vertex inside", crossBar(), square(35, -98, 1), true},
		{"shared edge", square(35, -98, 1), square(35, -97, 1), true},
		{"disjoint", square(35, -98, 1), square(29, -95, 1), false},
		{"bounding boxes overlap but shapes do not", triangle(), square(35.8, -97.2, 0.1), false},
		{"point inside", domain.PointArea(pt(35.5, -97.5)), square(35, -98, 1), true},
		{"point outside", square(35, -98, 1), domain.PointArea(pt(40, -90)), false},
		{"identical points", domain.PointArea(pt(1, 1)), domain.PointArea(pt(1, 1)), true},
		{"empty", domain.CoverageArea{}, big, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Overlaps(tt.a, tt.b))
			assert.Equal(t, tt.want, Overlaps(tt.b, tt.a), "overlap is symmetric")
		})
	}

	t.Run("any ring of a multi-ring area", func(t *testing.T) {
		multi := domain.CoverageArea{Rings: append(square(29, -95, 1).Rings, square(35, -98, 1).Rings...)}
		assert.True(t, Overlaps(multi, square(35.2, -97.8, 0.2)))
	})
}

// crossBar is a thin horizontal strip through a 1x1 square at (35,-98),
// with every vertex outside the square.
func crossBar() domain.CoverageArea {
	return domain.CoverageArea{Rings: [][]domain.Coordinate{{
		pt(35.4, -99), pt(35.4, -96), pt(35.6, -96), pt(35.6, -99), pt(35.4, -99),
	}}}
}

// triangle's bounding box is the square (35,-98)-(36,-97) but it only covers
// the south-west half.
func triangle() domain.CoverageArea {
	return domain.CoverageArea{Rings: [][]domain.Coordinate{{
		pt(35, -98), pt(35, -97), pt(36, -98), pt(35, -98),
	}}}
}

func TestFromOrb(t *testing.T) {
	poly := orb.Polygon{
		{{-98, 35}, {-97, 35}, {-97, 36}, {-98, 35}},
		{{-97.8, 35.1}, {-97.7, 35.1}, {-97.7, 35.2}, {-97.8, 35.1}},
	}

	t.Run("polygon keeps outer ring", func(t *testing.T) {
		area := FromOrb(poly)
		assert.Len(t, area.Rings, 1)
		assert.Equal(t, pt(35, -98), area.Rings[0][0])
	})

	t.Run("multipolygon", func(t *testing.T) {
		area := FromOrb(orb.MultiPolygon{poly, poly})
		assert.Len(t, area.Rings, 2)
	})

	t.Run("point", func(t *testing.T) {
		area := FromOrb(orb.Point{-97.5, 35.5})
		assert.True(t, area.IsPoint())
	})

	t.Run("nil", func(t *testing.T) {
		assert.True(t, FromOrb(nil).IsEmpty())
	})
}
