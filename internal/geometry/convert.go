package geometry

import (
	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/paulmach/orb"
)

// FromOrb converts a decoded GeoJSON geometry into a coverage area. Only
// outer rings are kept.
func FromOrb(g orb.Geometry) domain.CoverageArea {
	var area domain.CoverageArea
	appendGeometry(&area, g)
	return area
}

func appendGeometry(area *domain.CoverageArea, g orb.Geometry) {
	switch v := g.(type) {
	case orb.Point:
		area.Rings = append(area.Rings, []domain.Coordinate{fromPoint(v)})
	case orb.Ring:
		area.Rings = append(area.Rings, fromRing(v))
	case orb.Polygon:
		if len(v) > 0 {
			area.Rings = append(area.Rings, fromRing(v[0]))
		}
	case orb.MultiPolygon:
		for _, p := range v {
			appendGeometry(area, p)
		}
	case orb.Collection:
		for _, child := range v {
			appendGeometry(area, child)
		}
	}
}

func fromRing(r orb.Ring) []domain.Coordinate {
	out := make([]domain.Coordinate, len(r))
	for i, p := range r {
		out[i] = fromPoint(p)
	}
	return out
}

func fromPoint(p orb.Point) domain.Coordinate {
	return domain.Coordinate{Lat: p[1], Lon: p[0]}
}
