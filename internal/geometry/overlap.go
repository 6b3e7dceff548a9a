// Package geometry implements the point and polygon tests used to link events
// to episodes and to validate confirmed report coordinates.
//
// Coordinates are treated as planar (lon, lat). At warning scale the error is
// far below the precision of the source polygons.
package geometry

import (
	"github.com/couchcryptid/storm-alert-correlator/internal/domain"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Contains reports whether pt lies inside or on the boundary of any ring of
// area. A degenerate area contains only its own vertex.
func Contains(area domain.CoverageArea, pt domain.Coordinate) bool {
	p := toPoint(pt)
	for _, r := range rings(area) {
		if ringContains(r, p) {
			return true
		}
	}
	return false
}

// Overlaps reports whether two areas share any point. For each ring pair it
// checks, in order: a vertex of a inside b, any crossing edge pair, and a
// vertex of b inside a. Degenerate point areas reduce to containment.
func Overlaps(a, b domain.CoverageArea) bool {
	ra, rb := rings(a), rings(b)
	for _, x := range ra {
		for _, y := range rb {
			if ringsOverlap(x, y) {
				return true
			}
		}
	}
	return false
}

func ringsOverlap(a, b orb.Ring) bool {
	switch {
	case len(a) == 1 && len(b) == 1:
		return a[0] == b[0]
	case len(a) == 1:
		return ringContains(b, a[0])
	case len(b) == 1:
		return ringContains(a, b[0])
	}

	if !a.Bound().Intersects(b.Bound()) {
		return false
	}
	for _, p := range a {
		if ringContains(b, p) {
			return true
		}
	}
	if edgesCross(a, b) {
		return true
	}
	for _, p := range b {
		if ringContains(a, p) {
			return true
		}
	}
	return false
}

func ringContains(r orb.Ring, p orb.Point) bool {
	switch len(r) {
	case 0:
		return false
	case 1:
		return r[0] == p
	case 2:
		return onSegment(r[0], r[1], p)
	}
	return planar.RingContains(r, p)
}

// edgesCross tests every edge pair, closing edges included.
func edgesCross(a, b orb.Ring) bool {
	for i := range a {
		a1, a2 := a[i], a[(i+1)%len(a)]
		for j := range b {
			if segmentsIntersect(a1, a2, b[j], b[(j+1)%len(b)]) {
				return true
			}
		}
	}
	return false
}

func segmentsIntersect(p1, p2, q1, q2 orb.Point) bool {
	d1 := orientation(q1, q2, p1)
	d2 := orientation(q1, q2, p2)
	d3 := orientation(p1, p2, q1)
	d4 := orientation(p1, p2, q2)

	if d1*d2 < 0 && d3*d4 < 0 {
		return true
	}
	switch {
	case d1 == 0 && onSegment(q1, q2, p1):
		return true
	case d2 == 0 && onSegment(q1, q2, p2):
		return true
	case d3 == 0 && onSegment(p1, p2, q1):
		return true
	case d4 == 0 && onSegment(p1, p2, q2):
		return true
	}
	return false
}

// orientation is the sign of the cross product (b-a) x (c-a).
func orientation(a, b, c orb.Point) float64 {
	v := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

// onSegment reports whether p lies on segment ab.
func onSegment(a, b, p orb.Point) bool {
	if orientation(a, b, p) != 0 {
		return false
	}
	return p[0] >= min(a[0], b[0]) && p[0] <= max(a[0], b[0]) &&
		p[1] >= min(a[1], b[1]) && p[1] <= max(a[1], b[1])
}

func rings(area domain.CoverageArea) []orb.Ring {
	out := make([]orb.Ring, 0, len(area.Rings))
	for _, r := range area.Rings {
		if len(r) == 0 {
			continue
		}
		ring := make(orb.Ring, len(r))
		for i, c := range r {
			ring[i] = toPoint(c)
		}
		out = append(out, ring)
	}
	return out
}

func toPoint(c domain.Coordinate) orb.Point {
	return orb.Point{c.Lon, c.Lat}
}
