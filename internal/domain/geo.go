package domain

// Coordinate is a WGS-84 latitude/longitude pair.
type Coordinate struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// CoverageArea is one or more closed rings of vertices. A single ring with a
// single vertex is a degenerate point area.
type CoverageArea struct {
	Rings [][]Coordinate `json:"rings,omitempty"`
}

// PointArea builds a degenerate area for a single coordinate.
func PointArea(c Coordinate) CoverageArea {
	return CoverageArea{Rings: [][]Coordinate{{c}}}
}

// IsEmpty reports whether the area has no vertices at all.
func (a CoverageArea) IsEmpty() bool {
	for _, r := range a.Rings {
		if len(r) > 0 {
			return false
		}
	}
	return true
}

// IsPoint reports whether the area is a single vertex.
func (a CoverageArea) IsPoint() bool {
	return len(a.Rings) == 1 && len(a.Rings[0]) == 1
}

// Clone returns a deep copy so no two locations share ring storage.
func (a CoverageArea) Clone() CoverageArea {
	if a.Rings == nil {
		return CoverageArea{}
	}
	rings := make([][]Coordinate, len(a.Rings))
	for i, r := range a.Rings {
		rings[i] = append([]Coordinate(nil), r...)
	}
	return CoverageArea{Rings: rings}
}
