package importer

import "github.com/gebin/importer-exporter/internal/citygml"

// CountRows returns the number of SURFACE_GEOMETRY rows Insert emits for g.
// It applies the same validation as Insert, so the keys reserved from the
// count are exactly the keys used. Rings inside a polygon are part of the
// polygon's row; pass-through nodes and references add nothing.
func CountRows(g citygml.Geometry) int {
	return countRows(g, true)
}

func countRows(g citygml.Geometry, top bool) int {
	switch x := g.(type) {
	case *citygml.LinearRing:
		if _, ok := closeRing(x.Coords); ok {
			return 1
		}
		return 0
	case *citygml.Polygon:
		if validPolygon(x) {
			return 1
		}
		return 0
	case *citygml.OrientableSurface:
		return countSurfaceProperty(x.BaseSurface)
	case *citygml.TexturedSurface:
		return countSurfaceProperty(x.BaseSurface)
	case *citygml.CompositeSurface:
		return 1 + countMembers(x.Members, citygml.Kind.IsSurface)
	case *citygml.MultiSurface:
		return 1 + countMembers(x.Members, citygml.Kind.IsSurface)
	case *citygml.MultiPolygon:
		return 1 + countMembers(x.Members, isPolygon)
	case *citygml.Surface:
		return 1 + countPatches(x.Patches)
	case *citygml.TriangulatedSurface:
		return 1 + countPatches(x.Triangles)
	case *citygml.Solid:
		return 1 + countMembers([]*citygml.Property{x.Exterior}, citygml.Kind.IsSurface)
	case *citygml.CompositeSolid:
		return 1 + countMembers(x.Members, isVolume)
	case *citygml.MultiSolid:
		return 1 + countMembers(x.Members, isVolume)
	case *citygml.GeometricComplex:
		n := 0
		if top && len(x.Elements) > 1 {
			n = 1
		}
		return n + countMembers(x.Elements, anyKind)
	}
	return 0
}

func isPolygon(k citygml.Kind) bool { return k == citygml.KindPolygon }

// isVolume accepts solids and closed shells given as composite surfaces.
func isVolume(k citygml.Kind) bool { return k.IsSolid() || k == citygml.KindCompositeSurface }

func anyKind(k citygml.Kind) bool { return k != citygml.KindUnsupported }

func countSurfaceProperty(p *citygml.Property) int {
	if p == nil || p.Object == nil || !p.Object.Kind().IsSurface() {
		return 0
	}
	return countRows(p.Object, false)
}

func countMembers(members []*citygml.Property, accept func(citygml.Kind) bool) int {
	n := 0
	for _, p := range members {
		if p == nil || p.Object == nil || !accept(p.Object.Kind()) {
			continue
		}
		n += countRows(p.Object, false)
	}
	return n
}

func countPatches(patches []*citygml.Patch) int {
	n := 0
	for _, p := range patches {
		if p == nil || p.Exterior == nil {
			continue
		}
		if _, ok := closeRing(p.Exterior.Coords); ok {
			n++
		}
	}
	return n
}

// closeRing validates a ring given as flat 3D coordinates. An open ring is
// closed by appending its first point. A ring with fewer than 4 points
// after that is invalid.
func closeRing(coords []float64) ([]float64, bool) {
	n := len(coords)
	if n < 3 || n%3 != 0 {
		return nil, false
	}
	if coords[0] != coords[n-3] || coords[1] != coords[n-2] || coords[2] != coords[n-1] {
		coords = append(coords[:n:n], coords[0], coords[1], coords[2])
	}
	if len(coords)/3 < 4 {
		return nil, false
	}
	return coords, true
}

func isClosed(coords []float64) bool {
	n := len(coords)
	return n >= 3 && coords[0] == coords[n-3] && coords[1] == coords[n-2] && coords[2] == coords[n-1]
}

func validPolygon(p *citygml.Polygon) bool {
	if p.Exterior == nil {
		return false
	}
	if _, ok := closeRing(p.Exterior.Coords); !ok {
		return false
	}
	for _, r := range p.Interior {
		if r == nil {
			return false
		}
		if _, ok := closeRing(r.Coords); !ok {
			return false
		}
	}
	return true
}
