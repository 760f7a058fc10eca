// Package geometry provides the dialect-independent geometry value exchanged
// between importers, exporters and database geometry adapters.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
)

// Kind tags the shape held by an Object.
type Kind int

const (
	Point Kind = iota + 1
	MultiPoint
	Curve
	MultiCurve
	Polygon
	MultiPolygon
	Envelope
)

func (k Kind) String() string {
	switch k {
	case Point:
		return "Point"
	case MultiPoint:
		return "MultiPoint"
	case Curve:
		return "Curve"
	case MultiCurve:
		return "MultiCurve"
	case Polygon:
		return "Polygon"
	case MultiPolygon:
		return "MultiPolygon"
	case Envelope:
		return "Envelope"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

var (
	ErrDimension = errors.New("geometry: dimension must be 2 or 3")
	ErrEmpty     = errors.New("geometry: no elements")
)

// Object is a dimension-tagged coordinate container. Elements are flat
// coordinate arrays whose length is a multiple of the dimension. For
// Polygon and MultiPolygon a parallel flag marks exterior rings; each
// polygon starts with its exterior ring.
//
// An Object is never mutated after construction. Accessors hand out the
// internal slices, so callers must treat them as read-only.
type Object struct {
	kind     Kind
	dim      int
	srid     int
	elements [][]float64
	exterior []bool
}

func newObject(kind Kind, dim, srid int, elements [][]float64, exterior []bool) (*Object, error) {
	if dim != 2 && dim != 3 {
		return nil, ErrDimension
	}
	if len(elements) == 0 {
		return nil, ErrEmpty
	}
	o := &Object{kind: kind, dim: dim, srid: srid, elements: make([][]float64, len(elements))}
	for i, e := range elements {
		if len(e) == 0 || len(e)%dim != 0 {
			return nil, fmt.Errorf("geometry: element %d has %d ordinates, not a multiple of %d", i, len(e), dim)
		}
		o.elements[i] = append([]float64(nil), e...)
	}
	if exterior != nil {
		if len(exterior) != len(elements) {
			return nil, fmt.Errorf("geometry: %d exterior flags for %d elements", len(exterior), len(elements))
		}
		if !exterior[0] {
			return nil, errors.New("geometry: first ring must be an exterior ring")
		}
		o.exterior = append([]bool(nil), exterior...)
	}
	return o, nil
}

// NewPoint returns a single point.
func NewPoint(coords []float64, dim, srid int) (*Object, error) {
	if len(coords) != dim {
		return nil, fmt.Errorf("geometry: point needs %d ordinates, got %d", dim, len(coords))
	}
	return newObject(Point, dim, srid, [][]float64{coords}, nil)
}

// NewMultiPoint returns a point aggregate with one element per point.
func NewMultiPoint(points [][]float64, dim, srid int) (*Object, error) {
	for i, p := range points {
		if len(p) != dim {
			return nil, fmt.Errorf("geometry: point %d needs %d ordinates, got %d", i, dim, len(p))
		}
	}
	return newObject(MultiPoint, dim, srid, points, nil)
}

// NewCurve returns a line string.
func NewCurve(coords []float64, dim, srid int) (*Object, error) {
	return newObject(Curve, dim, srid, [][]float64{coords}, nil)
}

// NewMultiCurve returns a line string aggregate.
func NewMultiCurve(curves [][]float64, dim, srid int) (*Object, error) {
	return newObject(MultiCurve, dim, srid, curves, nil)
}

// NewPolygon returns a polygon. rings[0] is the exterior ring, the rest are
// interior rings.
func NewPolygon(rings [][]float64, dim, srid int) (*Object, error) {
	exterior := make([]bool, len(rings))
	if len(rings) > 0 {
		exterior[0] = true
	}
	return newObject(Polygon, dim, srid, rings, exterior)
}

// NewMultiPolygon returns a polygon aggregate. exterior marks where each
// polygon starts.
func NewMultiPolygon(rings [][]float64, exterior []bool, dim, srid int) (*Object, error) {
	if exterior == nil {
		return nil, errors.New("geometry: multi polygon needs exterior flags")
	}
	return newObject(MultiPolygon, dim, srid, rings, exterior)
}

// NewEnvelope returns the box spanned by the lower and upper corner.
func NewEnvelope(lower, upper []float64, dim, srid int) (*Object, error) {
	if len(lower) != dim || len(upper) != dim {
		return nil, fmt.Errorf("geometry: envelope corners need %d ordinates", dim)
	}
	corners := make([]float64, 0, 2*dim)
	corners = append(append(corners, lower...), upper...)
	return newObject(Envelope, dim, srid, [][]float64{corners}, nil)
}

func (o *Object) Kind() Kind              { return o.kind }
func (o *Object) Dimension() int          { return o.dim }
func (o *Object) SRID() int               { return o.srid }
func (o *Object) NumElements() int        { return len(o.elements) }
func (o *Object) Element(i int) []float64 { return o.elements[i] }

// IsExterior reports whether element i is an exterior ring. It is always
// false for non-polygon kinds.
func (o *Object) IsExterior(i int) bool {
	return o.exterior != nil && o.exterior[i]
}

// ExteriorRings returns the element indices of all exterior rings.
func (o *Object) ExteriorRings() []int {
	var out []int
	for i, ext := range o.exterior {
		if ext {
			out = append(out, i)
		}
	}
	return out
}

// Reversed returns a copy of o with the coordinate tuples of every element
// in reverse order, which flips the orientation of rings.
func (o *Object) Reversed() *Object {
	r := &Object{kind: o.kind, dim: o.dim, srid: o.srid, elements: make([][]float64, len(o.elements)), exterior: o.exterior}
	for i, e := range o.elements {
		r.elements[i] = ReverseCoords(e, o.dim)
	}
	return r
}

// ReverseCoords returns the tuples of a flat coordinate array in reverse
// order.
func ReverseCoords(coords []float64, dim int) []float64 {
	out := make([]float64, len(coords))
	n := len(coords) / dim
	for i := 0; i < n; i++ {
		copy(out[(n-1-i)*dim:(n-i)*dim], coords[i*dim:(i+1)*dim])
	}
	return out
}

// NumPoints returns the number of coordinate tuples over all elements.
func (o *Object) NumPoints() int {
	n := 0
	for _, e := range o.elements {
		n += len(e) / o.dim
	}
	return n
}

// Envelope returns the axis-aligned bounding box of o.
func (o *Object) Envelope() *Object {
	if o.kind == Envelope {
		return o
	}
	var mp orb.MultiPoint
	minZ, maxZ := math.Inf(1), math.Inf(-1)
	for _, e := range o.elements {
		for i := 0; i < len(e); i += o.dim {
			mp = append(mp, orb.Point{e[i], e[i+1]})
			if o.dim == 3 {
				minZ = math.Min(minZ, e[i+2])
				maxZ = math.Max(maxZ, e[i+2])
			}
		}
	}
	b := mp.Bound()
	lower := []float64{b.Min[0], b.Min[1]}
	upper := []float64{b.Max[0], b.Max[1]}
	if o.dim == 3 {
		lower = append(lower, minZ)
		upper = append(upper, maxZ)
	}
	env, _ := NewEnvelope(lower, upper, o.dim, o.srid)
	return env
}

// Union returns the envelope covering both a and b. Either may be nil.
func Union(a, b *Object) *Object {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	ea, eb := a.Envelope(), b.Envelope()
	dim := ea.dim
	if eb.dim < dim {
		dim = eb.dim
	}
	ca, cb := ea.elements[0], eb.elements[0]
	lower := make([]float64, dim)
	upper := make([]float64, dim)
	for i := 0; i < dim; i++ {
		lower[i] = math.Min(ca[i], cb[i])
		upper[i] = math.Max(ca[ea.dim+i], cb[eb.dim+i])
	}
	env, _ := NewEnvelope(lower, upper, dim, ea.srid)
	return env
}
