// Package citygml holds the in-memory CityGML object model the importers
// consume and the exporters produce, together with its JSON rendition.
package citygml

import (
	"errors"
	"strings"
)

// ErrUnsupported is returned for document content the model cannot carry.
var ErrUnsupported = errors.New("citygml: unsupported content")

// Kind enumerates the geometry types of the model.
type Kind int

const (
	KindUnsupported Kind = iota
	KindLinearRing
	KindPolygon
	KindOrientableSurface
	KindTexturedSurface
	KindCompositeSurface
	KindSurface
	KindTriangulatedSurface
	KindTin
	KindSolid
	KindCompositeSolid
	KindMultiPolygon
	KindMultiSurface
	KindMultiSolid
	KindGeometricComplex
)

var kindNames = [...]string{
	KindUnsupported:         "Unsupported",
	KindLinearRing:          "LinearRing",
	KindPolygon:             "Polygon",
	KindOrientableSurface:   "OrientableSurface",
	KindTexturedSurface:     "TexturedSurface",
	KindCompositeSurface:    "CompositeSurface",
	KindSurface:             "Surface",
	KindTriangulatedSurface: "TriangulatedSurface",
	KindTin:                 "Tin",
	KindSolid:               "Solid",
	KindCompositeSolid:      "CompositeSolid",
	KindMultiPolygon:        "MultiPolygon",
	KindMultiSurface:        "MultiSurface",
	KindMultiSolid:          "MultiSolid",
	KindGeometricComplex:    "GeometricComplex",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return kindNames[KindUnsupported]
}

// IsSurface reports whether k can stand where a gml:_Surface is expected.
func (k Kind) IsSurface() bool {
	switch k {
	case KindPolygon, KindOrientableSurface, KindTexturedSurface, KindCompositeSurface,
		KindSurface, KindTriangulatedSurface, KindTin:
		return true
	}
	return false
}

// IsSolid reports whether k can stand where a gml:_Solid is expected.
func (k Kind) IsSolid() bool {
	return k == KindSolid || k == KindCompositeSolid
}

// Geometry is the closed set of geometry nodes. Only types of this package
// implement it.
type Geometry interface {
	Kind() Kind
	ID() string
	SetID(id string)
	isGeometry()
}

// GmlID carries the optional gml:id of a geometry node.
type GmlID struct {
	Value string
}

func (g *GmlID) ID() string      { return g.Value }
func (g *GmlID) SetID(id string) { g.Value = id }
func (*GmlID) isGeometry()       {}

// Property is a geometry property: either an inline object or a reference
// to a geometry elsewhere (href "#id").
type Property struct {
	Object Geometry
	Href   string
}

// Inline returns a property holding g.
func Inline(g Geometry) *Property { return &Property{Object: g} }

// Ref returns a property referencing the geometry with the given href.
func Ref(href string) *Property { return &Property{Href: href} }

// IsRemote reports whether p references a geometry instead of holding one.
func (p *Property) IsRemote() bool {
	return p != nil && p.Object == nil && p.Href != ""
}

// IsEmpty reports whether p neither holds nor references anything.
func (p *Property) IsEmpty() bool {
	return p == nil || (p.Object == nil && p.Href == "")
}

// TargetID strips the fragment marker of an href.
func TargetID(href string) string {
	return strings.TrimPrefix(strings.TrimSpace(href), "#")
}

// LinearRing is a closed line string given as flat 3D coordinates.
type LinearRing struct {
	GmlID
	Coords []float64
}

func (*LinearRing) Kind() Kind { return KindLinearRing }

// Polygon is a planar surface with one exterior and optional interior rings.
type Polygon struct {
	GmlID
	Exterior *LinearRing
	Interior []*LinearRing
}

func (*Polygon) Kind() Kind { return KindPolygon }

// OrientableSurface re-orients its base surface when Negative is set.
type OrientableSurface struct {
	GmlID
	Negative    bool
	BaseSurface *Property
}

func (*OrientableSurface) Kind() Kind { return KindOrientableSurface }

// TexturedSurface is the deprecated appearance model: an orientable surface
// carrying its own materials and textures.
type TexturedSurface struct {
	GmlID
	Negative    bool
	BaseSurface *Property
	Appearances []*AppearanceProperty
}

func (*TexturedSurface) Kind() Kind { return KindTexturedSurface }

// AppearanceProperty attaches a surface data object to a TexturedSurface,
// inline or by reference.
type AppearanceProperty struct {
	Negative bool
	Href     string
	Data     SurfaceData
}

// CompositeSurface is a connected aggregate of surfaces.
type CompositeSurface struct {
	GmlID
	Members []*Property
}

func (*CompositeSurface) Kind() Kind { return KindCompositeSurface }

// Surface is a surface made of planar patches.
type Surface struct {
	GmlID
	Patches []*Patch
}

func (*Surface) Kind() Kind { return KindSurface }

// PatchType distinguishes the patch kinds of a Surface.
type PatchType int

const (
	PatchTriangle PatchType = iota
	PatchRectangle
)

func (t PatchType) String() string {
	if t == PatchRectangle {
		return "Rectangle"
	}
	return "Triangle"
}

// Patch is a Triangle or Rectangle given by its exterior ring.
type Patch struct {
	Type     PatchType
	Exterior *LinearRing
}

// TriangulatedSurface is a surface of triangle patches. Tin marks a gml:Tin.
type TriangulatedSurface struct {
	GmlID
	Tin       bool
	Triangles []*Patch
}

func (t *TriangulatedSurface) Kind() Kind {
	if t.Tin {
		return KindTin
	}
	return KindTriangulatedSurface
}

// Solid is bounded by an exterior shell and optional interior shells.
type Solid struct {
	GmlID
	Exterior *Property
	Interior []*Property
}

func (*Solid) Kind() Kind { return KindSolid }

// CompositeSolid is a connected aggregate of solids.
type CompositeSolid struct {
	GmlID
	Members []*Property
}

func (*CompositeSolid) Kind() Kind { return KindCompositeSolid }

// MultiPolygon is an unconnected aggregate of polygons.
type MultiPolygon struct {
	GmlID
	Members []*Property
}

func (*MultiPolygon) Kind() Kind { return KindMultiPolygon }

// MultiSurface is an unconnected aggregate of surfaces.
type MultiSurface struct {
	GmlID
	Members []*Property
}

func (*MultiSurface) Kind() Kind { return KindMultiSurface }

// MultiSolid is an unconnected aggregate of solids.
type MultiSolid struct {
	GmlID
	Members []*Property
}

func (*MultiSolid) Kind() Kind { return KindMultiSolid }

// GeometricComplex groups arbitrary geometries.
type GeometricComplex struct {
	GmlID
	Elements []*Property
}

func (*GeometricComplex) Kind() Kind { return KindGeometricComplex }

// Unsupported stands in for a geometry type the model cannot carry, such
// as points and curves.
type Unsupported struct {
	GmlID
	Type string
}

func (*Unsupported) Kind() Kind { return KindUnsupported }

// Signature renders a geometry for diagnostics, e.g. "Polygon 'p1'".
func Signature(g Geometry) string {
	if g == nil {
		return "geometry"
	}
	name := g.Kind().String()
	if u, ok := g.(*Unsupported); ok && u.Type != "" {
		name = u.Type
	}
	if g.ID() == "" {
		return name
	}
	return name + " '" + g.ID() + "'"
}
