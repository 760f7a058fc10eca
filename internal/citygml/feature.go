package citygml

import "github.com/gebin/importer-exporter/api"

// MaxLOD is the highest level of detail carried by feature geometry slots.
const MaxLOD = 4

// Feature is implemented by every city object type.
type Feature interface {
	Base() *CityObject
	Class() api.Class
}

// CityObject holds the attributes shared by all features.
type CityObject struct {
	GmlID       string
	Name        string
	Description string
	Appearances []*Appearance
}

func (c *CityObject) Base() *CityObject { return c }

// Building carries LOD1-4 multi surfaces and solids.
type Building struct {
	CityObject
	Classifier      string
	Function        string
	LodMultiSurface [MaxLOD + 1]*Property
	LodSolid        [MaxLOD + 1]*Property
}

func (*Building) Class() api.Class { return api.ClassBuilding }

// CityFurniture carries explicit LOD1-4 geometry and implicit
// representations.
type CityFurniture struct {
	CityObject
	Classifier  string
	Function    string
	LodGeometry [MaxLOD + 1]*Property
	LodImplicit [MaxLOD + 1]*ImplicitRepresentation
}

func (*CityFurniture) Class() api.Class { return api.ClassCityFurniture }

// ImplicitRepresentation places a shared prototype geometry. Href is set
// when the prototype is defined elsewhere in the document.
type ImplicitRepresentation struct {
	Href                 string
	Geometry             *ImplicitGeometry
	TransformationMatrix []float64
	ReferencePoint       []float64
}

// ImplicitGeometry is a prototype shape, given either as a relative GML
// geometry or as a reference to a library object file.
type ImplicitGeometry struct {
	GmlID            string
	MimeType         string
	LibraryObject    string
	RelativeGeometry *Property
}

// CityObjectGroup aggregates other city objects.
type CityObjectGroup struct {
	CityObject
	Classifier string
	Function   string
	Members    []*GroupMember
	Parent     string
}

func (*CityObjectGroup) Class() api.Class { return api.ClassCityObjectGroup }

// GroupMember is a member reference or an inline member feature.
type GroupMember struct {
	Href    string
	Feature Feature
	Role    string
}

// Appearance groups surface data by theme.
type Appearance struct {
	GmlID       string
	Theme       string
	SurfaceData []*SurfaceDataProperty
}

// SurfaceDataProperty is inline surface data or a reference to it.
type SurfaceDataProperty struct {
	Href string
	Data SurfaceData
}

// SurfaceData is an X3DMaterial or a ParameterizedTexture.
type SurfaceData interface {
	ID() string
	Class() api.Class
}

// X3DMaterial is a constant material applied to its targets.
type X3DMaterial struct {
	GmlID        string
	Name         string
	IsFront      bool
	DiffuseColor []float64
	Transparency float64
	Targets      []string
}

func (m *X3DMaterial) ID() string     { return m.GmlID }
func (*X3DMaterial) Class() api.Class { return api.ClassX3DMaterial }

// ParameterizedTexture maps an image onto its targets.
type ParameterizedTexture struct {
	GmlID    string
	Name     string
	IsFront  bool
	ImageURI string
	MimeType string
	Targets  []*TextureTarget
}

func (t *ParameterizedTexture) ID() string     { return t.GmlID }
func (*ParameterizedTexture) Class() api.Class { return api.ClassParameterizedTexture }

// TextureTarget binds a texture to the surface named by URI. The binding is
// either a world-to-texture matrix, a list of texture coordinates per ring,
// or a reference (Href) to a parameterization defined by another target.
type TextureTarget struct {
	URI            string
	GmlID          string
	Href           string
	WorldToTexture []float64
	TexCoords      []*TexCoordList
}

// TexCoordList holds the texture coordinates of one ring.
type TexCoordList struct {
	Ring   string
	Coords []float64
}

// Document is a decoded input or output document.
type Document struct {
	Features    []Feature
	Appearances []*Appearance
}
