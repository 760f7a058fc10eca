// Package xlink records references that cannot be resolved while a feature
// is imported and resolves them once the whole document has been written.
//
// Importer workers hand items to a worker pool whose workers write them to
// one temporary table per kind. After the import, each kind is read back
// and resolved in a fixed order, exactly once.
package xlink

// Kind enumerates the xlink kinds.
type Kind int

const (
	KindSurfaceGeometry Kind = iota
	KindLinearRing
	KindBasic
	KindTextureParam
	KindTextureAssociation
	KindDeprecatedMaterial
	KindGroupToCityObject
	KindTextureFile
	KindLibraryObject
)

var kindNames = [...]string{
	KindSurfaceGeometry:    "SurfaceGeometry",
	KindLinearRing:         "LinearRing",
	KindBasic:              "Basic",
	KindTextureParam:       "TextureParam",
	KindTextureAssociation: "TextureAssociation",
	KindDeprecatedMaterial: "DeprecatedMaterial",
	KindGroupToCityObject:  "GroupToCityObject",
	KindTextureFile:        "TextureFile",
	KindLibraryObject:      "LibraryObject",
}

func (k Kind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "Unknown"
}

// ResolveOrder is the order in which kinds are resolved. Geometry copies
// come first so that later kinds can reference the copied rows; texture
// associations duplicate TEXTURE_PARAM rows and therefore follow
// TextureParam.
var ResolveOrder = []Kind{
	KindSurfaceGeometry,
	KindLinearRing,
	KindBasic,
	KindTextureParam,
	KindTextureAssociation,
	KindDeprecatedMaterial,
	KindGroupToCityObject,
	KindTextureFile,
	KindLibraryObject,
}

// Item is a deferred reference.
type Item interface {
	Kind() Kind
}

// SurfaceGeometry asks for the geometry named by Href to be copied below
// ParentID in the tree RootID.
type SurfaceGeometry struct {
	ParentID int64
	RootID   int64
	Reverse  bool
	Href     string
}

// LinearRing registers a ring that has no row of its own: ring RingNo of
// the polygon row SurfaceGeometryID. It is consulted when texture
// coordinates reference the ring.
type LinearRing struct {
	GmlID             string
	SurfaceGeometryID int64
	RingNo            int
	Reverse           bool
}

// Basic sets column Attr of row ID in FromTable to the id of the object
// named by Href, looked up in ToTable's id space.
type Basic struct {
	ID        int64
	FromTable string
	Attr      string
	Href      string
	ToTable   string
}

// TextureParam links surface data to a geometry named by Target. Texture
// coordinates are given per ring; Rings and TexCoords are parallel.
type TextureParam struct {
	SurfaceDataID     int64
	Target            string
	IsParametrization bool
	WorldToTexture    []float64
	Rings             []string
	TexCoords         [][]float64
}

// TextureAssociation either registers a texture target under GmlID, or,
// with Href set, reuses the parameterization registered under Href for
// SurfaceDataID.
type TextureAssociation struct {
	SurfaceDataID int64
	GmlID         string
	Target        string
	Href          string
}

// IsReference reports whether a is a reference rather than a registration.
func (a *TextureAssociation) IsReference() bool { return a.Href != "" }

// DeprecatedMaterial links the surface data named by Href to a geometry
// of the deprecated TexturedSurface model.
type DeprecatedMaterial struct {
	SurfaceGeometryID int64
	Href              string
}

// GroupToCityObject adds the city object named by Href to group GroupID,
// or sets it as the group's parent.
type GroupToCityObject struct {
	GroupID  int64
	Href     string
	IsParent bool
	Role     string
}

// TextureFile loads the image at URI into SURFACE_DATA row SurfaceDataID.
type TextureFile struct {
	SurfaceDataID int64
	URI           string
}

// LibraryObject loads the file at URI into IMPLICIT_GEOMETRY row
// ImplicitGeometryID.
type LibraryObject struct {
	ImplicitGeometryID int64
	URI                string
}

func (*SurfaceGeometry) Kind() Kind    { return KindSurfaceGeometry }
func (*LinearRing) Kind() Kind         { return KindLinearRing }
func (*Basic) Kind() Kind              { return KindBasic }
func (*TextureParam) Kind() Kind       { return KindTextureParam }
func (*TextureAssociation) Kind() Kind { return KindTextureAssociation }
func (*DeprecatedMaterial) Kind() Kind { return KindDeprecatedMaterial }
func (*GroupToCityObject) Kind() Kind  { return KindGroupToCityObject }
func (*TextureFile) Kind() Kind        { return KindTextureFile }
func (*LibraryObject) Kind() Kind      { return KindLibraryObject }
