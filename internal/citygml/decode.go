package citygml

import (
	"fmt"
	"io"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/gebin/importer-exporter/api"
)

// DefaultFeaturePath selects the top-level city objects of a document.
const DefaultFeaturePath = "$.cityObjects[*]"

const appearancePath = "$.appearances[*]"

// ReadDocument parses a JSON document and decodes the features selected by
// featurePath plus the global appearances. A feature that fails to decode is
// passed to skip and left out; skip may be nil.
func ReadDocument(r io.Reader, featurePath string, skip func(index int, err error)) (*Document, error) {
	root, err := oj.Load(r)
	if err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if featurePath == "" {
		featurePath = DefaultFeaturePath
	}
	x, err := jp.ParseString(featurePath)
	if err != nil {
		return nil, fmt.Errorf("invalid jsonpath '%s': %w", featurePath, err)
	}

	doc := &Document{}
	for i, v := range x.Get(root) {
		f, err := DecodeFeature(v)
		if err != nil {
			if skip != nil {
				skip(i, err)
			}
			continue
		}
		doc.Features = append(doc.Features, f)
	}

	for _, v := range jp.MustParseString(appearancePath).Get(root) {
		a, err := decodeAppearance(v)
		if err != nil {
			return nil, fmt.Errorf("global appearance: %w", err)
		}
		doc.Appearances = append(doc.Appearances, a)
	}
	return doc, nil
}

// DecodeFeature decodes one city object.
func DecodeFeature(v any) (Feature, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("feature: expected object, got %T", v)
	}
	typ := str(m, "type")
	var (
		f   Feature
		err error
	)
	switch api.ParseClass(typ) {
	case api.ClassBuilding:
		f, err = decodeBuilding(m)
	case api.ClassCityFurniture:
		f, err = decodeCityFurniture(m)
	case api.ClassCityObjectGroup:
		f, err = decodeGroup(m)
	default:
		return nil, fmt.Errorf("feature type %q: %w", typ, ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("%s '%s': %w", typ, str(m, "id"), err)
	}
	return f, nil
}

func decodeCityObject(m map[string]any, c *CityObject) error {
	c.GmlID = str(m, "id")
	c.Name = str(m, "name")
	c.Description = str(m, "description")
	for _, v := range list(m, "appearances") {
		a, err := decodeAppearance(v)
		if err != nil {
			return err
		}
		c.Appearances = append(c.Appearances, a)
	}
	return nil
}

func decodeBuilding(m map[string]any) (*Building, error) {
	b := &Building{Classifier: str(m, "class"), Function: str(m, "function")}
	if err := decodeCityObject(m, &b.CityObject); err != nil {
		return nil, err
	}
	for lod := 1; lod <= MaxLOD; lod++ {
		var err error
		if b.LodMultiSurface[lod], err = optionalProperty(m, fmt.Sprintf("lod%dMultiSurface", lod)); err != nil {
			return nil, err
		}
		if b.LodSolid[lod], err = optionalProperty(m, fmt.Sprintf("lod%dSolid", lod)); err != nil {
			return nil, err
		}
	}
	return b, nil
}

func decodeCityFurniture(m map[string]any) (*CityFurniture, error) {
	cf := &CityFurniture{Classifier: str(m, "class"), Function: str(m, "function")}
	if err := decodeCityObject(m, &cf.CityObject); err != nil {
		return nil, err
	}
	for lod := 1; lod <= MaxLOD; lod++ {
		var err error
		if cf.LodGeometry[lod], err = optionalProperty(m, fmt.Sprintf("lod%dGeometry", lod)); err != nil {
			return nil, err
		}
		if v, ok := m[fmt.Sprintf("lod%dImplicitRepresentation", lod)]; ok {
			if cf.LodImplicit[lod], err = decodeImplicitRepresentation(v); err != nil {
				return nil, err
			}
		}
	}
	return cf, nil
}

func decodeImplicitRepresentation(v any) (*ImplicitRepresentation, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("implicit representation: expected object, got %T", v)
	}
	rep := &ImplicitRepresentation{Href: str(m, "href")}
	var err error
	if rep.TransformationMatrix, err = floats(m["transformationMatrix"]); err != nil {
		return nil, fmt.Errorf("transformationMatrix: %w", err)
	}
	if rep.ReferencePoint, err = floats(m["referencePoint"]); err != nil {
		return nil, fmt.Errorf("referencePoint: %w", err)
	}
	if rep.Href != "" {
		return rep, nil
	}
	ig := &ImplicitGeometry{
		GmlID:         str(m, "id"),
		MimeType:      str(m, "mimeType"),
		LibraryObject: str(m, "libraryObject"),
	}
	if ig.RelativeGeometry, err = optionalProperty(m, "relativeGeometry"); err != nil {
		return nil, err
	}
	rep.Geometry = ig
	return rep, nil
}

func decodeGroup(m map[string]any) (*CityObjectGroup, error) {
	g := &CityObjectGroup{Classifier: str(m, "class"), Function: str(m, "function")}
	if err := decodeCityObject(m, &g.CityObject); err != nil {
		return nil, err
	}
	if p, ok := m["parent"].(map[string]any); ok {
		g.Parent = str(p, "href")
	}
	for _, v := range list(m, "members") {
		mm, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("group member: expected object, got %T", v)
		}
		member := &GroupMember{Href: str(mm, "href"), Role: str(mm, "role")}
		if fv, ok := mm["feature"]; ok {
			f, err := DecodeFeature(fv)
			if err != nil {
				return nil, fmt.Errorf("group member: %w", err)
			}
			member.Feature = f
		}
		g.Members = append(g.Members, member)
	}
	return g, nil
}

func decodeAppearance(v any) (*Appearance, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("appearance: expected object, got %T", v)
	}
	a := &Appearance{GmlID: str(m, "id"), Theme: str(m, "theme")}
	for _, sv := range list(m, "surfaceData") {
		sm, ok := sv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("surface data: expected object, got %T", sv)
		}
		if href := str(sm, "href"); href != "" && str(sm, "type") == "" {
			a.SurfaceData = append(a.SurfaceData, &SurfaceDataProperty{Href: href})
			continue
		}
		sd, err := decodeSurfaceData(sm)
		if err != nil {
			return nil, err
		}
		a.SurfaceData = append(a.SurfaceData, &SurfaceDataProperty{Data: sd})
	}
	return a, nil
}

func decodeSurfaceData(m map[string]any) (SurfaceData, error) {
	switch typ := str(m, "type"); api.ParseClass(typ) {
	case api.ClassX3DMaterial:
		mat := &X3DMaterial{
			GmlID:        str(m, "id"),
			Name:         str(m, "name"),
			IsFront:      boolean(m, "isFront", true),
			Transparency: number(m, "transparency"),
		}
		var err error
		if mat.DiffuseColor, err = floats(m["diffuseColor"]); err != nil {
			return nil, fmt.Errorf("diffuseColor: %w", err)
		}
		for _, t := range list(m, "targets") {
			if s, ok := t.(string); ok {
				mat.Targets = append(mat.Targets, s)
			}
		}
		return mat, nil
	case api.ClassParameterizedTexture:
		tex := &ParameterizedTexture{
			GmlID:    str(m, "id"),
			Name:     str(m, "name"),
			IsFront:  boolean(m, "isFront", true),
			ImageURI: str(m, "imageURI"),
			MimeType: str(m, "mimeType"),
		}
		for _, tv := range list(m, "targets") {
			t, err := decodeTextureTarget(tv)
			if err != nil {
				return nil, err
			}
			tex.Targets = append(tex.Targets, t)
		}
		return tex, nil
	default:
		return nil, fmt.Errorf("surface data type %q: %w", typ, ErrUnsupported)
	}
}

func decodeTextureTarget(v any) (*TextureTarget, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("texture target: expected object, got %T", v)
	}
	t := &TextureTarget{URI: str(m, "uri"), GmlID: str(m, "id"), Href: str(m, "href")}
	var err error
	if t.WorldToTexture, err = floats(m["worldToTexture"]); err != nil {
		return nil, fmt.Errorf("worldToTexture: %w", err)
	}
	for _, cv := range list(m, "texCoords") {
		cm, ok := cv.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("texCoords: expected object, got %T", cv)
		}
		coords, err := floats(cm["coords"])
		if err != nil {
			return nil, fmt.Errorf("texCoords: %w", err)
		}
		t.TexCoords = append(t.TexCoords, &TexCoordList{Ring: str(cm, "ring"), Coords: coords})
	}
	return t, nil
}

// DecodeProperty decodes an inline geometry or an {"href": "#id"} reference.
func DecodeProperty(v any) (*Property, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("geometry property: expected object, got %T", v)
	}
	if href := str(m, "href"); href != "" && str(m, "type") == "" {
		return Ref(href), nil
	}
	g, err := DecodeGeometry(m)
	if err != nil {
		return nil, err
	}
	return Inline(g), nil
}

func optionalProperty(m map[string]any, key string) (*Property, error) {
	v, ok := m[key]
	if !ok || v == nil {
		return nil, nil
	}
	p, err := DecodeProperty(v)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", key, err)
	}
	return p, nil
}

func properties(m map[string]any, key string) ([]*Property, error) {
	var out []*Property
	for i, v := range list(m, key) {
		p, err := DecodeProperty(v)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", key, i, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// DecodeGeometry decodes one geometry node. Unknown types decode to
// *Unsupported so the importer can report them in context.
func DecodeGeometry(v any) (Geometry, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("geometry: expected object, got %T", v)
	}
	id := GmlID{Value: str(m, "id")}
	var err error
	switch typ := str(m, "type"); typ {
	case "LinearRing":
		r, err := decodeRing(m)
		if err != nil {
			return nil, err
		}
		return r, nil
	case "Polygon":
		p := &Polygon{GmlID: id}
		if ext, ok := m["exterior"]; ok {
			if p.Exterior, err = decodeRing(ext); err != nil {
				return nil, fmt.Errorf("polygon exterior: %w", err)
			}
		}
		for _, iv := range list(m, "interior") {
			r, err := decodeRing(iv)
			if err != nil {
				return nil, fmt.Errorf("polygon interior: %w", err)
			}
			p.Interior = append(p.Interior, r)
		}
		return p, nil
	case "OrientableSurface":
		o := &OrientableSurface{GmlID: id, Negative: str(m, "orientation") == "-"}
		if o.BaseSurface, err = optionalProperty(m, "baseSurface"); err != nil {
			return nil, err
		}
		return o, nil
	case "TexturedSurface":
		ts := &TexturedSurface{GmlID: id, Negative: str(m, "orientation") == "-"}
		if ts.BaseSurface, err = optionalProperty(m, "baseSurface"); err != nil {
			return nil, err
		}
		for _, av := range list(m, "appearances") {
			am, ok := av.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("textured surface appearance: expected object, got %T", av)
			}
			ap := &AppearanceProperty{Negative: str(am, "orientation") == "-", Href: str(am, "href")}
			if sd, ok := am["surfaceData"].(map[string]any); ok {
				if ap.Data, err = decodeSurfaceData(sd); err != nil {
					return nil, err
				}
			}
			ts.Appearances = append(ts.Appearances, ap)
		}
		return ts, nil
	case "CompositeSurface":
		c := &CompositeSurface{GmlID: id}
		c.Members, err = properties(m, "members")
		return c, err
	case "Surface":
		s := &Surface{GmlID: id}
		for _, pv := range list(m, "patches") {
			patch, err := decodePatch(pv)
			if err != nil {
				return nil, err
			}
			s.Patches = append(s.Patches, patch)
		}
		return s, nil
	case "TriangulatedSurface", "Tin":
		ts := &TriangulatedSurface{GmlID: id, Tin: typ == "Tin"}
		for _, pv := range list(m, "patches") {
			patch, err := decodePatch(pv)
			if err != nil {
				return nil, err
			}
			ts.Triangles = append(ts.Triangles, patch)
		}
		return ts, nil
	case "Solid":
		s := &Solid{GmlID: id}
		if s.Exterior, err = optionalProperty(m, "exterior"); err != nil {
			return nil, err
		}
		s.Interior, err = properties(m, "interior")
		return s, err
	case "CompositeSolid":
		c := &CompositeSolid{GmlID: id}
		c.Members, err = properties(m, "members")
		return c, err
	case "MultiPolygon":
		mp := &MultiPolygon{GmlID: id}
		mp.Members, err = properties(m, "members")
		return mp, err
	case "MultiSurface":
		ms := &MultiSurface{GmlID: id}
		ms.Members, err = properties(m, "members")
		return ms, err
	case "MultiSolid":
		ms := &MultiSolid{GmlID: id}
		ms.Members, err = properties(m, "members")
		return ms, err
	case "GeometricComplex":
		gc := &GeometricComplex{GmlID: id}
		gc.Elements, err = properties(m, "elements")
		return gc, err
	default:
		return &Unsupported{GmlID: id, Type: typ}, nil
	}
}

func decodePatch(v any) (*Patch, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("patch: expected object, got %T", v)
	}
	p := &Patch{Type: PatchTriangle}
	if strings.EqualFold(str(m, "type"), "Rectangle") {
		p.Type = PatchRectangle
	}
	if ext, ok := m["exterior"]; ok {
		r, err := decodeRing(ext)
		if err != nil {
			return nil, fmt.Errorf("%s exterior: %w", p.Type, err)
		}
		p.Exterior = r
	}
	return p, nil
}

func decodeRing(v any) (*LinearRing, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("ring: expected object, got %T", v)
	}
	coords, err := floats(m["posList"])
	if err != nil {
		return nil, fmt.Errorf("posList: %w", err)
	}
	return &LinearRing{GmlID: GmlID{Value: str(m, "id")}, Coords: coords}, nil
}

func str(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func list(m map[string]any, key string) []any {
	l, _ := m[key].([]any)
	return l
}

func number(m map[string]any, key string) float64 {
	f, _ := toFloat(m[key])
	return f
}

func boolean(m map[string]any, key string, def bool) bool {
	if b, ok := m[key].(bool); ok {
		return b
	}
	return def
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func floats(v any) ([]float64, error) {
	if v == nil {
		return nil, nil
	}
	l, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected number array, got %T", v)
	}
	out := make([]float64, len(l))
	for i, e := range l {
		f, ok := toFloat(e)
		if !ok {
			return nil, fmt.Errorf("element %d: expected number, got %T", i, e)
		}
		out[i] = f
	}
	return out, nil
}
