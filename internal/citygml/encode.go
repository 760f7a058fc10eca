package citygml

import (
	"fmt"
	"io"

	"github.com/ohler55/ojg"
	"github.com/ohler55/ojg/oj"
)

// WriteDocument writes encoded features and appearances as one JSON
// document. Features are written in the given order.
func WriteDocument(w io.Writer, features []map[string]any, appearances []map[string]any) error {
	objs := make([]any, len(features))
	for i, f := range features {
		objs[i] = f
	}
	doc := map[string]any{"cityObjects": objs}
	if len(appearances) > 0 {
		apps := make([]any, len(appearances))
		for i, a := range appearances {
			apps[i] = a
		}
		doc["appearances"] = apps
	}
	if err := oj.Write(w, doc, &ojg.Options{Indent: 2, Sort: true}); err != nil {
		return fmt.Errorf("write document: %w", err)
	}
	return nil
}

// EncodeProperty renders an inline geometry or an href reference.
func EncodeProperty(p *Property) map[string]any {
	if p == nil {
		return nil
	}
	if p.Object == nil {
		return map[string]any{"href": p.Href}
	}
	return EncodeGeometry(p.Object)
}

func encodeProperties(ps []*Property) []any {
	out := make([]any, 0, len(ps))
	for _, p := range ps {
		if e := EncodeProperty(p); e != nil {
			out = append(out, e)
		}
	}
	return out
}

// EncodeGeometry renders one geometry node and its children.
func EncodeGeometry(g Geometry) map[string]any {
	m := map[string]any{"type": g.Kind().String()}
	if g.ID() != "" {
		m["id"] = g.ID()
	}
	switch v := g.(type) {
	case *LinearRing:
		m["posList"] = floatList(v.Coords)
	case *Polygon:
		if v.Exterior != nil {
			m["exterior"] = encodeRing(v.Exterior)
		}
		if len(v.Interior) > 0 {
			rings := make([]any, len(v.Interior))
			for i, r := range v.Interior {
				rings[i] = encodeRing(r)
			}
			m["interior"] = rings
		}
	case *OrientableSurface:
		m["orientation"] = orientation(v.Negative)
		m["baseSurface"] = EncodeProperty(v.BaseSurface)
	case *TexturedSurface:
		m["orientation"] = orientation(v.Negative)
		m["baseSurface"] = EncodeProperty(v.BaseSurface)
		apps := make([]any, 0, len(v.Appearances))
		for _, a := range v.Appearances {
			am := map[string]any{"orientation": orientation(a.Negative)}
			if a.Data != nil {
				am["surfaceData"] = EncodeSurfaceData(a.Data)
			} else {
				am["href"] = a.Href
			}
			apps = append(apps, am)
		}
		m["appearances"] = apps
	case *CompositeSurface:
		m["members"] = encodeProperties(v.Members)
	case *Surface:
		m["patches"] = encodePatches(v.Patches)
	case *TriangulatedSurface:
		m["patches"] = encodePatches(v.Triangles)
	case *Solid:
		if v.Exterior != nil {
			m["exterior"] = EncodeProperty(v.Exterior)
		}
		if len(v.Interior) > 0 {
			m["interior"] = encodeProperties(v.Interior)
		}
	case *CompositeSolid:
		m["members"] = encodeProperties(v.Members)
	case *MultiPolygon:
		m["members"] = encodeProperties(v.Members)
	case *MultiSurface:
		m["members"] = encodeProperties(v.Members)
	case *MultiSolid:
		m["members"] = encodeProperties(v.Members)
	case *GeometricComplex:
		m["elements"] = encodeProperties(v.Elements)
	case *Unsupported:
		m["type"] = v.Type
	}
	return m
}

func encodePatches(ps []*Patch) []any {
	out := make([]any, 0, len(ps))
	for _, p := range ps {
		if p.Exterior == nil {
			continue
		}
		out = append(out, map[string]any{
			"type":     p.Type.String(),
			"exterior": encodeRing(p.Exterior),
		})
	}
	return out
}

func encodeRing(r *LinearRing) map[string]any {
	m := map[string]any{"posList": floatList(r.Coords)}
	if r.ID() != "" {
		m["id"] = r.ID()
	}
	return m
}

// EncodeFeature renders the attributes shared by all features plus the
// type-specific ones. Geometry slots and group members are passed already
// encoded, keyed by their document name ("lod2Solid", "members").
func EncodeFeature(f Feature, slots map[string]any) map[string]any {
	c := f.Base()
	m := map[string]any{"type": f.Class().String(), "id": c.GmlID}
	if c.Name != "" {
		m["name"] = c.Name
	}
	if c.Description != "" {
		m["description"] = c.Description
	}
	if len(c.Appearances) > 0 {
		apps := make([]any, len(c.Appearances))
		for i, a := range c.Appearances {
			apps[i] = EncodeAppearance(a)
		}
		m["appearances"] = apps
	}
	switch v := f.(type) {
	case *Building:
		putString(m, "class", v.Classifier)
		putString(m, "function", v.Function)
	case *CityFurniture:
		putString(m, "class", v.Classifier)
		putString(m, "function", v.Function)
	case *CityObjectGroup:
		putString(m, "class", v.Classifier)
		putString(m, "function", v.Function)
		if v.Parent != "" {
			m["parent"] = map[string]any{"href": v.Parent}
		}
	}
	for k, v := range slots {
		m[k] = v
	}
	return m
}

// EncodeImplicitRepresentation renders an implicit representation with an
// already encoded relative geometry.
func EncodeImplicitRepresentation(rep *ImplicitRepresentation, relative map[string]any) map[string]any {
	m := map[string]any{}
	if len(rep.TransformationMatrix) > 0 {
		m["transformationMatrix"] = floatList(rep.TransformationMatrix)
	}
	if len(rep.ReferencePoint) > 0 {
		m["referencePoint"] = floatList(rep.ReferencePoint)
	}
	if rep.Geometry == nil {
		m["href"] = rep.Href
		return m
	}
	ig := rep.Geometry
	putString(m, "id", ig.GmlID)
	putString(m, "mimeType", ig.MimeType)
	putString(m, "libraryObject", ig.LibraryObject)
	if relative != nil {
		m["relativeGeometry"] = relative
	}
	return m
}

// EncodeAppearance renders an appearance and its surface data.
func EncodeAppearance(a *Appearance) map[string]any {
	m := map[string]any{}
	putString(m, "id", a.GmlID)
	putString(m, "theme", a.Theme)
	data := make([]any, 0, len(a.SurfaceData))
	for _, sp := range a.SurfaceData {
		if sp.Data == nil {
			data = append(data, map[string]any{"href": sp.Href})
			continue
		}
		data = append(data, EncodeSurfaceData(sp.Data))
	}
	m["surfaceData"] = data
	return m
}

// EncodeSurfaceData renders an X3DMaterial or ParameterizedTexture.
func EncodeSurfaceData(sd SurfaceData) map[string]any {
	m := map[string]any{"type": sd.Class().String()}
	putString(m, "id", sd.ID())
	switch v := sd.(type) {
	case *X3DMaterial:
		putString(m, "name", v.Name)
		m["isFront"] = v.IsFront
		if len(v.DiffuseColor) > 0 {
			m["diffuseColor"] = floatList(v.DiffuseColor)
		}
		if v.Transparency != 0 {
			m["transparency"] = v.Transparency
		}
		targets := make([]any, len(v.Targets))
		for i, t := range v.Targets {
			targets[i] = t
		}
		m["targets"] = targets
	case *ParameterizedTexture:
		putString(m, "name", v.Name)
		m["isFront"] = v.IsFront
		putString(m, "imageURI", v.ImageURI)
		putString(m, "mimeType", v.MimeType)
		targets := make([]any, 0, len(v.Targets))
		for _, t := range v.Targets {
			tm := map[string]any{"uri": t.URI}
			putString(tm, "id", t.GmlID)
			putString(tm, "href", t.Href)
			if len(t.WorldToTexture) > 0 {
				tm["worldToTexture"] = floatList(t.WorldToTexture)
			}
			if len(t.TexCoords) > 0 {
				lists := make([]any, len(t.TexCoords))
				for i, tc := range t.TexCoords {
					lists[i] = map[string]any{"ring": tc.Ring, "coords": floatList(tc.Coords)}
				}
				tm["texCoords"] = lists
			}
			targets = append(targets, tm)
		}
		m["targets"] = targets
	}
	return m
}

func orientation(negative bool) string {
	if negative {
		return "-"
	}
	return "+"
}

func putString(m map[string]any, key, v string) {
	if v != "" {
		m[key] = v
	}
}

func floatList(fs []float64) []any {
	out := make([]any, len(fs))
	for i, f := range fs {
		out[i] = f
	}
	return out
}
