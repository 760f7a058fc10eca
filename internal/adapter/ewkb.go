package adapter

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/ewkb"

	"github.com/gebin/importer-exporter/internal/geometry"
)

// ewkbConverter stores geometries as little-endian EWKB. Both dialects use
// it: SQLite keeps the bytes in a BLOB column, PostGIS parses them with
// ST_GeomFromEWKB and hands them back through ST_AsEWKB.
type ewkbConverter struct {
	nullType     int
	nullTypeName string
}

func (c ewkbConverter) NullGeometryType() int        { return c.nullType }
func (c ewkbConverter) NullGeometryTypeName() string { return c.nullTypeName }

func (c ewkbConverter) ToNative(obj *geometry.Object) (any, error) {
	if obj == nil {
		return nil, nil
	}
	g, err := toGeom(obj)
	if err != nil {
		return nil, err
	}
	b, err := ewkb.Marshal(g, binary.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode ewkb: %w", err)
	}
	return b, nil
}

func (c ewkbConverter) ToGeneric(native any) (*geometry.Object, error) {
	g, err := unmarshal(native)
	if err != nil || g == nil {
		return nil, err
	}
	return fromGeom(g)
}

func (c ewkbConverter) ToEnvelope(native any) (*geometry.Object, error) {
	g, err := unmarshal(native)
	if err != nil || g == nil {
		return nil, err
	}
	b := g.Bounds()
	stride := g.Layout().Stride()
	if stride > 3 {
		stride = 3
	}
	lower := make([]float64, stride)
	upper := make([]float64, stride)
	for i := 0; i < stride; i++ {
		lower[i] = b.Min(i)
		upper[i] = b.Max(i)
	}
	return geometry.NewEnvelope(lower, upper, stride, g.SRID())
}

func (c ewkbConverter) ToPoint(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.Point)
}

func (c ewkbConverter) ToMultiPoint(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.MultiPoint)
}

func (c ewkbConverter) ToCurve(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.Curve)
}

func (c ewkbConverter) ToMultiCurve(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.MultiCurve)
}

func (c ewkbConverter) ToPolygon(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.Polygon)
}

func (c ewkbConverter) ToMultiPolygon(native any) (*geometry.Object, error) {
	return c.expect(native, geometry.MultiPolygon)
}

func (c ewkbConverter) expect(native any, kind geometry.Kind) (*geometry.Object, error) {
	obj, err := c.ToGeneric(native)
	if err != nil || obj == nil {
		return nil, err
	}
	if obj.Kind() != kind {
		return nil, fmt.Errorf("expected %s, got %s", kind, obj.Kind())
	}
	return obj, nil
}

func unmarshal(native any) (geom.T, error) {
	var data []byte
	switch v := native.(type) {
	case nil:
		return nil, nil
	case []byte:
		data = v
	case string:
		// some drivers return bytea as hex text
		b, err := hex.DecodeString(trimHexPrefix(v))
		if err != nil {
			return nil, fmt.Errorf("decode hex geometry: %w", err)
		}
		data = b
	default:
		return nil, fmt.Errorf("unsupported native geometry %T", native)
	}
	if len(data) == 0 {
		return nil, nil
	}
	g, err := ewkb.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("decode ewkb: %w", err)
	}
	return g, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '\\' && s[1] == 'x' {
		return s[2:]
	}
	return s
}

func layoutFor(dim int) geom.Layout {
	if dim == 2 {
		return geom.XY
	}
	return geom.XYZ
}

func toGeom(obj *geometry.Object) (geom.T, error) {
	layout := layoutFor(obj.Dimension())
	var (
		flat []float64
		ends []int
	)
	for i := 0; i < obj.NumElements(); i++ {
		flat = append(flat, obj.Element(i)...)
		ends = append(ends, len(flat))
	}

	srid := obj.SRID()
	switch obj.Kind() {
	case geometry.Point:
		return geom.NewPointFlat(layout, flat).SetSRID(srid), nil
	case geometry.MultiPoint:
		return geom.NewMultiPointFlat(layout, flat).SetSRID(srid), nil
	case geometry.Curve:
		return geom.NewLineStringFlat(layout, flat).SetSRID(srid), nil
	case geometry.MultiCurve:
		return geom.NewMultiLineStringFlat(layout, flat, ends).SetSRID(srid), nil
	case geometry.Polygon:
		return geom.NewPolygonFlat(layout, flat, ends).SetSRID(srid), nil
	case geometry.MultiPolygon:
		var endss [][]int
		for i, end := range ends {
			if obj.IsExterior(i) {
				endss = append(endss, nil)
			}
			endss[len(endss)-1] = append(endss[len(endss)-1], end)
		}
		return geom.NewMultiPolygonFlat(layout, flat, endss).SetSRID(srid), nil
	case geometry.Envelope:
		// stored as the diagonal from lower to upper corner
		return geom.NewLineStringFlat(layout, flat).SetSRID(srid), nil
	}
	return nil, fmt.Errorf("unsupported geometry kind %s", obj.Kind())
}

func fromGeom(g geom.T) (*geometry.Object, error) {
	stride := g.Layout().Stride()
	if stride != 2 && stride != 3 {
		return nil, fmt.Errorf("unsupported layout %v", g.Layout())
	}
	flat := g.FlatCoords()
	split := func(ends []int) [][]float64 {
		out := make([][]float64, 0, len(ends))
		start := 0
		for _, end := range ends {
			out = append(out, flat[start:end])
			start = end
		}
		return out
	}

	switch t := g.(type) {
	case *geom.Point:
		return geometry.NewPoint(flat, stride, t.SRID())
	case *geom.MultiPoint:
		pts := make([][]float64, 0, t.NumPoints())
		for i := 0; i+stride <= len(flat); i += stride {
			pts = append(pts, flat[i:i+stride])
		}
		return geometry.NewMultiPoint(pts, stride, t.SRID())
	case *geom.LineString:
		return geometry.NewCurve(flat, stride, t.SRID())
	case *geom.MultiLineString:
		return geometry.NewMultiCurve(split(t.Ends()), stride, t.SRID())
	case *geom.Polygon:
		return geometry.NewPolygon(split(t.Ends()), stride, t.SRID())
	case *geom.MultiPolygon:
		var (
			rings    [][]float64
			exterior []bool
			start    int
		)
		for _, ends := range t.Endss() {
			for i, end := range ends {
				rings = append(rings, flat[start:end])
				exterior = append(exterior, i == 0)
				start = end
			}
		}
		return geometry.NewMultiPolygon(rings, exterior, stride, t.SRID())
	}
	return nil, fmt.Errorf("unsupported geometry type %T", g)
}
