package citygml

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const buildingDoc = `{
  "cityObjects": [
    {
      "type": "Building",
      "id": "b1",
      "name": "Town hall",
      "class": "1000",
      "lod2Solid": {
        "type": "CompositeSolid",
        "id": "cs1",
        "members": [
          {
            "type": "Solid",
            "exterior": {
              "type": "CompositeSurface",
              "id": "csf1",
              "members": [
                {"type": "Polygon", "id": "p1",
                 "exterior": {"id": "r1", "posList": [0,0,0, 1,0,0, 1,1,0, 0,0,0]},
                 "interior": [{"posList": [0.2,0.2,0, 0.4,0.2,0, 0.4,0.4,0, 0.2,0.2,0]}]},
                {"type": "OrientableSurface", "orientation": "-", "baseSurface": {"href": "#p9"}}
              ]
            }
          }
        ]
      },
      "lod3MultiSurface": {"href": "#ms7"},
      "appearances": [
        {"theme": "summer", "surfaceData": [
          {"type": "X3DMaterial", "id": "m1", "diffuseColor": [1, 0.5, 0], "targets": ["#p1"]},
          {"type": "ParameterizedTexture", "imageURI": "tex/a.png",
           "targets": [{"uri": "#p1", "texCoords": [{"ring": "#r1", "coords": [0,0, 1,0, 1,1, 0,0]}]}]},
          {"href": "#m2"}
        ]}
      ]
    },
    {"type": "Bridge", "id": "x1"},
    {
      "type": "CityFurniture",
      "id": "cf1",
      "lod2ImplicitRepresentation": {
        "id": "ig1", "mimeType": "model/obj", "libraryObject": "bench.obj",
        "referencePoint": [10, 20, 0],
        "transformationMatrix": [1,0,0,0, 0,1,0,0, 0,0,1,0, 0,0,0,1]
      },
      "lod3ImplicitRepresentation": {"href": "#ig1", "referencePoint": [11, 21, 0]}
    },
    {
      "type": "CityObjectGroup",
      "id": "g1",
      "parent": {"href": "#g0"},
      "members": [{"href": "#b1", "role": "main"}, {"feature": {"type": "Building", "id": "b2"}}]
    }
  ]
}`

func TestReadDocument(t *testing.T) {
	var skipped []error
	doc, err := ReadDocument(strings.NewReader(buildingDoc), "", func(i int, err error) {
		skipped = append(skipped, err)
	})
	require.NoError(t, err)
	require.Len(t, doc.Features, 3)
	require.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped[0], ErrUnsupported)

	b, ok := doc.Features[0].(*Building)
	require.True(t, ok)
	assert.Equal(t, "b1", b.GmlID)
	assert.Equal(t, "1000", b.Classifier)
	assert.True(t, b.LodMultiSurface[3].IsRemote())
	assert.Equal(t, "ms7", TargetID(b.LodMultiSurface[3].Href))

	cs, ok := b.LodSolid[2].Object.(*CompositeSolid)
	require.True(t, ok)
	solid := cs.Members[0].Object.(*Solid)
	csf := solid.Exterior.Object.(*CompositeSurface)
	require.Len(t, csf.Members, 2)
	p := csf.Members[0].Object.(*Polygon)
	assert.Equal(t, "r1", p.Exterior.ID())
	assert.Len(t, p.Interior, 1)
	orient := csf.Members[1].Object.(*OrientableSurface)
	assert.True(t, orient.Negative)
	assert.True(t, orient.BaseSurface.IsRemote())

	require.Len(t, b.Appearances, 1)
	sd := b.Appearances[0].SurfaceData
	require.Len(t, sd, 3)
	assert.Equal(t, []float64{1, 0.5, 0}, sd[0].Data.(*X3DMaterial).DiffuseColor)
	tex := sd[1].Data.(*ParameterizedTexture)
	assert.Equal(t, "#r1", tex.Targets[0].TexCoords[0].Ring)
	assert.Equal(t, "#m2", sd[2].Href)

	cf := doc.Features[1].(*CityFurniture)
	require.NotNil(t, cf.LodImplicit[2].Geometry)
	assert.Equal(t, "bench.obj", cf.LodImplicit[2].Geometry.LibraryObject)
	assert.Len(t, cf.LodImplicit[2].TransformationMatrix, 16)
	assert.Equal(t, "#ig1", cf.LodImplicit[3].Href)

	g := doc.Features[2].(*CityObjectGroup)
	assert.Equal(t, "#g0", g.Parent)
	require.Len(t, g.Members, 2)
	assert.Equal(t, "main", g.Members[0].Role)
	assert.Equal(t, "b2", g.Members[1].Feature.Base().GmlID)
}

func TestReadDocumentFeaturePath(t *testing.T) {
	doc, err := ReadDocument(strings.NewReader(buildingDoc), "$.cityObjects[0]", nil)
	require.NoError(t, err)
	require.Len(t, doc.Features, 1)

	_, err = ReadDocument(strings.NewReader(buildingDoc), "$[", nil)
	assert.Error(t, err)
}

func TestDecodeGeometryUnsupported(t *testing.T) {
	g, err := DecodeGeometry(map[string]any{"type": "Point", "id": "pt1"})
	require.NoError(t, err)
	assert.Equal(t, KindUnsupported, g.Kind())
	assert.Equal(t, "Point 'pt1'", Signature(g))
}

func TestDecodeGeometryRejectsBadCoordinates(t *testing.T) {
	_, err := DecodeGeometry(map[string]any{
		"type":    "LinearRing",
		"posList": []any{int64(0), "x"},
	})
	assert.Error(t, err)
}

func TestEncodeGeometryRoundTrip(t *testing.T) {
	v, err := oj.ParseString(`{"type": "TriangulatedSurface", "id": "t1", "patches": [
		{"type": "Triangle", "exterior": {"posList": [0,0,0, 1,0,0, 0,1,0, 0,0,0]}}]}`)
	require.NoError(t, err)
	g, err := DecodeGeometry(v)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteDocument(&buf, []map[string]any{{"lod1": EncodeGeometry(g)}}, nil))

	back, err := oj.ParseString(buf.String())
	require.NoError(t, err)
	enc := back.(map[string]any)["cityObjects"].([]any)[0].(map[string]any)["lod1"]
	g2, err := DecodeGeometry(enc)
	require.NoError(t, err)
	assert.Equal(t, g, g2)
}
