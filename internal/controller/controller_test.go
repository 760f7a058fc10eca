package controller

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gebin/importer-exporter/internal/config"
)

const document = `{
  "cityObjects": [
    {
      "type": "Building",
      "id": "bldgA",
      "lod2MultiSurface": {
        "type": "MultiSurface",
        "id": "msA",
        "members": [
          {"type": "Polygon", "id": "p1",
           "exterior": {"posList": [0,0,0, 1,0,0, 1,1,0, 0,1,0, 0,0,0]}}
        ]
      }
    },
    {
      "type": "Building",
      "id": "bldgB",
      "lod2MultiSurface": {
        "type": "MultiSurface",
        "id": "msB",
        "members": [{"href": "#p1"}]
      }
    },
    {
      "type": "CityObjectGroup",
      "id": "grp",
      "members": [
        {"href": "#bldgA", "role": "part"},
        {"href": "#missing"}
      ]
    },
    {"type": "Bridge", "id": "br1"}
  ]
}`

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DSN = filepath.Join(dir, "city.db")
	cfg.Import.Workers = 1
	cfg.Cache.Dir = dir
	cfg.Cache.Partitions = 2
	cfg.Cache.BatchSize = 10
	require.NoError(t, cfg.Validate())
	return cfg
}

func get(t *testing.T, doc any, path string) any {
	t.Helper()
	res := jp.MustParseString(path).Get(doc)
	require.Len(t, res, 1, path)
	return res[0]
}

func TestImportThenExport(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	s, err := Import(ctx, cfg, strings.NewReader(document), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Building": 2, "CityObjectGroup": 1}, s.Features)
	assert.NotEmpty(t, s.Geometries)
	assert.Equal(t, map[string]int64{"SurfaceGeometry": 1, "GroupToCityObject": 1}, s.XlinksResolved)
	assert.Equal(t, map[string]int64{"GroupToCityObject": 1}, s.XlinksDangling)
	require.NotEmpty(t, s.Warnings)
	assert.Contains(t, s.Warnings[0], "feature_skipped")

	var out bytes.Buffer
	es, err := Export(ctx, cfg, &out)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"Building": 2, "CityObjectGroup": 1}, es.Features)

	doc, err := oj.ParseString(out.String())
	require.NoError(t, err)
	assert.Equal(t, "bldgA", get(t, doc, "$.cityObjects[0].id"))
	assert.Equal(t, "p1", get(t, doc, "$.cityObjects[0].lod2MultiSurface.members[0].id"))
	assert.Equal(t, "#p1", get(t, doc, "$.cityObjects[1].lod2MultiSurface.members[0].href"))
	assert.Equal(t, "#bldgA", get(t, doc, "$.cityObjects[2].members[0].href"))
	assert.Equal(t, "part", get(t, doc, "$.cityObjects[2].members[0].role"))
}

func TestImportTwiceKeepsRunsApart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	_, err := Import(ctx, cfg, strings.NewReader(document), "")
	require.NoError(t, err)
	// gml:id caches live for one run, so references in the second document
	// only see its own features.
	s, err := Import(ctx, cfg, strings.NewReader(`{"cityObjects": [
	  {"type": "CityObjectGroup", "id": "late", "members": [{"href": "#bldgA"}]}
	]}`), "")
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"CityObjectGroup": 1}, s.Features)
	assert.Equal(t, map[string]int64{"GroupToCityObject": 1}, s.XlinksDangling)
}

func TestImportRejectsMalformedDocument(t *testing.T) {
	cfg := testConfig(t)
	_, err := Import(context.Background(), cfg, strings.NewReader(`{"cityObjects": [`), "")
	assert.Error(t, err)
}

func TestCreateSchemaIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, CreateSchema(ctx, cfg))
	require.NoError(t, CreateSchema(ctx, cfg))

	var out bytes.Buffer
	s, err := Export(ctx, cfg, &out)
	require.NoError(t, err)
	assert.Empty(t, s.Features)
}

func TestOpenUnknownDialect(t *testing.T) {
	cfg := testConfig(t)
	cfg.Dialect = "oracle"
	_, _, err := Open(cfg)
	assert.ErrorContains(t, err, "oracle")
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("disk gone") }

func TestCloseCacheLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))

	closeCache(log, "geometry", failingCloser{})
	assert.Contains(t, buf.String(), "cache_cleanup")
	assert.Contains(t, buf.String(), "cache=geometry")
	assert.Contains(t, buf.String(), "disk gone")
	assert.Contains(t, buf.String(), "level=WARN")
}
