package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute(), out.String())
	return out.String()
}

func TestSchemaImportExport(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "city.db")
	doc := filepath.Join(dir, "in.json")
	require.NoError(t, os.WriteFile(doc, []byte(`{"cityObjects": [
	  {"type": "Building", "id": "b1", "function": "1000",
	   "lod1Solid": {"type": "Solid", "id": "s1", "exterior": {"type": "CompositeSurface", "members": [
	     {"type": "Polygon", "exterior": {"posList": [0,0,0, 1,0,0, 1,1,0, 0,0,0]}}
	   ]}}}
	]}`), 0o644))

	out := run(t, "--dsn", db, "schema")
	assert.Contains(t, out, "Schema ready")

	out = run(t, "--dsn", db, "import", "--workers", "2", doc)
	assert.Contains(t, out, "Building")
	assert.Contains(t, out, "Done in")

	exported := filepath.Join(dir, "out.json")
	out = run(t, "--dsn", db, "export", exported)
	assert.Contains(t, out, "Building")

	data, err := os.ReadFile(exported)
	require.NoError(t, err)
	parsed, err := oj.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []any{"b1"}, jp.MustParseString("$.cityObjects[*].id").Get(parsed))
	assert.Equal(t, []any{"Solid"}, jp.MustParseString("$.cityObjects[0].lod1Solid.type").Get(parsed))
}

func TestUnknownDialectFails(t *testing.T) {
	rootCmd.SetArgs([]string{"--dialect", "oracle", "schema"})
	rootCmd.SetOut(&bytes.Buffer{})
	assert.ErrorContains(t, rootCmd.Execute(), "unknown dialect")
}
