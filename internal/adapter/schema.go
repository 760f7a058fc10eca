package adapter

import (
	"context"
	"fmt"
	"strings"

	"github.com/gebin/importer-exporter/internal/logger"
)

type columnTypes struct {
	id, text, flag, number, blob, geometry string
}

// tableDDL renders the city model tables. Foreign keys are not declared;
// referenced rows are flushed first by the importer execution plan.
func tableDDL(t columnTypes) []string {
	r := strings.NewReplacer(
		"$ID", t.id,
		"$TEXT", t.text,
		"$FLAG", t.flag,
		"$NUMBER", t.number,
		"$BLOB", t.blob,
		"$GEOMETRY", t.geometry,
	)
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS CITYOBJECT (
			ID $ID PRIMARY KEY,
			CLASS_ID $ID NOT NULL,
			GMLID $TEXT,
			GMLID_CODESPACE $TEXT,
			NAME $TEXT,
			DESCRIPTION $TEXT,
			ENVELOPE $GEOMETRY
		)`,
		`CREATE INDEX IF NOT EXISTS CITYOBJECT_GMLID_IDX ON CITYOBJECT (GMLID)`,
		`CREATE TABLE IF NOT EXISTS SURFACE_GEOMETRY (
			ID $ID PRIMARY KEY,
			GMLID $TEXT,
			GMLID_CODESPACE $TEXT,
			PARENT_ID $ID,
			ROOT_ID $ID NOT NULL,
			IS_SOLID $FLAG NOT NULL DEFAULT 0,
			IS_COMPOSITE $FLAG NOT NULL DEFAULT 0,
			IS_TRIANGULATED $FLAG NOT NULL DEFAULT 0,
			IS_XLINK $FLAG NOT NULL DEFAULT 0,
			IS_REVERSE $FLAG NOT NULL DEFAULT 0,
			GEOMETRY $GEOMETRY
		)`,
		`CREATE INDEX IF NOT EXISTS SURFACE_GEOM_ROOT_IDX ON SURFACE_GEOMETRY (ROOT_ID)`,
		`CREATE INDEX IF NOT EXISTS SURFACE_GEOM_PARENT_IDX ON SURFACE_GEOMETRY (PARENT_ID)`,
		`CREATE TABLE IF NOT EXISTS BUILDING (
			ID $ID PRIMARY KEY,
			CLASS $TEXT,
			FUNCTION $TEXT,
			LOD1_MULTI_SURFACE_ID $ID,
			LOD2_MULTI_SURFACE_ID $ID,
			LOD3_MULTI_SURFACE_ID $ID,
			LOD4_MULTI_SURFACE_ID $ID,
			LOD1_SOLID_ID $ID,
			LOD2_SOLID_ID $ID,
			LOD3_SOLID_ID $ID,
			LOD4_SOLID_ID $ID
		)`,
		`CREATE TABLE IF NOT EXISTS IMPLICIT_GEOMETRY (
			ID $ID PRIMARY KEY,
			GMLID $TEXT,
			MIME_TYPE $TEXT,
			REFERENCE_TO_LIBRARY $TEXT,
			LIBRARY_OBJECT $BLOB,
			RELATIVE_GEOMETRY_ID $ID
		)`,
		`CREATE TABLE IF NOT EXISTS CITY_FURNITURE (
			ID $ID PRIMARY KEY,
			CLASS $TEXT,
			FUNCTION $TEXT,
			LOD1_GEOMETRY_ID $ID,
			LOD2_GEOMETRY_ID $ID,
			LOD3_GEOMETRY_ID $ID,
			LOD4_GEOMETRY_ID $ID,
			LOD1_IMPLICIT_REP_ID $ID,
			LOD2_IMPLICIT_REP_ID $ID,
			LOD3_IMPLICIT_REP_ID $ID,
			LOD4_IMPLICIT_REP_ID $ID,
			LOD1_IMPLICIT_REF_POINT $GEOMETRY,
			LOD2_IMPLICIT_REF_POINT $GEOMETRY,
			LOD3_IMPLICIT_REF_POINT $GEOMETRY,
			LOD4_IMPLICIT_REF_POINT $GEOMETRY,
			LOD1_IMPLICIT_TRANSFORMATION $TEXT,
			LOD2_IMPLICIT_TRANSFORMATION $TEXT,
			LOD3_IMPLICIT_TRANSFORMATION $TEXT,
			LOD4_IMPLICIT_TRANSFORMATION $TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS CITYOBJECTGROUP (
			ID $ID PRIMARY KEY,
			CLASS $TEXT,
			FUNCTION $TEXT,
			PARENT_CITYOBJECT_ID $ID
		)`,
		`CREATE TABLE IF NOT EXISTS GROUP_TO_CITYOBJECT (
			CITYOBJECT_ID $ID NOT NULL,
			CITYOBJECTGROUP_ID $ID NOT NULL,
			ROLE $TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS GROUP_TO_CO_GROUP_IDX ON GROUP_TO_CITYOBJECT (CITYOBJECTGROUP_ID)`,
		`CREATE TABLE IF NOT EXISTS APPEARANCE (
			ID $ID PRIMARY KEY,
			GMLID $TEXT,
			THEME $TEXT,
			CITYOBJECT_ID $ID
		)`,
		`CREATE INDEX IF NOT EXISTS APPEARANCE_CO_IDX ON APPEARANCE (CITYOBJECT_ID)`,
		`CREATE TABLE IF NOT EXISTS SURFACE_DATA (
			ID $ID PRIMARY KEY,
			GMLID $TEXT,
			NAME $TEXT,
			IS_FRONT $FLAG NOT NULL DEFAULT 1,
			TYPE $ID NOT NULL,
			X3D_TRANSPARENCY $NUMBER,
			X3D_DIFFUSE_COLOR $TEXT,
			TEX_IMAGE_URI $TEXT,
			TEX_IMAGE $BLOB,
			TEX_MIME_TYPE $TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS APPEAR_TO_SURFACE_DATA (
			SURFACE_DATA_ID $ID NOT NULL,
			APPEARANCE_ID $ID NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS APPEAR_TO_SD_APP_IDX ON APPEAR_TO_SURFACE_DATA (APPEARANCE_ID)`,
		`CREATE TABLE IF NOT EXISTS TEXTURE_PARAM (
			SURFACE_GEOMETRY_ID $ID NOT NULL,
			IS_TEXTURE_PARAMETRIZATION $FLAG NOT NULL DEFAULT 0,
			WORLD_TO_TEXTURE $TEXT,
			TEXTURE_COORDINATES $TEXT,
			SURFACE_DATA_ID $ID NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS TEXTURE_PARAM_SD_IDX ON TEXTURE_PARAM (SURFACE_DATA_ID)`,
	}
	for i, s := range stmts {
		stmts[i] = r.Replace(s)
	}
	return stmts
}

// EnsureSchema creates all tables, indexes and sequences that do not exist.
func EnsureSchema(ctx context.Context, conn Conn, d Dialect, srid int) error {
	for i, s := range d.Schema(srid) {
		logger.L().Debug("schema_exec", "dialect", d.Name(), "idx", i)
		if _, err := conn.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("create schema (statement %d): %w", i, err)
		}
	}
	logger.L().Debug("schema_done", "dialect", d.Name())
	return nil
}
