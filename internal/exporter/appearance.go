package exporter

import (
	"context"
	"database/sql"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/geometry"
)

// Appearance reads appearances, their surface data and the TEXTURE_PARAM
// rows binding surface data to geometry. Surface data shared by several
// appearances is written once and referenced afterwards.
type Appearance struct{ m *Manager }

func newAppearance(m *Manager) *Appearance { return &Appearance{m: m} }

type appearanceRow struct {
	id           int64
	gmlID, theme string
}

type surfaceDataRow struct {
	id                        int64
	gmlID, name               sql.NullString
	isFront, class            int
	transparency              sql.NullFloat64
	color, imageURI, mimeType sql.NullString
}

type textureParamRow struct {
	isParam       int
	w2t, coords   sql.NullString
	targetID      sql.NullString
	targetReverse int
}

// ReadFor returns the appearances of city object id.
func (a *Appearance) ReadFor(ctx context.Context, id int64) ([]*citygml.Appearance, error) {
	return a.read(ctx, `SELECT ID, GMLID, THEME FROM APPEARANCE WHERE CITYOBJECT_ID = ? ORDER BY ID`, id)
}

// ReadGlobal returns the appearances not owned by a city object.
func (a *Appearance) ReadGlobal(ctx context.Context) ([]*citygml.Appearance, error) {
	return a.read(ctx, `SELECT ID, GMLID, THEME FROM APPEARANCE WHERE CITYOBJECT_ID IS NULL ORDER BY ID`)
}

func (a *Appearance) read(ctx context.Context, query string, args ...any) ([]*citygml.Appearance, error) {
	rows, err := a.m.query(ctx, query, args...)
	if err != nil {
		return nil, diag.Storage("read appearances", err)
	}
	var apps []appearanceRow
	for rows.Next() {
		var (
			r            appearanceRow
			gmlID, theme sql.NullString
		)
		if err := rows.Scan(&r.id, &gmlID, &theme); err != nil {
			_ = rows.Close()
			return nil, diag.Storage("read appearances", err)
		}
		r.gmlID, r.theme = gmlID.String, theme.String
		apps = append(apps, r)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, diag.Storage("read appearances", err)
	}

	out := make([]*citygml.Appearance, 0, len(apps))
	for _, r := range apps {
		app := &citygml.Appearance{GmlID: r.gmlID, Theme: r.theme}
		data, err := a.surfaceData(ctx, r.id)
		if err != nil {
			return nil, err
		}
		for _, sd := range data {
			if !a.m.markSurfaceData(sd.id) && sd.gmlID.String != "" {
				app.SurfaceData = append(app.SurfaceData, &citygml.SurfaceDataProperty{Href: href(sd.gmlID.String)})
				continue
			}
			d, err := a.build(ctx, sd)
			if err != nil {
				return nil, err
			}
			if d != nil {
				app.SurfaceData = append(app.SurfaceData, &citygml.SurfaceDataProperty{Data: d})
			}
		}
		out = append(out, app)
	}
	return out, nil
}

func (a *Appearance) surfaceData(ctx context.Context, appearanceID int64) ([]surfaceDataRow, error) {
	rows, err := a.m.query(ctx, `SELECT sd.ID, sd.GMLID, sd.NAME, sd.IS_FRONT, sd.TYPE, sd.X3D_TRANSPARENCY,
		sd.X3D_DIFFUSE_COLOR, sd.TEX_IMAGE_URI, sd.TEX_MIME_TYPE
		FROM APPEAR_TO_SURFACE_DATA l JOIN SURFACE_DATA sd ON sd.ID = l.SURFACE_DATA_ID
		WHERE l.APPEARANCE_ID = ? ORDER BY sd.ID`, appearanceID)
	if err != nil {
		return nil, diag.Storage("read surface data", err)
	}
	defer func() { _ = rows.Close() }()
	var out []surfaceDataRow
	for rows.Next() {
		var r surfaceDataRow
		if err := rows.Scan(&r.id, &r.gmlID, &r.name, &r.isFront, &r.class, &r.transparency,
			&r.color, &r.imageURI, &r.mimeType); err != nil {
			return nil, diag.Storage("read surface data", err)
		}
		out = append(out, r)
	}
	return out, diag.Storage("read surface data", rows.Err())
}

func (a *Appearance) targets(ctx context.Context, surfaceDataID int64) ([]textureParamRow, error) {
	rows, err := a.m.query(ctx, `SELECT tp.IS_TEXTURE_PARAMETRIZATION, tp.WORLD_TO_TEXTURE, tp.TEXTURE_COORDINATES,
		sg.GMLID, sg.IS_REVERSE
		FROM TEXTURE_PARAM tp JOIN SURFACE_GEOMETRY sg ON sg.ID = tp.SURFACE_GEOMETRY_ID
		WHERE tp.SURFACE_DATA_ID = ? ORDER BY tp.SURFACE_GEOMETRY_ID`, surfaceDataID)
	if err != nil {
		return nil, diag.Storage("read texture params", err)
	}
	defer func() { _ = rows.Close() }()
	var out []textureParamRow
	for rows.Next() {
		var r textureParamRow
		if err := rows.Scan(&r.isParam, &r.w2t, &r.coords, &r.targetID, &r.targetReverse); err != nil {
			return nil, diag.Storage("read texture params", err)
		}
		if r.targetID.String == "" {
			continue
		}
		out = append(out, r)
	}
	return out, diag.Storage("read texture params", rows.Err())
}

func (a *Appearance) build(ctx context.Context, r surfaceDataRow) (citygml.SurfaceData, error) {
	targets, err := a.targets(ctx, r.id)
	if err != nil {
		return nil, err
	}
	switch api.Class(r.class) {
	case api.ClassX3DMaterial:
		mat := &citygml.X3DMaterial{
			GmlID:        r.gmlID.String,
			Name:         r.name.String,
			IsFront:      r.isFront != 0,
			Transparency: r.transparency.Float64,
		}
		if lists, err := adapter.ParseCoordLists(r.color.String); err == nil && len(lists) > 0 {
			mat.DiffuseColor = lists[0]
		}
		for _, t := range targets {
			mat.Targets = append(mat.Targets, href(t.targetID.String))
		}
		return mat, nil
	case api.ClassParameterizedTexture:
		tex := &citygml.ParameterizedTexture{
			GmlID:    r.gmlID.String,
			Name:     r.name.String,
			IsFront:  r.isFront != 0,
			ImageURI: r.imageURI.String,
			MimeType: r.mimeType.String,
		}
		for _, t := range targets {
			tex.Targets = append(tex.Targets, a.textureTarget(t))
		}
		return tex, nil
	}
	a.m.cfg.Reporter.Warn("surface_data_unsupported", "gmlid", r.gmlID.String, "class", api.Class(r.class))
	return nil, nil
}

// textureTarget turns a TEXTURE_PARAM row into a target. Coordinates are
// stored in the ring order and orientation of the stored polygon; both are
// turned back to the exported polygon's.
func (a *Appearance) textureTarget(t textureParamRow) *citygml.TextureTarget {
	target := &citygml.TextureTarget{URI: href(t.targetID.String)}
	if t.w2t.Valid {
		if lists, err := adapter.ParseCoordLists(t.w2t.String); err == nil && len(lists) > 0 {
			target.WorldToTexture = lists[0]
		}
	}
	if !t.coords.Valid {
		return target
	}
	lists, err := adapter.ParseCoordLists(t.coords.String)
	if err != nil {
		a.m.cfg.Reporter.Warn("texture_coordinates_invalid", "target", t.targetID.String, "err", err)
		return target
	}
	for i, l := range lists {
		if len(l) == 0 {
			continue
		}
		if t.targetReverse != 0 {
			l = geometry.ReverseCoords(l, 2)
		}
		target.TexCoords = append(target.TexCoords, &citygml.TexCoordList{
			Ring:   href(RingID(t.targetID.String, i)),
			Coords: l,
		})
	}
	return target
}
