package importer

import (
	"context"
	"strings"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// deprecatedTheme is the theme of the appearance collecting the materials
// of TexturedSurface geometries.
const deprecatedTheme = "rgbTexture"

// Appearance writes APPEARANCE rows and links them to their surface data.
type Appearance struct {
	m     *Manager
	batch *adapter.Batch
	links *adapter.Batch
	// appearance per city object for TexturedSurface materials
	deprecated map[int64]int64
}

func newAppearance(m *Manager) *Appearance {
	return &Appearance{
		m:          m,
		batch:      m.newBatch("INSERT INTO APPEARANCE (ID, GMLID, THEME, CITYOBJECT_ID) VALUES (?, ?, ?, ?)"),
		links:      m.newBatch("INSERT INTO APPEAR_TO_SURFACE_DATA (SURFACE_DATA_ID, APPEARANCE_ID) VALUES (?, ?)"),
		deprecated: make(map[int64]int64),
	}
}

func (a *Appearance) Flush(ctx context.Context) error {
	if err := a.batch.Flush(ctx); err != nil {
		return err
	}
	return a.links.Flush(ctx)
}

func (a *Appearance) Close() error { return closeBatches(a.batch, a.links) }

// Insert writes x owned by cityObjectID, or a global appearance if
// cityObjectID is 0, together with its surface data.
func (a *Appearance) Insert(ctx context.Context, x *citygml.Appearance, cityObjectID int64) (int64, error) {
	m := a.m
	id, err := a.row(ctx, x.GmlID, x.Theme, cityObjectID)
	if err != nil {
		return 0, err
	}
	for _, p := range x.SurfaceData {
		if p == nil {
			continue
		}
		var sdID int64
		switch {
		case p.Data != nil:
			if sdID, err = m.surfaceData().Insert(ctx, p.Data); err != nil {
				return 0, err
			}
		case p.Href != "":
			if sdID, err = m.surfaceData().lookup(ctx, citygml.TargetID(p.Href)); err != nil {
				return 0, err
			}
			if sdID == 0 {
				m.cfg.Reporter.Warn("surface_data_unresolved", "appearance", x.GmlID, "href", p.Href)
			}
		}
		if sdID == 0 {
			continue
		}
		if err := m.add(ctx, KindAppearance, a.links, sdID, id); err != nil {
			return 0, err
		}
	}
	return id, nil
}

func (a *Appearance) row(ctx context.Context, gmlID, theme string, cityObjectID int64) (int64, error) {
	m := a.m
	id, err := m.nextID(ctx, adapter.SeqAppearance)
	if err != nil {
		return 0, err
	}
	stored := m.gmlID(gmlID)
	if gmlID != "" {
		if err := m.cfg.Features.Put(ctx, gmlID, gmlid.Entry{ID: id, RootID: id, Class: api.ClassAppearance}); err != nil {
			return 0, err
		}
	}
	if err := m.add(ctx, KindAppearance, a.batch, id, stored, nullString(theme), nullID(cityObjectID)); err != nil {
		return 0, err
	}
	m.cfg.Counters.feature(api.ClassAppearance)
	return id, nil
}

// InsertDeprecated writes a material or texture of a TexturedSurface and
// applies it to the row geometryID. All of them are collected in one
// appearance per city object.
func (a *Appearance) InsertDeprecated(ctx context.Context, data citygml.SurfaceData, isFront bool, cityObjectID, geometryID int64) error {
	m := a.m
	appID, ok := a.deprecated[cityObjectID]
	if !ok {
		var err error
		if appID, err = a.row(ctx, "", deprecatedTheme, cityObjectID); err != nil {
			return err
		}
		a.deprecated[cityObjectID] = appID
	}
	sdID, err := m.surfaceData().insert(ctx, data, isFront, false)
	if err != nil || sdID == 0 {
		return err
	}
	if err := m.add(ctx, KindAppearance, a.links, sdID, appID); err != nil {
		return err
	}
	return m.textureParam().Insert(ctx, geometryID, sdID, false, "", "")
}

func (a *Appearance) reset() { clear(a.deprecated) }

// SurfaceData writes X3DMaterial and ParameterizedTexture rows. Targets
// are bound through TEXTURE_PARAM rows, written directly when the texture
// coordinates refer to rings of the current feature and deferred to the
// xlink pool otherwise.
type SurfaceData struct {
	m     *Manager
	batch *adapter.Batch
}

func newSurfaceData(m *Manager) *SurfaceData {
	query := "INSERT INTO SURFACE_DATA (ID, GMLID, NAME, IS_FRONT, TYPE, X3D_TRANSPARENCY, X3D_DIFFUSE_COLOR, TEX_IMAGE_URI, TEX_MIME_TYPE) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	return &SurfaceData{m: m, batch: m.newBatch(query)}
}

func (s *SurfaceData) Flush(ctx context.Context) error { return s.batch.Flush(ctx) }

func (s *SurfaceData) Close() error { return closeBatches(s.batch) }

// Insert writes data and its targets. Surface data whose gml:id is known
// already is not written again.
func (s *SurfaceData) Insert(ctx context.Context, data citygml.SurfaceData) (int64, error) {
	front := true
	switch x := data.(type) {
	case *citygml.X3DMaterial:
		front = x.IsFront
	case *citygml.ParameterizedTexture:
		front = x.IsFront
	}
	return s.insert(ctx, data, front, true)
}

func (s *SurfaceData) lookup(ctx context.Context, gmlID string) (int64, error) {
	if gmlID == "" {
		return 0, nil
	}
	e, ok, err := s.m.cfg.Features.Get(ctx, gmlID)
	if err != nil || !ok {
		return 0, err
	}
	if e.Class != api.ClassX3DMaterial && e.Class != api.ClassParameterizedTexture {
		return 0, nil
	}
	return e.ID, nil
}

func (s *SurfaceData) insert(ctx context.Context, data citygml.SurfaceData, isFront, withTargets bool) (int64, error) {
	m := s.m
	if id, err := s.lookup(ctx, data.ID()); err != nil || id != 0 {
		return id, err
	}
	id, err := m.nextID(ctx, adapter.SeqSurfaceData)
	if err != nil {
		return 0, err
	}
	stored := m.gmlID(data.ID())
	if data.ID() != "" {
		if err := m.cfg.Features.Put(ctx, data.ID(), gmlid.Entry{ID: id, RootID: id, Class: data.Class()}); err != nil {
			return 0, err
		}
	}

	switch x := data.(type) {
	case *citygml.X3DMaterial:
		var color any
		if len(x.DiffuseColor) > 0 {
			color = adapter.FormatCoordLists([][]float64{x.DiffuseColor})
		}
		err = m.add(ctx, KindSurfaceData, s.batch, id, stored, nullString(x.Name), adapter.Flag(isFront),
			int(api.ClassX3DMaterial), x.Transparency, color, nil, nil)
		if err != nil || !withTargets {
			break
		}
		for _, t := range x.Targets {
			if t == "" {
				continue
			}
			if err = m.PropagateXlink(ctx, &xlink.TextureParam{SurfaceDataID: id, Target: t}); err != nil {
				break
			}
		}
	case *citygml.ParameterizedTexture:
		err = m.add(ctx, KindSurfaceData, s.batch, id, stored, nullString(x.Name), adapter.Flag(isFront),
			int(api.ClassParameterizedTexture), nil, nil, nullString(x.ImageURI), nullString(x.MimeType))
		if err == nil && x.ImageURI != "" && !strings.Contains(x.ImageURI, "://") {
			err = m.PropagateXlink(ctx, &xlink.TextureFile{SurfaceDataID: id, URI: x.ImageURI})
		}
		if err != nil || !withTargets {
			break
		}
		for _, t := range x.Targets {
			if t == nil {
				continue
			}
			if err = s.target(ctx, id, t); err != nil {
				break
			}
		}
	default:
		m.cfg.Reporter.Warn("surface_data_unsupported", "gmlid", data.ID())
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	m.cfg.Counters.feature(data.Class())
	return id, nil
}

func (s *SurfaceData) target(ctx context.Context, id int64, t *citygml.TextureTarget) error {
	m := s.m
	if t.Href != "" {
		return m.PropagateXlink(ctx, &xlink.TextureAssociation{SurfaceDataID: id, Target: t.URI, Href: t.Href})
	}
	if t.GmlID != "" {
		if err := m.PropagateXlink(ctx, &xlink.TextureAssociation{SurfaceDataID: id, GmlID: t.GmlID, Target: t.URI}); err != nil {
			return err
		}
	}
	item := &xlink.TextureParam{SurfaceDataID: id, Target: t.URI, IsParametrization: true}
	switch {
	case len(t.WorldToTexture) > 0:
		item.WorldToTexture = t.WorldToTexture
	case len(t.TexCoords) > 0:
		if geometryID, coords, ok := m.texCoords.Resolve(t.TexCoords); ok {
			return m.textureParam().Insert(ctx, geometryID, id, true, "", coords)
		}
		for _, l := range t.TexCoords {
			if l == nil {
				continue
			}
			item.Rings = append(item.Rings, l.Ring)
			item.TexCoords = append(item.TexCoords, l.Coords)
		}
	}
	return m.PropagateXlink(ctx, item)
}

// TextureParam writes TEXTURE_PARAM rows whose geometry is known at import
// time.
type TextureParam struct {
	m     *Manager
	batch *adapter.Batch
}

func newTextureParam(m *Manager) *TextureParam {
	query := "INSERT INTO TEXTURE_PARAM (SURFACE_GEOMETRY_ID, IS_TEXTURE_PARAMETRIZATION, WORLD_TO_TEXTURE, TEXTURE_COORDINATES, SURFACE_DATA_ID) " +
		"VALUES (?, ?, ?, ?, ?)"
	return &TextureParam{m: m, batch: m.newBatch(query)}
}

func (t *TextureParam) Flush(ctx context.Context) error { return t.batch.Flush(ctx) }

func (t *TextureParam) Close() error { return closeBatches(t.batch) }

// Insert buffers one binding of surface data to a geometry row.
func (t *TextureParam) Insert(ctx context.Context, geometryID, surfaceDataID int64, isParametrization bool, worldToTexture, texCoords string) error {
	return t.m.add(ctx, KindTextureParam, t.batch,
		geometryID, adapter.Flag(isParametrization), nullString(worldToTexture), nullString(texCoords), surfaceDataID)
}
