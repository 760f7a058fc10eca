package xlink

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/diag"
	"github.com/gebin/importer-exporter/internal/geometry"
	"github.com/gebin/importer-exporter/internal/gmlid"
	"github.com/gebin/importer-exporter/internal/metrics"
)

// Lookup resolves a gml:id, following alias entries once.
type Lookup interface {
	Resolve(ctx context.Context, gmlID string) (gmlid.Entry, bool, error)
}

// Stats counts resolved and dangling items per kind. It is safe for
// concurrent use.
type Stats struct {
	resolved [len(kindNames)]atomic.Int64
	dangling [len(kindNames)]atomic.Int64
}

func (s *Stats) Resolved(k Kind) int64 { return s.resolved[k].Load() }
func (s *Stats) Dangling(k Kind) int64 { return s.dangling[k].Load() }

// ResolverConfig is shared by all resolvers of a run.
type ResolverConfig struct {
	Dialect    adapter.Dialect
	Geometries Lookup
	Features   Lookup
	Tables     *Tables
	Reporter   *diag.Reporter
	Stats      *Stats
	// BaseDir is the directory relative texture and library object URIs
	// are resolved against.
	BaseDir   string
	BatchSize int
}

// ResolverManager resolves items on its own connection. Writes are
// batched per statement and flushed on Close, so one ResolverManager
// should live for one resolution pass.
type ResolverManager struct {
	cfg     ResolverConfig
	conn    *sql.Conn
	batches map[string]*adapter.Batch
	order   []string
}

// NewResolverManager takes a dedicated connection from db.
func NewResolverManager(ctx context.Context, db *sql.DB, cfg ResolverConfig) (*ResolverManager, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, diag.Storage("open resolver connection", err)
	}
	if cfg.Stats == nil {
		cfg.Stats = &Stats{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.Dialect.MaxBatchSize()
	}
	return &ResolverManager{cfg: cfg, conn: conn, batches: make(map[string]*adapter.Batch)}, nil
}

// ResolverFactory returns a worker.Factory-compatible constructor.
func ResolverFactory(db *sql.DB, cfg ResolverConfig) func(context.Context, int) (*ResolverManager, error) {
	return func(ctx context.Context, _ int) (*ResolverManager, error) {
		return NewResolverManager(ctx, db, cfg)
	}
}

// Do implements worker.Worker.
func (r *ResolverManager) Do(ctx context.Context, item Item) error { return r.Resolve(ctx, item) }

// Resolve looks up the target of item and writes the deferred reference.
// A target that cannot be found is reported as dangling; only storage
// failures are returned.
func (r *ResolverManager) Resolve(ctx context.Context, item Item) error {
	switch x := item.(type) {
	case *SurfaceGeometry:
		return r.resolveSurfaceGeometry(ctx, x)
	case *LinearRing:
		return nil
	case *Basic:
		return r.resolveBasic(ctx, x)
	case *TextureParam:
		return r.resolveTextureParam(ctx, x)
	case *TextureAssociation:
		return r.resolveTextureAssociation(ctx, x)
	case *DeprecatedMaterial:
		return r.resolveDeprecatedMaterial(ctx, x)
	case *GroupToCityObject:
		return r.resolveGroupToCityObject(ctx, x)
	case *TextureFile:
		return r.resolveFile(ctx, KindTextureFile, x.SurfaceDataID, x.URI,
			"UPDATE SURFACE_DATA SET TEX_IMAGE = ? WHERE ID = ?")
	case *LibraryObject:
		return r.resolveFile(ctx, KindLibraryObject, x.ImplicitGeometryID, x.URI,
			"UPDATE IMPLICIT_GEOMETRY SET LIBRARY_OBJECT = ? WHERE ID = ?")
	}
	return fmt.Errorf("unknown xlink item %T", item)
}

func (r *ResolverManager) resolved(k Kind) {
	r.cfg.Stats.resolved[k].Add(1)
	metrics.XlinksResolved.WithLabelValues(k.String()).Inc()
}

func (r *ResolverManager) dangling(k Kind, href string, args ...any) {
	r.cfg.Stats.dangling[k].Add(1)
	metrics.XlinksDangling.WithLabelValues(k.String()).Inc()
	r.cfg.Reporter.Warn("xlink_unresolved", append([]any{"kind", k.String(), "href", href}, args...)...)
}

// add buffers one execution of query, flushing when the batch is full.
func (r *ResolverManager) add(ctx context.Context, query string, args ...any) error {
	b, ok := r.batches[query]
	if !ok {
		b = adapter.NewBatch(r.conn, r.cfg.Dialect.Rebind(query), r.cfg.BatchSize)
		r.batches[query] = b
		r.order = append(r.order, query)
	}
	if b.Add(args...) {
		return diag.Storage("resolve xlinks", b.Flush(ctx))
	}
	return nil
}

type geometryRow struct {
	id, parentID             int64
	gmlID                    string
	solid, composite, triang bool
	reverse                  bool
	native                   any
}

func (r *ResolverManager) resolveSurfaceGeometry(ctx context.Context, x *SurfaceGeometry) error {
	e, ok, err := r.cfg.Geometries.Resolve(ctx, citygml.TargetID(x.Href))
	if err != nil {
		return err
	}
	if ok {
		var copied int64
		if copied, err = r.copySubtree(ctx, e, x.ParentID, x.RootID, e.Reverse != x.Reverse); err != nil {
			return err
		}
		ok = copied != 0
	}
	if !ok {
		r.dangling(KindSurfaceGeometry, x.Href, "parent", x.ParentID)
		return nil
	}
	r.resolved(KindSurfaceGeometry)
	return nil
}

// copySubtree copies the geometry e and its descendants below parentID in
// the tree rootID and returns the id of the copied top row, or 0 if e has
// no rows. A parentID of 0 makes the copy a tree of its own. With flip
// set, every copied ring is reversed and its IS_REVERSE toggled.
func (r *ResolverManager) copySubtree(ctx context.Context, e gmlid.Entry, parentID, rootID int64, flip bool) (int64, error) {
	d := r.cfg.Dialect
	rows, err := r.conn.QueryContext(ctx, d.Rebind(
		"SELECT ID, GMLID, PARENT_ID, IS_SOLID, IS_COMPOSITE, IS_TRIANGULATED, IS_REVERSE, "+
			d.SelectGeometry("GEOMETRY")+" FROM SURFACE_GEOMETRY WHERE ROOT_ID = ? ORDER BY ID"), e.RootID)
	if err != nil {
		return 0, diag.Storage("read xlinked geometry", err)
	}
	children := make(map[int64][]*geometryRow)
	var top *geometryRow
	for rows.Next() {
		g := &geometryRow{}
		var gml sql.NullString
		var parent sql.NullInt64
		if err := rows.Scan(&g.id, &gml, &parent, &g.solid, &g.composite, &g.triang, &g.reverse, &g.native); err != nil {
			_ = rows.Close()
			return 0, diag.Storage("read xlinked geometry", err)
		}
		g.gmlID, g.parentID = gml.String, parent.Int64
		if g.id == e.ID {
			top = g
		} else if parent.Valid {
			children[g.parentID] = append(children[g.parentID], g)
		}
	}
	if err := errors.Join(rows.Err(), rows.Close()); err != nil {
		return 0, diag.Storage("read xlinked geometry", err)
	}
	if top == nil {
		return 0, nil
	}

	// parents before children
	subtree := []*geometryRow{top}
	for i := 0; i < len(subtree); i++ {
		subtree = append(subtree, children[subtree[i].id]...)
	}

	ids, err := d.NextSequenceValues(ctx, r.conn, adapter.SeqSurfaceGeometry, len(subtree))
	if err != nil {
		return 0, diag.Storage("reserve geometry ids", err)
	}
	newID := make(map[int64]int64, len(subtree))
	for i, g := range subtree {
		newID[g.id] = ids[i]
	}
	if parentID == 0 {
		rootID = ids[0]
	}

	insert := "INSERT INTO SURFACE_GEOMETRY (ID, GMLID, PARENT_ID, ROOT_ID, IS_SOLID, IS_COMPOSITE, IS_TRIANGULATED, IS_XLINK, IS_REVERSE, GEOMETRY) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, " + d.GeometryParam("?") + ")"
	for i, g := range subtree {
		var parent any
		switch {
		case i > 0:
			parent = newID[g.parentID]
		case parentID != 0:
			parent = parentID
		}
		native := g.native
		if flip && native != nil {
			if native, err = r.flipGeometry(native); err != nil {
				r.cfg.Reporter.Warn("xlink_geometry_skipped", "gmlid", g.gmlID, "err", err)
				native = nil
			}
		}
		if err := r.add(ctx, insert, ids[i], nullString(g.gmlID), parent, rootID,
			adapter.Flag(g.solid), adapter.Flag(g.composite), adapter.Flag(g.triang), adapter.Flag(g.reverse != flip), native); err != nil {
			return 0, err
		}
	}
	return ids[0], nil
}

func (r *ResolverManager) flipGeometry(native any) (any, error) {
	conv := r.cfg.Dialect.Geometry()
	obj, err := conv.ToGeneric(native)
	if err != nil || obj == nil {
		return nil, err
	}
	return conv.ToNative(obj.Reversed())
}

var identifier = regexp.MustCompile(`^[A-Z][A-Z0-9_]*$`)

func (r *ResolverManager) resolveBasic(ctx context.Context, x *Basic) error {
	if !identifier.MatchString(x.FromTable) || !identifier.MatchString(x.Attr) {
		return fmt.Errorf("invalid xlink target column %s.%s", x.FromTable, x.Attr)
	}
	toGeometry := x.ToTable == "SURFACE_GEOMETRY"
	lookup := r.cfg.Features
	if toGeometry {
		lookup = r.cfg.Geometries
	}
	e, ok, err := lookup.Resolve(ctx, citygml.TargetID(x.Href))
	if err != nil {
		return err
	}
	target := e.ID
	if ok && toGeometry && (e.ID != e.RootID || e.Reverse) {
		// only whole trees in document orientation can be referenced
		// directly; anything else is referenced through a copy
		if target, err = r.copySubtree(ctx, e, 0, 0, e.Reverse); err != nil {
			return err
		}
		ok = target != 0
	}
	if !ok {
		r.dangling(KindBasic, x.Href, "table", x.FromTable, "column", x.Attr)
		return nil
	}
	if err := r.add(ctx, "UPDATE "+x.FromTable+" SET "+x.Attr+" = ? WHERE ID = ?", target, x.ID); err != nil {
		return err
	}
	r.resolved(KindBasic)
	return nil
}

func (r *ResolverManager) resolveTextureParam(ctx context.Context, x *TextureParam) error {
	if len(x.Rings) == 0 {
		e, ok, err := r.cfg.Geometries.Resolve(ctx, citygml.TargetID(x.Target))
		if err != nil {
			return err
		}
		if !ok {
			r.dangling(KindTextureParam, x.Target, "surface_data", x.SurfaceDataID)
			return nil
		}
		var w2t any
		if len(x.WorldToTexture) > 0 {
			w2t = adapter.FormatCoordLists([][]float64{x.WorldToTexture})
		}
		if err := r.add(ctx, insertTextureParam, e.ID, adapter.Flag(x.IsParametrization), w2t, nil, x.SurfaceDataID); err != nil {
			return err
		}
		r.resolved(KindTextureParam)
		return nil
	}

	var (
		geometryID int64
		lists      [][]float64
	)
	for i, ring := range x.Rings {
		lr, ok, err := r.cfg.Tables.LookupRing(ctx, citygml.TargetID(ring))
		if err != nil {
			return err
		}
		if !ok {
			r.dangling(KindTextureParam, ring, "surface_data", x.SurfaceDataID)
			continue
		}
		if geometryID == 0 {
			geometryID = lr.SurfaceGeometryID
		} else if geometryID != lr.SurfaceGeometryID {
			r.cfg.Reporter.Warn("texture_ring_mismatch", "ring", ring, "target", x.Target)
			continue
		}
		for len(lists) <= lr.RingNo {
			lists = append(lists, nil)
		}
		var coords []float64
		if i < len(x.TexCoords) {
			coords = x.TexCoords[i]
		}
		if lr.Reverse {
			coords = geometry.ReverseCoords(coords, 2)
		}
		lists[lr.RingNo] = coords
	}
	if geometryID == 0 {
		return nil
	}
	if err := r.add(ctx, insertTextureParam, geometryID, adapter.Flag(true), nil, adapter.FormatCoordLists(lists), x.SurfaceDataID); err != nil {
		return err
	}
	r.resolved(KindTextureParam)
	return nil
}

const insertTextureParam = "INSERT INTO TEXTURE_PARAM (SURFACE_GEOMETRY_ID, IS_TEXTURE_PARAMETRIZATION, WORLD_TO_TEXTURE, TEXTURE_COORDINATES, SURFACE_DATA_ID) VALUES (?, ?, ?, ?, ?)"

func (r *ResolverManager) resolveTextureAssociation(ctx context.Context, x *TextureAssociation) error {
	if !x.IsReference() {
		return nil
	}
	reg, ok, err := r.cfg.Tables.LookupTextureAssociation(ctx, citygml.TargetID(x.Href))
	if err != nil {
		return err
	}
	var e gmlid.Entry
	if ok {
		if e, ok, err = r.cfg.Geometries.Resolve(ctx, citygml.TargetID(reg.Target)); err != nil {
			return err
		}
	}
	if !ok {
		r.dangling(KindTextureAssociation, x.Href, "surface_data", x.SurfaceDataID)
		return nil
	}
	if err := r.add(ctx,
		"INSERT INTO TEXTURE_PARAM (SURFACE_GEOMETRY_ID, IS_TEXTURE_PARAMETRIZATION, WORLD_TO_TEXTURE, TEXTURE_COORDINATES, SURFACE_DATA_ID) "+
			"SELECT SURFACE_GEOMETRY_ID, IS_TEXTURE_PARAMETRIZATION, WORLD_TO_TEXTURE, TEXTURE_COORDINATES, ? "+
			"FROM TEXTURE_PARAM WHERE SURFACE_DATA_ID = ? AND SURFACE_GEOMETRY_ID = ?",
		x.SurfaceDataID, reg.SurfaceDataID, e.ID); err != nil {
		return err
	}
	r.resolved(KindTextureAssociation)
	return nil
}

func (r *ResolverManager) resolveDeprecatedMaterial(ctx context.Context, x *DeprecatedMaterial) error {
	e, ok, err := r.cfg.Features.Resolve(ctx, citygml.TargetID(x.Href))
	if err != nil {
		return err
	}
	if !ok || (e.Class != api.ClassX3DMaterial && e.Class != api.ClassParameterizedTexture) {
		r.dangling(KindDeprecatedMaterial, x.Href, "surface_geometry", x.SurfaceGeometryID)
		return nil
	}
	if err := r.add(ctx, insertTextureParam, x.SurfaceGeometryID, adapter.Flag(false), nil, nil, e.ID); err != nil {
		return err
	}
	r.resolved(KindDeprecatedMaterial)
	return nil
}

func (r *ResolverManager) resolveGroupToCityObject(ctx context.Context, x *GroupToCityObject) error {
	e, ok, err := r.cfg.Features.Resolve(ctx, citygml.TargetID(x.Href))
	if err != nil {
		return err
	}
	if !ok || !e.Class.IsFeature() {
		r.dangling(KindGroupToCityObject, x.Href, "group", x.GroupID)
		return nil
	}
	if x.IsParent {
		err = r.add(ctx, "UPDATE CITYOBJECTGROUP SET PARENT_CITYOBJECT_ID = ? WHERE ID = ?", e.ID, x.GroupID)
	} else {
		err = r.add(ctx, "INSERT INTO GROUP_TO_CITYOBJECT (CITYOBJECT_ID, CITYOBJECTGROUP_ID, ROLE) VALUES (?, ?, ?)",
			e.ID, x.GroupID, nullString(x.Role))
	}
	if err != nil {
		return err
	}
	r.resolved(KindGroupToCityObject)
	return nil
}

func (r *ResolverManager) resolveFile(ctx context.Context, kind Kind, id int64, uri, query string) error {
	if strings.Contains(uri, "://") {
		r.dangling(kind, uri, "reason", "remote files are not loaded")
		return nil
	}
	path := filepath.FromSlash(uri)
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.cfg.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		r.dangling(kind, uri, "err", err)
		return nil
	}
	if err := r.add(ctx, query, data, id); err != nil {
		return err
	}
	r.resolved(kind)
	return nil
}

// Close flushes all pending writes in first-use order and releases the
// connection. The connection is released even if a flush fails.
func (r *ResolverManager) Close() error {
	var errs []error
	for _, q := range r.order {
		if err := r.batches[q].Flush(context.Background()); err != nil {
			errs = append(errs, diag.Storage("resolve xlinks", err))
			break
		}
	}
	if err := r.conn.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close resolver connection: %w", err))
	}
	return errors.Join(errs...)
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
