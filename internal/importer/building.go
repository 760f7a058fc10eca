package importer

import (
	"context"
	"fmt"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
)

// Building writes BUILDING rows.
type Building struct {
	m     *Manager
	batch *adapter.Batch
}

func newBuilding(m *Manager) *Building {
	query := "INSERT INTO BUILDING (ID, CLASS, FUNCTION, " +
		"LOD1_MULTI_SURFACE_ID, LOD2_MULTI_SURFACE_ID, LOD3_MULTI_SURFACE_ID, LOD4_MULTI_SURFACE_ID, " +
		"LOD1_SOLID_ID, LOD2_SOLID_ID, LOD3_SOLID_ID, LOD4_SOLID_ID) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	return &Building{m: m, batch: m.newBatch(query)}
}

func (b *Building) Flush(ctx context.Context) error { return b.batch.Flush(ctx) }

func (b *Building) Close() error { return closeBatches(b.batch) }

// Insert writes x with its geometry and appearances.
func (b *Building) Insert(ctx context.Context, x *citygml.Building) (int64, error) {
	m := b.m
	var props []*citygml.Property
	for lod := 1; lod <= citygml.MaxLOD; lod++ {
		props = append(props, x.LodMultiSurface[lod], x.LodSolid[lod])
	}
	id, err := m.cityObject().Insert(ctx, x, props...)
	if err != nil {
		return 0, err
	}

	sg := m.SurfaceGeometry()
	args := []any{id, nullString(x.Classifier), nullString(x.Function)}
	for lod := 1; lod <= citygml.MaxLOD; lod++ {
		gid, err := sg.InsertProperty(ctx, x.LodMultiSurface[lod], id, "BUILDING", fmt.Sprintf("LOD%d_MULTI_SURFACE_ID", lod))
		if err != nil {
			return 0, err
		}
		args = append(args, nullID(gid))
	}
	for lod := 1; lod <= citygml.MaxLOD; lod++ {
		gid, err := sg.InsertProperty(ctx, x.LodSolid[lod], id, "BUILDING", fmt.Sprintf("LOD%d_SOLID_ID", lod))
		if err != nil {
			return 0, err
		}
		args = append(args, nullID(gid))
	}
	if err := m.add(ctx, KindBuilding, b.batch, args...); err != nil {
		return 0, err
	}
	return id, m.insertAppearances(ctx, &x.CityObject, id)
}

func nullID(id int64) any {
	if id == 0 {
		return nil
	}
	return id
}
