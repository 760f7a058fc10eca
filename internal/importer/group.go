package importer

import (
	"context"

	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/xlink"
)

// CityObjectGroup writes CITYOBJECTGROUP rows and the GROUP_TO_CITYOBJECT
// rows of inline members. Referenced members and parents are resolved
// after the import.
type CityObjectGroup struct {
	m       *Manager
	batch   *adapter.Batch
	members *adapter.Batch
}

func newCityObjectGroup(m *Manager) *CityObjectGroup {
	return &CityObjectGroup{
		m:       m,
		batch:   m.newBatch("INSERT INTO CITYOBJECTGROUP (ID, CLASS, FUNCTION) VALUES (?, ?, ?)"),
		members: m.newBatch("INSERT INTO GROUP_TO_CITYOBJECT (CITYOBJECT_ID, CITYOBJECTGROUP_ID, ROLE) VALUES (?, ?, ?)"),
	}
}

func (g *CityObjectGroup) Flush(ctx context.Context) error {
	if err := g.batch.Flush(ctx); err != nil {
		return err
	}
	return g.members.Flush(ctx)
}

func (g *CityObjectGroup) Close() error { return closeBatches(g.batch, g.members) }

// Insert writes x and its inline members.
func (g *CityObjectGroup) Insert(ctx context.Context, x *citygml.CityObjectGroup) (int64, error) {
	m := g.m
	id, err := m.cityObject().Insert(ctx, x)
	if err != nil {
		return 0, err
	}
	if err := m.add(ctx, KindCityObjectGroup, g.batch, id, nullString(x.Classifier), nullString(x.Function)); err != nil {
		return 0, err
	}

	for _, mem := range x.Members {
		switch {
		case mem == nil:
		case mem.Feature != nil:
			memberID, err := m.importFeature(ctx, mem.Feature)
			if err != nil {
				return 0, err
			}
			if memberID == 0 {
				continue
			}
			if err := m.add(ctx, KindCityObjectGroup, g.members, memberID, id, nullString(mem.Role)); err != nil {
				return 0, err
			}
		case mem.Href != "":
			if err := m.PropagateXlink(ctx, &xlink.GroupToCityObject{GroupID: id, Href: mem.Href, Role: mem.Role}); err != nil {
				return 0, err
			}
		}
	}
	if x.Parent != "" {
		if err := m.PropagateXlink(ctx, &xlink.GroupToCityObject{GroupID: id, Href: x.Parent, IsParent: true}); err != nil {
			return 0, err
		}
	}
	return id, m.insertAppearances(ctx, &x.CityObject, id)
}
