package importer

import (
	"github.com/gebin/importer-exporter/internal/adapter"
	"github.com/gebin/importer-exporter/internal/citygml"
	"github.com/gebin/importer-exporter/internal/geometry"
)

type ringRef struct {
	geometryID int64
	ringNo     int
	reverse    bool
}

// LocalTexCoordResolver remembers the rings of the feature being imported
// so texture coordinates referring to them can be written without a
// round trip through the xlink tables. It is cleared after every feature.
type LocalTexCoordResolver struct {
	rings map[string]ringRef
}

func NewLocalTexCoordResolver() *LocalTexCoordResolver {
	return &LocalTexCoordResolver{rings: make(map[string]ringRef)}
}

// RegisterLinearRing records ring gmlID as ring ringNo of the polygon row
// geometryID. The first registration of an id wins.
func (r *LocalTexCoordResolver) RegisterLinearRing(gmlID string, geometryID int64, ringNo int, reverse bool) {
	if gmlID == "" {
		return
	}
	if _, ok := r.rings[gmlID]; !ok {
		r.rings[gmlID] = ringRef{geometryID: geometryID, ringNo: ringNo, reverse: reverse}
	}
}

func (r *LocalTexCoordResolver) Len() int { return len(r.rings) }

func (r *LocalTexCoordResolver) Reset() { clear(r.rings) }

// Resolve maps per-ring texture coordinates onto the polygon row owning
// the rings. It succeeds only if every ring is known locally and all of
// them belong to the same row. The lists are returned in ring order, with
// the coordinates of reversed rings reversed as well.
func (r *LocalTexCoordResolver) Resolve(lists []*citygml.TexCoordList) (int64, string, bool) {
	var (
		geometryID int64
		ordered    [][]float64
	)
	for _, l := range lists {
		if l == nil {
			continue
		}
		ref, ok := r.rings[citygml.TargetID(l.Ring)]
		if !ok {
			return 0, "", false
		}
		if geometryID == 0 {
			geometryID = ref.geometryID
		} else if geometryID != ref.geometryID {
			return 0, "", false
		}
		for len(ordered) <= ref.ringNo {
			ordered = append(ordered, nil)
		}
		coords := l.Coords
		if ref.reverse {
			coords = geometry.ReverseCoords(coords, 2)
		}
		ordered[ref.ringNo] = coords
	}
	if geometryID == 0 {
		return 0, "", false
	}
	return geometryID, adapter.FormatCoordLists(ordered), true
}
