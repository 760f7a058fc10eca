package importer

import (
	"maps"
	"sync"

	"github.com/gebin/importer-exporter/api"
	"github.com/gebin/importer-exporter/internal/metrics"
)

// Counters tallies imported features per class and geometry nodes per kind
// for the run summary. One Counters is shared by all managers of a run.
type Counters struct {
	mu         sync.Mutex
	features   map[string]int64
	geometries map[string]int64
}

func NewCounters() *Counters {
	return &Counters{features: make(map[string]int64), geometries: make(map[string]int64)}
}

func (c *Counters) feature(class api.Class) {
	name := class.String()
	metrics.FeaturesImported.WithLabelValues(name).Inc()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.features[name]++
	c.mu.Unlock()
}

func (c *Counters) geometry(kind string) {
	metrics.GeometriesImported.WithLabelValues(kind).Inc()
	if c == nil {
		return
	}
	c.mu.Lock()
	c.geometries[kind]++
	c.mu.Unlock()
}

// Features returns a copy of the feature counts.
func (c *Counters) Features() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.features)
}

// Geometries returns a copy of the geometry counts.
func (c *Counters) Geometries() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return maps.Clone(c.geometries)
}
