// Package metrics holds the Prometheus collectors of import and export runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	FeaturesImported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_features_imported_total",
		Help: "Total number of city objects written, by class",
	}, []string{"class"})
	GeometriesImported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_geometries_imported_total",
		Help: "Total number of SURFACE_GEOMETRY rows written, by GML kind",
	}, []string{"kind"})
	FeaturesExported = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_features_exported_total",
		Help: "Total number of city objects exported, by class",
	}, []string{"class"})
	XlinksResolved = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_xlinks_resolved_total",
		Help: "Total number of resolved xlinks, by kind",
	}, []string{"kind"})
	XlinksDangling = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_xlinks_dangling_total",
		Help: "Total number of xlinks whose target was not found, by kind",
	}, []string{"kind"})
	CacheDrains = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_gmlid_cache_drains_total",
		Help: "Total number of gml:id cache drains, by cache",
	}, []string{"cache"})
	CacheDrainedEntries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_gmlid_cache_drained_entries_total",
		Help: "Total number of gml:id entries moved to backing tables, by cache",
	}, []string{"cache"})
	CacheDBLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_gmlid_cache_db_lookups_total",
		Help: "Total number of gml:id lookups served by backing tables, by cache",
	}, []string{"cache"})
	CacheIndexBuilds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "citydb_gmlid_cache_index_builds_total",
		Help: "Total number of backing table index builds, by cache",
	}, []string{"cache"})
	BatchFlushDurationMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "citydb_batch_flush_duration_ms",
		Help:    "Batch flush duration in milliseconds, by importer kind",
		Buckets: []float64{1, 5, 10, 20, 50, 100, 200, 500, 1000, 5000},
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(FeaturesImported)
	prometheus.MustRegister(GeometriesImported)
	prometheus.MustRegister(FeaturesExported)
	prometheus.MustRegister(XlinksResolved)
	prometheus.MustRegister(XlinksDangling)
	prometheus.MustRegister(CacheDrains)
	prometheus.MustRegister(CacheDrainedEntries)
	prometheus.MustRegister(CacheDBLookups)
	prometheus.MustRegister(CacheIndexBuilds)
	prometheus.MustRegister(BatchFlushDurationMs)
}

// Handler exposes the registered collectors for scraping.
func Handler() http.Handler { return promhttp.Handler() }
