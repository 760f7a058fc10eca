// Package config loads run settings from an optional HCL file, the
// environment (optionally seeded from .env files) and defaults, in that
// order of precedence from last to first.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/hashicorp/hcl/v2/hclsimple"
	"github.com/joho/godotenv"
)

const (
	DialectSQLite  = "sqlite"
	DialectPostGIS = "postgis"
)

type Config struct {
	Dialect string
	DSN     string
	SRID    int

	Import ImportOptions
	Cache  CacheOptions
	Export ExportOptions
}

type ImportOptions struct {
	Workers      int
	XlinkWorkers int
	QueueSize    int
	BatchSize    int
	Codespace    string
	ReplaceIDs   bool
	Appearances  bool
	FeaturePath  string
}

type CacheOptions struct {
	GeometryCapacity int
	FeatureCapacity  int
	DrainFactor      float64
	Partitions       int
	BatchSize        int
	// Dir holds the temporary cache databases; empty means the system
	// temp directory.
	Dir string
}

type ExportOptions struct {
	Appearances        bool
	PrototypeCacheSize int
}

// Default returns the settings used when nothing else is configured.
func Default() Config {
	return Config{
		Dialect: DialectSQLite,
		DSN:     "citydb.sqlite",
		SRID:    4326,
		Import: ImportOptions{
			Workers:      4,
			XlinkWorkers: 2,
			QueueSize:    1000,
			Appearances:  true,
		},
		Cache: CacheOptions{
			GeometryCapacity: 200000,
			FeatureCapacity:  100000,
			DrainFactor:      0.1,
			Partitions:       10,
			BatchSize:        1000,
		},
		Export: ExportOptions{
			Appearances:        true,
			PrototypeCacheSize: 1024,
		},
	}
}

// file mirrors the HCL layout. Every block and attribute is optional and
// only overrides what it sets.
type file struct {
	Database *struct {
		Dialect *string `hcl:"dialect,optional"`
		DSN     *string `hcl:"dsn,optional"`
		SRID    *int    `hcl:"srid,optional"`
	} `hcl:"database,block"`
	Import *struct {
		Workers      *int    `hcl:"workers,optional"`
		XlinkWorkers *int    `hcl:"xlink_workers,optional"`
		QueueSize    *int    `hcl:"queue_size,optional"`
		BatchSize    *int    `hcl:"batch_size,optional"`
		Codespace    *string `hcl:"codespace,optional"`
		ReplaceIDs   *bool   `hcl:"replace_ids,optional"`
		Appearances  *bool   `hcl:"appearances,optional"`
		FeaturePath  *string `hcl:"feature_path,optional"`
	} `hcl:"import,block"`
	Cache *struct {
		GeometryCapacity *int     `hcl:"geometry_capacity,optional"`
		FeatureCapacity  *int     `hcl:"feature_capacity,optional"`
		DrainFactor      *float64 `hcl:"drain_factor,optional"`
		Partitions       *int     `hcl:"partitions,optional"`
		BatchSize        *int     `hcl:"batch_size,optional"`
		Dir              *string  `hcl:"dir,optional"`
	} `hcl:"cache,block"`
	Export *struct {
		Appearances        *bool `hcl:"appearances,optional"`
		PrototypeCacheSize *int  `hcl:"prototype_cache_size,optional"`
	} `hcl:"export,block"`
}

// Load builds the configuration: defaults, then the HCL file at path (if
// path is not empty), then the environment. envFiles are read into the
// environment first without overriding variables already set; missing
// files are ignored.
func Load(path string, envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", f, err)
		}
	}
	cfg := Default()
	if path != "" {
		var f file
		if err := hclsimple.DecodeFile(path, nil, &f); err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		f.apply(&cfg)
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}

func (f *file) apply(cfg *Config) {
	if d := f.Database; d != nil {
		set(&cfg.Dialect, d.Dialect)
		set(&cfg.DSN, d.DSN)
		set(&cfg.SRID, d.SRID)
	}
	if i := f.Import; i != nil {
		set(&cfg.Import.Workers, i.Workers)
		set(&cfg.Import.XlinkWorkers, i.XlinkWorkers)
		set(&cfg.Import.QueueSize, i.QueueSize)
		set(&cfg.Import.BatchSize, i.BatchSize)
		set(&cfg.Import.Codespace, i.Codespace)
		set(&cfg.Import.ReplaceIDs, i.ReplaceIDs)
		set(&cfg.Import.Appearances, i.Appearances)
		set(&cfg.Import.FeaturePath, i.FeaturePath)
	}
	if c := f.Cache; c != nil {
		set(&cfg.Cache.GeometryCapacity, c.GeometryCapacity)
		set(&cfg.Cache.FeatureCapacity, c.FeatureCapacity)
		set(&cfg.Cache.DrainFactor, c.DrainFactor)
		set(&cfg.Cache.Partitions, c.Partitions)
		set(&cfg.Cache.BatchSize, c.BatchSize)
		set(&cfg.Cache.Dir, c.Dir)
	}
	if e := f.Export; e != nil {
		set(&cfg.Export.Appearances, e.Appearances)
		set(&cfg.Export.PrototypeCacheSize, e.PrototypeCacheSize)
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("CITYDB_DIALECT"); v != "" {
		cfg.Dialect = v
	}
	if v := os.Getenv("CITYDB_SRID"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("CITYDB_SRID: %w", err)
		}
		cfg.SRID = n
	}
	if v := os.Getenv("CITYDB_DSN"); v != "" {
		cfg.DSN = v
	} else if cfg.Dialect == DialectPostGIS && os.Getenv("PG_HOST") != "" {
		cfg.DSN = BuildPostgresDSN()
	}
	return nil
}

// BuildPostgresDSN assembles a lib/pq URL from the PG_* variables.
func BuildPostgresDSN() string {
	host := os.Getenv("PG_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("PG_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("PG_USER")
	if user == "" {
		user = "postgres"
	}
	pass := os.Getenv("PG_PASSWORD")
	db := os.Getenv("PG_DB")
	if db == "" {
		db = "citydb"
	}
	ssl := os.Getenv("PG_SSLMODE")
	if ssl == "" {
		ssl = "disable"
	}
	dsn := "postgres://" + user
	if pass != "" {
		dsn += ":" + pass
	}
	dsn += "@" + host + ":" + port + "/" + db + "?sslmode=" + ssl
	return dsn
}

// Validate reports settings no run can work with.
func (c Config) Validate() error {
	var errs []error
	if c.Dialect != DialectSQLite && c.Dialect != DialectPostGIS {
		errs = append(errs, fmt.Errorf("unknown dialect %q", c.Dialect))
	}
	if c.DSN == "" {
		errs = append(errs, errors.New("no database configured"))
	}
	if c.Import.Workers < 1 || c.Import.XlinkWorkers < 1 {
		errs = append(errs, errors.New("worker counts must be positive"))
	}
	if c.Import.QueueSize < 1 {
		errs = append(errs, errors.New("queue size must be positive"))
	}
	if c.Cache.Partitions < 1 {
		errs = append(errs, errors.New("cache partitions must be positive"))
	}
	if c.Cache.DrainFactor <= 0 || c.Cache.DrainFactor > 1 {
		errs = append(errs, fmt.Errorf("drain factor %v not in (0, 1]", c.Cache.DrainFactor))
	}
	if c.Cache.GeometryCapacity < 1 || c.Cache.FeatureCapacity < 1 {
		errs = append(errs, errors.New("cache capacities must be positive"))
	}
	return errors.Join(errs...)
}
