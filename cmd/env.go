package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"

	"github.com/pithecene-io/cubeingest/catalog"
	"github.com/pithecene-io/cubeingest/chunkindex"
	"github.com/pithecene-io/cubeingest/chunkindex/badgerkv"
	"github.com/pithecene-io/cubeingest/chunkindex/postgres"
	"github.com/pithecene-io/cubeingest/cube"
	cubes3 "github.com/pithecene-io/cubeingest/cube/s3"
	"github.com/pithecene-io/cubeingest/executor/natsq"
	"github.com/pithecene-io/cubeingest/internal/logging"
	"github.com/pithecene-io/cubeingest/storage"
)

// Store and index backends accepted by the --store and --index flags.
const (
	StoreFS     = "fs"
	StoreS3     = "s3"
	StoreMemory = "memory"

	IndexObject   = "object"
	IndexBadger   = "badger"
	IndexPostgres = "postgres"
)

// Env is the process configuration shared by every command, and the
// resources built from it.
type Env struct {
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Settings  string
	LogLevel  string
	LogFormat string

	Store       string
	Root        string
	S3Bucket    string
	S3Prefix    string
	S3Endpoint  string
	S3Region    string
	S3PathStyle bool

	CatalogPrefix    string
	LineageCacheSize int
	URIScheme        string

	Index          string
	IndexPrefix    string
	BadgerPath     string
	PostgresDSN    string
	PostgresSchema string

	Compression      string
	WriteConcurrency int

	QueueStream  string
	QueuePrefix  string
	QueueAckWait time.Duration

	MetricsAddr string

	log logrus.FieldLogger
}

func (e *Env) bindFlags(flags *pflag.FlagSet) {
	flags.StringVar(&e.Settings, "settings", "", "YAML file of flag values")
	flags.StringVar(&e.LogLevel, "log-level", "info", "log level: debug, info, warn or error")
	flags.StringVar(&e.LogFormat, "log-format", logging.FormatText, "log format: text or json")

	flags.StringVar(&e.Store, "store", StoreFS, "object store holding the catalog, chunks and object index: fs, s3 or memory")
	flags.StringVar(&e.Root, "root", ".", "root directory of the fs store")
	flags.StringVar(&e.S3Bucket, "s3-bucket", "", "bucket of the s3 store")
	flags.StringVar(&e.S3Prefix, "s3-prefix", "", "key prefix within the s3 bucket")
	flags.StringVar(&e.S3Endpoint, "s3-endpoint", "", "custom endpoint for S3-compatible services")
	flags.StringVar(&e.S3Region, "s3-region", "", "AWS region (default us-east-1)")
	flags.BoolVar(&e.S3PathStyle, "s3-path-style", false, "use path-style S3 addressing")

	flags.StringVar(&e.CatalogPrefix, "catalog-prefix", "catalog", "store prefix of the catalog documents")
	flags.IntVar(&e.LineageCacheSize, "lineage-cache-size", 4096, "number of source datasets kept in the lineage cache (0 is unbounded)")
	flags.StringVar(&e.URIScheme, "uri-scheme", "s3", "scheme of indexed dataset locations")

	flags.StringVar(&e.Index, "index", IndexObject, "chunk index backend: object, badger or postgres")
	flags.StringVar(&e.IndexPrefix, "index-prefix", "chunkindex", "store prefix of the object chunk index")
	flags.StringVar(&e.BadgerPath, "badger-path", "chunkindex.db", "directory of the badger chunk index")
	flags.StringVar(&e.PostgresDSN, "postgres-dsn", "", "connection string of the postgres chunk index")
	flags.StringVar(&e.PostgresSchema, "postgres-schema", "", "schema of the postgres chunk index tables")

	flags.StringVar(&e.Compression, "compression", "zstd", "chunk compression: zstd, gzip or none")
	flags.IntVar(&e.WriteConcurrency, "write-concurrency", 8, "chunk uploads in flight per task")

	flags.StringVar(&e.QueueStream, "queue-stream", "", "JetStream stream of remote executors (default CUBEINGEST)")
	flags.StringVar(&e.QueuePrefix, "queue-prefix", "", "subject prefix of remote executors (default cubeingest)")
	flags.DurationVar(&e.QueueAckWait, "queue-ack-wait", 0, "time a worker may hold a task before redelivery (default 30m)")

	flags.StringVar(&e.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
}

// Logger builds the process logger on first use.
func (e *Env) Logger() (logrus.FieldLogger, error) {
	if e.log != nil {
		return e.log, nil
	}
	l, err := logging.New(e.LogLevel, e.LogFormat, e.Stderr)
	if err != nil {
		return nil, err
	}
	e.log = l
	return l, nil
}

// OpenStore opens the object store named by --store.
func (e *Env) OpenStore(ctx context.Context) (cube.Store, error) {
	switch e.Store {
	case StoreFS:
		return cube.NewFS(e.Root)
	case StoreMemory:
		return cube.NewMemory(), nil
	case StoreS3:
		if e.S3Bucket == "" {
			return nil, errors.New("--s3-bucket is required for the s3 store")
		}
		return cubes3.Open(ctx, cubes3.ClientConfig{
			Region:       e.S3Region,
			Endpoint:     e.S3Endpoint,
			UsePathStyle: e.S3PathStyle,
			Logger:       e.log,
		}, cubes3.Config{Bucket: e.S3Bucket, Prefix: e.S3Prefix})
	}
	return nil, fmt.Errorf("unknown store %q", e.Store)
}

// Catalog returns the catalog kept in store.
func (e *Env) Catalog(store cube.Store) *catalog.StoreCatalog {
	return catalog.NewStore(store, catalog.WithPrefix(e.CatalogPrefix), catalog.WithLogger(e.log))
}

// OpenIndex opens the chunk index named by --index. The object backend
// lives in store.
func (e *Env) OpenIndex(ctx context.Context, store cube.Store) (*chunkindex.Index, error) {
	var backend chunkindex.Backend
	switch e.Index {
	case IndexObject:
		backend = chunkindex.NewObjectBackend(store,
			chunkindex.WithPrefix(e.IndexPrefix),
			chunkindex.WithObjectLogger(e.log))
	case IndexBadger:
		b, err := badgerkv.Open(badgerkv.Config{Path: e.BadgerPath, SyncWrites: true, Logger: e.log})
		if err != nil {
			return nil, err
		}
		backend = b
	case IndexPostgres:
		if e.PostgresDSN == "" {
			return nil, errors.New("--postgres-dsn is required for the postgres index")
		}
		opts := []postgres.Option{postgres.WithLogger(e.log)}
		if e.PostgresSchema != "" {
			opts = append(opts, postgres.WithSchema(e.PostgresSchema))
		}
		b, err := postgres.Open(ctx, e.PostgresDSN, opts...)
		if err != nil {
			return nil, err
		}
		if err := b.Migrate(ctx); err != nil {
			_ = b.Close()
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown index %q", e.Index)
	}
	return chunkindex.New(backend, chunkindex.WithLogger(e.log)), nil
}

// Driver returns a storage driver writing chunks to store.
func (e *Env) Driver(store cube.Store) (*storage.Driver, error) {
	opts := []storage.Option{
		storage.WithCompression(e.Compression),
		storage.WithConcurrency(e.WriteConcurrency),
		storage.WithLogger(e.log),
	}
	if e.Store == StoreS3 {
		opts = append(opts, storage.WithBucket(e.S3Bucket))
	}
	return storage.New(store, opts...)
}

// QueueConfig is the JetStream configuration of remote executors and workers.
func (e *Env) QueueConfig() natsq.Config {
	return natsq.Config{
		Stream:  e.QueueStream,
		Prefix:  e.QueuePrefix,
		AckWait: e.QueueAckWait,
		Logger:  e.log,
	}
}

// ServeMetrics returns nil when --metrics-addr is unset. Otherwise it
// returns a registry served on that address until ctx ends.
func (e *Env) ServeMetrics(ctx context.Context) prometheus.Registerer {
	if e.MetricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	srv := &http.Server{
		Addr:              e.MetricsAddr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.WithError(err).Error("metrics server stopped")
		}
	}()
	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()
	e.log.WithField("addr", e.MetricsAddr).Info("serving metrics")
	return reg
}
