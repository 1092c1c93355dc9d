package handler

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/pkg/errors"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/metrics"
	"github.com/department-for-transport-BODS/bods-backend-sub005/notify"
	"github.com/department-for-transport-BODS/bods-backend-sub005/pipeline"
	"github.com/department-for-transport-BODS/bods-backend-sub005/realtime"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/pti"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const (
	timeReserve = 10 * time.Second
	feedRetries = 3
	feedTimeout = 30 * time.Second
)

// FeedArchiver snapshots a realtime feed.
type FeedArchiver interface {
	Archive(ctx context.Context, format storage.CAVLDataFormat) (*realtime.Result, error)
}

// Deps are the collaborators shared by all handlers of one process.
type Deps struct {
	Config     *config.Config
	Repos      *storage.Repositories
	Controller *pipeline.Controller
	Steps      pipeline.Steps
	Archiver   FeedArchiver
	Invoker    Invoker
	Session    *session.Session
}

// Runtime builds its dependencies on the first invocation and reuses them for
// the life of the process.
type Runtime struct {
	registry Registry
	build    func() (*Deps, error)

	once sync.Once
	deps *Deps
	err  error
}

func NewRuntime(cfg *config.Config) *Runtime {
	return &Runtime{
		registry: NewRegistry(),
		build:    func() (*Deps, error) { return BuildDeps(cfg) },
	}
}

// NewRuntimeWith serves handlers from prebuilt dependencies.
func NewRuntimeWith(deps *Deps) *Runtime {
	return &Runtime{
		registry: NewRegistry(),
		build:    func() (*Deps, error) { return deps, nil },
	}
}

func (rt *Runtime) Deps() (*Deps, error) {
	rt.once.Do(func() {
		rt.deps, rt.err = rt.build()
	})
	return rt.deps, rt.err
}

// BuildDeps wires the production dependencies from configuration.
func BuildDeps(cfg *config.Config) (*Deps, error) {
	endpoint := ""
	if cfg.IsLocal() {
		endpoint = cfg.S3EndpointURL
	}
	sess, err := storage.NewAWSSession(cfg.AWSRegion, endpoint)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewPostgresORMDB(cfg.Postgres.URI())
	if err != nil {
		return nil, err
	}
	if cfg.IsLocal() {
		if err := storage.Migrate(db); err != nil {
			return nil, err
		}
	}
	repos := storage.NewRepositories(db)

	var cache storage.Cache
	if cfg.Cache.RedisURL != "" {
		if cache, err = storage.NewRedisCache(cfg.Cache.RedisURL); err != nil {
			return nil, err
		}
	} else {
		cache = storage.NewDynamoDBCache(sess, cfg.Cache.DynamoDBEndpointURL, cfg.Cache.DynamoDBTableName)
	}

	rules, err := loadRules(cfg.PTIRulesPath)
	if err != nil {
		return nil, err
	}

	steps, err := pipeline.NewSteps(pipeline.Dependencies{
		Repos:       repos,
		Stores:      s3Stores(sess),
		Scanner:     pipeline.NewClamdScanner(cfg.ClamAV.Address()),
		Schemas:     xsd.NewCache(pipeline.CatalogSchemaSource(repos)),
		Rules:       rules,
		Region:      pipeline.NewCachedRegionLookup(cache, repos.StopPoints, cfg.RegionCacheTTL),
		PIIPatterns: cfg.PIIPatterns,
		Metrics:     metrics.New(sess, cfg.MetricsNamespace),
		TimeReserve: timeReserve,
	})
	if err != nil {
		return nil, err
	}

	return &Deps{
		Config:     cfg,
		Repos:      repos,
		Controller: pipeline.NewController(repos, notify.NewSES(sess, cfg.Email.From), storage.RevisionStatus(cfg.SuccessStatus), cfg.Email.FrontendBaseURL),
		Steps:      steps,
		Archiver: realtime.NewArchiver(
			realtime.NewClient(feedRetries, feedTimeout),
			storage.NewS3Store(sess, cfg.FileBucket),
			repos.CAVLArchives,
			cfg.Realtime,
		),
		Invoker: NewLambdaInvoker(sess),
		Session: sess,
	}, nil
}

func loadRules(path string) (*pti.RuleDocument, error) {
	if path == "" {
		return pti.DefaultRules()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open PTI rules")
	}
	defer f.Close()
	return pti.LoadRules(f)
}

// s3Stores hands out one S3Store per bucket.
func s3Stores(sess *session.Session) pipeline.Stores {
	var (
		mu     sync.Mutex
		stores = make(map[string]storage.ObjectStore)
	)
	return func(bucket string) storage.ObjectStore {
		mu.Lock()
		defer mu.Unlock()
		if s, ok := stores[bucket]; ok {
			return s
		}
		s := storage.NewS3Store(sess, bucket)
		stores[bucket] = s
		return s
	}
}
