package pipeline

import (
	"bytes"
	"context"
	"io"
	"io/ioutil"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/metrics"
	"github.com/department-for-transport-BODS/bods-backend-sub005/notify"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/pti"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage/storagetest"
)

type fakeScanner struct {
	result *ScanResult
	err    error
}

func (f *fakeScanner) Scan(_ context.Context, r io.Reader) (*ScanResult, error) {
	if _, err := io.Copy(ioutil.Discard, r); err != nil {
		return nil, err
	}
	return f.result, f.err
}

type fakeValidator struct {
	violations []xsd.Violation
}

func (f *fakeValidator) Validate(context.Context, io.Reader) ([]xsd.Violation, error) {
	return f.violations, nil
}

// countingStops counts the catalog lookups behind the region cache.
type countingStops struct {
	storage.StopPointRepo
	mu    sync.Mutex
	calls int
}

func (c *countingStops) RegionCounts(tx *gorm.DB, atcoCodes []string) (int, int, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.StopPointRepo.RegionCounts(tx, atcoCodes)
}

type env struct {
	db      *gorm.DB
	repos   *storage.Repositories
	store   *storage.AFSStore
	cache   *storage.MemoryCache
	mail    *notify.Memory
	metrics *metrics.Memory
	stops   *countingStops
	scanner *fakeScanner
	xsd     *fakeValidator

	controller *Controller
	steps      Steps
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db := storagetest.DB(t)
	repos := storage.NewRepositories(db)
	stops := &countingStops{StopPointRepo: repos.StopPoints}
	repos.StopPoints = stops

	e := &env{
		db:      db,
		repos:   repos,
		store:   storage.NewMemStore(strings.ReplaceAll(t.Name(), "/", "-")),
		cache:   storage.NewMemoryCache(),
		mail:    &notify.Memory{},
		metrics: &metrics.Memory{},
		stops:   stops,
		scanner: &fakeScanner{result: &ScanResult{Status: ScanClean}},
		xsd:     &fakeValidator{},
	}

	schemas := xsd.NewCache(CatalogSchemaSource(repos))
	schemas.Put(storage.SchemaCategoryTXC, e.xsd)
	rules, err := pti.DefaultRules()
	require.NoError(t, err)

	e.controller = NewController(repos, e.mail, storage.RevisionStatusSuccess, "https://publish.example.com")
	e.steps, err = NewSteps(Dependencies{
		Repos:       repos,
		Stores:      SingleStore(e.store),
		Scanner:     e.scanner,
		Schemas:     schemas,
		Rules:       rules,
		Region:      NewCachedRegionLookup(e.cache, stops, 2*time.Hour),
		PIIPatterns: []string{`(?i)users`},
		Metrics:     e.metrics,
	})
	require.NoError(t, err)
	return e
}

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := ioutil.ReadFile("testdata/" + name)
	require.NoError(t, err)
	return data
}

func (e *env) upload(t *testing.T, key string, data []byte) {
	t.Helper()
	require.NoError(t, e.store.Upload(context.Background(), key, bytes.NewReader(data), nil))
}

// start seeds a pending revision and opens a run for it.
func (e *env) start(t *testing.T) (*storage.DatasetRevision, *storage.ETLTaskResult) {
	t.Helper()
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)
	task, err := e.controller.Initialize(context.Background(), rev.ID)
	require.NoError(t, err)
	return rev, task
}

func (e *env) run(t *testing.T, step storage.StepName, in StepInput) (*StepOutcome, error) {
	t.Helper()
	return e.steps[step](context.Background(), in)
}

func (e *env) stepResult(t *testing.T, taskID int, step storage.StepName) *storage.StepResult {
	t.Helper()
	row, err := e.repos.StepResults.Get(nil, taskID, step)
	require.NoError(t, err)
	return row
}
