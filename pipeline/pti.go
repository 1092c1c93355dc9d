package pipeline

import (
	"context"
	"time"

	"github.com/jinzhu/gorm"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/pti"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/txc"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const regionCacheSuffix = "-is-scottish-region"

// CachedRegionLookup answers the Scottish-region question from the KV cache,
// falling back to the NaPTAN tables. A service counts as Scottish when more
// than half of its known stops are in Scottish admin areas.
type CachedRegionLookup struct {
	cache storage.Cache
	stops storage.StopPointRepo
	ttl   time.Duration
}

func NewCachedRegionLookup(cache storage.Cache, stops storage.StopPointRepo, ttl time.Duration) *CachedRegionLookup {
	return &CachedRegionLookup{cache: cache, stops: stops, ttl: ttl}
}

func (l *CachedRegionLookup) IsScottish(ctx context.Context, serviceRef string, stopRefs []string) (bool, error) {
	value, err := storage.GetOrCompute(ctx, l.cache, serviceRef+regionCacheSuffix, l.ttl, func() (string, error) {
		known, scottish, err := l.stops.RegionCounts(nil, stopRefs)
		if err != nil {
			return "", err
		}
		return storage.FormatBool(known > 0 && scottish*2 > known), nil
	})
	if err != nil {
		return false, err
	}
	return storage.ParseBool(value)
}

type PTIOutput struct {
	Observations int `json:"observations"`
}

// PTIStep runs the PTI rule set over one document and replaces the file's
// observations with the result.
type PTIStep struct {
	repos     *storage.Repositories
	stores    Stores
	validator *pti.Validator
	reserve   time.Duration
}

func NewPTIStep(repos *storage.Repositories, stores Stores, rules *pti.RuleDocument, region pti.RegionLookup, reserve time.Duration) *PTIStep {
	return &PTIStep{repos: repos, stores: stores, validator: pti.NewValidator(rules, region), reserve: reserve}
}

func (s *PTIStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	budget := BudgetFromContext(ctx, s.reserve)
	if err := budget.Check(); err != nil {
		return nil, err
	}
	ctx, cancel := budget.Context(ctx)
	defer cancel()

	body, err := s.stores(in.Bucket).Download(ctx, in.ObjectKey)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	filename := in.Filename()
	found, err := s.validator.Validate(ctx, filename, body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, wrapStepError(CodeTimeout, ctx.Err(), "PTI validation ran out of time")
		}
		return nil, err
	}

	serviceCode := ""
	if len(found) > 0 {
		if code, err := s.serviceCodeOf(ctx, in); err == nil {
			serviceCode = code
		}
	}
	now := time.Now().UTC()
	rows := make([]*storage.PTIObservation, 0, len(found))
	for _, v := range found {
		rows = append(rows, &storage.PTIObservation{
			RevisionID:  in.RevisionID,
			Filename:    filename,
			Line:        v.Line,
			ElementName: v.Name,
			Category:    v.Observation.Category,
			Reference:   v.Observation.Reference,
			Details:     v.Observation.Details,
			ServiceCode: serviceCode,
			Created:     now,
		})
	}
	err = storage.Session(s.repos.DB, func(tx *gorm.DB) error {
		filters := map[string]interface{}{"revision_id": in.RevisionID, "filename": filename}
		if _, err := s.repos.Violations.DeletePTIBy(tx, filters); err != nil {
			return err
		}
		return s.repos.Violations.BulkInsertPTI(tx, rows)
	})
	if err != nil {
		return nil, err
	}
	return &StepOutcome{Output: PTIOutput{Observations: len(rows)}}, nil
}

// serviceCodeOf prefers the extracted attributes and reparses the document
// only when the attributes step has not run for the file.
func (s *PTIStep) serviceCodeOf(ctx context.Context, in StepInput) (string, error) {
	rows, err := s.repos.FileAttributes.GetBy(nil, map[string]interface{}{
		"revision_id": in.RevisionID,
		"filename":    NormalizeFilename(in.Filename()),
	})
	if err == nil && len(rows) > 0 {
		return rows[0].ServiceCode, nil
	}
	body, err := s.stores(in.Bucket).Download(ctx, in.ObjectKey)
	if err != nil {
		return "", err
	}
	defer body.Close()
	doc, err := txc.Parse(body)
	if err != nil {
		return "", err
	}
	return doc.ServiceCode(), nil
}
