package pipeline

import (
	"time"

	"github.com/department-for-transport-BODS/bods-backend-sub005/metrics"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/pti"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// Dependencies are the collaborators the file-processing steps share.
type Dependencies struct {
	Repos       *storage.Repositories
	Stores      Stores
	Scanner     Scanner
	Schemas     *xsd.Cache
	Rules       *pti.RuleDocument
	Region      pti.RegionLookup
	PIIPatterns []string
	Limits      FileLimits
	Metrics     metrics.Sink
	// TimeReserve is kept back from the invocation deadline for recording.
	TimeReserve time.Duration
}

// Steps maps each step name to its recorded implementation.
type Steps map[storage.StepName]StepFunc

func NewSteps(deps Dependencies) (Steps, error) {
	if deps.Limits == (FileLimits{}) {
		deps.Limits = DefaultFileLimits
	}
	postSchema, err := NewPostSchemaStep(deps.Repos, deps.Stores, deps.PIIPatterns)
	if err != nil {
		return nil, err
	}
	recorder := NewRecorder(deps.Repos, deps.Metrics)
	raw := map[storage.StepName]StepFunc{
		storage.StepClamAV:            NewAntivirusStep(deps.Stores, deps.Scanner).Run,
		storage.StepFileValidator:     NewFileValidatorStep(deps.Repos, deps.Stores, deps.Limits).Run,
		storage.StepSchemaCheck:       NewSchemaCheckStep(deps.Repos, deps.Stores, deps.Schemas).Run,
		storage.StepPostSchemaCheck:   postSchema.Run,
		storage.StepTXCAttributes:     NewAttributesStep(deps.Repos, deps.Stores).Run,
		storage.StepPTIValidation:     NewPTIStep(deps.Repos, deps.Stores, deps.Rules, deps.Region, deps.TimeReserve).Run,
		storage.StepCollateMapResults: NewCollateStep(deps.Stores).Run,
	}
	steps := make(Steps, len(raw))
	for name, fn := range raw {
		steps[name] = recorder.Wrap(name, fn)
	}
	return steps, nil
}
