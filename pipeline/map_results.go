package pipeline

import (
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

type resultFile struct {
	Key  string `json:"Key"`
	Size int64  `json:"Size"`
}

// mapManifest is the manifest.json a distributed map writes next to its
// result files.
type mapManifest struct {
	DestinationBucket string `json:"DestinationBucket"`
	MapRunArn         string `json:"MapRunArn"`
	ResultFiles       struct {
		Failed    []resultFile `json:"FAILED"`
		Pending   []resultFile `json:"PENDING"`
		Succeeded []resultFile `json:"SUCCEEDED"`
	} `json:"ResultFiles"`
}

type mapExecution struct {
	ExecutionArn string `json:"ExecutionArn"`
	Input        string `json:"Input"`
	Status       string `json:"Status"`
	Error        string `json:"Error"`
	Cause        string `json:"Cause"`
}

type MapFailure struct {
	Input string `json:"Input"`
	Error string `json:"Error"`
	Cause string `json:"Cause"`
}

type CollateOutput struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Pending   int          `json:"pending"`
	Failures  []MapFailure `json:"failures,omitempty"`
}

// MapRunID is the last ":" segment of a map run ARN, which names the folder
// the results were written to.
func MapRunID(arn string) string {
	if i := strings.LastIndex(arn, ":"); i >= 0 {
		return arn[i+1:]
	}
	return arn
}

// CollateStep counts the outcomes of a distributed map run.
type CollateStep struct {
	stores Stores
}

func NewCollateStep(stores Stores) *CollateStep {
	return &CollateStep{stores: stores}
}

func (s *CollateStep) Run(ctx context.Context, in StepInput) (*StepOutcome, error) {
	if in.MapRunArn == "" {
		return nil, stepErrorf(CodeValidationFailed, "no map run to collate")
	}
	manifestKey := path.Join(in.OutputPrefix, MapRunID(in.MapRunArn), "manifest.json")

	var manifest mapManifest
	if err := s.readJSON(ctx, in.Bucket, manifestKey, &manifest); err != nil {
		return nil, err
	}

	out := CollateOutput{Failures: make([]MapFailure, 0)}
	for _, f := range manifest.ResultFiles.Succeeded {
		executions, err := s.executions(ctx, in.Bucket, f.Key)
		if err != nil {
			return nil, err
		}
		out.Succeeded += len(executions)
	}
	for _, f := range manifest.ResultFiles.Failed {
		executions, err := s.executions(ctx, in.Bucket, f.Key)
		if err != nil {
			return nil, err
		}
		out.Failed += len(executions)
		for _, e := range executions {
			out.Failures = append(out.Failures, MapFailure{Input: e.Input, Error: e.Error, Cause: e.Cause})
		}
	}
	for _, f := range manifest.ResultFiles.Pending {
		executions, err := s.executions(ctx, in.Bucket, f.Key)
		if err != nil {
			return nil, err
		}
		out.Pending += len(executions)
	}

	log.WithFields(log.Fields{
		"map_run":   in.MapRunArn,
		"succeeded": out.Succeeded,
		"failed":    out.Failed,
	}).Info("collated map results")
	if out.Succeeded == 0 && out.Failed > 0 {
		return nil, stepErrorf(CodeValidationFailed, "all %d files failed processing", out.Failed)
	}
	return &StepOutcome{Output: out}, nil
}

func (s *CollateStep) executions(ctx context.Context, bucket, key string) ([]mapExecution, error) {
	executions := make([]mapExecution, 0)
	if err := s.readJSON(ctx, bucket, key, &executions); err != nil {
		return nil, err
	}
	return executions, nil
}

func (s *CollateStep) readJSON(ctx context.Context, bucket, key string, v interface{}) error {
	body, err := s.stores(bucket).Download(ctx, key)
	if err != nil {
		return err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(v); err != nil {
		return errors.Wrapf(err, "malformed map result %s", key)
	}
	return nil
}
