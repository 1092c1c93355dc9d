package handler

import (
	"context"
	"encoding/json"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/pipeline"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// fileSteps run for every extracted document, in order.
var fileSteps = []storage.StepName{
	storage.StepSchemaCheck,
	storage.StepPostSchemaCheck,
	storage.StepTXCAttributes,
	storage.StepPTIValidation,
}

// RunPipeline drives one upload through every step in-process, the way the
// orchestrator does in the cloud. A failed step closes the run through the
// exception handler and its exception is returned.
func RunPipeline(ctx context.Context, deps *Deps, revisionID int, bucket, key string) (storage.RevisionStatus, error) {
	logger := log.WithFields(log.Fields{"revision_id": revisionID, "object_key": key})

	task, err := deps.Controller.Initialize(ctx, revisionID)
	if err != nil {
		return "", err
	}
	in := pipeline.StepInput{RevisionID: revisionID, TaskResultID: task.ID, Bucket: bucket, ObjectKey: key}

	fail := func(err error) (storage.RevisionStatus, error) {
		var exc *pipeline.PipelineException
		if !errors.As(err, &exc) {
			exc = &pipeline.PipelineException{Message: err.Error(), Code: pipeline.CodeOf(err), Err: err}
		}
		if herr := deps.Controller.HandleException(ctx, task.ID, exc.StepName, exc.Message); herr != nil {
			logger.WithError(herr).Error("unable to record pipeline failure")
		}
		return storage.RevisionStatusError, exc
	}

	if _, err := deps.Steps[storage.StepClamAV](ctx, in); err != nil {
		return fail(err)
	}
	validated, err := deps.Steps[storage.StepFileValidator](ctx, in)
	if err != nil {
		return fail(err)
	}
	items, err := extractedFiles(validated)
	if err != nil {
		return fail(err)
	}

	for _, item := range items {
		file := in
		file.Bucket, file.ObjectKey = item.Bucket, item.ObjectKey
		for _, name := range fileSteps {
			if _, err := deps.Steps[name](ctx, file); err != nil {
				return fail(err)
			}
		}
	}

	status, err := deps.Controller.Finalize(ctx, task.ID, "")
	if err != nil {
		return fail(err)
	}
	logger.WithFields(log.Fields{"files": len(items), "status": status}).Info("pipeline complete")
	return status, nil
}

// extractedFiles reads the validator output, which is typed on a fresh run
// and raw JSON when replayed from the step result.
func extractedFiles(outcome *pipeline.StepOutcome) ([]pipeline.ExtractedFile, error) {
	switch out := outcome.Output.(type) {
	case pipeline.FileValidatorOutput:
		return out.Items, nil
	case nil:
		return nil, nil
	default:
		data, err := json.Marshal(out)
		if err != nil {
			return nil, err
		}
		var decoded pipeline.FileValidatorOutput
		if err := json.Unmarshal(data, &decoded); err != nil {
			return nil, err
		}
		return decoded.Items, nil
	}
}
