package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	log "github.com/sirupsen/logrus"
	"github.com/xeipuuv/gojsonschema"

	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/pipeline"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const (
	NameInitialize   = "initialize-pipeline"
	NameClamAV       = "clam-av-scanner"
	NameFileValidate = "file-validator"
	NameSchemaCheck  = "schema-check"
	NamePostSchema   = "post-schema-check"
	NameAttributes   = "txc-attributes"
	NamePTI          = "pti-validation"
	NameCollate      = "collate-map-results"
	NameFinalize     = "finalize-pipeline"
	NameException    = "exception-handler"
	NameCAVLArchive  = "cavl-archive"
	NameFanOut       = "fan-out-iterator"
)

type Func func(ctx context.Context, deps *Deps, ev *Event) (interface{}, error)

type Handler struct {
	Name   string
	Schema *gojsonschema.Schema
	Run    Func
}

type Registry map[string]*Handler

func NewRegistry() Registry {
	handlers := []*Handler{
		{Name: NameInitialize, Schema: revisionSchema, Run: initialize},
		{Name: NameClamAV, Schema: fileSchema, Run: step(storage.StepClamAV)},
		{Name: NameFileValidate, Schema: fileSchema, Run: step(storage.StepFileValidator)},
		{Name: NameSchemaCheck, Schema: fileSchema, Run: step(storage.StepSchemaCheck)},
		{Name: NamePostSchema, Schema: fileSchema, Run: step(storage.StepPostSchemaCheck)},
		{Name: NameAttributes, Schema: fileSchema, Run: step(storage.StepTXCAttributes)},
		{Name: NamePTI, Schema: fileSchema, Run: step(storage.StepPTIValidation)},
		{Name: NameCollate, Schema: mapRunSchema, Run: step(storage.StepCollateMapResults)},
		{Name: NameFinalize, Schema: taskSchema, Run: finalize},
		{Name: NameException, Schema: exceptionSchema, Run: handleException},
		{Name: NameCAVLArchive, Schema: archiveSchema, Run: archive},
		{Name: NameFanOut, Schema: fanOutSchema, Run: fanOutItems},
	}
	r := make(Registry, len(handlers))
	for _, h := range handlers {
		r[h.Name] = h
	}
	return r
}

// Invoke validates payload against the handler's schema and runs it. An
// invalid payload is answered with a 400 response; a failed run returns the
// error so the orchestrator can route it.
func (rt *Runtime) Invoke(ctx context.Context, name string, payload []byte) (*Response, error) {
	h, found := rt.registry[name]
	if !found {
		return nil, fmt.Errorf("unknown handler %q", name)
	}
	if err := validate(h.Schema, payload); err != nil {
		log.WithField("handler", name).WithError(err).Warn("rejected payload")
		return badRequest(err), nil
	}
	ev := &Event{}
	if err := json.Unmarshal(payload, ev); err != nil {
		return badRequest(err), nil
	}

	deps, err := rt.Deps()
	if err != nil {
		logging.CaptureError(err, map[string]string{"handler": name})
		return nil, err
	}
	body, err := h.Run(ctx, deps, ev)
	if err != nil {
		return nil, err
	}
	return ok(body), nil
}

// exception turns a controller failure into the error shape the orchestrator
// expects from a step.
func exception(stepName string, revisionID int, err error) error {
	code := pipeline.CodeOf(err)
	if code == pipeline.CodeSystemError {
		logging.CaptureError(err, map[string]string{
			"revision_id": strconv.Itoa(revisionID),
			"step_name":   stepName,
		})
	}
	return &pipeline.PipelineException{Message: pipeline.MessageOf(err), StepName: stepName, Code: code, Err: err}
}

type InitializeOutput struct {
	DatasetEtlTaskResultID int    `json:"DatasetEtlTaskResultId"`
	TaskID                 string `json:"TaskId"`
}

func initialize(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
	task, err := deps.Controller.Initialize(ctx, ev.DatasetRevisionID)
	if err != nil {
		return nil, exception(string(storage.StepInitialize), ev.DatasetRevisionID, err)
	}
	return InitializeOutput{DatasetEtlTaskResultID: task.ID, TaskID: task.TaskID}, nil
}

type StepOutput struct {
	Message string      `json:"message,omitempty"`
	Output  interface{} `json:"output,omitempty"`
	Cached  bool        `json:"cached,omitempty"`
}

func step(name storage.StepName) Func {
	return func(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
		fn, ok := deps.Steps[name]
		if !ok {
			return nil, fmt.Errorf("step %q is not configured", name)
		}
		outcome, err := fn(ctx, ev.stepInput())
		if err != nil {
			return nil, err
		}
		return StepOutput{Message: outcome.Message, Output: outcome.Output, Cached: outcome.Cached}, nil
	}
}

type FinalizeOutput struct {
	Status storage.RevisionStatus `json:"status"`
}

func finalize(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
	status, err := deps.Controller.Finalize(ctx, ev.DatasetEtlTaskResultID, ev.Outcome)
	if err != nil {
		return nil, exception(NameFinalize, ev.DatasetRevisionID, err)
	}
	return FinalizeOutput{Status: status}, nil
}

// lambdaError is the body of a failed lambda invocation as the orchestrator
// reports it in Cause.
type lambdaError struct {
	ErrorMessage string `json:"errorMessage"`
	ErrorType    string `json:"errorType"`
}

// failureOf extracts the step name and message from whichever form the
// orchestrator passed.
func failureOf(info *ErrorInfo) (stepName, message string) {
	if info == nil {
		return "", "unknown error"
	}
	if info.ErrorMessage != "" || info.StepName != "" {
		return info.StepName, info.ErrorMessage
	}
	if info.Cause != "" {
		var le lambdaError
		if err := json.Unmarshal([]byte(info.Cause), &le); err == nil && le.ErrorMessage != "" {
			if exc, err := pipeline.ParsePipelineException(le.ErrorMessage); err == nil {
				return exc.StepName, exc.Message
			}
			return info.Error, le.ErrorMessage
		}
		return info.Error, info.Cause
	}
	return info.Error, "unknown error"
}

type ExceptionOutput struct {
	Status   storage.RevisionStatus `json:"status"`
	StepName string                 `json:"step_name"`
}

func handleException(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
	stepName, message := failureOf(ev.ErrorInfo)
	if err := deps.Controller.HandleException(ctx, ev.DatasetEtlTaskResultID, stepName, message); err != nil {
		return nil, exception(NameException, ev.DatasetRevisionID, err)
	}
	return ExceptionOutput{Status: storage.RevisionStatusError, StepName: stepName}, nil
}

func archive(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
	return deps.Archiver.Archive(ctx, ev.DataFormat)
}

func fanOutItems(ctx context.Context, deps *Deps, ev *Event) (interface{}, error) {
	targets := deps.Config.TargetFunctionNames
	if len(targets) == 0 {
		return nil, fmt.Errorf("TARGET_FUNCTION_NAMES is empty")
	}
	return fanOut(ctx, deps.Invoker, targets, ev)
}
