package handler

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/alecthomas/jsonschema"
	"github.com/xeipuuv/gojsonschema"

	"github.com/department-for-transport-BODS/bods-backend-sub005/pipeline"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// ErrorInfo is the failure the orchestrator routes to the exception handler.
// It is either the decoded {error_message, step_name} pair or the raw task
// failure with the lambda error JSON in Cause.
type ErrorInfo struct {
	ErrorMessage string `json:"error_message,omitempty"`
	StepName     string `json:"step_name,omitempty"`
	Error        string `json:"Error,omitempty"`
	Cause        string `json:"Cause,omitempty"`
}

// Event is the union of every handler payload.
type Event struct {
	DatasetRevisionID      int                      `json:"DatasetRevisionId,omitempty"`
	DatasetEtlTaskResultID int                      `json:"DatasetEtlTaskResultId,omitempty"`
	Bucket                 string                   `json:"Bucket,omitempty"`
	ObjectKey              string                   `json:"ObjectKey,omitempty"`
	ErrorInfo              *ErrorInfo               `json:"ErrorInfo,omitempty"`
	MapRunArn              string                   `json:"MapRunArn,omitempty"`
	OutputPrefix           string                   `json:"OutputPrefix,omitempty"`
	DataFormat             storage.CAVLDataFormat   `json:"DataFormat,omitempty"`
	Outcome                pipeline.Outcome         `json:"Outcome,omitempty"`
	Items                  []pipeline.ExtractedFile `json:"Items,omitempty"`
}

func (e *Event) stepInput() pipeline.StepInput {
	return pipeline.StepInput{
		RevisionID:   e.DatasetRevisionID,
		TaskResultID: e.DatasetEtlTaskResultID,
		Bucket:       e.Bucket,
		ObjectKey:    e.ObjectKey,
		MapRunArn:    e.MapRunArn,
		OutputPrefix: e.OutputPrefix,
	}
}

// Payload shapes, one per handler family. They only exist to reflect the
// validation schemas.

type revisionPayload struct {
	DatasetRevisionID int `json:"DatasetRevisionId" jsonschema:"required,minimum=1"`
}

type taskPayload struct {
	DatasetEtlTaskResultID int    `json:"DatasetEtlTaskResultId" jsonschema:"required,minimum=1"`
	Outcome                string `json:"Outcome"`
}

type filePayload struct {
	DatasetRevisionID      int    `json:"DatasetRevisionId" jsonschema:"required,minimum=1"`
	DatasetEtlTaskResultID int    `json:"DatasetEtlTaskResultId" jsonschema:"required,minimum=1"`
	Bucket                 string `json:"Bucket" jsonschema:"required"`
	ObjectKey              string `json:"ObjectKey" jsonschema:"required,minLength=1"`
}

type mapRunPayload struct {
	DatasetRevisionID      int    `json:"DatasetRevisionId" jsonschema:"required,minimum=1"`
	DatasetEtlTaskResultID int    `json:"DatasetEtlTaskResultId" jsonschema:"required,minimum=1"`
	Bucket                 string `json:"Bucket" jsonschema:"required"`
	MapRunArn              string `json:"MapRunArn" jsonschema:"required,minLength=1"`
	OutputPrefix           string `json:"OutputPrefix" jsonschema:"required"`
}

type errorInfoPayload struct {
	ErrorMessage string `json:"error_message"`
	StepName     string `json:"step_name"`
	Error        string `json:"Error"`
	Cause        string `json:"Cause"`
}

type exceptionPayload struct {
	DatasetEtlTaskResultID int              `json:"DatasetEtlTaskResultId" jsonschema:"required,minimum=1"`
	ErrorInfo              errorInfoPayload `json:"ErrorInfo" jsonschema:"required"`
}

type archivePayload struct {
	DataFormat string `json:"DataFormat" jsonschema:"required,enum=VM,enum=RT,enum=TL"`
}

type itemPayload struct {
	Bucket    string `json:"Bucket" jsonschema:"required"`
	ObjectKey string `json:"ObjectKey" jsonschema:"required,minLength=1"`
}

type fanOutPayload struct {
	Items []itemPayload `json:"Items" jsonschema:"required"`
}

// schemaOf reflects v into a JSON schema. Extra properties are allowed
// because the orchestrator passes its whole state along.
func schemaOf(v interface{}) *gojsonschema.Schema {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties:  true,
		ExpandedStruct:             true,
		RequiredFromJSONSchemaTags: true,
	}
	s := reflector.Reflect(v)
	data, err := s.MarshalJSON()
	if err != nil {
		panic(err)
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(data))
	if err != nil {
		panic(err)
	}
	return schema
}

var (
	revisionSchema  = schemaOf(&revisionPayload{})
	taskSchema      = schemaOf(&taskPayload{})
	fileSchema      = schemaOf(&filePayload{})
	mapRunSchema    = schemaOf(&mapRunPayload{})
	exceptionSchema = schemaOf(&exceptionPayload{})
	archiveSchema   = schemaOf(&archivePayload{})
	fanOutSchema    = schemaOf(&fanOutPayload{})
)

func validate(schema *gojsonschema.Schema, payload []byte) error {
	if !json.Valid(payload) {
		return errors.New("payload is not valid JSON")
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(payload))
	if err != nil {
		return err
	}
	if !result.Valid() {
		reasons := make([]string, 0)
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return errors.New(strings.Join(reasons, "\n"))
	}
	return nil
}
