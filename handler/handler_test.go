package handler

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/ioutil"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/jinzhu/gorm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/notify"
	"github.com/department-for-transport-BODS/bods-backend-sub005/pipeline"
	"github.com/department-for-transport-BODS/bods-backend-sub005/realtime"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/pti"
	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage/storagetest"
)

type cleanScanner struct{}

func (cleanScanner) Scan(_ context.Context, r io.Reader) (*pipeline.ScanResult, error) {
	_, err := io.Copy(ioutil.Discard, r)
	return &pipeline.ScanResult{Status: pipeline.ScanClean}, err
}

type noViolations struct{}

func (noViolations) Validate(context.Context, io.Reader) ([]xsd.Violation, error) {
	return []xsd.Violation{}, nil
}

type recordingInvoker struct {
	mu    sync.Mutex
	calls map[string][][]byte
}

func (r *recordingInvoker) InvokeAsync(_ context.Context, function string, payload []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][][]byte)
	}
	r.calls[function] = append(r.calls[function], payload)
	return nil
}

type fakeArchiver struct {
	formats []storage.CAVLDataFormat
}

func (f *fakeArchiver) Archive(_ context.Context, format storage.CAVLDataFormat) (*realtime.Result, error) {
	f.formats = append(f.formats, format)
	return &realtime.Result{DataFormat: format, ObjectKey: "sirivm_x.zip"}, nil
}

type testEnv struct {
	db       *gorm.DB
	deps     *Deps
	rt       *Runtime
	store    *storage.AFSStore
	mail     *notify.Memory
	invoker  *recordingInvoker
	archiver *fakeArchiver
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db := storagetest.DB(t)
	repos := storage.NewRepositories(db)
	store := storage.NewMemStore(strings.ReplaceAll(t.Name(), "/", "-"))
	mail := &notify.Memory{}

	schemas := xsd.NewCache(pipeline.CatalogSchemaSource(repos))
	schemas.Put(storage.SchemaCategoryTXC, noViolations{})
	rules, err := pti.DefaultRules()
	require.NoError(t, err)
	steps, err := pipeline.NewSteps(pipeline.Dependencies{
		Repos:   repos,
		Stores:  pipeline.SingleStore(store),
		Scanner: cleanScanner{},
		Schemas: schemas,
		Rules:   rules,
		Region:  pipeline.NewCachedRegionLookup(storage.NewMemoryCache(), repos.StopPoints, time.Hour),
	})
	require.NoError(t, err)

	e := &testEnv{
		db:       db,
		store:    store,
		mail:     mail,
		invoker:  &recordingInvoker{},
		archiver: &fakeArchiver{},
	}
	e.deps = &Deps{
		Config:     &config.Config{TargetFunctionNames: []string{"schema-check", "pti-validation"}},
		Repos:      repos,
		Controller: pipeline.NewController(repos, mail, storage.RevisionStatusSuccess, "https://publish.example.com"),
		Steps:      steps,
		Archiver:   e.archiver,
		Invoker:    e.invoker,
	}
	e.rt = NewRuntimeWith(e.deps)
	return e
}

func (e *testEnv) invoke(t *testing.T, name string, payload interface{}) (*Response, error) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return e.rt.Invoke(context.Background(), name, data)
}

func txcFixture(t *testing.T, schemaVersion string) []byte {
	t.Helper()
	data, err := ioutil.ReadFile("../pipeline/testdata/flix_603.xml")
	require.NoError(t, err)
	return bytes.Replace(data, []byte(`SchemaVersion="2.4"`), []byte(`SchemaVersion="`+schemaVersion+`"`), 1)
}

func zipped(t *testing.T, name string, data []byte) []byte {
	t.Helper()
	buf := &bytes.Buffer{}
	w := zip.NewWriter(buf)
	f, err := w.Create(name)
	require.NoError(t, err)
	_, err = f.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	for _, name := range []string{
		NameInitialize, NameClamAV, NameFileValidate, NameSchemaCheck, NamePostSchema, NameAttributes,
		NamePTI, NameCollate, NameFinalize, NameException, NameCAVLArchive, NameFanOut,
	} {
		assert.Contains(t, r, name)
	}
	assert.Len(t, r, 12)
}

func TestInvoke_RejectsInvalidPayload(t *testing.T) {
	e := newTestEnv(t)

	tests := []struct {
		name    string
		handler string
		payload string
	}{
		{"missing revision", NameInitialize, `{}`},
		{"revision as string", NameInitialize, `{"DatasetRevisionId":"12"}`},
		{"missing object key", NameSchemaCheck, `{"DatasetRevisionId":1,"DatasetEtlTaskResultId":2,"Bucket":"b"}`},
		{"missing error info", NameException, `{"DatasetEtlTaskResultId":2}`},
		{"missing items", NameFanOut, `{"DatasetRevisionId":1}`},
		{"not json", NameFinalize, `{"DatasetEtlTaskResultId":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := e.rt.Invoke(context.Background(), tt.handler, []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			body, ok := resp.Body.(ErrorBody)
			require.True(t, ok)
			assert.Equal(t, CodeInvalidPayload, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestInvoke_UnknownHandler(t *testing.T) {
	e := newTestEnv(t)
	_, err := e.rt.Invoke(context.Background(), "nope", []byte(`{}`))
	assert.EqualError(t, err, `unknown handler "nope"`)
}

func TestInvoke_Initialize(t *testing.T) {
	e := newTestEnv(t)
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)

	resp, err := e.invoke(t, NameInitialize, map[string]interface{}{"DatasetRevisionId": rev.ID, "Bucket": "extra state is allowed"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	out := resp.Body.(InitializeOutput)
	assert.NotZero(t, out.DatasetEtlTaskResultID)
	assert.NotEmpty(t, out.TaskID)

	_, err = e.invoke(t, NameInitialize, map[string]interface{}{"DatasetRevisionId": 999})
	var exc *pipeline.PipelineException
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, pipeline.CodeRevisionNotFound, exc.Code)
	assert.Equal(t, string(storage.StepInitialize), exc.StepName)
}

func TestInvoke_StepAndException(t *testing.T) {
	e := newTestEnv(t)
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)
	task, err := e.deps.Controller.Initialize(context.Background(), rev.ID)
	require.NoError(t, err)
	require.NoError(t, e.store.Upload(context.Background(), "old.xml", bytes.NewReader(txcFixture(t, "2.1")), nil))

	_, stepErr := e.invoke(t, NameAttributes, map[string]interface{}{
		"DatasetRevisionId": rev.ID, "DatasetEtlTaskResultId": task.ID, "Bucket": "b", "ObjectKey": "old.xml",
	})
	require.Error(t, stepErr)

	// The orchestrator forwards the lambda failure as Error and Cause.
	cause, err := json.Marshal(lambdaError{ErrorMessage: stepErr.Error(), ErrorType: "PipelineException"})
	require.NoError(t, err)
	resp, err := e.invoke(t, NameException, map[string]interface{}{
		"DatasetRevisionId":      rev.ID,
		"DatasetEtlTaskResultId": task.ID,
		"ErrorInfo":              map[string]string{"Error": "PipelineException", "Cause": string(cause)},
	})
	require.NoError(t, err)
	assert.Equal(t, ExceptionOutput{Status: storage.RevisionStatusError, StepName: string(storage.StepTXCAttributes)}, resp.Body)

	stored, err := e.deps.Repos.TaskResults.GetByID(nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskStatusFailure, stored.Status)
	assert.Equal(t, `schema version "2.1" is not supported`, stored.AdditionalInfo)
	require.Len(t, e.mail.Sent(), 1)
	assert.True(t, strings.HasPrefix(e.mail.Sent()[0].Body, "Hello, \n\nThe following data set has failed to upload"))
}

func TestFailureOf(t *testing.T) {
	tests := []struct {
		name    string
		info    *ErrorInfo
		step    string
		message string
	}{
		{"nil", nil, "", "unknown error"},
		{"decoded", &ErrorInfo{ErrorMessage: "virus", StepName: "Clam AV Scanner"}, "Clam AV Scanner", "virus"},
		{
			"lambda cause",
			&ErrorInfo{Error: "PipelineException", Cause: `{"errorMessage":"{\"error_message\":\"bad zip\",\"step_name\":\"TxC File Validator\"}"}`},
			"TxC File Validator", "bad zip",
		},
		{"plain lambda error", &ErrorInfo{Error: "Runtime.ExitError", Cause: `{"errorMessage":"signal: killed"}`}, "Runtime.ExitError", "signal: killed"},
		{"opaque cause", &ErrorInfo{Error: "States.Timeout", Cause: "timed out"}, "States.Timeout", "timed out"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, message := failureOf(tt.info)
			assert.Equal(t, tt.step, step)
			assert.Equal(t, tt.message, message)
		})
	}
}

func TestInvoke_FanOut(t *testing.T) {
	e := newTestEnv(t)

	resp, err := e.invoke(t, NameFanOut, map[string]interface{}{
		"DatasetRevisionId":      4,
		"DatasetEtlTaskResultId": 9,
		"Items": []map[string]string{
			{"Bucket": "b", "ObjectKey": "4/uuid/a.xml"},
			{"Bucket": "b", "ObjectKey": "4/uuid/b.xml"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, &FanOutOutput{Invocations: 4}, resp.Body)

	calls := e.invoker.calls["pti-validation"]
	require.Len(t, calls, 2)
	var child Event
	require.NoError(t, json.Unmarshal(calls[1], &child))
	assert.Equal(t, Event{DatasetRevisionID: 4, DatasetEtlTaskResultID: 9, Bucket: "b", ObjectKey: "4/uuid/b.xml"}, child)
}

func TestInvoke_CAVLArchive(t *testing.T) {
	e := newTestEnv(t)

	resp, err := e.invoke(t, NameCAVLArchive, map[string]string{"DataFormat": "VM"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []storage.CAVLDataFormat{storage.CAVLDataFormatSIRIVM}, e.archiver.formats)
}

func TestRunPipeline(t *testing.T) {
	e := newTestEnv(t)
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)
	require.NoError(t, e.store.Upload(context.Background(), "uploads/timetable.zip", bytes.NewReader(zipped(t, "flix.xml", txcFixture(t, "2.4"))), nil))

	status, err := RunPipeline(context.Background(), e.deps, rev.ID, "uploads", "uploads/timetable.zip")
	require.NoError(t, err)
	// Every service in the fixture ended in 2021.
	assert.Equal(t, storage.RevisionStatusExpiring, status)

	attrs, err := e.deps.Repos.FileAttributes.GetByRevision(nil, rev.ID)
	require.NoError(t, err)
	require.Len(t, attrs, 1)
	assert.Equal(t, "flix.xml", attrs[0].Filename)

	revision, err := e.deps.Repos.Revisions.GetByID(nil, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, revision.NumOfLines)
	require.Len(t, e.mail.Sent(), 1)
	assert.Contains(t, e.mail.Sent()[0].Subject, "Data set processed")
}

func TestRunPipeline_Failure(t *testing.T) {
	e := newTestEnv(t)
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)
	require.NoError(t, e.store.Upload(context.Background(), "old.xml", bytes.NewReader(txcFixture(t, "2.1")), nil))

	status, err := RunPipeline(context.Background(), e.deps, rev.ID, "", "old.xml")
	assert.Equal(t, storage.RevisionStatusError, status)
	assert.Equal(t, pipeline.CodeSchemaVersionNotSupported, pipeline.CodeOf(err))

	revision, err := e.deps.Repos.Revisions.GetByID(nil, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RevisionStatusError, revision.Status)
	require.Len(t, e.mail.Sent(), 1)
}

type fakeQueue struct {
	messages []*sqs.Message
	deleted  []*sqs.Message
}

func (q *fakeQueue) Poll(context.Context) (*sqs.ReceiveMessageOutput, error) {
	out := &sqs.ReceiveMessageOutput{Messages: q.messages}
	q.messages = nil
	return out, nil
}

func (q *fakeQueue) DeleteMessage(_ context.Context, m *sqs.Message) error {
	q.deleted = append(q.deleted, m)
	return nil
}

func TestWorker_PollOnce(t *testing.T) {
	e := newTestEnv(t)
	rev := storagetest.SeedRevision(t, e.db, storage.RevisionStatusPending)
	require.NoError(t, e.store.Upload(context.Background(), "a.xml", bytes.NewReader(txcFixture(t, "2.4")), nil))

	good := &sqs.Message{Body: aws.String(`{"DatasetRevisionId":` + jsonInt(rev.ID) + `,"ObjectKey":"a.xml"}`)}
	bad := &sqs.Message{Body: aws.String(`{"data_owner":"x"}`)}
	queue := &fakeQueue{messages: []*sqs.Message{bad, good}}

	require.NoError(t, NewWorker(e.deps, queue, "uploads").PollOnce(context.Background()))
	assert.Equal(t, []*sqs.Message{good}, queue.deleted)

	revision, err := e.deps.Repos.Revisions.GetByID(nil, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RevisionStatusExpiring, revision.Status)
}

func jsonInt(i int) string {
	data, _ := json.Marshal(i)
	return string(data)
}
