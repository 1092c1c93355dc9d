package pipeline

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/schema/xsd"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

func TestAttributesStep(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := fixture(t, "flix_603.xml")
	e.upload(t, "uploads/UZ000FLIX_UKN603", data)

	out, err := e.run(t, storage.StepTXCAttributes, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "uploads/UZ000FLIX_UKN603"})
	require.NoError(t, err)

	// The published FLIX 603 file hashes to ca6a517e77b727d34a05de63938777f5199bb1f6.
	// testdata holds a trimmed copy, so its own digest is pinned here.
	const want = "4ec652700b50a71ec731ce50641eac3cc782ef2c"
	sum := sha1.Sum(data)
	require.Equal(t, want, hex.EncodeToString(sum[:]), "testdata/flix_603.xml changed")
	assert.Equal(t, AttributesOutput{Filename: "UZ000FLIX_UKN603.xml", Hash: want}, out.Output)

	rows, err := e.repos.FileAttributes.GetByRevision(nil, rev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	attrs := rows[0]
	assert.Equal(t, "UZ000FLIX_UKN603.xml", attrs.Filename)
	assert.Equal(t, want, attrs.Hash)
	assert.Equal(t, "2.4", attrs.SchemaVersion)
	assert.Equal(t, 3, attrs.RevisionNumber)
	assert.Equal(t, "revise", attrs.Modification)
	assert.Equal(t, "FLIX", attrs.NationalOperatorCode)
	assert.Equal(t, "PB0002032", attrs.LicenceNumber)
	assert.Equal(t, "UZ000FLIX:UKN603", attrs.ServiceCode)
	assert.Equal(t, []string{"603", "603X"}, attrs.Lines())
	assert.Equal(t, "London", attrs.Origin)
	assert.Equal(t, "Cambridge", attrs.Destination)
	assert.Equal(t, 2, attrs.NumOfTimingPoints)
	require.NotNil(t, attrs.OperatingPeriodStartDate)
	assert.Equal(t, "2021-03-01", attrs.OperatingPeriodStartDate.Format("2006-01-02"))
	require.NotNil(t, attrs.LastExpiringServiceDate)
	assert.Equal(t, "2021-12-31", attrs.LastExpiringServiceDate.Format("2006-01-02"))
}

func TestAttributesStep_SkipsDuplicateContent(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := fixture(t, "flix_603.xml")
	e.upload(t, "a.xml", data)
	e.upload(t, "b.xml", data)

	_, err := e.run(t, storage.StepTXCAttributes, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "a.xml"})
	require.NoError(t, err)
	out, err := e.run(t, storage.StepTXCAttributes, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "b.xml"})
	require.NoError(t, err)
	assert.True(t, out.Output.(AttributesOutput).Skipped)

	rows, err := e.repos.FileAttributes.GetByRevision(nil, rev.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAttributesStep_EmptyFile(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	e.upload(t, "empty.xml", nil)

	_, err := e.run(t, storage.StepTXCAttributes, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "empty.xml"})
	assert.Equal(t, CodeValidationFailed, CodeOf(err))
}

func TestUnsupportedSchemaVersionFailsRevision(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := bytes.Replace(fixture(t, "flix_603.xml"), []byte(`SchemaVersion="2.4"`), []byte(`SchemaVersion="2.1"`), 1)
	e.upload(t, "old.xml", data)

	_, err := e.run(t, storage.StepTXCAttributes, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "old.xml"})
	var exc *PipelineException
	require.True(t, errors.As(err, &exc))
	assert.Equal(t, CodeSchemaVersionNotSupported, exc.Code)

	// The orchestrator hands the exception to the failure handler.
	info, err := ParsePipelineException(exc.Error())
	require.NoError(t, err)
	require.NoError(t, e.controller.HandleException(context.Background(), task.ID, info.StepName, info.Message))

	revision, err := e.repos.Revisions.GetByID(nil, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.RevisionStatusError, revision.Status)
	stored, err := e.repos.TaskResults.GetByID(nil, task.ID)
	require.NoError(t, err)
	assert.Equal(t, string(storage.StepTXCAttributes), stored.TaskNameFailed)
	require.Len(t, e.mail.Sent(), 1)
}

func TestPostSchemaStep_FlagsPersonalFileName(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := bytes.Replace(fixture(t, "flix_603.xml"),
		[]byte(`FileName="UZ000FLIX_UKN603.xml"`), []byte(`FileName="C:\Users\jane\UZ000FLIX_UKN603.xml"`), 1)
	e.upload(t, "pii.xml", data)
	in := StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "pii.xml"}

	out, err := e.run(t, storage.StepPostSchemaCheck, in)
	require.NoError(t, err)
	assert.Equal(t, PostSchemaOutput{Violations: 2}, out.Output)

	rows, err := e.repos.Violations.PostSchemaByRevision(nil, rev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, PIIError, row.Details)
		assert.Equal(t, "pii.xml", row.Filename)
	}

	// Running the check again replaces the file's rows.
	step, err := NewPostSchemaStep(e.repos, SingleStore(e.store), []string{`(?i)users`})
	require.NoError(t, err)
	_, err = step.Run(context.Background(), in)
	require.NoError(t, err)
	n, err := e.repos.Violations.CountPostSchema(nil, rev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestPostSchemaStep_CleanFileName(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	e.upload(t, "clean.xml", fixture(t, "flix_603.xml"))

	out, err := e.run(t, storage.StepPostSchemaCheck, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "clean.xml"})
	require.NoError(t, err)
	assert.Equal(t, PostSchemaOutput{Violations: 0}, out.Output)
}

func TestNewPostSchemaStep_InvalidPattern(t *testing.T) {
	_, err := NewPostSchemaStep(nil, nil, []string{"("})
	assert.Error(t, err)
}

func TestPTIStep_RegionLookupIsCached(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := fixture(t, "pti_bristol.xml")
	e.upload(t, "1/a.xml", data)
	e.upload(t, "1/b.xml", data)

	for _, key := range []string{"1/a.xml", "1/b.xml"} {
		out, err := e.run(t, storage.StepPTIValidation, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: key})
		require.NoError(t, err)
		assert.Equal(t, PTIOutput{Observations: 0}, out.Output)
	}
	assert.Equal(t, 1, e.stops.calls)

	value, ok, err := e.cache.Get(context.Background(), "PB0002032:603-is-scottish-region")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "false", value)
}

func TestPTIStep_StoresObservations(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	data := bytes.Replace(fixture(t, "pti_bristol.xml"), []byte(`SchemaVersion="2.4"`), []byte(`SchemaVersion="2.1"`), 1)
	e.upload(t, "old.xml", data)

	out, err := e.run(t, storage.StepPTIValidation, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "old.xml"})
	require.NoError(t, err)
	assert.Equal(t, PTIOutput{Observations: 1}, out.Output)

	rows, err := e.repos.Violations.PTIByRevision(nil, rev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "old.xml", rows[0].Filename)
	assert.Equal(t, "PB0002032:603", rows[0].ServiceCode)
	assert.Equal(t, 2, rows[0].Line)
}

func TestPTIStep_OutOfTime(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	e.upload(t, "a.xml", fixture(t, "pti_bristol.xml"))
	step := NewPTIStep(e.repos, SingleStore(e.store), nil, nil, time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := step.Run(ctx, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "a.xml"})
	assert.Equal(t, CodeTimeout, CodeOf(err))
}

func TestSchemaCheckStep(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	e.xsd.violations = []xsd.Violation{{Line: 3, Details: "element Foo not expected"}}
	e.upload(t, "a.xml", fixture(t, "flix_603.xml"))
	in := StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "a.xml"}

	out, err := e.run(t, storage.StepSchemaCheck, in)
	require.NoError(t, err)
	assert.Equal(t, SchemaCheckOutput{Violations: 1}, out.Output)

	step := NewSchemaCheckStep(e.repos, SingleStore(e.store), xsd.NewCache(CatalogSchemaSource(e.repos)))
	step.schemas.Put(storage.SchemaCategoryTXC, e.xsd)
	_, err = step.Run(context.Background(), in)
	require.NoError(t, err)

	rows, err := e.repos.Violations.SchemaByRevision(nil, rev.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 3, rows[0].Line)
	assert.Equal(t, "a.xml", rows[0].Filename)
}

func TestSchemaCheckStep_NoSchemaStored(t *testing.T) {
	e := newEnv(t)
	rev, task := e.start(t)
	e.upload(t, "netex.xml", []byte(`<?xml version="1.0"?><PublicationDelivery version="1.1"/>`))

	_, err := e.run(t, storage.StepSchemaCheck, StepInput{RevisionID: rev.ID, TaskResultID: task.ID, ObjectKey: "netex.xml"})
	assert.Equal(t, CodeNoSchemaFound, CodeOf(err))
}

func TestSniffCategory(t *testing.T) {
	assert.Equal(t, storage.SchemaCategoryNeTEx, sniffCategory(bytes.NewReader([]byte(`<?xml version="1.0"?><!-- x --><PublicationDelivery/>`))))
	assert.Equal(t, storage.SchemaCategoryTXC, sniffCategory(bytes.NewReader([]byte(`<TransXChange/>`))))
	assert.Equal(t, storage.SchemaCategoryTXC, sniffCategory(bytes.NewReader(nil)))
}
