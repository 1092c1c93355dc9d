// Package storagetest opens throwaway catalog databases for tests.
package storagetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/sqlite"
	"github.com/stretchr/testify/require"

	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// DB returns an in-memory sqlite catalog with every table created. The pool
// is pinned to one connection so all statements see the same database; code
// under test must therefore use the transaction handle it was given.
func DB(tb testing.TB) *gorm.DB {
	tb.Helper()
	db, err := gorm.Open("sqlite3", ":memory:")
	require.NoError(tb, err)
	db.DB().SetMaxOpenConns(1)
	require.NoError(tb, storage.Migrate(db))
	tb.Cleanup(func() { db.Close() })
	return db
}

// SeedRevision creates an organisation, a dataset and one revision in status.
func SeedRevision(tb testing.TB, db *gorm.DB, status storage.RevisionStatus) *storage.DatasetRevision {
	tb.Helper()
	org := &storage.Organisation{Name: "Flix Bus", KeyContactEmail: "publisher@example.com", IsActive: true}
	require.NoError(tb, db.Create(org).Error)

	dataset := &storage.Dataset{OrganisationID: org.ID, DatasetType: 1, Created: time.Now().UTC(), Modified: time.Now().UTC()}
	require.NoError(tb, db.Create(dataset).Error)

	rev := &storage.DatasetRevision{
		DatasetID:        dataset.ID,
		Name:             fmt.Sprintf("dataset-%d", dataset.ID),
		ShortDescription: "weekday timetable",
		Comment:          "first upload",
		Status:           status,
		UploadFile:       "uploads/timetable.zip",
	}
	require.NoError(tb, storage.NewRevisionRepo(db).Insert(nil, rev))
	return rev
}

// SeedTaskResult creates a task result for the revision in status.
func SeedTaskResult(tb testing.TB, db *gorm.DB, revisionID int, status storage.TaskStatus) *storage.ETLTaskResult {
	tb.Helper()
	task := &storage.ETLTaskResult{
		RevisionID: revisionID,
		TaskID:     fmt.Sprintf("task-%d-%d", revisionID, time.Now().UnixNano()),
		Status:     status,
	}
	require.NoError(tb, storage.NewTaskResultRepo(db).Insert(nil, task))
	return task
}

// SeedFileAttributes stores one attributes row for the revision.
func SeedFileAttributes(tb testing.TB, db *gorm.DB, revisionID int, filename, hash string) *storage.TXCFileAttributes {
	tb.Helper()
	attrs := &storage.TXCFileAttributes{
		RevisionID:           revisionID,
		Filename:             filename,
		SchemaVersion:        "2.4",
		NationalOperatorCode: "FLIX",
		ServiceCode:          "UZ000FLIX:UKN603",
		Hash:                 hash,
	}
	require.NoError(tb, storage.NewFileAttributesRepo(db).Insert(nil, attrs))
	return attrs
}

func PtrTime(t time.Time) *time.Time { return &t }
