package storage

import (
	"fmt"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/jinzhu/gorm/dialects/postgres"
	"github.com/lib/pq"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

const (
	maxOpenConns    = 10
	maxIdleConns    = 2
	connMaxLifetime = 5 * time.Minute
)

// NewPostgresORMDB opens a pooled handle on the catalog database.
func NewPostgresORMDB(dbURI string) (*gorm.DB, error) {
	db, err := gorm.Open("postgres", dbURI)
	if err != nil {
		return nil, errors.Wrap(err, "unable to open catalog database")
	}
	db.DB().SetMaxOpenConns(maxOpenConns)
	db.DB().SetMaxIdleConns(maxIdleConns)
	db.DB().SetConnMaxLifetime(connMaxLifetime)
	return db, nil
}

// Migrate creates the pipeline tables. Callers must only invoke it for
// local and standalone environments.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...).Error; err != nil {
		return errors.Wrap(err, "unable to create tables")
	}
	return nil
}

// Session runs fn inside a transaction which is committed when fn returns nil
// and rolled back otherwise, including on panic.
func Session(db *gorm.DB, fn func(tx *gorm.DB) error) (err error) {
	tx := db.Begin()
	if tx.Error != nil {
		return errors.Wrap(tx.Error, "unable to begin transaction")
	}
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
			panic(r)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback().Error; rbErr != nil {
			log.WithError(rbErr).Warn("rollback failed")
		}
		return err
	}
	if err = tx.Commit().Error; err != nil {
		return errors.Wrap(err, "unable to commit transaction")
	}
	return nil
}

// QueryError decorates a database failure with the statement that produced it.
type QueryError struct {
	Statement string
	Params    []interface{}
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s %v: %s", e.Statement, e.Params, e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

func queryError(err error, statement string, params ...interface{}) error {
	if err == nil {
		return nil
	}
	return &QueryError{Statement: statement, Params: params, Err: err}
}

// NotFoundError is returned when a lookup by identity finds no row.
type NotFoundError struct {
	Code string
	ID   interface{}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.ID)
}

const (
	CodeRevisionNotFound       = "REVISION_NOT_FOUND"
	CodeTaskNotFound           = "TASK_NOT_FOUND"
	CodeStepResultNotFound     = "STEP_RESULT_NOT_FOUND"
	CodeSchemaNotFound         = "SCHEMA_NOT_FOUND"
	CodeFileAttributesNotFound = "FILE_ATTRIBUTES_NOT_FOUND"
	CodeDatasetNotFound        = "DATASET_NOT_FOUND"
	CodeOrganisationNotFound   = "ORGANISATION_NOT_FOUND"
	CodeArchiveNotFound        = "CAVL_ARCHIVE_NOT_FOUND"
)

// IsNotFound reports whether err carries a NotFoundError with the given code,
// or any NotFoundError when code is empty.
func IsNotFound(err error, code string) bool {
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		return false
	}
	return code == "" || nf.Code == code
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// sqlite reports constraint failures as plain errors.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func txOr(tx, db *gorm.DB) *gorm.DB {
	if tx == nil {
		return db
	}
	return tx
}

func getByID(db *gorm.DB, out interface{}, id int, code, table string) error {
	err := db.Where("id = ?", id).First(out).Error
	if gorm.IsRecordNotFoundError(err) {
		return &NotFoundError{Code: code, ID: id}
	}
	return queryError(err, fmt.Sprintf("SELECT * FROM %s WHERE id = ?", table), id)
}

func getBy(db *gorm.DB, out interface{}, filters map[string]interface{}, table string) error {
	q := db
	if len(filters) > 0 {
		q = q.Where(filters)
	}
	err := q.Order("id").Find(out).Error
	return queryError(err, fmt.Sprintf("SELECT * FROM %s WHERE <filters>", table), filters)
}

func deleteBy(db *gorm.DB, model interface{}, filters map[string]interface{}, table string) (int64, error) {
	if len(filters) == 0 {
		return 0, fmt.Errorf("refusing unfiltered delete on %s", table)
	}
	res := db.Where(filters).Delete(model)
	if res.Error != nil {
		return 0, queryError(res.Error, fmt.Sprintf("DELETE FROM %s WHERE <filters>", table), filters)
	}
	return res.RowsAffected, nil
}
