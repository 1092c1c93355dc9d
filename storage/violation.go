package storage

import (
	"time"

	"github.com/jinzhu/gorm"
	gormbulk "github.com/t-tiger/gorm-bulk-insert"
)

// ViolationRepo covers the three violation tables. Rows are keyed by revision
// and filename so a step can replace its own output on retry.
type ViolationRepo interface {
	BulkInsertSchema(tx *gorm.DB, violations []*SchemaViolation) error
	BulkInsertPostSchema(tx *gorm.DB, violations []*PostSchemaViolation) error
	BulkInsertPTI(tx *gorm.DB, observations []*PTIObservation) error

	SchemaByRevision(tx *gorm.DB, revisionID int) ([]*SchemaViolation, error)
	PostSchemaByRevision(tx *gorm.DB, revisionID int) ([]*PostSchemaViolation, error)
	PTIByRevision(tx *gorm.DB, revisionID int) ([]*PTIObservation, error)

	DeleteSchemaBy(tx *gorm.DB, filters map[string]interface{}) (int64, error)
	DeletePostSchemaBy(tx *gorm.DB, filters map[string]interface{}) (int64, error)
	DeletePTIBy(tx *gorm.DB, filters map[string]interface{}) (int64, error)

	CountSchema(tx *gorm.DB, revisionID int) (int, error)
	CountPostSchema(tx *gorm.DB, revisionID int) (int, error)
	CountPTI(tx *gorm.DB, revisionID int) (int, error)
}

type violationRepo struct {
	db *gorm.DB
}

func NewViolationRepo(db *gorm.DB) ViolationRepo {
	return &violationRepo{db: db}
}

func (r *violationRepo) BulkInsertSchema(tx *gorm.DB, violations []*SchemaViolation) error {
	now := time.Now().UTC()
	rows := make([]interface{}, 0, len(violations))
	for _, v := range violations {
		if v.Created.IsZero() {
			v.Created = now
		}
		rows = append(rows, *v)
	}
	return r.bulkInsert(tx, rows, SchemaViolation{}.TableName())
}

func (r *violationRepo) BulkInsertPostSchema(tx *gorm.DB, violations []*PostSchemaViolation) error {
	now := time.Now().UTC()
	rows := make([]interface{}, 0, len(violations))
	for _, v := range violations {
		if v.Created.IsZero() {
			v.Created = now
		}
		rows = append(rows, *v)
	}
	return r.bulkInsert(tx, rows, PostSchemaViolation{}.TableName())
}

func (r *violationRepo) BulkInsertPTI(tx *gorm.DB, observations []*PTIObservation) error {
	now := time.Now().UTC()
	rows := make([]interface{}, 0, len(observations))
	for _, o := range observations {
		if o.Created.IsZero() {
			o.Created = now
		}
		rows = append(rows, *o)
	}
	return r.bulkInsert(tx, rows, PTIObservation{}.TableName())
}

func (r *violationRepo) bulkInsert(tx *gorm.DB, rows []interface{}, table string) error {
	if len(rows) == 0 {
		return nil
	}
	err := gormbulk.BulkInsert(txOr(tx, r.db), rows, bulkChunkSize)
	return queryError(err, "INSERT INTO "+table+" VALUES <bulk>", len(rows))
}

func (r *violationRepo) SchemaByRevision(tx *gorm.DB, revisionID int) ([]*SchemaViolation, error) {
	out := make([]*SchemaViolation, 0)
	err := getBy(txOr(tx, r.db), &out, map[string]interface{}{"revision_id": revisionID}, SchemaViolation{}.TableName())
	return out, err
}

func (r *violationRepo) PostSchemaByRevision(tx *gorm.DB, revisionID int) ([]*PostSchemaViolation, error) {
	out := make([]*PostSchemaViolation, 0)
	err := getBy(txOr(tx, r.db), &out, map[string]interface{}{"revision_id": revisionID}, PostSchemaViolation{}.TableName())
	return out, err
}

func (r *violationRepo) PTIByRevision(tx *gorm.DB, revisionID int) ([]*PTIObservation, error) {
	out := make([]*PTIObservation, 0)
	err := getBy(txOr(tx, r.db), &out, map[string]interface{}{"revision_id": revisionID}, PTIObservation{}.TableName())
	return out, err
}

func (r *violationRepo) DeleteSchemaBy(tx *gorm.DB, filters map[string]interface{}) (int64, error) {
	return deleteBy(txOr(tx, r.db), &SchemaViolation{}, filters, SchemaViolation{}.TableName())
}

func (r *violationRepo) DeletePostSchemaBy(tx *gorm.DB, filters map[string]interface{}) (int64, error) {
	return deleteBy(txOr(tx, r.db), &PostSchemaViolation{}, filters, PostSchemaViolation{}.TableName())
}

func (r *violationRepo) DeletePTIBy(tx *gorm.DB, filters map[string]interface{}) (int64, error) {
	return deleteBy(txOr(tx, r.db), &PTIObservation{}, filters, PTIObservation{}.TableName())
}

func (r *violationRepo) CountSchema(tx *gorm.DB, revisionID int) (int, error) {
	return r.count(tx, &SchemaViolation{}, revisionID)
}

func (r *violationRepo) CountPostSchema(tx *gorm.DB, revisionID int) (int, error) {
	return r.count(tx, &PostSchemaViolation{}, revisionID)
}

func (r *violationRepo) CountPTI(tx *gorm.DB, revisionID int) (int, error) {
	return r.count(tx, &PTIObservation{}, revisionID)
}

func (r *violationRepo) count(tx *gorm.DB, model interface{}, revisionID int) (int, error) {
	var n int
	err := txOr(tx, r.db).Model(model).Where("revision_id = ?", revisionID).Count(&n).Error
	return n, queryError(err, "SELECT count(*) WHERE revision_id = ?", revisionID)
}
