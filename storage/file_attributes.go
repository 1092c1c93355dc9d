package storage

import (
	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"
	gormbulk "github.com/t-tiger/gorm-bulk-insert"
)

const bulkChunkSize = 1000

type FileAttributesRepo interface {
	GetByID(tx *gorm.DB, id int) (*TXCFileAttributes, error)
	GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*TXCFileAttributes, error)
	GetByRevision(tx *gorm.DB, revisionID int) ([]*TXCFileAttributes, error)
	Insert(tx *gorm.DB, attrs *TXCFileAttributes) error
	BulkInsert(tx *gorm.DB, attrs []*TXCFileAttributes) error
	DeleteBy(tx *gorm.DB, filters map[string]interface{}) (int64, error)
	HashesForRevision(tx *gorm.DB, revisionID int) (map[string]bool, error)
	// IDsForRevision is a sub-select producing the ids of a revision's rows.
	IDsForRevision(tx *gorm.DB, revisionID int) *gorm.SqlExpr
	StreamByRevision(tx *gorm.DB, revisionID int, fn func(*TXCFileAttributes) error) error
}

type fileAttributesRepo struct {
	db  *gorm.DB
	log *log.Entry
}

func NewFileAttributesRepo(db *gorm.DB) FileAttributesRepo {
	return &fileAttributesRepo{db: db, log: log.WithField("repo", "FileAttributesRepo")}
}

func (r *fileAttributesRepo) GetByID(tx *gorm.DB, id int) (*TXCFileAttributes, error) {
	var attrs TXCFileAttributes
	if err := getByID(txOr(tx, r.db), &attrs, id, CodeFileAttributesNotFound, attrs.TableName()); err != nil {
		return nil, err
	}
	return &attrs, nil
}

func (r *fileAttributesRepo) GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*TXCFileAttributes, error) {
	out := make([]*TXCFileAttributes, 0)
	if err := getBy(txOr(tx, r.db), &out, filters, TXCFileAttributes{}.TableName()); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *fileAttributesRepo) GetByRevision(tx *gorm.DB, revisionID int) ([]*TXCFileAttributes, error) {
	return r.GetBy(tx, map[string]interface{}{"revision_id": revisionID})
}

func (r *fileAttributesRepo) Insert(tx *gorm.DB, attrs *TXCFileAttributes) error {
	err := txOr(tx, r.db).Create(attrs).Error
	return queryError(err, "INSERT INTO organisation_txcfileattributes", attrs.RevisionID, attrs.Filename)
}

func (r *fileAttributesRepo) BulkInsert(tx *gorm.DB, attrs []*TXCFileAttributes) error {
	if len(attrs) == 0 {
		return nil
	}
	rows := make([]interface{}, 0, len(attrs))
	for _, a := range attrs {
		rows = append(rows, *a)
	}
	err := gormbulk.BulkInsert(txOr(tx, r.db), rows, bulkChunkSize)
	return queryError(err, "INSERT INTO organisation_txcfileattributes VALUES <bulk>", len(rows))
}

func (r *fileAttributesRepo) DeleteBy(tx *gorm.DB, filters map[string]interface{}) (int64, error) {
	return deleteBy(txOr(tx, r.db), &TXCFileAttributes{}, filters, TXCFileAttributes{}.TableName())
}

func (r *fileAttributesRepo) HashesForRevision(tx *gorm.DB, revisionID int) (map[string]bool, error) {
	hashes := make([]string, 0)
	err := txOr(tx, r.db).Model(&TXCFileAttributes{}).
		Where("revision_id = ?", revisionID).
		Pluck("hash", &hashes).Error
	if err != nil {
		return nil, queryError(err, "SELECT hash FROM organisation_txcfileattributes WHERE revision_id = ?", revisionID)
	}
	seen := make(map[string]bool, len(hashes))
	for _, h := range hashes {
		seen[h] = true
	}
	return seen, nil
}

func (r *fileAttributesRepo) IDsForRevision(tx *gorm.DB, revisionID int) *gorm.SqlExpr {
	return txOr(tx, r.db).Model(&TXCFileAttributes{}).Select("id").Where("revision_id = ?", revisionID).QueryExpr()
}

func (r *fileAttributesRepo) StreamByRevision(tx *gorm.DB, revisionID int, fn func(*TXCFileAttributes) error) error {
	db := txOr(tx, r.db)
	rows, err := db.Model(&TXCFileAttributes{}).Where("revision_id = ?", revisionID).Order("id").Rows()
	if err != nil {
		return queryError(err, "SELECT * FROM organisation_txcfileattributes WHERE revision_id = ?", revisionID)
	}
	defer rows.Close()

	for rows.Next() {
		var attrs TXCFileAttributes
		if err := db.ScanRows(rows, &attrs); err != nil {
			return err
		}
		if err := fn(&attrs); err != nil {
			return err
		}
	}
	return rows.Err()
}
