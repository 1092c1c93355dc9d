package storage

import (
	"time"

	"github.com/jinzhu/gorm"
)

type DQSTaskResultRepo interface {
	Insert(tx *gorm.DB, result *DQSTaskResult) error
	GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*DQSTaskResult, error)
	// DeleteAllByTXCFileAttributesIDs deletes, in one statement, every result
	// whose file attributes id is produced by the sub-select.
	DeleteAllByTXCFileAttributesIDs(tx *gorm.DB, ids *gorm.SqlExpr) (int64, error)
}

type dqsTaskResultRepo struct {
	db *gorm.DB
}

func NewDQSTaskResultRepo(db *gorm.DB) DQSTaskResultRepo {
	return &dqsTaskResultRepo{db: db}
}

func (r *dqsTaskResultRepo) Insert(tx *gorm.DB, result *DQSTaskResult) error {
	if result.Created.IsZero() {
		result.Created = time.Now().UTC()
	}
	err := txOr(tx, r.db).Create(result).Error
	return queryError(err, "INSERT INTO dqs_taskresults", result.TransmodelTXCFileAttributesID)
}

func (r *dqsTaskResultRepo) GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*DQSTaskResult, error) {
	out := make([]*DQSTaskResult, 0)
	err := getBy(txOr(tx, r.db), &out, filters, DQSTaskResult{}.TableName())
	return out, err
}

func (r *dqsTaskResultRepo) DeleteAllByTXCFileAttributesIDs(tx *gorm.DB, ids *gorm.SqlExpr) (int64, error) {
	res := txOr(tx, r.db).Where("transmodel_txcfileattributes_id IN (?)", ids).Delete(&DQSTaskResult{})
	if res.Error != nil {
		return 0, queryError(res.Error, "DELETE FROM dqs_taskresults WHERE transmodel_txcfileattributes_id IN (<subquery>)")
	}
	return res.RowsAffected, nil
}
