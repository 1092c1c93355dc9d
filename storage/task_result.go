package storage

import (
	"time"

	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"
)

type TaskResultRepo interface {
	GetByID(tx *gorm.DB, id int) (*ETLTaskResult, error)
	GetForUpdate(tx *gorm.DB, id int) (*ETLTaskResult, error)
	GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*ETLTaskResult, error)
	Insert(tx *gorm.DB, task *ETLTaskResult) error
	Update(tx *gorm.DB, task *ETLTaskResult) error
	ActiveForRevision(tx *gorm.DB, revisionID int) ([]*ETLTaskResult, error)
	UpdateFieldsUnlessStatus(tx *gorm.DB, id int, disallowed []TaskStatus, updates map[string]interface{}) (bool, error)
}

type taskResultRepo struct {
	db  *gorm.DB
	log *log.Entry
}

func NewTaskResultRepo(db *gorm.DB) TaskResultRepo {
	return &taskResultRepo{db: db, log: log.WithField("repo", "TaskResultRepo")}
}

func (r *taskResultRepo) GetByID(tx *gorm.DB, id int) (*ETLTaskResult, error) {
	var task ETLTaskResult
	if err := getByID(txOr(tx, r.db), &task, id, CodeTaskNotFound, task.TableName()); err != nil {
		return nil, err
	}
	return &task, nil
}

// GetForUpdate locks the row for the rest of the transaction on dialects that
// support row locks.
func (r *taskResultRepo) GetForUpdate(tx *gorm.DB, id int) (*ETLTaskResult, error) {
	var task ETLTaskResult
	if err := getByID(forUpdate(txOr(tx, r.db)), &task, id, CodeTaskNotFound, task.TableName()); err != nil {
		return nil, err
	}
	return &task, nil
}

func (r *taskResultRepo) GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*ETLTaskResult, error) {
	out := make([]*ETLTaskResult, 0)
	if err := getBy(txOr(tx, r.db), &out, filters, ETLTaskResult{}.TableName()); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *taskResultRepo) Insert(tx *gorm.DB, task *ETLTaskResult) error {
	if task.Created.IsZero() {
		task.Created = time.Now().UTC()
	}
	if task.Status == "" {
		task.Status = TaskStatusPending
	}
	err := txOr(tx, r.db).Create(task).Error
	return queryError(err, "INSERT INTO pipelines_datasetetltaskresult", task.RevisionID, task.TaskID)
}

func (r *taskResultRepo) Update(tx *gorm.DB, task *ETLTaskResult) error {
	err := txOr(tx, r.db).Save(task).Error
	return queryError(err, "UPDATE pipelines_datasetetltaskresult WHERE id = ?", task.ID)
}

func (r *taskResultRepo) ActiveForRevision(tx *gorm.DB, revisionID int) ([]*ETLTaskResult, error) {
	out := make([]*ETLTaskResult, 0)
	err := txOr(tx, r.db).
		Where("revision_id = ? AND status NOT IN (?)", revisionID, terminalTaskStatuses()).
		Order("id").
		Find(&out).Error
	if err != nil {
		return nil, queryError(err, "SELECT * FROM pipelines_datasetetltaskresult WHERE revision_id = ? AND status NOT IN (<terminal>)", revisionID)
	}
	return out, nil
}

func (r *taskResultRepo) UpdateFieldsUnlessStatus(tx *gorm.DB, id int, disallowed []TaskStatus, updates map[string]interface{}) (bool, error) {
	q := txOr(tx, r.db).Model(&ETLTaskResult{}).Where("id = ?", id)
	if len(disallowed) > 0 {
		q = q.Where("status NOT IN (?)", disallowed)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return false, queryError(res.Error, "UPDATE pipelines_datasetetltaskresult WHERE id = ? AND status NOT IN (?)", id, disallowed)
	}
	return res.RowsAffected > 0, nil
}

func terminalTaskStatuses() []TaskStatus {
	return []TaskStatus{TaskStatusSuccess, TaskStatusFailure, TaskStatusSystemError}
}

func forUpdate(db *gorm.DB) *gorm.DB {
	if db.Dialect().GetName() == "postgres" {
		return db.Set("gorm:query_option", "FOR UPDATE")
	}
	return db
}
