package storage

import (
	"fmt"
	"time"

	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"
)

type StepResultRepo interface {
	GetByID(tx *gorm.DB, id int) (*StepResult, error)
	Get(tx *gorm.DB, taskResultID int, step StepName) (*StepResult, error)
	GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*StepResult, error)
	// GetOrCreate returns the row for (taskResultID, step), inserting a
	// STARTED row when none exists. The bool reports whether it was created.
	GetOrCreate(tx *gorm.DB, taskResultID int, step StepName) (*StepResult, bool, error)
	Insert(tx *gorm.DB, result *StepResult) error
	// Transition applies updates and moves the row to status when its current
	// status is one of from. Backward moves are rejected.
	Transition(tx *gorm.DB, id int, from []TaskStatus, to TaskStatus, updates map[string]interface{}) (bool, error)
	ListForTask(tx *gorm.DB, taskResultID int) ([]*StepResult, error)
}

type stepResultRepo struct {
	db  *gorm.DB
	log *log.Entry
}

func NewStepResultRepo(db *gorm.DB) StepResultRepo {
	return &stepResultRepo{db: db, log: log.WithField("repo", "StepResultRepo")}
}

func (r *stepResultRepo) GetByID(tx *gorm.DB, id int) (*StepResult, error) {
	var result StepResult
	if err := getByID(txOr(tx, r.db), &result, id, CodeStepResultNotFound, result.TableName()); err != nil {
		return nil, err
	}
	return &result, nil
}

func (r *stepResultRepo) Get(tx *gorm.DB, taskResultID int, step StepName) (*StepResult, error) {
	var result StepResult
	err := forUpdate(txOr(tx, r.db)).
		Where("task_result_id = ? AND step_name = ?", taskResultID, step).
		First(&result).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, &NotFoundError{Code: CodeStepResultNotFound, ID: fmt.Sprintf("%d/%s", taskResultID, step)}
	}
	if err != nil {
		return nil, queryError(err, "SELECT * FROM pipelines_stepresult WHERE task_result_id = ? AND step_name = ?", taskResultID, step)
	}
	return &result, nil
}

func (r *stepResultRepo) GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*StepResult, error) {
	out := make([]*StepResult, 0)
	if err := getBy(txOr(tx, r.db), &out, filters, StepResult{}.TableName()); err != nil {
		return nil, err
	}
	return out, nil
}

// insertStepResult leaves an existing row alone. A plain INSERT that hits the
// unique index aborts a postgres transaction, so the conflict is resolved in
// the statement itself.
const insertStepResult = `INSERT INTO pipelines_stepresult
	(task_result_id, step_name, status, start_time, error_code, message, object_key, attempts)
	VALUES (?, ?, ?, ?, '', '', '', 1)
	ON CONFLICT (task_result_id, step_name) DO NOTHING`

func (r *stepResultRepo) GetOrCreate(tx *gorm.DB, taskResultID int, step StepName) (*StepResult, bool, error) {
	if !step.Valid() {
		return nil, false, fmt.Errorf("unknown step name %q", step)
	}
	res := txOr(tx, r.db).Exec(insertStepResult, taskResultID, step, TaskStatusStarted, time.Now().UTC())
	if res.Error != nil {
		return nil, false, queryError(res.Error, "INSERT INTO pipelines_stepresult ON CONFLICT DO NOTHING", taskResultID, step)
	}
	row, err := r.Get(tx, taskResultID, step)
	if err != nil {
		return nil, false, err
	}
	return row, res.RowsAffected == 1, nil
}

func (r *stepResultRepo) Insert(tx *gorm.DB, result *StepResult) error {
	if !result.StepName.Valid() {
		return fmt.Errorf("unknown step name %q", result.StepName)
	}
	err := txOr(tx, r.db).Create(result).Error
	return queryError(err, "INSERT INTO pipelines_stepresult", result.TaskResultID, result.StepName)
}

func (r *stepResultRepo) Transition(tx *gorm.DB, id int, from []TaskStatus, to TaskStatus, updates map[string]interface{}) (bool, error) {
	allowed := make([]TaskStatus, 0, len(from))
	for _, status := range from {
		// FAILURE -> STARTED is the only backward move and is a retry.
		if status.rank() <= to.rank() || (status == TaskStatusFailure && to == TaskStatusStarted) {
			allowed = append(allowed, status)
		}
	}
	if len(allowed) == 0 {
		return false, fmt.Errorf("no forward transition to %s from %v", to, from)
	}

	fields := map[string]interface{}{"status": to}
	for k, v := range updates {
		fields[k] = v
	}
	res := txOr(tx, r.db).Model(&StepResult{}).
		Where("id = ? AND status IN (?)", id, allowed).
		Updates(fields)
	if res.Error != nil {
		return false, queryError(res.Error, "UPDATE pipelines_stepresult SET status = ? WHERE id = ? AND status IN (?)", to, id, allowed)
	}
	return res.RowsAffected > 0, nil
}

func (r *stepResultRepo) ListForTask(tx *gorm.DB, taskResultID int) ([]*StepResult, error) {
	return r.GetBy(tx, map[string]interface{}{"task_result_id": taskResultID})
}
