package storage

import (
	"time"

	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"
)

type RevisionRepo interface {
	GetByID(tx *gorm.DB, id int) (*DatasetRevision, error)
	GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*DatasetRevision, error)
	Insert(tx *gorm.DB, rev *DatasetRevision) error
	Update(tx *gorm.DB, rev *DatasetRevision) error
	// TransitionStatus moves the revision to status only when its current
	// status is one of from. It reports whether a row was changed.
	TransitionStatus(tx *gorm.DB, id int, from []RevisionStatus, to RevisionStatus) (bool, error)
	ApplySummary(tx *gorm.DB, id int, summary RevisionSummary) error
	StreamByStatus(tx *gorm.DB, status RevisionStatus, fn func(*DatasetRevision) error) error
	Delete(tx *gorm.DB, id int) error
}

// RevisionSummary is the roll-up of a revision's file attributes written when
// the pipeline finalizes.
type RevisionSummary struct {
	NumOfLines           int
	NumOfOperators       int
	NumOfTimingPoints    int
	TransXChangeVersion  string
	FirstServiceStart    *time.Time
	FirstExpiringService *time.Time
	LastExpiringService  *time.Time
}

type revisionRepo struct {
	db  *gorm.DB
	log *log.Entry
}

func NewRevisionRepo(db *gorm.DB) RevisionRepo {
	return &revisionRepo{db: db, log: log.WithField("repo", "RevisionRepo")}
}

func (r *revisionRepo) GetByID(tx *gorm.DB, id int) (*DatasetRevision, error) {
	var rev DatasetRevision
	if err := getByID(txOr(tx, r.db), &rev, id, CodeRevisionNotFound, rev.TableName()); err != nil {
		return nil, err
	}
	return &rev, nil
}

func (r *revisionRepo) GetBy(tx *gorm.DB, filters map[string]interface{}) ([]*DatasetRevision, error) {
	out := make([]*DatasetRevision, 0)
	if err := getBy(txOr(tx, r.db), &out, filters, DatasetRevision{}.TableName()); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *revisionRepo) Insert(tx *gorm.DB, rev *DatasetRevision) error {
	now := time.Now().UTC()
	if rev.Created.IsZero() {
		rev.Created = now
	}
	if rev.Modified.IsZero() {
		rev.Modified = now
	}
	if rev.Status == "" {
		rev.Status = RevisionStatusPending
	}
	err := txOr(tx, r.db).Create(rev).Error
	return queryError(err, "INSERT INTO organisation_datasetrevision", rev.DatasetID)
}

func (r *revisionRepo) Update(tx *gorm.DB, rev *DatasetRevision) error {
	rev.Modified = time.Now().UTC()
	err := txOr(tx, r.db).Save(rev).Error
	return queryError(err, "UPDATE organisation_datasetrevision WHERE id = ?", rev.ID)
}

func (r *revisionRepo) TransitionStatus(tx *gorm.DB, id int, from []RevisionStatus, to RevisionStatus) (bool, error) {
	q := txOr(tx, r.db).Model(&DatasetRevision{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("status IN (?)", from)
	}
	res := q.Updates(map[string]interface{}{
		"status":   to,
		"modified": time.Now().UTC(),
	})
	if res.Error != nil {
		return false, queryError(res.Error, "UPDATE organisation_datasetrevision SET status = ? WHERE id = ? AND status IN (?)", to, id, from)
	}
	if res.RowsAffected > 0 {
		r.log.WithFields(log.Fields{"revision_id": id, "status": to}).Info("revision status changed")
	}
	return res.RowsAffected > 0, nil
}

func (r *revisionRepo) ApplySummary(tx *gorm.DB, id int, summary RevisionSummary) error {
	updates := map[string]interface{}{
		"num_of_lines":           summary.NumOfLines,
		"num_of_operators":       summary.NumOfOperators,
		"num_of_timing_points":   summary.NumOfTimingPoints,
		"transxchange_version":   summary.TransXChangeVersion,
		"first_service_start":    summary.FirstServiceStart,
		"first_expiring_service": summary.FirstExpiringService,
		"last_expiring_service":  summary.LastExpiringService,
		"modified":               time.Now().UTC(),
	}
	err := txOr(tx, r.db).Model(&DatasetRevision{}).Where("id = ?", id).Updates(updates).Error
	return queryError(err, "UPDATE organisation_datasetrevision SET <summary> WHERE id = ?", id)
}

func (r *revisionRepo) StreamByStatus(tx *gorm.DB, status RevisionStatus, fn func(*DatasetRevision) error) error {
	db := txOr(tx, r.db)
	rows, err := db.Model(&DatasetRevision{}).Where("status = ?", status).Order("id").Rows()
	if err != nil {
		return queryError(err, "SELECT * FROM organisation_datasetrevision WHERE status = ?", status)
	}
	defer rows.Close()

	for rows.Next() {
		var rev DatasetRevision
		if err := db.ScanRows(rows, &rev); err != nil {
			return err
		}
		if err := fn(&rev); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Delete removes the revision and every row it owns.
func (r *revisionRepo) Delete(tx *gorm.DB, id int) error {
	db := txOr(tx, r.db)

	taskIDs := db.Model(&ETLTaskResult{}).Select("id").Where("revision_id = ?", id).QueryExpr()
	if err := db.Where("task_result_id IN (?)", taskIDs).Delete(&StepResult{}).Error; err != nil {
		return queryError(err, "DELETE FROM pipelines_stepresult WHERE task_result_id IN (<tasks>)", id)
	}

	fileIDs := db.Model(&TXCFileAttributes{}).Select("id").Where("revision_id = ?", id).QueryExpr()
	if _, err := NewDQSTaskResultRepo(r.db).DeleteAllByTXCFileAttributesIDs(db, fileIDs); err != nil {
		return err
	}

	owned := []interface{}{
		&ETLTaskResult{},
		&TXCFileAttributes{},
		&SchemaViolation{},
		&PostSchemaViolation{},
		&PTIObservation{},
	}
	for _, model := range owned {
		if err := db.Where("revision_id = ?", id).Delete(model).Error; err != nil {
			return queryError(err, "DELETE FROM <owned> WHERE revision_id = ?", id)
		}
	}

	if err := db.Where("id = ?", id).Delete(&DatasetRevision{}).Error; err != nil {
		return queryError(err, "DELETE FROM organisation_datasetrevision WHERE id = ?", id)
	}
	r.log.WithField("revision_id", id).Info("revision deleted")
	return nil
}
