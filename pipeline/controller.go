// Package pipeline drives a revision through the timetable ETL: it opens the
// run, records each file-processing step and closes the run with a terminal
// revision status.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/notify"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// Outcome selects the terminal status Finalize applies. An empty outcome is
// derived from the revision's file attributes.
type Outcome string

const (
	OutcomeSuccess  Outcome = "SUCCESS"
	OutcomeExpiring Outcome = "EXPIRING"
)

const supersededMessage = "superseded"

var london = mustLoadLocation("Europe/London")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(err)
	}
	return loc
}

// revisable lists the statuses a new run or a failure may move a revision
// out of.
var revisable = []storage.RevisionStatus{
	storage.RevisionStatusPending,
	storage.RevisionStatusDraft,
	storage.RevisionStatusIndexing,
	storage.RevisionStatusWarning,
	storage.RevisionStatusSuccess,
	storage.RevisionStatusExpiring,
	storage.RevisionStatusError,
	storage.RevisionStatusLive,
	storage.RevisionStatusExpired,
}

var finalizable = []storage.RevisionStatus{
	storage.RevisionStatusPending,
	storage.RevisionStatusDraft,
	storage.RevisionStatusIndexing,
}

type Controller struct {
	repos         *storage.Repositories
	notifier      notify.Notifier
	successStatus storage.RevisionStatus
	frontendURL   string
	now           func() time.Time
}

func NewController(repos *storage.Repositories, notifier notify.Notifier, successStatus storage.RevisionStatus, frontendURL string) *Controller {
	if !successStatus.Valid() {
		successStatus = storage.RevisionStatusSuccess
	}
	return &Controller{
		repos:         repos,
		notifier:      notifier,
		successStatus: successStatus,
		frontendURL:   frontendURL,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Initialize opens a new run for the revision and moves it to indexing. Any
// run still open for the revision is closed as SYSTEM_ERROR first; FAILURE is
// reserved for runs that put the revision in error.
func (c *Controller) Initialize(ctx context.Context, revisionID int) (*storage.ETLTaskResult, error) {
	var task *storage.ETLTaskResult
	err := storage.Session(c.repos.DB, func(tx *gorm.DB) error {
		if _, err := c.repos.Revisions.GetByID(tx, revisionID); err != nil {
			return err
		}

		active, err := c.repos.TaskResults.ActiveForRevision(tx, revisionID)
		if err != nil {
			return err
		}
		for _, old := range active {
			if _, err := c.repos.TaskResults.UpdateFieldsUnlessStatus(tx, old.ID, terminalTaskStatuses, map[string]interface{}{
				"status":          storage.TaskStatusSystemError,
				"error_code":      string(CodeSystemError),
				"additional_info": supersededMessage,
				"completed":       c.now(),
			}); err != nil {
				return err
			}
			log.WithFields(log.Fields{"revision_id": revisionID, "task_result_id": old.ID}).Warn("closed superseded run")
		}

		ok, err := c.repos.Revisions.TransitionStatus(tx, revisionID, revisable, storage.RevisionStatusIndexing)
		if err != nil {
			return err
		}
		if !ok {
			return stepErrorf(CodeInvariantViolation, "revision %d cannot be indexed in its current status", revisionID)
		}

		task = &storage.ETLTaskResult{
			RevisionID: revisionID,
			TaskID:     uuid.New().String(),
			Status:     storage.TaskStatusStarted,
			Created:    c.now(),
		}
		return c.repos.TaskResults.Insert(tx, task)
	})
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{"revision_id": revisionID, "task_result_id": task.ID, "task_id": task.TaskID}).Info("pipeline initialized")
	return task, nil
}

// HandleException closes the run as failed and the revision as error, then
// emails the owner. A run that has already failed or was superseded is left
// alone. A revision that can no longer move to error is an invariant
// violation and leaves the run untouched.
func (c *Controller) HandleException(ctx context.Context, taskResultID int, stepName, message string) error {
	var (
		task    *storage.ETLTaskResult
		skipped bool
	)
	err := storage.Session(c.repos.DB, func(tx *gorm.DB) error {
		var err error
		task, err = c.repos.TaskResults.GetForUpdate(tx, taskResultID)
		if err != nil {
			return err
		}
		switch task.Status {
		case storage.TaskStatusFailure, storage.TaskStatusSystemError:
			skipped = true
			return nil
		case storage.TaskStatusSuccess:
			return stepErrorf(CodeInvariantViolation, "task result %d already succeeded", taskResultID)
		}

		completed := c.now()
		if _, err := c.repos.TaskResults.UpdateFieldsUnlessStatus(tx, task.ID, nil, map[string]interface{}{
			"status":           storage.TaskStatusFailure,
			"error_code":       string(CodeSystemError),
			"completed":        completed,
			"task_name_failed": stepName,
			"additional_info":  message,
		}); err != nil {
			return err
		}
		ok, err := c.repos.Revisions.TransitionStatus(tx, task.RevisionID, revisable, storage.RevisionStatusError)
		if err != nil {
			return err
		}
		if !ok {
			return stepErrorf(CodeInvariantViolation, "revision %d cannot move to error in its current status", task.RevisionID)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if skipped {
		log.WithField("task_result_id", taskResultID).Info("task result already failed")
		return nil
	}

	log.WithFields(log.Fields{
		"revision_id":    task.RevisionID,
		"task_result_id": taskResultID,
		"step_name":      stepName,
	}).Warn("pipeline failed")
	c.sendFailure(ctx, task.RevisionID, message)
	return nil
}

// Finalize closes the run as successful, stores the revision summary and moves
// the revision to the success status, or to expiring when every file's
// services have already ended.
func (c *Controller) Finalize(ctx context.Context, taskResultID int, outcome Outcome) (storage.RevisionStatus, error) {
	var (
		task   *storage.ETLTaskResult
		status storage.RevisionStatus
		repeat bool
	)
	err := storage.Session(c.repos.DB, func(tx *gorm.DB) error {
		var err error
		task, err = c.repos.TaskResults.GetForUpdate(tx, taskResultID)
		if err != nil {
			return err
		}
		switch task.Status {
		case storage.TaskStatusSuccess:
			rev, err := c.repos.Revisions.GetByID(tx, task.RevisionID)
			if err != nil {
				return err
			}
			if outcome != "" && statusFor(outcome, c.successStatus) != rev.Status {
				return stepErrorf(CodeInvariantViolation, "task result %d already finalized as %s", taskResultID, rev.Status)
			}
			status, repeat = rev.Status, true
			return nil
		case storage.TaskStatusFailure, storage.TaskStatusSystemError:
			return stepErrorf(CodeInvariantViolation, "task result %d already failed", taskResultID)
		}

		files, err := c.repos.FileAttributes.GetByRevision(tx, task.RevisionID)
		if err != nil {
			return err
		}
		if outcome == "" {
			outcome = c.outcomeFor(files)
		}
		if err := c.repos.Revisions.ApplySummary(tx, task.RevisionID, Summarize(files)); err != nil {
			return err
		}

		if _, err := c.repos.TaskResults.UpdateFieldsUnlessStatus(tx, task.ID, terminalTaskStatuses, map[string]interface{}{
			"status":    storage.TaskStatusSuccess,
			"progress":  100,
			"completed": c.now(),
		}); err != nil {
			return err
		}

		status = statusFor(outcome, c.successStatus)
		ok, err := c.repos.Revisions.TransitionStatus(tx, task.RevisionID, finalizable, status)
		if err != nil {
			return err
		}
		if !ok {
			return stepErrorf(CodeInvariantViolation, "revision %d is no longer being indexed", task.RevisionID)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if repeat {
		return status, nil
	}

	log.WithFields(log.Fields{"revision_id": task.RevisionID, "task_result_id": taskResultID, "status": status}).Info("pipeline finalized")
	c.sendPublished(ctx, task.RevisionID, status)
	return status, nil
}

func statusFor(outcome Outcome, success storage.RevisionStatus) storage.RevisionStatus {
	if outcome == OutcomeExpiring {
		return storage.RevisionStatusExpiring
	}
	return success
}

// outcomeFor reports EXPIRING when every file's last service ended before
// today's date in Europe/London.
func (c *Controller) outcomeFor(files []*storage.TXCFileAttributes) Outcome {
	if len(files) == 0 {
		return OutcomeSuccess
	}
	y, m, d := c.now().In(london).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for _, f := range files {
		if f.LastExpiringServiceDate == nil || !f.LastExpiringServiceDate.Before(today) {
			return OutcomeSuccess
		}
	}
	return OutcomeExpiring
}

// Summarize rolls a revision's file attributes up into revision totals.
func Summarize(files []*storage.TXCFileAttributes) storage.RevisionSummary {
	summary := storage.RevisionSummary{}
	lines := make(map[string]bool)
	operators := make(map[string]bool)
	for _, f := range files {
		for _, line := range f.Lines() {
			lines[line] = true
		}
		if f.NationalOperatorCode != "" {
			operators[f.NationalOperatorCode] = true
		}
		summary.NumOfTimingPoints += f.NumOfTimingPoints
		if summary.TransXChangeVersion == "" {
			summary.TransXChangeVersion = f.SchemaVersion
		}
		summary.FirstServiceStart = earliest(summary.FirstServiceStart, f.OperatingPeriodStartDate)
		summary.FirstExpiringService = earliest(summary.FirstExpiringService, f.FirstExpiringServiceDate)
		summary.LastExpiringService = latest(summary.LastExpiringService, f.LastExpiringServiceDate)
	}
	summary.NumOfLines = len(lines)
	summary.NumOfOperators = len(operators)
	return summary
}

func earliest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.Before(*a)) {
		return b
	}
	return a
}

func latest(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

var terminalTaskStatuses = []storage.TaskStatus{
	storage.TaskStatusSuccess,
	storage.TaskStatusFailure,
	storage.TaskStatusSystemError,
}

func (c *Controller) notice(revisionID int) (notify.RevisionNotice, error) {
	rev, err := c.repos.Revisions.GetByID(nil, revisionID)
	if err != nil {
		return notify.RevisionNotice{}, err
	}
	dataset, org, err := c.repos.Organisations.OwnerOfRevision(nil, revisionID)
	if err != nil {
		return notify.RevisionNotice{}, err
	}
	published := rev.Created
	if rev.PublishedAt != nil {
		published = *rev.PublishedAt
	}
	n := notify.RevisionNotice{
		RevisionID:       rev.ID,
		DatasetID:        dataset.ID,
		FeedName:         rev.Name,
		ShortDescription: rev.ShortDescription,
		Comments:         rev.Comment,
		Published:        published,
		Status:           string(rev.Status),
		DatasetLink:      fmt.Sprintf("%s/org/%d/dataset/timetable/%d/", c.frontendURL, org.ID, dataset.ID),
	}
	if org.KeyContactEmail != "" {
		n.To = []string{org.KeyContactEmail}
	}
	return n, nil
}

func (c *Controller) hasViolations(revisionID int) bool {
	counts := []func(*gorm.DB, int) (int, error){
		c.repos.Violations.CountSchema,
		c.repos.Violations.CountPostSchema,
		c.repos.Violations.CountPTI,
	}
	for _, count := range counts {
		if n, err := count(nil, revisionID); err == nil && n > 0 {
			return true
		}
	}
	return false
}

func (c *Controller) sendFailure(ctx context.Context, revisionID int, message string) {
	c.send(ctx, revisionID, func(n notify.RevisionNotice) (*notify.Message, error) {
		n.Error = message
		if c.hasViolations(revisionID) {
			n.ReportLink = n.DatasetLink + "report/"
		}
		return notify.Failure(n)
	})
}

func (c *Controller) sendPublished(ctx context.Context, revisionID int, status storage.RevisionStatus) {
	c.send(ctx, revisionID, func(n notify.RevisionNotice) (*notify.Message, error) {
		n.Status = status.Label()
		return notify.Published(n)
	})
}

// send never fails the transition that triggered it; problems are logged and
// reported.
func (c *Controller) send(ctx context.Context, revisionID int, render func(notify.RevisionNotice) (*notify.Message, error)) {
	if c.notifier == nil {
		return
	}
	logger := log.WithField("revision_id", revisionID)
	n, err := c.notice(revisionID)
	if err == nil {
		var msg *notify.Message
		if msg, err = render(n); err == nil {
			err = c.notifier.Send(ctx, msg)
		}
	}
	if err != nil {
		logger.WithError(err).Error("unable to notify dataset owner")
		logging.CaptureError(err, map[string]string{"revision_id": strconv.Itoa(revisionID)})
	}
}
