package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jinzhu/gorm"
	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/metrics"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// StepInput identifies the file a step works on.
type StepInput struct {
	RevisionID   int
	TaskResultID int
	Bucket       string
	ObjectKey    string

	MapRunArn    string
	OutputPrefix string
}

func (in StepInput) Filename() string { return storage.FilenameFromKey(in.ObjectKey) }

// StepOutcome is the result of a successful step. Output, when set, is stored
// as the step message in JSON form so a replayed step can return it again.
type StepOutcome struct {
	Message string
	Output  interface{}
	Cached  bool
}

func (o *StepOutcome) stored() (string, error) {
	if o.Output == nil {
		return o.Message, nil
	}
	data, err := json.Marshal(o.Output)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func cachedOutcome(message string) *StepOutcome {
	out := &StepOutcome{Message: message, Cached: true}
	if len(message) > 0 && (message[0] == '{' || message[0] == '[') && json.Valid([]byte(message)) {
		out.Output = json.RawMessage(message)
	}
	return out
}

type StepFunc func(ctx context.Context, in StepInput) (*StepOutcome, error)

// Recorder keeps one StepResult row per (task result, step) in step with the
// outcome of the wrapped function.
type Recorder struct {
	repos   *storage.Repositories
	metrics metrics.Sink
	now     func() time.Time
}

func NewRecorder(repos *storage.Repositories, sink metrics.Sink) *Recorder {
	if sink == nil {
		sink = metrics.Discard{}
	}
	return &Recorder{repos: repos, metrics: sink, now: func() time.Time { return time.Now().UTC() }}
}

// Wrap returns fn guarded by the step result protocol: a step that already
// succeeded for the same object returns its stored message without running, a
// failed step is re-attempted for the object that failed, and any failure
// comes back as a *PipelineException. Steps fanned out over several files
// share the row. It holds the outcome of the latest file, except that a
// failure stays until the failed object itself is retried.
func (r *Recorder) Wrap(step storage.StepName, fn StepFunc) StepFunc {
	return func(ctx context.Context, in StepInput) (*StepOutcome, error) {
		logger := log.WithFields(log.Fields{
			"revision_id":    in.RevisionID,
			"task_result_id": in.TaskResultID,
			"step_name":      step,
			"object_key":     in.ObjectKey,
		})

		row, cached, err := r.begin(in, step)
		if err != nil {
			return nil, r.fail(ctx, step, in, err)
		}
		if cached != nil {
			logger.Info("step already succeeded, returning stored result")
			return cached, nil
		}
		if row == nil {
			logger.Info("step result holds a failure of another object, running unrecorded")
			outcome, runErr := run(ctx, fn, in)
			if runErr != nil {
				return nil, r.fail(ctx, step, in, runErr)
			}
			return outcome, nil
		}

		started := r.now()
		outcome, runErr := run(ctx, fn, in)
		elapsed := r.now().Sub(started)

		if runErr == nil {
			message, err := outcome.stored()
			if err == nil {
				err = r.finish(row.ID, in.ObjectKey, storage.TaskStatusSuccess, "", message)
			}
			if err != nil {
				return nil, r.fail(ctx, step, in, err)
			}
			r.emit(ctx, step, storage.TaskStatusSuccess, elapsed)
			logger.WithField("elapsed", elapsed).Info("step succeeded")
			return outcome, nil
		}

		code := CodeOf(runErr)
		if err := r.finish(row.ID, in.ObjectKey, storage.TaskStatusFailure, code, MessageOf(runErr)); err != nil {
			logger.WithError(err).Error("unable to record step failure")
		}
		r.emit(ctx, step, storage.TaskStatusFailure, elapsed)
		logger.WithError(runErr).WithField("error_code", code).Warn("step failed")
		return nil, r.fail(ctx, step, in, runErr)
	}
}

func run(ctx context.Context, fn StepFunc, in StepInput) (outcome *StepOutcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	outcome, err = fn(ctx, in)
	if err == nil && outcome == nil {
		outcome = &StepOutcome{}
	}
	return outcome, err
}

// begin claims the step row. It returns a cached outcome when the step has
// already succeeded for this task result and object, and a nil row when the
// row records the failure of another object and must be left alone.
func (r *Recorder) begin(in StepInput, step storage.StepName) (*storage.StepResult, *StepOutcome, error) {
	var (
		row    *storage.StepResult
		cached *StepOutcome
	)
	err := storage.Session(r.repos.DB, func(tx *gorm.DB) error {
		if _, err := r.repos.TaskResults.GetByID(tx, in.TaskResultID); err != nil {
			return err
		}
		var (
			created bool
			err     error
		)
		row, created, err = r.repos.StepResults.GetOrCreate(tx, in.TaskResultID, step)
		if err != nil {
			return err
		}
		if created {
			return nil
		}

		switch row.Status {
		case storage.TaskStatusSuccess:
			if row.ObjectKey == in.ObjectKey {
				cached = cachedOutcome(row.Message)
			}
			return nil
		case storage.TaskStatusFailure, storage.TaskStatusStarted:
			if row.Status == storage.TaskStatusFailure && row.ObjectKey != in.ObjectKey {
				row = nil
				return nil
			}
			_, err := r.repos.StepResults.Transition(tx, row.ID,
				[]storage.TaskStatus{storage.TaskStatusFailure, storage.TaskStatusStarted},
				storage.TaskStatusStarted,
				map[string]interface{}{
					"start_time": r.now(),
					"end_time":   nil,
					"error_code": "",
					"message":    "",
					"attempts":   row.Attempts + 1,
				})
			return err
		}
		return fmt.Errorf("step %q is in unexpected status %s", step, row.Status)
	})
	return row, cached, err
}

func (r *Recorder) finish(id int, objectKey string, status storage.TaskStatus, code ErrorCode, message string) error {
	return storage.Session(r.repos.DB, func(tx *gorm.DB) error {
		ok, err := r.repos.StepResults.Transition(tx, id,
			[]storage.TaskStatus{storage.TaskStatusStarted, storage.TaskStatusSuccess}, status,
			map[string]interface{}{
				"end_time":   r.now(),
				"error_code": string(code),
				"message":    message,
				"object_key": objectKey,
			})
		if err != nil {
			return err
		}
		if !ok {
			log.WithField("step_result_id", id).Warn("step result changed before it could be closed")
		}
		return nil
	})
}

func (r *Recorder) fail(ctx context.Context, step storage.StepName, in StepInput, err error) *PipelineException {
	code := CodeOf(err)
	if code == CodeSystemError {
		logging.CaptureError(err, map[string]string{
			"revision_id": strconv.Itoa(in.RevisionID),
			"step_name":   string(step),
		})
	}
	return &PipelineException{Message: MessageOf(err), StepName: string(step), Code: code, Err: err}
}

func (r *Recorder) emit(ctx context.Context, step storage.StepName, status storage.TaskStatus, elapsed time.Duration) {
	dims := map[string]string{"step": string(step), "outcome": string(status)}
	metrics.Emit(ctx, r.metrics,
		metrics.Datum{Name: "StepDuration", Value: float64(elapsed.Milliseconds()), Unit: metrics.UnitMilliseconds, Dimensions: dims},
		metrics.Datum{Name: "StepOutcome", Value: 1, Unit: metrics.UnitCount, Dimensions: dims},
	)
}
