package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/service/sqs"
	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
)

// Queue is the part of storage.SQS the worker uses.
type Queue interface {
	Poll(ctx context.Context) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, m *sqs.Message) error
}

// UploadMessage asks the worker to process one upload.
type UploadMessage struct {
	DatasetRevisionID int    `json:"DatasetRevisionId"`
	Bucket            string `json:"Bucket"`
	ObjectKey         string `json:"ObjectKey"`
}

// Worker long-polls a queue and runs the whole pipeline for each upload.
type Worker struct {
	deps   *Deps
	queue  Queue
	bucket string
	pause  time.Duration
}

func NewWorker(deps *Deps, queue Queue, defaultBucket string) *Worker {
	return &Worker{deps: deps, queue: queue, bucket: defaultBucket, pause: 5 * time.Second}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	log.Info("waiting for uploads")
	for ctx.Err() == nil {
		if err := w.PollOnce(ctx); err != nil && ctx.Err() == nil {
			logging.CaptureError(err, nil)
			select {
			case <-ctx.Done():
			case <-time.After(w.pause):
			}
		}
	}
	return nil
}

// PollOnce handles every message of one receive call. Messages that cannot
// be decoded stay on the queue for its redrive policy.
func (w *Worker) PollOnce(ctx context.Context) error {
	output, err := w.queue.Poll(ctx)
	if err != nil {
		return err
	}
	for _, m := range output.Messages {
		var body UploadMessage
		if err := json.Unmarshal([]byte(aws.StringValue(m.Body)), &body); err != nil || body.DatasetRevisionID == 0 {
			logging.CaptureError(fmt.Errorf("unknown message format: %s", aws.StringValue(m.Body)), nil)
			continue
		}
		if body.Bucket == "" {
			body.Bucket = w.bucket
		}

		logger := log.WithFields(log.Fields{"revision_id": body.DatasetRevisionID, "object_key": body.ObjectKey})
		logger.Info("start processing")
		if _, err := RunPipeline(ctx, w.deps, body.DatasetRevisionID, body.Bucket, body.ObjectKey); err != nil {
			logger.WithError(err).Warn("pipeline failed")
			logging.CaptureError(err, map[string]string{"revision_id": strconv.Itoa(body.DatasetRevisionID)})
		}
		if err := w.queue.DeleteMessage(ctx, m); err != nil {
			return err
		}
	}
	return nil
}
