package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

const pollInterval = 10 * time.Second

type prefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// cleanDeleted removes the stored files and the catalog rows of every revision
// marked deleted. A revision whose files cannot be removed is kept for the
// next round.
func cleanDeleted(ctx context.Context, revisions storage.RevisionRepo, files prefixDeleter) (int, error) {
	ids := make([]int, 0)
	err := revisions.StreamByStatus(nil, storage.RevisionStatusDeleted, func(rev *storage.DatasetRevision) error {
		ids = append(ids, rev.ID)
		return nil
	})
	if err != nil {
		return 0, err
	}

	cleaned := 0
	for _, id := range ids {
		tags := map[string]string{"revision_id": strconv.Itoa(id)}
		n, err := files.DeletePrefix(ctx, fmt.Sprintf("%d/", id))
		if err != nil {
			logging.CaptureError(err, tags)
			continue
		}
		if err := revisions.Delete(nil, id); err != nil {
			logging.CaptureError(err, tags)
			continue
		}
		log.WithFields(log.Fields{"revision_id": id, "objects": n}).Info("revision removed")
		cleaned++
	}
	return cleaned, nil
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logging.Setup(cfg.LogLevel, cfg.ProjectEnv)
	if err := logging.InitSentry(cfg.SentryDSN, cfg.SentryEnv); err != nil {
		log.WithError(err).Warn("sentry disabled")
	}

	db, err := storage.NewPostgresORMDB(cfg.Postgres.URI())
	if err != nil {
		panic(err)
	}
	defer db.Close()

	endpoint := ""
	if cfg.IsLocal() {
		endpoint = cfg.S3EndpointURL
	}
	sess, err := storage.NewAWSSession(cfg.AWSRegion, endpoint)
	if err != nil {
		panic(err)
	}
	files := storage.NewS3Store(sess, cfg.FileBucket)
	revisions := storage.NewRevisionRepo(db)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("start checking deleted revisions")
	for {
		if _, err := cleanDeleted(ctx, revisions, files); err != nil {
			logging.CaptureError(err, nil)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(pollInterval):
		}
	}
}
