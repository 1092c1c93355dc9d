package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/handler"
	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
	"github.com/department-for-transport-BODS/bods-backend-sub005/storage"
)

// The worker runs the whole pipeline in one process for every upload message
// on SQS_URI. It stands in for the state machine in standalone deployments.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logging.Setup(cfg.LogLevel, cfg.ProjectEnv)
	if err := logging.InitSentry(cfg.SentryDSN, cfg.SentryEnv); err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	if cfg.SQSURI == "" {
		log.Fatal("SQS_URI is required")
	}

	deps, err := handler.BuildDeps(cfg)
	if err != nil {
		logging.CaptureError(err, nil)
		log.WithError(err).Fatal("unable to build dependencies")
	}
	queue := storage.NewSQS(deps.Session, cfg.SQSURI)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithField("queue", cfg.SQSURI).Info("start polling uploads")
	handler.NewWorker(deps, queue, cfg.FileBucket).Run(ctx)
}
