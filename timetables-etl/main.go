package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	log "github.com/sirupsen/logrus"

	"github.com/department-for-transport-BODS/bods-backend-sub005/config"
	"github.com/department-for-transport-BODS/bods-backend-sub005/handler"
	"github.com/department-for-transport-BODS/bods-backend-sub005/logging"
)

// Every function in the state machine runs this binary; HANDLER_NAME picks
// which step it serves.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logging.Setup(cfg.LogLevel, cfg.ProjectEnv)
	if err := logging.InitSentry(cfg.SentryDSN, cfg.SentryEnv); err != nil {
		log.WithError(err).Warn("sentry disabled")
	}
	if _, ok := handler.NewRegistry()[cfg.HandlerName]; !ok {
		log.WithField("handler", cfg.HandlerName).Fatal("HANDLER_NAME does not name a handler")
	}

	rt := handler.NewRuntime(cfg)
	lambda.Start(func(ctx context.Context, payload json.RawMessage) (*handler.Response, error) {
		return rt.Invoke(ctx, cfg.HandlerName, payload)
	})
}
