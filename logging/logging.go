package logging

import (
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	log "github.com/sirupsen/logrus"
)

// Setup configures the standard logrus logger. Outside local development the
// output is JSON so log lines can be queried by field.
func Setup(level, projectEnv string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stdout)
	if projectEnv == "local" || projectEnv == "standalone" {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	} else {
		log.SetFormatter(&log.JSONFormatter{})
	}
}

// InitSentry is a no-op when dsn is empty.
func InitSentry(dsn, environment string) error {
	if dsn == "" {
		return nil
	}
	return sentry.Init(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
}

// CaptureError reports err to sentry with the given tags and waits briefly so
// short-lived invocations do not drop the event.
func CaptureError(err error, tags map[string]string) {
	if err == nil {
		return
	}
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
	})
	hub.CaptureException(err)
	hub.Flush(2 * time.Second)
}
