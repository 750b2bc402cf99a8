package cli

import (
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"go.uber.org/zap"
)

const reportFlushTimeout = 2 * time.Second

// newRejectReporter returns a reject hook that sends rejected bins to Sentry.
// Without a DSN the hook is nil and flush does nothing.
func newRejectReporter(cfg config.SentryConfig, logger *zap.Logger) (hook func(merge.Rejection), flush func(), err error) {
	if cfg.DSN == "" {
		return nil, func() {}, nil
	}

	err = sentry.Init(sentry.ClientOptions{
		Dsn:         cfg.DSN,
		Environment: cfg.Environment,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize sentry: %w", err)
	}
	logger.Info("Reporting rejected bins to Sentry", zap.String("environment", cfg.Environment))

	return func(r merge.Rejection) {
			reportRejection(sentry.CurrentHub(), r)
		}, func() {
			sentry.Flush(reportFlushTimeout)
		}, nil
}

func reportRejection(hub *sentry.Hub, r merge.Rejection) {
	hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTag("bin.id", r.BinID)
		scope.SetTag("bin.stage", r.Stage.String())
		scope.SetContext("bin", sentry.Context{
			"group_key": r.GroupKey,
			"members":   r.Members,
		})
		hub.CaptureException(r.Err)
	})
}
