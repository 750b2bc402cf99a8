package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	natsconn "github.com/wehubfusion/Daedalus/internal/nats"
	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	"github.com/wehubfusion/Daedalus/pkg/config"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.uber.org/zap"
)

// NewRunCommand creates the run command
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Consume flow files from JetStream and publish merged bins",
		Long: `Run the merge service. Flow files are pulled from the configured stream,
binned and merged on every trigger, and published to
<output_prefix>.merged, <output_prefix>.original and <output_prefix>.failure.
Open bins are flushed on SIGINT or SIGTERM.

Example:
  daedalus run --config daedalus.yaml
  DAEDALUS_NATS_URL=nats://nats:4222 daedalus run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runService(ctx, rootOpts)
		},
	}
}

func runService(ctx context.Context, opts *RootOptions) error {
	cfg, logger, err := opts.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	undo := concurrency.InitializeForKubernetes(logger)
	defer undo()

	hook, flushReports, err := newRejectReporter(cfg.Sentry, logger)
	if err != nil {
		return err
	}
	defer flushReports()

	repo, err := newRepository(cfg.Storage, logger)
	if err != nil {
		return err
	}

	procOpts := []merge.Option{merge.WithLogger(logger)}
	if hook != nil {
		procOpts = append(procOpts, merge.WithRejectHook(hook))
	}
	proc, err := merge.NewProcessor(cfg.MergeConfig(), procOpts...)
	if err != nil {
		return err
	}

	c := client.NewClientWithConfig(connectionConfig(cfg.NATS))
	c.SetLogger(logger)
	if err := c.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close NATS connection", zap.Error(err))
		}
	}()

	r, err := runner.NewRunner(c, proc, repo, runnerConfig(cfg), logger, tracingConfig(cfg.Tracing))
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newRepository(cfg config.StorageConfig, logger *zap.Logger) (storage.Repository, error) {
	switch cfg.Backend {
	case config.BackendAzure:
		breaker := concurrency.NewCircuitBreaker(cfg.FailureThreshold, time.Duration(cfg.ResetTimeout))
		repo, err := storage.NewBlobRepository(cfg.ConnectionString, cfg.Container, breaker, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create blob repository: %w", err)
		}
		return repo, nil
	case config.BackendMemory, "":
		return storage.NewMemoryRepository(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func connectionConfig(cfg config.NATSConfig) *natsconn.ConnectionConfig {
	cc := natsconn.DefaultConnectionConfig(cfg.URL)
	if cfg.Name != "" {
		cc.Name = cfg.Name
	}
	if cfg.MaxReconnects != 0 {
		cc.MaxReconnects = cfg.MaxReconnects
	}
	if cfg.ReconnectWait > 0 {
		cc.ReconnectWait = time.Duration(cfg.ReconnectWait)
	}
	if cfg.Timeout > 0 {
		cc.Timeout = time.Duration(cfg.Timeout)
	}
	if cfg.MaxDeliver > 0 {
		cc.MaxDeliver = cfg.MaxDeliver
	}
	cc.Token = cfg.Token
	cc.Username = cfg.Username
	cc.Password = cfg.Password
	return cc
}

func runnerConfig(cfg config.Config) runner.Config {
	return runner.Config{
		Stream:             cfg.NATS.Stream,
		Consumer:           cfg.NATS.Consumer,
		OutputPrefix:       cfg.NATS.OutputPrefix,
		PullBatch:          cfg.Runner.PullBatch,
		TriggerInterval:    time.Duration(cfg.Runner.TriggerInterval),
		PublishConcurrency: cfg.Runner.PublishConcurrency,
	}
}

func tracingConfig(cfg config.TracingConfig) *runner.TracingConfig {
	if !cfg.Enabled {
		return nil
	}
	tc := runner.DefaultTracingConfig(cfg.ServiceName)
	if cfg.Environment != "" {
		tc.Environment = cfg.Environment
	}
	if cfg.OTLPEndpoint != "" {
		tc.OTLPEndpoint = cfg.OTLPEndpoint
	}
	tc.SampleRatio = cfg.SampleRatio
	return &tc
}
