// Package runner drives a merge.Processor from a NATS JetStream consumer.
// A puller stores incoming flow file content and queues the flow files; a
// trigger loop runs the processor on an interval inside a fresh session and
// publishes every committed transfer to "<prefix>.<relationship>".
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wehubfusion/Daedalus/pkg/client"
	"github.com/wehubfusion/Daedalus/pkg/concurrency"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"github.com/wehubfusion/Daedalus/pkg/merge"
	"github.com/wehubfusion/Daedalus/pkg/message"
	"github.com/wehubfusion/Daedalus/pkg/session"
	"github.com/wehubfusion/Daedalus/pkg/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	internaltracing "github.com/wehubfusion/Daedalus/internal/tracing"
)

// Config holds the runner's stream wiring and loop timing
type Config struct {
	// Stream and Consumer name the durable pull consumer flow files arrive on
	Stream   string
	Consumer string

	// Subject filters the consumer; defaults to "<Stream>.in"
	Subject string

	// OutputPrefix is the subject prefix for merged, original and failure flow files
	OutputPrefix string

	// PullBatch is the number of messages fetched per pull
	PullBatch int

	// TriggerInterval is how often the processor runs
	TriggerInterval time.Duration

	// IdleWait is the pause after a pull returned nothing
	IdleWait time.Duration

	// PublishConcurrency bounds parallel publishes of committed transfers
	PublishConcurrency int

	// ShutdownTimeout bounds the final flush of open bins
	ShutdownTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Subject == "" {
		c.Subject = c.Stream + ".in"
	}
	if c.PullBatch <= 0 {
		c.PullBatch = 10
	}
	if c.IdleWait <= 0 {
		c.IdleWait = 500 * time.Millisecond
	}
	if c.PublishConcurrency <= 0 {
		c.PublishConcurrency = concurrency.LoadConfig().PublishConcurrency
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	return c
}

// blobLocator is implemented by repositories whose claims are reachable by other services
type blobLocator interface {
	URL(claim string) string
}

// Runner moves flow files between JetStream and a merge.Processor
type Runner struct {
	client          *client.Client
	processor       *merge.Processor
	repo            storage.Repository
	queue           *session.Queue
	cfg             Config
	limiter         *concurrency.Limiter
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner. The client must already be connected.
// tracingConfig is optional; when set, tracing is set up here and torn down by Close.
func NewRunner(c *client.Client, processor *merge.Processor, repo storage.Repository, cfg Config, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if c == nil || c.Messages == nil {
		return nil, errors.New("client must be connected")
	}
	if processor == nil {
		return nil, errors.New("processor cannot be nil")
	}
	if repo == nil {
		return nil, errors.New("content repository cannot be nil")
	}
	if cfg.Stream == "" {
		return nil, errors.New("stream name cannot be empty")
	}
	if cfg.Consumer == "" {
		return nil, errors.New("consumer name cannot be empty")
	}
	if cfg.OutputPrefix == "" {
		return nil, errors.New("output prefix cannot be empty")
	}
	if cfg.TriggerInterval <= 0 {
		return nil, errors.New("trigger interval must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg = cfg.withDefaults()

	if err := c.Messages.EnsureStream(cfg.Stream); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", cfg.Stream, err)
	}
	if err := c.Messages.EnsureConsumer(cfg.Stream, cfg.Consumer, cfg.Subject); err != nil {
		return nil, fmt.Errorf("failed to ensure consumer '%s' exists: %w", cfg.Consumer, err)
	}

	r := &Runner{
		client:    c,
		processor: processor,
		repo:      repo,
		queue:     session.NewQueue(),
		cfg:       cfg,
		limiter:   concurrency.NewLimiter(cfg.PublishConcurrency),
		logger:    logger,
		tracer:    otel.Tracer("daedalus/runner"),
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			r.tracingShutdown = shutdown
		}
	}

	return r, nil
}

// Close releases resources held by the runner, including tracing
func (r *Runner) Close() error {
	if r.tracingShutdown == nil {
		return nil
	}
	err := internaltracing.ShutdownTracing(r.tracingShutdown, r.logger)
	r.tracingShutdown = nil
	return err
}

// Queued returns the number of flow files waiting for the next trigger
func (r *Runner) Queued() int {
	return r.queue.Len()
}

// Run pulls and merges until ctx is cancelled, then flushes every open bin.
// It returns ctx.Err() after a graceful stop, or the first fatal loop error.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info("Runner started",
		zap.String("stream", r.cfg.Stream),
		zap.String("consumer", r.cfg.Consumer),
		zap.String("output_prefix", r.cfg.OutputPrefix),
		zap.Duration("trigger_interval", r.cfg.TriggerInterval))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pullLoop(gctx) })
	g.Go(func() error { return r.triggerLoop(gctx) })
	loopErr := g.Wait()

	flushCtx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	r.flush(flushCtx)

	if loopErr != nil {
		r.logger.Error("Runner stopped", zap.Error(loopErr))
		return loopErr
	}
	r.logger.Info("Runner stopped due to context cancellation")
	return ctx.Err()
}

func (r *Runner) pullLoop(ctx context.Context) error {
	handle := message.Chain(
		message.RecoveryMiddleware(),
		message.ValidationMiddleware(),
		message.LoggingMiddleware(r.logger),
	)(r.ingest)

	backoffDelay := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		if ctx.Err() != nil {
			return nil
		}

		msgs, err := r.client.Messages.PullMessages(ctx, r.cfg.Stream, r.cfg.Consumer, r.cfg.PullBatch)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.logger.Error("Error pulling messages", zap.Error(err))
			if !sleep(ctx, backoffDelay) {
				return nil
			}
			if backoffDelay < maxBackoff {
				backoffDelay *= 2
			}
			continue
		}

		if len(msgs) == 0 {
			if !sleep(ctx, r.cfg.IdleWait) {
				return nil
			}
			continue
		}
		backoffDelay = 100 * time.Millisecond

		for _, msg := range msgs {
			err := handle(ctx, msg)
			switch {
			case err == nil:
				if ackErr := msg.Ack(); ackErr != nil {
					r.logger.Error("Error acking message", zap.String("correlation_id", msg.CorrelationID), zap.Error(ackErr))
				}
			case sdkerrors.IsValidation(err) || isMalformed(err):
				_ = msg.Term()
			default:
				_ = msg.Nak()
			}
		}
	}
}

// isMalformed reports errors raised by ValidationMiddleware, which are never fixed by redelivery
func isMalformed(err error) bool {
	var appErr *sdkerrors.AppError
	return !errors.As(err, &appErr)
}

// ingest stores the message's content and queues its flow file
func (r *Runner) ingest(ctx context.Context, msg *message.Message) error {
	ff := msg.FlowFile()
	if !msg.HasBlobReference() {
		claim := storage.NewClaim()
		n, err := r.repo.Write(ctx, claim, bytes.NewReader(msg.Payload.Data))
		if err != nil {
			return sdkerrors.NewInternalError(ff.UUID, "failed to store flow file content", "CONTENT_STORE_FAILED", err)
		}
		ff.WithContent(claim, n)
	}
	r.queue.Push(ff)
	return nil
}

func (r *Runner) triggerLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.TriggerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.trigger(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		}
	}
}

// trigger runs the processor until the queue is empty, committing and publishing after every run
func (r *Runner) trigger(ctx context.Context) error {
	for {
		if err := r.runOnce(ctx, func(tctx context.Context, s *session.Session) error {
			return r.processor.OnTrigger(tctx, s)
		}); err != nil {
			return err
		}
		if r.queue.Len() == 0 {
			return nil
		}
	}
}

// flush queues everything still pending and merges every open bin
func (r *Runner) flush(ctx context.Context) {
	if err := r.trigger(ctx); err != nil {
		r.logger.Error("Failed to process queued flow files on shutdown", zap.Error(err))
	}
	err := r.runOnce(ctx, func(tctx context.Context, s *session.Session) error {
		r.processor.Shutdown(tctx, s)
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to flush open bins on shutdown", zap.Error(err))
	}
}

func (r *Runner) runOnce(ctx context.Context, fn func(context.Context, *session.Session) error) error {
	ctx, span := r.tracer.Start(ctx, "runner.trigger",
		trace.WithAttributes(
			attribute.String("stream", r.cfg.Stream),
			attribute.Int("queued", r.queue.Len()),
		))
	defer span.End()

	s := session.New(ctx, r.repo, r.queue, r.logger)
	if err := fn(ctx, s); err != nil {
		s.Rollback()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	transfers := s.Commit()
	span.SetAttributes(attribute.Int("transfers", len(transfers)))
	if err := r.publish(ctx, transfers); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error("Failed to publish some flow files", zap.Error(err))
	}
	return nil
}

// publish sends every transfer to its relationship subject with bounded parallelism.
// Publish failures are logged and reported; they do not stop the trigger loop.
func (r *Runner) publish(ctx context.Context, transfers []session.Transfer) error {
	var g errgroup.Group
	for _, t := range transfers {
		g.Go(func() error {
			return r.limiter.GoSync(ctx, func() error {
				return r.publishTransfer(ctx, t)
			})
		})
	}
	return g.Wait()
}

// Subject returns the subject a relationship is published to
func (r *Runner) Subject(rel merge.Relationship) string {
	return r.cfg.OutputPrefix + "." + string(rel)
}

func (r *Runner) publishTransfer(ctx context.Context, t session.Transfer) error {
	ff := t.FlowFile
	subject := r.Subject(t.Relationship)

	var msg *message.Message
	inline := true
	if locator, ok := r.repo.(blobLocator); ok && ff.Size > message.MaxInlineContentSize && ff.ContentClaim != "" {
		msg = message.NewBlobFlowFileMessage(ff, &message.BlobReference{
			URL:       locator.URL(ff.ContentClaim),
			Claim:     ff.ContentClaim,
			SizeBytes: ff.Size,
		})
		inline = false
	} else {
		var content []byte
		if ff.ContentClaim != "" {
			var err error
			if content, err = storage.ReadAll(ctx, r.repo, ff.ContentClaim); err != nil {
				r.logger.Error("Failed to read flow file content for publishing",
					zap.String("flowfile", ff.UUID),
					zap.String("relationship", string(t.Relationship)),
					zap.Error(err))
				return err
			}
		}
		msg = message.NewFlowFileMessage(ff, content)
	}
	msg.WithRelationship(string(t.Relationship))

	if err := r.client.Messages.Publish(ctx, subject, msg); err != nil {
		r.logger.Error("Failed to publish flow file",
			zap.String("flowfile", ff.UUID),
			zap.String("subject", subject),
			zap.Error(err))
		return err
	}

	// inline content now travels with the message
	if inline && ff.ContentClaim != "" {
		if err := r.repo.Remove(ctx, ff.ContentClaim); err != nil {
			r.logger.Warn("Failed to release published content",
				zap.String("flowfile", ff.UUID),
				zap.String("claim", ff.ContentClaim),
				zap.Error(err))
		}
	}

	r.logger.Debug("Published flow file",
		zap.String("flowfile", ff.UUID),
		zap.String("filename", ff.Attributes[flowfile.AttrFilename]),
		zap.String("subject", subject))
	return nil
}

// sleep waits for d or until ctx is done; it reports whether the full wait elapsed
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
