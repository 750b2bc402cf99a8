package message

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	sdkerrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"go.uber.org/zap"
)

// JSContext defines the minimal subset of JetStream operations the service depends on.
// This allows tests to provide a mock without requiring a running NATS server.
type JSContext interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
	PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error)
	StreamInfo(stream string) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error)
	ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error)
}

// JSSubscription abstracts operations used from a pull subscription.
// Implemented by the real nats.Subscription via adapter and by test doubles.
type JSSubscription interface {
	Unsubscribe() error
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// WrapNATSJetStream adapts a nats.JetStreamContext to the JSContext interface.
func WrapNATSJetStream(js nats.JetStreamContext) JSContext {
	return &natsJSAdapter{js: js}
}

type natsJSAdapter struct {
	js nats.JetStreamContext
}

func (a *natsJSAdapter) Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error) {
	return a.js.Publish(subj, data, opts...)
}

func (a *natsJSAdapter) PullSubscribe(subj, durable string, opts ...nats.SubOpt) (JSSubscription, error) {
	sub, err := a.js.PullSubscribe(subj, durable, opts...)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (a *natsJSAdapter) StreamInfo(stream string) (*nats.StreamInfo, error) {
	return a.js.StreamInfo(stream)
}

func (a *natsJSAdapter) AddStream(cfg *nats.StreamConfig) (*nats.StreamInfo, error) {
	return a.js.AddStream(cfg)
}

func (a *natsJSAdapter) ConsumerInfo(stream, consumer string) (*nats.ConsumerInfo, error) {
	return a.js.ConsumerInfo(stream, consumer)
}

func (a *natsJSAdapter) AddConsumer(stream string, cfg *nats.ConsumerConfig) (*nats.ConsumerInfo, error) {
	return a.js.AddConsumer(stream, cfg)
}

// MessageService publishes and pulls flow file messages over JetStream.
type MessageService struct {
	js                JSContext
	logger            *zap.Logger
	maxDeliver        int           // Maximum number of delivery attempts before giving up (default: 5)
	publishMaxRetries int           // Maximum number of attempts for publish operations (default: 3)
	retryBackoff      time.Duration // Base delay between publish attempts, multiplied by the attempt number
	fetchTimeout      time.Duration // Longest wait for a pull batch
}

// NewMessageService creates a new message service with the given JetStream context.
// Any implementation that satisfies JSContext (including nats.JetStreamContext) can be used.
func NewMessageService(js JSContext, maxDeliver int, publishMaxRetries int) (*MessageService, error) {
	if js == nil {
		return nil, fmt.Errorf("JetStream context cannot be nil")
	}

	if maxDeliver == 0 {
		maxDeliver = 5
	}

	if publishMaxRetries <= 0 {
		publishMaxRetries = 3
	}

	return &MessageService{
		js:                js,
		logger:            zap.NewNop(),
		maxDeliver:        maxDeliver,
		publishMaxRetries: publishMaxRetries,
		retryBackoff:      time.Second,
		fetchTimeout:      3 * time.Second,
	}, nil
}

// SetLogger sets a custom zap logger for the message service
func (s *MessageService) SetLogger(logger *zap.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// SetRetryBackoff sets the base delay between publish attempts
func (s *MessageService) SetRetryBackoff(d time.Duration) {
	s.retryBackoff = d
}

// SetFetchTimeout sets the longest wait for a pull batch when the context has no earlier deadline
func (s *MessageService) SetFetchTimeout(d time.Duration) {
	if d > 0 {
		s.fetchTimeout = d
	}
}

func streamConfig(name string, subjects []string) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:     name,
		Subjects: subjects,
		Storage:  nats.FileStorage,
		MaxAge:   24 * time.Hour,
		MaxMsgs:  100000,
		Replicas: 1,
	}
}

// EnsureStream creates the JetStream stream if it doesn't exist.
// Without explicit subjects the stream captures "<stream>.>".
func (s *MessageService) EnsureStream(streamName string, subjects ...string) error {
	streamInfo, err := s.js.StreamInfo(streamName)
	if err == nil {
		s.logger.Info("JetStream stream already exists",
			zap.String("stream", streamName),
			zap.Uint64("messages", streamInfo.State.Msgs))
		return nil
	}
	if err != nats.ErrStreamNotFound {
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	if len(subjects) == 0 {
		subjects = []string{streamName + ".>"}
	}
	cfg := streamConfig(streamName, subjects)

	s.logger.Info("Creating JetStream stream", zap.String("stream", streamName))
	if _, err := s.js.AddStream(cfg); err != nil {
		return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
	}

	s.logger.Info("Successfully created JetStream stream",
		zap.String("stream", streamName),
		zap.Strings("subjects", cfg.Subjects),
		zap.Duration("max_age", cfg.MaxAge),
		zap.Int64("max_msgs", cfg.MaxMsgs))
	return nil
}

// EnsureConsumer creates the durable pull consumer if it doesn't exist.
// A non-empty filterSubject limits the consumer to matching subjects.
func (s *MessageService) EnsureConsumer(streamName, consumerName, filterSubject string) error {
	consumerInfo, err := s.js.ConsumerInfo(streamName, consumerName)
	if err == nil {
		s.logger.Info("JetStream consumer already exists",
			zap.String("stream", streamName),
			zap.String("consumer", consumerName),
			zap.Uint64("pending", consumerInfo.NumPending))
		return nil
	}
	if err != nats.ErrConsumerNotFound {
		return fmt.Errorf("failed to get consumer info for '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Creating JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName))

	cfg := &nats.ConsumerConfig{
		Durable:       consumerName,
		AckPolicy:     nats.AckExplicitPolicy,
		DeliverPolicy: nats.DeliverAllPolicy,
		MaxAckPending: 1000,
		MaxDeliver:    s.maxDeliver,
		FilterSubject: filterSubject,
	}
	if _, err := s.js.AddConsumer(streamName, cfg); err != nil {
		return fmt.Errorf("failed to create consumer '%s' in stream '%s': %w", consumerName, streamName, err)
	}

	s.logger.Info("Successfully created JetStream consumer",
		zap.String("stream", streamName),
		zap.String("consumer", consumerName),
		zap.Int("max_deliver", s.maxDeliver))
	return nil
}

// streamForSubject derives a stream name from the first subject token
func streamForSubject(subject string) string {
	if i := strings.IndexByte(subject, '.'); i > 0 {
		return subject[:i]
	}
	return subject
}

// Publish publishes msg to subject, creating a stream for the subject's first token if needed.
// Failed publishes are retried with a linear backoff.
func (s *MessageService) Publish(ctx context.Context, subject string, msg *Message) error {
	if subject == "" {
		s.logger.Error("Publish failed: subject cannot be empty")
		return sdkerrors.NewValidationError("subject cannot be empty", "INVALID_SUBJECT", nil)
	}

	if msg == nil {
		s.logger.Error("Publish failed: message cannot be nil")
		return sdkerrors.NewValidationError("message cannot be nil", "INVALID_MESSAGE", nil)
	}

	if err := s.EnsureStream(streamForSubject(subject)); err != nil {
		s.logger.Error("Failed to ensure stream exists",
			zap.String("subject", subject),
			zap.Error(err))
		return sdkerrors.NewInternalError("", "failed to ensure stream exists", "STREAM_ENSURE_FAILED", err)
	}

	data, err := msg.ToBytes()
	if err != nil {
		s.logger.Error("Failed to marshal message",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Error(err))
		return sdkerrors.NewInternalError("", "failed to marshal message", "MARSHAL_FAILED", err)
	}

	var publishErr error
	for attempt := 1; attempt <= s.publishMaxRetries; attempt++ {
		if _, publishErr = s.js.Publish(subject, data); publishErr == nil {
			break
		}
		if attempt == s.publishMaxRetries {
			break
		}

		s.logger.Warn("Failed to publish message, retrying",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", s.publishMaxRetries),
			zap.Error(publishErr))

		select {
		case <-ctx.Done():
			return fmt.Errorf("publish cancelled: %w", ctx.Err())
		case <-time.After(time.Duration(attempt) * s.retryBackoff):
		}
	}

	if publishErr != nil {
		s.logger.Error("Failed to publish message after all retries",
			zap.String("subject", subject),
			zap.String("correlation_id", msg.CorrelationID),
			zap.Int("attempts", s.publishMaxRetries),
			zap.Error(publishErr))
		return sdkerrors.NewInternalError("", "failed to publish message to JetStream", "PUBLISH_FAILED",
			fmt.Errorf("%w: %w", sdkerrors.ErrPublishFailed, publishErr))
	}

	s.logger.Debug("Message published",
		zap.String("subject", subject),
		zap.String("correlation_id", msg.CorrelationID))
	return nil
}

// PullMessages fetches up to batchSize messages from a durable pull consumer.
//
// Messages are NOT acknowledged; the caller must Ack, Nak or Term each one.
// Malformed messages are terminated here since redelivery cannot fix them.
// Returns an empty slice (not an error) when no messages arrive within the fetch timeout.
func (s *MessageService) PullMessages(ctx context.Context, stream, consumer string, batchSize int) ([]*Message, error) {
	if stream == "" || consumer == "" {
		s.logger.Error("PullMessages failed: stream and consumer names are required")
		return nil, sdkerrors.NewValidationError("stream and consumer names are required", "INVALID_CONSUMER", nil)
	}

	if batchSize <= 0 {
		batchSize = 10
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("pull cancelled: %w", err)
	}

	type result struct {
		msgs []*Message
		err  error
	}
	resultCh := make(chan result, 1)

	go func() {
		sub, err := s.js.PullSubscribe("", consumer, nats.Bind(stream, consumer))
		if err != nil {
			resultCh <- result{err: err}
			return
		}
		defer sub.Unsubscribe()

		timeout := s.fetchTimeout
		if deadline, ok := ctx.Deadline(); ok {
			if remaining := time.Until(deadline); remaining > 0 && remaining < timeout {
				timeout = remaining
			}
		}

		natsMessages, err := sub.Fetch(batchSize, nats.MaxWait(timeout))
		if err != nil {
			if err == nats.ErrTimeout {
				resultCh <- result{msgs: []*Message{}}
				return
			}
			resultCh <- result{err: err}
			return
		}

		messages := make([]*Message, 0, len(natsMessages))
		for _, natsMsg := range natsMessages {
			msg, err := FromNATSMsg(natsMsg)
			if err != nil {
				s.logger.Warn("Terminating malformed message",
					zap.String("subject", natsMsg.Subject),
					zap.Error(err))
				if natsMsg.Reply != "" {
					_ = natsMsg.Term()
				}
				continue
			}
			messages = append(messages, msg)
		}

		resultCh <- result{msgs: messages}
	}()

	select {
	case <-ctx.Done():
		if ctx.Err() == context.Canceled {
			s.logger.Debug("Pull messages cancelled during shutdown",
				zap.String("stream", stream),
				zap.String("consumer", consumer))
		} else {
			s.logger.Warn("Pull messages cancelled",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(ctx.Err()))
		}
		return nil, fmt.Errorf("pull cancelled: %w", ctx.Err())
	case res := <-resultCh:
		if res.err != nil {
			s.logger.Error("Failed to pull messages from JetStream",
				zap.String("stream", stream),
				zap.String("consumer", consumer),
				zap.Error(res.err))
			return nil, sdkerrors.NewInternalError("", "failed to pull messages from JetStream", "PULL_FAILED", res.err)
		}
		return res.msgs, nil
	}
}
