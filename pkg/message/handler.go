package message

import (
	"context"
	"fmt"

	"github.com/wehubfusion/Daedalus/pkg/flowfile"
	"go.uber.org/zap"
)

// Handler processes one pulled flow file message.
//
// IMPORTANT: the handler decides acknowledgment. The runner acks after the
// flow file is queued and naks when its content could not be stored.
type Handler func(ctx context.Context, msg *Message) error

// Middleware is a function that wraps a handler to add additional functionality
type Middleware func(Handler) Handler

// Chain chains multiple middlewares together; the first middleware is outermost
func Chain(middlewares ...Middleware) Middleware {
	return func(h Handler) Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			h = middlewares[i](h)
		}
		return h
	}
}

// RecoveryMiddleware recovers from panics in message handlers
func RecoveryMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("panic recovered: %v", r)
				}
			}()
			return next(ctx, msg)
		}
	}
}

// LoggingMiddleware logs message processing using structured logging
func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			fields := []zap.Field{zap.String("correlation_id", msg.CorrelationID)}
			if msg.Payload != nil {
				fields = append(fields,
					zap.String("uuid", msg.Payload.UUID),
					zap.String("filename", msg.Payload.Attributes[flowfile.AttrFilename]),
					zap.Bool("blob", msg.HasBlobReference()))
			}

			logger.Debug("Processing message", fields...)
			err := next(ctx, msg)
			if err != nil {
				logger.Error("Error processing message", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("Successfully processed message", fields...)
			}
			return err
		}
	}
}

// ValidationMiddleware validates messages before processing
func ValidationMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, msg *Message) error {
			if msg == nil {
				return fmt.Errorf("message is nil")
			}
			if msg.CreatedAt == "" {
				return fmt.Errorf("message CreatedAt is empty")
			}
			if err := msg.Validate(); err != nil {
				return err
			}
			return next(ctx, msg)
		}
	}
}
