// Package runner provides the agent loop: it pulls tool invocations from a
// JetStream consumer, dispatches them to registered handlers with a worker
// pool, and publishes results.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	internaltracing "github.com/wehubfusion/Talos/internal/tracing"
	"github.com/wehubfusion/Talos/pkg/client"
	sdkerrors "github.com/wehubfusion/Talos/pkg/errors"
	"github.com/wehubfusion/Talos/pkg/message"
)

// Dispatcher routes one invocation to its tool handler. Satisfied by
// tools.Registry.
type Dispatcher interface {
	Call(ctx context.Context, tool string, args json.RawMessage) (json.RawMessage, error)
}

// Fetcher pulls a batch of broker messages; satisfied by a JetStream pull
// subscription.
type Fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
}

// Publisher publishes result payloads; satisfied by a JetStream context
type Publisher interface {
	Publish(subject string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Runner manages concurrent invocation processing from a JetStream consumer.
// It pulls invocations in batches and distributes them to worker goroutines,
// publishing each result to the configured result subject.
type Runner struct {
	fetcher         Fetcher
	publisher       Publisher
	dispatcher      Dispatcher
	resultSubject   string
	batchSize       int
	numWorkers      int
	dispatchTimeout time.Duration
	logger          *zap.Logger
	tracer          trace.Tracer
	tracingShutdown func(context.Context) error
}

// NewRunner creates a runner on a connected client. The invocation stream is
// created when absent; the pull consumer binds to stream.consumer. The
// dispatcher handles every tool the stream may carry. tracingConfig is
// optional; when provided, tracing is configured and shut down with the
// runner.
func NewRunner(cl *client.Client, dispatcher Dispatcher, stream, consumer string, batchSize, numWorkers int, dispatchTimeout time.Duration, logger *zap.Logger, tracingConfig *TracingConfig) (*Runner, error) {
	if cl == nil {
		return nil, errors.New("client cannot be nil")
	}
	js := cl.JetStream()
	if js == nil {
		return nil, errors.New("JetStream context is not available")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if err := ensureStream(js, stream, logger); err != nil {
		return nil, fmt.Errorf("failed to ensure stream '%s' exists: %w", stream, err)
	}

	sub, err := js.PullSubscribe("", consumer, nats.BindStream(stream))
	if err != nil {
		return nil, fmt.Errorf("failed to bind pull consumer '%s': %w", consumer, err)
	}

	resultSubject := cl.Config().ResultSubject
	runner, err := NewRunnerWithTransport(sub, js, dispatcher, resultSubject, batchSize, numWorkers, dispatchTimeout, logger)
	if err != nil {
		return nil, err
	}

	if tracingConfig != nil {
		shutdown, err := internaltracing.SetupTracing(context.Background(), tracingConfig.toInternalConfig(), logger)
		if err != nil {
			logger.Warn("Failed to setup tracing, continuing without tracing", zap.Error(err))
		} else {
			runner.tracingShutdown = shutdown
			logger.Info("Tracing setup complete",
				zap.String("service", tracingConfig.ServiceName),
				zap.String("endpoint", tracingConfig.OTLPEndpoint))
		}
	}

	return runner, nil
}

// NewRunnerWithTransport creates a runner on explicit transport primitives
func NewRunnerWithTransport(fetcher Fetcher, publisher Publisher, dispatcher Dispatcher, resultSubject string, batchSize, numWorkers int, dispatchTimeout time.Duration, logger *zap.Logger) (*Runner, error) {
	if fetcher == nil {
		return nil, errors.New("fetcher cannot be nil")
	}
	if publisher == nil {
		return nil, errors.New("publisher cannot be nil")
	}
	if dispatcher == nil {
		return nil, errors.New("dispatcher cannot be nil")
	}
	if resultSubject == "" {
		return nil, errors.New("result subject cannot be empty")
	}
	if batchSize <= 0 {
		return nil, errors.New("batchSize must be greater than 0")
	}
	if numWorkers <= 0 {
		return nil, errors.New("numWorkers must be greater than 0")
	}
	if dispatchTimeout <= 0 {
		return nil, errors.New("dispatchTimeout must be greater than 0")
	}
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	return &Runner{
		fetcher:         fetcher,
		publisher:       publisher,
		dispatcher:      dispatcher,
		resultSubject:   resultSubject,
		batchSize:       batchSize,
		numWorkers:      numWorkers,
		dispatchTimeout: dispatchTimeout,
		logger:          logger,
		tracer:          otel.Tracer("talos/runner"),
	}, nil
}

// ensureStream creates the JetStream stream if it doesn't exist
func ensureStream(js nats.JetStreamContext, streamName string, logger *zap.Logger) error {
	streamInfo, err := js.StreamInfo(streamName)
	if err != nil {
		if err == nats.ErrStreamNotFound {
			logger.Info("Creating JetStream stream", zap.String("stream", streamName))

			streamConfig := &nats.StreamConfig{
				Name:     streamName,
				Subjects: []string{fmt.Sprintf("%s.*", streamName)},
				Storage:  nats.FileStorage,
				MaxAge:   24 * time.Hour,
				MaxMsgs:  100000,
				Replicas: 1,
			}

			if _, err := js.AddStream(streamConfig); err != nil {
				return fmt.Errorf("failed to create stream '%s': %w", streamName, err)
			}

			logger.Info("Successfully created JetStream stream",
				zap.String("stream", streamName),
				zap.Strings("subjects", streamConfig.Subjects))
			return nil
		}
		return fmt.Errorf("failed to get stream info for '%s': %w", streamName, err)
	}

	logger.Info("JetStream stream already exists",
		zap.String("stream", streamName),
		zap.Uint64("messages", streamInfo.State.Msgs),
		zap.Int("consumers", streamInfo.State.Consumers))
	return nil
}

// Close gracefully shuts down the runner and cleans up tracing resources
func (r *Runner) Close() error {
	if r.tracingShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.tracingShutdown(ctx); err != nil {
			r.logger.Error("Error shutting down tracing", zap.Error(err))
			return err
		}
		r.logger.Info("Tracing shutdown complete")
	}
	return nil
}

// Run starts the invocation processing pipeline. It spawns worker goroutines
// and begins pulling from the configured consumer, blocking until the
// context is cancelled and all workers have finished.
func (r *Runner) Run(ctx context.Context) error {
	invocationChan := make(chan *message.Invocation, r.batchSize)

	var wg sync.WaitGroup
	for i := 0; i < r.numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			r.worker(ctx, workerID, invocationChan)
		}(i)
	}

	go func() {
		defer close(invocationChan)

		backoffDelay := 100 * time.Millisecond
		maxBackoff := 5 * time.Second

		for {
			select {
			case <-ctx.Done():
				r.logger.Info("Shutting down invocation puller")
				return
			default:
				msgs, err := r.fetcher.Fetch(r.batchSize, nats.MaxWait(time.Second))
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					if err == nats.ErrTimeout {
						// No invocations available; normal idle behavior.
						continue
					}
					r.logger.Error("Error pulling invocations", zap.Error(err))
					time.Sleep(backoffDelay)
					if backoffDelay < maxBackoff {
						backoffDelay *= 2
					}
					continue
				}
				backoffDelay = 100 * time.Millisecond

				for _, msg := range msgs {
					inv, err := message.ParseInvocation(msg)
					if err != nil {
						// An undecodable invocation can never succeed on
						// redelivery; drop it with an ack.
						r.logger.Warn("Discarding malformed invocation", zap.Error(err))
						if ackErr := msg.Ack(); ackErr != nil {
							r.logger.Error("Error acking malformed invocation", zap.Error(ackErr))
						}
						continue
					}
					select {
					case invocationChan <- inv:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		r.logger.Info("Runner completed successfully")
		return nil
	case <-ctx.Done():
		r.logger.Info("Runner stopped due to context cancellation")
		return ctx.Err()
	}
}

// worker processes invocations from the channel
func (r *Runner) worker(ctx context.Context, workerID int, invocationChan <-chan *message.Invocation) {
	r.logger.Info("Worker started", zap.Int("workerID", workerID))
	defer r.logger.Info("Worker stopped", zap.Int("workerID", workerID))

	for {
		select {
		case inv, ok := <-invocationChan:
			if !ok {
				return
			}
			r.processInvocation(ctx, workerID, inv)
		case <-ctx.Done():
			return
		}
	}
}

// processInvocation dispatches one invocation and publishes its result
func (r *Runner) processInvocation(ctx context.Context, workerID int, inv *message.Invocation) {
	ctx, span := r.tracer.Start(ctx, "runner.processInvocation",
		trace.WithAttributes(
			attribute.Int("worker.id", workerID),
			attribute.String("invocation.tool", inv.Tool),
			attribute.String("invocation.correlation_id", inv.CorrelationID),
		))
	defer span.End()

	dispatchCtx, cancel := context.WithTimeout(ctx, r.dispatchTimeout)
	defer cancel()

	start := time.Now()
	r.logger.Info("Worker dispatching invocation",
		zap.Int("workerID", workerID),
		zap.String("tool", inv.Tool),
		zap.String("correlationID", inv.CorrelationID))

	output, dispatchErr := r.dispatcher.Call(dispatchCtx, inv.Tool, inv.Arguments)
	elapsed := time.Since(start)
	span.SetAttributes(attribute.Int64("dispatch.duration_ms", elapsed.Milliseconds()))

	var result message.Result
	if dispatchErr != nil {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())
		r.logger.Error("Error dispatching invocation",
			zap.Int("workerID", workerID),
			zap.String("tool", inv.Tool),
			zap.Duration("elapsed", elapsed),
			zap.Error(dispatchErr))
		result = message.NewErrorResult(inv, dispatchErr.Error(), sdkerrors.CodeOf(dispatchErr))
	} else {
		span.SetStatus(codes.Ok, "Invocation dispatched successfully")
		r.logger.Info("Successfully dispatched invocation",
			zap.Int("workerID", workerID),
			zap.String("tool", inv.Tool),
			zap.Duration("elapsed", elapsed))
		result = message.NewResult(inv, output)
	}

	if err := r.publishResult(result); err != nil {
		r.logger.Error("Error publishing result, leaving invocation for redelivery",
			zap.Int("workerID", workerID),
			zap.String("correlationID", inv.CorrelationID),
			zap.Error(err))
		if nakErr := inv.Nak(); nakErr != nil {
			r.logger.Error("Error naking invocation", zap.Error(nakErr))
		}
		return
	}

	if ackErr := inv.Ack(); ackErr != nil {
		r.logger.Error("Error acking invocation",
			zap.Int("workerID", workerID),
			zap.Error(ackErr))
	}
}

// publishResult publishes one result to the result subject
func (r *Runner) publishResult(result message.Result) error {
	raw, err := result.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if _, err := r.publisher.Publish(r.resultSubject, raw); err != nil {
		return fmt.Errorf("failed to publish result: %w", err)
	}
	return nil
}
