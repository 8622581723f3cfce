package run

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/alerting"
	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

// Executor runs the analysis pipeline for one payload.
type Executor interface {
	ExecuteRun(ctx context.Context, runID string, payload clinical.Payload) (*orchestrator.Result, error)
}

// Processor consumes queued runs and hands them to the executor.
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	producer    Producer
	workerCount int
	logger      *slog.Logger
	recovery    RecoveryHandler
	alerter     alerting.Dispatcher
}

// ProcessorOption customizes a Processor.
type ProcessorOption func(*Processor)

// WithProcessorLogger sets the debug logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount sets the number of consuming goroutines.
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithRecoveryHandler configures the degraded-result fallback.
func WithRecoveryHandler(handler RecoveryHandler) ProcessorOption {
	return func(p *Processor) {
		p.recovery = handler
	}
}

// WithAlertDispatcher configures the alert dispatcher.
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor builds a Processor.
func NewProcessor(executor Executor, store Store, consumer Consumer, producer Producer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		producer:    producer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start blocks consuming the queue until the context is canceled.
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "run consumer not configured")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "processor not initialized")
	}
	record, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrRunNotFound) || stdErrors.Is(err, ErrRunCompleted) || stdErrors.Is(err, ErrRunExhausted) {
			p.logDebug("skipping run", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("failed to claim run", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Run{ID: runID}, CodeRunProcessing, err, "claim")
		return err
	}

	result, execErr := p.executor.ExecuteRun(ctx, record.ID, record.Payload)
	if execErr != nil {
		return p.handleExecutionFailure(ctx, record, execErr)
	}

	var assembled orchestrator.Result
	if result != nil {
		assembled = *result
	}
	if err := p.store.MarkSucceeded(ctx, record.ID, assembled); err != nil {
		logger.L().Error("failed to mark run succeeded", slog.Any("error", err), slog.String("run_id", record.ID))
		if storeErr := p.store.MarkFailed(ctx, record.ID, CodeRunProcessing, err.Error(), false); storeErr != nil {
			logger.L().Error("failed to record failure state", slog.Any("error", storeErr), slog.String("run_id", record.ID))
			return storeErr
		}
		if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("failed to requeue run %s after success-mark failure", record.ID))
		}
		logger.Audit().Warn("run requeued after success-mark failure",
			slog.String("run_id", record.ID),
			slog.String("error", err.Error()),
		)
		return nil
	}
	logger.Audit().Info("run completed",
		slog.String("run_id", record.ID),
		slog.Int("safety_score", assembled.Metadata.ClinicalSafetyScore.FinalScore),
		slog.String("interpretation", assembled.Metadata.ClinicalSafetyScore.Interpretation),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, record *Run, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeRunProcessing
	}
	retryable := xerrors.RetryableError(execErr)
	terminal := record.Attempts >= record.MaxRetries || !retryable

	if !retryable && p.recovery != nil {
		if fallback, recErr := p.recovery.Recover(ctx, record, execErr); recErr != nil {
			logger.L().Error("recovery handler failed",
				slog.Any("error", recErr),
				slog.String("run_id", record.ID))
			p.emitAlert(ctx, record, code, recErr, "recover")
		} else if fallback != nil {
			if err := p.store.MarkSucceeded(ctx, record.ID, *fallback); err != nil {
				logger.L().Error("failed to record degraded result", slog.Any("error", err), slog.String("run_id", record.ID))
				if storeErr := p.store.MarkFailed(ctx, record.ID, code, err.Error(), false); storeErr != nil {
					return storeErr
				}
				if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
					return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("failed to requeue run %s after degraded-result failure", record.ID))
				}
				return nil
			}
			logger.Audit().Warn("run completed with degraded result",
				slog.String("run_id", record.ID),
				slog.String("cause", execErr.Error()),
			)
			p.emitAlert(ctx, record, code, execErr, "degraded")
			return nil
		}
	}

	if storeErr := p.store.MarkFailed(ctx, record.ID, code, execErr.Error(), terminal); storeErr != nil {
		logger.L().Error("failed to mark run failed", slog.Any("error", storeErr), slog.String("run_id", record.ID))
		return storeErr
	}
	logger.Audit().Warn("run execution failed",
		slog.String("run_id", record.ID),
		slog.Bool("terminal", terminal),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("attempts", record.Attempts),
		slog.Int("max_retries", record.MaxRetries),
	)

	stage := "retry"
	if terminal {
		stage = "terminal"
	} else if !retryable {
		stage = "non_retryable"
	}
	p.emitAlert(ctx, record, code, execErr, stage)

	if retryable && !terminal {
		if pubErr := p.producer.Publish(ctx, record.ID); pubErr != nil {
			return xerrors.Wrap(CodeRunPublish, pubErr, fmt.Sprintf("failed to requeue run %s", record.ID))
		}
		p.logDebug("run requeued", slog.String("run_id", record.ID), slog.Int("attempts", record.Attempts))
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, record *Run, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || record == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		RunID:      record.ID,
		Attempts:   record.Attempts,
		MaxRetries: record.MaxRetries,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("failed to dispatch alert",
			slog.Any("error", err),
			slog.String("run_id", record.ID),
			slog.String("stage", stage),
		)
	}
}
