package run

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

// Service creates and queries runs.
type Service struct {
	store      Store
	producer   Producer
	maxRetries int
}

// NewService builds the run service.
func NewService(store Store, producer Producer, maxRetries int) *Service {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Service{store: store, producer: producer, maxRetries: maxRetries}
}

// Submit persists a new run and publishes it to the queue.
func (s *Service) Submit(ctx context.Context, payload clinical.Payload) (*Run, error) {
	if payload.Patient == nil && payload.Lab == nil && payload.Prescription == nil {
		return nil, xerrors.New(CodeRunValidation, "payload must contain at least one section")
	}
	if s.store == nil || s.producer == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "run service not initialized")
	}

	runID := uuid.NewString()
	record := &Run{
		ID:         runID,
		Payload:    payload,
		Status:     StatusPending,
		Attempts:   0,
		MaxRetries: s.maxRetries,
	}
	if err := s.store.Create(ctx, record); err != nil {
		return nil, err
	}
	if err := s.producer.Publish(ctx, runID); err != nil {
		logger.L().Error("failed to enqueue run", slog.Any("error", err), slog.String("run_id", runID))
		wrapped := xerrors.Wrap(CodeRunPublish, err, "failed to publish run to queue")
		_ = s.store.MarkFailed(ctx, runID, CodeRunPublish, wrapped.Error(), true)
		return nil, wrapped
	}
	logger.Audit().Info("run enqueued",
		slog.String("run_id", runID),
		slog.Int("max_retries", record.MaxRetries),
	)
	return record, nil
}

// Get returns the current state of a run.
func (s *Service) Get(ctx context.Context, id string) (*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "run store not initialized")
	}
	return s.store.Get(ctx, id)
}

// List returns runs matching the filter options.
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Run, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "run store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.List(ctx, options)
}

// Stats returns aggregate counts for runs matching the filter options.
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "run store not initialized")
	}
	options := buildListOptions(opts)
	return s.store.Stats(ctx, options)
}

// Close releases the store and queue.
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted polls the run until it reaches a terminal status or the
// context expires.
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Run, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		record, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if record.Status == StatusSucceeded || record.Status == StatusFailed {
			return record, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// IsNotFound reports whether err indicates a missing run.
func IsNotFound(err error) bool {
	return stdErrors.Is(err, ErrRunNotFound)
}
