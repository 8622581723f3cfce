package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/alerting"
	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
)

type fakeExecutor struct {
	calls  atomic.Int32
	err    error
	result *orchestrator.Result
}

func (f *fakeExecutor) ExecuteRun(_ context.Context, runID string, _ clinical.Payload) (*orchestrator.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &orchestrator.Result{
		Metadata: orchestrator.Metadata{Version: orchestrator.ProtocolVersion},
		Risk:     map[string]any{"run_id": runID},
	}, nil
}

type capturingDispatcher struct {
	mu     sync.Mutex
	events []alerting.Event
}

func (d *capturingDispatcher) Notify(_ context.Context, event alerting.Event) error {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
	return nil
}

func (d *capturingDispatcher) captured() []alerting.Event {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]alerting.Event{}, d.events...)
}

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return errors.New("broker unreachable")
}

func (failingProducer) Close() error { return nil }

func testPayload() clinical.Payload {
	return clinical.Payload{
		Patient: &clinical.PatientSection{Symptoms: []string{"headache"}},
	}
}

func startProcessor(t *testing.T, p *Processor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = p.Start(ctx) }()
	return cancel
}

func TestProcessorProcessesQueuedRuns(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{}
	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithWorkerCount(2))

	cancel := startProcessor(t, processor)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	submitted := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		record, err := service.Submit(ctx, testPayload())
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		submitted = append(submitted, record.ID)
	}

	for _, id := range submitted {
		record, err := service.WaitUntilCompleted(ctx, id, 10*time.Millisecond)
		if err != nil {
			t.Fatalf("wait %s: %v", id, err)
		}
		if record.Status != StatusSucceeded {
			t.Fatalf("run %s: expected success, got %s (%s)", id, record.Status, record.LastError)
		}
		if record.Result == nil || record.Result.Metadata.Version != orchestrator.ProtocolVersion {
			t.Fatalf("run %s: missing result", id)
		}
		if record.Attempts != 1 {
			t.Fatalf("run %s: expected 1 attempt, got %d", id, record.Attempts)
		}
	}
	if got := executor.calls.Load(); got != 3 {
		t.Fatalf("expected 3 executions, got %d", got)
	}
}

func TestProcessorRetriesRetryableFailure(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{err: xerrors.New(CodeRunProcessing, "transient failure")}
	dispatcher := &capturingDispatcher{}
	service := NewService(store, queue, 2)
	processor := NewProcessor(executor, store, queue, queue, WithAlertDispatcher(dispatcher))

	cancel := startProcessor(t, processor)
	defer cancel()

	record, err := service.Submit(context.Background(), testPayload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	var final *Run
	for time.Now().Before(deadline) {
		final, err = store.Get(context.Background(), record.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if final.Status == StatusFailed && final.Attempts == 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if final.Status != StatusFailed || final.Attempts != 2 {
		t.Fatalf("expected 2 failed attempts, got %+v", final)
	}
	if final.ErrorCode != string(CodeRunProcessing) {
		t.Fatalf("unexpected error code: %s", final.ErrorCode)
	}
	if got := executor.calls.Load(); got != 2 {
		t.Fatalf("expected 2 executions, got %d", got)
	}

	events := dispatcher.captured()
	if len(events) != 2 {
		t.Fatalf("expected 2 alert events, got %d", len(events))
	}
	last := events[len(events)-1]
	if last.Metadata["stage"] != "terminal" {
		t.Fatalf("expected terminal alert, got %+v", last)
	}
}

func TestProcessorNonRetryableFailureIsTerminal(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		err: xerrors.New(CodeRunProcessing, "bad payload", xerrors.WithRetryable(false)),
	}
	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue)

	cancel := startProcessor(t, processor)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	record, err := service.Submit(ctx, testPayload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, record.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusFailed {
		t.Fatalf("expected failure, got %s", final.Status)
	}
	if got := executor.calls.Load(); got != 1 {
		t.Fatalf("non-retryable failure must not retry, got %d executions", got)
	}
}

type degradedRecovery struct{}

func (degradedRecovery) Recover(_ context.Context, run *Run, _ error) (*orchestrator.Result, error) {
	return &orchestrator.Result{
		Metadata: orchestrator.Metadata{Version: orchestrator.ProtocolVersion},
		Risk:     map[string]any{"degraded": true, "run_id": run.ID},
	}, nil
}

func TestProcessorRecoveryHandlerRecordsDegradedResult(t *testing.T) {
	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	executor := &fakeExecutor{
		err: xerrors.New(CodeRunProcessing, "hard failure", xerrors.WithRetryable(false)),
	}
	service := NewService(store, queue, 3)
	processor := NewProcessor(executor, store, queue, queue, WithRecoveryHandler(degradedRecovery{}))

	cancel := startProcessor(t, processor)
	defer cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	record, err := service.Submit(ctx, testPayload())
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	final, err := service.WaitUntilCompleted(ctx, record.ID, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if final.Status != StatusSucceeded {
		t.Fatalf("expected degraded success, got %s (%s)", final.Status, final.LastError)
	}
	if final.Result == nil || final.Result.Risk["degraded"] != true {
		t.Fatalf("expected degraded result, got %+v", final.Result)
	}
}

func TestServiceSubmitRejectsEmptyPayload(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(1), 3)
	_, err := service.Submit(context.Background(), clinical.Payload{})
	if xerrors.CodeOf(err) != CodeRunValidation {
		t.Fatalf("expected validation failure, got %v", err)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3)

	_, err := service.Submit(context.Background(), testPayload())
	if xerrors.CodeOf(err) != CodeRunPublish {
		t.Fatalf("expected publish failure, got %v", err)
	}

	runs, listErr := store.List(context.Background(), buildListOptions(nil))
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(runs) != 1 || runs[0].Status != StatusFailed {
		t.Fatalf("publish failure must leave the run failed: %+v", runs)
	}
}
