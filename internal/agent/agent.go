package agent

import (
	"context"
	"log/slog"
	"time"

	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/metrics"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

// Outcome is the result of one agent invocation: either a mapping loosely
// conforming to the contract's keys, or a contained failure. Downstream
// consumers resolve the two cases through Failed and Report, never by
// inspecting the mapping ad hoc.
type Outcome struct {
	Agent string
	Data  map[string]any
	Err   error
}

// Failed reports whether the invocation was contained as a failure.
func (o Outcome) Failed() bool {
	return o.Err != nil
}

// Report renders the outcome as the wire-level mapping: the contract data on
// success, an {error, agent} record on failure.
func (o Outcome) Report() map[string]any {
	if o.Err != nil {
		return map[string]any{
			"error": o.Err.Error(),
			"agent": o.Agent,
		}
	}
	if o.Data == nil {
		return map[string]any{}
	}
	return o.Data
}

// Runner dispatches contracts through the gateway. It is stateless after
// construction and safe to share across concurrent runs.
type Runner struct {
	gateway llm.Client
}

// NewRunner creates a Runner over the gateway.
func NewRunner(gateway llm.Client) *Runner {
	return &Runner{gateway: gateway}
}

// Run invokes a text-mode contract with the serialized context. Any error
// from the gateway is contained into the returned Outcome.
func (r *Runner) Run(ctx context.Context, contract Contract, contextText string) Outcome {
	messages := []llm.Message{
		llm.TextMessage(llm.RoleSystem, contract.Instruction),
		llm.TextMessage(llm.RoleUser, contextText),
	}
	return r.dispatch(ctx, contract, messages)
}

// RunVision invokes a vision-mode contract with the serialized context and a
// base64 image payload.
func (r *Runner) RunVision(ctx context.Context, contract Contract, contextText, imageBase64 string) Outcome {
	messages := []llm.Message{
		llm.TextMessage(llm.RoleSystem, contract.Instruction),
		llm.VisionMessage(contextText, "data:image/png;base64,"+imageBase64),
	}
	return r.dispatch(ctx, contract, messages)
}

func (r *Runner) dispatch(ctx context.Context, contract Contract, messages []llm.Message) Outcome {
	if r == nil || r.gateway == nil {
		return Outcome{
			Agent: contract.Name,
			Err:   xerrors.New(xerrors.CodeInitializationFailure, "agent runner has no gateway"),
		}
	}

	started := time.Now()
	data, err := r.gateway.CompleteJSON(ctx, messages)
	metrics.ObserveAgentCall(contract.Name, err != nil, time.Since(started))
	if err != nil {
		logger.L().Warn("agent call contained",
			slog.String("agent", contract.Name),
			slog.String("code", string(xerrors.CodeOf(err))),
			slog.Any("error", err),
		)
		return Outcome{Agent: contract.Name, Err: err}
	}

	logger.L().Info("agent completed",
		slog.String("agent", contract.Name),
		slog.Duration("elapsed", time.Since(started)),
	)
	return Outcome{Agent: contract.Name, Data: data}
}
