package run

import (
	"context"

	"github.com/Ashish9059/MedGuardian-Edge/internal/orchestrator"
)

// RecoveryHandler defines the fallback strategy for runs that fail with a
// non-retryable error. A non-nil result is recorded as the degraded outcome;
// returning nil, nil continues the normal failure path.
type RecoveryHandler interface {
	Recover(ctx context.Context, run *Run, cause error) (*orchestrator.Result, error)
}
