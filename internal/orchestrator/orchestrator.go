// Package orchestrator drives the hybrid analysis pipeline: deterministic
// preprocessing and rule evaluation, conditional agent activation, a parallel
// specialist fan-out, sequential synthesis and documentation, and final
// assembly of the client-facing result.
package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/Ashish9059/MedGuardian-Edge/internal/agent"
	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
	"github.com/Ashish9059/MedGuardian-Edge/internal/observability/alerting"
	"github.com/Ashish9059/MedGuardian-Edge/pkg/logger"
)

// ProtocolVersion stamps every result so clients can detect pipeline changes.
const ProtocolVersion = "4.0.0-Hybrid"

// Metadata carries run-level context alongside the clinical sections.
type Metadata struct {
	Version             string               `json:"version"`
	ActivatedAgents     []string             `json:"activated_agents"`
	VitalsSummary       []string             `json:"vitals_summary"`
	HardAlerts          []string             `json:"hard_alerts"`
	ClinicalSafetyScore clinical.ScoreReport `json:"clinical_safety_score"`
}

// Explanation is the patient-facing summary projected from the synthesis
// report.
type Explanation struct {
	Explanation    string   `json:"explanation"`
	KeyPoints      []string `json:"key_points"`
	FollowUpAdvice string   `json:"follow_up_advice"`
}

// Result is the assembled output of one analysis run. Slots for agents that
// failed carry an error object instead of a report; slots for agents that
// never activated carry an empty object.
type Result struct {
	Metadata     Metadata       `json:"metadata"`
	Risk         map[string]any `json:"risk"`
	Lab          map[string]any `json:"lab"`
	Prescription map[string]any `json:"prescription"`
	SOAP         map[string]any `json:"soap"`
	Explanation  Explanation    `json:"explanation"`
}

// Orchestrator executes analysis runs against a model gateway.
type Orchestrator struct {
	runner     *agent.Runner
	rules      clinical.RuleEngine
	dispatcher alerting.Dispatcher
	log        *slog.Logger
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithRuleEngine swaps the deterministic rule engine.
func WithRuleEngine(rules clinical.RuleEngine) Option {
	return func(o *Orchestrator) { o.rules = rules }
}

// WithAlertDispatcher wires a dispatcher that receives critical rule alerts.
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(o *Orchestrator) { o.dispatcher = d }
}

// New builds an orchestrator over the given gateway.
func New(gateway llm.Client, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		runner: agent.NewRunner(gateway),
		rules:  clinical.Rules{},
		log:    logger.Named("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// invocation is one activated specialist call, keyed by agent name so
// results re-associate regardless of completion order.
type invocation struct {
	name   string
	invoke func(ctx context.Context) agent.Outcome
}

// ExecuteRun runs the full pipeline for one payload. Agent failures are
// contained into their result slots; the returned error is non-nil only when
// the run cannot start at all.
func (o *Orchestrator) ExecuteRun(ctx context.Context, runID string, payload clinical.Payload) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "run aborted before start")
	}
	started := time.Now()

	summary := clinical.Preprocess(payload)
	report, ruleScoreInput := o.evaluateRules(ctx, runID, payload, summary)

	plan := o.activate(payload, summary)
	names := make([]string, 0, len(plan))
	for _, inv := range plan {
		names = append(names, inv.name)
	}
	o.log.Info("agents activated",
		slog.String("run_id", runID),
		slog.Any("agents", names),
		slog.Bool("high_risk_vitals", summary.HighRiskVitals),
	)

	// Every agent call runs on a context detached from the request, so a
	// client disconnect after dispatch cannot degrade the result.
	detached := context.WithoutCancel(ctx)

	specialists := o.fanOut(detached, runID, plan)

	reports := make(map[string]map[string]any, len(specialists))
	for name, outcome := range specialists {
		reports[name] = outcome.Report()
	}
	synthesisContext := encodeContext(map[string]any{
		"preprocessor":       summary,
		"specialist_reports": reports,
	})

	synthesis := o.runner.Run(detached, agent.Synthesis, synthesisContext)
	soap := o.runner.Run(detached, agent.SOAP, synthesisContext)

	score := o.rules.ComputeClinicalScore(o.scoringInput(synthesis, ruleScoreInput), report)

	result := o.assemble(summary, report, score, names, specialists, synthesis, soap)
	o.log.Info("run assembled",
		slog.String("run_id", runID),
		slog.Int("safety_score", score.FinalScore),
		slog.String("interpretation", score.Interpretation),
		slog.Duration("elapsed", time.Since(started)),
	)
	return result, nil
}

// evaluateRules runs the deterministic safety rules and returns both the
// merged report and the risk-level override applied when critical alerts are
// present. It also notifies the alert dispatcher about critical findings.
func (o *Orchestrator) evaluateRules(ctx context.Context, runID string, payload clinical.Payload, summary clinical.Summary) (clinical.RuleReport, string) {
	vitals := o.rules.EvaluateVitals(summary.Vitals)

	var symptoms []string
	var age int
	var comorbidities []string
	if payload.Patient != nil {
		symptoms = payload.Patient.Symptoms
		age = payload.Patient.Age
		comorbidities = payload.Patient.Comorbidities
	}
	symptomAlerts := o.rules.CheckSymptomRedFlags(symptoms)
	ageAlerts := o.rules.CheckAgeRisk(age, comorbidities)

	report := clinical.RuleReport{
		Alerts:        append(append(append([]string{}, vitals.Alerts...), symptomAlerts...), ageAlerts...),
		SeverityScore: vitals.SeverityScore + 2*len(clinical.CriticalAlerts(symptomAlerts)),
	}

	riskOverride := ""
	if critical := clinical.CriticalAlerts(report.Alerts); len(critical) > 0 {
		riskOverride = "High"
		o.log.Warn("critical rule alerts",
			slog.String("run_id", runID),
			slog.Any("alerts", critical),
		)
		if o.dispatcher != nil {
			event := alerting.Event{
				Code:       xerrors.CodeUnknown,
				Message:    "critical clinical rule alerts raised",
				Severity:   xerrors.SeverityCritical,
				RunID:      runID,
				Metadata:   map[string]string{"alerts": encodeContext(critical)},
				OccurredAt: time.Now(),
			}
			if err := o.dispatcher.Notify(ctx, event); err != nil {
				o.log.Warn("alert dispatch failed", slog.String("run_id", runID), slog.Any("error", err))
			}
		}
	}
	return report, riskOverride
}

// activate decides which specialists run for this payload.
func (o *Orchestrator) activate(payload clinical.Payload, summary clinical.Summary) []invocation {
	var plan []invocation

	if summary.HighRiskVitals || summary.SymptomsCount > 0 {
		text := encodeContext(map[string]any{
			"preprocessor_flags": summary.Flags,
			"patient":            sectionOrEmpty(payload.Patient),
		})
		plan = append(plan, invocation{
			name: agent.NameTriage,
			invoke: func(ctx context.Context) agent.Outcome {
				return o.runner.Run(ctx, agent.Triage, text)
			},
		})
	}

	if payload.Lab != nil {
		lab := payload.Lab
		if summary.HasImage {
			text := encodeContext(map[string]any{
				"preprocessor_flags": summary.Flags,
				"patient_context":    lab.PatientContext,
			})
			plan = append(plan, invocation{
				name: agent.NameLabVision,
				invoke: func(ctx context.Context) agent.Outcome {
					return o.runner.RunVision(ctx, agent.LabVision, text, lab.ImageData)
				},
			})
		} else if lab.LabText != "" {
			text := encodeContext(map[string]any{
				"preprocessor_flags": summary.Flags,
				"lab":                lab,
			})
			plan = append(plan, invocation{
				name: agent.NameLabText,
				invoke: func(ctx context.Context) agent.Outcome {
					return o.runner.Run(ctx, agent.Lab, text)
				},
			})
		}
	}

	if summary.MedicationCount > 0 {
		text := encodeContext(map[string]any{
			"preprocessor_flags": summary.Flags,
			"prescription":       sectionOrEmpty(payload.Prescription),
			"patient":            sectionOrEmpty(payload.Patient),
		})
		plan = append(plan, invocation{
			name: agent.NameMedSafety,
			invoke: func(ctx context.Context) agent.Outcome {
				return o.runner.Run(ctx, agent.MedSafety, text)
			},
		})
	}
	return plan
}

// fanOut dispatches every activated specialist concurrently and collects
// outcomes keyed by agent name. The caller hands in a detached context so one
// result is never lost to a sibling's cancellation.
func (o *Orchestrator) fanOut(ctx context.Context, runID string, plan []invocation) map[string]agent.Outcome {
	outcomes := make(map[string]agent.Outcome, len(plan))
	if len(plan) == 0 {
		return outcomes
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, inv := range plan {
		wg.Add(1)
		go func(inv invocation) {
			defer wg.Done()
			outcome := inv.invoke(ctx)
			mu.Lock()
			outcomes[inv.name] = outcome
			mu.Unlock()
		}(inv)
	}
	wg.Wait()

	failed := 0
	for _, outcome := range outcomes {
		if outcome.Failed() {
			failed++
		}
	}
	o.log.Info("specialist fan-out complete",
		slog.String("run_id", runID),
		slog.Int("dispatched", len(plan)),
		slog.Int("failed", failed),
	)
	return outcomes
}

// scoringInput picks the report that feeds the composite score. The synthesis
// report carries the consolidated risk level; when the deterministic rules
// raised critical alerts the risk level is escalated before scoring.
func (o *Orchestrator) scoringInput(synthesis agent.Outcome, riskOverride string) map[string]any {
	input := map[string]any{}
	if !synthesis.Failed() {
		for k, v := range synthesis.Report() {
			input[k] = v
		}
	}
	if riskOverride != "" {
		level, _ := input["risk_level"].(string)
		switch level {
		case "High", "high", "HIGH", "Critical", "critical", "CRITICAL":
		default:
			input["risk_level"] = riskOverride
		}
	}
	return input
}

// assemble maps agent outcomes into the fixed result shape.
func (o *Orchestrator) assemble(
	summary clinical.Summary,
	report clinical.RuleReport,
	score clinical.ScoreReport,
	activated []string,
	specialists map[string]agent.Outcome,
	synthesis, soap agent.Outcome,
) *Result {
	result := &Result{
		Metadata: Metadata{
			Version:             ProtocolVersion,
			ActivatedAgents:     activated,
			VitalsSummary:       summary.Flags,
			HardAlerts:          report.Alerts,
			ClinicalSafetyScore: score,
		},
		Risk:         synthesis.Report(),
		Lab:          map[string]any{},
		Prescription: map[string]any{},
		SOAP:         soap.Report(),
		Explanation:  buildExplanation(synthesis),
	}

	if vision, ok := specialists[agent.NameLabVision]; ok {
		result.Lab = vision.Report()
	} else if text, ok := specialists[agent.NameLabText]; ok {
		result.Lab = text.Report()
	}
	if med, ok := specialists[agent.NameMedSafety]; ok {
		result.Prescription = med.Report()
	}
	return result
}

// buildExplanation projects the synthesis report into the patient-facing
// summary. A failed or silent synthesis yields the neutral fallback text.
func buildExplanation(synthesis agent.Outcome) Explanation {
	explanation := Explanation{
		Explanation:    "Evaluation complete.",
		KeyPoints:      []string{},
		FollowUpAdvice: "Consult your attending physician for verification.",
	}
	if synthesis.Failed() {
		return explanation
	}
	report := synthesis.Report()
	if condition, ok := report["most_likely_condition"].(string); ok && condition != "" {
		explanation.Explanation = condition
	}
	if steps, ok := report["recommended_next_steps"].([]any); ok {
		for _, step := range steps {
			if s, ok := step.(string); ok && s != "" {
				explanation.KeyPoints = append(explanation.KeyPoints, s)
			}
		}
	}
	return explanation
}

// encodeContext serializes an agent context block. Marshal failures cannot
// occur for the map and struct shapes built here, but the fallback keeps the
// pipeline total.
func encodeContext(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(data)
}

func sectionOrEmpty[T any](section *T) any {
	if section == nil {
		return map[string]any{}
	}
	return section
}
