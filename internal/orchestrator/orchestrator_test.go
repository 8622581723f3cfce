package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/Ashish9059/MedGuardian-Edge/internal/agent"
	"github.com/Ashish9059/MedGuardian-Edge/internal/clinical"
	xerrors "github.com/Ashish9059/MedGuardian-Edge/internal/errors"
	"github.com/Ashish9059/MedGuardian-Edge/internal/llm"
)

// scriptedGateway resolves each call by the system instruction of the first
// message, so every persona can be scripted independently.
type scriptedGateway struct {
	mu        sync.Mutex
	responses map[string]map[string]any
	failures  map[string]error
	calls     []string
}

func newScriptedGateway() *scriptedGateway {
	return &scriptedGateway{
		responses: make(map[string]map[string]any),
		failures:  make(map[string]error),
	}
}

func (g *scriptedGateway) script(contract agent.Contract, data map[string]any) {
	g.responses[contract.Name] = data
}

func (g *scriptedGateway) fail(contract agent.Contract, err error) {
	g.failures[contract.Name] = err
}

func (g *scriptedGateway) resolve(messages []llm.Message) string {
	if len(messages) == 0 {
		return ""
	}
	instruction := messages[0].Text
	switch instruction {
	case agent.Triage.Instruction:
		return agent.NameTriage
	case agent.MedSafety.Instruction:
		return agent.NameMedSafety
	case agent.Synthesis.Instruction:
		return agent.NameSynthesis
	case agent.SOAP.Instruction:
		return agent.NameSOAP
	case agent.Lab.Instruction:
		// Lab text and lab vision share an instruction; a vision call
		// carries content parts.
		if len(messages) > 1 && len(messages[1].Parts) > 0 {
			return agent.NameLabVision
		}
		return agent.NameLabText
	}
	return ""
}

func (g *scriptedGateway) Complete(_ context.Context, messages []llm.Message) (string, error) {
	return "", nil
}

func (g *scriptedGateway) CompleteJSON(_ context.Context, messages []llm.Message) (map[string]any, error) {
	name := g.resolve(messages)
	g.mu.Lock()
	g.calls = append(g.calls, name)
	g.mu.Unlock()
	if err, ok := g.failures[name]; ok {
		return nil, err
	}
	if data, ok := g.responses[name]; ok {
		return data, nil
	}
	return map[string]any{}, nil
}

func (g *scriptedGateway) HealthCheck(context.Context) llm.HealthStatus {
	return llm.HealthStatus{}
}

func (g *scriptedGateway) called(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, call := range g.calls {
		if call == name {
			return true
		}
	}
	return false
}

func contains(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

func TestExecuteRunFullPipeline(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.script(agent.Triage, map[string]any{"risk_level": "Moderate"})
	gateway.script(agent.Lab, map[string]any{"abnormal_values": []any{"WBC high"}})
	gateway.script(agent.MedSafety, map[string]any{"interactions": []any{"warfarin + aspirin"}})
	gateway.script(agent.Synthesis, map[string]any{
		"risk_level":             "Moderate",
		"most_likely_condition":  "Community-acquired pneumonia",
		"recommended_next_steps": []any{"Chest X-ray", "Blood cultures"},
	})
	gateway.script(agent.SOAP, map[string]any{"subjective": "Fever and cough for 3 days."})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient: &clinical.PatientSection{
			Age:      54,
			Symptoms: []string{"fever", "productive cough"},
			Vitals:   map[string]any{"temperature": 38.5, "heart_rate": 92},
		},
		Lab:          &clinical.LabSection{LabText: "WBC 15.2"},
		Prescription: &clinical.PrescriptionSection{Medications: clinical.MedicationList{"warfarin", "aspirin"}},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-1", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	activated := result.Metadata.ActivatedAgents
	if len(activated) != 3 {
		t.Fatalf("expected 3 activated agents, got %v", activated)
	}
	for _, name := range []string{agent.NameTriage, agent.NameLabText, agent.NameMedSafety} {
		if !contains(activated, name) {
			t.Fatalf("expected %s in activation set: %v", name, activated)
		}
	}

	if result.Metadata.Version != ProtocolVersion {
		t.Fatalf("unexpected version: %s", result.Metadata.Version)
	}
	if !contains(result.Metadata.VitalsSummary, clinical.FlagFever) {
		t.Fatalf("expected fever flag in vitals summary: %v", result.Metadata.VitalsSummary)
	}

	if result.Risk["risk_level"] != "Moderate" {
		t.Fatalf("unexpected risk slot: %v", result.Risk)
	}
	if _, ok := result.Lab["abnormal_values"]; !ok {
		t.Fatalf("unexpected lab slot: %v", result.Lab)
	}
	if _, ok := result.Prescription["interactions"]; !ok {
		t.Fatalf("unexpected prescription slot: %v", result.Prescription)
	}
	if result.SOAP["subjective"] != "Fever and cough for 3 days." {
		t.Fatalf("unexpected soap slot: %v", result.SOAP)
	}

	if result.Explanation.Explanation != "Community-acquired pneumonia" {
		t.Fatalf("unexpected explanation: %q", result.Explanation.Explanation)
	}
	if len(result.Explanation.KeyPoints) != 2 {
		t.Fatalf("unexpected key points: %v", result.Explanation.KeyPoints)
	}
	if result.Explanation.FollowUpAdvice != "Consult your attending physician for verification." {
		t.Fatalf("unexpected follow-up advice: %q", result.Explanation.FollowUpAdvice)
	}

	// Moderate risk, no rule severity, no red flags.
	score := result.Metadata.ClinicalSafetyScore
	if score.FinalScore != 3 || score.Interpretation != clinical.InterpretationLow {
		t.Fatalf("unexpected score: %+v", score)
	}
}

func TestExecuteRunNoSpecialists(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.script(agent.Synthesis, map[string]any{"risk_level": "Low"})
	gateway.script(agent.SOAP, map[string]any{"plan": "routine follow-up"})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient: &clinical.PatientSection{
			Age:    30,
			Vitals: map[string]any{"systolic_bp": 118, "heart_rate": 70},
		},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-2", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(result.Metadata.ActivatedAgents) != 0 {
		t.Fatalf("expected no specialists, got %v", result.Metadata.ActivatedAgents)
	}
	if gateway.called(agent.NameTriage) {
		t.Fatal("triage must not fire without symptoms or high-risk vitals")
	}
	if !gateway.called(agent.NameSynthesis) || !gateway.called(agent.NameSOAP) {
		t.Fatal("synthesis and documentation always run")
	}
	if len(result.Lab) != 0 || len(result.Prescription) != 0 {
		t.Fatalf("expected empty slots: lab=%v prescription=%v", result.Lab, result.Prescription)
	}
}

func TestExecuteRunVisionTakesPrecedence(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.script(agent.LabVision, map[string]any{"observations": "hemolyzed sample"})
	gateway.script(agent.Synthesis, map[string]any{"risk_level": "Low"})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Lab: &clinical.LabSection{
			LabText:   "WBC 15.2",
			ImageData: "QUJD",
		},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-3", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if !gateway.called(agent.NameLabVision) {
		t.Fatal("lab vision should have been dispatched")
	}
	if gateway.called(agent.NameLabText) {
		t.Fatal("lab text must not fire when an image is present")
	}
	if result.Lab["observations"] != "hemolyzed sample" {
		t.Fatalf("unexpected lab slot: %v", result.Lab)
	}
}

func TestExecuteRunContainsSpecialistFailure(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.script(agent.Triage, map[string]any{"risk_level": "Low"})
	gateway.fail(agent.MedSafety, xerrors.New(llm.CodeRequestTimeout, "request timed out"))
	gateway.script(agent.Synthesis, map[string]any{"risk_level": "Low"})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient:      &clinical.PatientSection{Symptoms: []string{"headache"}},
		Prescription: &clinical.PrescriptionSection{Medications: clinical.MedicationList{"ibuprofen"}},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-4", payload)
	if err != nil {
		t.Fatalf("a specialist failure must not fail the run: %v", err)
	}

	if result.Prescription["agent"] != agent.NameMedSafety {
		t.Fatalf("expected error slot for medication safety: %v", result.Prescription)
	}
	if _, ok := result.Prescription["error"]; !ok {
		t.Fatalf("expected error entry: %v", result.Prescription)
	}
	if result.Risk["risk_level"] != "Low" {
		t.Fatalf("healthy slots must be unaffected: %v", result.Risk)
	}
}

func TestExecuteRunSynthesisFailureFallback(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.fail(agent.Synthesis, xerrors.New(llm.CodeBackendUnavailable, "backend down"))
	gateway.script(agent.SOAP, map[string]any{"plan": "recheck"})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient: &clinical.PatientSection{Symptoms: []string{"headache"}},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-5", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Risk["agent"] != agent.NameSynthesis {
		t.Fatalf("expected contained synthesis failure: %v", result.Risk)
	}
	if result.Explanation.Explanation != "Evaluation complete." {
		t.Fatalf("expected fallback explanation, got %q", result.Explanation.Explanation)
	}
	if len(result.Explanation.KeyPoints) != 0 {
		t.Fatalf("expected no key points: %v", result.Explanation.KeyPoints)
	}
	if result.SOAP["plan"] != "recheck" {
		t.Fatalf("documentation must still be attempted: %v", result.SOAP)
	}
}

// cancelingGateway cancels the request context the first time a given agent
// is invoked, simulating a client disconnect mid-run.
type cancelingGateway struct {
	*scriptedGateway
	cancelOn string
	cancel   context.CancelFunc
	once     sync.Once
}

func (g *cancelingGateway) CompleteJSON(ctx context.Context, messages []llm.Message) (map[string]any, error) {
	if g.resolve(messages) == g.cancelOn {
		g.once.Do(g.cancel)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return g.scriptedGateway.CompleteJSON(ctx, messages)
}

func TestExecuteRunSurvivesClientDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scripted := newScriptedGateway()
	scripted.script(agent.Triage, map[string]any{"risk_level": "Low"})
	scripted.script(agent.Synthesis, map[string]any{"risk_level": "Low"})
	scripted.script(agent.SOAP, map[string]any{"plan": "observe"})
	gateway := &cancelingGateway{
		scriptedGateway: scripted,
		cancelOn:        agent.NameTriage,
		cancel:          cancel,
	}

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient: &clinical.PatientSection{Symptoms: []string{"headache"}},
	}

	result, err := pipeline.ExecuteRun(ctx, "run-7", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if result.Risk["risk_level"] != "Low" {
		t.Fatalf("synthesis must not see the disconnect: %v", result.Risk)
	}
	if result.SOAP["plan"] != "observe" {
		t.Fatalf("documentation must not see the disconnect: %v", result.SOAP)
	}
	if _, failed := result.Risk["error"]; failed {
		t.Fatalf("unexpected contained failure: %v", result.Risk)
	}
}

func TestExecuteRunCriticalEscalation(t *testing.T) {
	gateway := newScriptedGateway()
	gateway.script(agent.Triage, map[string]any{"risk_level": "Low"})
	// The model underestimates a patient in shock; the deterministic rules
	// must dominate the composite score.
	gateway.script(agent.Synthesis, map[string]any{"risk_level": "Low"})

	pipeline := New(gateway)
	payload := clinical.Payload{
		Patient: &clinical.PatientSection{
			Age:      68,
			Symptoms: []string{"dizziness"},
			Vitals:   map[string]any{"systolic_bp": 72, "spo2": 85},
		},
	}

	result, err := pipeline.ExecuteRun(context.Background(), "run-6", payload)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	if len(result.Metadata.HardAlerts) != 2 {
		t.Fatalf("expected 2 hard alerts, got %v", result.Metadata.HardAlerts)
	}

	// Risk escalates to High (5) plus 4 severity points from two critical
	// vitals rules.
	score := result.Metadata.ClinicalSafetyScore
	if score.FinalScore != 9 {
		t.Fatalf("unexpected final score: %d", score.FinalScore)
	}
	if score.Interpretation != clinical.InterpretationHigh {
		t.Fatalf("unexpected interpretation: %q", score.Interpretation)
	}
}
