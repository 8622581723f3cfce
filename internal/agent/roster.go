// Package agent defines the fixed roster of clinical reasoning personas and
// the runner that dispatches them through the LLM gateway. Failures inside an
// agent call never escape the package boundary; they are contained into
// error-shaped outcomes so one failed specialist cannot abort a run.
package agent

// Agent names used in activation plans and result maps.
const (
	NameTriage    = "TRIAGE"
	NameLabText   = "LAB_TEXT"
	NameLabVision = "LAB_VISION"
	NameMedSafety = "MED_SAFETY"
	NameSynthesis = "SYNTHESIS"
	NameSOAP      = "SOAP"
)

// Mode selects how an agent's user content is delivered to the backend.
type Mode int

const (
	// ModeText sends system plus a single user text block.
	ModeText Mode = iota
	// ModeVision sends system plus a user content list pairing one text
	// segment with one inline image.
	ModeVision
)

// Contract is one persona: a name, a fixed system instruction and an
// invocation mode. The instruction names the keys the model must produce,
// but nothing guarantees it will.
type Contract struct {
	Name        string
	Instruction string
	Mode        Mode
}

// Triage classifies overall patient risk from vitals and symptoms.
var Triage = Contract{
	Name: NameTriage,
	Instruction: "You are an emergency triage AI. Classify risk strictly as LOW, MODERATE, HIGH, or CRITICAL based on vitals and symptoms. " +
		`Return JSON only: {"risk_level": "", "urgency_score": 0-10, "justification": ""}`,
}

// Lab interprets raw lab report text.
var Lab = Contract{
	Name: NameLabText,
	Instruction: "You are a laboratory interpretation AI. Identify abnormal values and clinically significant patterns. " +
		"Do not speculate beyond evidence. Return JSON only: " +
		`{"abnormal_values": [], "pattern_alerts": [], "clinical_interpretation": ""}`,
}

// LabVision interprets a lab report image. Same persona as Lab, vision mode.
var LabVision = Contract{
	Name:        NameLabVision,
	Instruction: Lab.Instruction,
	Mode:        ModeVision,
}

// MedSafety screens a medication list for interactions and contraindications.
var MedSafety = Contract{
	Name: NameMedSafety,
	Instruction: "You are a pharmacovigilance AI. Identify drug-drug interactions, contraindications, and renal adjustments. " +
		`Return JSON only: {"interactions": [], "contraindications": [], "dose_adjustment_flags": []}`,
}

// Synthesis merges the specialist reports into a differential diagnosis.
var Synthesis = Contract{
	Name: NameSynthesis,
	Instruction: "You are a senior clinical reasoning AI synthesizing multiple specialist reports. " +
		"Provide working differential diagnosis and recommended next steps. " +
		`Return JSON only: {"differential_diagnosis": [], "most_likely_condition": "", ` +
		`"recommended_next_steps": [], "escalation_required": true/false}`,
}

// SOAP produces a structured clinical note from the same merged context.
var SOAP = Contract{
	Name: NameSOAP,
	Instruction: "You are a clinical documentation AI. Generate a professional SOAP note. " +
		`Return JSON only: {"subjective": "", "objective": "", "assessment": "", "plan": ""}`,
}
