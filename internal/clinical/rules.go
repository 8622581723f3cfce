package clinical

import (
	"fmt"
	"strings"
)

// RuleReport is the deterministic contribution of the rule engine: alert
// strings plus an integer severity score.
type RuleReport struct {
	Alerts        []string `json:"alerts"`
	SeverityScore int      `json:"severity_score"`
}

// Score interpretations.
const (
	InterpretationLow      = "Low Clinical Risk"
	InterpretationModerate = "Moderate Clinical Risk"
	InterpretationHigh     = "High Clinical Risk"
)

// ScoreReport combines model-derived risk with the deterministic severity
// score into one composite number.
type ScoreReport struct {
	FinalScore     int    `json:"final_score"`
	Interpretation string `json:"score_interpretation"`
}

// RuleEngine is the deterministic collaborator consulted before and after
// model inference. It never performs I/O.
type RuleEngine interface {
	EvaluateVitals(vitals Vitals) RuleReport
	CheckSymptomRedFlags(symptoms []string) []string
	CheckAgeRisk(age int, comorbidities []string) []string
	ComputeClinicalScore(llmOutput map[string]any, rules RuleReport) ScoreReport
}

// Rules is the built-in RuleEngine with hard-coded clinical thresholds.
type Rules struct{}

var _ RuleEngine = Rules{}

// EvaluateVitals applies hard safety thresholds to normalized vitals. Each
// triggered rule appends a CRITICAL alert and adds 2 points of severity.
func (Rules) EvaluateVitals(v Vitals) RuleReport {
	report := RuleReport{Alerts: []string{}}
	critical := func(alert string) {
		report.Alerts = append(report.Alerts, alert)
		report.SeverityScore += 2
	}

	if v.SystolicBP != nil {
		if *v.SystolicBP > 180 {
			critical(fmt.Sprintf("CRITICAL: Hypertensive crisis — Systolic BP %.0f mmHg > 180. Immediate medical attention required.", *v.SystolicBP))
		} else if *v.SystolicBP < 80 {
			critical(fmt.Sprintf("CRITICAL: Hypotensive shock — Systolic BP %.0f mmHg < 80. Assess for shock; IV access and fluids required.", *v.SystolicBP))
		}
	}

	if v.DiastolicBP != nil && *v.DiastolicBP >= 120 {
		critical(fmt.Sprintf("CRITICAL: Hypertensive emergency — Diastolic BP %.0f mmHg >= 120.", *v.DiastolicBP))
	}

	if v.HeartRate != nil {
		if *v.HeartRate > 130 {
			critical(fmt.Sprintf("CRITICAL: Severe tachycardia — HR %.0f bpm > 130. Rule out SVT, AF with rapid ventricular response.", *v.HeartRate))
		} else if *v.HeartRate < 40 {
			critical(fmt.Sprintf("CRITICAL: Severe bradycardia — HR %.0f bpm < 40. Assess for heart block; atropine may be required.", *v.HeartRate))
		}
	}

	if v.SpO2 != nil && *v.SpO2 < 90 {
		critical(fmt.Sprintf("CRITICAL: Severe hypoxia — SpO2 %.0f%% < 90%%. Supplemental oxygen required immediately.", *v.SpO2))
	}

	if v.Temperature != nil {
		if *v.Temperature > 39.5 {
			critical(fmt.Sprintf("CRITICAL: High-grade fever — Temp %.1f°C > 39.5°C. Investigate for sepsis; blood cultures recommended.", *v.Temperature))
		} else if *v.Temperature < 35.0 {
			critical(fmt.Sprintf("CRITICAL: Hypothermia — Temp %.1f°C < 35°C. Active rewarming required.", *v.Temperature))
		}
	}

	if v.RespiratoryRate != nil && *v.RespiratoryRate > 30 {
		critical(fmt.Sprintf("CRITICAL: Respiratory distress — RR %.0f breaths/min > 30. Assess for respiratory failure.", *v.RespiratoryRate))
	}

	return report
}

var (
	strokeKeywords = []string{
		"facial droop", "arm weakness", "speech difficulty", "sudden confusion",
		"sudden severe headache", "vision loss", "facial numbness",
	}
	acsKeywords = []string{
		"chest pain", "chest tightness", "chest pressure", "jaw pain",
		"left arm pain", "diaphoresis", "crushing chest",
	}
	anaphylaxisKeywords = []string{
		"throat swelling", "difficulty breathing", "hives", "tongue swelling", "stridor",
	}
	sepsisKeywords = []string{
		"fever", "confusion", "rapid breathing", "low blood pressure",
	}
)

// CheckSymptomRedFlags matches symptoms against high-risk keyword groups.
func (Rules) CheckSymptomRedFlags(symptoms []string) []string {
	alerts := []string{}
	text := strings.ToLower(strings.Join(symptoms, " "))

	if containsAny(text, strokeKeywords) {
		alerts = append(alerts, "CRITICAL: Possible Stroke — FAST symptoms detected. Activate stroke protocol immediately. Time is brain.")
	}
	if containsAny(text, acsKeywords) {
		alerts = append(alerts, "CRITICAL: Possible Acute Coronary Syndrome — Chest pain symptoms present. 12-lead ECG and troponin immediately.")
	}
	if containsAny(text, anaphylaxisKeywords) {
		alerts = append(alerts, "CRITICAL: Possible Anaphylaxis — Administer epinephrine (0.3mg IM) immediately.")
	}
	if countMatches(text, sepsisKeywords) >= 2 {
		alerts = append(alerts, "WARNING: Possible Sepsis — Multiple sepsis criteria present. Blood cultures, lactate, and broad-spectrum antibiotics within 1 hour.")
	}

	return alerts
}

var highRiskComorbidities = []string{
	"diabetes", "heart failure", "copd", "ckd", "immunocompromised",
	"cancer", "cirrhosis", "hiv",
}

// CheckAgeRisk flags age-specific and comorbidity-based risk.
func (Rules) CheckAgeRisk(age int, comorbidities []string) []string {
	alerts := []string{}
	if age >= 80 {
		alerts = append(alerts, "NOTE: Elderly patient (>=80 years) — Higher risk for polypharmacy, falls, and atypical disease presentation.")
	}
	text := strings.ToLower(strings.Join(comorbidities, " "))
	found := make([]string, 0, len(highRiskComorbidities))
	for _, c := range highRiskComorbidities {
		if strings.Contains(text, c) {
			found = append(found, c)
		}
	}
	if len(found) >= 2 {
		alerts = append(alerts, fmt.Sprintf(
			"WARNING: Multiple high-risk comorbidities (%s) — Increased risk of complications and drug interactions.",
			strings.Join(found, ", ")))
	}
	return alerts
}

// ComputeClinicalScore combines the model's risk assessment with the
// deterministic severity score.
//
// Risk level maps to 1/3/5 points, the rule severity adds directly, and each
// model red flag adds one point capped at 4. 0-3 low, 4-7 moderate, 8+ high.
func (Rules) ComputeClinicalScore(llmOutput map[string]any, rules RuleReport) ScoreReport {
	riskPoints := 1
	if level, ok := llmOutput["risk_level"].(string); ok {
		switch strings.ToLower(level) {
		case "medium", "moderate":
			riskPoints = 3
		case "high", "critical":
			riskPoints = 5
		}
	}

	redFlagPoints := 0
	if flags, ok := llmOutput["red_flags"].([]any); ok {
		redFlagPoints = len(flags)
		if redFlagPoints > 4 {
			redFlagPoints = 4
		}
	}

	final := riskPoints + rules.SeverityScore + redFlagPoints

	interpretation := InterpretationLow
	switch {
	case final >= 8:
		interpretation = InterpretationHigh
	case final >= 4:
		interpretation = InterpretationModerate
	}

	return ScoreReport{FinalScore: final, Interpretation: interpretation}
}

// CriticalAlerts filters a merged alert list down to the CRITICAL entries.
func CriticalAlerts(alerts []string) []string {
	critical := make([]string, 0, len(alerts))
	for _, alert := range alerts {
		if strings.HasPrefix(alert, "CRITICAL") {
			critical = append(critical, alert)
		}
	}
	return critical
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

func countMatches(text string, keywords []string) int {
	count := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			count++
		}
	}
	return count
}
