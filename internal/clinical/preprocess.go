package clinical

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Vital abnormality flags raised by the preprocessor.
const (
	FlagHypotension  = "HYPOTENSION"
	FlagHypertension = "HYPERTENSION"
	FlagHypoxia      = "HYPOXIA"
	FlagTachycardia  = "TACHYCARDIA"
	FlagBradycardia  = "BRADYCARDIA"
	FlagTachypnea    = "TACHYPNEA"
	FlagFever        = "FEVER"
	FlagHypothermia  = "HYPOTHERMIA"
)

// Vitals holds normalized numeric vital signs. A nil field means the value
// was absent or not coercible to a number.
type Vitals struct {
	SystolicBP      *float64 `json:"systolic_bp"`
	DiastolicBP     *float64 `json:"diastolic_bp"`
	HeartRate       *float64 `json:"heart_rate"`
	Temperature     *float64 `json:"temperature"`
	SpO2            *float64 `json:"spo2"`
	RespiratoryRate *float64 `json:"respiratory_rate"`
}

// Summary is the immutable result of preprocessing one payload. The
// orchestrator reads it to decide which agents fire.
type Summary struct {
	Vitals             Vitals   `json:"vitals_normalized"`
	Flags              []string `json:"vital_flags"`
	HighRiskVitals     bool     `json:"high_risk_vitals"`
	HasImage           bool     `json:"has_image"`
	MedicationCount    int      `json:"medication_count"`
	SymptomsCount      int      `json:"symptoms_count"`
	ComorbiditiesCount int      `json:"comorbidities_count"`
}

// Preprocess normalizes a payload into a Summary. It is a pure function and
// never fails: malformed numerics coerce to nil rather than raising.
func Preprocess(payload Payload) Summary {
	var vitals Vitals
	var symptoms, comorbidities int
	if payload.Patient != nil {
		vitals = normalizeVitals(payload.Patient.Vitals)
		symptoms = len(payload.Patient.Symptoms)
		comorbidities = len(payload.Patient.Comorbidities)
	}

	flags, highRisk := detectAbnormalities(vitals)

	hasImage := payload.Lab != nil && payload.Lab.ImageData != ""

	medications := 0
	if payload.Prescription != nil {
		medications = len(payload.Prescription.Medications)
	}

	return Summary{
		Vitals:             vitals,
		Flags:              flags,
		HighRiskVitals:     highRisk,
		HasImage:           hasImage,
		MedicationCount:    medications,
		SymptomsCount:      symptoms,
		ComorbiditiesCount: comorbidities,
	}
}

func normalizeVitals(raw map[string]any) Vitals {
	return Vitals{
		SystolicBP:      toNum(raw["systolic_bp"]),
		DiastolicBP:     toNum(raw["diastolic_bp"]),
		HeartRate:       toNum(raw["heart_rate"]),
		Temperature:     toNum(raw["temperature"]),
		SpO2:            toNum(raw["spo2"]),
		RespiratoryRate: toNum(raw["respiratory_rate"]),
	}
}

// detectAbnormalities applies the fixed clinical ranges. The checks are
// independent and non-exclusive.
func detectAbnormalities(v Vitals) ([]string, bool) {
	flags := make([]string, 0, 4)
	highRisk := false

	if v.SystolicBP != nil {
		if *v.SystolicBP < 90 {
			flags = append(flags, FlagHypotension)
			highRisk = true
		}
		if *v.SystolicBP > 160 {
			flags = append(flags, FlagHypertension)
		}
	}

	if v.SpO2 != nil && *v.SpO2 < 92 {
		flags = append(flags, FlagHypoxia)
		highRisk = true
	}

	if v.HeartRate != nil {
		if *v.HeartRate > 100 {
			flags = append(flags, FlagTachycardia)
		}
		if *v.HeartRate < 60 {
			flags = append(flags, FlagBradycardia)
		}
		if *v.HeartRate > 130 || *v.HeartRate < 40 {
			highRisk = true
		}
	}

	if v.RespiratoryRate != nil && *v.RespiratoryRate > 20 {
		flags = append(flags, FlagTachypnea)
		if *v.RespiratoryRate > 30 {
			highRisk = true
		}
	}

	if v.Temperature != nil {
		if *v.Temperature > 38.0 {
			flags = append(flags, FlagFever)
		}
		if *v.Temperature < 35.0 {
			flags = append(flags, FlagHypothermia)
		}
	}

	return flags, highRisk
}

// toNum coerces a heterogeneous JSON value to a float, nil when absent or
// not numeric.
func toNum(value any) *float64 {
	switch v := value.(type) {
	case nil:
		return nil
	case float64:
		return &v
	case int:
		f := float64(v)
		return &f
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
		return nil
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return nil
		}
		if f, err := strconv.ParseFloat(trimmed, 64); err == nil {
			return &f
		}
		return nil
	default:
		return nil
	}
}
