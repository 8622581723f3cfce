// Package clinical holds the clinical payload model, the deterministic
// preprocessor that turns a payload into activation flags, and the rule
// engine applied alongside model inference.
package clinical

import (
	"encoding/json"
	"strings"
)

// Payload is the inbound clinical document. Every section is optional;
// absence suppresses the agents that would consume it, it is not an error.
type Payload struct {
	Patient      *PatientSection      `json:"patient,omitempty"`
	Lab          *LabSection          `json:"lab,omitempty"`
	Prescription *PrescriptionSection `json:"prescription,omitempty"`
}

// PatientSection carries demographics, symptoms and vitals.
type PatientSection struct {
	Age           int            `json:"age,omitempty"`
	Gender        string         `json:"gender,omitempty"`
	Symptoms      []string       `json:"symptoms,omitempty"`
	Vitals        map[string]any `json:"vitals,omitempty"`
	Comorbidities []string       `json:"comorbidities,omitempty"`
}

// LabSection carries raw lab report text and/or a base64 report image.
type LabSection struct {
	LabText        string `json:"lab_text,omitempty"`
	ImageData      string `json:"image_data,omitempty"`
	PatientContext string `json:"patient_context,omitempty"`
}

// PrescriptionSection carries the medication list.
type PrescriptionSection struct {
	Medications MedicationList `json:"medications,omitempty"`
}

// MedicationList accepts either a JSON array of names or a single
// comma-delimited string.
type MedicationList []string

// UnmarshalJSON implements the list-or-string behaviour.
func (m *MedicationList) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		*m = names
		return nil
	}
	var joined string
	if err := json.Unmarshal(data, &joined); err != nil {
		return err
	}
	*m = splitMedications(joined)
	return nil
}

func splitMedications(joined string) []string {
	parts := strings.Split(joined, ",")
	names := make([]string, 0, len(parts))
	for _, part := range parts {
		if name := strings.TrimSpace(part); name != "" {
			names = append(names, name)
		}
	}
	return names
}
