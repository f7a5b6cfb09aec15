package consult

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/kaptinlin/jsonrepair"

	"github.com/aneezhealth/consult/providers"
)

// Medication is one prescribed item. All four fields are mandatory.
type Medication struct {
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	Duration  string `json:"duration"`
}

// Prescription is the structured clinical record produced at the end of one
// consultation. Created once, immutable thereafter.
type Prescription struct {
	Medications  []Medication `json:"medications"`
	Instructions string       `json:"instructions"`
	FollowUp     string       `json:"followUp"`
}

// Generation failure taxonomy. None of these are retried automatically; the
// transcript is left intact so the caller may call generate again.
var (
	// ErrProviderFailure wraps transport or provider errors from the
	// generation call.
	ErrProviderFailure = errors.New("generation provider failure")

	// ErrMalformedOutput means the response text was empty or did not
	// parse as JSON, even after repair.
	ErrMalformedOutput = errors.New("malformed generation output")

	// ErrSchemaViolation means the JSON parsed but a required field is
	// missing or empty.
	ErrSchemaViolation = errors.New("generation output violates schema")
)

// prescriptionSchema declares the required output shape once; each generator
// converts it to its vendor's schema dialect.
func prescriptionSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "object",
		Properties: map[string]*jsonschema.Schema{
			"medications": {
				Type: "array",
				Items: &jsonschema.Schema{
					Type: "object",
					Properties: map[string]*jsonschema.Schema{
						"name":      {Type: "string"},
						"dosage":    {Type: "string"},
						"frequency": {Type: "string"},
						"duration":  {Type: "string"},
					},
					Required: []string{"name", "dosage", "frequency", "duration"},
				},
			},
			"instructions": {Type: "string"},
			"followUp":     {Type: "string"},
		},
		Required: []string{"medications", "instructions", "followUp"},
	}
}

// transcriptPrompt serializes the transcript as "ROLE: text" lines in
// chronological order and frames it with the reason for the visit.
func transcriptPrompt(transcript []Turn, visitReason string) string {
	var sb strings.Builder
	sb.WriteString("Based on the following doctor-patient consultation transcript, generate a structured prescription JSON:\n\n")
	for _, turn := range transcript {
		sb.WriteString(strings.ToUpper(string(turn.Role)))
		sb.WriteString(": ")
		sb.WriteString(turn.Text)
		sb.WriteByte('\n')
	}
	sb.WriteString("\nReason for visit: ")
	sb.WriteString(visitReason)
	return sb.String()
}

// GeneratePrescription submits the finished transcript plus visit context as
// a single structured-generation request and validates the response. The
// call mutates nothing: the same transcript can be resubmitted after any
// failure (the output may legitimately differ, generation is
// non-deterministic).
func GeneratePrescription(ctx context.Context, gen providers.Generator, transcript []Turn, visitReason string) (*Prescription, error) {
	raw, err := gen.Generate(ctx, transcriptPrompt(transcript, visitReason), prescriptionSchema())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderFailure, err)
	}
	if strings.TrimSpace(raw) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformedOutput)
	}

	var p Prescription
	if err := unmarshalRepaired([]byte(raw), &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if err := validatePrescription(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

// unmarshalRepaired unmarshals JSON, attempting a repair pass on malformed
// input before giving up.
func unmarshalRepaired(data []byte, v any) error {
	err := json.Unmarshal(data, v)
	if err == nil {
		return nil
	}
	fixed, repairErr := jsonrepair.JSONRepair(string(data))
	if repairErr != nil {
		return err
	}
	return json.Unmarshal([]byte(fixed), v)
}

func validatePrescription(p *Prescription) error {
	if p.Medications == nil {
		return fmt.Errorf("%w: missing medications", ErrSchemaViolation)
	}
	for i, m := range p.Medications {
		if m.Name == "" || m.Dosage == "" || m.Frequency == "" || m.Duration == "" {
			return fmt.Errorf("%w: medication %d has empty fields", ErrSchemaViolation, i)
		}
	}
	// A struct unmarshal cannot tell a missing key from an empty string;
	// the schema requires both, so empty counts as missing.
	if p.Instructions == "" {
		return fmt.Errorf("%w: missing instructions", ErrSchemaViolation)
	}
	if p.FollowUp == "" {
		return fmt.Errorf("%w: missing followUp", ErrSchemaViolation)
	}
	return nil
}
