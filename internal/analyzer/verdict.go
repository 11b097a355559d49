package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"rootscope/internal/models"
	"rootscope/pkg/llm"
)

// VerdictToolName is the function the model must call.
const VerdictToolName = "submit_verdict"

// RequiredFields lists the verdict fields a response must carry, in the order
// they are reported when missing.
var RequiredFields = []string{
	"root_cause_summary",
	"affected_services",
	"supporting_evidence",
	"recommended_actions",
}

// VerdictTool returns the tool declaration with the verdict JSON schema.
func VerdictTool() llm.Tool {
	str := map[string]any{"type": "string"}
	return llm.Tool{
		Name:        VerdictToolName,
		Description: "Submit the root cause verdict for the incident.",
		Parameters: map[string]any{
			"type":     "object",
			"required": RequiredFields,
			"properties": map[string]any{
				"root_cause_summary": str,
				"affected_services":  map[string]any{"type": "array", "items": str},
				"supporting_evidence": map[string]any{
					"type": "array",
					"items": map[string]any{
						"type":     "object",
						"required": []string{"kind", "ref"},
						"properties": map[string]any{
							"kind": map[string]any{"type": "string", "enum": []string{"suspect", "edge", "span", "log", "metric", "note"}},
							"ref":  str,
							"note": str,
						},
					},
				},
				"recommended_actions": map[string]any{"type": "array", "items": str},
				"confidence":          map[string]any{"type": "number", "minimum": 0, "maximum": 1},
			},
		},
	}
}

// MissingFieldsError reports which required fields a response lacked.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("missing field %s", strings.Join(e.Fields, ", "))
}

// Correction is the feedback sent with the retry.
func (e *MissingFieldsError) Correction() string {
	return fmt.Sprintf("Your previous response was missing field %s. Call %s again with every required field.",
		strings.Join(e.Fields, ", "), VerdictToolName)
}

// ParseVerdict decodes and validates a raw model answer. defaultConfidence
// is used when the answer omits confidence. Failures are
// MalformedReasoningOutput errors; a *MissingFieldsError is wrapped inside
// when the JSON was readable but incomplete.
func ParseVerdict(raw string, defaultConfidence float64) (*models.Verdict, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, models.WrapError(models.KindMalformedReasoningOutput, &MissingFieldsError{Fields: RequiredFields}, "response contains no JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return nil, models.WrapError(models.KindMalformedReasoningOutput, err, "response is not a JSON object")
	}

	var missing []string
	for _, name := range RequiredFields {
		v, ok := fields[name]
		if !ok || isNull(v) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, models.WrapError(models.KindMalformedReasoningOutput, &MissingFieldsError{Fields: missing}, "incomplete verdict")
	}

	var v models.Verdict
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, models.WrapError(models.KindMalformedReasoningOutput, err, "verdict has wrong field types")
	}
	if strings.TrimSpace(v.RootCauseSummary) == "" {
		return nil, models.WrapError(models.KindMalformedReasoningOutput,
			&MissingFieldsError{Fields: []string{"root_cause_summary"}}, "empty summary")
	}
	if _, ok := fields["confidence"]; !ok || isNull(fields["confidence"]) {
		v.Confidence = defaultConfidence
	}
	v.Normalize()
	return &v, nil
}

func isNull(v json.RawMessage) bool {
	return strings.TrimSpace(string(v)) == "null"
}

// extractJSON strips code fences and prose around the outermost object.
func extractJSON(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end < start {
		return ""
	}
	return raw[start : end+1]
}
