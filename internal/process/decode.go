package process

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DecodeSteps parses the persisted steps column. Some historical rows are
// double-encoded: a JSON string whose contents are the actual array. The
// decode is two-stage: first the raw JSON value, with the string variant
// re-parsed explicitly, then strict validation of the typed step list.
func DecodeSteps(raw []byte) ([]Step, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return []Step{}, nil
	}

	var value json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &value); err != nil {
		return nil, fmt.Errorf("decode steps: %w", err)
	}

	// Double-encoded variant: the column holds a JSON string.
	if len(value) > 0 && value[0] == '"' {
		var inner string
		if err := json.Unmarshal(value, &inner); err != nil {
			return nil, fmt.Errorf("decode steps wrapper: %w", err)
		}
		value = json.RawMessage(inner)
	}

	var steps []Step
	if err := json.Unmarshal(value, &steps); err != nil {
		return nil, fmt.Errorf("decode step list: %w", err)
	}

	for i, step := range steps {
		switch step.Type {
		case StepStart, StepAction, StepDecision, StepFinish:
		default:
			return nil, fmt.Errorf("step %d: unknown type %q", i, step.Type)
		}
	}
	return CloneSteps(steps), nil
}

// EncodeSteps serializes a normalized step list for storage. Always a plain
// array, never the double-encoded legacy form.
func EncodeSteps(steps []Step) ([]byte, error) {
	normalized := CloneSteps(steps)
	if normalized == nil {
		normalized = []Step{}
	}
	data, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("encode steps: %w", err)
	}
	return data, nil
}
