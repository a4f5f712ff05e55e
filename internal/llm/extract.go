// ABOUTME: Structured field extraction from free-form client messages
// ABOUTME: Unknown keys are discarded; refusals are reported separately

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// Extraction is what the model found in one message.
type Extraction struct {
	Fields map[string]any
	// Refused lists fields the client explicitly declined to share.
	Refused []string
}

// Extractor pulls known fields out of a message.
type Extractor interface {
	Extract(ctx context.Context, text string, fields []string, known map[string]any) (Extraction, error)
}

const extractSystem = "You are a JSON parser. Extract known fields from the client's message. " +
	"Reply with a single valid JSON object and nothing else. Omit fields that are not mentioned. " +
	`If the client explicitly refuses to share some fields, add a "refused_fields" array naming them.`

// Extract asks the model for the listed fields.
func (c *Client) Extract(ctx context.Context, text string, fields []string, known map[string]any) (Extraction, error) {
	snapshot, err := json.MarshalIndent(known, "", "  ")
	if err != nil {
		return Extraction{}, fmt.Errorf("encoding known fields: %w", err)
	}
	prompt := fmt.Sprintf("Known so far:\n```json\n%s\n```\nFields to extract: %s\n\nClient message: %q",
		snapshot, strings.Join(fields, ", "), text)

	raw, err := c.complete(ctx, extractSystem, prompt, 0)
	if err != nil {
		return Extraction{}, err
	}
	return parseExtraction(raw, fields)
}

func parseExtraction(raw string, fields []string) (Extraction, error) {
	var data map[string]any
	if err := json.Unmarshal([]byte(stripCodeFences(raw)), &data); err != nil {
		return Extraction{}, fmt.Errorf("parsing extraction: %w", err)
	}

	out := Extraction{Fields: map[string]any{}}
	if refused, ok := data["refused_fields"].([]any); ok {
		for _, r := range refused {
			if name, ok := r.(string); ok && slices.Contains(fields, name) {
				out.Refused = append(out.Refused, name)
			}
		}
	}
	for k, v := range data {
		if v == nil || !slices.Contains(fields, k) {
			continue
		}
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		out.Fields[k] = v
	}
	return out, nil
}
