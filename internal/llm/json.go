package llm

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cuongbtq/clipforge/internal/domain"
)

// DecodeJSON unmarshals a model reply into v, tolerating markdown code
// fences and prose around the outermost object.
func DecodeJSON(content string, v any) error {
	text := strings.TrimSpace(content)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end < start {
		return fmt.Errorf("%w: llm reply contains no json object", domain.ErrProvider)
	}

	if err := json.Unmarshal([]byte(text[start:end+1]), v); err != nil {
		return fmt.Errorf("%w: llm reply is not valid json: %w", domain.ErrProvider, err)
	}
	return nil
}
