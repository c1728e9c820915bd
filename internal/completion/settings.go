package completion

import (
	"encoding/json"
	"fmt"
	"time"
)

// TriggerPolicy selects which editor triggers the provider answers.
type TriggerPolicy string

const (
	// TriggerAny answers automatic (typing) and explicit invocations.
	TriggerAny TriggerPolicy = "any"
	// TriggerManual answers explicit invocations only.
	TriggerManual TriggerPolicy = "manual"
)

func ParseTriggerPolicy(s string) (TriggerPolicy, error) {
	switch TriggerPolicy(s) {
	case TriggerAny, TriggerManual:
		return TriggerPolicy(s), nil
	default:
		return "", fmt.Errorf("unknown trigger kind %q (want %q or %q)", s, TriggerAny, TriggerManual)
	}
}

// Settings are replaced as a whole by Configure. Debounce is applied by the
// host editor; the provider only carries it.
type Settings struct {
	TriggerKind TriggerPolicy
	Enabled     bool
	Debounce    time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		TriggerKind: TriggerAny,
		Enabled:     true,
	}
}

const settingsSchema = `{
  "title": "Inline completion",
  "type": "object",
  "properties": {
    "triggerKind": {
      "title": "Inline completions trigger",
      "type": "string",
      "oneOf": [
        {"const": "any", "title": "Automatic (on typing or invocation)"},
        {"const": "manual", "title": "Only when invoked manually"}
      ],
      "default": "any"
    },
    "enabled": {
      "title": "Enable inline completions",
      "type": "boolean",
      "default": true
    },
    "debouncerDelay": {
      "title": "Debouncer delay",
      "description": "Milliseconds the editor waits after typing stops before requesting a completion.",
      "type": "integer",
      "minimum": 0,
      "default": 0
    }
  },
  "additionalProperties": false
}`

// SettingsSchema returns the JSON schema a settings UI renders for Settings.
func SettingsSchema() json.RawMessage {
	return json.RawMessage(settingsSchema)
}

// SettingsFromJSON decodes settings stored against SettingsSchema. Missing
// fields take their defaults.
func SettingsFromJSON(data []byte) (Settings, error) {
	raw := struct {
		TriggerKind    *string `json:"triggerKind"`
		Enabled        *bool   `json:"enabled"`
		DebouncerDelay *int    `json:"debouncerDelay"`
	}{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Settings{}, fmt.Errorf("decode settings: %w", err)
	}

	s := DefaultSettings()
	if raw.TriggerKind != nil {
		kind, err := ParseTriggerPolicy(*raw.TriggerKind)
		if err != nil {
			return Settings{}, err
		}
		s.TriggerKind = kind
	}
	if raw.Enabled != nil {
		s.Enabled = *raw.Enabled
	}
	if raw.DebouncerDelay != nil {
		if *raw.DebouncerDelay < 0 {
			return Settings{}, fmt.Errorf("debouncerDelay must not be negative")
		}
		s.Debounce = time.Duration(*raw.DebouncerDelay) * time.Millisecond
	}
	return s, nil
}
