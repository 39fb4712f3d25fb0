package npc

import "encoding/json"

const (
	ActionNoop = "noop"

	ReasoningLocalFallback = "local-fallback"
)

type Action struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Changes     Delta  `json:"changes,omitempty"`
}

type Decision struct {
	Action    Action `json:"action"`
	Reasoning string `json:"reasoning,omitempty"`
}

// FallbackDecision is substituted when the decision adapter times out or
// fails. It changes nothing.
func FallbackDecision() Decision {
	return Decision{
		Action: Action{
			Type:        ActionNoop,
			Description: "Fallback action due to timeout or error",
		},
		Reasoning: ReasoningLocalFallback,
	}
}

func (d Decision) IsFallback() bool {
	return d.Reasoning == ReasoningLocalFallback
}

// Summary is the text written to the agent's memory log.
func (d Decision) Summary() string {
	if d.Action.Description != "" {
		return "Decision: " + d.Action.Description
	}
	return "Decision: " + d.Action.Type
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type        string         `json:"type"`
		Description string         `json:"description"`
		Changes     map[string]any `json:"changes"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	a.Type = raw.Type
	a.Description = raw.Description
	a.Changes = ParseChanges(raw.Changes)
	return nil
}
