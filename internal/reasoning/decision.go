package reasoning

import (
	"encoding/json"
	"strings"
)

// Decision is the parsed routing output of a reply.
type Decision struct {
	AgentName string `json:"agent_name"`
}

// ParseDecision extracts the agent_name field from a reply. The second return
// is false when the content is not parseable as a routing decision; the
// caller applies its default-target fallback explicitly rather than treating
// that as a failure.
func ParseDecision(content string) (Decision, bool) {
	cleaned := stripCodeFence(content)
	if cleaned == "" {
		return Decision{}, false
	}
	var decision Decision
	if err := json.Unmarshal([]byte(cleaned), &decision); err != nil {
		return Decision{}, false
	}
	decision.AgentName = strings.TrimSpace(decision.AgentName)
	if decision.AgentName == "" {
		return Decision{}, false
	}
	return decision, true
}

// stripCodeFence removes a surrounding markdown code fence, which some
// providers wrap around JSON output.
func stripCodeFence(content string) string {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.Index(trimmed, "\n"); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
