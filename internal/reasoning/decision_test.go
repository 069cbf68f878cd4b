package reasoning

import "testing"

func TestParseDecision(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		want    string
		ok      bool
	}{
		{"plain json", `{"agent_name": "billing-agent"}`, "billing-agent", true},
		{"extra fields", `{"agent_name": "sales-agent", "confidence": 0.9}`, "sales-agent", true},
		{"fenced json", "```json\n{\"agent_name\": \"support-agent\"}\n```", "support-agent", true},
		{"fence without language", "```\n{\"agent_name\": \"support-agent\"}\n```", "support-agent", true},
		{"whitespace agent", `{"agent_name": "  "}`, "", false},
		{"missing field", `{"agent": "x"}`, "", false},
		{"free text", "route this to billing please", "", false},
		{"empty", "", "", false},
		{"json array", `["billing-agent"]`, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, ok := ParseDecision(tt.content)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if decision.AgentName != tt.want {
				t.Fatalf("agent = %q, want %q", decision.AgentName, tt.want)
			}
		})
	}
}
