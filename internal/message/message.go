// Package message defines the conversation message model shared by the
// checkpoint store, the history pruner, and the reasoning invoker.
package message

import "strings"

// Role identifies the author of a message.
type Role string

const (
	RoleSystem Role = "system"
	RoleHuman  Role = "human"
	RoleAgent  Role = "agent"
)

// Message is one entry of a conversation history. Seq is monotonic within a
// conversation; ordering is significant.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Seq     int    `json:"seq"`
}

// System builds a system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// Human builds a human message.
func Human(content string) Message {
	return Message{Role: RoleHuman, Content: content}
}

// Agent builds an agent message.
func Agent(content string) Message {
	return Message{Role: RoleAgent, Content: content}
}

// IsSystem reports whether the message carries the system role.
func (m Message) IsSystem() bool {
	return m.Role == RoleSystem
}

// Renumber rewrites Seq so the slice is numbered 0..len-1 in place order.
func Renumber(messages []Message) []Message {
	for i := range messages {
		messages[i].Seq = i
	}
	return messages
}

// ValidRole reports whether role is one of the known roles.
func ValidRole(role Role) bool {
	switch Role(strings.TrimSpace(string(role))) {
	case RoleSystem, RoleHuman, RoleAgent:
		return true
	default:
		return false
	}
}
