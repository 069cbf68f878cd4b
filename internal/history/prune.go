// Package history enforces the bounded-size invariant on conversation
// histories. Prune is pure and deterministic so the reasoning step never sees
// more than the configured trigger count of messages.
package history

import (
	"fmt"

	"github.com/skamalj/router-agent/internal/message"
)

// ValidateBounds checks the pruning thresholds at startup. A configuration
// where minKeep exceeds maxTrigger is a configuration error, not something to
// discover at runtime.
func ValidateBounds(minKeep, maxTrigger int) error {
	if minKeep <= 0 {
		return fmt.Errorf("history: min keep must be positive, got %d", minKeep)
	}
	if maxTrigger <= 0 {
		return fmt.Errorf("history: prune trigger must be positive, got %d", maxTrigger)
	}
	if minKeep > maxTrigger {
		return fmt.Errorf("history: min keep %d exceeds prune trigger %d", minKeep, maxTrigger)
	}
	return nil
}

// Prune returns messages unchanged while len(messages) <= maxTrigger.
// Otherwise it retains the most recent minKeep messages in their original
// relative order. A system message found among the dropped prefix is
// reinstated at position 0 so system context never silently disappears.
//
// The input slice is not mutated.
func Prune(messages []message.Message, minKeep, maxTrigger int) []message.Message {
	if len(messages) <= maxTrigger {
		return messages
	}

	cut := len(messages) - minKeep
	dropped := messages[:cut]
	kept := messages[cut:]

	var system *message.Message
	for i := range dropped {
		if dropped[i].IsSystem() {
			system = &dropped[i]
			break
		}
	}

	result := make([]message.Message, 0, minKeep+1)
	if system != nil && !containsSystem(kept) {
		result = append(result, *system)
	}
	result = append(result, kept...)
	return result
}

func containsSystem(messages []message.Message) bool {
	for i := range messages {
		if messages[i].IsSystem() {
			return true
		}
	}
	return false
}
