package reasoning

import (
	"context"
	"errors"

	"github.com/skamalj/router-agent/internal/message"
)

// ErrInvocation means the reasoning step itself failed (transport, provider,
// empty reply). Distinct from a reply that merely fails to parse, which the
// caller degrades to its default routing target.
var ErrInvocation = errors.New("reasoning invocation failed")

// Reply is the raw structured output of one reasoning invocation.
type Reply struct {
	Content string `json:"content"`
}

// Invoker is the single capability the pipeline needs from the reasoning
// step. Additional steps can be chained behind this interface without a
// generalized graph engine.
type Invoker interface {
	Invoke(ctx context.Context, systemPrompt string, history []message.Message) (Reply, error)
}
