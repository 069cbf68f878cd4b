// Package reasoning invokes the routing model over an OpenAI-compatible chat
// completions endpoint and parses its structured routing decision.
package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/skamalj/router-agent/internal/message"
)

// Client calls an OpenAI-compatible provider.
type Client struct {
	baseURL string
	apiKey  string
	model   string
	logger  *slog.Logger
	http    *http.Client
}

// NewClient creates a reasoning client. provider is informational (log
// attribution); the wire protocol is the OpenAI-compatible one regardless.
func NewClient(log *slog.Logger, baseURL, apiKey, provider, model string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("reasoning client: base url is required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("reasoning client: model is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if provider == "" {
		provider = "openai"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		logger: log.With(
			slog.String("client", "reasoning"),
			slog.String("provider", provider),
			slog.String("model", model),
		),
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Temperature    float32           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
	Messages       []chatMessage     `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Invoke sends the system prompt plus ordered history and returns the model
// reply. The system prompt always occupies position 0 of the request.
func (c *Client) Invoke(ctx context.Context, systemPrompt string, history []message.Message) (Reply, error) {
	if len(history) == 0 {
		return Reply{}, fmt.Errorf("%w: history is required", ErrInvocation)
	}
	payload := make([]chatMessage, 0, len(history)+1)
	if strings.TrimSpace(systemPrompt) != "" && !history[0].IsSystem() {
		payload = append(payload, chatMessage{Role: "system", Content: systemPrompt})
	}
	for _, m := range history {
		payload = append(payload, chatMessage{Role: wireRole(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(chatRequest{
		Model:       c.model,
		Temperature: 0,
		ResponseFormat: map[string]string{
			"type": "json_object",
		},
		Messages: payload,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Reply{}, fmt.Errorf("%w: %s", ErrInvocation, strings.TrimSpace(string(b)))
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", ErrInvocation, err)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return Reply{}, fmt.Errorf("%w: response missing content", ErrInvocation)
	}
	return Reply{Content: parsed.Choices[0].Message.Content}, nil
}

func wireRole(role message.Role) string {
	switch role {
	case message.RoleSystem:
		return "system"
	case message.RoleAgent:
		return "assistant"
	default:
		return "user"
	}
}

// LoadPrompt reads the routing system prompt from path.
func LoadPrompt(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load prompt %q: %w", path, err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("prompt %q is empty", path)
	}
	return prompt, nil
}
