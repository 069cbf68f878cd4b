// Package dispatch submits routing decisions to the downstream workflow
// engine, one execution-start request per successfully processed message.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDispatch means the downstream trigger failed. Retrying is the caller's
// responsibility; the workflow engine does its own idempotency handling keyed
// by execution input.
var ErrDispatch = errors.New("workflow dispatch failed")

// SourceAgent identifies this router in dispatched payloads.
const SourceAgent = "router-agent"

// Decision is the routing outcome of one pipeline run. Ephemeral: constructed
// per run and consumed immediately, never persisted.
type Decision struct {
	NextAgent     string
	Message       string
	ProfileID     string
	ChannelType   string
	ChannelUserID string
}

// ExecutionHandle references the workflow execution started for a decision.
type ExecutionHandle struct {
	ExecutionID string `json:"execution_id"`
}

type startExecutionRequest struct {
	FromAgent   string `json:"fromagent"`
	NextAgent   string `json:"nextagent"`
	Message     string `json:"message"`
	ThreadID    string `json:"thread_id"`
	ChannelType string `json:"channel_type"`
	From        string `json:"from"`
}

// Client triggers workflow executions over HTTP.
type Client struct {
	targetURL string
	logger    *slog.Logger
	http      *http.Client
}

// NewClient creates a dispatch client for the given workflow engine endpoint.
func NewClient(log *slog.Logger, targetURL string, timeout time.Duration) (*Client, error) {
	if strings.TrimSpace(targetURL) == "" {
		return nil, fmt.Errorf("dispatch client: target url is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		targetURL: targetURL,
		logger:    log.With(slog.String("client", "dispatch")),
		http: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Dispatch starts exactly one downstream workflow execution carrying the
// decision payload. It never retries internally.
func (c *Client) Dispatch(ctx context.Context, decision Decision) (ExecutionHandle, error) {
	if strings.TrimSpace(decision.NextAgent) == "" {
		return ExecutionHandle{}, fmt.Errorf("%w: next agent is required", ErrDispatch)
	}
	body, err := json.Marshal(startExecutionRequest{
		FromAgent:   SourceAgent,
		NextAgent:   decision.NextAgent,
		Message:     decision.Message,
		ThreadID:    decision.ProfileID,
		ChannelType: decision.ChannelType,
		From:        decision.ChannelUserID,
	})
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.targetURL, bytes.NewReader(body))
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		return ExecutionHandle{}, fmt.Errorf("%w: %v", ErrDispatch, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return ExecutionHandle{}, fmt.Errorf("%w: status %d: %s", ErrDispatch, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var handle ExecutionHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil || handle.ExecutionID == "" {
		// Engines that reply without a body still started the execution.
		handle.ExecutionID = uuid.NewString()
	}
	c.logger.Debug("workflow execution started",
		slog.String("execution_id", handle.ExecutionID),
		slog.String("next_agent", decision.NextAgent),
		slog.String("thread_id", decision.ProfileID),
	)
	return handle, nil
}
