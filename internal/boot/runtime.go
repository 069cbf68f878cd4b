// Package boot provides runtime configuration and dependency wiring for the router.
package boot

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/skamalj/router-agent/internal/config"
	"github.com/skamalj/router-agent/internal/history"
)

// RuntimeConfig holds parsed runtime settings for the routing pipeline.
// Values may be overridden by environment variables (e.g. MODEL_NAME,
// MSG_HISTORY_TO_KEEP, WORKFLOW_TARGET_URL).
type RuntimeConfig struct {
	ServerAddr        string
	Model             string
	Provider          string
	PromptPath        string
	MinKeep           int
	PruneTrigger      int
	CheckpointTTL     time.Duration
	WorkflowTargetURL string
	DefaultAgent      string
}

// ProvideRuntimeConfig builds RuntimeConfig from the given config, applies env
// overrides, and validates the history bounds. An invalid min-keep/trigger
// pair is a startup configuration error, never a runtime failure.
func ProvideRuntimeConfig(cfg config.Config) (*RuntimeConfig, error) {
	ret := &RuntimeConfig{
		ServerAddr:        cfg.Server.Addr,
		Model:             strings.TrimSpace(cfg.Reasoning.Model),
		Provider:          strings.TrimSpace(cfg.Reasoning.Provider),
		PromptPath:        cfg.Reasoning.PromptPath,
		MinKeep:           cfg.History.MinKeep,
		PruneTrigger:      cfg.History.PruneTrigger,
		CheckpointTTL:     time.Duration(cfg.Checkpoint.TTLSeconds) * time.Second,
		WorkflowTargetURL: strings.TrimSpace(cfg.Workflow.TargetURL),
		DefaultAgent:      strings.TrimSpace(cfg.Workflow.DefaultAgent),
	}

	if value := os.Getenv("HTTP_ADDR"); value != "" {
		ret.ServerAddr = value
	}
	if value := os.Getenv("MODEL_NAME"); value != "" {
		ret.Model = value
	}
	if value := os.Getenv("PROVIDER_NAME"); value != "" {
		ret.Provider = value
	}
	if value := os.Getenv("WORKFLOW_TARGET_URL"); value != "" {
		ret.WorkflowTargetURL = value
	}
	if value := os.Getenv("MSG_HISTORY_TO_KEEP"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid MSG_HISTORY_TO_KEEP: %w", err)
		}
		ret.MinKeep = parsed
	}
	if value := os.Getenv("DELETE_TRIGGER_COUNT"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return nil, fmt.Errorf("invalid DELETE_TRIGGER_COUNT: %w", err)
		}
		ret.PruneTrigger = parsed
	}

	if ret.Model == "" {
		return nil, errors.New("reasoning model is required")
	}
	if ret.WorkflowTargetURL == "" {
		return nil, errors.New("workflow target url is required")
	}
	if ret.DefaultAgent == "" {
		return nil, errors.New("default agent is required")
	}
	if ret.CheckpointTTL <= 0 {
		return nil, errors.New("checkpoint ttl must be positive")
	}
	if err := history.ValidateBounds(ret.MinKeep, ret.PruneTrigger); err != nil {
		return nil, err
	}
	return ret, nil
}
