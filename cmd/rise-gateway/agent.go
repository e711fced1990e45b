package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/risehq/rise-gateway/pkg/workflow"
)

const agentRequestTimeout = 120 * time.Second

// AgentExecutor bridges prompt stages to the model service over HTTP. The
// bridge owns model selection details beyond the name; the gateway only ships
// the rendered prompt and accumulated history.
type AgentExecutor struct {
	endpoint string
	client   *http.Client
}

func NewAgentExecutor(endpoint string) *AgentExecutor {
	return &AgentExecutor{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: agentRequestTimeout},
	}
}

type agentRequest struct {
	Prompt    string   `json:"prompt"`
	History   []string `json:"history,omitempty"`
	RequestID string   `json:"request_id,omitempty"`
	Model     string   `json:"model,omitempty"`
}

type agentResponse struct {
	Text  string `json:"text"`
	Error string `json:"error,omitempty"`
}

func (e *AgentExecutor) Invoke(ctx context.Context, req workflow.StageRequest) (string, error) {
	body, err := json.Marshal(agentRequest{
		Prompt:    req.Prompt,
		History:   req.History,
		RequestID: req.RequestID,
		Model:     req.Model,
	})
	if err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return "", err
	}

	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("agent request: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("agent response read: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var decoded agentResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return "", fmt.Errorf("agent response decode: %w", err)
	}

	if decoded.Error != "" {
		return "", fmt.Errorf("agent error: %s", decoded.Error)
	}

	return decoded.Text, nil
}
