// Package brain implements the reasoning capability over an OpenAI-compatible
// chat completions endpoint. Anthropic, OpenAI and most self-hosted gateways
// expose this surface, so one client covers the configured providers.
package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/squadflow/squadflow/internal/agent/runtime"
	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

// defaultBaseURLs maps a provider name to its OpenAI-compatible endpoint.
var defaultBaseURLs = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"anthropic":  "https://api.anthropic.com/v1",
	"mistral":    "https://api.mistral.ai/v1",
	"together":   "https://api.together.xyz/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

// Config selects the provider endpoint and model for one brain.
type Config struct {
	Provider string
	Model    string
	APIKey   string
	// BaseURL overrides the provider default, for gateways and tests.
	BaseURL string
	Timeout time.Duration
}

// Remote is a Brain backed by a chat completions endpoint.
type Remote struct {
	cfg    Config
	client *http.Client
}

// New creates a remote brain. The provider must either be known or carry an
// explicit base URL.
func New(cfg Config) (*Remote, error) {
	if cfg.BaseURL == "" {
		base, ok := defaultBaseURLs[cfg.Provider]
		if !ok {
			return nil, errors.Conflict("unknown llm provider: " + cfg.Provider)
		}
		cfg.BaseURL = base
	}
	if cfg.Model == "" {
		return nil, errors.Conflict("llm model is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &Remote{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// structuredReply is the JSON protocol agents are prompted to answer with.
// A non-JSON completion is treated as a plain reply with no outgoing sends.
type structuredReply struct {
	Reply    string `json:"reply"`
	Messages []struct {
		RecipientID   string                 `json:"recipient_id,omitempty"`
		RecipientRole string                 `json:"recipient_role,omitempty"`
		Scope         string                 `json:"scope,omitempty"`
		Type          string                 `json:"type"`
		Content       string                 `json:"content"`
		Metadata      map[string]interface{} `json:"metadata,omitempty"`
	} `json:"messages,omitempty"`
}

// Think sends the agent's context to the provider and decodes the completion.
func (r *Remote) Think(ctx context.Context, req runtime.ThinkRequest) (runtime.ThinkResponse, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	messages = append(messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	for _, entry := range req.History {
		role := entry.Role
		if role != "assistant" {
			role = "user"
		}
		messages = append(messages, chatMessage{Role: role, Content: entry.Content})
	}
	if req.Message != nil {
		messages = append(messages, chatMessage{
			Role:    "user",
			Content: fmt.Sprintf("[%s from %s] %s", req.Message.Type, req.Message.SenderID, req.Message.Content),
		})
	}

	body, err := json.Marshal(chatRequest{Model: r.cfg.Model, Messages: messages})
	if err != nil {
		return runtime.ThinkResponse{}, errors.InternalError("failed to encode llm request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		r.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return runtime.ThinkResponse{}, errors.InternalError("failed to build llm request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return runtime.ThinkResponse{}, ctx.Err()
		}
		return runtime.ThinkResponse{}, errors.LLMUnavailable(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return runtime.ThinkResponse{}, errors.LLMRateLimited(fmt.Errorf("provider returned %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return runtime.ThinkResponse{}, errors.LLMUnavailable(fmt.Errorf("provider returned %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return runtime.ThinkResponse{}, errors.InternalError(
			fmt.Sprintf("llm request failed with status %d: %s", resp.StatusCode, payload), nil)
	}

	var completion chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&completion); err != nil {
		return runtime.ThinkResponse{}, errors.LLMUnavailable(err)
	}
	if len(completion.Choices) == 0 {
		return runtime.ThinkResponse{}, errors.LLMUnavailable(fmt.Errorf("completion carried no choices"))
	}

	return decodeReply(completion.Choices[0].Message.Content), nil
}

func decodeReply(content string) runtime.ThinkResponse {
	var structured structuredReply
	if err := json.Unmarshal([]byte(content), &structured); err != nil || structured.Reply == "" && len(structured.Messages) == 0 {
		return runtime.ThinkResponse{Reply: content}
	}

	out := runtime.ThinkResponse{Reply: structured.Reply}
	for _, m := range structured.Messages {
		out.Messages = append(out.Messages, runtime.Outgoing{
			RecipientID:   m.RecipientID,
			RecipientRole: v1.AgentRole(m.RecipientRole),
			Scope:         v1.BroadcastScope(m.Scope),
			Type:          v1.MessageType(m.Type),
			Content:       m.Content,
			Metadata:      m.Metadata,
		})
	}
	return out
}
