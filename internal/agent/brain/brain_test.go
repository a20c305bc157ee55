package brain

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/squadflow/squadflow/internal/agent/runtime"
	"github.com/squadflow/squadflow/internal/agent/session"
	"github.com/squadflow/squadflow/internal/common/errors"
	v1 "github.com/squadflow/squadflow/pkg/api/v1"
)

func completionServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		resp := map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": content}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func newTestBrain(t *testing.T, baseURL string) *Remote {
	t.Helper()
	b, err := New(Config{Provider: "openai", Model: "gpt-4o", APIKey: "test-key", BaseURL: baseURL})
	require.NoError(t, err)
	return b
}

func thinkRequest() runtime.ThinkRequest {
	return runtime.ThinkRequest{
		SystemPrompt: "You are a backend developer.",
		Message: &v1.AgentMessage{
			ID:       "m1",
			SenderID: "pm-1",
			Type:     v1.MessageTypeTaskAssignment,
			Content:  "implement the parser",
		},
		History: []session.Entry{
			{Role: "user", Content: "earlier question"},
			{Role: "assistant", Content: "earlier answer"},
		},
	}
}

func TestThinkPlainReply(t *testing.T) {
	srv := completionServer(t, http.StatusOK, "on it")
	defer srv.Close()

	resp, err := newTestBrain(t, srv.URL).Think(context.Background(), thinkRequest())
	require.NoError(t, err)
	assert.Equal(t, "on it", resp.Reply)
	assert.Empty(t, resp.Messages)
}

func TestThinkStructuredReply(t *testing.T) {
	content := `{"reply":"delegating","messages":[{"recipient_id":"be-1","recipient_role":"backend_developer","type":"task_assignment","content":"build it"}]}`
	srv := completionServer(t, http.StatusOK, content)
	defer srv.Close()

	resp, err := newTestBrain(t, srv.URL).Think(context.Background(), thinkRequest())
	require.NoError(t, err)
	assert.Equal(t, "delegating", resp.Reply)
	require.Len(t, resp.Messages, 1)
	assert.Equal(t, "be-1", resp.Messages[0].RecipientID)
	assert.Equal(t, v1.MessageTypeTaskAssignment, resp.Messages[0].Type)
}

func TestThinkRateLimited(t *testing.T) {
	srv := completionServer(t, http.StatusTooManyRequests, "")
	defer srv.Close()

	_, err := newTestBrain(t, srv.URL).Think(context.Background(), thinkRequest())
	assert.True(t, errors.IsCode(err, errors.ErrCodeLLMRateLimited))
	assert.True(t, errors.IsTransient(err))
}

func TestThinkProviderDown(t *testing.T) {
	srv := completionServer(t, http.StatusBadGateway, "")
	defer srv.Close()

	_, err := newTestBrain(t, srv.URL).Think(context.Background(), thinkRequest())
	assert.True(t, errors.IsCode(err, errors.ErrCodeLLMUnavailable))
}

func TestNewRejectsUnknownProviderWithoutBaseURL(t *testing.T) {
	_, err := New(Config{Provider: "garage-llm", Model: "m", APIKey: "k"})
	require.Error(t, err)
}
