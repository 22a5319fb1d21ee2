package agent

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	vcerrors "github.com/otherjamesbrown/vcmatrix/pkg/errors"
)

func TestNewAnthropicLLM_NoKey(t *testing.T) {
	l := NewAnthropicLLM(LLMConfig{})
	assert.Nil(t, l)
	_, err := l.Complete(context.Background(), Prompt{Query: "hi"})
	assert.True(t, vcerrors.IsUnavailable(err))
}

func TestAnthropicLLM_Complete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/v1/messages"), r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("X-Api-Key"))
		raw, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(raw, &body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_1", "type": "message", "role": "assistant", "model": "claude-sonnet-4-5",
			"content": [{"type": "text", "text": "Acme looks healthy."}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 42, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	l := NewAnthropicLLM(LLMConfig{APIKey: "test-key", BaseURL: srv.URL})
	require.NotNil(t, l)
	out, err := l.Complete(context.Background(), Prompt{
		System:  "be brief",
		History: []Message{{Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "hello"}},
		Query:   "how is Acme?",
	})
	require.NoError(t, err)
	assert.Equal(t, "Acme looks healthy.", out.Text)
	assert.Equal(t, int64(42), out.InputTokens)
	assert.Equal(t, int64(5), out.OutputTokens)

	assert.Equal(t, DefaultModel, body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 3)
	assert.Contains(t, string(mustJSON(t, body["system"])), "be brief")
}

func TestAnthropicLLM_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"api_error","message":"boom"}}`)
	}))
	defer srv.Close()

	l := NewAnthropicLLM(LLMConfig{APIKey: "k", BaseURL: srv.URL})
	_, err := l.Complete(context.Background(), Prompt{Query: "hi"})
	require.Error(t, err)
	assert.True(t, vcerrors.IsUnavailable(err))
}

func TestBuildMessages(t *testing.T) {
	out := buildMessages([]Message{
		{Role: RoleAssistant, Content: "orphan"},
		{Role: RoleUser, Content: "a"},
		{Role: RoleUser, Content: "b"},
		{Role: RoleAssistant, Content: "c"},
		{Role: RoleAssistant, Content: "  "},
	}, "d")
	require.Len(t, out, 3)
	assert.Equal(t, "user", string(out[0].Role))
	assert.Equal(t, "assistant", string(out[1].Role))
	assert.Equal(t, "user", string(out[2].Role))

	assert.Len(t, buildMessages(nil, "only"), 1)
}

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}
