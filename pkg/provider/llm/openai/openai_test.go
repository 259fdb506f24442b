package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/astra/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role    string
		wantErr bool
	}{
		{role: llm.RoleSystem},
		{role: llm.RoleUser},
		{role: llm.RoleAssistant},
		{role: "tool", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.role, func(t *testing.T) {
			param, err := convertMessage(llm.Message{Role: tc.role, Content: "x"})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error for unknown role")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			switch tc.role {
			case llm.RoleSystem:
				if param.OfSystem == nil {
					t.Error("expected OfSystem to be set")
				}
			case llm.RoleUser:
				if param.OfUser == nil {
					t.Error("expected OfUser to be set")
				}
			case llm.RoleAssistant:
				if param.OfAssistant == nil {
					t.Error("expected OfAssistant to be set")
				}
			}
		})
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p := &Provider{model: "deepseek/deepseek-chat"}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for request without messages")
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are Astra.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "tell me a joke"}},
		Temperature:  0.7,
		MaxTokens:    1000,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 || params.Messages[0].OfSystem == nil {
		t.Errorf("expected system message first, got %d messages", len(params.Messages))
	}
	if params.Temperature.Value != 0.7 {
		t.Errorf("temperature = %v, want 0.7", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 1000 {
		t.Errorf("max tokens = %v, want 1000", params.MaxCompletionTokens.Value)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(OpenRouterBaseURL), WithOrganization("org"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "gpt-4o-mini" {
		t.Errorf("model = %q", p.model)
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()
	bodies := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") || r.Header.Get("Authorization") != "Bearer sk-test" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		bodies <- body
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1", "object": "chat.completion", "created": 1, "model": "deepseek/deepseek-chat",
			"choices": [{"index": 0, "finish_reason": "stop", "message": {"role": "assistant", "content": "Why did the robot cross the road?"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 8, "total_tokens": 20}
		}`))
	}))
	defer srv.Close()

	p, err := New("sk-test", "deepseek/deepseek-chat", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "You are Astra.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "tell me a joke"}},
		Temperature:  0.7,
		MaxTokens:    1000,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Why did the robot cross the road?" || resp.FinishReason != "stop" || resp.Usage.TotalTokens != 20 {
		t.Errorf("resp = %+v", resp)
	}

	body := <-bodies
	if body["model"] != "deepseek/deepseek-chat" || body["temperature"] != 0.7 {
		t.Errorf("request body = %v", body)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if first, _ := msgs[0].(map[string]any); first["role"] != "system" {
		t.Errorf("first message = %v, want system role", first)
	}
}

func TestComplete_ServerError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p, _ := New("sk-test", "gpt-4o", WithBaseURL(srv.URL+"/"), WithMaxRetries(0))
	_, err := p.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
	})
	if err == nil {
		t.Fatal("expected error from failing server")
	}
}
