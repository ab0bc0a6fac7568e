package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o-mini"); !provider.IsConfiguration(err) {
		t.Errorf("empty key: err = %v, want ConfigurationError", err)
	}
	if _, err := New("sk-test", ""); !provider.IsConfiguration(err) {
		t.Errorf("empty model: err = %v, want ConfigurationError", err)
	}
}

func TestConvertMessage(t *testing.T) {
	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "be brief"})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: %v %+v", err, sys)
	}
	user, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "hi"})
	if err != nil || user.OfUser == nil {
		t.Fatalf("user: %v", err)
	}
	named, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "hi", Name: "alice"})
	if err != nil || named.OfUser == nil || named.OfUser.Name.Value != "alice" {
		t.Fatalf("named user: %v", err)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "hello"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: %v", err)
	}
	if _, err := convertMessage(llm.Message{Role: "tool"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestComplete(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id":"c1","object":"chat.completion","created":1,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"Sure thing."}}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "can you help?"}},
		MaxTokens:    64,
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Sure thing." {
		t.Errorf("Content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d", resp.Usage.TotalTokens)
	}
	msgs, _ := body["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("sent %d messages, want system + user", len(msgs))
	}
}

func TestComplete_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(error) bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, check: provider.IsTransient},
		{name: "server error", status: http.StatusBadGateway, check: provider.IsTransient},
		{name: "bad key", status: http.StatusUnauthorized, check: provider.IsConfiguration},
		{name: "bad request", status: http.StatusBadRequest, check: provider.IsService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"error":{"message":"nope","type":"x"}}`)
			}))
			defer srv.Close()

			p, _ := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL))
			_, err := p.Complete(context.Background(), llm.CompletionRequest{
				Messages: []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
			})
			if !tt.check(err) {
				t.Errorf("err = %T %v", err, err)
			}
		})
	}
}

func TestComplete_NoMessages(t *testing.T) {
	p, _ := New("sk-test", "gpt-4o-mini")
	_, err := p.Complete(context.Background(), llm.CompletionRequest{})
	if !provider.IsConfiguration(err) {
		t.Errorf("err = %v, want ConfigurationError", err)
	}
}
