package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/voxloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxloop/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/voxloop/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxloop/pkg/provider/tts/mock"
)

var testFallbackConfig = FallbackConfig{CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3}}

func TestSTTFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		primary     *sttmock.Provider
		want        string
		wantErr     error
		backupCalls int
	}{
		{"primary answers", &sttmock.Provider{Text: "hello"}, "hello", nil, 0},
		{"empty transcript is an answer", &sttmock.Provider{Text: ""}, "", nil, 0},
		{"primary down", &sttmock.Provider{Err: errors.New("503")}, "backup", nil, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backup := &sttmock.Provider{Text: "backup"}
			fb := NewSTTFallback(tt.primary, "primary", testFallbackConfig)
			fb.AddFallback("backup", backup)

			got, err := fb.Transcribe(context.Background(), []byte("wav"))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Transcribe() err = %v, want %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("Transcribe() = %q, want %q", got, tt.want)
			}
			if backup.Calls() != tt.backupCalls {
				t.Errorf("backup calls = %d, want %d", backup.Calls(), tt.backupCalls)
			}
		})
	}
}

func TestSTTFallback_Names(t *testing.T) {
	t.Parallel()

	fb := NewSTTFallback(&sttmock.Provider{}, "deepgram", testFallbackConfig)
	fb.AddFallback("whisper", &sttmock.Provider{})
	if got, want := fb.Names(), []string{"deepgram", "whisper"}; !slices.Equal(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}
}

func TestLLMFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		primary *llmmock.Provider
		want    string
	}{
		{"primary answers", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "hi"}}, "hi"},
		{"primary down", &llmmock.Provider{CompleteErr: errors.New("primary down")}, "backup"},
		{"empty reply", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}}, "backup"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			backup := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "backup"}}
			fb := NewLLMFallback(tt.primary, "primary", testFallbackConfig)
			fb.AddFallback("backup", backup)

			req := llm.CompletionRequest{
				SystemPrompt: "be brief",
				Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hello"}},
			}
			resp, err := fb.Complete(context.Background(), req)
			if err != nil {
				t.Fatalf("Complete() err = %v", err)
			}
			if resp.Content != tt.want {
				t.Errorf("Content = %q, want %q", resp.Content, tt.want)
			}
			if tt.want == "backup" && backup.CompleteCalls[0].Req.SystemPrompt != "be brief" {
				t.Errorf("backup SystemPrompt = %q", backup.CompleteCalls[0].Req.SystemPrompt)
			}
		})
	}
}

func TestLLMFallback_AllEmpty(t *testing.T) {
	t.Parallel()

	fb := NewLLMFallback(&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}}, "a", testFallbackConfig)
	fb.AddFallback("b", &llmmock.Provider{CompleteErr: errors.New("b down")})
	fb.AddFallback("c", &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{}})

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, ErrEmptyOutput) {
		t.Errorf("Complete() err = %v, want ErrAllFailed wrapping ErrEmptyOutput", err)
	}
}

func TestTTSFallback(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		primary *ttsmock.Provider
		want    string
		wantErr bool
		backup  *ttsmock.Provider
	}{
		{"primary answers", &ttsmock.Provider{Audio: []byte("primary-wav")}, "primary-wav", false, &ttsmock.Provider{Audio: []byte("backup-wav")}},
		{"primary down", &ttsmock.Provider{Err: errors.New("down")}, "backup-wav", false, &ttsmock.Provider{Audio: []byte("backup-wav")}},
		{"silent synthesis", &ttsmock.Provider{}, "backup-wav", false, &ttsmock.Provider{Audio: []byte("backup-wav")}},
		{"all fail", &ttsmock.Provider{Err: errors.New("down")}, "", true, &ttsmock.Provider{Err: errors.New("also down")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			fb := NewTTSFallback(tt.primary, "primary", testFallbackConfig)
			fb.AddFallback("backup", tt.backup)

			audio, err := fb.Synthesize(context.Background(), "hello")
			if tt.wantErr {
				if !errors.Is(err, ErrAllFailed) {
					t.Errorf("Synthesize() err = %v, want ErrAllFailed", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Synthesize() err = %v", err)
			}
			if string(audio) != tt.want {
				t.Errorf("audio = %q, want %q", audio, tt.want)
			}
		})
	}
}
