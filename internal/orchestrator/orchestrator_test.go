package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/voxloop/internal/observe"
	"github.com/MrWong99/voxloop/internal/resilience"
	"github.com/MrWong99/voxloop/internal/utterance"
	"github.com/MrWong99/voxloop/pkg/audio"
	"github.com/MrWong99/voxloop/pkg/audio/codec"
	"github.com/MrWong99/voxloop/pkg/provider"
	"github.com/MrWong99/voxloop/pkg/provider/llm"
	llmmock "github.com/MrWong99/voxloop/pkg/provider/llm/mock"
	s2smock "github.com/MrWong99/voxloop/pkg/provider/s2s/mock"
	sttmock "github.com/MrWong99/voxloop/pkg/provider/stt/mock"
	ttsmock "github.com/MrWong99/voxloop/pkg/provider/tts/mock"
)

var replyWAV = codec.EncodeWAV(make([]byte, 960), audio.Format{SampleRate: 24000, Channels: 1})

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// testUtterance returns one second of 48 kHz stereo audio from speaker "u1".
func testUtterance() *utterance.Utterance {
	f := audio.Format{SampleRate: 48000, Channels: 2}
	frames := make([]audio.AudioFrame, 50)
	for i := range frames {
		frames[i] = audio.AudioFrame{
			Data:       make([]byte, f.Bytes(20*time.Millisecond)),
			Encoding:   audio.EncodingPCM,
			SampleRate: f.SampleRate,
			Channels:   f.Channels,
			Sequence:   uint16(i),
			SpeakerID:  "u1",
			ChannelID:  "c1",
		}
	}
	return &utterance.Utterance{
		ID:         "utt-1",
		ChannelID:  "c1",
		SpeakerID:  "u1",
		Frames:     frames,
		SampleRate: f.SampleRate,
		Channels:   f.Channels,
		Duration:   time.Second,
	}
}

type fixture struct {
	s2s *s2smock.Provider
	stt *sttmock.Provider
	llm *llmmock.Provider
	tts *ttsmock.Provider
}

func newFixture() *fixture {
	return &fixture{
		s2s: &s2smock.Provider{Reply: replyWAV},
		stt: &sttmock.Provider{Text: "what time is it"},
		llm: &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "Half past nine."}},
		tts: &ttsmock.Provider{Audio: replyWAV},
	}
}

func (f *fixture) orchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.CallTimeout == 0 {
		cfg.CallTimeout = time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	o, err := New(cfg,
		WithPrimary("openai-s2s", f.s2s),
		WithSTT("whisper", f.stt),
		WithLLM("openai-llm", f.llm),
		WithTTS("openai-tts", f.tts),
		WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

func TestHandle_PrimarySuccess(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o := f.orchestrator(t, Config{})

	resp := o.Handle(context.Background(), testUtterance())
	ar, ok := resp.(AudioResponse)
	if !ok {
		t.Fatalf("response = %#v, want AudioResponse", resp)
	}
	if ar.Path != PathPrimary {
		t.Errorf("Path = %v, want primary", ar.Path)
	}
	if f.stt.Calls() != 0 {
		t.Error("fallback ran after primary success")
	}

	pcm, format, err := codec.DecodeWAV(f.s2s.Inputs[0])
	if err != nil {
		t.Fatalf("primary input is not WAV: %v", err)
	}
	if format != DefaultInputFormat {
		t.Errorf("input format = %v, want %v", format, DefaultInputFormat)
	}
	if got := format.Duration(len(pcm)); got != time.Second {
		t.Errorf("input duration = %v, want 1s", got)
	}
}

func TestHandle_FallbackOnServiceError(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Err = &provider.ServiceError{Op: "openai-s2s", StatusCode: 400}
	o := f.orchestrator(t, Config{SystemPrompt: "Be brief."})

	resp := o.Handle(context.Background(), testUtterance())
	ar, ok := resp.(AudioResponse)
	if !ok {
		t.Fatalf("response = %#v, want AudioResponse", resp)
	}
	if ar.Path != PathFallback {
		t.Errorf("Path = %v, want fallback", ar.Path)
	}
	if ar.Transcript != "what time is it" || ar.ReplyText != "Half past nine." {
		t.Errorf("transcript/reply = %q / %q", ar.Transcript, ar.ReplyText)
	}
	if f.s2s.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1 (service errors are not retried)", f.s2s.Calls())
	}

	req := f.llm.CompleteCalls[0].Req
	if req.SystemPrompt != "Be brief." {
		t.Errorf("SystemPrompt = %q", req.SystemPrompt)
	}
	last := req.Messages[len(req.Messages)-1]
	if last.Role != llm.RoleUser || last.Content != "what time is it" || last.Name != "u1" {
		t.Errorf("last message = %+v", last)
	}
	if f.tts.Texts[0] != "Half past nine." {
		t.Errorf("synthesized %q", f.tts.Texts[0])
	}
	if o.History("c1").Len() != 1 {
		t.Errorf("history len = %d, want 1", o.History("c1").Len())
	}
}

func TestHandle_HistoryFeedsNextReply(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Err = &provider.ServiceError{Op: "s2s"}
	o := f.orchestrator(t, Config{})

	o.Handle(context.Background(), testUtterance())
	o.Handle(context.Background(), testUtterance())

	msgs := f.llm.CompleteCalls[1].Req.Messages
	if len(msgs) != 3 {
		t.Fatalf("second request has %d messages, want 3", len(msgs))
	}
	if msgs[1].Role != llm.RoleAssistant || msgs[1].Content != "Half past nine." {
		t.Errorf("history assistant turn = %+v", msgs[1])
	}
}

func TestHandle_TransientRetriedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Errs = []error{io.ErrUnexpectedEOF}
	o := f.orchestrator(t, Config{})

	resp := o.Handle(context.Background(), testUtterance())
	if ar, ok := resp.(AudioResponse); !ok || ar.Path != PathPrimary {
		t.Fatalf("response = %#v, want primary AudioResponse", resp)
	}
	if f.s2s.Calls() != 2 {
		t.Errorf("primary calls = %d, want 2", f.s2s.Calls())
	}
}

func TestHandle_FallbackStepFailure(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		break_ func(f *fixture)
		reason Reason
	}{
		{
			name:   "stt service error",
			break_: func(f *fixture) { f.stt.Err = &provider.StatusError{StatusCode: 400} },
			reason: ReasonService,
		},
		{
			name:   "llm auth error",
			break_: func(f *fixture) { f.llm.CompleteErr = &provider.StatusError{StatusCode: 401} },
			reason: ReasonConfiguration,
		},
		{
			name:   "tts persistent transient",
			break_: func(f *fixture) { f.tts.Err = io.EOF },
			reason: ReasonService,
		},
		{
			name:   "empty llm reply",
			break_: func(f *fixture) { f.llm.CompleteResponse = &llm.CompletionResponse{Content: "  "} },
			reason: ReasonService,
		},
		{
			name:   "empty transcript",
			break_: func(f *fixture) { f.stt.Text = " " },
			reason: ReasonEmptyTranscript,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newFixture()
			f.s2s.Err = &provider.ServiceError{Op: "s2s"}
			tt.break_(f)
			o := f.orchestrator(t, Config{})

			resp := o.Handle(context.Background(), testUtterance())
			fr, ok := resp.(FailureResponse)
			if !ok {
				t.Fatalf("response = %#v, want FailureResponse", resp)
			}
			if fr.Reason != tt.reason {
				t.Errorf("Reason = %v, want %v (err %v)", fr.Reason, tt.reason, fr.Err)
			}
			if o.History("c1").Len() != 0 {
				t.Error("failed exchange was added to history")
			}
		})
	}
}

func TestHandle_EmptyTranscriptSkipsLLM(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Err = &provider.ServiceError{Op: "s2s"}
	f.stt.Text = ""
	o := f.orchestrator(t, Config{})

	o.Handle(context.Background(), testUtterance())
	if f.llm.Calls() != 0 || f.tts.Calls() != 0 {
		t.Errorf("llm/tts calls = %d/%d, want 0/0", f.llm.Calls(), f.tts.Calls())
	}
}

func TestHandle_OverallTimeoutMidFallback(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Err = &provider.ServiceError{Op: "s2s"}
	f.llm.Block = true
	o := f.orchestrator(t, Config{OverallTimeout: 50 * time.Millisecond, CallTimeout: time.Minute})

	start := time.Now()
	resp := o.Handle(context.Background(), testUtterance())
	elapsed := time.Since(start)

	fr, ok := resp.(FailureResponse)
	if !ok {
		t.Fatalf("response = %#v, want FailureResponse", resp)
	}
	if fr.Reason != ReasonTimeout {
		t.Errorf("Reason = %v, want timeout", fr.Reason)
	}
	if !provider.IsTimeout(fr.Err) {
		t.Errorf("Err = %T %v, want TimeoutError", fr.Err, fr.Err)
	}
	if elapsed > time.Second {
		t.Errorf("Handle took %v, want about the overall timeout", elapsed)
	}
	if f.tts.Calls() != 0 {
		t.Error("synthesis ran after the deadline")
	}
}

func TestHandle_Cancelled(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Block = true
	o := f.orchestrator(t, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	resp := o.Handle(ctx, testUtterance())
	fr, ok := resp.(FailureResponse)
	if !ok || fr.Reason != ReasonCancelled {
		t.Fatalf("response = %#v, want cancelled FailureResponse", resp)
	}
	if !errors.Is(fr, context.Canceled) {
		t.Errorf("errors.Is(resp, context.Canceled) = false for %v", fr)
	}
	if f.stt.Calls() != 0 {
		t.Error("fallback ran after cancellation")
	}
}

func TestHandle_ConfigurationErrorTripsPrimary(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Err = provider.MissingCredential("openai-s2s", "api_key")
	o := f.orchestrator(t, Config{})

	for range 2 {
		if _, ok := o.Handle(context.Background(), testUtterance()).(AudioResponse); !ok {
			t.Fatal("fallback did not produce a reply")
		}
	}
	if f.s2s.Calls() != 1 {
		t.Errorf("primary calls = %d, want 1", f.s2s.Calls())
	}
	if o.PrimaryState() != resilience.StateOpen {
		t.Errorf("primary breaker = %v, want open", o.PrimaryState())
	}
}

func TestHandle_PrimaryUnsupportedReplyFallsBack(t *testing.T) {
	t.Parallel()
	f := newFixture()
	f.s2s.Reply = []byte("ID3 not a wav")
	o := f.orchestrator(t, Config{})

	resp := o.Handle(context.Background(), testUtterance())
	if ar, ok := resp.(AudioResponse); !ok || ar.Path != PathFallback {
		t.Fatalf("response = %#v, want fallback AudioResponse", resp)
	}
}

func TestHandle_PrimaryOnly(t *testing.T) {
	t.Parallel()
	s := &s2smock.Provider{Err: &provider.StatusError{StatusCode: 500}}
	o, err := New(Config{CallTimeout: time.Second, RetryBackoff: time.Millisecond},
		WithPrimary("s2s", s), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	resp := o.Handle(context.Background(), testUtterance())
	fr, ok := resp.(FailureResponse)
	if !ok || fr.Reason != ReasonService {
		t.Fatalf("response = %#v, want service FailureResponse", resp)
	}
	if s.Calls() != 2 {
		t.Errorf("calls = %d, want 2", s.Calls())
	}
}

func TestHandle_FallbackOnly(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o, err := New(Config{}, WithSTT("stt", f.stt), WithLLM("llm", f.llm), WithTTS("tts", f.tts), WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatal(err)
	}
	if o.HasPrimary() || !o.HasFallback() {
		t.Fatalf("HasPrimary/HasFallback = %v/%v", o.HasPrimary(), o.HasFallback())
	}
	if ar, ok := o.Handle(context.Background(), testUtterance()).(AudioResponse); !ok || ar.Path != PathFallback {
		t.Fatal("fallback-only orchestrator did not reply")
	}
}

func TestNew_NoResponsePath(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, WithSTT("stt", &sttmock.Provider{}))
	if !errors.Is(err, ErrNoResponsePath) || !provider.IsConfiguration(err) {
		t.Errorf("err = %v, want configuration ErrNoResponsePath", err)
	}
}

func TestForget(t *testing.T) {
	t.Parallel()
	f := newFixture()
	o := f.orchestrator(t, Config{})
	o.History("c1").Add("u1", "hi", "hello")
	o.Forget("c1")
	if o.History("c1").Len() != 0 {
		t.Error("history survived Forget")
	}
}
