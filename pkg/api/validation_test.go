package api

import (
	"strings"
	"testing"
	"time"
)

func intPtr(v int) *int           { return &v }
func floatPtr(v float64) *float64 { return &v }

func TestParseBackend(t *testing.T) {
	tests := []struct {
		in      string
		want    Backend
		wantErr bool
	}{
		{"", "", false},
		{"raw-generate", BackendRawGenerate, false},
		{"ollama", BackendRawGenerate, false},
		{"OpenAI-Compatible", BackendOpenAICompatible, false},
		{"vllm", BackendOpenAICompatible, false},
		{"vendor-api", BackendVendorAPI, false},
		{"openai", BackendVendorAPI, false},
		{"gemini", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBackend(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBackend(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseBackend(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseReasoningMode(t *testing.T) {
	tests := []struct {
		in      string
		want    ReasoningMode
		wantErr bool
	}{
		{"", ReasoningOff, false},
		{"off", ReasoningOff, false},
		{"brief", ReasoningBrief, false},
		{"simple", ReasoningBrief, false},
		{"detailed", ReasoningDetailed, false},
		{"chain", ReasoningChainOfThought, false},
		{"chain-of-thought", ReasoningChainOfThought, false},
		{"verbose", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseReasoningMode(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseReasoningMode(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseReasoningMode(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestGenerationParamsValidate(t *testing.T) {
	tests := []struct {
		name      string
		params    GenerationParams
		wantParam string
	}{
		{"empty", GenerationParams{}, ""},
		{"all valid", GenerationParams{MaxTokens: intPtr(10), Temperature: floatPtr(0.7), TopP: floatPtr(1), TopK: intPtr(40), RepetitionPenalty: floatPtr(1.1)}, ""},
		{"zero max tokens", GenerationParams{MaxTokens: intPtr(0)}, "params.max_tokens"},
		{"temperature too high", GenerationParams{Temperature: floatPtr(2.5)}, "params.temperature"},
		{"top_p zero", GenerationParams{TopP: floatPtr(0)}, "params.top_p"},
		{"negative top_k", GenerationParams{TopK: intPtr(-1)}, "params.top_k"},
		{"zero repetition penalty", GenerationParams{RepetitionPenalty: floatPtr(0)}, "params.repetition_penalty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.params.Validate()
			if tt.wantParam == "" {
				if err != nil {
					t.Errorf("Validate() = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("Validate() = nil, want error on %s", tt.wantParam)
			}
			if err.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}

func TestWithDefaults(t *testing.T) {
	def := GenerationParams{MaxTokens: intPtr(2048), Temperature: floatPtr(0.7)}
	got := GenerationParams{Temperature: floatPtr(0.1)}.WithDefaults(def)

	if got.MaxTokens == nil || *got.MaxTokens != 2048 {
		t.Errorf("MaxTokens = %v, want 2048", got.MaxTokens)
	}
	if got.Temperature == nil || *got.Temperature != 0.1 {
		t.Errorf("Temperature = %v, want 0.1 (explicit value kept)", got.Temperature)
	}
	if got.TopP != nil {
		t.Errorf("TopP = %v, want nil", *got.TopP)
	}
}

func TestChatRequestNormalize(t *testing.T) {
	req := &ChatRequest{Text: "hi", Backend: "ollama", Reasoning: "simple"}
	if err := req.Normalize(); err != nil {
		t.Fatalf("Normalize() = %v", err)
	}
	if req.Backend != BackendRawGenerate {
		t.Errorf("Backend = %q, want %q", req.Backend, BackendRawGenerate)
	}
	if req.Reasoning != ReasoningBrief {
		t.Errorf("Reasoning = %q, want %q", req.Reasoning, ReasoningBrief)
	}

	tests := []struct {
		name      string
		req       ChatRequest
		wantParam string
	}{
		{"empty text", ChatRequest{Text: "  "}, "text"},
		{"bad session id", ChatRequest{Text: "hi", SessionID: "nope"}, "session_id"},
		{"bad backend", ChatRequest{Text: "hi", Backend: "x"}, "backend"},
		{"bad mode", ChatRequest{Text: "hi", Reasoning: "x"}, "reasoning_mode"},
		{"bad params", ChatRequest{Text: "hi", Params: GenerationParams{TopK: intPtr(-3)}}, "params.top_k"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Normalize()
			if err == nil {
				t.Fatal("Normalize() = nil, want error")
			}
			if err.Param != tt.wantParam {
				t.Errorf("param = %q, want %q", err.Param, tt.wantParam)
			}
		})
	}
}

func TestDefaultSessionName(t *testing.T) {
	at := time.Date(2025, 3, 9, 14, 5, 59, 0, time.UTC)
	got := DefaultSessionName(BackendRawGenerate, "llama3", at)
	if got != "raw-generate-llama3-2025-03-09 14:05" {
		t.Errorf("DefaultSessionName = %q", got)
	}
}

func TestIDs(t *testing.T) {
	sid := NewSessionID()
	if !ValidateSessionID(sid) {
		t.Errorf("ValidateSessionID(%q) = false", sid)
	}
	if ValidateSessionID("not-a-uuid") {
		t.Error("ValidateSessionID accepted garbage")
	}

	xid := NewExchangeID()
	if !strings.HasPrefix(xid, "ex_") || !ValidateExchangeID(xid) {
		t.Errorf("NewExchangeID() = %q, not valid", xid)
	}
	if xid == NewExchangeID() {
		t.Error("two exchange IDs are equal")
	}
}

func TestTokenEventTerminal(t *testing.T) {
	if (TokenEvent{Type: TokenDelta}).Terminal() {
		t.Error("delta is terminal")
	}
	if !(TokenEvent{Type: TokenDone}).Terminal() || !(TokenEvent{Type: TokenError}).Terminal() {
		t.Error("done/error not terminal")
	}

	ev := TokenEvent{Type: TokenError, SessionID: "s", Text: "par", Partial: true, Error: ErrCancelled}
	res := ev.Result()
	if res.SessionID != "s" || res.Text != "par" || !res.Partial || res.Error != ErrCancelled {
		t.Errorf("Result() = %+v", res)
	}
}
