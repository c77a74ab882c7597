package api

import (
	"fmt"
	"strings"
)

// MaxTextLength bounds the size of one user turn.
const MaxTextLength = 1 << 20

// ParseBackend validates a backend name. The empty string is returned as-is
// so callers can apply their configured default.
func ParseBackend(s string) (Backend, error) {
	b := Backend(strings.ToLower(strings.TrimSpace(s)))
	switch b {
	case "", BackendRawGenerate, BackendOpenAICompatible, BackendVendorAPI:
		return b, nil
	case "ollama":
		return BackendRawGenerate, nil
	case "vllm", "openai_compatible":
		return BackendOpenAICompatible, nil
	case "openai", "vendor_api":
		return BackendVendorAPI, nil
	}
	return "", NewInvalidRequestError("backend",
		fmt.Sprintf("unknown backend %q (want one of raw-generate, openai-compatible, vendor-api)", s))
}

// ParseReasoningMode validates a reasoning mode name. The empty string means off.
func ParseReasoningMode(s string) (ReasoningMode, error) {
	m := ReasoningMode(strings.ToLower(strings.TrimSpace(s)))
	switch m {
	case "", ReasoningOff, "none":
		return ReasoningOff, nil
	case ReasoningBrief, "simple":
		return ReasoningBrief, nil
	case ReasoningDetailed:
		return ReasoningDetailed, nil
	case ReasoningChainOfThought, "chain", "cot":
		return ReasoningChainOfThought, nil
	}
	return "", NewInvalidRequestError("reasoning_mode",
		fmt.Sprintf("unknown reasoning mode %q (want off, brief, detailed or chain-of-thought)", s))
}

// Valid reports whether m is one of the four canonical modes.
func (m ReasoningMode) Valid() bool {
	switch m {
	case ReasoningOff, ReasoningBrief, ReasoningDetailed, ReasoningChainOfThought:
		return true
	}
	return false
}

// Validate checks the ranges of the set parameters.
func (p GenerationParams) Validate() *Error {
	if p.MaxTokens != nil && *p.MaxTokens <= 0 {
		return NewInvalidRequestError("params.max_tokens", "must be greater than 0")
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return NewInvalidRequestError("params.temperature", "must be between 0 and 2")
	}
	if p.TopP != nil && (*p.TopP <= 0 || *p.TopP > 1) {
		return NewInvalidRequestError("params.top_p", "must be in (0, 1]")
	}
	if p.TopK != nil && *p.TopK < 0 {
		return NewInvalidRequestError("params.top_k", "must not be negative")
	}
	if p.RepetitionPenalty != nil && *p.RepetitionPenalty <= 0 {
		return NewInvalidRequestError("params.repetition_penalty", "must be greater than 0")
	}
	return nil
}

// Normalize validates r in place: backend and reasoning aliases are resolved
// to their canonical names and parameter ranges are checked.
func (r *ChatRequest) Normalize() *Error {
	if strings.TrimSpace(r.Text) == "" {
		return NewInvalidRequestError("text", "must not be empty")
	}
	if len(r.Text) > MaxTextLength {
		return NewInvalidRequestError("text", fmt.Sprintf("exceeds %d bytes", MaxTextLength))
	}
	if r.SessionID != "" && !ValidateSessionID(r.SessionID) {
		return NewInvalidRequestError("session_id", "must be a UUID")
	}

	b, err := ParseBackend(string(r.Backend))
	if err != nil {
		return AsError(err)
	}
	r.Backend = b

	m, err := ParseReasoningMode(string(r.Reasoning))
	if err != nil {
		return AsError(err)
	}
	r.Reasoning = m

	return r.Params.Validate()
}
