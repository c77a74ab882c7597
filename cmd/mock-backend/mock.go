package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	ollama "github.com/ollama/ollama/api"

	"github.com/rhuss/chatrelay/pkg/provider/openaicompat"
)

// Models served by the mock on both dialects.
var mockModels = []string{"mock-llama", "mock-qwen"}

type faultKind int

const (
	faultNone faultKind = iota
	faultDrop
	faultStatus
	faultMalformed
	faultStall
)

type fault struct {
	kind faultKind
	n    int
}

// parseFault reads the fault of a request. The header wins over the query
// parameter.
func parseFault(r *http.Request) (fault, error) {
	raw := r.Header.Get("X-Mock-Fault")
	if raw == "" {
		raw = r.URL.Query().Get("fault")
	}
	if raw == "" {
		return fault{}, nil
	}

	name, arg, _ := strings.Cut(raw, ":")
	switch name {
	case "malformed":
		return fault{kind: faultMalformed}, nil
	case "stall":
		return fault{kind: faultStall}, nil
	case "drop", "status":
		n, err := strconv.Atoi(arg)
		if err != nil || n < 0 {
			return fault{}, fmt.Errorf("fault %q needs a non-negative number", name)
		}
		if name == "status" {
			if n < 100 || n > 599 {
				return fault{}, fmt.Errorf("status %d out of range", n)
			}
			return fault{kind: faultStatus, n: n}, nil
		}
		return fault{kind: faultDrop, n: n}, nil
	}
	return fault{}, fmt.Errorf("unknown fault %q", raw)
}

type mock struct {
	tokenDelay time.Duration
}

func newMock(tokenDelay time.Duration) *mock {
	return &mock{tokenDelay: tokenDelay}
}

func (m *mock) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", m.handleGenerate)
	mux.HandleFunc("GET /api/tags", m.handleTags)
	mux.HandleFunc("POST /v1/chat/completions", m.handleChatCompletions)
	mux.HandleFunc("GET /v1/models", m.handleModels)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok\n"))
	})
	return mux
}

// reply is the deterministic answer to a user turn.
func reply(userText string) []string {
	userText = strings.TrimSpace(userText)
	if strings.Contains(strings.ToLower(userText), "count from 1 to 5") {
		return []string{"1", ", 2", ", 3", ", 4", ", 5"}
	}
	if userText == "" {
		return []string{"Hello", "!"}
	}
	words := strings.Fields(userText)
	tokens := make([]string, 0, len(words)+1)
	tokens = append(tokens, "Echo:")
	for _, w := range words {
		tokens = append(tokens, " "+w)
	}
	return tokens
}

// lastUserLine extracts the final "User: " turn of a flattened prompt. A
// prompt without role prefixes is taken whole.
func lastUserLine(prompt string) string {
	lines := strings.Split(prompt, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if rest, ok := strings.CutPrefix(lines[i], "User: "); ok {
			return rest
		}
	}
	return prompt
}

// start applies status faults and reports whether the handler should go
// on. The fault is returned for the streaming loop.
func (m *mock) start(w http.ResponseWriter, r *http.Request, errBody func(string) any) (fault, bool) {
	f, err := parseFault(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err.Error()))
		return f, false
	}
	if f.kind == faultStatus {
		slog.Debug("injecting status fault", "path", r.URL.Path, "status", f.n)
		writeJSON(w, f.n, errBody(fmt.Sprintf("mock fault: status %d", f.n)))
		return f, false
	}
	return f, true
}

// stream writes tokens through emit, honoring the fault. done writes the
// terminal frame unless the fault suppresses it.
func (m *mock) stream(w http.ResponseWriter, r *http.Request, f fault, tokens []string, emit func(string), garbage string, done func()) {
	flusher, _ := w.(http.Flusher)
	flush := func() {
		if flusher != nil {
			flusher.Flush()
		}
	}

	for i, tok := range tokens {
		if f.kind == faultDrop && i >= f.n {
			return
		}
		if f.kind == faultMalformed {
			fmt.Fprint(w, garbage)
		}
		emit(tok)
		flush()

		if f.kind == faultStall {
			<-r.Context().Done()
			return
		}
		if m.tokenDelay > 0 {
			select {
			case <-time.After(m.tokenDelay):
			case <-r.Context().Done():
				return
			}
		}
	}
	if f.kind == faultDrop && f.n >= len(tokens) {
		return
	}
	done()
	flush()
}

func (m *mock) handleGenerate(w http.ResponseWriter, r *http.Request) {
	errBody := func(msg string) any { return map[string]string{"error": msg} }

	var req ollama.GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid request: "+err.Error()))
		return
	}
	f, ok := m.start(w, r, errBody)
	if !ok {
		return
	}

	tokens := reply(lastUserLine(req.Prompt))
	promptTokens := len(strings.Fields(req.Prompt))

	// Ollama streams unless stream is explicitly false.
	if req.Stream != nil && !*req.Stream {
		resp := ollama.GenerateResponse{
			Model:      req.Model,
			CreatedAt:  time.Now().UTC(),
			Response:   strings.Join(tokens, ""),
			Done:       true,
			DoneReason: "stop",
		}
		resp.PromptEvalCount = promptTokens
		resp.EvalCount = len(tokens)
		writeJSON(w, http.StatusOK, resp)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	m.stream(w, r, f, tokens,
		func(tok string) {
			enc.Encode(ollama.GenerateResponse{Model: req.Model, CreatedAt: time.Now().UTC(), Response: tok})
		},
		"{not json\n",
		func() {
			final := ollama.GenerateResponse{Model: req.Model, CreatedAt: time.Now().UTC(), Done: true, DoneReason: "stop"}
			final.PromptEvalCount = promptTokens
			final.EvalCount = len(tokens)
			enc.Encode(final)
		})
}

func (m *mock) handleTags(w http.ResponseWriter, r *http.Request) {
	resp := ollama.ListResponse{}
	for _, name := range mockModels {
		resp.Models = append(resp.Models, ollama.ListModelResponse{Name: name, Model: name, ModifiedAt: time.Now().UTC()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (m *mock) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	errBody := func(msg string) any {
		return map[string]any{"error": map[string]string{"message": msg, "type": "mock_error"}}
	}

	var req openaicompat.ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody("invalid request: "+err.Error()))
		return
	}
	f, ok := m.start(w, r, errBody)
	if !ok {
		return
	}

	var userText string
	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += len(strings.Fields(msg.Content))
		if msg.Role == "user" {
			userText = msg.Content
		}
	}
	tokens := reply(userText)
	usage := &openaicompat.ChatUsage{
		PromptTokens:     promptTokens,
		CompletionTokens: len(tokens),
		TotalTokens:      promptTokens + len(tokens),
	}
	model := req.Model
	if model == "" {
		model = mockModels[0]
	}

	if !req.Stream {
		writeJSON(w, http.StatusOK, openaicompat.ChatCompletionResponse{
			ID:     "chatcmpl-mock",
			Object: "chat.completion",
			Model:  model,
			Choices: []openaicompat.ChatChoice{{
				Message:      openaicompat.ChatMessage{Role: "assistant", Content: strings.Join(tokens, "")},
				FinishReason: "stop",
			}},
			Usage: usage,
		})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	chunk := func(delta openaicompat.ChatChunkDelta, finish *string, u *openaicompat.ChatUsage) {
		data, _ := json.Marshal(openaicompat.ChatCompletionChunk{
			ID:      "chatcmpl-mock",
			Object:  "chat.completion.chunk",
			Model:   model,
			Choices: []openaicompat.ChatChunkChoice{{Delta: delta, FinishReason: finish}},
			Usage:   u,
		})
		fmt.Fprintf(w, "data: %s\n\n", data)
	}

	chunk(openaicompat.ChatChunkDelta{Role: "assistant"}, nil, nil)
	m.stream(w, r, f, tokens,
		func(tok string) {
			chunk(openaicompat.ChatChunkDelta{Content: &tok}, nil, nil)
		},
		"data: {not json\n\n",
		func() {
			stop := "stop"
			chunk(openaicompat.ChatChunkDelta{}, &stop, usage)
			fmt.Fprint(w, "data: [DONE]\n\n")
		})
}

func (m *mock) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := openaicompat.ChatModelsResponse{Object: "list"}
	for _, name := range mockModels {
		resp.Data = append(resp.Data, openaicompat.ChatModel{ID: name, Object: "model", OwnedBy: "chatrelay-mock"})
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
