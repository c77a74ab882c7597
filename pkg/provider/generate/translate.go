package generate

import (
	ollama "github.com/ollama/ollama/api"

	"github.com/rhuss/chatrelay/pkg/prompt"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// TranslateRequest converts a provider request into an Ollama generate
// request. Sampling parameters travel in the options map under Ollama's
// names; unset parameters are omitted so the server defaults apply.
func TranslateRequest(req *provider.Request, stream bool) *ollama.GenerateRequest {
	gr := &ollama.GenerateRequest{
		Model:  req.Model,
		Prompt: prompt.Flatten(req.Messages, req.Reasoning),
		Stream: &stream,
	}

	opts := map[string]any{}
	p := req.Params
	if p.MaxTokens != nil {
		opts["num_predict"] = *p.MaxTokens
	}
	if p.Temperature != nil {
		opts["temperature"] = *p.Temperature
	}
	if p.TopP != nil {
		opts["top_p"] = *p.TopP
	}
	if p.TopK != nil {
		opts["top_k"] = *p.TopK
	}
	if p.RepetitionPenalty != nil {
		opts["repeat_penalty"] = *p.RepetitionPenalty
	}
	if len(opts) > 0 {
		gr.Options = opts
	}
	return gr
}

// TranslateResponse converts a final (done) generate response.
func TranslateResponse(resp *ollama.GenerateResponse) *provider.Response {
	return &provider.Response{
		Text:         resp.Response,
		FinishReason: finishReason(resp),
		Model:        resp.Model,
		Usage:        provider.UsageOf(resp.PromptEvalCount, resp.EvalCount),
	}
}

// finishReason returns done_reason, defaulting to "stop" for servers that
// predate the field.
func finishReason(resp *ollama.GenerateResponse) string {
	if resp.DoneReason != "" {
		return resp.DoneReason
	}
	return "stop"
}
