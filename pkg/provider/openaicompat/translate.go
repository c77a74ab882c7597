package openaicompat

import (
	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/provider"
)

// TranslateRequest converts a provider request into a ChatCompletionRequest.
// The stream argument overrides req.Stream so Complete and Stream can share
// one request.
func TranslateRequest(req *provider.Request, model string, stream bool) ChatCompletionRequest {
	cr := ChatCompletionRequest{
		Model:             model,
		Temperature:       req.Params.Temperature,
		TopP:              req.Params.TopP,
		MaxTokens:         req.Params.MaxTokens,
		TopK:              req.Params.TopK,
		RepetitionPenalty: req.Params.RepetitionPenalty,
		N:                 1,
		Stream:            stream,
		Messages:          make([]ChatMessage, 0, len(req.Messages)),
	}

	// When streaming, ask for a usage-only final chunk.
	if stream {
		cr.StreamOptions = &ChatStreamOptions{IncludeUsage: true}
	}

	for _, m := range req.Messages {
		cr.Messages = append(cr.Messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	return cr
}

// TranslateResponse converts a non-streaming answer into a provider response.
func TranslateResponse(resp *ChatCompletionResponse) *provider.Response {
	out := &provider.Response{Model: resp.Model}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = resp.Choices[0].FinishReason
	}
	out.Usage = usage(resp.Usage)
	return out
}

func usage(u *ChatUsage) *api.Usage {
	if u == nil {
		return nil
	}
	return &api.Usage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}
