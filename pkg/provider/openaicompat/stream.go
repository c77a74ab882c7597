package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/provider"
)

const maxLineSize = 1 << 20

// ParseSSEStream reads Chat Completions SSE frames from body and sends the
// translated events on ch. The channel is NOT closed by this function.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	\n
//	data: [DONE]\n
//	\n
//
// Lines without the "data:" prefix (comments, event names, keep-alives)
// are ignored. Frames that are not valid JSON are skipped through guard.
// [DONE] yields the Done event carrying the last finish reason and usage
// seen. A stream that ends before [DONE] yields StreamInterrupted unless ctx
// was cancelled, in which case nothing more is sent.
func ParseSSEStream(ctx context.Context, body io.Reader, ch chan<- provider.Event, guard *provider.FrameGuard, wd *provider.Watchdog) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var (
		finishReason string
		usage        *api.Usage
	)

	for scanner.Scan() {
		line := scanner.Text()

		payload, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)

		if payload == "[DONE]" {
			provider.Send(ctx, ch, provider.Event{
				Type:         provider.EventDone,
				FinishReason: finishReason,
				Usage:        usage,
			})
			return
		}

		var chunk ChatCompletionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			if guard.Skip(err, payload) {
				provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: guard.Exceeded()})
				return
			}
			continue
		}
		guard.OK()

		if chunk.Usage != nil {
			usage = &api.Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			finishReason = *choice.FinishReason
		}
		if choice.Delta.Content == nil || *choice.Delta.Content == "" {
			continue
		}
		if !provider.Send(ctx, ch, provider.Event{Type: provider.EventDelta, Delta: *choice.Delta.Content}) {
			return
		}
	}

	if err := provider.Interrupted(ctx, wd, scanner.Err()); err != nil {
		provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: err})
	}
}
