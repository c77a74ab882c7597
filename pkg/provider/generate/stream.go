package generate

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	ollama "github.com/ollama/ollama/api"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/provider"
)

const maxLineSize = 1 << 20

// errorFrame is the shape of a mid-stream failure reported by the server.
type errorFrame struct {
	Error string `json:"error"`
}

// ParseNDJSONStream reads newline-delimited generate responses from body
// and sends the translated events on ch. The channel is NOT closed by
// this function.
//
// Blank lines are ignored. Lines that are not JSON are skipped through
// guard. A line with an "error" field ends the stream with
// BackendRejected, a line with "done": true ends it with the Done event.
// EOF before either yields StreamInterrupted unless ctx was cancelled.
func ParseNDJSONStream(ctx context.Context, body io.Reader, ch chan<- provider.Event, guard *provider.FrameGuard, wd *provider.Watchdog) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var ef errorFrame
		if err := json.Unmarshal([]byte(line), &ef); err != nil {
			if guard.Skip(err, line) {
				provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: guard.Exceeded()})
				return
			}
			continue
		}
		if ef.Error != "" {
			provider.Send(ctx, ch, provider.Event{
				Type: provider.EventError,
				Err:  api.NewError(api.KindBackendRejected, "%s", ef.Error),
			})
			return
		}

		var resp ollama.GenerateResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			if guard.Skip(err, line) {
				provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: guard.Exceeded()})
				return
			}
			continue
		}
		guard.OK()

		if resp.Response != "" {
			if !provider.Send(ctx, ch, provider.Event{Type: provider.EventDelta, Delta: resp.Response}) {
				return
			}
		}

		if resp.Done {
			provider.Send(ctx, ch, provider.Event{
				Type:         provider.EventDone,
				FinishReason: finishReason(&resp),
				Usage:        provider.UsageOf(resp.PromptEvalCount, resp.EvalCount),
			})
			return
		}
	}

	if err := provider.Interrupted(ctx, wd, scanner.Err()); err != nil {
		provider.Send(ctx, ch, provider.Event{Type: provider.EventError, Err: err})
	}
}
