package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/debug"
	"github.com/rhuss/chatrelay/pkg/observability"
)

// DefaultReadTimeout is the idle interval after which a silent stream is
// considered interrupted.
const DefaultReadTimeout = 60 * time.Second

// Send delivers ev on ch unless ctx is done first. It reports whether the
// event was delivered.
func Send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// Watchdog cancels a request context when no bytes arrive for a full
// interval. Every successful read re-arms it.
type Watchdog struct {
	interval time.Duration
	timer    *time.Timer
	fired    atomic.Bool
}

// StartWatchdog arms a watchdog that calls cancel after interval of
// silence. A non-positive interval disables it.
func StartWatchdog(interval time.Duration, cancel context.CancelFunc) *Watchdog {
	w := &Watchdog{interval: interval}
	if interval <= 0 {
		return w
	}
	w.timer = time.AfterFunc(interval, func() {
		w.fired.Store(true)
		cancel()
	})
	return w
}

// Touch re-arms the watchdog.
func (w *Watchdog) Touch() {
	if w.timer == nil || w.fired.Load() {
		return
	}
	w.timer.Reset(w.interval)
}

// Stop disarms the watchdog. It reports false when the watchdog already
// fired or is firing.
func (w *Watchdog) Stop() bool {
	if w.timer == nil {
		return true
	}
	return w.timer.Stop() && !w.fired.Load()
}

// Fired reports whether the watchdog cancelled the request.
func (w *Watchdog) Fired() bool {
	return w.fired.Load()
}

// Reader wraps r so that every read returning data re-arms the watchdog.
func (w *Watchdog) Reader(r io.Reader) io.Reader {
	return &watchedReader{r: r, w: w}
}

type watchedReader struct {
	r io.Reader
	w *Watchdog
}

func (wr *watchedReader) Read(p []byte) (int, error) {
	n, err := wr.r.Read(p)
	if n > 0 {
		wr.w.Touch()
	}
	return n, err
}

// Open sends a streaming request and waits at most timeout for the
// response headers. cancel must cancel the context of req. A backend that
// accepts the connection but never answers is reported as
// BackendUnreachable. A non-positive timeout waits for ctx only.
func Open(ctx context.Context, client *http.Client, req *http.Request, timeout time.Duration, cancel context.CancelFunc) (*http.Response, *api.Error) {
	wd := StartWatchdog(timeout, cancel)
	resp, err := client.Do(req)
	answered := wd.Stop()

	switch {
	case err != nil && wd.Fired() && ctx.Err() == nil:
		return nil, api.NewError(api.KindBackendUnreachable,
			"backend sent no response within %s", timeout)
	case err != nil:
		return nil, ErrorFromTransport(ctx, err)
	case !answered:
		// The headers won the race against the deadline but the request
		// context is already cancelled.
		resp.Body.Close()
		return nil, api.NewError(api.KindBackendUnreachable,
			"backend sent no response within %s", timeout)
	}
	return resp, nil
}

// FrameGuard counts malformed frames of one stream. With a positive Limit,
// more than Limit consecutive malformed frames abort the stream.
type FrameGuard struct {
	Backend api.Backend
	Limit   int

	run     int
	skipped int
}

// Skip records a malformed frame and reports whether the stream should be
// abandoned.
func (g *FrameGuard) Skip(err error, data string) bool {
	g.run++
	g.skipped++
	observability.MalformedFramesTotal.WithLabelValues(string(g.Backend)).Inc()
	slog.Warn("skipping malformed stream frame",
		"backend", g.Backend,
		"error", err.Error(),
		"data", debug.Truncate(data, 200),
	)
	return g.Limit > 0 && g.run > g.Limit
}

// OK resets the consecutive malformed counter after a valid frame.
func (g *FrameGuard) OK() {
	g.run = 0
}

// Skipped returns the number of malformed frames seen so far.
func (g *FrameGuard) Skipped() int {
	return g.skipped
}

// Exceeded returns the error used when the malformed frame limit is crossed.
func (g *FrameGuard) Exceeded() *api.Error {
	return api.NewError(api.KindStreamInterrupted,
		"more than %d consecutive malformed frames", g.Limit)
}

// Interrupted classifies a stream that ended without its terminal frame.
// It returns nil when ctx (the caller's context) was cancelled, because a
// cancelled stream ends silently and the caller reports the cancellation.
func Interrupted(ctx context.Context, wd *Watchdog, readErr error) *api.Error {
	if ctx.Err() != nil && (wd == nil || !wd.Fired()) {
		return nil
	}
	switch {
	case wd != nil && wd.Fired():
		return api.NewError(api.KindStreamInterrupted,
			"no data received from backend for %s", wd.interval)
	case readErr != nil:
		return api.NewError(api.KindStreamInterrupted, "stream read error: %s", readErr)
	default:
		return api.NewError(api.KindStreamInterrupted, "stream ended before the terminal frame")
	}
}

// Truncate shortens s for log output.
func Truncate(s string, maxLen int) string {
	return debug.Truncate(s, maxLen)
}

// UsageOf builds a Usage from prompt and completion counts, or nil when
// the backend reported neither.
func UsageOf(prompt, completion int) *api.Usage {
	if prompt == 0 && completion == 0 {
		return nil
	}
	return &api.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// String renders ev for debug logs.
func (ev Event) String() string {
	switch ev.Type {
	case EventDelta:
		return fmt.Sprintf("delta(%q)", ev.Delta)
	case EventDone:
		return fmt.Sprintf("done(%s)", ev.FinishReason)
	case EventError:
		return fmt.Sprintf("error(%v)", ev.Err)
	}
	return ev.Type.String()
}
