package cloudapi

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/openai/openai-go/option"

	"github.com/rhuss/chatrelay/pkg/provider"
)

// frameFilter removes SSE events the SDK decoder cannot parse from a
// streaming response. The decoder ends the whole stream on the first bad
// event, so malformed frames are skipped here and counted by guard.
// Bytes read from the body re-arm wd.
func frameFilter(guard *provider.FrameGuard, wd *provider.Watchdog) option.Middleware {
	return func(req *http.Request, next option.MiddlewareNext) (*http.Response, error) {
		resp, err := next(req)
		if err != nil || resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp, err
		}
		resp.Body = &filteredBody{
			rc:    resp.Body,
			r:     bufio.NewReader(wd.Reader(resp.Body)),
			guard: guard,
		}
		return resp, nil
	}
}

// filteredBody yields the event blocks of an SSE body whose data is JSON
// or the [DONE] marker. Blocks without data are dropped too.
type filteredBody struct {
	rc    io.ReadCloser
	r     *bufio.Reader
	guard *provider.FrameGuard
	out   bytes.Buffer
	err   error
}

func (b *filteredBody) Read(p []byte) (int, error) {
	for b.out.Len() == 0 && b.err == nil {
		b.err = b.nextBlock()
	}
	if b.out.Len() > 0 {
		return b.out.Read(p)
	}
	return 0, b.err
}

func (b *filteredBody) Close() error {
	return b.rc.Close()
}

// nextBlock reads one event block up to its blank line. A trailing block
// without a blank line is passed through as is.
func (b *filteredBody) nextBlock() error {
	var (
		block bytes.Buffer
		data  []string
	)
	for {
		line, err := b.r.ReadBytes('\n')
		trimmed := bytes.TrimRight(line, "\r\n")
		if len(line) > 0 && len(trimmed) == 0 {
			return b.dispatch(block.Bytes(), data)
		}
		if len(line) > 0 {
			block.Write(line)
			if name, value, _ := bytes.Cut(trimmed, []byte(":")); string(name) == "data" {
				data = append(data, string(bytes.TrimPrefix(value, []byte(" "))))
			}
		}
		if err != nil {
			b.out.Write(block.Bytes())
			return err
		}
	}
}

func (b *filteredBody) dispatch(block []byte, data []string) error {
	payload := strings.Join(data, "\n")
	if payload == "" {
		return nil
	}
	if payload != "[DONE]" {
		var v json.RawMessage
		if err := json.Unmarshal([]byte(payload), &v); err != nil {
			if b.guard.Skip(err, payload) {
				return b.guard.Exceeded()
			}
			return nil
		}
	}
	b.guard.OK()
	b.out.Write(block)
	b.out.WriteByte('\n')
	return nil
}
