package provider

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/api"
)

// maxErrorBody bounds how much of a failed response body is retained.
const maxErrorBody = 4096

// ErrorFromResponse converts a non-2xx backend response into an *api.Error
// carrying the status code and (bounded) body. The caller still owns
// resp.Body and must close it.
func ErrorFromResponse(resp *http.Response) *api.Error {
	var data []byte
	if resp.Body != nil {
		data, _ = io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	}
	return api.NewBackendStatusError(resp.StatusCode, ExtractErrorMessage(data), string(data))
}

// ErrorFromTransport converts a network-level error (connection refused,
// DNS failure, TLS handshake, client timeout) into a BackendUnreachable
// error. When ctx itself ended the request the context's reason is
// reported instead, so a cancelled exchange is not mistaken for an
// unreachable backend.
func ErrorFromTransport(ctx context.Context, err error) *api.Error {
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		return api.NewError(api.KindCancelled, "request cancelled")
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return api.NewError(api.KindTimeout, "backend did not answer in time")
	}
	return api.NewError(api.KindBackendUnreachable, "backend connection error: %s", err)
}

// ExtractErrorMessage pulls a human-readable message out of a backend error
// body. It understands the OpenAI shape {"error":{"message":...}}, the
// Ollama shape {"error":"..."} and a bare {"message":...}.
func ExtractErrorMessage(data []byte) string {
	if len(data) == 0 {
		return ""
	}

	var envelope struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}

	if len(envelope.Error) > 0 {
		var s string
		if err := json.Unmarshal(envelope.Error, &s); err == nil && s != "" {
			return s
		}
		var obj struct {
			Message string `json:"message"`
		}
		if err := json.Unmarshal(envelope.Error, &obj); err == nil && obj.Message != "" {
			return obj.Message
		}
	}
	return envelope.Message
}
