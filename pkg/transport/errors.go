package transport

import (
	"encoding/json"
	"net/http"

	"github.com/rhuss/chatrelay/pkg/api"
)

// HTTPStatusFromError maps an error kind to the corresponding HTTP status
// code. Transport-level errors (body too large, unsupported content type)
// are handled separately by the HTTP adapter.
func HTTPStatusFromError(err *api.Error) int {
	switch err.Kind {
	case api.KindInvalidRequest:
		return http.StatusBadRequest
	case api.KindSessionNotFound:
		return http.StatusNotFound
	case api.KindSessionBusy:
		return http.StatusConflict
	case api.KindBackendRejected:
		return http.StatusBadGateway
	case api.KindBackendUnreachable, api.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	case api.KindTimeout:
		return http.StatusGatewayTimeout
	case api.KindUnauthorized:
		return http.StatusUnauthorized
	case api.KindRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorResponse writes a JSON error response using the ErrorResponse
// wrapper format from pkg/api.
func WriteErrorResponse(w http.ResponseWriter, apiErr *api.Error, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(api.ErrorResponse{Error: apiErr})
}

// WriteAPIError writes an error response, deriving the HTTP status code
// from the error kind.
func WriteAPIError(w http.ResponseWriter, apiErr *api.Error) {
	WriteErrorResponse(w, apiErr, HTTPStatusFromError(apiErr))
}
