package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	xmlfetch "github.com/eugener/xmlfetch/internal"
	"github.com/eugener/xmlfetch/internal/ratelimit"
)

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code,omitempty"`
	} `json:"error"`
}

func errorResponse(msg, typ string) apiError {
	var e apiError
	e.Error.Message = msg
	e.Error.Type = typ
	return e
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, xmlfetch.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, xmlfetch.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, xmlfetch.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, xmlfetch.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, xmlfetch.ErrCircuitOpen),
		errors.Is(err, xmlfetch.ErrChannelFault),
		errors.Is(err, xmlfetch.ErrConnectorClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, xmlfetch.ErrRemoteOperation), errors.Is(err, xmlfetch.ErrInitialization):
		return http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func errorType(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "invalid_request_error"
	case http.StatusUnauthorized:
		return "authentication_error"
	case http.StatusTooManyRequests:
		return "rate_limit_error"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadGateway:
		return "upstream_error"
	case http.StatusGatewayTimeout:
		return "timeout"
	default:
		return "internal_error"
	}
}

// writeError maps err to a status and writes a JSON error body. Worker
// failure codes are passed through; unexpected errors are logged and
// replaced with a generic message.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.LogAttrs(r.Context(), slog.LevelError, "request failed",
			slog.String("error", err.Error()),
		)
		writeJSON(w, status, errorResponse("internal error", errorType(status)))
		return
	}
	var rl *ratelimit.Error
	if errors.As(err, &rl) {
		w.Header()["Retry-After"] = []string{strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds())))}
	}
	resp := errorResponse(err.Error(), errorType(status))
	var re *xmlfetch.RemoteError
	if errors.As(err, &re) {
		resp.Error.Code = re.Code()
	}
	writeJSON(w, status, resp)
}

// jsonCT is a pre-allocated header value slice. Direct map assignment
// (w.Header()["Content-Type"] = jsonCT) avoids the []string{v} alloc
// that Header.Set creates on every call.
var jsonCT = []string{"application/json"}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header()["Content-Type"] = jsonCT
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}
