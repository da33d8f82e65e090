package xmlfetch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// Sentinel errors for the connector and feed domain.
var (
	ErrInitialization  = errors.New("initialization failed")
	ErrNotInitialized  = errors.New("connector not initialized")
	ErrRemoteOperation = errors.New("remote operation failed")
	ErrChannelFault    = errors.New("channel fault")
	ErrConnectorClosed = errors.New("connector closed")
	ErrWorkerCrashed   = errors.New("worker crashed")
	ErrNotFound        = errors.New("not found")
	ErrCircuitOpen     = errors.New("circuit open")
	ErrBadRequest      = errors.New("bad request")
	ErrRateLimited     = errors.New("rate limited")
	ErrUnauthorized    = errors.New("unauthorized")
)

// ErrServiceClosed is returned once the feed service itself has shut down.
// It matches ErrConnectorClosed, but a single feed's closed connector does
// not match it.
var ErrServiceClosed = fmt.Errorf("feed service: %w", ErrConnectorClosed)

// RemoteError is a failure reported by the worker for one call.
// Payload is the worker's error value, untouched.
type RemoteError struct {
	Op      string
	Payload json.RawMessage
}

func (e *RemoteError) Error() string {
	if msg := e.Message(); msg != "" {
		return "remote operation " + e.Op + ": " + msg
	}
	return "remote operation " + e.Op + ": " + string(e.Payload)
}

// Is makes errors.Is(err, ErrRemoteOperation) hold for every RemoteError.
func (e *RemoteError) Is(target error) bool {
	return target == ErrRemoteOperation
}

// Message returns the "message" field of an object payload, or the payload
// itself when the worker reported a bare string.
func (e *RemoteError) Message() string {
	r := gjson.ParseBytes(e.Payload)
	switch {
	case r.Type == gjson.String:
		return r.String()
	case r.IsObject():
		return r.Get("message").String()
	default:
		return ""
	}
}

// Code returns the "code" field of an object payload, if any.
func (e *RemoteError) Code() string {
	return gjson.GetBytes(e.Payload, "code").String()
}

// Status returns the upstream HTTP status the worker reported, or 0.
func (e *RemoteError) Status() int {
	return int(gjson.GetBytes(e.Payload, "status").Int())
}
