package circuitbreaker

import (
	"context"
	"errors"
	"os"

	xmlfetch "github.com/eugener/xmlfetch/internal"
)

// Weight returns how much err counts against a feed.
//
//   - nil, cancellation, explicit close -> 0 (not the feed's fault)
//   - remote timeout, deadline exceeded -> 1.5
//   - remote 429 -> 0.5
//   - remote 5xx -> 1.0
//   - remote 4xx -> 0.5 (misconfigured feed, still worth backing off)
//   - malformed XML, transport errors, channel faults, crashes -> 1.0
func Weight(err error) float64 {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, context.Canceled), errors.Is(err, xmlfetch.ErrConnectorClosed):
		return 0
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return 1.5
	}

	var re *xmlfetch.RemoteError
	if errors.As(err, &re) {
		if re.Code() == "timeout" {
			return 1.5
		}
		if status := re.Status(); status != 0 {
			return statusWeight(status)
		}
	}
	return 1.0
}

func statusWeight(code int) float64 {
	switch {
	case code == 429:
		return 0.5
	case code >= 500:
		return 1.0
	case code >= 400:
		return 0.5
	default:
		return 0
	}
}
