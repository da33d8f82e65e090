// Package xmlworker is the worker side of the fetcher contract: it accepts
// InitParams once, then downloads and checks the feed on every fetchXML.
package xmlworker

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/feedauth"
	"github.com/eugener/xmlfetch/internal/fetcher"
	"github.com/eugener/xmlfetch/internal/message"
)

const (
	defaultTimeout = 30 * time.Second
	maxBodyBytes   = 32 << 20
	acceptXML      = "application/xml, text/xml;q=0.9, */*;q=0.1"
)

// Failure codes reported to the connector.
const (
	CodeUnknownOp          = "unknown_op"
	CodeInvalidParams      = "invalid_params"
	CodeAlreadyInitialized = "already_initialized"
	CodeNotInitialized     = "not_initialized"
	CodeTimeout            = "timeout"
	CodeTransport          = "transport"
	CodeUpstreamStatus     = "upstream_status"
	CodeTooLarge           = "too_large"
	CodeMalformedXML       = "malformed_xml"
)

// Worker handles fetcher operations. One Worker serves one feed.
type Worker struct {
	resolver *dnscache.Resolver
	maxBody  int64

	mu     sync.RWMutex
	url    string
	client *http.Client
}

// New returns an uninitialized worker. resolver may be nil.
func New(resolver *dnscache.Resolver) *Worker {
	return &Worker{resolver: resolver, maxBody: maxBodyBytes}
}

// Handle dispatches one request.
func (w *Worker) Handle(ctx context.Context, op message.Op, payload json.RawMessage) (any, error) {
	switch op {
	case message.OpInitialize:
		return nil, w.initialize(ctx, payload)
	case fetcher.OpFetchXML:
		return w.fetchXML(ctx)
	default:
		return nil, &channel.Failure{Code: CodeUnknownOp, Message: "unknown operation " + string(op)}
	}
}

func (w *Worker) initialize(ctx context.Context, payload json.RawMessage) error {
	var p fetcher.InitParams
	if err := json.Unmarshal(payload, &p); err != nil {
		return &channel.Failure{Code: CodeInvalidParams, Message: "decode params: " + err.Error()}
	}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &channel.Failure{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid feed url %q", p.URL)}
	}

	var rt http.RoundTripper = NewTransport(w.resolver)
	if len(p.Headers) > 0 {
		rt = &feedauth.HeaderTransport{Headers: p.Headers, Base: rt}
	}
	rt, err = feedauth.Wrap(ctx, rt, p.Auth)
	if err != nil {
		return &channel.Failure{Code: CodeInvalidParams, Message: err.Error()}
	}

	timeout := defaultTimeout
	if p.TimeoutMs > 0 {
		timeout = time.Duration(p.TimeoutMs) * time.Millisecond
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client != nil {
		return &channel.Failure{Code: CodeAlreadyInitialized, Message: "worker already initialized"}
	}
	w.url = u.String()
	w.client = &http.Client{Transport: rt, Timeout: timeout}
	slog.Debug("xml worker initialized", "url", u.Redacted())
	return nil
}

func (w *Worker) fetchXML(ctx context.Context) (string, error) {
	w.mu.RLock()
	client, target := w.client, w.url
	w.mu.RUnlock()
	if client == nil {
		return "", &channel.Failure{Code: CodeNotInitialized, Message: "worker not initialized"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return "", &channel.Failure{Code: CodeInvalidParams, Message: err.Error()}
	}
	req.Header.Set("Accept", acceptXML)

	resp, err := client.Do(req)
	if err != nil {
		return "", transportFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return "", &channel.Failure{
			Code:    CodeUpstreamStatus,
			Status:  resp.StatusCode,
			Message: fmt.Sprintf("feed returned %d %s", resp.StatusCode, http.StatusText(resp.StatusCode)),
		}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, w.maxBody+1))
	if err != nil {
		return "", transportFailure(err)
	}
	if int64(len(body)) > w.maxBody {
		return "", &channel.Failure{Code: CodeTooLarge, Message: fmt.Sprintf("feed exceeds %d bytes", w.maxBody)}
	}
	if err := checkWellFormed(body); err != nil {
		return "", &channel.Failure{Code: CodeMalformedXML, Message: err.Error()}
	}
	return string(body), nil
}

// checkWellFormed walks every token; the decoder rejects unbalanced or
// malformed markup.
func checkWellFormed(body []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	dec.Strict = true
	// Feeds declare all sorts of encodings; bytes are passed through as-is.
	dec.CharsetReader = func(_ string, r io.Reader) (io.Reader, error) { return r, nil }
	seenRoot := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			if !seenRoot {
				return errors.New("no root element")
			}
			return nil
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			seenRoot = true
		}
	}
}

func transportFailure(err error) *channel.Failure {
	var ne interface{ Timeout() bool }
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &channel.Failure{Code: CodeTimeout, Message: "timeout"}
	}
	return &channel.Failure{Code: CodeTransport, Message: err.Error()}
}
