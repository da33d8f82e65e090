package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/eugener/xmlfetch/internal/channel"
	"github.com/eugener/xmlfetch/internal/message"
)

// Serve is the worker side of a stream link. It reads requests from r,
// handles each on its own goroutine with h, and writes responses to w.
// It returns nil when r reaches EOF, after in-flight requests finish.
func Serve(ctx context.Context, r io.Reader, w io.Writer, h channel.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	dec := message.NewDecoder(r)
	enc := message.NewEncoder(w)

	var (
		wg       sync.WaitGroup
		writeMu  sync.Mutex
		writeErr error
	)
	defer wg.Wait()

	for {
		req, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("serve: read: %w", err)
		}
		if req.IsResponse() {
			slog.Warn("serve: dropping response sent as request", "op", string(req.Op), "id", req.ID)
			continue
		}

		writeMu.Lock()
		failed := writeErr
		writeMu.Unlock()
		if failed != nil {
			return fmt.Errorf("serve: write: %w", failed)
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := channel.Respond(ctx, h, req)
			if err := enc.Encode(resp); err != nil {
				writeMu.Lock()
				if writeErr == nil {
					writeErr = err
				}
				writeMu.Unlock()
				cancel()
			}
		}()
	}
}
