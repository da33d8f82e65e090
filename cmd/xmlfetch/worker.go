package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/rs/dnscache"

	"github.com/eugener/xmlfetch/internal/channel/stream"
	"github.com/eugener/xmlfetch/internal/worker"
	"github.com/eugener/xmlfetch/internal/xmlworker"
)

const workerDNSRefresh = 5 * time.Minute

// runWorker serves fetch requests on stdin/stdout until the parent closes
// stdin. Stdout carries the protocol, so logs go to stderr.
func runWorker() error {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)).With(
		slog.String("role", "worker"),
		slog.Int("pid", os.Getpid()),
	))
	// The parent owns our lifetime; a terminal Ctrl-C reaches the whole
	// process group and must not cut in-flight responses short.
	signal.Ignore(os.Interrupt)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resolver := &dnscache.Resolver{}
	go worker.NewDNSRefresher(resolver, workerDNSRefresh).Run(ctx)

	return stream.Serve(ctx, os.Stdin, os.Stdout, xmlworker.New(resolver))
}
