package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type countingRefresher struct {
	calls atomic.Int32
	err   error
}

func (c *countingRefresher) Refresh(context.Context) error {
	c.calls.Add(1)
	return c.err
}

func TestFeedPoller_InitialAndPeriodic(t *testing.T) {
	t.Parallel()
	ref := &countingRefresher{}
	p := NewFeedPoller(ref, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return ref.calls.Load() >= 3 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestFeedPoller_ErrorsDoNotStop(t *testing.T) {
	t.Parallel()
	ref := &countingRefresher{err: errors.New("feed \"stops\": upstream down")}
	p := NewFeedPoller(ref, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return ref.calls.Load() >= 2 })
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run = %v, want nil", err)
	}
}

func TestFeedPoller_Disabled(t *testing.T) {
	t.Parallel()
	if p := NewFeedPoller(&countingRefresher{}, 0); p != nil {
		t.Errorf("NewFeedPoller(0) = %v, want nil", p)
	}
}
