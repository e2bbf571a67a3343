package report

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

var fastRetry = utils.RetryConfig{
	InitialBackoff: time.Millisecond,
	MaxBackoff:     5 * time.Millisecond,
	BackoffFactor:  2,
}

func startReporter(t *testing.T, submitter Submitter, opts Options) (*Reporter, <-chan Result) {
	results := make(chan Result, 16)
	opts.OnResult = func(r Result) {
		results <- r
	}
	if opts.Retry.InitialBackoff == 0 {
		opts.Retry = fastRetry
	}
	r := New(submitter, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return r, results
}

func waitResult(t *testing.T, results <-chan Result) Result {
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestReporterOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		errs     []error
		outcome  Outcome
		attempts int
		reason   string
	}{
		{"accepted", nil, OutcomeAccepted, 1, ""},
		{"rejected", []error{client.Rejected(0, "BlockInvalid")}, OutcomeRejected, 1, "BlockInvalid"},
		{"retried", []error{client.ErrNodeUnreachable, fmt.Errorf("dial: %w", client.ErrNodeUnreachable)}, OutcomeAccepted, 3, ""},
		{"other error", []error{errors.New("boom")}, OutcomeRejected, 1, "boom"},
		{"exhausted", []error{client.ErrNodeUnreachable, client.ErrNodeUnreachable, client.ErrNodeUnreachable}, OutcomeUnreachable, 3, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var calls atomic.Int32
			r, results := startReporter(t, SubmitterFunc(func(ctx context.Context, s Submission) error {
				i := int(calls.Add(1)) - 1
				if i < len(tt.errs) {
					return tt.errs[i]
				}
				return nil
			}), Options{MaxAttempts: 3})

			if !r.Submit(context.Background(), Submission{Generation: 1, Nonce: 42, Worker: "cpu#0"}) {
				t.Fatal("submit refused")
			}
			result := waitResult(t, results)
			if result.Outcome != tt.outcome {
				t.Errorf("expected %s, got %s", tt.outcome, result.Outcome)
			}
			if result.Attempts != tt.attempts {
				t.Errorf("expected %d attempts, got %d", tt.attempts, result.Attempts)
			}
			if tt.reason != "" && result.Reason != tt.reason {
				t.Errorf("expected reason %s, got %s", tt.reason, result.Reason)
			}
			if last, ok := r.Last(); !ok || last.Nonce != 42 || last.Generation != 1 {
				t.Errorf("unexpected last result %+v", last)
			}
		})
	}
}

func TestReporterNonBlocking(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	r, results := startReporter(t, SubmitterFunc(func(ctx context.Context, s Submission) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}), Options{QueueSize: 4, Concurrency: 1})

	start := time.Now()
	for i := range 4 {
		if !r.Submit(context.Background(), Submission{Nonce: uint64(i)}) {
			t.Fatalf("submission %d refused", i)
		}
	}
	if time.Since(start) > time.Second {
		t.Errorf("submit blocked on delivery")
	}

	close(release)
	for range 4 {
		if result := waitResult(t, results); result.Outcome != OutcomeAccepted {
			t.Errorf("expected accepted, got %s", result.Outcome)
		}
	}
	if stats := r.Stats(); stats.Submitted != 4 || stats.Accepted != 4 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestReporterQueueFull(t *testing.T) {
	t.Parallel()
	// not running, so nothing drains the queue
	r := New(SubmitterFunc(func(ctx context.Context, s Submission) error {
		return nil
	}), Options{QueueSize: 1})

	if !r.Submit(context.Background(), Submission{Nonce: 1}) {
		t.Fatal("first submission refused")
	}
	if r.Submit(context.Background(), Submission{Nonce: 2}) {
		t.Fatal("second submission must be dropped")
	}
	if stats := r.Stats(); stats.Dropped != 1 || stats.Submitted != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
	if last, ok := r.Last(); !ok || last.Outcome != OutcomeDropped || last.Nonce != 2 {
		t.Errorf("unexpected last result %+v", last)
	}
}
