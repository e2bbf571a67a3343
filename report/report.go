package report

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"golang.org/x/sync/errgroup"
)

// Submission is a found nonce for one template generation.
type Submission struct {
	Generation uint64
	Template   *template.BlockTemplate
	Nonce      uint64
	Pow        types.Uint256
	Worker     string
	FoundAt    time.Time
}

// Submitter delivers a submission upstream. A nil error is an acceptance, a
// *client.RejectedError a refusal, and client.ErrNodeUnreachable is retried.
type Submitter interface {
	Submit(ctx context.Context, s Submission) error
}

type SubmitterFunc func(ctx context.Context, s Submission) error

func (f SubmitterFunc) Submit(ctx context.Context, s Submission) error {
	return f(ctx, s)
}

type Outcome uint8

const (
	OutcomeAccepted Outcome = iota
	OutcomeRejected
	OutcomeUnreachable
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeRejected:
		return "rejected"
	case OutcomeUnreachable:
		return "unreachable"
	case OutcomeDropped:
		return "dropped"
	}
	return fmt.Sprintf("Outcome(%d)", uint8(o))
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, v := range []Outcome{OutcomeAccepted, OutcomeRejected, OutcomeUnreachable, OutcomeDropped} {
		if v.String() == string(text) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", string(text))
}

// Result is the final state of one submission.
type Result struct {
	Generation uint64    `json:"generation"`
	Nonce      uint64    `json:"nonce"`
	Worker     string    `json:"worker"`
	Outcome    Outcome   `json:"outcome"`
	Reason     string    `json:"reason,omitempty"`
	Attempts   int       `json:"attempts"`
	At         time.Time `json:"at"`
}

type Stats struct {
	Submitted   uint64 `json:"submitted"`
	Accepted    uint64 `json:"accepted"`
	Rejected    uint64 `json:"rejected"`
	Unreachable uint64 `json:"unreachable"`
	Dropped     uint64 `json:"dropped"`
}

type Options struct {
	QueueSize int
	// MaxAttempts bounds deliveries of an unreachable submission, including the first.
	MaxAttempts int
	// Concurrency bounds deliveries in flight.
	Concurrency int
	Retry       utils.RetryConfig
	// OnResult is called from a delivery goroutine for every finished submission.
	OnResult func(Result)
}

var DefaultOptions = Options{
	QueueSize:   64,
	MaxAttempts: 5,
	Concurrency: 8,
	Retry:       utils.DefaultRetryConfig,
}

// Reporter submits found nonces in the background so the caller never waits on the network.
type Reporter struct {
	submitter Submitter
	opts      Options
	queue     chan Submission

	last atomic.Pointer[Result]

	submitted, accepted, rejected, unreachable, dropped atomic.Uint64
}

func New(submitter Submitter, opts Options) *Reporter {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions.QueueSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultOptions.MaxAttempts
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultOptions.Concurrency
	}
	if opts.Retry.InitialBackoff <= 0 {
		opts.Retry = DefaultOptions.Retry
	}
	opts.Retry.MaxRetries = opts.MaxAttempts - 1
	return &Reporter{
		submitter: submitter,
		opts:      opts,
		queue:     make(chan Submission, opts.QueueSize),
	}
}

// Submit queues s and returns immediately. It returns false when the queue is full.
func (r *Reporter) Submit(ctx context.Context, s Submission) bool {
	if s.FoundAt.IsZero() {
		s.FoundAt = time.Now()
	}
	select {
	case r.queue <- s:
		r.submitted.Add(1)
		return true
	case <-ctx.Done():
		return false
	default:
		r.dropped.Add(1)
		utils.Errorf("REPORT", "Submission queue full, dropping nonce 0x%016x from %s", s.Nonce, s.Worker)
		r.finish(Result{
			Generation: s.Generation,
			Nonce:      s.Nonce,
			Worker:     s.Worker,
			Outcome:    OutcomeDropped,
			Reason:     "queue full",
			At:         time.Now(),
		})
		return false
	}
}

// Run delivers queued submissions until ctx ends.
func (r *Reporter) Run(ctx context.Context) error {
	var eg errgroup.Group
	eg.SetLimit(r.opts.Concurrency)
	defer func() {
		_ = eg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-r.queue:
			eg.Go(func() error {
				r.deliver(ctx, s)
				return nil
			})
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, s Submission) {
	announce(s)

	var attempts int
	err := utils.RetryWithBackoff(ctx, r.opts.Retry, "submit", func() error {
		attempts++
		err := r.submitter.Submit(ctx, s)
		if err == nil || errors.Is(err, client.ErrNodeUnreachable) {
			return err
		}
		return utils.Permanent(err)
	})

	result := Result{
		Generation: s.Generation,
		Nonce:      s.Nonce,
		Worker:     s.Worker,
		Attempts:   attempts,
		At:         time.Now(),
	}
	switch {
	case err == nil:
		result.Outcome = OutcomeAccepted
		r.accepted.Add(1)
		if s.Template != nil && s.Template.IsPartial() {
			utils.Logf("REPORT", "Share accepted, job %s", s.Template.JobId)
		} else {
			utils.Logf("REPORT", "Block submitted successfully!")
		}
	case errors.Is(err, client.ErrNodeUnreachable) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		result.Outcome = OutcomeUnreachable
		result.Reason = err.Error()
		r.unreachable.Add(1)
		utils.Errorf("REPORT", "Could not submit nonce 0x%016x after %d attempts: %s", s.Nonce, attempts, err)
	default:
		result.Outcome = OutcomeRejected
		result.Reason = err.Error()
		if rejected, ok := client.AsRejected(err); ok {
			result.Reason = rejected.Reason
		}
		r.rejected.Add(1)
		utils.Noticef("REPORT", "Failed submitting nonce 0x%016x: %s", s.Nonce, result.Reason)
	}
	r.finish(result)
}

func (r *Reporter) finish(result Result) {
	r.last.Store(&result)
	if r.opts.OnResult != nil {
		r.opts.OnResult(result)
	}
}

func announce(s Submission) {
	switch {
	case s.Template == nil:
	case s.Template.IsPartial():
		utils.Logf("REPORT", "Found a share! job %s nonce 0x%016x by %s", s.Template.JobId, s.Nonce, s.Worker)
	default:
		if block := s.Template.SolvedBlock(s.Nonce); block != nil {
			if hash, err := block.Header.BlockHash(); err == nil {
				utils.Logf("REPORT", "Found a block: %s by %s", hash, s.Worker)
				return
			}
		}
		utils.Logf("REPORT", "Found a block by %s", s.Worker)
	}
}

// Last is the most recent finished submission.
func (r *Reporter) Last() (Result, bool) {
	if result := r.last.Load(); result != nil {
		return *result, true
	}
	return Result{}, false
}

func (r *Reporter) Stats() Stats {
	return Stats{
		Submitted:   r.submitted.Load(),
		Accepted:    r.accepted.Load(),
		Rejected:    r.rejected.Load(),
		Unreachable: r.unreachable.Load(),
		Dropped:     r.dropped.Load(),
	}
}
