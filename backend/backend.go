package backend

import (
	"context"
	"errors"
	"fmt"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

var (
	// ErrBackendUnavailable means the device or its driver is gone.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrResourceExhausted means device memory or handles could not be allocated.
	ErrResourceExhausted = errors.New("resource exhausted")
	// ErrWorkerFaulted is a compute failure during a round.
	ErrWorkerFaulted = errors.New("worker faulted")
	// ErrWorkerBusy is returned when a round is started while another is running.
	ErrWorkerBusy = errors.New("worker busy")

	ErrDuplicateBackend = errors.New("backend already registered")
	ErrNotWhitelisted   = errors.New("backend not whitelisted")
)

// WorkerSpec describes one compute unit. It holds no handles and can be copied freely.
type WorkerSpec struct {
	Backend      string
	DeviceIndex  int
	Name         string
	Workload     float64
	WorkloadMode nonce.WorkloadMode
	NonceGen     nonce.Mode
	// Ratio is the declared performance relative to other devices.
	Ratio float64
}

func (s WorkerSpec) String() string {
	return s.Name
}

func (s WorkerSpec) Demand() nonce.Demand {
	return nonce.Demand{
		Key:          s.Name,
		Backend:      s.Backend,
		Device:       s.DeviceIndex,
		Mode:         s.NonceGen,
		Workload:     s.Workload,
		WorkloadMode: s.WorkloadMode,
		Ratio:        s.Ratio,
	}
}

// RoundResult is what a worker reports after one round.
type RoundResult struct {
	Generation uint64
	Nonce      uint64
	Found      bool
	Pow        types.Uint256
	Hashes     uint64
	Duration   time.Duration
}

// Worker owns one device. RunRound is synchronous and must not be called concurrently.
type Worker interface {
	Spec() WorkerSpec
	// RunRound evaluates the assignment against tpl. On cancellation it returns the
	// partial counts together with the context error.
	RunRound(ctx context.Context, assignment nonce.Assignment, tpl *template.BlockTemplate) (RoundResult, error)
	Close() error
}

// Backend is one compute technology, for example cpu or cuda.
type Backend interface {
	Id() string
	Discover(ctx context.Context) ([]WorkerSpec, error)
	Instantiate(spec WorkerSpec) (Worker, error)
}

// Discovery is the outcome of probing one backend.
type Discovery struct {
	Backend string
	Specs   []WorkerSpec
	Err     error
}

// IsRecoverable reports whether an instantiation error only affects that one device.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrBackendUnavailable) || errors.Is(err, ErrResourceExhausted)
}

// Faultf wraps ErrWorkerFaulted with detail.
func Faultf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrWorkerFaulted, fmt.Sprintf(format, args...))
}
