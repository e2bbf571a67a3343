package cpu

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/backend"
	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"git.gammaspectra.live/P2Pool/kaspa-miner/pow"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

const Id = "cpu"

// checkInterval is how many nonces are hashed between cancellation checks.
const checkInterval = 128

type Options struct {
	// Threads is the number of workers, zero means one per logical CPU.
	Threads      int
	Affinity     bool
	Workload     float64
	WorkloadMode nonce.WorkloadMode
	NonceGen     nonce.Mode
	// Lanes is how many goroutines hash each round of one worker, zero means one.
	// Pinning only applies to single lane workers.
	Lanes int

	// FaultHook is called before every round; a returned error faults the round.
	FaultHook func(spec backend.WorkerSpec, assignment nonce.Assignment) error
}

type Backend struct {
	opts Options
}

func New(opts Options) *Backend {
	if opts.Workload <= 0 {
		opts.Workload = 1
	}
	return &Backend{opts: opts}
}

func (b *Backend) Id() string {
	return Id
}

func (b *Backend) Discover(ctx context.Context) ([]backend.WorkerSpec, error) {
	threads := b.opts.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	specs := make([]backend.WorkerSpec, threads)
	for i := range specs {
		specs[i] = backend.WorkerSpec{
			Backend:      Id,
			DeviceIndex:  i,
			Name:         fmt.Sprintf("%s#%d", Id, i),
			Workload:     b.opts.Workload,
			WorkloadMode: b.opts.WorkloadMode,
			NonceGen:     b.opts.NonceGen,
			Ratio:        1,
		}
	}
	return specs, nil
}

func (b *Backend) Instantiate(spec backend.WorkerSpec) (backend.Worker, error) {
	if spec.Backend != Id {
		return nil, fmt.Errorf("spec for %s: %w", spec.Backend, backend.ErrBackendUnavailable)
	}
	w := &Worker{
		spec:      spec,
		faultHook: b.opts.FaultHook,
		lanes:     max(b.opts.Lanes, 1),
		cpu:       -1,
	}
	if b.opts.Affinity && w.lanes == 1 {
		w.cpu = spec.DeviceIndex % runtime.NumCPU()
	}
	return w, nil
}

// Worker hashes on the calling goroutine, or splits each round over lanes goroutines.
type Worker struct {
	spec      backend.WorkerSpec
	faultHook func(spec backend.WorkerSpec, assignment nonce.Assignment) error
	lanes     int

	cpu     int
	pinOnce sync.Once

	busy   atomic.Bool
	closed atomic.Bool
}

func (w *Worker) Spec() backend.WorkerSpec {
	return w.spec
}

// pin locks the calling goroutine to its OS thread for good and binds that thread to a core.
func (w *Worker) pin() {
	w.pinOnce.Do(func() {
		runtime.LockOSThread()
		if err := setAffinity(w.cpu); err != nil {
			utils.Noticef("CPU", "%s: could not pin to core %d: %s", w.spec.Name, w.cpu, err)
		} else {
			utils.Debugf("CPU", "%s: pinned to core %d", w.spec.Name, w.cpu)
		}
	})
}

func (w *Worker) RunRound(ctx context.Context, assignment nonce.Assignment, tpl *template.BlockTemplate) (result backend.RoundResult, err error) {
	if !w.busy.CompareAndSwap(false, true) {
		return result, backend.ErrWorkerBusy
	}
	defer w.busy.Store(false)

	if w.closed.Load() {
		return result, backend.ErrBackendUnavailable
	}

	result.Generation = assignment.Generation
	if tpl == nil || tpl.State() == nil {
		return result, backend.Faultf("%s: no template", w.spec.Name)
	}
	if w.cpu >= 0 {
		w.pin()
	}
	if w.faultHook != nil {
		if err = w.faultHook(w.spec, assignment); err != nil {
			return result, backend.Faultf("%s: %s", w.spec.Name, err)
		}
	}

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
	}()

	state := tpl.State()
	if w.lanes == 1 {
		var l lane
		err = l.hash(ctx, state, assignment, nil)
		result.Hashes, result.Found, result.Nonce, result.Pow = l.hashes, l.found, l.nonce, l.pow
		return result, err
	}

	lanes := assignment.Lanes(w.lanes)
	hashed := make([]lane, len(lanes))
	var stop atomic.Bool
	err = utils.SplitWork(ctx, len(lanes), uint64(len(lanes)), func(workIndex uint64, _ int) error {
		l := &hashed[workIndex]
		if err := l.hash(ctx, state, lanes[workIndex], &stop); err != nil {
			return err
		}
		if l.found {
			stop.Store(true)
		}
		return nil
	}, nil)

	for i := range hashed {
		l := &hashed[i]
		result.Hashes += l.hashes
		if l.found && !result.Found {
			result.Found, result.Nonce, result.Pow = true, l.nonce, l.pow
		}
	}
	if result.Found {
		err = nil
	}
	return result, err
}

// lane is the outcome of hashing one assignment sequence.
type lane struct {
	hashes uint64
	found  bool
	nonce  uint64
	pow    types.Uint256
}

// hash walks a until it is exhausted, a nonce meets the target, ctx ends or stop is set by another lane.
func (l *lane) hash(ctx context.Context, state *pow.State, a nonce.Assignment, stop *atomic.Bool) error {
	seq := a.Sequence()
	defer func() {
		l.hashes = seq.Done()
	}()
	for {
		if seq.Done()%checkInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			if stop != nil && stop.Load() {
				return nil
			}
		}
		n, ok := seq.Next()
		if !ok {
			return nil
		}
		if p, found := state.CheckPoW(n); found {
			l.found, l.nonce, l.pow = true, n, p
			return nil
		}
	}
}

func (w *Worker) Close() error {
	w.closed.Store(true)
	return nil
}
