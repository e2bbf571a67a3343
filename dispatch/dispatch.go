// Package dispatch runs the mining loop. One coordination goroutine owns the current
// template, hands nonce assignments to one goroutine per worker and collects their rounds.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/backend"
	"git.gammaspectra.live/P2Pool/kaspa-miner/feed"
	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/stats"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"golang.org/x/sync/errgroup"
)

var ErrNoWorkers = errors.New("no workers")

// Reporter takes found nonces without blocking, report.Reporter implements it.
type Reporter interface {
	Submit(ctx context.Context, s report.Submission) bool
}

type Options struct {
	// Tick bounds how late hung detection and idle re-dispatch can run.
	Tick time.Duration
	// HungFactor times the average round duration is the hung deadline.
	HungFactor float64
	// MinRoundTimeout is the lowest hung deadline, used before any round completed.
	MinRoundTimeout time.Duration
	// RetireWindow is how close two faults must be to retire a worker.
	RetireWindow time.Duration
	// FeedRetry paces Feed.Next after errors.
	FeedRetry utils.RetryConfig
	// ShutdownTimeout bounds how long Run waits for workers to leave their rounds.
	ShutdownTimeout time.Duration

	Counters *stats.Counters
}

var DefaultOptions = Options{
	Tick:            100 * time.Millisecond,
	HungFactor:      10,
	MinRoundTimeout: 5 * time.Second,
	RetireWindow:    30 * time.Second,
	FeedRetry:       utils.RetryConfig{InitialBackoff: time.Second, MaxBackoff: 30 * time.Second, BackoffFactor: 2},
	ShutdownTimeout: 5 * time.Second,
}

type job struct {
	epoch      uint64
	assignment nonce.Assignment
	template   *template.BlockTemplate
}

type roundReport struct {
	name   string
	epoch  uint64
	result backend.RoundResult
	err    error
}

// workerState is owned by the coordination goroutine, except outstanding.
type workerState struct {
	worker backend.Worker
	spec   backend.WorkerSpec

	assignments chan job
	cancel      context.CancelFunc
	done        chan struct{}

	outstanding  atomic.Bool
	epoch        uint64
	generation   uint64
	dispatchedAt time.Time
	average      time.Duration

	lastFault time.Time
	retired   bool
}

type Dispatcher struct {
	feed        feed.Feed
	registry    *backend.Registry
	partitioner *nonce.Partitioner
	reporter    Reporter
	opts        Options

	snapshot *template.Snapshot

	lock    sync.RWMutex
	workers map[string]*workerState
	order   []string

	state atomic.Pointer[Status]

	templates chan *template.BlockTemplate
	results   chan roundReport
}

func New(f feed.Feed, registry *backend.Registry, partitioner *nonce.Partitioner, reporter Reporter, workers []backend.Worker, opts Options) (*Dispatcher, error) {
	if len(workers) == 0 {
		return nil, ErrNoWorkers
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultOptions.Tick
	}
	if opts.HungFactor <= 0 {
		opts.HungFactor = DefaultOptions.HungFactor
	}
	if opts.MinRoundTimeout <= 0 {
		opts.MinRoundTimeout = DefaultOptions.MinRoundTimeout
	}
	if opts.RetireWindow <= 0 {
		opts.RetireWindow = DefaultOptions.RetireWindow
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultOptions.ShutdownTimeout
	}
	if opts.FeedRetry == (utils.RetryConfig{}) {
		opts.FeedRetry = DefaultOptions.FeedRetry
	}
	if opts.Counters == nil {
		opts.Counters = stats.NewCounters()
	}

	d := &Dispatcher{
		feed:        f,
		registry:    registry,
		partitioner: partitioner,
		reporter:    reporter,
		opts:        opts,
		snapshot:    template.NewSnapshot(),
		workers:     make(map[string]*workerState, len(workers)),
		templates:   make(chan *template.BlockTemplate, 1),
		results:     make(chan roundReport, len(workers)*2),
	}
	for _, w := range workers {
		spec := w.Spec()
		if _, ok := d.workers[spec.Name]; ok {
			return nil, fmt.Errorf("duplicate worker %s", spec.Name)
		}
		d.workers[spec.Name] = &workerState{
			worker:      w,
			spec:        spec,
			assignments: make(chan job, 1),
			done:        make(chan struct{}),
		}
		d.order = append(d.order, spec.Name)
	}
	slices.SortFunc(d.order, strings.Compare)
	d.state.Store(&Status{State: StateIdle})
	return d, nil
}

// Snapshot is the published current template.
func (d *Dispatcher) Snapshot() *template.Snapshot {
	return d.snapshot
}

func (d *Dispatcher) Counters() *stats.Counters {
	return d.opts.Counters
}

// Status returns the state machine position.
func (d *Dispatcher) Status() Status {
	return *d.state.Load()
}

// Outstanding reports whether name has a round in flight.
func (d *Dispatcher) Outstanding(name string) bool {
	d.lock.RLock()
	defer d.lock.RUnlock()
	if ws, ok := d.workers[name]; ok {
		return ws.outstanding.Load()
	}
	return false
}

// ActiveWorkers returns the names of workers not retired, sorted.
func (d *Dispatcher) ActiveWorkers() (names []string) {
	d.lock.RLock()
	defer d.lock.RUnlock()
	for _, name := range d.order {
		if !d.workers[name].retired {
			names = append(names, name)
		}
	}
	return names
}

// Run mines until ctx ends. Workers are closed before it returns, except those stuck
// in a round past ShutdownTimeout, which are left behind and close once the round ends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for _, name := range d.order {
		ws := d.workers[name]
		workerCtx, workerCancel := context.WithCancel(ctx)
		ws.cancel = workerCancel
		go d.runWorker(workerCtx, ws)
	}

	var eg errgroup.Group
	eg.Go(func() error {
		d.pumpFeed(ctx)
		return nil
	})

	err := d.loop(ctx)
	cancel()
	_ = eg.Wait()
	d.join()
	return err
}

// join waits for worker goroutines up to ShutdownTimeout in total. A device round
// that ignores cancellation cannot be preempted, so it is abandoned instead.
func (d *Dispatcher) join() {
	deadline := time.NewTimer(d.opts.ShutdownTimeout)
	defer deadline.Stop()
	for _, name := range d.order {
		ws := d.workers[name]
		select {
		case <-ws.done:
		case <-deadline.C:
			for _, other := range d.order {
				select {
				case <-d.workers[other].done:
				default:
					utils.Errorf("DISPATCH", "%s: still inside a round, abandoning it", other)
				}
			}
			return
		}
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, ws *workerState) {
	defer close(ws.done)
	defer func() {
		if err := ws.worker.Close(); err != nil {
			utils.Errorf("DISPATCH", "%s: close: %s", ws.spec.Name, err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ws.assignments:
			result, err := ws.worker.RunRound(ctx, j.assignment, j.template)
			select {
			case d.results <- roundReport{name: ws.spec.Name, epoch: j.epoch, result: result, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (d *Dispatcher) pumpFeed(ctx context.Context) {
	backoff := utils.NewBackoff(d.opts.FeedRetry)
	for {
		tpl, err := d.feed.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			utils.Errorf("DISPATCH", "Template feed: %s", err)
			if backoff.Wait(ctx) != nil {
				return
			}
			continue
		}
		backoff.Reset()

		// newest template wins, an undelivered older one is superseded
		select {
		case <-d.templates:
		default:
		}
		select {
		case d.templates <- tpl:
		case <-ctx.Done():
			return
		}
	}
}

func (d *Dispatcher) loop(ctx context.Context) error {
	ticker := time.NewTicker(d.opts.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case tpl := <-d.templates:
			d.onTemplate(tpl)
		case r := <-d.results:
			d.onResult(ctx, r)
		case <-ticker.C:
			d.onTick()
		}
		d.updateState()

		if len(d.ActiveWorkers()) == 0 {
			utils.Errorf("DISPATCH", "All workers retired")
			return ErrNoWorkers
		}
	}
}

func (d *Dispatcher) onTemplate(tpl *template.BlockTemplate) {
	current := d.snapshot.Load()
	if current != nil && tpl.Generation <= current.Generation {
		utils.Errorf("DISPATCH", "Ignoring template generation %d, current is %d", tpl.Generation, current.Generation)
		return
	}

	d.snapshot.Store(tpl)
	d.opts.Counters.Template(tpl.Generation)
	if current == nil {
		utils.Logf("DISPATCH", "Received first template, generation %d", tpl.Generation)
	} else {
		utils.Debugf("DISPATCH", "New template, generation %d replaces %d", tpl.Generation, current.Generation)
	}

	var idle []*workerState
	var demands []nonce.Demand
	for _, name := range d.order {
		ws := d.workers[name]
		if ws.retired || ws.outstanding.Load() {
			continue
		}
		idle = append(idle, ws)
		demands = append(demands, ws.spec.Demand())
	}

	assignments := d.partitioner.Partition(tpl.Space(), demands)
	for _, ws := range idle {
		d.send(ws, assignments[ws.spec.Name], tpl)
	}
}

func (d *Dispatcher) onResult(ctx context.Context, r roundReport) {
	ws, ok := d.workers[r.name]
	if !ok || ws.retired {
		return
	}
	if r.epoch != ws.epoch {
		// round abandoned as hung, its replacement is already queued
		utils.Debugf("DISPATCH", "%s: ignoring abandoned round", r.name)
		return
	}
	ws.outstanding.Store(false)

	if r.err != nil {
		if ctx.Err() != nil {
			return
		}
		d.opts.Counters.RoundFaulted(r.name, r.result.Hashes)
		if errors.Is(r.err, backend.ErrBackendUnavailable) {
			d.retire(ws, r.err)
			return
		}
		d.fault(ws, r.err)
		return
	}

	d.opts.Counters.RoundCompleted(r.name, r.result.Hashes)
	ws.observe(r.result.Duration)

	current := d.snapshot.Load()
	if current == nil || r.result.Generation != current.Generation {
		d.opts.Counters.StaleResult()
		if r.result.Found {
			utils.Debugf("DISPATCH", "%s: discarding nonce 0x%016x for stale generation %d", r.name, r.result.Nonce, r.result.Generation)
		}
	} else if r.result.Found {
		d.opts.Counters.Found(r.name)
		d.reporter.Submit(ctx, report.Submission{
			Generation: current.Generation,
			Template:   current,
			Nonce:      r.result.Nonce,
			Pow:        r.result.Pow,
			Worker:     r.name,
			FoundAt:    time.Now(),
		})
	}

	d.redispatch(ws)
}

func (d *Dispatcher) onTick() {
	now := time.Now()
	for _, name := range d.order {
		ws := d.workers[name]
		if ws.retired {
			continue
		}

		if d.registry != nil && !d.registry.IsActive(name) {
			d.retire(ws, errors.New("removed from registry"))
			continue
		}

		if ws.outstanding.Load() {
			if timeout := d.timeout(ws); now.Sub(ws.dispatchedAt) > timeout {
				// abandon the round, a late result carries the old epoch
				ws.epoch++
				ws.outstanding.Store(false)
				d.opts.Counters.RoundFaulted(name, 0)
				d.fault(ws, fmt.Errorf("%w: round exceeded %s", backend.ErrWorkerFaulted, timeout))
			}
			continue
		}

		d.redispatch(ws)
	}
}

func (d *Dispatcher) timeout(ws *workerState) time.Duration {
	return max(time.Duration(float64(ws.average)*d.opts.HungFactor), d.opts.MinRoundTimeout)
}

func (ws *workerState) observe(duration time.Duration) {
	if ws.average == 0 {
		ws.average = duration
		return
	}
	ws.average = (ws.average*4 + duration) / 5
}

// fault retries once with a fresh assignment and retires on a second fault within the window.
func (d *Dispatcher) fault(ws *workerState, err error) {
	now := time.Now()
	if !ws.lastFault.IsZero() && now.Sub(ws.lastFault) <= d.opts.RetireWindow {
		d.retire(ws, err)
		return
	}
	ws.lastFault = now
	utils.Noticef("DISPATCH", "%s: %s, retrying", ws.spec.Name, err)
	d.redispatch(ws)
}

func (d *Dispatcher) retire(ws *workerState, err error) {
	d.lock.Lock()
	ws.retired = true
	d.lock.Unlock()

	ws.outstanding.Store(false)
	ws.epoch++
	ws.cancel()

	if d.registry != nil {
		d.registry.Remove(ws.spec)
	}
	d.opts.Counters.Retired(ws.spec.Name)
	utils.Errorf("DISPATCH", "Retiring %s: %s", ws.spec.Name, err)
}

func (d *Dispatcher) redispatch(ws *workerState) {
	if ws.retired || ws.outstanding.Load() {
		return
	}
	tpl := d.snapshot.Load()
	if tpl == nil {
		return
	}
	d.send(ws, d.partitioner.Next(tpl.Space(), ws.spec.Demand()), tpl)
}

func (d *Dispatcher) send(ws *workerState, assignment nonce.Assignment, tpl *template.BlockTemplate) {
	ws.epoch++
	j := job{epoch: ws.epoch, assignment: assignment, template: tpl}

	// the worker goroutine is the only receiver, a queued job can only be one queued
	// behind an abandoned round and is replaced
	select {
	case <-ws.assignments:
	default:
	}
	ws.assignments <- j

	ws.outstanding.Store(true)
	ws.generation = tpl.Generation
	ws.dispatchedAt = time.Now()
}

func (d *Dispatcher) updateState() {
	tpl := d.snapshot.Load()
	if tpl == nil {
		d.state.Store(&Status{State: StateIdle})
		return
	}

	status := Status{State: StateActive, Generation: tpl.Generation}
	for _, name := range d.order {
		ws := d.workers[name]
		if !ws.retired && ws.outstanding.Load() && ws.generation != tpl.Generation {
			if status.State != StateDraining || ws.generation < status.Draining {
				status.State = StateDraining
				status.Draining = ws.generation
			}
		}
	}
	d.state.Store(&status)
}
