// Package stats keeps the mining counters and exposes them to logs, Prometheus, HTTP and Redis.
package stats

import (
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
)

type workerCounters struct {
	hashes    atomic.Uint64
	completed atomic.Uint64
	faulted   atomic.Uint64
	found     atomic.Uint64
	retired   atomic.Bool
}

// Counters is safe for concurrent use. Worker entries are created on first use.
type Counters struct {
	start time.Time

	lock    sync.RWMutex
	workers map[string]*workerCounters

	staleResults   atomic.Uint64
	retiredWorkers atomic.Uint64
	templates      atomic.Uint64
	generation     atomic.Uint64

	lastResult atomic.Pointer[report.Result]
	results    atomic.Pointer[report.Stats]
}

func NewCounters() *Counters {
	return &Counters{
		start:   time.Now(),
		workers: make(map[string]*workerCounters),
	}
}

func (c *Counters) worker(name string) *workerCounters {
	c.lock.RLock()
	w, ok := c.workers[name]
	c.lock.RUnlock()
	if ok {
		return w
	}

	c.lock.Lock()
	defer c.lock.Unlock()
	if w, ok = c.workers[name]; !ok {
		w = &workerCounters{}
		c.workers[name] = w
	}
	return w
}

// RoundCompleted records a finished round, hashes count whether or not it was stale.
func (c *Counters) RoundCompleted(worker string, hashes uint64) {
	w := c.worker(worker)
	w.hashes.Add(hashes)
	w.completed.Add(1)
}

func (c *Counters) RoundFaulted(worker string, hashes uint64) {
	w := c.worker(worker)
	w.hashes.Add(hashes)
	w.faulted.Add(1)
}

func (c *Counters) Found(worker string) {
	c.worker(worker).found.Add(1)
}

func (c *Counters) Retired(worker string) {
	if c.worker(worker).retired.CompareAndSwap(false, true) {
		c.retiredWorkers.Add(1)
	}
}

func (c *Counters) StaleResult() {
	c.staleResults.Add(1)
}

func (c *Counters) Template(generation uint64) {
	c.templates.Add(1)
	c.generation.Store(generation)
}

// Submission records the reporter outcome, it matches report.Options.OnResult.
func (c *Counters) Submission(result report.Result) {
	c.lastResult.Store(&result)
}

func (c *Counters) SetReportStats(s report.Stats) {
	c.results.Store(&s)
}

type WorkerSnapshot struct {
	Name            string `json:"name"`
	Hashes          uint64 `json:"hashes"`
	RoundsCompleted uint64 `json:"rounds_completed"`
	RoundsFaulted   uint64 `json:"rounds_faulted"`
	Found           uint64 `json:"found"`
	Retired         bool   `json:"retired"`
}

type Snapshot struct {
	Timestamp      time.Time        `json:"timestamp"`
	Uptime         time.Duration    `json:"uptime"`
	Generation     uint64           `json:"generation"`
	Templates      uint64           `json:"templates"`
	StaleResults   uint64           `json:"stale_results"`
	RetiredWorkers uint64           `json:"retired_workers"`
	Hashes         uint64           `json:"hashes"`
	Found          uint64           `json:"found"`
	Workers        []WorkerSnapshot `json:"workers"`
	Reports        *report.Stats    `json:"reports,omitempty"`
	LastSubmission *report.Result   `json:"last_submission,omitempty"`
}

// Snapshot copies every counter, workers sorted by name.
func (c *Counters) Snapshot() Snapshot {
	now := time.Now()
	s := Snapshot{
		Timestamp:      now,
		Uptime:         now.Sub(c.start),
		Generation:     c.generation.Load(),
		Templates:      c.templates.Load(),
		StaleResults:   c.staleResults.Load(),
		RetiredWorkers: c.retiredWorkers.Load(),
		Reports:        c.results.Load(),
		LastSubmission: c.lastResult.Load(),
	}

	c.lock.RLock()
	s.Workers = make([]WorkerSnapshot, 0, len(c.workers))
	for name, w := range c.workers {
		ws := WorkerSnapshot{
			Name:            name,
			Hashes:          w.hashes.Load(),
			RoundsCompleted: w.completed.Load(),
			RoundsFaulted:   w.faulted.Load(),
			Found:           w.found.Load(),
			Retired:         w.retired.Load(),
		}
		s.Hashes += ws.Hashes
		s.Found += ws.Found
		s.Workers = append(s.Workers, ws)
	}
	c.lock.RUnlock()

	slices.SortFunc(s.Workers, func(a, b WorkerSnapshot) int {
		return strings.Compare(a.Name, b.Name)
	})
	return s
}

func (s Snapshot) Worker(name string) (WorkerSnapshot, bool) {
	i, ok := slices.BinarySearchFunc(s.Workers, name, func(w WorkerSnapshot, name string) int {
		return strings.Compare(w.Name, name)
	})
	if !ok {
		return WorkerSnapshot{}, false
	}
	return s.Workers[i], true
}

func (s Snapshot) RoundsCompleted() (n uint64) {
	for _, w := range s.Workers {
		n += w.RoundsCompleted
	}
	return n
}

func (s Snapshot) RoundsFaulted() (n uint64) {
	for _, w := range s.Workers {
		n += w.RoundsFaulted
	}
	return n
}
