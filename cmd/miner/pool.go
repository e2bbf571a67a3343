package main

import (
	"context"
	"fmt"
	"sync"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/client/stratum"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

// pool keeps one stratum session alive, redialing with backoff. It serves as the
// template feed and share submitter for whichever session is current.
type pool struct {
	address string
	opts    stratum.Options
	retry   utils.RetryConfig

	lock    sync.Mutex
	current *stratum.Client
	ready   chan struct{}
}

func newPool(address string, opts stratum.Options, retry utils.RetryConfig) *pool {
	if opts.Sequencer == nil {
		opts.Sequencer = &template.Sequencer{}
	}
	return &pool{
		address: address,
		opts:    opts,
		retry:   retry,
		ready:   make(chan struct{}),
	}
}

func (p *pool) Run(ctx context.Context) error {
	backoff := utils.NewBackoff(p.retry)
	for {
		c, err := stratum.Dial(ctx, p.address, p.opts)
		if err == nil {
			if err = c.Register(); err != nil {
				_ = c.Close()
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			utils.Errorf("STRATUM", "Connection to %s failed: %s", p.address, err)
			if backoff.Wait(ctx) != nil {
				return nil
			}
			continue
		}
		backoff.Reset()

		p.lock.Lock()
		p.current = c
		close(p.ready)
		p.lock.Unlock()

		err = c.Run(ctx)
		p.clear(c)

		if ctx.Err() != nil {
			return nil
		}
		utils.Errorf("STRATUM", "Disconnected: %s", err)
		if backoff.Wait(ctx) != nil {
			return nil
		}
	}
}

func (p *pool) session(ctx context.Context) (*stratum.Client, error) {
	for {
		p.lock.Lock()
		c, ready := p.current, p.ready
		p.lock.Unlock()
		if c != nil {
			return c, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ready:
		}
	}
}

// Next waits across reconnects for the next job.
func (p *pool) Next(ctx context.Context) (*template.BlockTemplate, error) {
	for {
		c, err := p.session(ctx)
		if err != nil {
			return nil, err
		}
		tpl, err := c.Next(ctx)
		if err == nil {
			return tpl, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// session ended, Run is redialing
		p.clear(c)
	}
}

func (p *pool) clear(c *stratum.Client) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.current == c {
		p.current = nil
		p.ready = make(chan struct{})
	}
}

func (p *pool) Submit(ctx context.Context, s report.Submission) error {
	p.lock.Lock()
	c := p.current
	p.lock.Unlock()
	if c == nil {
		return fmt.Errorf("%w: no pool session", client.ErrNodeUnreachable)
	}
	return c.Submit(ctx, s)
}
