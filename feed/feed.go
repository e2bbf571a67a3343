// Package feed produces block templates for the dispatcher, each newer than the last one handed out.
package feed

import (
	"context"
	"errors"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/client"
	"git.gammaspectra.live/P2Pool/kaspa-miner/client/kaspad"
	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/template"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
)

// Feed blocks until a template newer than the previous one is available.
// Templates carry strictly increasing generations.
type Feed interface {
	Next(ctx context.Context) (*template.BlockTemplate, error)
}

type NodeClient interface {
	GetBlockTemplate(ctx context.Context, payAddress, extraData string) (*kaspad.GetBlockTemplateResult, error)
}

type Options struct {
	MinerAddress string
	ExtraData    string

	Devfund devfund.Policy
	Counter *devfund.Counter

	PollInterval      time.Duration
	MineWhenNotSynced bool
	Retry             utils.RetryConfig
	// DedupeSize is how many recent templates are remembered so a flapping node
	// does not hand out the same work twice.
	DedupeSize int
}

var DefaultOptions = Options{
	PollInterval: time.Second,
	Retry:        utils.DefaultRetryConfig,
	DedupeSize:   16,
}

type NodeFeed struct {
	node NodeClient
	opts Options

	sequencer template.Sequencer
	seen      utils.Cache[template.Identity, struct{}]
	backoff   *utils.Backoff
	notify    chan struct{}

	notSynced bool
}

func NewNodeFeed(node NodeClient, opts Options) *NodeFeed {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions.PollInterval
	}
	if opts.Retry == (utils.RetryConfig{}) {
		opts.Retry = DefaultOptions.Retry
	}
	if opts.Counter == nil {
		opts.Counter = devfund.NewCounter()
	}

	f := &NodeFeed{
		node:    node,
		opts:    opts,
		backoff: utils.NewBackoff(opts.Retry),
		notify:  make(chan struct{}, 1),
	}
	if opts.DedupeSize > 0 {
		f.seen = utils.NewLRUCache[template.Identity, struct{}](opts.DedupeSize)
	} else {
		f.seen = utils.NewNilCache[template.Identity, struct{}]()
	}
	return f
}

// Notify requests an immediate refetch, for block-added notifications. It never blocks.
func (f *NodeFeed) Notify() {
	select {
	case f.notify <- struct{}{}:
	default:
	}
}

// Next is not safe for concurrent use.
func (f *NodeFeed) Next(ctx context.Context) (*template.BlockTemplate, error) {
	ticker := time.NewTicker(f.opts.PollInterval)
	defer ticker.Stop()

	for {
		tpl, err := f.fetch(ctx)
		if err == nil && tpl != nil {
			return tpl, nil
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, client.ErrNodeUnreachable) {
				utils.Errorf("FEED", "Node unreachable: %s", err)
				if err = f.backoff.Wait(ctx); err != nil {
					return nil, err
				}
				continue
			}
			if !errors.Is(err, client.ErrNodeNotSynced) {
				utils.Errorf("FEED", "getBlockTemplate: %s", err)
			}
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		case <-f.notify:
		}
	}
}

// fetch returns nil, nil when the node still serves already delivered work.
func (f *NodeFeed) fetch(ctx context.Context) (*template.BlockTemplate, error) {
	payAddress := f.opts.Devfund.PayAddress(f.opts.MinerAddress, f.opts.Counter.Load())

	result, err := f.node.GetBlockTemplate(ctx, payAddress, f.opts.ExtraData)
	if err != nil && !errors.Is(err, client.ErrNodeNotSynced) {
		return nil, err
	}
	f.backoff.Reset()
	if result == nil || result.Block == nil {
		return nil, errors.New("empty block template")
	}

	if errors.Is(err, client.ErrNodeNotSynced) {
		if !f.notSynced {
			f.notSynced = true
			if f.opts.MineWhenNotSynced {
				utils.Noticef("FEED", "Node is not synced, mining anyway")
			} else {
				utils.Noticef("FEED", "Node is not synced, waiting")
			}
		}
		if !f.opts.MineWhenNotSynced {
			return nil, err
		}
	} else if f.notSynced {
		f.notSynced = false
		utils.Logf("FEED", "Node is synced")
	}

	tpl, err := template.NewFromBlock(result.Block, payAddress)
	if err != nil {
		return nil, err
	}

	identity := tpl.Identity()
	if _, ok := f.seen.Get(identity); ok {
		return nil, nil
	}
	f.seen.Set(identity, struct{}{})

	f.opts.Counter.Advance()
	if payAddress != f.opts.MinerAddress {
		utils.Logf("FEED", "Mining to devfund")
	}
	return f.sequencer.Stamp(tpl), nil
}
