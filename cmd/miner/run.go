package main

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/backend"
	"git.gammaspectra.live/P2Pool/kaspa-miner/backend/cpu"
	"git.gammaspectra.live/P2Pool/kaspa-miner/client/kaspad"
	"git.gammaspectra.live/P2Pool/kaspa-miner/client/stratum"
	"git.gammaspectra.live/P2Pool/kaspa-miner/client/zmq"
	"git.gammaspectra.live/P2Pool/kaspa-miner/config"
	"git.gammaspectra.live/P2Pool/kaspa-miner/devfund"
	"git.gammaspectra.live/P2Pool/kaspa-miner/dispatch"
	"git.gammaspectra.live/P2Pool/kaspa-miner/feed"
	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"git.gammaspectra.live/P2Pool/kaspa-miner/report"
	"git.gammaspectra.live/P2Pool/kaspa-miner/stats"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Mine on kaspad or a stratum pool",
	Args:  cobra.NoArgs,
	RunE:  runMiner,
}

func init() {
	config.Flags(cmdRun.Flags())
	cmdMain.AddCommand(cmdRun)
}

var reconnectRetry = utils.RetryConfig{
	MaxRetries:     -1,
	InitialBackoff: time.Second,
	MaxBackoff:     30 * time.Second,
	BackoffFactor:  2,
}

func setupLogging(c *config.Config) (io.Closer, error) {
	level, err := utils.ParseLogLevel(c.LogLevel)
	if err != nil {
		return nil, err
	}
	if c.Debug {
		level |= utils.LogLevelDebug
	}
	utils.GlobalLogLevel = level

	if c.LogFile == "" {
		return io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(c.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	utils.LogFile = true
	utils.SetLogOutput(io.MultiWriter(os.Stdout, f))
	return f, nil
}

// serveStats runs the stats api until ctx ends. A failing listener is logged and mining
// goes on without it.
func serveStats(ctx context.Context, server *stats.Server, address string) {
	if err := server.ListenAndServe(ctx, address); err != nil {
		utils.Errorf("STATS", "Stats server on %s stopped: %s", address, err)
	}
}

func runMiner(cmd *cobra.Command, _ []string) error {
	c, err := config.Load(cmd.Flags())
	if err != nil {
		utils.Fatalf("CONFIG", "%s", err)
	}
	logFile, err := setupLogging(c)
	if err != nil {
		utils.Fatalf("CONFIG", "%s", err)
	}
	defer logFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	policy, err := c.Devfund()
	if err != nil {
		return err
	}
	if policy.Enabled() {
		utils.Logf("MINER", "devfund enabled, mining %s of the time to devfund address: %s", policy, policy.Address)
	} else {
		utils.Logf("MINER", "devfund disabled, %s is on another network than %s", c.MiningAddress, policy.Address)
	}
	counter := devfund.NewCounter()

	nonceMode, err := c.NonceMode()
	if err != nil {
		return err
	}

	registry := backend.NewRegistry()
	if err = registry.Register(cpu.New(cpu.Options{
		Threads:      c.Threads,
		Affinity:     c.Affinity,
		Lanes:        c.Lanes,
		Workload:     c.Workload,
		WorkloadMode: c.WorkloadMode(),
		NonceGen:     nonceMode,
	})); err != nil {
		return err
	}
	registry.Whitelist(c.Backends...)

	discoveries, err := registry.Discover(ctx)
	if err != nil {
		return err
	}
	for _, d := range discoveries {
		if d.Err != nil {
			utils.Errorf("MINER", "Backend %s: %s", d.Backend, d.Err)
		}
	}
	workers := registry.InstantiateAll(discoveries)
	if len(workers) == 0 {
		return dispatch.ErrNoWorkers
	}
	utils.Logf("MINER", "Mining with %d workers", len(workers))

	partitioner, err := nonce.NewPartitioner(nonce.Options{})
	if err != nil {
		return err
	}

	counters := stats.NewCounters()
	eg, ctx := errgroup.WithContext(ctx)

	var templates feed.Feed
	var submitter report.Submitter
	if c.Stratum != "" {
		p := newPool(c.Stratum, stratum.Options{
			MinerAddress: c.MiningAddress,
			Devfund:      policy,
			Counter:      counter,
			Agent:        "kaspa-miner/" + version(),
		}, reconnectRetry)
		templates, submitter = p, p
		eg.Go(func() error {
			return p.Run(ctx)
		})
	} else {
		node, err := kaspad.NewClient(c.NodeAddresses())
		if err != nil {
			return err
		}
		utils.Logf("MINER", "Connecting to kaspad at %s", node.CurrentEndpoint())

		nodeFeed := feed.NewNodeFeed(node, feed.Options{
			MinerAddress:      c.MiningAddress,
			ExtraData:         "kaspa-miner/" + version(),
			Devfund:           policy,
			Counter:           counter,
			PollInterval:      c.PollInterval,
			MineWhenNotSynced: c.MineWhenNotSynced,
			Retry:             feed.DefaultOptions.Retry,
			DedupeSize:        feed.DefaultOptions.DedupeSize,
		})
		templates, submitter = nodeFeed, node

		if c.Zmq != "" {
			notifications := zmq.NewClient(c.Zmq)
			eg.Go(func() error {
				defer notifications.Close()
				if err := notifications.Run(ctx, zmq.NotifyListeners(nodeFeed.Notify), reconnectRetry); !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		}
	}

	var sink *stats.RedisSink
	if c.Redis != "" {
		sink = stats.NewRedisSink(stats.NewRedisClient(c.Redis), c.RedisPrefix, counters, 0)
		eg.Go(func() error {
			defer sink.Close()
			return sink.Run(ctx, c.StatsInterval)
		})
	}

	var reporter *report.Reporter
	reporter = report.New(submitter, report.Options{
		OnResult: func(result report.Result) {
			counters.Submission(result)
			counters.SetReportStats(reporter.Stats())
			if sink != nil {
				sink.Submission(result)
			}
		},
	})
	eg.Go(func() error {
		return reporter.Run(ctx)
	})

	dispatcher, err := dispatch.New(templates, registry, partitioner, reporter, workers, dispatch.Options{
		HungFactor:      c.HungFactor,
		MinRoundTimeout: c.MinRoundTimeout,
		RetireWindow:    c.RetireWindow,
		Counters:        counters,
	})
	if err != nil {
		return err
	}
	eg.Go(func() error {
		return dispatcher.Run(ctx)
	})

	eg.Go(func() error {
		stats.LogHashRate(ctx, counters, c.StatsInterval)
		return nil
	})

	if c.StatsListen != "" {
		server := stats.NewServer(counters, stats.NewRegistry(counters))
		eg.Go(func() error {
			serveStats(ctx, server, c.StatsListen)
			return nil
		})
	}

	if err = eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	utils.Logf("MINER", "Stopped")
	return nil
}
