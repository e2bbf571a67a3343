package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/pow"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var cmdBench = &cobra.Command{
	Use:   "bench",
	Short: "Measure the CPU heavyhash rate",
	Args:  cobra.NoArgs,
	RunE:  runBench,
}

var flagBench struct {
	Threads  int
	Nonces   uint64
	Duration time.Duration
}

func init() {
	cmdBench.Flags().IntVarP(&flagBench.Threads, "threads", "t", 0, "Threads to hash on, 0 means all cores")
	cmdBench.Flags().Uint64Var(&flagBench.Nonces, "nonces", 1<<14, "Nonces per work unit")
	cmdBench.Flags().DurationVar(&flagBench.Duration, "duration", 10*time.Second, "How long to hash")
	cmdMain.AddCommand(cmdBench)
}

func runBench(cmd *cobra.Command, _ []string) error {
	var prePow types.Hash
	if _, err := rand.Read(prePow[:]); err != nil {
		return err
	}
	state, err := pow.NewState(prePow, uint64(time.Now().UnixMilli()), types.Uint256{})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, flagBench.Duration)
	defer cancel()

	threads := flagBench.Threads
	if threads <= 0 {
		threads = utils.GOMAXPROCS
	}

	var hashes atomic.Uint64
	// the work count only bounds the run; the timeout ends it first
	const work = 1 << 32

	start := time.Now()
	err = utils.SplitWork(ctx, threads, work, func(workIndex uint64, _ int) error {
		first := workIndex * flagBench.Nonces
		for n := first; n < first+flagBench.Nonces; n++ {
			state.CalculatePoW(n)
		}
		hashes.Add(flagBench.Nonces)
		return nil
	}, nil)
	elapsed := time.Since(start)
	if err != nil && ctx.Err() == nil {
		return err
	}

	total := hashes.Load()
	rate := float64(total) / elapsed.Seconds()

	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	_, _ = bold.Fprintf(out, "%d threads, %d hashes in %s\n", threads, total, elapsed.Truncate(time.Millisecond))
	_, _ = green.Fprintf(out, "%s\n", utils.HashRate(rate))
	_, _ = fmt.Fprintf(out, "%s per thread\n", utils.HashRate(rate/float64(threads)))
	return nil
}
