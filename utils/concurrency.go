package utils

import (
	"context"
	"runtime"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

var GOMAXPROCS = min(runtime.GOMAXPROCS(0), runtime.NumCPU())

// SplitWork distributes workSize indices over routines goroutines. Work stops at the first error or when ctx ends.
// A non-positive routines count is subtracted from GOMAXPROCS, so -1 leaves one core free.
func SplitWork(ctx context.Context, routines int, workSize uint64, do func(workIndex uint64, routineIndex int) error, init func(routines, routineIndex int) error) error {
	if routines <= 0 {
		routines = max(GOMAXPROCS+routines, 1)
	}

	if workSize < uint64(routines) {
		routines = max(int(workSize), 1)
	}

	for routineIndex := 0; routineIndex < routines; routineIndex++ {
		if init == nil {
			break
		}
		if err := init(routines, routineIndex); err != nil {
			return err
		}
	}

	if routines == 1 {
		// do not spawn goroutines if we have a single worker
		for workIndex := uint64(0); workIndex < workSize; workIndex++ {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := do(workIndex, 0); err != nil {
				return err
			}
		}
		return nil
	}

	var counter atomic.Uint64

	eg, ctx := errgroup.WithContext(ctx)

	for routineIndex := 0; routineIndex < routines; routineIndex++ {
		eg.Go(func() error {
			for {
				if err := ctx.Err(); err != nil {
					return err
				}

				workIndex := counter.Add(1)
				if workIndex > workSize {
					return nil
				}

				if err := do(workIndex-1, routineIndex); err != nil {
					return err
				}
			}
		})
	}
	return eg.Wait()
}
