package utils

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
)

func TestSplitWork(t *testing.T) {
	t.Parallel()

	for _, routines := range []int{1, 2, 7, 0} {
		const workSize = 1000
		var seen [workSize]atomic.Uint32
		var sum atomic.Uint64

		err := SplitWork(context.Background(), routines, workSize, func(workIndex uint64, routineIndex int) error {
			seen[workIndex].Add(1)
			sum.Add(workIndex)
			return nil
		}, nil)
		if err != nil {
			t.Fatalf("routines %d: expected no error, got %s", routines, err)
		}

		for i := range seen {
			if n := seen[i].Load(); n != 1 {
				t.Fatalf("routines %d: index %d processed %d times", routines, i, n)
			}
		}
		if sum.Load() != workSize*(workSize-1)/2 {
			t.Errorf("routines %d: unexpected sum %d", routines, sum.Load())
		}
	}
}

func TestSplitWork_Error(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("stop")
	err := SplitWork(context.Background(), 4, 1<<20, func(workIndex uint64, routineIndex int) error {
		if workIndex == 100 {
			return sentinel
		}
		return nil
	}, nil)
	if !errors.Is(err, sentinel) {
		t.Errorf("expected %s, got %v", sentinel, err)
	}
}
