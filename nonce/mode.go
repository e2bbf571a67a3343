package nonce

import (
	"errors"
	"fmt"
	"strings"
)

// Mode selects how a worker walks its slice of the nonce space.
type Mode uint8

const (
	// ModeLean hands out contiguous ranges from a shared counter.
	ModeLean Mode = iota
	// ModeXoshiro hands out independent xoshiro256** streams.
	ModeXoshiro
)

var ErrUnknownMode = errors.New("unknown mode")

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "lean", "":
		return ModeLean, nil
	case "xoshiro":
		return ModeXoshiro, nil
	}
	return 0, fmt.Errorf("nonce generator %q: %w", s, ErrUnknownMode)
}

func (m Mode) String() string {
	switch m {
	case ModeLean:
		return "lean"
	case ModeXoshiro:
		return "xoshiro"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseMode(string(b))
	return err
}

// WorkloadMode tells how Demand.Workload is read.
type WorkloadMode uint8

const (
	// WorkloadRatio scales the partitioner base workload.
	WorkloadRatio WorkloadMode = iota
	// WorkloadAbsolute is a nonce count per round.
	WorkloadAbsolute
)

func ParseWorkloadMode(s string) (WorkloadMode, error) {
	switch strings.ToLower(s) {
	case "ratio", "":
		return WorkloadRatio, nil
	case "absolute":
		return WorkloadAbsolute, nil
	}
	return 0, fmt.Errorf("workload mode %q: %w", s, ErrUnknownMode)
}

func (m WorkloadMode) String() string {
	switch m {
	case WorkloadRatio:
		return "ratio"
	case WorkloadAbsolute:
		return "absolute"
	}
	return fmt.Sprintf("WorkloadMode(%d)", uint8(m))
}

func (m WorkloadMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

func (m *WorkloadMode) UnmarshalText(b []byte) (err error) {
	*m, err = ParseWorkloadMode(string(b))
	return err
}
