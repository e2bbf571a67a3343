package nonce

import (
	"crypto/rand"
	"encoding/binary"
	"math"
	"sync/atomic"

	"golang.org/x/crypto/blake2b"
)

const DefaultBaseWorkload = 1 << 16

// Space is the part of the nonce space a template leaves to the miner: effective
// nonces are (n & Mask) | Fixed.
type Space struct {
	Generation uint64
	Mask       uint64
	Fixed      uint64
}

// FullSpace covers every 64-bit nonce.
func FullSpace(generation uint64) Space {
	return Space{Generation: generation, Mask: math.MaxUint64}
}

// Demand is what the partitioner needs to know about one worker.
type Demand struct {
	Key          string
	Backend      string
	Device       int
	Mode         Mode
	Workload     float64
	WorkloadMode WorkloadMode
	// Ratio is the declared relative performance, zero means 1.
	Ratio float64
}

// Assignment is the slice of nonce space given to one worker for one round.
type Assignment struct {
	Generation uint64
	Mode       Mode
	Start      uint64
	Count      uint64
	Mask       uint64
	Fixed      uint64
	Seed       [4]uint64
}

// Lanes splits a into at most n assignments that together cover its Count nonces, for
// devices that hash one round on several threads. Lean lanes are adjacent ranges, stream
// lanes keep the seed for the first lane and take long jumps of it for the rest.
func (a Assignment) Lanes(n int) []Assignment {
	if n <= 1 || a.Count <= 1 {
		return []Assignment{a}
	}
	if uint64(n) > a.Count {
		n = int(a.Count)
	}

	var jumped [][4]uint64
	if a.Mode == ModeXoshiro {
		jumped = JumpStates(a.Seed, n-1)
	}

	lanes := make([]Assignment, n)
	per, extra := a.Count/uint64(n), a.Count%uint64(n)
	start := a.Start
	for i := range lanes {
		lane := a
		lane.Start = start
		lane.Count = per
		if uint64(i) < extra {
			lane.Count++
		}
		if i > 0 && jumped != nil {
			lane.Seed = jumped[i-1]
		}
		start += lane.Count
		lanes[i] = lane
	}
	return lanes
}

// Sequence walks the Count nonces of an assignment.
type Sequence struct {
	a         Assignment
	i         uint64
	generator *Xoshiro256StarStar
}

func (a Assignment) Sequence() *Sequence {
	s := &Sequence{a: a}
	if a.Mode == ModeXoshiro {
		s.generator = NewXoshiro256StarStar(a.Seed)
	}
	return s
}

// Next returns the next effective nonce, ok is false once Count nonces were returned.
func (s *Sequence) Next() (nonce uint64, ok bool) {
	if s.i >= s.a.Count {
		return 0, false
	}
	if s.generator != nil {
		nonce = s.generator.Uint64()
	} else {
		nonce = s.a.Start + s.i
	}
	s.i++
	return (nonce & s.a.Mask) | s.a.Fixed, true
}

func (s *Sequence) Done() uint64 {
	return s.i
}

type Options struct {
	// BaseWorkload is the round size of a ratio 1 worker; zero means DefaultBaseWorkload.
	BaseWorkload uint64
	// Entropy seeds stream derivation, nil reads from crypto/rand.
	Entropy []byte
	// Start is the initial lean counter, nil reads from crypto/rand.
	Start *uint64
}

// Partitioner hands out non-overlapping Assignments. It is safe for concurrent use.
//
// Lean assignments reserve contiguous blocks from one shared counter, so two blocks
// never intersect before the counter wraps. Stream assignments get a fresh seed per
// call derived from process entropy, so overlap is only as likely as a collision
// between random 256-bit xoshiro states.
type Partitioner struct {
	counter      atomic.Uint64
	round        atomic.Uint64
	entropy      [32]byte
	baseWorkload uint64
}

func NewPartitioner(opts Options) (*Partitioner, error) {
	p := &Partitioner{
		baseWorkload: opts.BaseWorkload,
	}
	if p.baseWorkload == 0 {
		p.baseWorkload = DefaultBaseWorkload
	}

	if opts.Entropy != nil {
		p.entropy = blake2b.Sum256(opts.Entropy)
	} else if _, err := rand.Read(p.entropy[:]); err != nil {
		return nil, err
	}

	if opts.Start != nil {
		p.counter.Store(*opts.Start)
	} else {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return nil, err
		}
		p.counter.Store(binary.LittleEndian.Uint64(buf[:]))
	}
	return p, nil
}

func (p *Partitioner) BaseWorkload() uint64 {
	return p.baseWorkload
}

// Count is the number of nonces a round of d covers, never less than one.
func (p *Partitioner) Count(d Demand) uint64 {
	var count float64
	switch d.WorkloadMode {
	case WorkloadAbsolute:
		count = d.Workload
	default:
		ratio := d.Ratio
		if ratio <= 0 {
			ratio = 1
		}
		count = float64(p.baseWorkload) * d.Workload * ratio
	}
	count = math.Round(count)
	if !(count >= 1) {
		return 1
	}
	if count >= math.MaxUint64 {
		return math.MaxUint64
	}
	return uint64(count)
}

// Next returns a fresh assignment for one worker.
func (p *Partitioner) Next(space Space, d Demand) Assignment {
	a := Assignment{
		Generation: space.Generation,
		Mode:       d.Mode,
		Count:      p.Count(d),
		Mask:       space.Mask,
		Fixed:      space.Fixed,
	}
	switch d.Mode {
	case ModeXoshiro:
		a.Seed = p.seed(d)
	default:
		a.Start = p.counter.Add(a.Count) - a.Count
	}
	return a
}

// Partition assigns every active worker its share of space, keyed by Demand.Key.
func (p *Partitioner) Partition(space Space, active []Demand) map[string]Assignment {
	assignments := make(map[string]Assignment, len(active))
	for _, d := range active {
		assignments[d.Key] = p.Next(space, d)
	}
	return assignments
}

func (p *Partitioner) seed(d Demand) (seed [4]uint64) {
	hasher, _ := blake2b.New256(nil)
	var buf [8]byte
	_, _ = hasher.Write(p.entropy[:])
	_, _ = hasher.Write([]byte(d.Backend))
	_, _ = hasher.Write([]byte{0})
	binary.LittleEndian.PutUint64(buf[:], uint64(d.Device))
	_, _ = hasher.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], p.round.Add(1))
	_, _ = hasher.Write(buf[:])

	sum := hasher.Sum(nil)
	for i := range seed {
		seed[i] = binary.LittleEndian.Uint64(sum[i*8:])
	}
	if seed == [4]uint64{} {
		seed[0] = 1
	}
	return seed
}
