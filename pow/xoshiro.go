package pow

import (
	"math/bits"

	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

// xoshiro256PlusPlus seeds the matrix generator.
type xoshiro256PlusPlus struct {
	s0, s1, s2, s3 uint64
}

func newXoshiro256PlusPlus(seed types.Hash) *xoshiro256PlusPlus {
	w := seed.Words()
	return &xoshiro256PlusPlus{s0: w[0], s1: w[1], s2: w[2], s3: w[3]}
}

func (x *xoshiro256PlusPlus) Uint64() uint64 {
	res := x.s0 + bits.RotateLeft64(x.s0+x.s3, 23)
	t := x.s1 << 17
	x.s2 ^= x.s0
	x.s3 ^= x.s1
	x.s1 ^= x.s2
	x.s0 ^= x.s3

	x.s2 ^= t
	x.s3 = bits.RotateLeft64(x.s3, 45)

	return res
}
