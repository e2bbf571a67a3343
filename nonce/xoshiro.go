package nonce

import "math/bits"

var longJumpPolynomial = [4]uint64{0x76e15d3efefdcbbf, 0xc5004e441c522fb3, 0x77710069854ee241, 0x39109bb02acbe635}

// Xoshiro256StarStar is the nonce stream generator used by independent-stream partitioning.
// A zero state only ever produces zeros.
type Xoshiro256StarStar struct {
	state [4]uint64
}

func NewXoshiro256StarStar(seed [4]uint64) *Xoshiro256StarStar {
	return &Xoshiro256StarStar{state: seed}
}

func (x *Xoshiro256StarStar) State() [4]uint64 {
	return x.state
}

func (x *Xoshiro256StarStar) Uint64() uint64 {
	s := &x.state
	result := bits.RotateLeft64(s[1]*5, 7) * 9
	t := s[1] << 17

	s[2] ^= s[0]
	s[3] ^= s[1]
	s[1] ^= s[2]
	s[0] ^= s[3]

	s[2] ^= t
	s[3] = bits.RotateLeft64(s[3], 45)

	return result
}

// LongJump advances the stream by 2^192 outputs.
func (x *Xoshiro256StarStar) LongJump() {
	var s [4]uint64
	for _, word := range longJumpPolynomial {
		for b := 0; b < 64; b++ {
			if word&(1<<b) != 0 {
				s[0] ^= x.state[0]
				s[1] ^= x.state[1]
				s[2] ^= x.state[2]
				s[3] ^= x.state[3]
			}
			x.Uint64()
		}
	}
	x.state = s
}

// JumpStates returns n sub-stream states of seed, each one long jump after the previous.
// The seed state itself is not included.
func JumpStates(seed [4]uint64, n int) [][4]uint64 {
	states := make([][4]uint64, 0, n)
	x := NewXoshiro256StarStar(seed)
	for range n {
		x.LongJump()
		states = append(states, x.state)
	}
	return states
}
