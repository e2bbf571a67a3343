package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"math/bits"
)

// Uint256 is a 256-bit unsigned integer stored as little endian 64-bit words.
// Heavy hash outputs and targets are both compared in this form.
type Uint256 [4]uint64

var MaxUint256 = Uint256{^uint64(0), ^uint64(0), ^uint64(0), ^uint64(0)}

var ErrTargetOverflow = errors.New("target does not fit in 256 bits")

// Uint256FromHash interprets h as a little endian integer.
func Uint256FromHash(h Hash) Uint256 {
	return Uint256(h.Words())
}

func (u Uint256) Hash() Hash {
	return HashFromWords(u)
}

func (u Uint256) IsZero() bool {
	return u == Uint256{}
}

func (u Uint256) Cmp(v Uint256) int {
	for i := 3; i >= 0; i-- {
		if u[i] < v[i] {
			return -1
		} else if u[i] > v[i] {
			return 1
		}
	}
	return 0
}

// LessOrEqual is the proof of work acceptance check: pow <= target.
func (u Uint256) LessOrEqual(v Uint256) bool {
	return u.Cmp(v) <= 0
}

func (u Uint256) Lsh(n uint) (r Uint256) {
	words, shift := n/64, n%64
	for i := 3; i >= int(words); i-- {
		r[i] = u[i-int(words)] << shift
		if shift > 0 && i-int(words)-1 >= 0 {
			r[i] |= u[i-int(words)-1] >> (64 - shift)
		}
	}
	return r
}

func (u Uint256) LeadingZeros() int {
	for i := 3; i >= 0; i-- {
		if u[i] != 0 {
			return (3-i)*64 + bits.LeadingZeros64(u[i])
		}
	}
	return 256
}

func (u Uint256) Big() *big.Int {
	var buf [32]byte
	for i := 0; i < 4; i++ {
		binary.BigEndian.PutUint64(buf[(3-i)*8:], u[i])
	}
	return new(big.Int).SetBytes(buf[:])
}

func Uint256FromBig(v *big.Int) (u Uint256, err error) {
	if v.Sign() < 0 || v.BitLen() > 256 {
		return u, ErrTargetOverflow
	}
	var buf [32]byte
	v.FillBytes(buf[:])
	for i := 0; i < 4; i++ {
		u[i] = binary.BigEndian.Uint64(buf[(3-i)*8:])
	}
	return u, nil
}

// Uint256FromCompact expands the compact "bits" header encoding into a full target.
func Uint256FromCompact(compact uint32) Uint256 {
	mantissa := uint64(compact & 0x00ffffff)
	exponent := uint(compact >> 24)

	// sign bit set, negative targets are invalid
	if mantissa > 0x7fffff {
		return Uint256{}
	}

	if exponent <= 3 {
		return Uint256{mantissa >> (8 * (3 - exponent)), 0, 0, 0}
	}
	if exponent-3 >= 32 {
		// mantissa shifted entirely out
		return Uint256{}
	}
	return Uint256{mantissa, 0, 0, 0}.Lsh(8 * (exponent - 3))
}

func (u Uint256) String() string {
	return fmt.Sprintf("%016x%016x%016x%016x", u[3], u[2], u[1], u[0])
}

func (u Uint256) MarshalJSON() ([]byte, error) {
	return []byte(`"` + u.String() + `"`), nil
}
