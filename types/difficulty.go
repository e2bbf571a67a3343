package types

import (
	"math"
	"math/big"
	"strconv"

	fasthex "github.com/tmthrgd/go-hex"
	"lukechampine.com/uint128"
)

const DifficultySize = 16

var ZeroDifficulty = Difficulty(uint128.Zero)
var MaxDifficulty = Difficulty(uint128.Max)

// Difficulty is the 128-bit ratio between the easiest allowed target and a given target.
type Difficulty uint128.Uint128

// maxTarget is the easiest possible target, 2^255 - 1.
var maxTarget = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(1))

// DifficultyFromTarget computes maxTarget / target, saturating at MaxDifficulty.
func DifficultyFromTarget(target Uint256) Difficulty {
	if target.IsZero() {
		return MaxDifficulty
	}
	q := new(big.Int).Quo(maxTarget, target.Big())
	if q.BitLen() > 128 {
		return MaxDifficulty
	}
	return Difficulty(uint128.FromBig(q))
}

func NewDifficulty(lo, hi uint64) Difficulty {
	return Difficulty{Lo: lo, Hi: hi}
}

func DifficultyFrom64(v uint64) Difficulty {
	return NewDifficulty(v, 0)
}

func (d Difficulty) IsZero() bool {
	return uint128.Uint128(d).IsZero()
}

func (d Difficulty) Equals(v Difficulty) bool {
	return uint128.Uint128(d).Equals(uint128.Uint128(v))
}

func (d Difficulty) Cmp(v Difficulty) int {
	if d == v {
		return 0
	} else if d.Hi < v.Hi || (d.Hi == v.Hi && d.Lo < v.Lo) {
		return -1
	} else {
		return 1
	}
}

func (d Difficulty) Add(v Difficulty) Difficulty {
	return Difficulty(uint128.Uint128(d).AddWrap(uint128.Uint128(v)))
}

func (d Difficulty) Add64(v uint64) Difficulty {
	return Difficulty(uint128.Uint128(d).AddWrap64(v))
}

func (d Difficulty) Div64(v uint64) Difficulty {
	return Difficulty(uint128.Uint128(d).Div64(v))
}

func (d Difficulty) Big() *big.Int {
	return uint128.Uint128(d).Big()
}

func (d Difficulty) Float64() float64 {
	return float64(d.Lo) + float64(d.Hi)*(float64(math.MaxUint64)+1)
}

func (d Difficulty) PutBytesBE(b []byte) {
	uint128.Uint128(d).PutBytesBE(b)
}

func (d Difficulty) MarshalJSON() ([]byte, error) {
	if d.Hi == 0 {
		return []byte(strconv.FormatUint(d.Lo, 10)), nil
	}

	var encodeBuf [DifficultySize]byte
	d.PutBytesBE(encodeBuf[:])

	var buf [DifficultySize*2 + 2]byte
	buf[0] = '"'
	buf[DifficultySize*2+1] = '"'
	fasthex.Encode(buf[1:], encodeBuf[:])
	return buf[:], nil
}

func (d Difficulty) String() string {
	return uint128.Uint128(d).String()
}

// poolDiff1 is the stratum difficulty 1 target, 0xffff * 2^208.
var poolDiff1 = new(big.Float).SetInt(new(big.Int).Lsh(big.NewInt(0xffff), 208))

// TargetFromPoolDifficulty converts a stratum share difficulty into a 256-bit target, DIFF1 / difficulty.
func TargetFromPoolDifficulty(difficulty float64) (Uint256, error) {
	if difficulty <= 0 || math.IsNaN(difficulty) || math.IsInf(difficulty, 0) {
		return Uint256{}, ErrTargetOverflow
	}
	q := new(big.Float).SetPrec(256).Quo(poolDiff1, big.NewFloat(difficulty))
	target, _ := q.Int(nil)
	return Uint256FromBig(target)
}
