package pow

import (
	"errors"
	"math"

	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

const MatrixSize = 64

const rankEpsilon = 1e-9

// ErrZeroSeed is returned for an all zero pre-pow hash, which seeds a generator that only yields zeros.
var ErrZeroSeed = errors.New("zero matrix seed")

// Matrix is the 64x64 nibble matrix derived from a pre-pow hash.
type Matrix [MatrixSize][MatrixSize]uint16

// GenerateMatrix draws matrices from a generator seeded by prePowHash until one has full rank.
func GenerateMatrix(prePowHash types.Hash) (*Matrix, error) {
	if prePowHash.IsZero() {
		return nil, ErrZeroSeed
	}
	generator := newXoshiro256PlusPlus(prePowHash)
	m := new(Matrix)
	for {
		m.fill(generator)
		if m.Rank() == MatrixSize {
			return m, nil
		}
	}
}

func (m *Matrix) fill(generator *xoshiro256PlusPlus) {
	for i := range m {
		var val uint64
		for j := range m[i] {
			shift := j % 16
			if shift == 0 {
				val = generator.Uint64()
			}
			m[i][j] = uint16((val >> (4 * shift)) & 0x0f)
		}
	}
}

// Rank is computed by Gaussian elimination over float64.
func (m *Matrix) Rank() int {
	var f [MatrixSize][MatrixSize]float64
	for i := range m {
		for j := range m[i] {
			f[i][j] = float64(m[i][j])
		}
	}

	var rank int
	var rowSelected [MatrixSize]bool
	for i := 0; i < MatrixSize; i++ {
		var j int
		for j = 0; j < MatrixSize; j++ {
			if !rowSelected[j] && math.Abs(f[j][i]) > rankEpsilon {
				break
			}
		}
		if j == MatrixSize {
			continue
		}

		rank++
		rowSelected[j] = true
		for p := i + 1; p < MatrixSize; p++ {
			f[j][p] /= f[j][i]
		}
		for k := 0; k < MatrixSize; k++ {
			if k != j && math.Abs(f[k][i]) > rankEpsilon {
				for p := i + 1; p < MatrixSize; p++ {
					f[k][p] -= f[j][p] * f[k][i]
				}
			}
		}
	}
	return rank
}

// HeavyHash multiplies the nibbles of hash by the matrix, folds the product back into hash
// and digests the result.
func (m *Matrix) HeavyHash(hash types.Hash) types.Hash {
	var vec [MatrixSize]uint16
	for i := range vec {
		if i%2 == 0 {
			vec[i] = uint16(hash[i/2] >> 4)
		} else {
			vec[i] = uint16(hash[i/2] & 0x0f)
		}
	}

	var product types.Hash
	for i := range product {
		var sum1, sum2 uint16
		row1, row2 := &m[2*i], &m[2*i+1]
		for j, elem := range vec {
			sum1 += row1[j] * elem
			sum2 += row2[j] * elem
		}
		product[i] = byte((sum1>>10)<<4) | byte(sum2>>10)
		product[i] ^= hash[i]
	}

	return HeavyHash(product)
}
