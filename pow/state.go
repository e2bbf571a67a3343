package pow

import (
	"encoding/binary"

	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

// State is everything needed to evaluate nonces against one template. It is read only after
// construction and shared by all workers mining that template.
type State struct {
	PrePowHash types.Hash
	Timestamp  uint64
	Target     types.Uint256

	matrix *Matrix
	hasher PowHasher
}

func NewState(prePowHash types.Hash, timestamp uint64, target types.Uint256) (*State, error) {
	matrix, err := GenerateMatrix(prePowHash)
	if err != nil {
		return nil, err
	}
	return &State{
		PrePowHash: prePowHash,
		Timestamp:  timestamp,
		Target:     target,
		matrix:     matrix,
		hasher:     NewPowHasher(prePowHash, timestamp),
	}, nil
}

// NewStateFromHeader derives the pre-pow hash and target from a full node header.
func NewStateFromHeader(header *BlockHeader) (*State, error) {
	prePowHash, err := header.PrePowHash()
	if err != nil {
		return nil, err
	}
	return NewState(prePowHash, uint64(header.Timestamp), header.Target())
}

func (s *State) Matrix() *Matrix {
	return s.matrix
}

// CalculatePoW returns the heavy hash for nonce as a little endian integer.
func (s *State) CalculatePoW(nonce uint64) types.Uint256 {
	return types.Uint256FromHash(s.matrix.HeavyHash(s.hasher.FinalizeWithNonce(nonce)))
}

// CheckPoW reports whether nonce meets the target.
func (s *State) CheckPoW(nonce uint64) (types.Uint256, bool) {
	pow := s.CalculatePoW(nonce)
	return pow, pow.LessOrEqual(s.Target)
}

// PowHashHeader is PRE_POW_HASH || TIME || 32 zero bytes, the constant prefix an accelerator
// hashes together with each nonce.
func (s *State) PowHashHeader() (buf [72]byte) {
	copy(buf[:], s.PrePowHash[:])
	binary.LittleEndian.PutUint64(buf[32:], s.Timestamp)
	return buf
}
