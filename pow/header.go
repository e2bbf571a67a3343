package pow

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"

	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	fasthex "github.com/tmthrgd/go-hex"
	"golang.org/x/crypto/blake2b"
)

const blockHashDomain = "BlockHash"

var ErrBlueWorkTooLarge = errors.New("blue work does not fit in 256 bits")

type BlockLevelParents struct {
	ParentHashes []string `json:"parentHashes"`
}

// BlockHeader is the node representation of a block header, hashes in hex.
type BlockHeader struct {
	Version              uint16              `json:"version"`
	Parents              []BlockLevelParents `json:"parents"`
	HashMerkleRoot       string              `json:"hashMerkleRoot"`
	AcceptedIdMerkleRoot string              `json:"acceptedIdMerkleRoot"`
	UtxoCommitment       string              `json:"utxoCommitment"`
	Timestamp            int64               `json:"timestamp"`
	Bits                 uint32              `json:"bits"`
	Nonce                uint64              `json:"nonce"`
	DaaScore             uint64              `json:"daaScore"`
	BlueWork             string              `json:"blueWork"`
	BlueScore            uint64              `json:"blueScore"`
	PruningPoint         string              `json:"pruningPoint"`
}

// Target expands the compact Bits field.
func (h *BlockHeader) Target() types.Uint256 {
	return types.Uint256FromCompact(h.Bits)
}

type headerWriter struct {
	w   io.Writer
	buf [types.HashSize]byte
	err error
}

func (w *headerWriter) write(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(b)
}

func (w *headerWriter) u64(v uint64) {
	binary.LittleEndian.PutUint64(w.buf[:8], v)
	w.write(w.buf[:8])
}

func (w *headerWriter) hash(s string) {
	if w.err != nil {
		return
	}
	if len(s) != types.HashSize*2 {
		w.err = fmt.Errorf("hash %q: %w", s, types.ErrHashSize)
		return
	}
	if _, err := fasthex.Decode(w.buf[:], []byte(s)); err != nil {
		w.err = fmt.Errorf("hash %q: %w", s, err)
		return
	}
	w.write(w.buf[:])
}

// Serialize writes the consensus serialization of the header.
// With forPrePow set, timestamp and nonce are written as zero.
func (h *BlockHeader) Serialize(out io.Writer, forPrePow bool) error {
	timestamp, nonce := uint64(h.Timestamp), h.Nonce
	if forPrePow {
		timestamp, nonce = 0, 0
	}

	w := &headerWriter{w: out}

	binary.LittleEndian.PutUint16(w.buf[:2], h.Version)
	w.write(w.buf[:2])

	w.u64(uint64(len(h.Parents)))
	for _, level := range h.Parents {
		w.u64(uint64(len(level.ParentHashes)))
		for _, parent := range level.ParentHashes {
			w.hash(parent)
		}
	}
	w.hash(h.HashMerkleRoot)
	w.hash(h.AcceptedIdMerkleRoot)
	w.hash(h.UtxoCommitment)

	w.u64(timestamp)
	binary.LittleEndian.PutUint32(w.buf[:4], h.Bits)
	w.write(w.buf[:4])
	w.u64(nonce)
	w.u64(h.DaaScore)
	w.u64(h.BlueScore)

	if w.err != nil {
		return w.err
	}

	blueWork := h.BlueWork
	if len(blueWork)%2 != 0 {
		blueWork = "0" + blueWork
	}
	if len(blueWork) > types.HashSize*2 {
		return ErrBlueWorkTooLarge
	}
	blueWorkLen := len(blueWork) / 2
	if _, err := fasthex.Decode(w.buf[:blueWorkLen], []byte(blueWork)); err != nil {
		return fmt.Errorf("blue work %q: %w", h.BlueWork, err)
	}
	w.u64(uint64(blueWorkLen))
	w.write(w.buf[:blueWorkLen])

	w.hash(h.PruningPoint)

	return w.err
}

func newHeaderHasher() hash.Hash {
	hasher, err := blake2b.New(types.HashSize, []byte(blockHashDomain))
	if err != nil {
		// only fails on invalid key or size
		panic(err)
	}
	return hasher
}

func (h *BlockHeader) digest(forPrePow bool) (result types.Hash, err error) {
	hasher := newHeaderHasher()
	if err = h.Serialize(hasher, forPrePow); err != nil {
		return types.ZeroHash, err
	}
	copy(result[:], hasher.Sum(nil))
	return result, nil
}

// PrePowHash is the keyed BLAKE2b-256 of the header with timestamp and nonce zeroed.
func (h *BlockHeader) PrePowHash() (types.Hash, error) {
	return h.digest(true)
}

// BlockHash is the keyed BLAKE2b-256 of the complete header.
func (h *BlockHeader) BlockHash() (types.Hash, error) {
	return h.digest(false)
}

// Block is a node block: the header plus the transactions the miner passes back untouched.
type Block struct {
	Header       BlockHeader       `json:"header"`
	Transactions []json.RawMessage `json:"transactions"`
}
