package types

import (
	"encoding/binary"
	"errors"

	"git.gammaspectra.live/P2Pool/kaspa-miner/utils"
	fasthex "github.com/tmthrgd/go-hex"
)

const HashSize = 32

// Hash is a 32-byte digest in its wire byte order.
type Hash [HashSize]byte

var ZeroHash Hash

var ErrHashSize = errors.New("wrong hash size")

func HashFromBytes(buf []byte) (h Hash, err error) {
	if len(buf) != HashSize {
		return ZeroHash, ErrHashSize
	}
	copy(h[:], buf)
	return h, nil
}

func HashFromString(s string) (h Hash, err error) {
	if len(s) != HashSize*2 {
		return ZeroHash, ErrHashSize
	}
	if _, err = fasthex.Decode(h[:], []byte(s)); err != nil {
		return ZeroHash, err
	}
	return h, nil
}

func MustHashFromString(s string) Hash {
	if h, err := HashFromString(s); err != nil {
		panic(err)
	} else {
		return h
	}
}

// HashFromWords builds a hash from four little endian 64-bit words, as sent by stratum pools.
func HashFromWords(words [4]uint64) (h Hash) {
	for i, w := range words {
		binary.LittleEndian.PutUint64(h[i*8:], w)
	}
	return h
}

// Words splits the hash into four little endian 64-bit words.
func (h Hash) Words() (words [4]uint64) {
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(h[i*8:])
	}
	return words
}

func (h Hash) IsZero() bool {
	return h == ZeroHash
}

func (h Hash) String() string {
	return fasthex.EncodeToString(h[:])
}

func (h Hash) MarshalJSON() ([]byte, error) {
	var buf [HashSize*2 + 2]byte
	buf[0] = '"'
	buf[HashSize*2+1] = '"'
	fasthex.Encode(buf[1:], h[:])
	return buf[:], nil
}

func (h *Hash) UnmarshalJSON(b []byte) error {
	var s string
	if err := utils.UnmarshalJSON(b, &s); err != nil {
		return err
	}
	if v, err := HashFromString(s); err != nil {
		return err
	} else {
		*h = v
		return nil
	}
}
