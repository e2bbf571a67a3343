package template

import (
	"encoding/json"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/nonce"
	"git.gammaspectra.live/P2Pool/kaspa-miner/pow"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

// BlockTemplate is one unit of work. It is never modified after the Sequencer stamps it.
type BlockTemplate struct {
	Generation uint64

	PrePowHash types.Hash
	Timestamp  uint64
	Target     types.Uint256

	NonceMask  uint64
	NonceFixed uint64

	// JobId is set for pool jobs.
	JobId string
	// Header is set for node templates.
	Header       *pow.BlockHeader
	Transactions []json.RawMessage

	PayAddress string
	ReceivedAt time.Time

	state *pow.State
}

// NewFromBlock prepares a full node template, the whole nonce space is free.
func NewFromBlock(block *pow.Block, payAddress string) (*BlockTemplate, error) {
	tpl, err := NewFromHeader(&block.Header, payAddress)
	if err != nil {
		return nil, err
	}
	tpl.Transactions = block.Transactions
	return tpl, nil
}

func NewFromHeader(header *pow.BlockHeader, payAddress string) (*BlockTemplate, error) {
	state, err := pow.NewStateFromHeader(header)
	if err != nil {
		return nil, err
	}
	return &BlockTemplate{
		PrePowHash: state.PrePowHash,
		Timestamp:  state.Timestamp,
		Target:     state.Target,
		NonceMask:  ^uint64(0),
		Header:     header,
		PayAddress: payAddress,
		ReceivedAt: time.Now(),
		state:      state,
	}, nil
}

// NewPartial prepares a pool job whose nonces are restricted to (n & mask) | fixed.
func NewPartial(jobId string, prePowHash types.Hash, timestamp uint64, target types.Uint256, mask, fixed uint64) (*BlockTemplate, error) {
	state, err := pow.NewState(prePowHash, timestamp, target)
	if err != nil {
		return nil, err
	}
	return &BlockTemplate{
		PrePowHash: prePowHash,
		Timestamp:  timestamp,
		Target:     target,
		NonceMask:  mask,
		NonceFixed: fixed,
		JobId:      jobId,
		ReceivedAt: time.Now(),
		state:      state,
	}, nil
}

// State holds the matrix and hasher shared read only by every worker.
func (t *BlockTemplate) State() *pow.State {
	return t.state
}

func (t *BlockTemplate) Space() nonce.Space {
	return nonce.Space{
		Generation: t.Generation,
		Mask:       t.NonceMask,
		Fixed:      t.NonceFixed,
	}
}

func (t *BlockTemplate) IsPartial() bool {
	return t.Header == nil
}

// Identity is the content that makes two templates the same work.
type Identity struct {
	JobId      string
	PrePowHash types.Hash
	Timestamp  uint64
	Target     types.Uint256
	NonceFixed uint64
}

func (t *BlockTemplate) Identity() Identity {
	return Identity{
		JobId:      t.JobId,
		PrePowHash: t.PrePowHash,
		Timestamp:  t.Timestamp,
		Target:     t.Target,
		NonceFixed: t.NonceFixed,
	}
}

// SolvedBlock returns a copy of the block carrying nonce, nil for pool jobs.
func (t *BlockTemplate) SolvedBlock(nonce uint64) *pow.Block {
	if t.Header == nil {
		return nil
	}
	block := &pow.Block{
		Header:       *t.Header,
		Transactions: t.Transactions,
	}
	block.Header.Nonce = nonce
	return block
}
