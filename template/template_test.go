package template

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"git.gammaspectra.live/P2Pool/kaspa-miner/pow"
	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
)

func testHeader() *pow.BlockHeader {
	zero := types.ZeroHash.String()
	return &pow.BlockHeader{
		Version:              1,
		Parents:              []pow.BlockLevelParents{{ParentHashes: []string{zero}}},
		HashMerkleRoot:       zero,
		AcceptedIdMerkleRoot: zero,
		UtxoCommitment:       zero,
		Timestamp:            1700000000000,
		Bits:                 0x1e7fffff,
		Nonce:                99,
		DaaScore:             1,
		BlueWork:             "1",
		BlueScore:            1,
		PruningPoint:         zero,
	}
}

func testPartial(t *testing.T, seed uint64) *BlockTemplate {
	tpl, err := NewPartial("job", types.HashFromWords([4]uint64{seed, seed, seed, seed}), seed, types.MaxUint256, ^uint64(0), 0)
	if err != nil {
		t.Fatal(err)
	}
	return tpl
}

func TestNewFromHeader(t *testing.T) {
	t.Parallel()
	header := testHeader()
	tpl, err := NewFromHeader(header, "kaspa:test")
	if err != nil {
		t.Fatal(err)
	}
	if tpl.NonceMask != ^uint64(0) || tpl.NonceFixed != 0 {
		t.Errorf("full template must cover the whole nonce space")
	}
	if tpl.Target != types.Uint256FromCompact(header.Bits) {
		t.Errorf("unexpected target %s", tpl.Target)
	}
	if tpl.IsPartial() {
		t.Errorf("expected full template")
	}
	prePow, _ := header.PrePowHash()
	if tpl.PrePowHash != prePow || tpl.State().PrePowHash != prePow {
		t.Errorf("pre pow hash mismatch")
	}

	solved := tpl.SolvedBlock(12345)
	if solved.Header.Nonce != 12345 || header.Nonce != 99 {
		t.Errorf("solved header must be a copy")
	}

	block := &pow.Block{Header: *header, Transactions: []json.RawMessage{json.RawMessage(`{"version":0}`)}}
	fromBlock, err := NewFromBlock(block, "kaspa:test")
	if err != nil {
		t.Fatal(err)
	}
	if solved = fromBlock.SolvedBlock(1); len(solved.Transactions) != 1 || solved.Header.Nonce != 1 {
		t.Errorf("solved block must carry the template transactions")
	}

	header.HashMerkleRoot = "00"
	if _, err = NewFromHeader(header, ""); err == nil {
		t.Errorf("expected error on malformed header")
	}
}

func TestNewPartial(t *testing.T) {
	t.Parallel()
	tpl, err := NewPartial("job", types.HashFromWords([4]uint64{1, 2, 3, 4}), 10, types.MaxUint256, 0xffffffff, 0xab<<32)
	if err != nil {
		t.Fatal(err)
	}
	if !tpl.IsPartial() || tpl.SolvedBlock(1) != nil {
		t.Errorf("expected partial template")
	}
	space := tpl.Space()
	if space.Mask != 0xffffffff || space.Fixed != 0xab<<32 {
		t.Errorf("unexpected space %+v", space)
	}

	if _, err = NewPartial("job", types.ZeroHash, 10, types.MaxUint256, 0xffffffff, 0); !errors.Is(err, pow.ErrZeroSeed) {
		t.Errorf("expected %v, got %v", pow.ErrZeroSeed, err)
	}
}

func TestSequencer(t *testing.T) {
	t.Parallel()
	var seq Sequencer
	tpl := testPartial(t, 1)

	var wg sync.WaitGroup
	results := make(chan uint64, 100)
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- seq.Stamp(tpl).Generation
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uint64]struct{})
	for g := range results {
		if g == 0 || g > 100 {
			t.Fatalf("generation %d out of range", g)
		}
		seen[g] = struct{}{}
	}
	if len(seen) != 100 {
		t.Errorf("expected 100 distinct generations, got %d", len(seen))
	}
	if tpl.Generation != 0 {
		t.Errorf("stamp must not modify its input")
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	var seq Sequencer
	s := NewSnapshot()
	if s.Load() != nil || s.Generation() != 0 || s.IsCurrent(0) {
		t.Fatalf("expected empty snapshot")
	}

	changed := s.Changed()
	first := seq.Stamp(testPartial(t, 2))
	if prev := s.Store(first); prev != nil {
		t.Errorf("expected no previous template")
	}
	select {
	case <-changed:
	case <-time.After(time.Second):
		t.Fatalf("store did not signal change")
	}

	second := seq.Stamp(first)
	changed = s.Changed()
	if prev := s.Store(second); prev != first {
		t.Errorf("expected previous template to be returned")
	}
	<-changed
	if !s.IsCurrent(second.Generation) || s.IsCurrent(first.Generation) {
		t.Errorf("generation %d must be current", second.Generation)
	}
}
