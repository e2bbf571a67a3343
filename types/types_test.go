package types

import (
	"math/big"
	"testing"
)

func TestHashWords(t *testing.T) {
	h := MustHashFromString("0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20")
	words := h.Words()
	if words[0] != 0x0807060504030201 {
		t.Errorf("expected little endian first word, got %016x", words[0])
	}
	if HashFromWords(words) != h {
		t.Errorf("round trip through words changed hash")
	}
}

func TestUint256FromCompact(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		name     string
		compact  uint32
		expected Uint256
	}{
		{
			name:     "diff1",
			compact:  0x1d00ffff,
			expected: Uint256{0, 0, 0, 0x00000000ffff0000},
		},
		{
			name:     "small-exponent",
			compact:  0x03123456,
			expected: Uint256{0x123456, 0, 0, 0},
		},
		{
			name:     "tiny-exponent",
			compact:  0x02123456,
			expected: Uint256{0x1234, 0, 0, 0},
		},
		{
			name:     "negative",
			compact:  0x04923456,
			expected: Uint256{},
		},
		{
			name:     "mainnet-bits",
			compact:  0x28cb3d7e,
			expected: Uint256{0, 0, 0, 0}.add(0xcb3d7e, 8*(0x28-3)),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if actual := Uint256FromCompact(tc.compact); actual != tc.expected {
				t.Errorf("expected %s, got %s", tc.expected, actual)
			}
		})
	}
}

// add is a test helper that builds v << shift through math/big.
func (u Uint256) add(v uint64, shift uint) Uint256 {
	b := new(big.Int).Lsh(new(big.Int).SetUint64(v), shift)
	b.Add(b, u.Big())
	r, err := Uint256FromBig(b)
	if err != nil {
		panic(err)
	}
	return r
}

func TestUint256_Cmp(t *testing.T) {
	a := Uint256{5, 0, 0, 1}
	b := Uint256{^uint64(0), ^uint64(0), ^uint64(0), 0}

	if a.Cmp(b) != 1 || b.Cmp(a) != -1 || a.Cmp(a) != 0 {
		t.Errorf("unexpected ordering between %s and %s", a, b)
	}
	if !b.LessOrEqual(a) || !a.LessOrEqual(a) || a.LessOrEqual(b) {
		t.Errorf("LessOrEqual does not match Cmp")
	}
}

func TestUint256_Big(t *testing.T) {
	u := Uint256{1, 2, 3, 4}
	v, err := Uint256FromBig(u.Big())
	if err != nil {
		t.Fatal(err)
	}
	if v != u {
		t.Errorf("expected %s, got %s", u, v)
	}

	if _, err = Uint256FromBig(new(big.Int).Lsh(big.NewInt(1), 256)); err == nil {
		t.Errorf("expected overflow error")
	}
}

func TestTargetFromPoolDifficulty(t *testing.T) {
	target, err := TargetFromPoolDifficulty(1)
	if err != nil {
		t.Fatal(err)
	}
	if target != (Uint256{0, 0, 0, 0x00000000ffff0000}) {
		t.Errorf("expected diff1 target, got %s", target)
	}

	target, err = TargetFromPoolDifficulty(4)
	if err != nil {
		t.Fatal(err)
	}
	if target != (Uint256{0, 0, 0, 0x000000003fffc000}) {
		t.Errorf("expected diff1 / 4, got %s", target)
	}

	if _, err = TargetFromPoolDifficulty(0); err == nil {
		t.Errorf("expected error for zero difficulty")
	}
}

func TestDifficultyFromTarget(t *testing.T) {
	if d := DifficultyFromTarget(Uint256{0, 0, 0, 1 << 62}); !d.Equals(DifficultyFrom64(1)) {
		t.Errorf("expected difficulty 1, got %s", d)
	}
	if d := DifficultyFromTarget(Uint256{}); !d.Equals(MaxDifficulty) {
		t.Errorf("expected max difficulty for zero target, got %s", d)
	}
}
