package pow

import (
	"encoding/binary"

	"git.gammaspectra.live/P2Pool/kaspa-miner/types"
	"golang.org/x/crypto/sha3"
)

const (
	proofOfWorkDomain = "ProofOfWorkHash"
	heavyHashDomain   = "HeavyHash"
)

// powInitialState is the cSHAKE256 S="ProofOfWorkHash" sponge after absorbing the
// domain prefix block, with the padding for an 80-byte message already applied.
var powInitialState = [25]uint64{
	1242148031264380989, 3008272977830772284, 2188519011337848018, 1992179434288343456, 8876506674959887717,
	5399642050693751366, 1745875063082670864, 8605242046444978844, 17936695144567157056, 3343109343542796272,
	1123092876221303306, 4963925045340115282, 17037383077651887893, 16629644495023626889, 12833675776649114147,
	3784524041015224902, 1082795874807940378, 13952716920571277634, 13411128033953605860, 15060696040649351053,
	9928834659948351306, 5237849264682708699, 12825353012139217522, 6706187291358897596, 196324915476054915,
}

// heavyInitialState is the cSHAKE256 S="HeavyHash" sponge with the padding for a
// 32-byte message already applied.
var heavyInitialState = [25]uint64{
	4239941492252378377, 8746723911537738262, 8796936657246353646, 1272090201925444760, 16654558671554924250,
	8270816933120786537, 13907396207649043898, 6782861118970774626, 9239690602118867528, 11582319943599406348,
	17596056728278508070, 15212962468105129023, 7812475424661425213, 3370482334374859748, 5690099369266491460,
	8596393687355028144, 570094237299545110, 9119540418498120711, 16901969272480492857, 13372017233735502424,
	14372891883993151831, 5171152063242093102, 10573107899694386186, 6096431547456407061, 1592359455985097269,
}

// PowHasher holds PRE_POW_HASH || TIME || 32 zero bytes absorbed; only the nonce is missing.
// It is a value type, safe to copy and share between goroutines.
type PowHasher struct {
	state [25]uint64
}

func NewPowHasher(prePowHash types.Hash, timestamp uint64) PowHasher {
	h := PowHasher{state: powInitialState}
	for i, w := range prePowHash.Words() {
		h.state[i] ^= w
	}
	h.state[4] ^= timestamp
	return h
}

func (h PowHasher) FinalizeWithNonce(nonce uint64) types.Hash {
	h.state[9] ^= nonce
	keccakF1600(&h.state)
	return types.HashFromWords([4]uint64(h.state[:4]))
}

// HeavyHash is the cSHAKE256 S="HeavyHash" digest of a 32-byte input.
func HeavyHash(in types.Hash) types.Hash {
	state := heavyInitialState
	for i, w := range in.Words() {
		state[i] ^= w
	}
	keccakF1600(&state)
	return types.HashFromWords([4]uint64(state[:4]))
}

func referenceShake(domain string, data ...[]byte) (result types.Hash) {
	hasher := sha3.NewCShake256(nil, []byte(domain))
	for _, d := range data {
		_, _ = hasher.Write(d)
	}
	_, _ = hasher.Read(result[:])
	return result
}

// ReferencePowHash computes the proof of work pre-hash through the generic cSHAKE256 implementation.
func ReferencePowHash(prePowHash types.Hash, timestamp, nonce uint64) types.Hash {
	var ts, n [8]byte
	var padding [32]byte
	binary.LittleEndian.PutUint64(ts[:], timestamp)
	binary.LittleEndian.PutUint64(n[:], nonce)
	return referenceShake(proofOfWorkDomain, prePowHash[:], ts[:], padding[:], n[:])
}

// ReferenceHeavyHash computes HeavyHash through the generic cSHAKE256 implementation.
func ReferenceHeavyHash(in types.Hash) types.Hash {
	return referenceShake(heavyHashDomain, in[:])
}
