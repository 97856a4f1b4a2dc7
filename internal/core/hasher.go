package core

import (
	"CDPLedger/internal/ledger"
	"crypto/sha256"
	"encoding/binary"
	"sort"
)

const GenesisHashSeed = "CDPLedger:genesis:v1"

// StateHasher chains state hashes across committed commands
type StateHasher struct {
	prevHash [32]byte
}

// NewStateHasher initializes with genesis hash
func NewStateHasher() *StateHasher {
	return &StateHasher{
		prevHash: GenesisHash(),
	}
}

// GenesisHash is the chain tip before the first command.
func GenesisHash() [32]byte {
	return sha256.Sum256([]byte(GenesisHashSeed))
}

// ComputeHash calculates state_hash[N] = SHA-256(prev_hash || sequence || state_digest)
// and advances the chain tip.
func (h *StateHasher) ComputeHash(sequence int64, stateDigest []byte) [32]byte {
	hash := ChainHash(h.prevHash, sequence, stateDigest)
	h.prevHash = hash
	return hash
}

// ChainHash is ComputeHash without the side effect, for verifiers.
func ChainHash(prev [32]byte, sequence int64, stateDigest []byte) [32]byte {
	hasher := sha256.New()

	hasher.Write(prev[:])

	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], uint64(sequence))
	hasher.Write(seqBuf[:])

	hasher.Write(stateDigest)

	var hash [32]byte
	copy(hash[:], hasher.Sum(nil))
	return hash
}

// GetPrevHash returns current chain tip
func (h *StateHasher) GetPrevHash() [32]byte {
	return h.prevHash
}

// SetPrevHash moves the chain tip, used on restore.
func (h *StateHasher) SetPrevHash(hash [32]byte) {
	h.prevHash = hash
}

// StateDigest serializes every account a batch touched, sorted by path,
// with its balance after the batch:
//
//	len(path) u16 LE || path || balance 32 bytes big-endian
func StateDigest(batch *ledger.Batch, balanceOf func(ledger.AccountKey) [32]byte) []byte {
	if batch == nil {
		return nil
	}

	affected := make(map[ledger.AccountKey]struct{})
	for _, j := range batch.Journals {
		affected[j.DebitAccount] = struct{}{}
		affected[j.CreditAccount] = struct{}{}
	}

	paths := make([]string, 0, len(affected))
	byPath := make(map[string]ledger.AccountKey, len(affected))
	for key := range affected {
		p := key.AccountPath()
		paths = append(paths, p)
		byPath[p] = key
	}
	sort.Strings(paths)

	digest := make([]byte, 0, len(paths)*96)
	for _, p := range paths {
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(p)))
		digest = append(digest, lenBuf[:]...)
		digest = append(digest, p...)

		balance := balanceOf(byPath[p])
		digest = append(digest, balance[:]...)
	}
	return digest
}
