package core

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// MevBundle is an ordered group of transactions that must be included
// back-to-back, all or nothing, in the block at BlockNumber.
type MevBundle struct {
	Txs               types.Transactions
	BlockNumber       uint64
	MinTimestamp      uint64
	MaxTimestamp      uint64
	RevertingTxHashes []common.Hash
	Hash              common.Hash
}

// NewMevBundle builds a bundle and computes its hash.
func NewMevBundle(txs types.Transactions, blockNumber, minTimestamp, maxTimestamp uint64, revertingTxHashes []common.Hash) MevBundle {
	return MevBundle{
		Txs:               txs,
		BlockNumber:       blockNumber,
		MinTimestamp:      minTimestamp,
		MaxTimestamp:      maxTimestamp,
		RevertingTxHashes: revertingTxHashes,
		Hash:              BundleHash(txs),
	}
}

// BundleHash is keccak256 over the concatenated transaction hashes.
func BundleHash(txs types.Transactions) common.Hash {
	bundleHasher := sha3.NewLegacyKeccak256()
	for _, tx := range txs {
		bundleHasher.Write(tx.Hash().Bytes())
	}
	return common.BytesToHash(bundleHasher.Sum(nil))
}

func (b *MevBundle) uniquePayload() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint64(buf, b.BlockNumber)
	buf = append(buf, b.Hash[:]...)
	reverting := make([]common.Hash, len(b.RevertingTxHashes))
	copy(reverting, b.RevertingTxHashes)
	sort.Slice(reverting, func(i, j int) bool {
		return bytes.Compare(reverting[i][:], reverting[j][:]) < 0
	})
	for _, txHash := range reverting {
		buf = append(buf, txHash[:]...)
	}
	return buf
}

// ComputeUUID returns a name based UUID over the target block, the bundle
// hash and the reverting hashes.
func (b *MevBundle) ComputeUUID() uuid.UUID {
	return uuid.NewHash(sha256.New(), uuid.Nil, b.uniquePayload(), 5)
}

func (b *MevBundle) RevertingHash(hash common.Hash) bool {
	for _, revHash := range b.RevertingTxHashes {
		if revHash == hash {
			return true
		}
	}
	return false
}

// ValidAt reports whether timestamp falls inside the bundle window. Zero
// bounds are open.
func (b *MevBundle) ValidAt(timestamp uint64) bool {
	if b.MinTimestamp != 0 && timestamp < b.MinTimestamp {
		return false
	}
	if b.MaxTimestamp != 0 && timestamp > b.MaxTimestamp {
		return false
	}
	return true
}

// NonceRange is the inclusive range of nonces a sender uses inside a bundle.
type NonceRange struct {
	Min uint64
	Max uint64
}

func (r NonceRange) Overlaps(other NonceRange) bool {
	return r.Min <= other.Max && other.Min <= r.Max
}

// SimulatedBundle is a bundle together with the outcome of executing it on
// top of a pending block state.
type SimulatedBundle struct {
	OriginalBundle MevBundle

	TotalGasUsed uint64
	// Score is the signed change of the beneficiary balance.
	Score             *big.Int
	EthSentToCoinbase *big.Int
	GasFees           *big.Int
	MevGasPrice       *big.Int

	Success bool
	Err     error

	Senders map[common.Address]NonceRange
	Touched []common.Address
}

// FailedBundle returns a failed simulation result for bundle.
func FailedBundle(bundle MevBundle, err error) SimulatedBundle {
	return SimulatedBundle{
		OriginalBundle:    bundle,
		Score:             new(big.Int),
		EthSentToCoinbase: new(big.Int),
		GasFees:           new(big.Int),
		MevGasPrice:       new(big.Int),
		Err:               err,
	}
}
