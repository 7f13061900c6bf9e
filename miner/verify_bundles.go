package miner

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-producer/core"
)

var (
	ErrBundleTxNotFound   = errors.New("tx from included bundle not found")
	ErrBundleTxReverted   = errors.New("tx from included bundle reverted")
	ErrBundleTxWrongPlace = errors.New("tx from included bundle is in wrong place")
)

// BundleAtomicityError locates the transaction of a committed bundle that is
// not laid out atomically in the block. It unwraps to one of
// ErrBundleTxNotFound, ErrBundleTxReverted or ErrBundleTxWrongPlace.
type BundleAtomicityError struct {
	Reason     error
	BundleHash common.Hash
	TxHash     common.Hash
	TxIndex    int // index in the bundle
	BlockIndex int // index in the block, -1 when missing
	Expected   int // expected index in the block
}

func (e *BundleAtomicityError) Error() string {
	return fmt.Sprintf("%v tx_hash=%s, bundle_hash=%s, tx_bundle_index=%d, tx_block_index=%d, expected_block_index=%d",
		e.Reason, e.TxHash.Hex(), e.BundleHash.Hex(), e.TxIndex, e.BlockIndex, e.Expected)
}

func (e *BundleAtomicityError) Unwrap() error {
	return e.Reason
}

// VerifyBundlesAtomicity checks the committed bundles against the assembled
// block. Every transaction of a bundle is present, the bundle occupies a
// contiguous run of the block in bundle order, runs follow the commit order
// of the bundles and only transactions listed as reverting may have a failed
// receipt.
func VerifyBundlesAtomicity(txs types.Transactions, receipts types.Receipts, committed []core.SimulatedBundle) error {
	position := make(map[common.Hash]int, len(txs))
	for i, tx := range txs {
		position[tx.Hash()] = i
	}

	next := 0
	for _, sim := range committed {
		bundle := &sim.OriginalBundle
		for i, tx := range bundle.Txs {
			fault := &BundleAtomicityError{
				BundleHash: bundle.Hash,
				TxHash:     tx.Hash(),
				TxIndex:    i,
				BlockIndex: -1,
				Expected:   next,
			}
			idx, ok := position[tx.Hash()]
			if !ok {
				fault.Reason = ErrBundleTxNotFound
				return fault
			}
			fault.BlockIndex = idx
			// the first tx may start after ordinary txs, the rest are adjacent
			if idx < next || (i > 0 && idx != next) {
				fault.Reason = ErrBundleTxWrongPlace
				return fault
			}
			if receipts[idx].Status == types.ReceiptStatusFailed && !bundle.RevertingHash(tx.Hash()) {
				fault.Reason = ErrBundleTxReverted
				return fault
			}
			next = idx + 1
		}
	}
	return nil
}
