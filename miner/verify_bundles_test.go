package miner

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-producer/core"
	"github.com/stretchr/testify/require"
)

type atomicityFixture struct {
	c1, c2, c3     *types.Transaction // ordinary
	b11, b12, b13  *types.Transaction // first bundle
	b21, b22       *types.Transaction // second bundle
	first, second  core.SimulatedBundle
	firstReverting core.SimulatedBundle
}

func newAtomicityFixture() *atomicityFixture {
	txs := make([]*types.Transaction, 8)
	for i := range txs {
		txs[i] = types.NewTx(&types.LegacyTx{Nonce: uint64(i), Gas: 21000, To: &common.Address{byte(i)}})
	}
	f := &atomicityFixture{
		c1: txs[0], c2: txs[1], c3: txs[2],
		b11: txs[3], b12: txs[4], b13: txs[5],
		b21: txs[6], b22: txs[7],
	}
	f.first = core.SimulatedBundle{OriginalBundle: core.NewMevBundle(types.Transactions{f.b11, f.b12, f.b13}, 1, 0, 0, nil)}
	f.second = core.SimulatedBundle{OriginalBundle: core.NewMevBundle(types.Transactions{f.b21, f.b22}, 1, 0, 0, nil)}
	f.firstReverting = core.SimulatedBundle{OriginalBundle: core.NewMevBundle(types.Transactions{f.b11, f.b12, f.b13}, 1, 0, 0, []common.Hash{f.b12.Hash()})}
	return f
}

// receiptsFor returns successful receipts for txs except the failed ones.
func receiptsFor(txs types.Transactions, failed ...*types.Transaction) types.Receipts {
	receipts := make(types.Receipts, len(txs))
	for i, tx := range txs {
		receipts[i] = &types.Receipt{TxHash: tx.Hash(), Status: types.ReceiptStatusSuccessful}
		for _, f := range failed {
			if f.Hash() == tx.Hash() {
				receipts[i].Status = types.ReceiptStatusFailed
			}
		}
	}
	return receipts
}

func TestVerifyBundlesAtomicity(t *testing.T) {
	f := newAtomicityFixture()

	tests := []struct {
		name      string
		block     types.Transactions
		failed    []*types.Transaction
		committed []core.SimulatedBundle
		err       error
	}{
		{
			name:  "no bundles",
			block: types.Transactions{f.c1, f.c2},
		},
		{
			name:      "bundle at the top of the block",
			block:     types.Transactions{f.b11, f.b12, f.b13, f.c1},
			failed:    []*types.Transaction{f.c1},
			committed: []core.SimulatedBundle{f.first},
		},
		{
			name:      "bundle after ordinary txs",
			block:     types.Transactions{f.c1, f.c2, f.b11, f.b12, f.b13, f.c3},
			committed: []core.SimulatedBundle{f.first},
		},
		{
			name:      "two bundles in commit order",
			block:     types.Transactions{f.b11, f.b12, f.b13, f.b21, f.b22, f.c1},
			committed: []core.SimulatedBundle{f.first, f.second},
		},
		{
			name:      "bundles out of commit order",
			block:     types.Transactions{f.b21, f.b22, f.b11, f.b12, f.b13},
			committed: []core.SimulatedBundle{f.first, f.second},
			err:       ErrBundleTxWrongPlace,
		},
		{
			name:      "ordinary tx inside a bundle",
			block:     types.Transactions{f.b11, f.c1, f.b12, f.b13},
			committed: []core.SimulatedBundle{f.first},
			err:       ErrBundleTxWrongPlace,
		},
		{
			name:      "bundle txs swapped",
			block:     types.Transactions{f.b12, f.b11, f.b13},
			committed: []core.SimulatedBundle{f.first},
			err:       ErrBundleTxWrongPlace,
		},
		{
			name:      "bundle tx missing",
			block:     types.Transactions{f.b11, f.b12, f.c1},
			committed: []core.SimulatedBundle{f.first},
			err:       ErrBundleTxNotFound,
		},
		{
			name:      "bundle tx reverted",
			block:     types.Transactions{f.b11, f.b12, f.b13},
			failed:    []*types.Transaction{f.b12},
			committed: []core.SimulatedBundle{f.first},
			err:       ErrBundleTxReverted,
		},
		{
			name:      "bundle tx allowed to revert",
			block:     types.Transactions{f.b11, f.b12, f.b13},
			failed:    []*types.Transaction{f.b12},
			committed: []core.SimulatedBundle{f.firstReverting},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyBundlesAtomicity(tt.block, receiptsFor(tt.block, tt.failed...), tt.committed)
			if tt.err == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.err)
		})
	}
}

func TestBundleAtomicityErrorDetails(t *testing.T) {
	f := newAtomicityFixture()

	block := types.Transactions{f.b11, f.c1, f.b12, f.b13}
	err := VerifyBundlesAtomicity(block, receiptsFor(block), []core.SimulatedBundle{f.first})
	var fault *BundleAtomicityError
	require.True(t, errors.As(err, &fault))
	require.Equal(t, f.first.OriginalBundle.Hash, fault.BundleHash)
	require.Equal(t, f.b12.Hash(), fault.TxHash)
	require.Equal(t, 1, fault.TxIndex)
	require.Equal(t, 2, fault.BlockIndex)
	require.Equal(t, 1, fault.Expected)

	block = types.Transactions{f.b11}
	err = VerifyBundlesAtomicity(block, receiptsFor(block), []core.SimulatedBundle{f.first})
	require.True(t, errors.As(err, &fault))
	require.Equal(t, -1, fault.BlockIndex)
	require.Equal(t, f.b12.Hash(), fault.TxHash)
	require.Contains(t, err.Error(), "not found")
}
