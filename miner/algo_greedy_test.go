package miner

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-producer/core"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func testSimBundle(hash byte, score int64, senders map[common.Address]core.NonceRange, touched ...common.Address) core.SimulatedBundle {
	return core.SimulatedBundle{
		OriginalBundle: core.MevBundle{Hash: common.BytesToHash([]byte{hash})},
		Score:          big.NewInt(score),
		Success:        true,
		Senders:        senders,
		Touched:        touched,
	}
}

func selectedHashes(bundles []core.SimulatedBundle) []common.Hash {
	hashes := make([]common.Hash, len(bundles))
	for i, b := range bundles {
		hashes[i] = b.OriginalBundle.Hash
	}
	return hashes
}

func TestSelectBundlesConflictingNonce(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	low := testSimBundle(1, 50, map[common.Address]core.NonceRange{sender: {Min: 0, Max: 0}})
	high := testSimBundle(2, 80, map[common.Address]core.NonceRange{sender: {Min: 0, Max: 0}})

	for _, order := range [][]core.SimulatedBundle{{low, high}, {high, low}} {
		selected := selectBundles(order, 2, false)
		require.Equal(t, []common.Hash{high.OriginalBundle.Hash}, selectedHashes(selected))
	}
}

func TestSelectBundlesOrder(t *testing.T) {
	a, b, c := common.HexToAddress("0xa"), common.HexToAddress("0xb"), common.HexToAddress("0xc")
	bundles := []core.SimulatedBundle{
		testSimBundle(3, 10, map[common.Address]core.NonceRange{a: {Min: 0, Max: 0}}),
		testSimBundle(2, 30, map[common.Address]core.NonceRange{b: {Min: 0, Max: 1}}),
		testSimBundle(1, 10, map[common.Address]core.NonceRange{c: {Min: 0, Max: 0}}),
	}
	failed := testSimBundle(4, 1000, map[common.Address]core.NonceRange{common.HexToAddress("0xd"): {Min: 0, Max: 0}})
	failed.Success = false
	bundles = append(bundles, failed)

	selected := selectBundles(bundles, 10, false)
	// descending score, equal scores by ascending hash
	require.Equal(t, []common.Hash{
		common.BytesToHash([]byte{2}),
		common.BytesToHash([]byte{1}),
		common.BytesToHash([]byte{3}),
	}, selectedHashes(selected))

	require.Len(t, selectBundles(bundles, 2, false), 2)
	require.Empty(t, selectBundles(bundles, 0, false))
}

func TestSelectBundlesNonceRanges(t *testing.T) {
	sender := common.HexToAddress("0xaa")
	first := testSimBundle(1, 50, map[common.Address]core.NonceRange{sender: {Min: 0, Max: 1}})
	disjoint := testSimBundle(2, 40, map[common.Address]core.NonceRange{sender: {Min: 2, Max: 3}})
	overlapping := testSimBundle(3, 30, map[common.Address]core.NonceRange{sender: {Min: 1, Max: 2}})

	selected := selectBundles([]core.SimulatedBundle{first, disjoint, overlapping}, 3, false)
	require.Equal(t, []common.Hash{first.OriginalBundle.Hash, disjoint.OriginalBundle.Hash}, selectedHashes(selected))
}

func TestSelectBundlesStrict(t *testing.T) {
	target := common.HexToAddress("0xfe")
	a := testSimBundle(1, 50, map[common.Address]core.NonceRange{common.HexToAddress("0xa"): {Min: 0, Max: 0}}, common.HexToAddress("0xa"), target)
	b := testSimBundle(2, 40, map[common.Address]core.NonceRange{common.HexToAddress("0xb"): {Min: 0, Max: 0}}, common.HexToAddress("0xb"), target)

	require.Len(t, selectBundles([]core.SimulatedBundle{a, b}, 2, false), 2)
	require.Equal(t, []common.Hash{a.OriginalBundle.Hash}, selectedHashes(selectBundles([]core.SimulatedBundle{a, b}, 2, true)))
}

func TestSelectBundlesProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 12).Draw(t, "bundles")
		maxMerge := rapid.IntRange(0, 6).Draw(t, "maxMerge")
		strict := rapid.Bool().Draw(t, "strict")

		bundles := make([]core.SimulatedBundle, n)
		for i := range bundles {
			sender := common.BytesToAddress([]byte{rapid.Byte().Draw(t, "sender") % 4})
			from := rapid.Uint64Range(0, 3).Draw(t, "nonce")
			b := testSimBundle(byte(i+1), rapid.Int64Range(-10, 100).Draw(t, "score"),
				map[common.Address]core.NonceRange{sender: {Min: from, Max: from + rapid.Uint64Range(0, 2).Draw(t, "span")}},
				sender, common.BytesToAddress([]byte{0xf0 + rapid.Byte().Draw(t, "touched")%4}))
			b.Success = rapid.Bool().Draw(t, "success")
			bundles[i] = b
		}

		selected := selectBundles(bundles, maxMerge, strict)
		if len(selected) > maxMerge {
			t.Fatalf("selected %d bundles, ceiling %d", len(selected), maxMerge)
		}
		tracker := newConflictTracker(strict)
		for i := range selected {
			b := &selected[i]
			if !b.Success {
				t.Fatalf("failed bundle %s selected", b.OriginalBundle.Hash)
			}
			if tracker.conflicts(b) {
				t.Fatalf("conflicting bundle %s selected", b.OriginalBundle.Hash)
			}
			tracker.add(b)
			if i > 0 {
				prev := selected[i-1]
				c := prev.Score.Cmp(b.Score)
				if c < 0 || (c == 0 && bytes.Compare(prev.OriginalBundle.Hash[:], b.OriginalBundle.Hash[:]) > 0) {
					t.Fatalf("selection out of order at %d", i)
				}
			}
		}
	})
}

func TestSelectBundlesRevertSafety(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	env := newTestEnvironment(chain, signers.addresses[0], GasLimit, big.NewInt(1))

	// the reverting bundle pays the most but is never selected
	reverting := core.NewMevBundle(types.Transactions{
		signers.signTx(1, 21000, big.NewInt(0), big.NewInt(1), signers.addresses[0], big.NewInt(1_000_000), nil),
		signers.signTx(1, 21000, big.NewInt(0), big.NewInt(1), revertAddress, big.NewInt(0), nil),
	}, 1, 0, 0, nil)
	paying := core.NewMevBundle(types.Transactions{
		signers.signTx(2, 21000, big.NewInt(0), big.NewInt(1), signers.addresses[0], big.NewInt(10), nil),
	}, 1, 0, 0, nil)

	selector := NewBundleSelector(NewBundleSimulator(chData.executor, nil, ""), false)
	selected, err := selector.SelectBundles(context.Background(), newTestSimEnv(env), []core.MevBundle{reverting, paying}, 2)
	require.NoError(t, err)
	require.Equal(t, []common.Hash{paying.Hash}, selectedHashes(selected))

	selected, err = selector.SelectBundles(context.Background(), newTestSimEnv(env), []core.MevBundle{reverting, paying}, 0)
	require.NoError(t, err)
	require.Empty(t, selected)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = selector.SelectBundles(ctx, newTestSimEnv(env), []core.MevBundle{reverting, paying}, 2)
	require.ErrorIs(t, err, context.Canceled)
}
