package miner

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/flashbots/mev-producer/core"
	"github.com/stretchr/testify/require"
)

func newTestSimEnv(env *environment) *SimEnv {
	return &SimEnv{Header: env.header, State: env.state, Signer: env.signer}
}

func TestSimulateBundlesIsolation(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	env := newTestEnvironment(chain, signers.addresses[0], GasLimit, big.NewInt(1))
	rootBefore := env.state.IntermediateRoot()

	// both spend nonce 0 of the same sender
	tx1 := signers.signTx(1, 21000, big.NewInt(1), big.NewInt(2), signers.addresses[2], big.NewInt(10), nil)
	signers.nonces[1] = 0
	tx2 := signers.signTx(1, 21000, big.NewInt(3), big.NewInt(4), signers.addresses[3], big.NewInt(10), nil)

	bundles := []core.MevBundle{
		core.NewMevBundle(types.Transactions{tx1}, 1, 0, 0, nil),
		core.NewMevBundle(types.Transactions{tx2}, 1, 0, 0, nil),
	}
	sim := NewBundleSimulator(chData.executor, nil, "")
	result := sim.SimulateBundles(context.Background(), newTestSimEnv(env), bundles)

	require.Len(t, result, 2)
	require.True(t, result[0].Success, result[0].Err)
	require.True(t, result[1].Success, result[1].Err)
	require.Equal(t, bundles[0].Hash, result[0].OriginalBundle.Hash)
	require.Equal(t, big.NewInt(21000), result[0].Score)
	require.Equal(t, big.NewInt(3*21000), result[1].Score)

	require.Equal(t, rootBefore, env.state.IntermediateRoot())
	require.Equal(t, uint64(0), env.state.GetNonce(signers.addresses[1]))
	require.Equal(t, testBalance, env.state.GetBalance(signers.addresses[2]))
}

func TestSimulateBundlesDeterministic(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	env := newTestEnvironment(chain, signers.addresses[0], GasLimit, big.NewInt(1))

	var bundles []core.MevBundle
	for i := 1; i < 6; i++ {
		txs := types.Transactions{
			signers.signTx(i, 21000, big.NewInt(int64(i)), big.NewInt(100), signers.addresses[0], big.NewInt(int64(1000*i)), nil),
			signers.signTx(i, 21000, big.NewInt(1), big.NewInt(100), signers.addresses[9], big.NewInt(1), nil),
		}
		bundles = append(bundles, core.NewMevBundle(txs, 1, 0, 0, nil))
	}

	sim := NewBundleSimulator(chData.executor, nil, "")
	first := sim.SimulateBundles(context.Background(), newTestSimEnv(env), bundles)
	second := sim.SimulateBundles(context.Background(), newTestSimEnv(env), bundles)

	for i := range bundles {
		require.True(t, first[i].Success)
		require.Equal(t, first[i].TotalGasUsed, second[i].TotalGasUsed)
		require.Equal(t, 0, first[i].Score.Cmp(second[i].Score))
		require.Equal(t, first[i].Touched, second[i].Touched)
		require.Equal(t, first[i].Senders, second[i].Senders)
	}
}

func TestSimulateBundleScore(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	coinbase := common.HexToAddress("0xc0ffee")
	env := newTestEnvironment(chain, coinbase, GasLimit, big.NewInt(1))

	// a direct payment scores higher than the same gas paying only tips
	direct := core.NewMevBundle(types.Transactions{
		signers.signTx(1, 21000, big.NewInt(1), big.NewInt(2), coinbase, big.NewInt(100_000), nil),
	}, 1, 0, 0, nil)
	tipOnly := core.NewMevBundle(types.Transactions{
		signers.signTx(2, 21000, big.NewInt(1), big.NewInt(2), signers.addresses[3], big.NewInt(100_000), nil),
	}, 1, 0, 0, nil)

	sim := NewBundleSimulator(chData.executor, nil, "")
	result := sim.SimulateBundles(context.Background(), newTestSimEnv(env), []core.MevBundle{direct, tipOnly})

	require.Equal(t, big.NewInt(100_000+21000), result[0].Score)
	require.Equal(t, big.NewInt(100_000), result[0].EthSentToCoinbase)
	require.Equal(t, big.NewInt(21000), result[0].GasFees)
	require.Equal(t, big.NewInt(21000), result[1].Score)
	require.Equal(t, 0, result[1].EthSentToCoinbase.Sign())
	require.Equal(t, uint64(21000), result[0].TotalGasUsed)
	require.Equal(t, []common.Address{signers.addresses[1]}, result[0].Touched)
}

func TestSimulateBundlesFailures(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	env := newTestEnvironment(chain, signers.addresses[0], GasLimit, big.NewInt(1))

	reverting := signers.signTx(1, 21000, big.NewInt(0), big.NewInt(1), revertAddress, big.NewInt(0), nil)
	signers.nonces[2] = 5
	gapped := signers.signTx(2, 21000, big.NewInt(0), big.NewInt(1), signers.addresses[3], big.NewInt(0), nil)

	bundles := []core.MevBundle{
		core.NewMevBundle(types.Transactions{reverting}, 1, 0, 0, nil),
		core.NewMevBundle(types.Transactions{reverting}, 1, 0, 0, []common.Hash{reverting.Hash()}),
		core.NewMevBundle(types.Transactions{gapped}, 1, 0, 0, nil),
		{BlockNumber: 1},
	}
	sim := NewBundleSimulator(chData.executor, nil, "")
	result := sim.SimulateBundles(context.Background(), newTestSimEnv(env), bundles)

	require.False(t, result[0].Success)
	require.ErrorIs(t, result[0].Err, core.ErrBundleReverted)
	require.True(t, result[1].Success)
	require.Equal(t, uint64(21000), result[1].TotalGasUsed)
	require.False(t, result[2].Success)
	require.ErrorIs(t, result[2].Err, core.ErrNonceTooHigh)
	require.False(t, result[3].Success)
	require.NotNil(t, result[3].Score)
}

func TestSimulateBundlesCache(t *testing.T) {
	chain, chData, signers := genTestSetup(GasLimit)
	env := newTestEnvironment(chain, signers.addresses[0], GasLimit, big.NewInt(1))

	ok := core.NewMevBundle(types.Transactions{
		signers.signTx(1, 21000, big.NewInt(1), big.NewInt(2), signers.addresses[2], big.NewInt(0), nil),
	}, 1, 0, 0, nil)
	failing := core.NewMevBundle(types.Transactions{
		signers.signTx(2, 21000, big.NewInt(0), big.NewInt(1), revertAddress, big.NewInt(0), nil),
	}, 1, 0, 0, nil)

	cache := NewBundleCache(2)
	sim := NewBundleSimulator(chData.executor, cache, "")
	simEnv := newTestSimEnv(env)

	// an interrupted run is not cached
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	result := sim.SimulateBundles(ctx, simEnv, []core.MevBundle{ok, failing})
	require.False(t, result[0].Success)
	require.ErrorIs(t, result[0].Err, context.Canceled)
	entry := cache.GetBundleCache(env.header.Hash())
	_, found := entry.GetSimulatedBundle(ok.Hash)
	require.False(t, found)

	result = sim.SimulateBundles(context.Background(), simEnv, []core.MevBundle{ok, failing})
	require.True(t, result[0].Success)
	require.False(t, result[1].Success)

	cachedOk, found := entry.GetSimulatedBundle(ok.Hash)
	require.True(t, found)
	require.True(t, cachedOk.Success)
	cachedFailing, found := entry.GetSimulatedBundle(failing.Hash)
	require.True(t, found)
	require.False(t, cachedFailing.Success)

	// the cache is keyed by the pending header
	other := types.CopyHeader(env.header)
	other.Time++
	_, found = cache.GetBundleCache(other.Hash()).GetSimulatedBundle(ok.Hash)
	require.False(t, found)
}
