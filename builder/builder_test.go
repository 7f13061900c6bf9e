package builder

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/core/state"
	"github.com/flashbots/mev-producer/miner"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var (
	testChainConfig = params.AllEthashProtocolChanges
	testSigner      = types.LatestSignerForChainID(testChainConfig.ChainID)
	testBeneficiary = common.HexToAddress("0xbe11")
)

type fakeRemote struct {
	mu        sync.Mutex
	summaries []*miner.CycleSummary
}

func (f *fakeRemote) ConsumeCycle(summary *miner.CycleSummary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.summaries = append(f.summaries, summary)
	return nil
}

func (f *fakeRemote) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.summaries)
}

type testSetup struct {
	chain    *core.DevChain
	pool     *core.BundlePool
	minerCfg *miner.Config
	send     func(nonce uint64, value int64) *types.Transaction
}

func newTestSetup(t *testing.T) *testSetup {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)

	chain := core.NewDevChain(testChainConfig, state.GenesisAlloc{
		addr: {Balance: uint256.NewInt(params.Ether)},
	}, 30_000_000, 0)
	return &testSetup{
		chain: chain,
		pool:  core.NewBundlePool(core.DefaultBundlePoolConfig, testSigner, 0),
		minerCfg: &miner.Config{
			Etherbase:        testBeneficiary,
			GasCeil:          30_000_000,
			MaxMergedBundles: 2,
			SlotTime:         200 * time.Millisecond,
			SafetyMargin:     50 * time.Millisecond,
			BundleCacheSize:  3,
		},
		send: func(nonce uint64, value int64) *types.Transaction {
			return types.MustSignNewTx(key, testSigner, &types.DynamicFeeTx{
				ChainID:   testChainConfig.ChainID,
				Nonce:     nonce,
				GasTipCap: new(big.Int),
				GasFeeCap: big.NewInt(2 * params.GWei),
				Gas:       21000,
				To:        &testBeneficiary,
				Value:     big.NewInt(value),
			})
		},
	}
}

func (s *testSetup) newBuilder(remote CycleForwarder, historySize int) *Builder {
	return NewBuilder(BuilderArgs{
		Chain:          s.chain,
		Pool:           s.pool,
		Executor:       core.NewTransferExecutor(testChainConfig),
		MinerConfig:    s.minerCfg,
		Remote:         remote,
		RemoteInterval: 10 * time.Millisecond,
		HistorySize:    historySize,
	})
}

func TestBuilderProducesBlocks(t *testing.T) {
	s := newTestSetup(t)
	payment := s.send(0, 100)
	require.NoError(t, s.pool.AddMevBundle(core.NewMevBundle(types.Transactions{payment}, 1, 0, 0, nil)))

	remote := &fakeRemote{}
	b := s.newBuilder(remote, 0)
	require.NoError(t, b.Start())

	require.Eventually(t, func() bool {
		return s.chain.CurrentHeader().Number.Uint64() >= 3
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, b.Stop())

	block1 := s.chain.GetBlockByNumber(1)
	require.NotNil(t, block1)
	require.Len(t, block1.Transactions(), 1)
	require.Equal(t, payment.Hash(), block1.Transactions()[0].Hash())

	cycle, ok := b.Cycle(1)
	require.True(t, ok)
	require.True(t, cycle.Emitted)
	require.Equal(t, 1, cycle.WinnerBundles)
	require.NotNil(t, cycle.WinnerHash)
	require.Equal(t, block1.Hash(), *cycle.WinnerHash)

	require.Greater(t, remote.count(), 0)

	status := b.Status()
	require.GreaterOrEqual(t, status.HeadNumber, uint64(3))
	require.Equal(t, 0, status.PoolBundles)
	require.GreaterOrEqual(t, status.EmittedBlocks, 3)
}

func TestBuilderFollowsExternalHead(t *testing.T) {
	s := newTestSetup(t)
	s.minerCfg.SlotTime = 3 * time.Second
	s.minerCfg.SafetyMargin = 100 * time.Millisecond
	require.NoError(t, s.pool.AddMevBundle(core.NewMevBundle(types.Transactions{s.send(0, 100)}, 1, 0, 0, nil)))

	b := s.newBuilder(nil, 0)
	require.NoError(t, b.Start())
	defer func() { require.NoError(t, b.Stop()) }()

	// another producer imports block 1 long before the slot ends
	genesis := s.chain.CurrentHeader()
	other := miner.NewCandidateBuilder(s.minerCfg, s.chain, core.NewTransferExecutor(testChainConfig), miner.BasicValidator{})
	res, err := other.Build(context.Background(), genesis, miner.NoBundles{}, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.chain.InsertBlock(res.Block, res.State))
	block1 := s.chain.CurrentHeader()

	require.Eventually(t, func() bool {
		return s.pool.Head() == 1
	}, time.Second, time.Millisecond)
	bundles, _ := s.pool.Stats()
	require.Equal(t, 0, bundles)
	late := core.NewMevBundle(types.Transactions{s.send(0, 200)}, 1, 0, 0, nil)
	require.ErrorIs(t, s.pool.AddMevBundle(late), core.RejectPastTarget)

	// the cycle on genesis is dropped without emitting
	require.Eventually(t, func() bool {
		cycle, ok := b.Cycle(1)
		return ok && !cycle.Emitted
	}, time.Second, time.Millisecond)
	require.Equal(t, block1.Hash(), s.chain.GetBlockByNumber(1).Hash())

	require.Eventually(t, func() bool {
		cycle, ok := b.Cycle(2)
		return ok && cycle.Emitted
	}, 10*time.Second, 10*time.Millisecond)
	cycle, _ := b.Cycle(2)
	require.Equal(t, block1.Hash(), cycle.ParentHash)
	require.Equal(t, block1.Hash(), s.chain.GetBlockByNumber(2).ParentHash())
}

func testSummary(number uint64, err error) *miner.CycleSummary {
	return &miner.CycleSummary{
		ID:          uuid.New(),
		BlockNumber: number,
		Candidates:  []miner.CandidateSummary{{MergeCount: 0, Err: err}},
		Duration:    time.Millisecond,
	}
}

func TestBuilderHistory(t *testing.T) {
	s := newTestSetup(t)
	b := s.newBuilder(nil, 3)

	for i := uint64(1); i <= 5; i++ {
		b.OnCycle(testSummary(i, miner.ErrBuildTimeout))
	}
	cycles := b.Cycles()
	require.Len(t, cycles, 3)
	require.Equal(t, uint64(3), cycles[0].BlockNumber)
	require.Equal(t, uint64(5), cycles[2].BlockNumber)
	require.Equal(t, -1, cycles[2].WinnerBundles)
	require.Nil(t, cycles[2].WinnerHash)
	require.Equal(t, miner.ErrBuildTimeout.Error(), *cycles[2].Candidates[0].Error)

	_, ok := b.Cycle(1)
	require.False(t, ok)
	cycle, ok := b.Cycle(4)
	require.True(t, ok)
	require.Equal(t, uint64(4), cycle.BlockNumber)
}

func TestBuilderForwardsLatest(t *testing.T) {
	s := newTestSetup(t)
	remote := &fakeRemote{}
	b := s.newBuilder(remote, 0)

	b.OnCycle(testSummary(1, errors.New("first")))
	b.OnCycle(testSummary(2, errors.New("second")))
	b.forwardLatest()
	b.forwardLatest()

	require.Equal(t, 1, remote.count())
	require.Equal(t, uint64(2), remote.summaries[0].BlockNumber)
}

func TestServiceRoutes(t *testing.T) {
	s := newTestSetup(t)
	b := s.newBuilder(nil, 0)
	b.OnCycle(testSummary(1, miner.ErrNoCandidates))
	router := NewService("", b).getRouter()

	get := func(path string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req, err := http.NewRequest(http.MethodGet, path, nil)
		require.NoError(t, err)
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := get(_PathStatus)
	require.Equal(t, http.StatusOK, rr.Code)
	var status Status
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	require.Equal(t, s.chain.CurrentHeader().Hash(), status.HeadHash)
	require.Equal(t, 1, status.Cycles)

	rr = get(_PathCycles)
	require.Equal(t, http.StatusOK, rr.Code)
	var cycles []CycleView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cycles))
	require.Len(t, cycles, 1)

	rr = get("/mev/v1/cycles/1")
	require.Equal(t, http.StatusOK, rr.Code)
	var cycle CycleView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &cycle))
	require.Equal(t, uint64(1), cycle.BlockNumber)

	rr = get("/mev/v1/cycles/7")
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = get("/mev/v1/cycles/latest")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRegister(t *testing.T) {
	t.Setenv("FLASHBOTS_POSTGRES_DSN", "")
	s := newTestSetup(t)
	cfg := DefaultConfig
	cfg.ListenAddr = ""
	cfg.BundleFetchInterval = 10 * time.Millisecond

	service := Register(s.chain, s.pool, core.NewTransferExecutor(testChainConfig), s.minerCfg, &cfg)
	require.Nil(t, service.srv)
	require.NotNil(t, service.builder.fetcher)
	require.Nil(t, service.builder.remote)

	require.NoError(t, service.Start())
	require.Eventually(t, func() bool {
		return s.chain.CurrentHeader().Number.Uint64() >= 1
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, service.Stop())
}
