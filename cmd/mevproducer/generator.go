package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"math/big"
	"math/rand"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/core/state"
	"github.com/holiman/uint256"
)

// revertingContract is deployed at genesis, every call to it reverts.
var revertingContract = common.HexToAddress("0x00000000000000000000000000000000000000fd")

// generator submits synthetic bundles to the pool and transactions to the
// chain for every new head. Every round has one pair of bundles competing
// for the same sender nonce and some bundles carrying a reverting call, only
// part of them allowed to revert.
type generator struct {
	chainID     *big.Int
	signer      types.Signer
	beneficiary common.Address
	cfg         DevConfig
	rng         *rand.Rand

	keys  []*ecdsa.PrivateKey
	addrs []common.Address
}

func newGenerator(config *params.ChainConfig, beneficiary common.Address, cfg DevConfig) (*generator, error) {
	if cfg.Accounts <= 0 {
		return nil, errors.New("at least one dev account is required")
	}
	g := &generator{
		chainID:     config.ChainID,
		signer:      types.LatestSignerForChainID(config.ChainID),
		beneficiary: beneficiary,
		cfg:         cfg,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
	}
	var seed [16]byte
	binary.BigEndian.PutUint64(seed[:8], uint64(cfg.Seed))
	for i := uint64(0); len(g.keys) < cfg.Accounts; i++ {
		binary.BigEndian.PutUint64(seed[8:], i)
		key, err := crypto.ToECDSA(crypto.Keccak256(seed[:]))
		if err != nil {
			continue
		}
		g.keys = append(g.keys, key)
		g.addrs = append(g.addrs, crypto.PubkeyToAddress(key.PublicKey))
	}
	return g, nil
}

func (g *generator) genesisAlloc() state.GenesisAlloc {
	balance := new(uint256.Int).Mul(uint256.NewInt(1000), uint256.NewInt(params.Ether))
	alloc := state.GenesisAlloc{
		revertingContract: {Balance: new(uint256.Int), Code: []byte{core.OpRevert}},
	}
	for _, addr := range g.addrs {
		alloc[addr] = state.Account{Balance: new(uint256.Int).Set(balance)}
	}
	return alloc
}

func (g *generator) run(ctx context.Context, chain *core.DevChain, pool *core.BundlePool) {
	heads := make(chan *types.Header, 16)
	unsubscribe := chain.SubscribeChainHead(heads)
	defer unsubscribe()

	g.fill(chain, pool, chain.CurrentHeader())
	for {
		select {
		case head := <-heads:
			g.fill(chain, pool, head)
		case <-ctx.Done():
			return
		}
	}
}

func (g *generator) tx(sender int, nonce uint64, to common.Address, value *big.Int, tip *big.Int, gas uint64, feeCap *big.Int) *types.Transaction {
	return types.MustSignNewTx(g.keys[sender], g.signer, &types.DynamicFeeTx{
		ChainID:   g.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: new(big.Int).Add(feeCap, tip),
		Gas:       gas,
		To:        &to,
		Value:     value,
	})
}

func (g *generator) gwei(limit int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(1+g.rng.Int63n(limit)), big.NewInt(params.GWei))
}

func nonceOf(r state.Reader, addr common.Address) uint64 {
	if acc := r.Account(addr); acc != nil {
		return acc.Nonce
	}
	return 0
}

func (g *generator) fill(chain *core.DevChain, pool *core.BundlePool, head *types.Header) {
	reader, err := chain.StateAt(head.Root)
	if err != nil {
		// the chain moved on, the next head triggers a new round
		log.Debug("Skipping load round", "number", head.Number, "err", err)
		return
	}
	target := head.Number.Uint64() + 1
	feeCap := new(big.Int).Mul(head.BaseFee, big.NewInt(2))

	perm := g.rng.Perm(len(g.keys))
	nBundles := min(g.cfg.BundlesPerBlock, len(perm))
	nTxs := min(g.cfg.TxsPerBlock, len(perm)-nBundles)

	var bundles []core.MevBundle
	for i, sender := range perm[:nBundles] {
		nonce := nonceOf(reader, g.addrs[sender])
		txs := types.Transactions{
			g.tx(sender, nonce, g.beneficiary, g.gwei(100_000), new(big.Int), params.TxGas, feeCap),
		}
		var reverting []common.Hash
		if i%4 == 3 {
			call := g.tx(sender, nonce+1, revertingContract, new(big.Int), g.gwei(10), 50_000, feeCap)
			txs = append(txs, call)
			if i%8 == 7 {
				reverting = append(reverting, call.Hash())
			}
		}
		bundles = append(bundles, core.NewMevBundle(txs, target, 0, 0, reverting))
	}
	if nBundles > 0 {
		sender := perm[0]
		rival := g.tx(sender, nonceOf(reader, g.addrs[sender]), g.beneficiary, g.gwei(100_000), new(big.Int), params.TxGas, feeCap)
		bundles = append(bundles, core.NewMevBundle(types.Transactions{rival}, target, 0, 0, nil))
	}
	accepted := 0
	for i, err := range pool.AddMevBundles(bundles) {
		if err != nil {
			log.Debug("Bundle rejected", "hash", bundles[i].Hash, "err", err)
			continue
		}
		accepted++
	}

	var txs types.Transactions
	for _, sender := range perm[nBundles : nBundles+nTxs] {
		to := g.addrs[g.rng.Intn(len(g.addrs))]
		txs = append(txs, g.tx(sender, nonceOf(reader, g.addrs[sender]), to, g.gwei(1000), g.gwei(5), params.TxGas, feeCap))
	}
	if err := chain.AddTransactions(txs); err != nil {
		log.Warn("Could not add transactions", "err", err)
	}
	log.Debug("Submitted synthetic load", "target", target, "bundles", accepted, "txs", len(txs))
}
