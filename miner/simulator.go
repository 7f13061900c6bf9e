package miner

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/core/state"
)

// SimEnv is the pending block bundles are simulated against. State is
// never written to.
type SimEnv struct {
	Header *types.Header
	State  state.Reader
	Signer types.Signer
}

// BundleSimulator executes bundles in isolation on top of a pending block
// and scores them by the beneficiary balance change.
type BundleSimulator struct {
	executor       core.Executor
	cache          *BundleCache
	complianceList string
}

// NewBundleSimulator creates a simulator. A nil cache disables caching.
func NewBundleSimulator(executor core.Executor, cache *BundleCache, complianceList string) *BundleSimulator {
	return &BundleSimulator{
		executor:       executor,
		cache:          cache,
		complianceList: complianceList,
	}
}

// SimulateBundles simulates every bundle on its own overlay. The result is
// index aligned with bundles.
func (s *BundleSimulator) SimulateBundles(ctx context.Context, env *SimEnv, bundles []core.MevBundle) []core.SimulatedBundle {
	start := time.Now()

	var simCache *BundleCacheEntry
	if s.cache != nil {
		simCache = s.cache.GetBundleCache(env.Header.Hash())
	}

	simResult := make([]*core.SimulatedBundle, len(bundles))
	toCache := make([]*core.SimulatedBundle, len(bundles))

	var (
		wg       sync.WaitGroup
		cacheHit int
	)
	for i, bundle := range bundles {
		if simCache != nil {
			if simmed, ok := simCache.GetSimulatedBundle(bundle.Hash); ok {
				simResult[i] = simmed
				cacheHit++
				continue
			}
		}

		wg.Add(1)
		go func(idx int, bundle core.MevBundle) {
			defer wg.Done()

			start := time.Now()
			simmed := s.simulateBundle(ctx, env, bundle)
			simResult[idx] = &simmed
			if simmed.Success {
				successfulBundleSimulationTimer.UpdateSince(start)
			} else {
				log.Trace("Bundle simulation failed", "bundle", bundle.Hash, "err", simmed.Err)
				failedBundleSimulationTimer.UpdateSince(start)
			}
			// interrupted results say nothing about the bundle
			if ctx.Err() == nil {
				toCache[idx] = &simmed
			}
		}(i, bundle)
	}
	wg.Wait()

	if simCache != nil {
		simCache.UpdateSimulatedBundles(toCache, bundles)
	}

	simulatedBundles := make([]core.SimulatedBundle, len(bundles))
	var okBundles int
	for i, simmed := range simResult {
		simulatedBundles[i] = *simmed
		if simmed.Success {
			okBundles++
		}
	}

	simulationMeter.Mark(int64(len(bundles)))
	simulationCacheHitMeter.Mark(int64(cacheHit))
	simulationCommittedMeter.Mark(int64(okBundles))
	simulationRevertedMeter.Mark(int64(len(bundles) - okBundles))
	blockBundleSimulationTimer.UpdateSince(start)

	log.Debug("Simulated bundles", "block", env.Header.Number, "allBundles", len(bundles), "okBundles", okBundles,
		"cached", cacheHit, "time", time.Since(start))
	return simulatedBundles
}

// simulateBundle executes bundle on a fresh overlay over env.State.
func (s *BundleSimulator) simulateBundle(ctx context.Context, env *SimEnv, bundle core.MevBundle) core.SimulatedBundle {
	var (
		statedb  = state.NewOverlay(env.State)
		gasPool  = new(core.GasPool).AddGas(env.Header.GasLimit)
		coinbase = env.Header.Coinbase
		senders  = make(map[common.Address]core.NonceRange)

		usedGas uint64
		gasFees = new(big.Int)
	)
	if len(bundle.Txs) == 0 {
		return core.FailedBundle(bundle, core.RejectEmptyBundle)
	}
	coinbaseBefore := statedb.GetBalance(coinbase).ToBig()

	for _, tx := range bundle.Txs {
		if err := ctx.Err(); err != nil {
			return core.FailedBundle(bundle, err)
		}
		if err := checkCompliance(env.Signer, tx, s.complianceList); err != nil {
			return core.FailedBundle(bundle, err)
		}

		snapshot := statedb.Snapshot()
		receipt, err := s.executor.ApplyTransaction(statedb, env.Header, tx, gasPool, &usedGas)
		if err != nil {
			return core.FailedBundle(bundle, fmt.Errorf("tx %s: %w", tx.Hash(), err))
		}
		if err := checkTouched(statedb, snapshot, coinbase, tx, s.complianceList); err != nil {
			return core.FailedBundle(bundle, err)
		}
		if receipt.Status == types.ReceiptStatusFailed && !bundle.RevertingHash(tx.Hash()) {
			return core.FailedBundle(bundle, fmt.Errorf("%w: tx %s", core.ErrBundleReverted, tx.Hash()))
		}

		from, err := types.Sender(env.Signer, tx)
		if err != nil {
			return core.FailedBundle(bundle, err)
		}
		if r, ok := senders[from]; ok {
			r.Min = min(r.Min, tx.Nonce())
			r.Max = max(r.Max, tx.Nonce())
			senders[from] = r
		} else {
			senders[from] = core.NonceRange{Min: tx.Nonce(), Max: tx.Nonce()}
		}

		tip, err := tx.EffectiveGasTip(env.Header.BaseFee)
		if err != nil {
			return core.FailedBundle(bundle, err)
		}
		gasFees.Add(gasFees, new(big.Int).Mul(tip, new(big.Int).SetUint64(receipt.GasUsed)))
	}

	score := new(big.Int).Sub(statedb.GetBalance(coinbase).ToBig(), coinbaseBefore)
	mevGasPrice := new(big.Int)
	if usedGas > 0 {
		mevGasPrice.Div(score, new(big.Int).SetUint64(usedGas))
	}

	touched := statedb.Touched()
	written := touched[:0]
	for _, addr := range touched {
		if addr != coinbase {
			written = append(written, addr)
		}
	}

	return core.SimulatedBundle{
		OriginalBundle:    bundle,
		TotalGasUsed:      usedGas,
		Score:             score,
		EthSentToCoinbase: new(big.Int).Sub(score, gasFees),
		GasFees:           gasFees,
		MevGasPrice:       mevGasPrice,
		Success:           true,
		Senders:           senders,
		Touched:           written,
	}
}
