package miner

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/metrics"
	"github.com/ethereum/go-ethereum/params"
)

// Profit metrics are recorded in gwei.
var (
	blockProfitHistogram   = metrics.NewRegisteredHistogram("miner/block/profit", nil, metrics.NewExpDecaySample(1028, 0.015))
	bundleTxNumHistogram   = metrics.NewRegisteredHistogram("miner/bundle/txnum", nil, metrics.NewExpDecaySample(1028, 0.015))
	mergedBundlesHistogram = metrics.NewRegisteredHistogram("miner/block/bundles", nil, metrics.NewExpDecaySample(1028, 0.015))
	blockProfitGauge       = metrics.NewRegisteredGauge("miner/block/profit/gauge", nil)
	culmulativeProfitGauge = metrics.NewRegisteredGauge("miner/block/profit/culmulative", nil)

	buildBlockTimer                 = metrics.NewRegisteredTimer("miner/block/build", nil)
	cycleTimer                      = metrics.NewRegisteredTimer("miner/cycle", nil)
	blockBundleSimulationTimer      = metrics.NewRegisteredTimer("miner/block/simulate", nil)
	successfulBundleSimulationTimer = metrics.NewRegisteredTimer("miner/bundle/simulate/success", nil)
	failedBundleSimulationTimer     = metrics.NewRegisteredTimer("miner/bundle/simulate/failed", nil)

	simulationMeter          = metrics.NewRegisteredMeter("miner/block/simulation", nil)
	simulationCommittedMeter = metrics.NewRegisteredMeter("miner/block/simulation/committed", nil)
	simulationRevertedMeter  = metrics.NewRegisteredMeter("miner/block/simulation/reverted", nil)
	simulationCacheHitMeter  = metrics.NewRegisteredMeter("miner/block/simulation/cachehit", nil)

	candidateFailedMeter  = metrics.NewRegisteredMeter("miner/candidate/failed", nil)
	cycleNoCandidateMeter = metrics.NewRegisteredMeter("miner/cycle/nocandidate", nil)
	cycleStaleMeter       = metrics.NewRegisteredMeter("miner/cycle/stale", nil)

	gasUsedGauge        = metrics.NewRegisteredGauge("miner/block/gasused", nil)
	transactionNumGauge = metrics.NewRegisteredGauge("miner/block/txnum", nil)
)

// profitGwei converts a profit in wei for the profit metrics, clamped to the
// int64 range.
func profitGwei(profit *big.Int) int64 {
	if profit == nil {
		return 0
	}
	gwei := new(big.Int).Quo(profit, big.NewInt(params.GWei))
	switch {
	case gwei.IsInt64():
		return gwei.Int64()
	case gwei.Sign() > 0:
		return math.MaxInt64
	default:
		return math.MinInt64
	}
}
