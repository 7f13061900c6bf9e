package miner

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/core/state"
	"github.com/flashbots/mev-producer/ofac"
)

const (
	shiftTx = 1
	popTx   = 2
)

// profitFloorPercent is the share of the simulated mev gas price a bundle
// must still pay once committed after other bundles.
const profitFloorPercent = 99

// lowProfitError is returned when a bundle is not committed due to low effective gas price
type lowProfitError struct {
	ExpectedEffectiveGasPrice *big.Int
	ActualEffectiveGasPrice   *big.Int
}

func (e *lowProfitError) Error() string {
	return fmt.Sprintf(
		"low profit: expected effective gas price %v, actual effective gas price %v",
		e.ExpectedEffectiveGasPrice, e.ActualEffectiveGasPrice,
	)
}

type chainData struct {
	executor       core.Executor
	complianceList string
}

// environmentDiff collects changes on top of a base environment. Nothing is
// visible in the base until applyToBaseEnv.
type environmentDiff struct {
	baseEnvironment *environment
	header          *types.Header
	gasPool         *core.GasPool  // available gas used to pack transactions
	state           *state.Overlay // apply state changes here
	newTxs          []*types.Transaction
	newReceipts     []*types.Receipt
}

func newEnvironmentDiff(env *environment) *environmentDiff {
	gasPool := new(core.GasPool).AddGas(env.gasPool.Gas())
	return &environmentDiff{
		baseEnvironment: env,
		header:          types.CopyHeader(env.header),
		gasPool:         gasPool,
		state:           env.state.Child(),
	}
}

// child returns a diff layered on top of e. Merge it back with absorb.
func (e *environmentDiff) child() *environmentDiff {
	gasPool := new(core.GasPool).AddGas(e.gasPool.Gas())
	return &environmentDiff{
		baseEnvironment: e.baseEnvironment,
		header:          types.CopyHeader(e.header),
		gasPool:         gasPool,
		state:           e.state.Child(),
	}
}

// absorb merges a child created by e.child into e.
func (e *environmentDiff) absorb(c *environmentDiff) {
	c.state.MergeInto(e.state)
	e.gasPool = c.gasPool
	e.header = c.header
	e.newTxs = append(e.newTxs, c.newTxs...)
	e.newReceipts = append(e.newReceipts, c.newReceipts...)
}

func (e *environmentDiff) applyToBaseEnv() {
	env := e.baseEnvironment
	e.state.MergeInto(env.state)
	env.gasPool = new(core.GasPool).AddGas(e.gasPool.Gas())
	env.header = e.header
	env.tcount += len(e.newTxs)
	env.txs = append(env.txs, e.newTxs...)
	env.receipts = append(env.receipts, e.newReceipts...)
}

func checkCompliance(signer types.Signer, tx *types.Transaction, listName string) error {
	if listName == "" {
		return nil
	}
	sender, err := types.Sender(signer, tx)
	if err != nil {
		return err
	}
	addrs := []common.Address{sender}
	if to := tx.To(); to != nil {
		addrs = append(addrs, *to)
	}
	if !ofac.CheckCompliance(listName, addrs) {
		return fmt.Errorf("%w: tx %s", core.ErrBlocklistViolation, tx.Hash())
	}
	return nil
}

// checkTouched fails when a write journaled after snapshot hit a listed
// account. The block coinbase is exempt.
func checkTouched(statedb *state.Overlay, snapshot int, coinbase common.Address, tx *types.Transaction, listName string) error {
	if listName == "" {
		return nil
	}
	touched := statedb.TouchedSince(snapshot)
	addrs := touched[:0]
	for _, addr := range touched {
		if addr != coinbase {
			addrs = append(addrs, addr)
		}
	}
	if !ofac.CheckCompliance(listName, addrs) {
		return fmt.Errorf("%w: tx %s touched a listed account", core.ErrBlocklistViolation, tx.Hash())
	}
	return nil
}

// commit tx to envDiff
func (envDiff *environmentDiff) commitTx(tx *types.Transaction, chData chainData) (*types.Receipt, int, error) {
	var (
		header = envDiff.header
		signer = envDiff.baseEnvironment.signer
	)

	if err := checkCompliance(signer, tx, chData.complianceList); err != nil {
		return nil, shiftTx, err
	}

	var (
		snapshot      = envDiff.state.Snapshot()
		gasPoolBefore = *envDiff.gasPool
		gasUsedBefore = header.GasUsed
	)
	receipt, err := chData.executor.ApplyTransaction(envDiff.state, header, tx, envDiff.gasPool, &header.GasUsed)
	if err == nil {
		if err := checkTouched(envDiff.state, snapshot, header.Coinbase, tx, chData.complianceList); err != nil {
			envDiff.state.RevertToSnapshot(snapshot)
			*envDiff.gasPool = gasPoolBefore
			header.GasUsed = gasUsedBefore
			return nil, shiftTx, err
		}
	}
	if err != nil {
		switch {
		case errors.Is(err, core.ErrGasLimitReached):
			// Pop the current out-of-gas transaction without shifting in the next from the account
			from, _ := types.Sender(signer, tx)
			log.Trace("Gas limit exceeded for current block", "sender", from)
			return receipt, popTx, err

		case errors.Is(err, core.ErrNonceTooLow):
			// New head notification data race between the transaction pool and miner, shift
			from, _ := types.Sender(signer, tx)
			log.Trace("Skipping transaction with low nonce", "sender", from, "nonce", tx.Nonce())
			return receipt, shiftTx, err

		case errors.Is(err, core.ErrNonceTooHigh):
			// Reorg notification data race between the transaction pool and miner, skip account =
			from, _ := types.Sender(signer, tx)
			log.Trace("Skipping account with high nonce", "sender", from, "nonce", tx.Nonce())
			return receipt, popTx, err

		case errors.Is(err, core.ErrTxTypeNotSupported):
			// Pop the unsupported transaction without shifting in the next from the account
			from, _ := types.Sender(signer, tx)
			log.Trace("Skipping unsupported transaction type", "sender", from, "type", tx.Type())
			return receipt, popTx, err

		default:
			// Strange error, discard the transaction and get the next in line (note, the
			// nonce-too-high clause will prevent us from executing in vain).
			log.Trace("Transaction failed, account skipped", "hash", tx.Hash(), "err", err)
			return receipt, shiftTx, err
		}
	}

	receipt.TransactionIndex = uint(envDiff.baseEnvironment.tcount + len(envDiff.newTxs))
	envDiff.newTxs = append(envDiff.newTxs, tx)
	envDiff.newReceipts = append(envDiff.newReceipts, receipt)

	return receipt, shiftTx, nil
}

// Commit Bundle to env diff. On error envDiff is unchanged.
func (envDiff *environmentDiff) commitBundle(ctx context.Context, bundle *core.SimulatedBundle, chData chainData) error {
	var (
		coinbase   = envDiff.baseEnvironment.coinbase
		tmpEnvDiff = envDiff.child()

		coinbaseBalanceBefore = tmpEnvDiff.state.GetBalance(coinbase).ToBig()

		gasUsed uint64
	)

	for i, tx := range bundle.OriginalBundle.Txs {
		if err := ctx.Err(); err != nil {
			return err
		}

		receipt, _, err := tmpEnvDiff.commitTx(tx, chData)
		if err != nil {
			log.Trace("Bundle tx error", "bundle", bundle.OriginalBundle.Hash, "tx", tx.Hash(), "err", err)
			if errors.Is(err, core.ErrGasLimitReached) {
				return fmt.Errorf("%w: bundle %s tx %d", ErrGasLimitExhausted, bundle.OriginalBundle.Hash, i)
			}
			return err
		}

		if receipt.Status == types.ReceiptStatusFailed && !bundle.OriginalBundle.RevertingHash(tx.Hash()) {
			log.Trace("Bundle tx failed", "bundle", bundle.OriginalBundle.Hash, "tx", tx.Hash())
			return fmt.Errorf("%w: bundle %s tx %s", core.ErrBundleReverted, bundle.OriginalBundle.Hash, tx.Hash())
		}

		gasUsed += receipt.GasUsed
	}
	coinbaseBalanceAfter := tmpEnvDiff.state.GetBalance(coinbase).ToBig()
	bundleProfit := new(big.Int).Sub(coinbaseBalanceAfter, coinbaseBalanceBefore)

	var bundleActualEffGP *big.Int
	if gasUsed == 0 {
		bundleActualEffGP = new(big.Int)
	} else {
		bundleActualEffGP = new(big.Int).Div(bundleProfit, new(big.Int).SetUint64(gasUsed))
	}

	// allow >-1% divergence
	actualEGP := new(big.Int).Mul(bundleActualEffGP, big.NewInt(100))
	simulatedEGP := new(big.Int).Mul(bundle.MevGasPrice, big.NewInt(profitFloorPercent))

	if simulatedEGP.Cmp(actualEGP) > 0 {
		log.Trace("Bundle underpays after inclusion", "bundle", bundle.OriginalBundle.Hash)
		return &lowProfitError{
			ExpectedEffectiveGasPrice: new(big.Int).Set(bundle.MevGasPrice),
			ActualEffectiveGasPrice:   bundleActualEffGP,
		}
	}

	envDiff.absorb(tmpEnvDiff)
	return nil
}

// commitTransactions fills the diff with ordinary transactions, skipping the
// hashes already included. It stops when the block is full or the heap is
// drained, and returns the context error if ctx ends first.
func (envDiff *environmentDiff) commitTransactions(ctx context.Context, txs *transactionsByPriceAndNonce, included map[common.Hash]struct{}, chData chainData) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		// If we don't have enough gas for any further transactions then we're done.
		if envDiff.gasPool.Gas() < 21000 {
			log.Trace("Not enough gas for further transactions", "have", envDiff.gasPool, "want", 21000)
			return nil
		}
		order := txs.Peek()
		if order == nil {
			return nil
		}
		tx := order.tx
		if _, ok := included[tx.Hash()]; ok {
			txs.Shift()
			continue
		}

		snap := envDiff.state.Snapshot()
		_, skip, err := envDiff.commitTx(tx, chData)
		if err != nil {
			envDiff.state.RevertToSnapshot(snap)
		}
		switch skip {
		case shiftTx:
			txs.Shift()
		case popTx:
			txs.Pop()
		}
	}
}
