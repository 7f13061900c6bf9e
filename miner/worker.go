// Copyright 2015 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package miner

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/consensus/misc/eip1559"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/core/state"
	"github.com/holiman/uint256"
)

var (
	ErrBuildTimeout       = errors.New("timeout while building block")
	ErrBuildInterrupted   = errors.New("new head arrived while building block")
	ErrGasLimitExhausted  = errors.New("block gas limit exhausted before bundle inclusion")
	ErrDuplicateCandidate = errors.New("candidate duplicates a smaller merge count")
	ErrNoCandidates       = errors.New("no candidate block was built")
	ErrStaleCycle         = errors.New("production cycle superseded by a new head")
)

// environment is the builder's current environment and holds all
// information of the sealing block generation.
type environment struct {
	signer   types.Signer
	state    *state.Overlay // apply state changes here
	tcount   int            // tx count in cycle
	gasPool  *core.GasPool  // available gas used to pack transactions
	coinbase common.Address

	header   *types.Header
	txs      []*types.Transaction
	receipts []*types.Receipt
}

func newEnvironment(signer types.Signer, base state.Reader, header *types.Header) *environment {
	return &environment{
		signer:   signer,
		state:    state.NewOverlay(base),
		coinbase: header.Coinbase,
		header:   header,
		gasPool:  new(core.GasPool).AddGas(header.GasLimit),
	}
}

// CandidateResult is one fully built candidate block.
type CandidateResult struct {
	Block    *types.Block
	Receipts types.Receipts

	// BeneficiaryBalance is read from the final state of the block.
	BeneficiaryBalance *uint256.Int
	BundleCount        int
	Bundles            []core.SimulatedBundle
	// Profit is the beneficiary balance change over the parent state.
	Profit *big.Int

	State    *state.Overlay
	Duration time.Duration
}

// BundleSource provides the bundles a candidate is built with.
type BundleSource interface {
	// MergeCount is the number of bundles the candidate is meant to carry.
	MergeCount() int
	Bundles(ctx context.Context, env *SimEnv) ([]core.SimulatedBundle, error)
}

// NoBundles is the source of the baseline candidate.
type NoBundles struct{}

func (NoBundles) MergeCount() int { return 0 }

func (NoBundles) Bundles(context.Context, *SimEnv) ([]core.SimulatedBundle, error) {
	return nil, nil
}

// SelectedBundles picks up to MaxMergeCount non conflicting bundles.
type SelectedBundles struct {
	Selector      *BundleSelector
	Candidates    []core.MevBundle
	MaxMergeCount int
}

func (s *SelectedBundles) MergeCount() int { return s.MaxMergeCount }

func (s *SelectedBundles) Bundles(ctx context.Context, env *SimEnv) ([]core.SimulatedBundle, error) {
	return s.Selector.SelectBundles(ctx, env, s.Candidates, s.MaxMergeCount)
}

// CandidateBuilder assembles one block on top of a parent: bundles first,
// back to back, then ordinary pending transactions.
type CandidateBuilder struct {
	config      *Config
	chainConfig *params.ChainConfig
	backend     Backend
	chData      chainData
	validator   Validator
}

func NewCandidateBuilder(config *Config, backend Backend, executor core.Executor, validator Validator) *CandidateBuilder {
	return &CandidateBuilder{
		config:      config,
		chainConfig: backend.ChainConfig(),
		backend:     backend,
		chData:      chainData{executor: executor, complianceList: config.ComplianceList},
		validator:   validator,
	}
}

// calcGasLimit computes the gas limit of the next block after parent. It
// moves towards desiredLimit by at most parentGasLimit/1024.
func calcGasLimit(parentGasLimit, desiredLimit uint64) uint64 {
	delta := parentGasLimit/params.GasLimitBoundDivisor - 1
	limit := parentGasLimit
	if desiredLimit == 0 {
		return limit
	}
	if desiredLimit < params.MinGasLimit {
		desiredLimit = params.MinGasLimit
	}
	if limit < desiredLimit {
		limit = parentGasLimit + delta
		if limit > desiredLimit {
			limit = desiredLimit
		}
		return limit
	}
	if limit > desiredLimit {
		limit = parentGasLimit - delta
		if limit < desiredLimit {
			limit = desiredLimit
		}
	}
	return limit
}

// makeHeader returns the header of the block following parent. Every
// candidate of a cycle gets the same header.
func (b *CandidateBuilder) makeHeader(parent *types.Header) *types.Header {
	header := &types.Header{
		ParentHash: parent.Hash(),
		Number:     new(big.Int).Add(parent.Number, common.Big1),
		GasLimit:   calcGasLimit(parent.GasLimit, b.config.GasCeil),
		Time:       parent.Time + b.config.slotSeconds(),
		Coinbase:   b.config.Etherbase,
		Difficulty: new(big.Int),
	}
	if len(b.config.ExtraData) != 0 {
		header.Extra = common.CopyBytes(b.config.ExtraData)
	}
	if b.chainConfig.IsLondon(header.Number) {
		if parent.BaseFee == nil {
			header.BaseFee = big.NewInt(params.InitialBaseFee)
		} else {
			header.BaseFee = eip1559.CalcBaseFee(b.chainConfig, parent)
		}
	}
	return header
}

// interruptError maps a context error to the build error it stands for.
func interruptError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return ErrBuildTimeout
	case errors.Is(err, context.Canceled):
		return ErrBuildInterrupted
	}
	return err
}

// Build assembles a candidate on top of parent with the bundles provided by
// source. It fails without a block when deadline passes or ctx is cancelled.
func (b *CandidateBuilder) Build(ctx context.Context, parent *types.Header, source BundleSource, deadline time.Time) (*CandidateResult, error) {
	start := time.Now()
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	base, err := b.backend.StateAt(parent.Root)
	if err != nil {
		return nil, err
	}
	header := b.makeHeader(parent)
	signer := types.LatestSignerForChainID(b.chainConfig.ChainID)
	env := newEnvironment(signer, base, header)

	simEnv := &SimEnv{Header: types.CopyHeader(header), State: base, Signer: signer}
	bundles, err := source.Bundles(ctx, simEnv)
	if err != nil {
		return nil, interruptError(err)
	}
	if len(bundles) < source.MergeCount() {
		return nil, fmt.Errorf("%w: selected %d of %d", ErrDuplicateCandidate, len(bundles), source.MergeCount())
	}

	envDiff := newEnvironmentDiff(env)
	for i := range bundles {
		if err := envDiff.commitBundle(ctx, &bundles[i], b.chData); err != nil {
			return nil, fmt.Errorf("bundle %s: %w", bundles[i].OriginalBundle.Hash, interruptError(err))
		}
		bundleTxNumHistogram.Update(int64(len(bundles[i].OriginalBundle.Txs)))
	}
	envDiff.applyToBaseEnv()

	included := make(map[common.Hash]struct{})
	for _, tx := range env.txs {
		included[tx.Hash()] = struct{}{}
	}
	txs := newTransactionsByPriceAndNonce(signer, b.backend.Pending(), header.BaseFee)
	envDiff = newEnvironmentDiff(env)
	if err := envDiff.commitTransactions(ctx, txs, included, b.chData); err != nil {
		return nil, interruptError(err)
	}
	envDiff.applyToBaseEnv()

	block, err := b.finalize(env, bundles)
	if err != nil {
		return nil, err
	}
	// A block finished after the deadline or the head change is dropped too.
	if err := ctx.Err(); err != nil {
		return nil, interruptError(err)
	}

	var parentBalance *uint256.Int
	if acc := base.Account(env.coinbase); acc != nil {
		parentBalance = acc.Balance
	} else {
		parentBalance = new(uint256.Int)
	}
	balance := env.state.GetBalance(env.coinbase)
	result := &CandidateResult{
		Block:              block,
		Receipts:           env.receipts,
		BeneficiaryBalance: balance,
		BundleCount:        len(bundles),
		Bundles:            bundles,
		Profit:             new(big.Int).Sub(balance.ToBig(), parentBalance.ToBig()),
		State:              env.state,
		Duration:           time.Since(start),
	}
	buildBlockTimer.Update(result.Duration)
	log.Debug("Built candidate", "number", block.NumberU64(), "hash", block.Hash(), "bundles", result.BundleCount,
		"txs", len(env.txs), "gasUsed", block.GasUsed(), "profit", result.Profit, "elapsed", common.PrettyDuration(result.Duration))
	return result, nil
}

// finalize seals the environment into a block and checks it.
func (b *CandidateBuilder) finalize(env *environment, bundles []core.SimulatedBundle) (*types.Block, error) {
	header := env.header
	header.Root = env.state.IntermediateRoot()
	block := types.NewBlock(header, &types.Body{Transactions: env.txs}, env.receipts, trie.NewStackTrie(nil))

	if err := VerifyBundlesAtomicity(env.txs, env.receipts, bundles); err != nil {
		return nil, fmt.Errorf("bundle atomicity: %w", err)
	}
	if b.validator != nil {
		if err := b.validator.ValidateBlock(block, env.receipts); err != nil {
			return nil, fmt.Errorf("block validation: %w", err)
		}
	}
	return block, nil
}
