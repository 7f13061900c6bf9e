package miner

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie"
	"github.com/flashbots/mev-producer/core/state"
)

// Backend wraps all methods required for block production.
type Backend interface {
	ChainConfig() *params.ChainConfig
	StateAt(root common.Hash) (state.Reader, error)
	TxPool
}

// TxPool is the source of ordinary pending transactions. Transactions are
// grouped per sender and nonce ordered.
type TxPool interface {
	Pending() map[common.Address]types.Transactions
}

// Validator returns the validity verdict for an assembled block.
type Validator interface {
	ValidateBlock(block *types.Block, receipts types.Receipts) error
}

// BlockSink receives the winning candidate of a production cycle.
type BlockSink interface {
	AcceptBlock(result *CandidateResult) error
}

// CycleObserver is notified once per finished production cycle.
type CycleObserver interface {
	OnCycle(summary *CycleSummary)
}

// BlockInserter appends a block and its post state to a chain.
type BlockInserter interface {
	InsertBlock(block *types.Block, postState *state.Overlay) error
}

type chainSink struct {
	chain BlockInserter
}

// NewChainSink returns a BlockSink inserting winning blocks into chain.
func NewChainSink(chain BlockInserter) BlockSink {
	return &chainSink{chain: chain}
}

func (s *chainSink) AcceptBlock(result *CandidateResult) error {
	return s.chain.InsertBlock(result.Block, result.State)
}

var (
	errGasUsedAboveLimit = errors.New("gas used above gas limit")
	errReceiptCount      = errors.New("receipt count does not match transaction count")
	errGasUsedMismatch   = errors.New("header gas used does not match receipts")
	errReceiptRoot       = errors.New("receipt root mismatch")
)

// BasicValidator checks the header against the receipts it commits to.
type BasicValidator struct{}

func (BasicValidator) ValidateBlock(block *types.Block, receipts types.Receipts) error {
	if block.GasUsed() > block.GasLimit() {
		return fmt.Errorf("%w: used %d, limit %d", errGasUsedAboveLimit, block.GasUsed(), block.GasLimit())
	}
	if len(receipts) != len(block.Transactions()) {
		return fmt.Errorf("%w: %d receipts, %d txs", errReceiptCount, len(receipts), len(block.Transactions()))
	}
	var cumulative uint64
	if len(receipts) > 0 {
		cumulative = receipts[len(receipts)-1].CumulativeGasUsed
	}
	if cumulative != block.GasUsed() {
		return fmt.Errorf("%w: header %d, receipts %d", errGasUsedMismatch, block.GasUsed(), cumulative)
	}
	if root := types.DeriveSha(receipts, trie.NewStackTrie(nil)); root != block.ReceiptHash() {
		return fmt.Errorf("%w: header %s, receipts %s", errReceiptRoot, block.ReceiptHash(), root)
	}
	return nil
}
