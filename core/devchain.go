package core

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/core/state"
)

var (
	ErrUnknownRoot  = errors.New("unknown state root")
	ErrUnknownBlock = errors.New("block parent is not the chain head")
	ErrRootMismatch = errors.New("committed root does not match block root")
)

// DevChain is an in-memory single-branch chain. It serves account state for
// the current head, holds pending transactions and appends produced blocks.
type DevChain struct {
	config *params.ChainConfig
	signer types.Signer
	db     *state.Database

	mu      sync.RWMutex
	head    *types.Header
	blocks  []*types.Block
	pending map[common.Address]types.Transactions
	subs    map[int]chan<- *types.Header
	nextSub int
}

// NewDevChain creates a chain whose genesis state is alloc.
func NewDevChain(config *params.ChainConfig, alloc state.GenesisAlloc, gasLimit uint64, timestamp uint64) *DevChain {
	db := state.NewDatabase(alloc)
	genesis := &types.Header{
		Number:     new(big.Int),
		GasLimit:   gasLimit,
		Time:       timestamp,
		BaseFee:    big.NewInt(params.InitialBaseFee),
		Difficulty: new(big.Int),
		Root:       db.Root(),
	}
	block := types.NewBlockWithHeader(genesis)
	return &DevChain{
		config:  config,
		signer:  types.LatestSignerForChainID(config.ChainID),
		db:      db,
		head:    block.Header(),
		blocks:  []*types.Block{block},
		pending: make(map[common.Address]types.Transactions),
		subs:    make(map[int]chan<- *types.Header),
	}
}

func (c *DevChain) ChainConfig() *params.ChainConfig {
	return c.config
}

func (c *DevChain) CurrentHeader() *types.Header {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return types.CopyHeader(c.head)
}

// GetBlockByNumber returns the canonical block at number, or nil.
func (c *DevChain) GetBlockByNumber(number uint64) *types.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if number >= uint64(len(c.blocks)) {
		return nil
	}
	return c.blocks[number]
}

// StateAt returns an immutable snapshot of the state for root. Only the head
// state is retained, snapshots taken earlier stay readable.
func (c *DevChain) StateAt(root common.Hash) (state.Reader, error) {
	snap := c.db.Snapshot()
	if root != snap.Root() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoot, root)
	}
	return snap, nil
}

// AddTransactions queues signed transactions as pending.
func (c *DevChain) AddTransactions(txs types.Transactions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, tx := range txs {
		from, err := types.Sender(c.signer, tx)
		if err != nil {
			return err
		}
		if tx.Nonce() < stateNonce(c.db, from) {
			continue
		}
		c.pending[from] = insertByNonce(c.pending[from], tx)
	}
	return nil
}

func stateNonce(r state.Reader, addr common.Address) uint64 {
	if acc := r.Account(addr); acc != nil {
		return acc.Nonce
	}
	return 0
}

func insertByNonce(txs types.Transactions, tx *types.Transaction) types.Transactions {
	i := sort.Search(len(txs), func(i int) bool { return txs[i].Nonce() >= tx.Nonce() })
	if i < len(txs) && txs[i].Nonce() == tx.Nonce() {
		txs[i] = tx
		return txs
	}
	txs = append(txs, nil)
	copy(txs[i+1:], txs[i:])
	txs[i] = tx
	return txs
}

// Pending returns the executable pending transactions per sender, nonce
// ordered and gapless from the head state nonce.
func (c *DevChain) Pending() map[common.Address]types.Transactions {
	c.mu.RLock()
	defer c.mu.RUnlock()

	pending := make(map[common.Address]types.Transactions, len(c.pending))
	for from, txs := range c.pending {
		nonce := stateNonce(c.db, from)
		var executable types.Transactions
		for _, tx := range txs {
			if tx.Nonce() != nonce {
				break
			}
			executable = append(executable, tx)
			nonce++
		}
		if len(executable) > 0 {
			pending[from] = executable
		}
	}
	return pending
}

// InsertBlock commits postState and makes block the new head. Subscribers
// are notified without blocking.
func (c *DevChain) InsertBlock(block *types.Block, postState *state.Overlay) error {
	c.mu.Lock()
	if block.ParentHash() != c.head.Hash() {
		c.mu.Unlock()
		return fmt.Errorf("%w: parent %s, head %s", ErrUnknownBlock, block.ParentHash(), c.head.Hash())
	}
	if root := postState.IntermediateRoot(); root != block.Root() {
		c.mu.Unlock()
		return fmt.Errorf("%w: have %s, want %s", ErrRootMismatch, root, block.Root())
	}
	if _, err := c.db.Commit(postState); err != nil {
		c.mu.Unlock()
		return err
	}
	c.head = block.Header()
	c.blocks = append(c.blocks, block)
	for from, txs := range c.pending {
		nonce := stateNonce(c.db, from)
		i := sort.Search(len(txs), func(i int) bool { return txs[i].Nonce() >= nonce })
		if i == len(txs) {
			delete(c.pending, from)
			continue
		}
		c.pending[from] = txs[i:]
	}
	head := types.CopyHeader(c.head)
	subs := make([]chan<- *types.Header, 0, len(c.subs))
	for _, ch := range c.subs {
		subs = append(subs, ch)
	}
	c.mu.Unlock()

	log.Info("Imported new block", "number", block.NumberU64(), "hash", block.Hash(), "txs", len(block.Transactions()), "gas", block.GasUsed())
	for _, ch := range subs {
		select {
		case ch <- head:
		default:
			log.Warn("Dropped chain head notification", "number", head.Number)
		}
	}
	return nil
}

// SubscribeChainHead delivers every new head to ch. The returned function
// cancels the subscription.
func (c *DevChain) SubscribeChainHead(ch chan<- *types.Header) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs, id)
	}
}
