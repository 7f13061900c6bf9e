package core

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
)

type BundlePoolConfig struct {
	// MinBundleGasPrice is the lowest accepted gas weighted tip cap of a
	// bundle. Nil disables the check.
	MinBundleGasPrice *big.Int `toml:",omitempty"`
	// MaxBundleTxs caps the transactions of a bundle. Zero disables the check.
	MaxBundleTxs int
}

var DefaultBundlePoolConfig = BundlePoolConfig{
	MaxBundleTxs: 100,
}

// BundlePool holds bundles grouped by target block number.
type BundlePool struct {
	config BundlePoolConfig
	signer types.Signer

	mu      sync.RWMutex
	head    uint64
	bundles map[uint64]map[common.Hash]MevBundle
}

// NewBundlePool creates a new bundle pool to gather and filter inbound
// bundles of tx order preferences
func NewBundlePool(config BundlePoolConfig, signer types.Signer, head uint64) *BundlePool {
	return &BundlePool{
		config:  config,
		signer:  signer,
		head:    head,
		bundles: make(map[uint64]map[common.Hash]MevBundle),
	}
}

// Head returns the highest block number evicted so far.
func (bpool *BundlePool) Head() uint64 {
	bpool.mu.RLock()
	defer bpool.mu.RUnlock()
	return bpool.head
}

func (bpool *BundlePool) validate(bundle *MevBundle) error {
	if len(bundle.Txs) == 0 {
		return RejectEmptyBundle
	}
	if bpool.config.MaxBundleTxs > 0 && len(bundle.Txs) > bpool.config.MaxBundleTxs {
		return RejectTooManyTxs
	}
	if bundle.MaxTimestamp != 0 && bundle.MinTimestamp > bundle.MaxTimestamp {
		return RejectInvalidWindow
	}

	txHashes := make(map[common.Hash]struct{}, len(bundle.Txs))
	var (
		totalGas      = new(big.Int)
		weightedPrice = new(big.Int)
	)
	for _, tx := range bundle.Txs {
		if tx == nil {
			return RejectMalformedTx
		}
		if _, err := types.Sender(bpool.signer, tx); err != nil {
			log.Trace("Bundle tx sender recovery failed", "tx", tx.Hash(), "err", err)
			return RejectMalformedTx
		}
		txHashes[tx.Hash()] = struct{}{}
		gas := new(big.Int).SetUint64(tx.Gas())
		totalGas.Add(totalGas, gas)
		weightedPrice.Add(weightedPrice, gas.Mul(gas, tx.GasTipCap()))
	}

	hash := BundleHash(bundle.Txs)
	if bundle.Hash == (common.Hash{}) {
		bundle.Hash = hash
	} else if bundle.Hash != hash {
		return RejectMalformedTx
	}

	for _, h := range bundle.RevertingTxHashes {
		if _, ok := txHashes[h]; !ok {
			return RejectUnknownRevertHash
		}
	}

	if minPrice := bpool.config.MinBundleGasPrice; minPrice != nil && totalGas.Sign() > 0 {
		if weightedPrice.Div(weightedPrice, totalGas).Cmp(minPrice) < 0 {
			return RejectUnderpriced
		}
	}
	return nil
}

// AddMevBundle adds a mev bundle to the pool. A bundle whose hash is already
// pooled for the same block is ignored.
func (bpool *BundlePool) AddMevBundle(bundle MevBundle) error {
	if err := bpool.validate(&bundle); err != nil {
		return err
	}

	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	return bpool.add(bundle)
}

// AddMevBundles adds bundles in order and returns one error slot per bundle.
func (bpool *BundlePool) AddMevBundles(mevBundles []MevBundle) []error {
	errs := make([]error, len(mevBundles))
	for i := range mevBundles {
		errs[i] = bpool.validate(&mevBundles[i])
	}

	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	for i, bundle := range mevBundles {
		if errs[i] != nil {
			continue
		}
		errs[i] = bpool.add(bundle)
	}
	return errs
}

func (bpool *BundlePool) add(bundle MevBundle) error {
	if bundle.BlockNumber <= bpool.head {
		return RejectPastTarget
	}
	bucket, ok := bpool.bundles[bundle.BlockNumber]
	if !ok {
		bucket = make(map[common.Hash]MevBundle)
		bpool.bundles[bundle.BlockNumber] = bucket
	}
	if _, ok := bucket[bundle.Hash]; ok {
		return nil
	}
	bucket[bundle.Hash] = bundle
	return nil
}

// MevBundles returns a list of bundles valid for the given blockNumber/blockTimestamp,
// ordered by bundle hash. It never modifies the pool.
func (bpool *BundlePool) MevBundles(blockNumber uint64, blockTimestamp uint64) []MevBundle {
	bpool.mu.RLock()
	defer bpool.mu.RUnlock()

	bucket := bpool.bundles[blockNumber]
	if len(bucket) > 0 && blockNumber <= bpool.head {
		panic(fmt.Sprintf("bundle pool corrupted: %d bundles for block %d at head %d", len(bucket), blockNumber, bpool.head))
	}

	ret := make([]MevBundle, 0, len(bucket))
	for hash, bundle := range bucket {
		if bundle.BlockNumber != blockNumber || bundle.Hash != hash {
			panic(fmt.Sprintf("bundle pool corrupted: bundle %s for block %d in bucket %d", bundle.Hash, bundle.BlockNumber, blockNumber))
		}
		if !bundle.ValidAt(blockTimestamp) {
			continue
		}
		ret = append(ret, bundle)
	}
	sort.Slice(ret, func(i, j int) bool {
		return bytes.Compare(ret[i].Hash[:], ret[j].Hash[:]) < 0
	})
	return ret
}

// EvictUpTo drops every bundle targeting blockNumber or lower and moves the
// pool head to blockNumber. A lower blockNumber after a reorg moves the head
// back.
func (bpool *BundlePool) EvictUpTo(blockNumber uint64) {
	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	evicted := 0
	for number, bucket := range bpool.bundles {
		if number <= blockNumber {
			evicted += len(bucket)
			delete(bpool.bundles, number)
		}
	}
	bpool.head = blockNumber
	if evicted > 0 {
		log.Debug("Evicted bundles", "upTo", blockNumber, "count", evicted)
	}
}

// EvictExpired drops bundles whose window closed before timestamp.
func (bpool *BundlePool) EvictExpired(timestamp uint64) {
	bpool.mu.Lock()
	defer bpool.mu.Unlock()

	for number, bucket := range bpool.bundles {
		for hash, bundle := range bucket {
			if bundle.MaxTimestamp != 0 && bundle.MaxTimestamp < timestamp {
				delete(bucket, hash)
			}
		}
		if len(bucket) == 0 {
			delete(bpool.bundles, number)
		}
	}
}

// Stats returns the number of pooled bundles and of target heights.
func (bpool *BundlePool) Stats() (bundles int, heights int) {
	bpool.mu.RLock()
	defer bpool.mu.RUnlock()

	for _, bucket := range bpool.bundles {
		bundles += len(bucket)
	}
	return bundles, len(bpool.bundles)
}
