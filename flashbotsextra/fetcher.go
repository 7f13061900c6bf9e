package flashbotsextra

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
)

// BundleAdder is the pool fetched bundles are pushed to.
type BundleAdder interface {
	AddMevBundles(mevBundles []core.MevBundle) []error
}

// BundleFetcher loads bundles for the next block from the database into a
// pool: high priority bundles once per head, low priority ones on a ticker.
type BundleFetcher struct {
	db          IDatabaseService
	pool        BundleAdder
	blockNumCh  chan uint64
	lowPrioTick time.Duration
}

func NewBundleFetcher(db IDatabaseService, pool BundleAdder, lowPrioTick time.Duration) *BundleFetcher {
	if lowPrioTick <= 0 {
		lowPrioTick = 2 * time.Second
	}
	return &BundleFetcher{
		db:          db,
		pool:        pool,
		blockNumCh:  make(chan uint64, 1),
		lowPrioTick: lowPrioTick,
	}
}

// NewHead schedules a fetch for the block after number. A head not yet
// picked up by the fetcher is replaced.
func (b *BundleFetcher) NewHead(number uint64) {
	for {
		select {
		case b.blockNumCh <- number:
			return
		default:
		}
		select {
		case <-b.blockNumCh:
		default:
		}
	}
}

// Run fetches until ctx is done.
func (b *BundleFetcher) Run(ctx context.Context) {
	log.Info("Start bundle fetcher")
	b.fetchAndPush(ctx, b.pushMevBundles)
}

func (b *BundleFetcher) pushMevBundles(bundles []DbBundle) {
	mevBundles := make([]core.MevBundle, 0, len(bundles))
	for _, bundle := range bundles {
		mevBundle, err := DbBundleToMevBundle(bundle)
		if err != nil {
			log.Error("failed to convert db bundle to mev bundle", "id", bundle.DbId, "err", err)
			continue
		}
		mevBundles = append(mevBundles, mevBundle)
	}
	if len(mevBundles) == 0 {
		return
	}
	rejected := 0
	for i, err := range b.pool.AddMevBundles(mevBundles) {
		if err != nil {
			rejected++
			log.Debug("Fetched bundle rejected", "bundle", mevBundles[i].Hash, "err", err)
		}
	}
	log.Debug("Pushed fetched bundles", "count", len(mevBundles), "rejected", rejected)
}

func (b *BundleFetcher) fetchAndPush(ctx context.Context, pushMevBundles func(bundles []DbBundle)) {
	var currentBlockNum uint64
	lowPrioBundleTicker := time.NewTicker(b.lowPrioTick)
	defer lowPrioBundleTicker.Stop()

	for {
		select {
		case currentBlockNum = <-b.blockNumCh:
			ctxH, cancelH := context.WithTimeout(ctx, time.Second*3)
			bundles, err := b.db.GetPriorityBundles(ctxH, currentBlockNum+1, true)
			cancelH()
			if err != nil {
				log.Error("failed to fetch high prio bundles", "err", err)
				continue
			}
			log.Debug("Fetching High prio bundles", "size", len(bundles), "currentlyBuiltBlockNum", currentBlockNum+1)
			if len(bundles) != 0 {
				pushMevBundles(bundles)
			}

		case <-lowPrioBundleTicker.C:
			if currentBlockNum == 0 {
				continue
			}
			ctxL, cancelL := context.WithTimeout(ctx, time.Second*3)
			bundles, err := b.db.GetPriorityBundles(ctxL, currentBlockNum+1, false)
			cancelL()
			if err != nil {
				log.Error("failed to fetch low prio bundles", "err", err)
				continue
			}
			log.Debug("Fetching low prio bundles", "len", len(bundles), "currentlyBuiltBlockNum", currentBlockNum+1)
			if len(bundles) != 0 {
				pushMevBundles(bundles)
			}
		case <-ctx.Done():
			return
		}
	}
}
