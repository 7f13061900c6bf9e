package builder

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/flashbotsextra"
	"github.com/flashbots/mev-producer/miner"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Chain is the block source and destination of the builder.
type Chain interface {
	miner.Backend
	miner.BlockInserter
	CurrentHeader() *types.Header
	SubscribeChainHead(ch chan<- *types.Header) func()
}

// CycleForwarder ships cycle summaries to a remote collector.
type CycleForwarder interface {
	ConsumeCycle(summary *miner.CycleSummary) error
}

// CycleView is the status API view of a production cycle.
type CycleView struct {
	ID            uuid.UUID                    `json:"id"`
	ParentHash    common.Hash                  `json:"parentHash"`
	BlockNumber   uint64                       `json:"blockNumber"`
	Timestamp     uint64                       `json:"timestamp"`
	PoolBundles   int                          `json:"poolBundles"`
	Emitted       bool                         `json:"emitted"`
	Stale         bool                         `json:"stale"`
	DurationMs    int64                        `json:"durationMs"`
	WinnerHash    *common.Hash                 `json:"winnerHash,omitempty"`
	WinnerBundles int                          `json:"winnerBundles"`
	Profit        string                       `json:"profit,omitempty"`
	Candidates    []flashbotsextra.DbCandidate `json:"candidates"`
}

func newCycleView(summary *miner.CycleSummary) CycleView {
	view := CycleView{
		ID:            summary.ID,
		ParentHash:    summary.ParentHash,
		BlockNumber:   summary.BlockNumber,
		Timestamp:     summary.Timestamp,
		PoolBundles:   summary.Bundles,
		Emitted:       summary.Emitted,
		Stale:         summary.Stale,
		DurationMs:    summary.Duration.Milliseconds(),
		WinnerBundles: summary.WinnerBundleCount(),
	}
	if record := flashbotsextra.NewCycleRecord(summary); record != nil {
		hash := summary.Winner.Block.Hash()
		view.WinnerHash = &hash
		view.Profit = record.Block.Profit
		view.Candidates = record.Candidates
	} else {
		view.Candidates = make([]flashbotsextra.DbCandidate, 0, len(summary.Candidates))
		for _, c := range summary.Candidates {
			candidate := flashbotsextra.DbCandidate{MergeCount: c.MergeCount, DurationMs: c.Duration.Milliseconds()}
			if c.Err != nil {
				msg := c.Err.Error()
				candidate.Error = &msg
			}
			view.Candidates = append(view.Candidates, candidate)
		}
	}
	return view
}

type BuilderArgs struct {
	Chain          Chain
	Pool           *core.BundlePool
	Executor       core.Executor
	Validator      miner.Validator
	MinerConfig    *miner.Config
	Ds             flashbotsextra.IDatabaseService
	Remote         CycleForwarder
	RemoteInterval time.Duration
	Fetcher        *flashbotsextra.BundleFetcher
	HistorySize    int
}

// Builder drives a block producer from the chain: it hands every new head
// to the producer, re-drives the current head after an idle slot, feeds the
// bundle fetcher with new heads and records the outcome of every cycle.
type Builder struct {
	chain    Chain
	pool     *core.BundlePool
	producer *miner.MevBlockProducer
	ds       flashbotsextra.IDatabaseService
	remote   CycleForwarder
	fetcher  *flashbotsextra.BundleFetcher
	slotTime time.Duration

	driveMu   sync.Mutex
	lastDrive time.Time

	limiter      *rate.Limiter
	remoteSignal chan struct{}
	remoteMu     sync.Mutex
	remoteLatest *miner.CycleSummary

	historyMu   sync.RWMutex
	history     []CycleView
	historySize int

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewBuilder(args BuilderArgs) *Builder {
	ds := args.Ds
	if ds == nil {
		ds = flashbotsextra.NilDbService{}
	}
	historySize := args.HistorySize
	if historySize <= 0 {
		historySize = DefaultConfig.CycleHistory
	}
	remoteInterval := args.RemoteInterval
	if remoteInterval <= 0 {
		remoteInterval = DefaultConfig.RemoteRateLimit
	}
	minerConfig := args.MinerConfig
	if minerConfig == nil {
		minerConfig = &miner.DefaultConfig
	}
	validator := args.Validator
	if validator == nil {
		validator = miner.BasicValidator{}
	}

	b := &Builder{
		chain:        args.Chain,
		pool:         args.Pool,
		ds:           ds,
		remote:       args.Remote,
		fetcher:      args.Fetcher,
		slotTime:     minerConfig.SlotTime,
		limiter:      rate.NewLimiter(rate.Every(remoteInterval), 1),
		remoteSignal: make(chan struct{}, 1),
		historySize:  historySize,
	}
	if b.slotTime <= 0 {
		b.slotTime = miner.DefaultConfig.SlotTime
	}
	b.producer = miner.NewMevBlockProducer(minerConfig, args.Chain, args.Pool, args.Executor, validator, miner.NewChainSink(args.Chain), b)
	return b
}

func (b *Builder) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel

	headCh := make(chan *types.Header, 16)
	unsubscribe := b.chain.SubscribeChainHead(headCh)

	b.producer.Start()
	if b.fetcher != nil {
		b.fetcher.NewHead(b.chain.CurrentHeader().Number.Uint64())
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.fetcher.Run(ctx)
		}()
	}

	b.drive(b.chain.CurrentHeader())

	b.wg.Add(3)
	go func() {
		defer b.wg.Done()
		defer unsubscribe()
		for {
			select {
			case head := <-headCh:
				log.Debug("New chain head", "number", head.Number, "hash", head.Hash())
				if b.fetcher != nil {
					b.fetcher.NewHead(head.Number.Uint64())
				}
				b.drive(head)
			case <-ctx.Done():
				return
			}
		}
	}()
	go func() {
		defer b.wg.Done()
		runResubmitLoop(ctx, b.limiter, b.remoteSignal, b.forwardLatest)
	}()
	go func() {
		defer b.wg.Done()
		// re-drive a head no cycle emitted on, heads keep the timer quiet
		runRetryLoop(ctx, b.slotTime, func() {
			b.driveMu.Lock()
			idle := time.Since(b.lastDrive) >= b.slotTime
			b.driveMu.Unlock()
			if idle {
				b.drive(b.chain.CurrentHeader())
			}
		})
	}()
	return nil
}

// drive starts a production cycle on head. The producer evicts the pool up
// to head and cancels the running cycle.
func (b *Builder) drive(head *types.Header) {
	b.driveMu.Lock()
	b.lastDrive = time.Now()
	b.driveMu.Unlock()
	b.producer.NewHead(head)
}

func (b *Builder) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.producer.Stop()
	b.wg.Wait()
	return nil
}

// OnCycle records a finished cycle. It runs on the cycle goroutine of the
// producer and must not block.
func (b *Builder) OnCycle(summary *miner.CycleSummary) {
	view := newCycleView(summary)

	b.historyMu.Lock()
	b.history = append(b.history, view)
	if len(b.history) > b.historySize {
		b.history = b.history[len(b.history)-b.historySize:]
	}
	b.historyMu.Unlock()

	if summary.Winner != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.ds.ConsumeCycle(summary)
		}()
	}

	if b.remote != nil {
		b.remoteMu.Lock()
		b.remoteLatest = summary
		b.remoteMu.Unlock()
		select {
		case b.remoteSignal <- struct{}{}:
		default:
		}
	}
}

// forwardLatest ships the most recent cycle to the remote collector. Cycles
// superseded while waiting for the rate limiter are not forwarded.
func (b *Builder) forwardLatest() {
	b.remoteMu.Lock()
	summary := b.remoteLatest
	b.remoteLatest = nil
	b.remoteMu.Unlock()
	if summary == nil {
		return
	}
	if err := b.remote.ConsumeCycle(summary); err != nil {
		log.Warn("could not forward cycle", "number", summary.BlockNumber, "err", err)
	}
}

// Cycles returns the recorded cycles, oldest first.
func (b *Builder) Cycles() []CycleView {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	return append([]CycleView(nil), b.history...)
}

// Cycle returns the latest recorded cycle building blockNumber.
func (b *Builder) Cycle(blockNumber uint64) (CycleView, bool) {
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	for i := len(b.history) - 1; i >= 0; i-- {
		if b.history[i].BlockNumber == blockNumber {
			return b.history[i], true
		}
	}
	return CycleView{}, false
}

// Status is the status API view of the builder.
type Status struct {
	HeadNumber    uint64      `json:"headNumber"`
	HeadHash      common.Hash `json:"headHash"`
	PoolBundles   int         `json:"poolBundles"`
	PoolHeights   int         `json:"poolHeights"`
	Cycles        int         `json:"cycles"`
	EmittedBlocks int         `json:"emittedBlocks"`
}

func (b *Builder) Status() Status {
	head := b.chain.CurrentHeader()
	bundles, heights := b.pool.Stats()
	status := Status{
		HeadNumber:  head.Number.Uint64(),
		HeadHash:    head.Hash(),
		PoolBundles: bundles,
		PoolHeights: heights,
	}
	b.historyMu.RLock()
	defer b.historyMu.RUnlock()
	status.Cycles = len(b.history)
	for _, c := range b.history {
		if c.Emitted {
			status.EmittedBlocks++
		}
	}
	return status
}
