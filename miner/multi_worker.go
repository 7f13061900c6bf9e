package miner

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"golang.org/x/sync/errgroup"
)

// CandidateSummary describes one build of a cycle.
type CandidateSummary struct {
	MergeCount  int
	BundleCount int
	Balance     *uint256.Int
	BlockHash   common.Hash
	Duration    time.Duration
	Err         error
}

// CycleSummary describes one production cycle.
type CycleSummary struct {
	ID          uuid.UUID
	ParentHash  common.Hash
	BlockNumber uint64
	Timestamp   uint64
	Bundles     int // eligible bundles in the pool
	Candidates  []CandidateSummary

	Winner  *CandidateResult
	Emitted bool
	Stale   bool

	Start    time.Time
	Duration time.Duration
}

// WinnerBundleCount returns the bundle count of the winner, -1 without one.
func (s *CycleSummary) WinnerBundleCount() int {
	if s.Winner == nil {
		return -1
	}
	return s.Winner.BundleCount
}

// MevBlockProducer runs one production cycle per chain head: it builds a
// baseline candidate and one candidate per merge count concurrently and
// emits the one leaving the beneficiary richest.
type MevBlockProducer struct {
	config   *Config
	backend  Backend
	pool     *core.BundlePool
	builder  *CandidateBuilder
	selector *BundleSelector
	sink     BlockSink
	observer CycleObserver

	mu         sync.Mutex // guards generation, cancel and emission
	generation uint64
	cancel     context.CancelFunc

	headCh   chan *types.Header
	exitCh   chan struct{}
	stopOnce sync.Once
	loopWg   sync.WaitGroup
	cycleWg  sync.WaitGroup
}

func NewMevBlockProducer(config *Config, backend Backend, pool *core.BundlePool, executor core.Executor, validator Validator, sink BlockSink, observer CycleObserver) *MevBlockProducer {
	config = config.sanitize()
	simulator := NewBundleSimulator(executor, NewBundleCache(config.BundleCacheSize), config.ComplianceList)
	return &MevBlockProducer{
		config:   config,
		backend:  backend,
		pool:     pool,
		builder:  NewCandidateBuilder(config, backend, executor, validator),
		selector: NewBundleSelector(simulator, config.StrictConflicts),
		sink:     sink,
		observer: observer,
		headCh:   make(chan *types.Header),
		exitCh:   make(chan struct{}),
	}
}

// better reports whether a beats b: a higher balance wins, then fewer
// bundles, then the lower block hash.
func better(a, b *CandidateResult) bool {
	if c := a.BeneficiaryBalance.Cmp(b.BeneficiaryBalance); c != 0 {
		return c > 0
	}
	if a.BundleCount != b.BundleCount {
		return a.BundleCount < b.BundleCount
	}
	ha, hb := a.Block.Hash(), b.Block.Hash()
	return bytes.Compare(ha[:], hb[:]) < 0
}

// ProduceBlock runs one production cycle on top of head and returns the
// winning candidate. It does not emit the block. ErrNoCandidates is
// returned when every build failed.
func (p *MevBlockProducer) ProduceBlock(ctx context.Context, head *types.Header) (*CandidateResult, *CycleSummary, error) {
	start := time.Now()
	deadline := start.Add(p.config.buildBudget())
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	header := p.builder.makeHeader(head)
	bundles := p.pool.MevBundles(header.Number.Uint64(), header.Time)

	summary := &CycleSummary{
		ID:          uuid.New(),
		ParentHash:  head.Hash(),
		BlockNumber: header.Number.Uint64(),
		Timestamp:   header.Time,
		Bundles:     len(bundles),
		Start:       start,
	}

	// merge counts above the number of eligible bundles can only repeat a
	// smaller candidate
	maxMerge := min(p.config.MaxMergedBundles, len(bundles))
	var (
		mu      sync.Mutex
		results = make([]*CandidateResult, 0, maxMerge+1)
		g       errgroup.Group
	)
	summary.Candidates = make([]CandidateSummary, maxMerge+1)
	g.SetLimit(maxMerge + 1)
	for k := 0; k <= maxMerge; k++ {
		var source BundleSource = NoBundles{}
		if k > 0 {
			source = &SelectedBundles{Selector: p.selector, Candidates: bundles, MaxMergeCount: k}
		}
		g.Go(func() error {
			buildStart := time.Now()
			res, err := p.builder.Build(ctx, head, source, deadline)

			mu.Lock()
			defer mu.Unlock()
			cs := CandidateSummary{MergeCount: k, Duration: time.Since(buildStart), Err: err}
			if err != nil {
				if errors.Is(err, ErrDuplicateCandidate) {
					log.Debug("Skipping duplicate candidate", "number", summary.BlockNumber, "mergeCount", k, "err", err)
				} else {
					candidateFailedMeter.Mark(1)
					log.Info("Candidate build failed", "number", summary.BlockNumber, "mergeCount", k, "err", err)
				}
			} else {
				cs.BundleCount = res.BundleCount
				cs.Balance = res.BeneficiaryBalance
				cs.BlockHash = res.Block.Hash()
				results = append(results, res)
			}
			summary.Candidates[k] = cs
			// failures stay local to the candidate
			return nil
		})
	}
	g.Wait()

	var winner *CandidateResult
	for _, res := range results {
		if winner == nil || better(res, winner) {
			winner = res
		}
	}
	summary.Winner = winner
	summary.Duration = time.Since(start)
	cycleTimer.Update(summary.Duration)

	if winner == nil {
		cycleNoCandidateMeter.Mark(1)
		log.Warn("No candidate block built", "number", summary.BlockNumber, "parent", summary.ParentHash, "bundles", len(bundles))
		return nil, summary, ErrNoCandidates
	}

	profit := profitGwei(winner.Profit)
	blockProfitHistogram.Update(profit)
	blockProfitGauge.Update(profit)
	culmulativeProfitGauge.Inc(profit)
	mergedBundlesHistogram.Update(int64(winner.BundleCount))
	gasUsedGauge.Update(int64(winner.Block.GasUsed()))
	transactionNumGauge.Update(int64(len(winner.Block.Transactions())))

	log.Info("Selected candidate block", "number", winner.Block.NumberU64(), "hash", winner.Block.Hash(),
		"bundles", winner.BundleCount, "candidates", len(results), "profit", winner.Profit,
		"elapsed", common.PrettyDuration(summary.Duration))
	return winner, summary, nil
}

// Start launches the head processing loop.
func (p *MevBlockProducer) Start() {
	p.loopWg.Add(1)
	go p.loop()
}

// Stop cancels the running cycle and waits for every goroutine to exit.
func (p *MevBlockProducer) Stop() {
	p.stopOnce.Do(func() {
		close(p.exitCh)
	})
	p.loopWg.Wait()
	p.cycleWg.Wait()
}

// NewHead hands a new chain head to the producer. The running cycle is
// cancelled and a new one is started on head.
func (p *MevBlockProducer) NewHead(head *types.Header) {
	select {
	case p.headCh <- head:
	case <-p.exitCh:
	}
}

func (p *MevBlockProducer) loop() {
	defer p.loopWg.Done()
	for {
		select {
		case head := <-p.headCh:
			p.startCycle(head)
		case <-p.exitCh:
			p.mu.Lock()
			if p.cancel != nil {
				p.cancel()
			}
			p.mu.Unlock()
			return
		}
	}
}

func (p *MevBlockProducer) startCycle(head *types.Header) {
	p.pool.EvictUpTo(head.Number.Uint64())
	p.pool.EvictExpired(head.Time + p.config.slotSeconds())

	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.generation++
	gen := p.generation
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.mu.Unlock()

	log.Debug("Starting production cycle", "parent", head.Hash(), "number", head.Number, "generation", gen)
	p.cycleWg.Add(1)
	go func() {
		defer p.cycleWg.Done()
		defer cancel()
		p.runCycle(ctx, gen, head)
	}()
}

func (p *MevBlockProducer) runCycle(ctx context.Context, gen uint64, head *types.Header) {
	emitAt := time.Now().Add(p.config.buildBudget())
	result, summary, err := p.ProduceBlock(ctx, head)
	if err == nil {
		err = waitUntil(ctx, emitAt)
		if err == nil {
			err = p.emit(gen, result)
		}
		switch {
		case err == nil:
			summary.Emitted = true
		case errors.Is(err, ErrStaleCycle):
			summary.Stale = true
			cycleStaleMeter.Mark(1)
			log.Debug("Discarding stale block", "number", result.Block.NumberU64(), "hash", result.Block.Hash())
		default:
			log.Error("Block sink rejected block", "number", result.Block.NumberU64(), "hash", result.Block.Hash(), "err", err)
		}
	}
	if p.observer != nil {
		p.observer.OnCycle(summary)
	}
}

// waitUntil holds the winner until the end of the build window. A cycle
// cancelled meanwhile is stale.
func waitUntil(ctx context.Context, t time.Time) error {
	timer := time.NewTimer(time.Until(t))
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ErrStaleCycle
	}
}

// emit hands result to the sink unless a newer head arrived since the cycle
// of generation gen started.
func (p *MevBlockProducer) emit(gen uint64, result *CandidateResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if gen != p.generation {
		return ErrStaleCycle
	}
	if p.sink == nil {
		return nil
	}
	return p.sink.AcceptBlock(result)
}
