package miner

import (
	"bytes"
	"context"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/flashbots/mev-producer/core"
)

// BundleSelector picks the most profitable set of non conflicting bundles.
type BundleSelector struct {
	simulator *BundleSimulator
	strict    bool
}

// NewBundleSelector creates a selector. In strict mode bundles writing the
// same account also conflict.
func NewBundleSelector(simulator *BundleSimulator, strict bool) *BundleSelector {
	return &BundleSelector{
		simulator: simulator,
		strict:    strict,
	}
}

// SelectBundles simulates bundles against env and greedily takes the best
// scoring ones that do not conflict, at most maxMergeCount of them. The
// result is in execution order.
func (s *BundleSelector) SelectBundles(ctx context.Context, env *SimEnv, bundles []core.MevBundle, maxMergeCount int) ([]core.SimulatedBundle, error) {
	if maxMergeCount <= 0 || len(bundles) == 0 {
		return nil, nil
	}
	simulated := s.simulator.SimulateBundles(ctx, env, bundles)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	selected := selectBundles(simulated, maxMergeCount, s.strict)
	log.Trace("Selected bundles", "block", env.Header.Number, "candidates", len(bundles), "max", maxMergeCount, "selected", len(selected))
	return selected, nil
}

// sortByScore orders bundles by descending score, then ascending hash.
func sortByScore(bundles []core.SimulatedBundle) {
	sort.SliceStable(bundles, func(i, j int) bool {
		if c := bundles[i].Score.Cmp(bundles[j].Score); c != 0 {
			return c > 0
		}
		hi, hj := bundles[i].OriginalBundle.Hash, bundles[j].OriginalBundle.Hash
		return bytes.Compare(hi[:], hj[:]) < 0
	})
}

type conflictTracker struct {
	strict  bool
	senders map[common.Address][]core.NonceRange
	keys    mapset.Set[common.Address]
	touched mapset.Set[common.Address]
}

func newConflictTracker(strict bool) *conflictTracker {
	return &conflictTracker{
		strict:  strict,
		senders: make(map[common.Address][]core.NonceRange),
		keys:    mapset.NewThreadUnsafeSet[common.Address](),
		touched: mapset.NewThreadUnsafeSet[common.Address](),
	}
}

// conflicts reports whether b shares a sender nonce with an added bundle,
// or in strict mode writes an account an added bundle wrote.
func (c *conflictTracker) conflicts(b *core.SimulatedBundle) bool {
	senders := mapset.NewThreadUnsafeSet[common.Address]()
	for from := range b.Senders {
		senders.Add(from)
	}
	for _, from := range senders.Intersect(c.keys).ToSlice() {
		for _, r := range c.senders[from] {
			if r.Overlaps(b.Senders[from]) {
				return true
			}
		}
	}
	if !c.strict {
		return false
	}
	for _, addr := range b.Touched {
		if c.touched.Contains(addr) {
			return true
		}
	}
	return false
}

func (c *conflictTracker) add(b *core.SimulatedBundle) {
	for from, r := range b.Senders {
		c.keys.Add(from)
		c.senders[from] = append(c.senders[from], r)
	}
	for _, addr := range b.Touched {
		c.touched.Add(addr)
	}
}

// selectBundles drops failed simulations and greedily takes non conflicting
// bundles by score.
func selectBundles(simulated []core.SimulatedBundle, maxMergeCount int, strict bool) []core.SimulatedBundle {
	if maxMergeCount <= 0 {
		return nil
	}
	candidates := make([]core.SimulatedBundle, 0, len(simulated))
	for _, b := range simulated {
		if b.Success {
			candidates = append(candidates, b)
		}
	}
	sortByScore(candidates)

	var (
		tracker  = newConflictTracker(strict)
		selected = make([]core.SimulatedBundle, 0, min(maxMergeCount, len(candidates)))
	)
	for i := range candidates {
		if len(selected) == maxMergeCount {
			break
		}
		b := &candidates[i]
		if tracker.conflicts(b) {
			log.Trace("Skipping conflicting bundle", "bundle", b.OriginalBundle.Hash, "score", b.Score)
			continue
		}
		tracker.add(b)
		selected = append(selected, *b)
	}
	return selected
}
