package miner

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/log"
)

// Config is the configuration parameters of block production.
type Config struct {
	Etherbase        common.Address `toml:",omitempty"` // Block beneficiary
	ExtraData        hexutil.Bytes  `toml:",omitempty"` // Block extra data set by the producer
	GasCeil          uint64         // Target gas ceiling for produced blocks, 0 keeps the parent limit
	MaxMergedBundles int            // Number of bundle merging candidates besides the baseline
	SlotTime         time.Duration  // Time between two blocks
	SafetyMargin     time.Duration  // Part of the slot reserved for block propagation
	StrictConflicts  bool           // Also treat bundles writing the same accounts as conflicting
	ComplianceList   string         `toml:",omitempty"` // Name of the compliance list bundles are checked against
	BundleCacheSize  int            // Number of pending headers simulations are cached for
}

// DefaultConfig contains default settings for block production.
var DefaultConfig = Config{
	GasCeil:          30_000_000,
	MaxMergedBundles: 3,
	SlotTime:         12 * time.Second,
	SafetyMargin:     500 * time.Millisecond,
	BundleCacheSize:  3,
}

// sanitize returns a copy with unusable values replaced by defaults.
func (c *Config) sanitize() *Config {
	conf := *c
	if conf.MaxMergedBundles < 0 {
		log.Warn("Sanitizing invalid max merged bundles", "provided", conf.MaxMergedBundles, "updated", 0)
		conf.MaxMergedBundles = 0
	}
	if conf.SlotTime <= 0 {
		log.Warn("Sanitizing invalid slot time", "provided", conf.SlotTime, "updated", DefaultConfig.SlotTime)
		conf.SlotTime = DefaultConfig.SlotTime
	}
	if conf.SafetyMargin < 0 || conf.SafetyMargin >= conf.SlotTime {
		log.Warn("Sanitizing invalid safety margin", "provided", conf.SafetyMargin, "updated", conf.SlotTime/10)
		conf.SafetyMargin = conf.SlotTime / 10
	}
	if conf.BundleCacheSize <= 0 {
		conf.BundleCacheSize = DefaultConfig.BundleCacheSize
	}
	return &conf
}

// buildBudget is the part of a slot available for building.
func (c *Config) buildBudget() time.Duration {
	return c.SlotTime - c.SafetyMargin
}

// slotSeconds is the timestamp increment between blocks.
func (c *Config) slotSeconds() uint64 {
	if s := uint64(c.SlotTime / time.Second); s > 0 {
		return s
	}
	return 1
}
