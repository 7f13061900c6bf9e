package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"unicode"

	"github.com/ethereum/go-ethereum/common"
	"github.com/flashbots/mev-producer/builder"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/miner"
	"github.com/naoina/toml"
	"github.com/urfave/cli/v2"
)

// These settings ensure that TOML keys use the same names as Go struct fields.
var tomlSettings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string {
		return key
	},
	FieldToKey: func(rt reflect.Type, field string) string {
		return field
	},
	MissingField: func(rt reflect.Type, field string) error {
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see https://godoc.org/%s#%s for available fields", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

// DevConfig configures the in-memory chain and its synthetic load.
type DevConfig struct {
	Accounts        int    // Number of funded accounts
	GasLimit        uint64 // Genesis gas limit
	BundlesPerBlock int    // Bundles submitted for every new block
	TxsPerBlock     int    // Ordinary transactions submitted for every new block
	Seed            int64  // Seed of the account keys and of the load
}

var defaultDevConfig = DevConfig{
	Accounts:        32,
	GasLimit:        30_000_000,
	BundlesPerBlock: 8,
	TxsPerBlock:     8,
	Seed:            1,
}

type producerConfig struct {
	Miner   miner.Config
	Pool    core.BundlePoolConfig
	Builder builder.Config
	Dev     DevConfig
}

func defaultProducerConfig() *producerConfig {
	cfg := &producerConfig{
		Miner:   miner.DefaultConfig,
		Pool:    core.DefaultBundlePoolConfig,
		Builder: builder.DefaultConfig,
		Dev:     defaultDevConfig,
	}
	cfg.Miner.Etherbase = common.HexToAddress("0x000000000000000000000000000000000000c0de")
	cfg.Miner.SlotTime = defaultSlotTime
	cfg.Miner.SafetyMargin = defaultSlotTime / 10
	return cfg
}

func loadConfig(file string, cfg *producerConfig) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	err = tomlSettings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	// Add file name to errors that have a line number.
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(file + ", " + err.Error())
	}
	return err
}

// makeConfig loads the config file, if any, and applies the command line
// flags on top of it.
func makeConfig(ctx *cli.Context) (*producerConfig, error) {
	cfg := defaultProducerConfig()
	if file := ctx.String(configFileFlag.Name); file != "" {
		if err := loadConfig(file, cfg); err != nil {
			return nil, fmt.Errorf("invalid config file: %w", err)
		}
	}

	if ctx.IsSet(etherbaseFlag.Name) {
		addr := ctx.String(etherbaseFlag.Name)
		if !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("invalid etherbase %q", addr)
		}
		cfg.Miner.Etherbase = common.HexToAddress(addr)
	}
	if ctx.IsSet(gasCeilFlag.Name) {
		cfg.Miner.GasCeil = ctx.Uint64(gasCeilFlag.Name)
	}
	if ctx.IsSet(maxMergedBundlesFlag.Name) {
		cfg.Miner.MaxMergedBundles = ctx.Int(maxMergedBundlesFlag.Name)
	}
	if ctx.IsSet(slotTimeFlag.Name) {
		cfg.Miner.SlotTime = ctx.Duration(slotTimeFlag.Name)
	}
	if ctx.IsSet(safetyMarginFlag.Name) {
		cfg.Miner.SafetyMargin = ctx.Duration(safetyMarginFlag.Name)
	}
	if ctx.IsSet(strictConflictsFlag.Name) {
		cfg.Miner.StrictConflicts = ctx.Bool(strictConflictsFlag.Name)
	}
	if ctx.IsSet(complianceListFlag.Name) {
		cfg.Miner.ComplianceList = ctx.String(complianceListFlag.Name)
	}
	if ctx.IsSet(listenAddrFlag.Name) {
		cfg.Builder.ListenAddr = ctx.String(listenAddrFlag.Name)
	}
	if ctx.IsSet(postgresDSNFlag.Name) {
		cfg.Builder.PostgresDSN = ctx.String(postgresDSNFlag.Name)
	}
	if ctx.IsSet(remoteEndpointFlag.Name) {
		cfg.Builder.RemoteCycleEndpoint = ctx.String(remoteEndpointFlag.Name)
	}
	if ctx.IsSet(disableFetcherFlag.Name) {
		cfg.Builder.DisableBundleFetcher = ctx.Bool(disableFetcherFlag.Name)
	}
	if ctx.IsSet(devAccountsFlag.Name) {
		cfg.Dev.Accounts = ctx.Int(devAccountsFlag.Name)
	}
	if ctx.IsSet(devBundlesFlag.Name) {
		cfg.Dev.BundlesPerBlock = ctx.Int(devBundlesFlag.Name)
	}
	if ctx.IsSet(devTxsFlag.Name) {
		cfg.Dev.TxsPerBlock = ctx.Int(devTxsFlag.Name)
	}
	return cfg, nil
}

// dumpConfig is the dumpconfig command.
func dumpConfig(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	out, err := tomlSettings.Marshal(cfg)
	if err != nil {
		return err
	}

	dump := os.Stdout
	if ctx.NArg() > 0 {
		dump, err = os.OpenFile(ctx.Args().Get(0), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return err
		}
		defer dump.Close()
	}
	dump.Write(out)
	return nil
}
