package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/core"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

const testConfigFile = `
[Miner]
Etherbase = "0x0000000000000000000000000000000000000001"
MaxMergedBundles = 5
SlotTime = 4000000000

[Builder]
ListenAddr = ""
CycleHistory = 10

[Dev]
Accounts = 4
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	file := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(file, []byte(content), 0644))
	return file
}

func runMakeConfig(t *testing.T, args ...string) (*producerConfig, error) {
	t.Helper()
	var (
		cfg *producerConfig
		err error
	)
	app := &cli.App{
		Flags: producerFlags,
		Action: func(ctx *cli.Context) error {
			cfg, err = makeConfig(ctx)
			return nil
		},
	}
	require.NoError(t, app.Run(append([]string{"mevproducer"}, args...)))
	return cfg, err
}

func TestLoadConfig(t *testing.T) {
	cfg := defaultProducerConfig()
	require.NoError(t, loadConfig(writeConfig(t, testConfigFile), cfg))

	require.Equal(t, common.HexToAddress("0x01"), cfg.Miner.Etherbase)
	require.Equal(t, 5, cfg.Miner.MaxMergedBundles)
	require.Equal(t, 4*time.Second, cfg.Miner.SlotTime)
	require.Equal(t, "", cfg.Builder.ListenAddr)
	require.Equal(t, 10, cfg.Builder.CycleHistory)
	require.Equal(t, 4, cfg.Dev.Accounts)
	// untouched values keep their defaults
	require.Equal(t, defaultDevConfig.TxsPerBlock, cfg.Dev.TxsPerBlock)
	require.Equal(t, uint64(30_000_000), cfg.Miner.GasCeil)
}

func TestLoadConfigUnknownField(t *testing.T) {
	cfg := defaultProducerConfig()
	err := loadConfig(writeConfig(t, "[Miner]\nRecommit = 1\n"), cfg)
	require.Error(t, err)
}

func TestMakeConfigFlagsOverrideFile(t *testing.T) {
	file := writeConfig(t, testConfigFile)
	cfg, err := runMakeConfig(t, "--config", file, "--miner.maxmergedbundles", "7", "--dev.txs", "3")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Miner.MaxMergedBundles)
	require.Equal(t, 3, cfg.Dev.TxsPerBlock)
	require.Equal(t, 4, cfg.Dev.Accounts)

	_, err = runMakeConfig(t, "--miner.etherbase", "not-an-address")
	require.Error(t, err)
}

func TestGeneratorFill(t *testing.T) {
	cfg := DevConfig{Accounts: 4, BundlesPerBlock: 2, TxsPerBlock: 2, Seed: 1}
	config := params.AllDevChainProtocolChanges
	g, err := newGenerator(config, common.HexToAddress("0xc0de"), cfg)
	require.NoError(t, err)
	require.Len(t, g.addrs, 4)

	again, err := newGenerator(config, common.HexToAddress("0xc0de"), cfg)
	require.NoError(t, err)
	require.Equal(t, g.addrs, again.addrs)

	alloc := g.genesisAlloc()
	require.Len(t, alloc, 5)
	require.Equal(t, []byte{core.OpRevert}, alloc[revertingContract].Code)

	chain := core.NewDevChain(config, alloc, 30_000_000, 0)
	pool := core.NewBundlePool(core.DefaultBundlePoolConfig, g.signer, 0)
	g.fill(chain, pool, chain.CurrentHeader())

	bundles, heights := pool.Stats()
	require.GreaterOrEqual(t, bundles, 2)
	require.Equal(t, 1, heights)
	require.Len(t, pool.MevBundles(1, 0), bundles)
	require.Len(t, chain.Pending(), 2)
}
