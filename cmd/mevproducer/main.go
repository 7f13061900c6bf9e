// mevproducer runs the bundle merging block producer on top of an in-memory
// development chain fed with synthetic bundles and transactions.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/flashbots/mev-producer/builder"
	"github.com/flashbots/mev-producer/core"
	"github.com/flashbots/mev-producer/ofac"
	"github.com/urfave/cli/v2"
)

const defaultSlotTime = 2 * time.Second

var (
	configFileFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "Logging verbosity: 0=silent, 1=error, 2=warn, 3=info, 4=debug, 5=detail",
		Value: 3,
	}
	etherbaseFlag = &cli.StringFlag{
		Name:  "miner.etherbase",
		Usage: "Beneficiary of produced blocks",
	}
	gasCeilFlag = &cli.Uint64Flag{
		Name:  "miner.gaslimit",
		Usage: "Target gas ceiling for produced blocks",
	}
	maxMergedBundlesFlag = &cli.IntFlag{
		Name:  "miner.maxmergedbundles",
		Usage: "Number of bundle merging candidates built besides the baseline",
	}
	slotTimeFlag = &cli.DurationFlag{
		Name:  "miner.slottime",
		Usage: "Time between two blocks",
	}
	safetyMarginFlag = &cli.DurationFlag{
		Name:  "miner.safetymargin",
		Usage: "Part of the slot reserved for block propagation",
	}
	strictConflictsFlag = &cli.BoolFlag{
		Name:  "miner.strictconflicts",
		Usage: "Also treat bundles writing the same accounts as conflicting",
	}
	complianceListFlag = &cli.StringFlag{
		Name:  "miner.compliancelist",
		Usage: "Name of the compliance list bundles are checked against",
	}
	complianceFileFlag = &cli.StringFlag{
		Name:  "miner.compliancefile",
		Usage: "JSON file mapping compliance list names to address arrays",
	}
	listenAddrFlag = &cli.StringFlag{
		Name:  "builder.listen_addr",
		Usage: "Listening address of the status API, empty to disable",
	}
	postgresDSNFlag = &cli.StringFlag{
		Name:    "builder.postgres_dsn",
		Usage:   "Postgres DSN for cycle records and the bundle fetcher",
		EnvVars: []string{"FLASHBOTS_POSTGRES_DSN"},
	}
	remoteEndpointFlag = &cli.StringFlag{
		Name:  "builder.remote_cycle_endpoint",
		Usage: "JSON-RPC endpoint receiving cycle records",
	}
	disableFetcherFlag = &cli.BoolFlag{
		Name:  "builder.no_bundle_fetcher",
		Usage: "Do not fetch bundles from the database",
	}
	devAccountsFlag = &cli.IntFlag{
		Name:  "dev.accounts",
		Usage: "Number of funded development accounts",
	}
	devBundlesFlag = &cli.IntFlag{
		Name:  "dev.bundles",
		Usage: "Synthetic bundles submitted per block",
	}
	devTxsFlag = &cli.IntFlag{
		Name:  "dev.txs",
		Usage: "Synthetic transactions submitted per block",
	}

	producerFlags = []cli.Flag{
		configFileFlag,
		verbosityFlag,
		etherbaseFlag,
		gasCeilFlag,
		maxMergedBundlesFlag,
		slotTimeFlag,
		safetyMarginFlag,
		strictConflictsFlag,
		complianceListFlag,
		complianceFileFlag,
		listenAddrFlag,
		postgresDSNFlag,
		remoteEndpointFlag,
		disableFetcherFlag,
		devAccountsFlag,
		devBundlesFlag,
		devTxsFlag,
	}
)

func main() {
	app := &cli.App{
		Name:   "mevproducer",
		Usage:  "bundle merging block producer",
		Flags:  producerFlags,
		Before: setupLogging,
		Action: run,
		Commands: []*cli.Command{
			{
				Name:      "dumpconfig",
				Usage:     "Export configuration values in a TOML format",
				ArgsUsage: "<dumpfile (optional)>",
				Flags:     producerFlags,
				Action:    dumpConfig,
			},
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setupLogging(ctx *cli.Context) error {
	level := log.FromLegacyLevel(ctx.Int(verbosityFlag.Name))
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, level, true)))
	return nil
}

func run(ctx *cli.Context) error {
	cfg, err := makeConfig(ctx)
	if err != nil {
		return err
	}
	if !cfg.Builder.Enabled {
		return errors.New("block production is disabled in the config")
	}
	if file := ctx.String(complianceFileFlag.Name); file != "" {
		if err := ofac.LoadComplianceLists(file); err != nil {
			return err
		}
	}

	chainConfig := params.AllDevChainProtocolChanges
	gen, err := newGenerator(chainConfig, cfg.Miner.Etherbase, cfg.Dev)
	if err != nil {
		return err
	}
	chain := core.NewDevChain(chainConfig, gen.genesisAlloc(), cfg.Dev.GasLimit, uint64(time.Now().Unix()))
	pool := core.NewBundlePool(cfg.Pool, gen.signer, 0)
	service := builder.Register(chain, pool, core.NewTransferExecutor(chainConfig), &cfg.Miner, &cfg.Builder)

	log.Info("Starting block producer", "etherbase", cfg.Miner.Etherbase, "slot", cfg.Miner.SlotTime,
		"maxMergedBundles", cfg.Miner.MaxMergedBundles, "accounts", cfg.Dev.Accounts)
	if err := service.Start(); err != nil {
		return err
	}

	genCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		gen.run(genCtx, chain, pool)
	}()

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	<-sigc
	log.Info("Got interrupt, shutting down...")

	cancel()
	<-done
	return service.Stop()
}
