// Command slottrace is the CLI wrapper around the storage-access labeling
// engine. It wires the oracle and layoutsource adapters, the LayoutIndex
// cache, and config loading behind two subcommands: trace (one-shot) and
// watch (poll loop).
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/ethstorage/slottrace"
	"github.com/ethstorage/slottrace/cache"
	"github.com/ethstorage/slottrace/config"
	"github.com/ethstorage/slottrace/layoutsource"
	"github.com/ethstorage/slottrace/oracle"
	"github.com/ethstorage/slottrace/trace"
)

var (
	configFlag = &cli.StringFlag{
		Name:    "config",
		Usage:   "path to a slottrace TOML config file",
		EnvVars: []string{"SLOTTRACE_CONFIG"},
	}
	verbosityFlag = &cli.IntFlag{
		Name:  "verbosity",
		Usage: "log verbosity (0=crit, 5=trace)",
		Value: 3,
	}
	fromFlag = &cli.StringFlag{Name: "from", Usage: "sender address"}
	toFlag   = &cli.StringFlag{Name: "to", Usage: "recipient/contract address"}
	dataFlag = &cli.StringFlag{Name: "data", Usage: "hex-encoded calldata"}
	txFlag   = &cli.StringFlag{Name: "tx", Usage: "replay this historical transaction hash instead of simulating a call"}
)

func main() {
	app := &cli.App{
		Name:  "slottrace",
		Usage: "label EVM storage-slot accesses with their declared variable and decoded value",
		Flags: []cli.Flag{configFlag, verbosityFlag},
		Commands: []*cli.Command{
			traceCommand,
			watchCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var traceCommand = &cli.Command{
	Name:  "trace",
	Usage: "run a one-shot storage-access trace for a transaction",
	Flags: []cli.Flag{fromFlag, toFlag, dataFlag, txFlag},
	Action: func(ctx *cli.Context) error {
		cfg, eo, ls, lc, err := setup(ctx)
		if err != nil {
			return err
		}
		in, err := inputFromFlags(ctx, cfg.RPC.ChainID)
		if err != nil {
			return err
		}

		result, err := slottrace.TraceStorageAccess(ctx.Context, eo, ls, lc, in)
		if result != nil {
			if printErr := printResult(result); printErr != nil {
				return printErr
			}
		}
		if err != nil {
			if _, ok := err.(*slottrace.SimulationReverted); ok {
				log.Warn("slottrace: simulation reverted, printed partial access", "err", err)
				return nil
			}
			return err
		}
		return nil
	},
}

var watchCommand = &cli.Command{
	Name:      "watch",
	Usage:     "poll new blocks and trace every transaction touching an address",
	ArgsUsage: "<address>",
	Action: func(ctx *cli.Context) error {
		if ctx.Args().Len() != 1 {
			return cli.Exit("watch expects exactly one <address> argument", 1)
		}
		address := common.HexToAddress(ctx.Args().First())

		cfg, eo, ls, lc, err := setup(ctx)
		if err != nil {
			return err
		}

		runCtx, cancel := signal.NotifyContext(ctx.Context, os.Interrupt)
		defer cancel()

		unsubscribe := slottrace.WatchStorage(runCtx, eo, ls, lc, cfg.RPC.ChainID, address, cfg.Watch.PollInterval,
			func(t trace.StorageAccessTrace) {
				if err := printTrace(address, t); err != nil {
					log.Error("slottrace: failed to print trace", "err", err)
				}
			},
			func(err error) {
				log.Error("slottrace: watch error", "err", err)
			},
		)
		defer unsubscribe()

		<-runCtx.Done()
		return nil
	},
}

func setup(ctx *cli.Context) (config.Config, *oracle.Client, *layoutsource.Client, *cache.LayoutCache, error) {
	log.SetDefault(log.NewLogger(log.NewTerminalHandlerWithLevel(os.Stderr, log.FromLegacyLevel(ctx.Int(verbosityFlag.Name)), true)))

	cfg, err := config.Load(ctx.String(configFlag.Name))
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	eo, err := oracle.Dial(ctx.Context, cfg.RPC.URL)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	var ls *layoutsource.Client
	if cfg.Explorer.URL != "" {
		ls, err = layoutsource.New(cfg.Explorer.URL, cfg.Cache.ResponseSize, layoutsource.WithAPIKey(cfg.Explorer.APIKey))
		if err != nil {
			return config.Config{}, nil, nil, nil, err
		}
	} else {
		ls, err = layoutsource.New("", 0)
		if err != nil {
			return config.Config{}, nil, nil, nil, err
		}
	}

	lc, err := cache.New(cfg.Cache.LayoutIndexSize)
	if err != nil {
		return config.Config{}, nil, nil, nil, err
	}

	return cfg, eo, ls, lc, nil
}

func inputFromFlags(ctx *cli.Context, chainID uint64) (slottrace.TraceInput, error) {
	if tx := ctx.String(txFlag.Name); tx != "" {
		h := common.HexToHash(tx)
		return slottrace.TraceInput{ChainID: chainID, TxHash: &h}, nil
	}
	if ctx.String(fromFlag.Name) == "" || ctx.String(toFlag.Name) == "" {
		return slottrace.TraceInput{}, cli.Exit("trace requires --from and --to (or --tx)", 1)
	}
	to := common.HexToAddress(ctx.String(toFlag.Name))
	var data []byte
	if d := ctx.String(dataFlag.Name); d != "" {
		data = common.FromHex(d)
	}
	return slottrace.TraceInput{
		ChainID: chainID,
		From:    common.HexToAddress(ctx.String(fromFlag.Name)),
		To:      &to,
		Data:    data,
	}, nil
}

func printResult(result map[common.Address]*trace.StorageAccessTrace) error {
	for addr, t := range result {
		if err := printTrace(addr, *t); err != nil {
			return err
		}
	}
	return nil
}

func printTrace(address common.Address, t trace.StorageAccessTrace) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]interface{}{
		"address": address.Hex(),
		"reads":   t.Reads,
		"writes":  t.Writes,
		"intrinsic": t.Intrinsic,
	})
}
