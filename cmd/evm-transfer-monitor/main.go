// Command evm-transfer-monitor runs one chain-aware transfer observer core
// against the chain named by its single positional argument, selected out
// of the configured chain catalog.
//
// The cli.App shape — a package-level app/flags block, an Action closure,
// os.Exit(1) on failure — mirrors cmd/kcn/main.go, itself built on
// gopkg.in/urfave/cli.v1.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"gopkg.in/urfave/cli.v1"

	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/chain"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/config"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/core"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/klog"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/outbox"
	"github.com/evm-transfer-monitor/evm-transfer-monitor/internal/rpcgateway"
)

// Version is stamped at build time via -ldflags, mirroring the
// params.Version pattern; it appears in the webhook User-Agent header.
var Version = "dev"

var (
	configFileFlag = cli.StringFlag{
		Name:  "config",
		Value: "config.toml",
		Usage: "TOML configuration file",
	}
	debugFlag = cli.BoolFlag{
		Name:  "debug",
		Usage: "enable verbose console logging",
	}
)

func main() {
	app := cli.NewApp()
	app.Name = "evm-transfer-monitor"
	app.Usage = "tail an EVM-compatible chain and notify on matching transfers"
	app.Version = Version
	app.ArgsUsage = "<chain_name>"
	app.Flags = []cli.Flag{configFileFlag, debugFlag}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	klog.SetDebug(ctx.Bool(debugFlag.Name))
	defer klog.Sync()
	log := klog.New(klog.ModuleCLI)

	chainName := ctx.Args().First()
	if chainName == "" {
		return cli.NewExitError("missing required <chain_name> argument", 1)
	}

	cfg, err := config.Load(ctx.String(configFileFlag.Name))
	if err != nil {
		log.Error("configuration load failed", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}

	entry, err := cfg.ChainFor(chainName)
	if err != nil {
		log.Error("chain not found in catalog", "chain", chainName, "err", err)
		return cli.NewExitError(err.Error(), 1)
	}

	required := entry.ConfirmationBlocks
	if required <= 0 {
		required = cfg.Monitor.RequiredConfirmations
	}
	chainCfg := &chain.Config{
		ChainName:             chainName,
		RPCURL:                entry.RPCURL,
		BlockTime:             entry.BlockTimeDuration(),
		RequiredConfirmations: required,
		NativeSymbol:          "ETH",
		Tokens:                tokensFrom(entry),
	}

	gateway, err := rpcgateway.New(rpcgateway.Options{
		RPCURL:       entry.RPCURL,
		CacheTTL:     cfg.Monitor.CacheTTLDuration(),
		MaxPerSecond: cfg.Monitor.MaxRPCPerSecond,
		MaxPerDay:    cfg.Monitor.MaxRPCPerDay,
	})
	if err != nil {
		log.Error("rpc gateway init failed", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}

	store, err := outbox.Open(cfg.Database.Dialect, cfg.Database.DSN)
	if err != nil {
		log.Error("outbox store init failed", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}
	defer store.Close()

	chainCore, err := core.New(core.Dependencies{
		ChainName: chainName,
		Chain:     chainCfg,
		Gateway:   gateway,
		Store:     store,
		Monitor:   cfg.Monitor,
		RabbitMQ:  cfg.RabbitMQ,
		Webhook:   cfg.Notification,
		Version:   Version,
	})
	if err != nil {
		log.Error("core assembly failed", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("signal received, shutting down")
		cancel()
	}()

	banner := color.New(color.FgCyan, color.Bold)
	banner.Fprintf(os.Stderr, "evm-transfer-monitor %s — chain=%s strategy=%s\n", Version, chainName, cfg.Monitor.Strategy)

	log.Info("starting chain core", "chain", chainName, "version", Version)
	if err := chainCore.Run(runCtx); err != nil {
		log.Error("core run failed", "err", err)
		return cli.NewExitError(err.Error(), 1)
	}
	return nil
}

func tokensFrom(entry config.ChainEntry) map[string]chain.TokenConfig {
	tokens := make(map[string]chain.TokenConfig)
	if entry.UsdtContract != "" {
		tokens["USDT"] = chain.TokenConfig{Symbol: "USDT", Address: entry.UsdtContract, Decimals: 6}
	}
	if entry.UsdcContract != "" {
		tokens["USDC"] = chain.TokenConfig{Symbol: "USDC", Address: entry.UsdcContract, Decimals: 6}
	}
	return tokens
}
