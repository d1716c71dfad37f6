// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

// Command edgevmc is the edge request-processing platform's standalone
// CLI: compile-free execution of already-assembled .vmbc programs,
// disassembly, and an interactive debug REPL, structured as a set of
// urfave/cli subcommands with shared global flags.
package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to a TOML runtime config file (JIT/rate-limit/debug tunables)",
	}
	verboseFlag = cli.BoolFlag{
		Name:  "verbose",
		Usage: "enable debug-level logging",
	}
)

func newLogger(verbose bool) *zap.SugaredLogger {
	var cfg zap.Config
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	logger, err := cfg.Build()
	if err != nil {
		// zap itself failed to construct; fall back to a no-op rather
		// than crash a CLI over logging setup.
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}

func main() {
	app := cli.NewApp()
	app.Name = "edgevmc"
	app.Usage = "run, disassemble, and debug edge VM bytecode programs"
	app.Version = "0.1.0"
	app.Flags = []cli.Flag{configFlag, verboseFlag}
	app.Commands = []cli.Command{
		runCommand,
		disasmCommand,
		debugCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "edgevmc:", err)
		os.Exit(1)
	}
}
