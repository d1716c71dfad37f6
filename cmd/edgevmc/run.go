// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package main

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/config"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/jit"
	"github.com/probechain/edgevm/internal/jit/native"
	"github.com/probechain/edgevm/internal/vm"
)

var runCommand = cli.Command{
	Name:      "run",
	Usage:     "execute a compiled .vmbc program against a synthetic request",
	ArgsUsage: "<program.vmbc>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "method", Value: "GET"},
		cli.StringFlag{Name: "path", Value: "/"},
		cli.BoolFlag{Name: "disable-native", Usage: "force the interpreter-only JIT fallback"},
	},
	Action: runAction,
}

// loadRegistryAndProgram reads a .vmbc file and re-attaches the
// canonical host-function signature table, since the wire format
// (spec.md §6) carries only constants/functions/code, never
// HostFuncs — CallHost indices in a compiled file are only meaningful
// against the exact registry it was compiled against, and edgevmc
// assumes every program it loads was compiled against DefaultRegistry.
func loadRegistryAndProgram(path string, limiter *hostabi.RateLimiter) (*hostabi.Registry, *vm.Vm, error) {
	prog, err := bytecode.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading %s: %w", path, err)
	}
	registry := hostabi.DefaultRegistry(limiter)
	prog.HostFuncs = registry.Signatures()

	m, err := vm.New(prog, registry.Bind())
	if err != nil {
		return nil, nil, fmt.Errorf("installing %s: %w", path, err)
	}
	return registry, m, nil
}

func runAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: edgevmc run <program.vmbc>", 1)
	}
	logger := newLogger(c.GlobalBool("verbose"))
	defer logger.Sync()

	cfg := config.Default()
	if p := c.GlobalString("config"); p != "" {
		loaded, err := config.Load(p)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	cfg.JIT.DisableNative = cfg.JIT.DisableNative || c.Bool("disable-native")

	limiter := hostabi.NewRateLimiter()
	_, m, err := loadRegistryAndProgram(c.Args().First(), limiter)
	if err != nil {
		return err
	}

	recorder := jit.NewRecorder(cfg.JIT, native.NewCompileFunc(native.Config{DisableNative: cfg.JIT.DisableNative}, logger), logger)
	m.Trace = recorder

	hctx := &hostabi.Context{
		Request: &hostabi.RequestContext{
			Method: c.String("method"),
			Path:   c.String("path"),
		},
		Response: &hostabi.ResponseContext{},
		Limiter:  limiter,
	}

	status, err := m.Run(context.Background(), hctx)
	fmt.Fprintf(os.Stdout, "status: %s\n", status)
	if err != nil {
		fmt.Fprintf(os.Stdout, "error: %v\n", err)
	}
	if stack := m.Stack(); len(stack) > 0 {
		fmt.Fprintf(os.Stdout, "stack: %v\n", stack)
	}
	fmt.Fprintf(os.Stdout, "response status: %d\n", hctx.Response.StatusCode)
	if err != nil {
		return cli.NewExitError(fmt.Sprintf("%s (http %d)", err, hostabi.StatusForError(err)), 1)
	}
	return nil
}
