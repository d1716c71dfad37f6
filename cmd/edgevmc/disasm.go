// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package main

import (
	"fmt"
	"os"

	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/edgevm/internal/bytecode"
	"github.com/probechain/edgevm/internal/hostabi"
)

var disasmCommand = cli.Command{
	Name:      "disasm",
	Usage:     "print a tabular instruction listing for a compiled .vmbc program",
	ArgsUsage: "<program.vmbc>",
	Action:    disasmAction,
}

func disasmAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: edgevmc disasm <program.vmbc>", 1)
	}
	prog, err := bytecode.ReadFile(c.Args().First())
	if err != nil {
		return err
	}
	// Host-call rows render the callee name only if HostFuncs is
	// populated; re-attach the canonical registry's table so CallHost
	// operands disassemble with names instead of bare indices, the same
	// assumption loadRegistryAndProgram makes for run.
	prog.HostFuncs = hostabi.DefaultRegistry(nil).Signatures()
	fmt.Fprint(os.Stdout, bytecode.Disassemble(prog))
	return nil
}
