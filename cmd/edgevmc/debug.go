// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/davecgh/go-spew/spew"
	"github.com/olekukonko/tablewriter"
	"github.com/peterh/liner"
	"gopkg.in/urfave/cli.v1"

	"github.com/probechain/edgevm/internal/debugger"
	"github.com/probechain/edgevm/internal/hostabi"
	"github.com/probechain/edgevm/internal/value"
	"github.com/probechain/edgevm/internal/vm"
)

var debugCommand = cli.Command{
	Name:      "debug",
	Usage:     "attach the debug stepper to a program and drive it interactively",
	ArgsUsage: "<program.vmbc>",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "method", Value: "GET"},
		cli.StringFlag{Name: "path", Value: "/"},
	},
	Action: debugAction,
}

// debugSession wraps the goroutine running a Vm with the Debugger
// observing it, the shape cmd/gprobe's console wraps a node's RPC
// client around a peterh/liner prompt loop (SPEC_FULL.md §4.H).
type debugSession struct {
	m    *vm.Vm
	d    *debugger.Debugger
	done chan runResult
}

type runResult struct {
	status vm.Status
	err    error
}

func startDebugSession(m *vm.Vm, hctx *hostabi.Context) *debugSession {
	d := debugger.New()
	d.Attach(m)
	s := &debugSession{m: m, d: d, done: make(chan runResult, 1)}
	go func() {
		status, err := m.Run(context.Background(), hctx)
		s.done <- runResult{status, err}
	}()
	return s
}

func debugAction(c *cli.Context) error {
	if c.NArg() != 1 {
		return cli.NewExitError("usage: edgevmc debug <program.vmbc>", 1)
	}
	limiter := hostabi.NewRateLimiter()
	_, m, err := loadRegistryAndProgram(c.Args().First(), limiter)
	if err != nil {
		return err
	}
	hctx := &hostabi.Context{
		Request:  &hostabi.RequestContext{Method: c.String("method"), Path: c.String("path")},
		Response: &hostabi.ResponseContext{},
		Limiter:  limiter,
	}

	session := startDebugSession(m, hctx)
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("edgevmc debug: waiting for the program to stop (breakpoint, step target, or halt)")

	waiting := true
	for {
		if waiting {
			select {
			case ev := <-session.d.Stopped():
				fmt.Printf("stopped at line %d (ip %d, depth %d, %s)\n", ev.Line, ev.IP, ev.Depth, ev.Reason)
			case res := <-session.done:
				fmt.Printf("program finished: status=%s err=%v\n", res.status, res.err)
				return nil
			}
		}

		input, err := line.Prompt("(edgevmc) ")
		if err != nil {
			return nil // EOF or Ctrl-C: leave the program running and exit the REPL
		}
		line.AppendHistory(input)
		if done := dispatchDebugCommand(session, strings.TrimSpace(input)); done {
			return nil
		}
		// Only a movement command resumes the program; after any other
		// command the Vm is still paused, so prompt again right away.
		waiting = false
		if f := strings.Fields(input); len(f) > 0 {
			switch f[0] {
			case "step", "next", "out", "continue", "cont":
				waiting = true
			}
		}
	}
}

// dispatchDebugCommand runs one REPL command and reports whether the
// REPL should exit (quit or exit).
func dispatchDebugCommand(s *debugSession, input string) bool {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return false
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return true

	case "where":
		line, ip, depth := s.d.Where()
		fmt.Printf("line %d, ip %d, depth %d\n", line, ip, depth)

	case "locals":
		printValueTable("locals", s.d.Locals())

	case "stack":
		printValueTable("stack", s.d.Stack())

	case "print":
		if len(args) != 1 {
			fmt.Println("usage: print <local-slot-index>")
			return false
		}
		v, err := s.d.PrintVar(args[0])
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		printValue(v)

	case "break":
		n, err := requireLineArg(args)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		s.d.BreakLine(n)

	case "clear":
		n, err := requireLineArg(args)
		if err != nil {
			fmt.Println("error:", err)
			return false
		}
		s.d.ClearLine(n)

	// step/next/out/continue each resume the Vm's goroutine; the REPL
	// loop's next iteration selects on Stopped()/done to learn the
	// outcome, so none of these block waiting for the program itself.
	case "step":
		reportMovementError(s.d.Step())
	case "next":
		reportMovementError(s.d.Next())
	case "out":
		reportMovementError(s.d.Out())
	case "continue", "cont":
		reportMovementError(s.d.Continue())

	default:
		fmt.Printf("unknown command %q (where, locals, stack, print, break, clear, step, next, out, continue, quit)\n", cmd)
	}
	return false
}

func reportMovementError(err error) {
	if err != nil {
		fmt.Println("error:", err)
	}
}

func requireLineArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, fmt.Errorf("expected a line number")
	}
	return strconv.Atoi(args[0])
}

func printValueTable(label string, vals []value.Value) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"#", "kind", "value"})
	for i, v := range vals {
		table.Append([]string{fmt.Sprintf("%d", i), v.Kind.String(), v.String()})
	}
	table.Render()
	if len(vals) == 0 {
		fmt.Printf("(%s empty)\n", label)
	}
}

// printValue renders a scalar directly, falling back to go-spew for
// arrays/maps so nested structure is visible rather than just its
// truncated String().
func printValue(v value.Value) {
	switch v.Kind {
	case value.KindArray, value.KindMap:
		spew.Dump(v)
	default:
		fmt.Println(v.String())
	}
}
