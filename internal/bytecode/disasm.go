// Copyright 2024 The ProbeChain Authors
// This file is part of the ProbeChain.

package bytecode

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/probechain/edgevm/internal/value"
)

// Disassemble renders prog's code stream as a table of offset/mnemonic/
// operand/comment rows, one instruction per row, grouped by function. It
// assumes prog has already passed Validate; offsets and operands are
// printed best-effort otherwise.
func Disassemble(prog *value.Program) string {
	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"func", "offset", "op", "operand", "note"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	ranges, err := functionRanges(prog)
	if err != nil {
		table.Append([]string{"-", "0", "error", "", err.Error()})
		table.Render()
		return sb.String()
	}

	for fi, fr := range ranges {
		p := fr.start
		for p < fr.end {
			op := Opcode(prog.Code[p])
			if !op.Valid() {
				table.Append([]string{fmt.Sprintf("%d", fi), fmt.Sprintf("%d", p), "???", fmt.Sprintf("0x%02x", prog.Code[p]), "invalid opcode"})
				p++
				continue
			}
			operand, note := formatOperand(prog, op, prog.Code[p+1:p+op.InstructionSize()])
			table.Append([]string{fmt.Sprintf("%d", fi), fmt.Sprintf("%d", p), op.String(), operand, note})
			p += op.InstructionSize()
		}
	}
	table.Render()
	return sb.String()
}

func formatOperand(prog *value.Program, op Opcode, operand []byte) (string, string) {
	switch op {
	case OpLdc:
		idx := binary.LittleEndian.Uint32(operand)
		note := ""
		if int(idx) < len(prog.Constants) {
			note = prog.Constants[idx].String()
		}
		return fmt.Sprintf("%d", idx), note
	case OpLdloc, OpStloc:
		return fmt.Sprintf("%d", operand[0]), ""
	case OpJump, OpJumpIfFalse, OpJumpIfTrue:
		rel := int32(binary.LittleEndian.Uint32(operand))
		return fmt.Sprintf("%+d", rel), ""
	case OpCallHost:
		idx := binary.LittleEndian.Uint16(operand)
		argc := operand[2]
		name := ""
		if int(idx) < len(prog.HostFuncs) {
			name = prog.HostFuncs[idx].Name
		}
		return fmt.Sprintf("%d,%d", idx, argc), name
	case OpCallUser:
		idx := binary.LittleEndian.Uint16(operand)
		argc := operand[2]
		return fmt.Sprintf("%d,%d", idx, argc), ""
	case OpNewArray, OpNewMap:
		return fmt.Sprintf("%d", binary.LittleEndian.Uint16(operand)), ""
	default:
		return "", ""
	}
}
