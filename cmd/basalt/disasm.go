package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chazu/basalt/demo"
	"github.com/chazu/basalt/vm"
)

var disasmCmd = &cobra.Command{
	Use:   "disasm <demo>",
	Short: "Disassemble a demo program",
	Long: `Print the bytecode of a demo program's module code. With --after-run the
program is run first and every function it defined is listed with its
cache-aware opcodes and per-site cache state.`,
	Args: cobra.ExactArgs(1),
	RunE: runDisasm,
}

func init() {
	disasmCmd.Flags().Bool("after-run", false, "run the program and show functions with their inline cache state")
}

var (
	headerColor = color.New(color.FgYellow, color.Bold)
	opColor     = color.New(color.FgBlue, color.Bold)
	cachedColor = color.New(color.FgMagenta, color.Bold)
	targetColor = color.New(color.FgGreen)
	noteColor   = color.New(color.FgHiBlack)
)

func runDisasm(cmd *cobra.Command, args []string) error {
	p, ok := demo.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown demo %q (see 'basalt list')", args[0])
	}
	afterRun, err := cmd.Flags().GetBool("after-run")
	if err != nil {
		return fmt.Errorf("failed to get after-run flag: %w", err)
	}
	color.NoColor = !useColor(cmd)

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !afterRun {
		code, err := p.Build(rt)
		if err != nil {
			return err
		}
		return printListing(out, rt, code)
	}

	m, err := demo.Run(cmd.Context(), rt, p)
	if err != nil {
		return err
	}
	for _, fn := range moduleFunctions(rt, m) {
		if err := printListing(out, rt, fn); err != nil {
			return err
		}
		fmt.Fprintln(out)
	}
	return nil
}

// moduleFunctions returns the guest functions bound in m's globals and in
// the dictionaries of types m defines, in name order.
func moduleFunctions(rt *vm.Runtime, m *vm.Module) []vm.Value {
	var out []vm.Value
	seen := make(map[vm.Value]bool)
	add := func(v vm.Value) {
		if seen[v] {
			return
		}
		if _, err := rt.Instructions(v); err != nil {
			return
		}
		seen[v] = true
		out = append(out, v)
	}

	names := m.Names()
	sort.Strings(names)
	for _, name := range names {
		v, _ := m.Get(name)
		if typ, ok := rt.AsType(v); ok {
			attrs := typ.Names()
			sort.Strings(attrs)
			for _, attr := range attrs {
				if fn, ok := typ.Own(attr); ok {
					add(fn)
				}
			}
			continue
		}
		add(v)
	}
	return out
}

// printListing writes the disassembly of v, colorizing it when enabled.
func printListing(w io.Writer, rt *vm.Runtime, v vm.Value) error {
	text, err := rt.Disassemble(v)
	if err != nil {
		return err
	}
	if color.NoColor {
		_, err = io.WriteString(w, text)
		return err
	}

	header, _, _ := strings.Cut(text, "\n\n")
	headerColor.Fprintln(w, header)
	fmt.Fprintln(w)

	instrs, err := rt.Instructions(v)
	if err != nil {
		return err
	}
	for _, in := range instrs {
		line := "    "
		if in.Line > 0 {
			line = fmt.Sprintf("%4d", in.Line)
		}
		mark := "  "
		if in.IsTarget {
			mark = targetColor.Sprint(">>")
		}
		name := fmt.Sprintf("%-22s", in.Opcode.Name())
		if in.Opcode >= vm.OpLoadAttrCached {
			name = cachedColor.Sprint(name)
		} else {
			name = opColor.Sprint(name)
		}
		fmt.Fprintf(w, "%s %s %6d %s", line, mark, in.Offset, name)
		if in.Opcode.HasArgument() {
			fmt.Fprintf(w, " %5d", in.Arg)
		}
		switch {
		case in.Target >= 0:
			fmt.Fprintf(w, " %s", targetColor.Sprintf("(to %d)", in.Target))
		case in.Comment != "":
			fmt.Fprintf(w, " %s", noteColor.Sprintf("(%s)", in.Comment))
		}
		fmt.Fprintln(w)
	}
	return nil
}
