package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/chazu/basalt/demo"
)

var runCmd = &cobra.Command{
	Use:   "run [demo...]",
	Short: "Run demo programs and print their results",
	Long:  `Run the named demo programs (all of them when none is named), verify their outcome and print the globals each one exposes.`,
	RunE:  runDemos,
}

func runDemos(cmd *cobra.Command, args []string) error {
	programs, err := selectPrograms(args)
	if err != nil {
		return err
	}

	color.NoColor = !useColor(cmd)
	okColor := color.New(color.FgGreen, color.Bold)
	failColor := color.New(color.FgRed, color.Bold)
	nameColor := color.New(color.FgCyan)

	out := cmd.OutOrStdout()
	failed := 0
	for _, p := range programs {
		rt, err := newRuntime(cmd)
		if err != nil {
			return err
		}
		m, err := demo.Run(cmd.Context(), rt, p)
		if err != nil {
			failed++
			fmt.Fprintf(out, "%s %s: %v\n", failColor.Sprint("FAIL"), p.Name, err)
			continue
		}
		fmt.Fprintf(out, "%s %s\n", okColor.Sprint("ok  "), p.Name)
		for _, name := range p.Show {
			v, ok := m.Get(name)
			if !ok {
				continue
			}
			fmt.Fprintf(out, "     %s = %s\n", nameColor.Sprint(name), rt.Repr(v))
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d programs failed", failed, len(programs))
	}
	return nil
}

// selectPrograms resolves demo names, defaulting to every program.
func selectPrograms(names []string) ([]*demo.Program, error) {
	if len(names) == 0 {
		return demo.All(), nil
	}
	out := make([]*demo.Program, 0, len(names))
	for _, name := range names {
		p, ok := demo.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown demo %q (see 'basalt list')", name)
		}
		out = append(out, p)
	}
	return out, nil
}
