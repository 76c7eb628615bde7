package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chazu/basalt/demo"
	"github.com/chazu/basalt/vm"
)

var statsCmd = &cobra.Command{
	Use:   "stats <demo>",
	Short: "Run a demo and report runtime statistics",
	Long: `Run a demo program, collect garbage and print heap, layout and inline cache
statistics. With --out the snapshot is also written as CBOR.`,
	Args: cobra.ExactArgs(1),
	RunE: runStats,
}

func init() {
	statsCmd.Flags().String("out", "", "write the snapshot as CBOR to this file")
	statsCmd.Flags().Bool("no-collect", false, "skip the collection before the snapshot")
}

func runStats(cmd *cobra.Command, args []string) error {
	p, ok := demo.Lookup(args[0])
	if !ok {
		return fmt.Errorf("unknown demo %q (see 'basalt list')", args[0])
	}
	outPath, err := cmd.Flags().GetString("out")
	if err != nil {
		return fmt.Errorf("failed to get out flag: %w", err)
	}
	noCollect, err := cmd.Flags().GetBool("no-collect")
	if err != nil {
		return fmt.Errorf("failed to get no-collect flag: %w", err)
	}

	rt, err := newRuntime(cmd)
	if err != nil {
		return err
	}
	if _, err := demo.Run(cmd.Context(), rt, p); err != nil {
		return err
	}
	if !noCollect {
		if _, err := rt.Collect(cmd.Context()); err != nil {
			return err
		}
	}

	s := rt.Stats()
	printStats(cmd, &s)

	if outPath != "" {
		data, err := vm.MarshalStats(&s)
		if err != nil {
			return fmt.Errorf("failed to encode stats: %w", err)
		}
		if err := os.WriteFile(outPath, data, 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", outPath, err)
		}
		log.Infof("wrote %d bytes to %s", len(data), outPath)
	}
	return nil
}

func printStats(cmd *cobra.Command, s *vm.Stats) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "heap:    %d live, %d allocated, %d collections, %d swept, %d weak links cleared\n",
		s.Heap.Live, s.Heap.Allocations, s.Heap.Collections, s.Heap.Swept, s.Heap.WeakLinksCleared)
	fmt.Fprintf(out, "layouts: %d (%d transitions)\n", s.Layouts.Count, s.Layouts.Edges)
	fmt.Fprintf(out, "types:   %d, modules: %d, threads: %d, pinned: %d, handles: %d\n", s.Types, s.Modules, s.Threads, s.Pinned, s.Handles)
	c := s.Caches
	fmt.Fprintf(out, "caches:  %d sites in %d functions (%d empty, %d mono, %d poly, %d mega)\n",
		c.TotalSites, c.Functions, c.Empty, c.Monomorphic, c.Polymorphic, c.Megamorphic)
	fmt.Fprintf(out, "         %d hits, %d misses (%.1f%% hit rate, %.1f%% monomorphic)\n",
		c.Hits, c.Misses, c.HitRate, c.MonomorphicRate)
	fmt.Fprintf(out, "         %d populations, %d evictions, %d type changes\n",
		c.Populations, c.Evictions, c.TypeChanges)
	fmt.Fprintf(out, "globals: %d rewrites, %d invalidations\n", s.Globals.Rewrites, s.Globals.Invalidations)
}
