// Basalt CLI - runs, disassembles and inspects the bundled demo programs
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	"golang.org/x/term"

	"github.com/chazu/basalt/config"
	"github.com/chazu/basalt/vm"
)

var log = commonlog.GetLogger("basalt.cli")

var rootCmd = &cobra.Command{
	Use:   "basalt",
	Short: "Basalt bytecode runtime",
	Long: `Basalt is a bytecode runtime for a dynamic, class-based object language
with per-site inline caches. The CLI drives the bundled demo programs.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

func main() {
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(disasmCmd)
	rootCmd.AddCommand(statsCmd)

	rootCmd.PersistentFlags().String("config", "", "path to basalt.toml (default: search upward from the working directory)")
	rootCmd.PersistentFlags().CountP("verbose", "v", "increase log verbosity (repeatable)")
	rootCmd.PersistentFlags().String("color", "auto", "colorize output (auto|on|off)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the --config file, or searches upward for basalt.toml.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return nil, err
	}
	if path != "" {
		return config.Load(path)
	}
	return config.FindAndLoad(".")
}

// setupLogging configures commonlog from the config file and -v flags.
func setupLogging(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	verbose, err := cmd.Root().PersistentFlags().GetCount("verbose")
	if err != nil {
		return err
	}

	var path *string
	if cfg.Log.File != "" {
		path = &cfg.Log.File
	}
	commonlog.Configure(cfg.Log.Verbosity+verbose, path)
	if cfg.Path != "" {
		log.Infof("using %s", cfg.Path)
	}
	return nil
}

// newRuntime creates a runtime sized by the active configuration.
func newRuntime(cmd *cobra.Command) (*vm.Runtime, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	opts := cfg.Options()
	opts.Stdout = cmd.OutOrStdout()
	return vm.NewRuntime(opts), nil
}

// useColor resolves the --color flag against the output terminal.
func useColor(cmd *cobra.Command) bool {
	mode, _ := cmd.Root().PersistentFlags().GetString("color")
	return mode == "on" || (mode == "auto" && isTerminal(os.Stdout))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}
