package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/johnson452/amrex/internal/config"
	"github.com/johnson452/amrex/internal/logging"
)

var (
	cfgFile string
	verbose bool
	quiet   bool
	cfg     *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "amrex",
	Short: "Asynchronous accelerator array runtime",
	Long: `Amrex provides arrays whose backing memory can be read by in-flight
accelerator work while release is deferred until stream ordering makes
the free safe, without blocking the releasing thread.

The runtime drives a CUDA device when one is available and built in,
and falls back to host-only execution otherwise. A simulated device is
available for development and benchmarking.`,
	Version: "0.1.0",
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.amrex/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "quiet mode")
	rootCmd.PersistentFlags().String("mode", "", "runtime mode (auto, cuda, sim, host)")

	// Bind flags to viper
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
	viper.BindPFlag("runtime.mode", rootCmd.PersistentFlags().Lookup("mode"))
}

// initConfig reads in config file and ENV variables
func initConfig() {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if mode := viper.GetString("runtime.mode"); mode != "" {
		cfg.Runtime.Mode = mode
	}

	level := cfg.Logging.Level
	if verbose {
		level = "debug"
	}
	if quiet {
		level = "error"
	}
	if err := logging.Init(level, cfg.Logging.File, cfg.Logging.Console && !quiet); err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logging: %v\n", err)
		os.Exit(1)
	}
}
