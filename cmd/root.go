package cmd

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	sim "github.com/hydronet-sim/hydronet-sim/sim"
)

var (
	configPath string  // YAML run description
	logLevel   string  // Log verbosity level
	resultsDir string  // Directory for the CSV result tables
	timeout    float64 // Wall-clock budget in seconds, 0 = none

	// Overrides applied on top of the config file; negative means
	// "not set" since all three are non-negative times.
	endTimeOverride      float64
	saveIntervalOverride float64
	allocationOverride   float64
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:   "hydronet-sim",
	Short: "Hybrid continuous/discrete simulator for managed open-water networks",
}

// runCmd loads a model description, runs it to the end time and writes
// the result tables. Exit code 0 on success, 1 on any fatal condition.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulation from a YAML model description",
	Run: func(cmd *cobra.Command, args []string) {
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			logrus.Fatalf("Invalid log level: %s", logLevel)
		}
		logrus.SetLevel(level)

		if configPath == "" {
			logrus.Fatal("No config file provided (--config)")
		}
		cfg, err := sim.Load(configPath)
		if err != nil {
			logrus.Fatalf("Loading config: %v", err)
		}
		if endTimeOverride >= 0 {
			cfg.Run.EndTime = endTimeOverride
		}
		if saveIntervalOverride >= 0 {
			cfg.Run.SaveInterval = &saveIntervalOverride
		}
		if allocationOverride >= 0 {
			cfg.Run.AllocationInterval = &allocationOverride
		}

		model, err := cfg.BuildModel()
		if err != nil {
			logrus.Fatalf("Building model: %v", err)
		}

		ctx := context.Background()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(timeout*float64(time.Second)))
			defer cancel()
		}

		start := time.Now()
		runErr := model.Run(ctx)
		if runErr != nil {
			// Partial results up to the last accepted step are still
			// written below for postmortem inspection.
			logrus.Errorf("Run failed: %v", runErr)
		}
		logrus.Infof("Simulated %.0f s in %s", model.Time()-cfg.Run.StartTime, time.Since(start))

		if err := writeResults(model); err != nil {
			logrus.Fatalf("Writing results: %v", err)
		}
		model.Metrics().Print(model.Time() - cfg.Run.StartTime)
		if runErr != nil {
			os.Exit(1)
		}
	},
}

// writeResults emits the CSV tables into the results directory.
func writeResults(model *sim.Model) error {
	if err := os.MkdirAll(resultsDir, 0o755); err != nil {
		return err
	}
	write := func(name string, fn func(w *os.File) error) error {
		f, err := os.Create(filepath.Join(resultsDir, name))
		if err != nil {
			return err
		}
		defer f.Close()
		return fn(f)
	}
	res := model.Results()
	if err := write("basin.csv", func(f *os.File) error { return res.WriteBasins(f) }); err != nil {
		return err
	}
	if err := write("flow.csv", func(f *os.File) error { return res.WriteFlows(f) }); err != nil {
		return err
	}
	if len(res.AllocationRows) > 0 {
		return write("allocation.csv", func(f *os.File) error { return res.WriteAllocations(f) })
	}
	return nil
}

// Execute runs the CLI root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// init sets up CLI flags and subcommands
func init() {
	runCmd.Flags().StringVar(&configPath, "config", "", "YAML model description")
	runCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error, fatal, panic)")
	runCmd.Flags().StringVar(&resultsDir, "results", "results", "Directory for the CSV result tables")
	runCmd.Flags().Float64Var(&timeout, "timeout", 0, "Wall-clock budget in seconds (0 = none)")

	runCmd.Flags().Float64Var(&endTimeOverride, "end-time", -1, "Override the configured end time (seconds)")
	runCmd.Flags().Float64Var(&saveIntervalOverride, "save-interval", -1, "Override the save cadence (seconds)")
	runCmd.Flags().Float64Var(&allocationOverride, "allocation-interval", -1, "Override the allocation cadence (seconds, 0 disables)")

	rootCmd.AddCommand(runCmd)
}
