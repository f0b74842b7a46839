package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nvr-ai/derm-screen/benchmark"
	"github.com/nvr-ai/derm-screen/util"
)

type benchOptions struct {
	iterations  int
	warmup      int
	concurrency []int
	outputDir   string
}

func newBenchCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	bo := &benchOptions{}
	cmd := &cobra.Command{
		Use:   "bench <image|dir>...",
		Short: "Measure pipeline throughput and latency",
		Long: `Runs the given images through the screening pipeline repeatedly, once
per --concurrency level, and prints a CSV-style summary. With --out the
full results are also written as JSON and CSV.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if bo.iterations < 1 {
				return fmt.Errorf("--iterations must be >= 1, got %d", bo.iterations)
			}
			files, err := util.LoadImageArgs(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no images found")
			}
			data := make([][]byte, len(files))
			for i, f := range files {
				data[i] = f.Data
			}

			a, err := newApp(opts, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := a.orchestrator.Warm(ctx); err != nil {
				a.capture(err, "")
				return hintWrap(err)
			}

			suite := benchmark.NewSuite(a.orchestrator, data, bo.outputDir)
			for _, c := range bo.concurrency {
				suite.AddScenario(benchmark.Scenario{
					Name:        fmt.Sprintf("concurrency_%d", c),
					Iterations:  bo.iterations,
					WarmupRuns:  bo.warmup,
					Concurrency: c,
				})
			}
			if err := suite.RunAll(ctx); err != nil {
				return err
			}

			fmt.Fprintln(stdout, "scenario\truns/s\tp50\tp95\tmax\terror_rate")
			for _, r := range suite.Results() {
				fmt.Fprintf(stdout, "%s\t%.2f\t%s\t%s\t%s\t%.4f\n",
					r.Scenario.Name, r.RunsPerSecond, r.LatencyP50, r.LatencyP95, r.LatencyMax, r.ErrorRate)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&bo.iterations, "iterations", "n", 20, "Measured runs per scenario")
	cmd.Flags().IntVar(&bo.warmup, "warmup", 2, "Unmeasured runs before each scenario")
	cmd.Flags().IntSliceVar(&bo.concurrency, "concurrency", []int{1}, "Runs in flight, one scenario per value")
	cmd.Flags().StringVar(&bo.outputDir, "out", "", "Directory for JSON and CSV results")
	return cmd
}
