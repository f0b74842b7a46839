// dermscan screens photos of skin lesions with an on-device classifier.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// Version metadata injected via ldflags.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

// run executes the dermscan CLI with the given args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	if args == nil {
		args = []string{}
	}
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.Execute(); err != nil {
		var reported *reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(stderr, "dermscan: %v\n", err)
		}
		var hinted *HintedError
		if errors.As(err, &hinted) && hinted.Hint != "" {
			fmt.Fprintf(stderr, "hint: %s\n", hinted.Hint)
		}
		return exitCode(err)
	}
	return 0
}

// newRootCmd creates the root cobra command with all subcommands.
func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "dermscan",
		Short:         "Screen skin-lesion photos with an on-device classifier",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "Configuration file (YAML, JSON or TOML)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error, disabled")

	root.AddCommand(
		newBenchCmd(opts, stdout, stderr),
		newClassifyCmd(opts, stdout, stderr),
		newFetchCmd(opts, stdout, stderr),
		newServeCmd(opts, stderr),
		newVersionCmd(stdout),
	)
	return root
}
