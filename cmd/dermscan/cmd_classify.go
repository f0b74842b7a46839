package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/derm-screen/classify"
	"github.com/nvr-ai/derm-screen/errs"
	"github.com/nvr-ai/derm-screen/pipeline"
	"github.com/nvr-ai/derm-screen/util"
)

type classifyOptions struct {
	output   string
	progress bool
}

// result is one line of JSON output.
type result struct {
	Path    string            `json:"path"`
	Verdict *classify.Verdict `json:"verdict,omitempty"`
	Error   string            `json:"error,omitempty"`
	Kind    string            `json:"kind,omitempty"`
	Stage   string            `json:"stage,omitempty"`
}

func newClassifyCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	co := &classifyOptions{}
	cmd := &cobra.Command{
		Use:   "classify <image|dir>...",
		Short: "Classify one or more lesion photos",
		Long: `Runs each image through the screening pipeline and prints a verdict.

Directories are expanded to the images they contain. Output is one JSON
object per image, or a readable summary with --output text.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch co.output {
			case "json", "text":
			default:
				return fmt.Errorf("invalid --output value %q: must be json or text", co.output)
			}

			files, err := util.LoadImageArgs(args)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return errors.New("no images found")
			}

			a, err := newApp(opts, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			enc := json.NewEncoder(stdout)
			var first error
			for _, f := range files {
				var observe pipeline.Observer
				if co.progress {
					observe = progressPrinter(stderr, f.Path)
				}
				v, err := a.orchestrator.Run(ctx, f.Data, observe)
				if err != nil {
					a.capture(err, f.Path)
					fmt.Fprintf(stderr, "dermscan: %s: %v\n", f.Path, err)
					if co.output == "json" {
						_ = enc.Encode(failure(f.Path, err))
					}
					if first == nil {
						first = err
					}
					if errs.Is(err, errs.Canceled) {
						break
					}
					continue
				}
				if co.output == "json" {
					if err := enc.Encode(result{Path: f.Path, Verdict: v}); err != nil {
						return err
					}
					continue
				}
				fmt.Fprintf(stdout, "== %s ==\n%s\n", f.Path, v.Summary())
			}
			if first != nil {
				return &reportedError{Err: hintWrap(first)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&co.output, "output", "o", "json", "Output format: json or text")
	cmd.Flags().BoolVar(&co.progress, "progress", false, "Stream progress to stderr")
	return cmd
}

func failure(path string, err error) result {
	r := result{Path: path, Error: err.Error(), Kind: errs.KindOf(err).String()}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		r.Stage = string(se.Stage)
	}
	return r
}

// progressPrinter renders updates on one rewritten line for terminals and
// one line per update otherwise.
func progressPrinter(w io.Writer, label string) pipeline.Observer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd())
	}
	return func(u pipeline.Update) {
		line := fmt.Sprintf("%s [%3d%%] %s", label, u.Progress, u.State)
		if !tty {
			fmt.Fprintln(w, line)
			return
		}
		fmt.Fprintf(w, "\r%-72s", line)
		if u.State.Terminal() {
			fmt.Fprintln(w)
		}
	}
}
