package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newFetchCmd(opts *rootOptions, stdout, stderr io.Writer) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Download and validate the configured model",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts, stderr)
			if err != nil {
				return err
			}
			defer a.close()

			asset, err := a.fetcher.Fetch(cmd.Context())
			if err != nil {
				a.capture(err, a.cfg.Model.URL)
				return hintWrap(err)
			}

			fmt.Fprintf(stdout, "source:  %s\n", asset.Source)
			fmt.Fprintf(stdout, "size:    %d bytes\n", asset.Size())
			fmt.Fprintf(stdout, "sha256:  %s\n", asset.SHA256)

			if out != "" {
				if err := os.WriteFile(out, asset.Data, 0o644); err != nil {
					return errors.Wrapf(err, "writing model to %s", out)
				}
				log.Info().Str("path", out).Int64("bytes", asset.Size()).Msg("model saved")
				fmt.Fprintf(stdout, "saved:   %s\n", out)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "Also write the validated model to this file")
	return cmd
}
