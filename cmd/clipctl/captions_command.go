package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cuongbtq/clipforge/internal/domain"
	"github.com/cuongbtq/clipforge/internal/subtitle"
	"github.com/spf13/cobra"
)

func newCaptionsCommand() *cobra.Command {
	captionsCmd := &cobra.Command{
		Use:   "captions",
		Short: "Work with caption timing",
	}

	var (
		duration int
		wpm      int
	)

	previewCmd := &cobra.Command{
		Use:   "preview <script-file|->",
		Short: "Time a script and print it as SRT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				script []byte
				err    error
			)
			if args[0] == "-" {
				script, err = io.ReadAll(cmd.InOrStdin())
			} else {
				script, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read script: %w", err)
			}

			track, err := subtitle.NewTimer(wpm).Time(string(script), duration)
			if err != nil {
				return err
			}

			fmt.Fprint(cmd.OutOrStdout(), domain.RenderSRT(track.Captions))
			if track.Dropped > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d trailing sentence(s) did not fit in %ds\n", track.Dropped, duration)
			}
			return nil
		},
	}
	previewCmd.Flags().IntVarP(&duration, "duration", "d", 30, "Target duration in seconds")
	previewCmd.Flags().IntVar(&wpm, "wpm", subtitle.DefaultWordsPerMinute, "Narration pace in words per minute")

	captionsCmd.AddCommand(previewCmd)
	return captionsCmd
}
