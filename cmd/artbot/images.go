package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/artbot/artbot/internal/queue"
	"github.com/artbot/artbot/internal/telemetry"
)

// NewImagesCmd creates the images command.
func NewImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List completed images, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			recs, err := st.List(cmd.Context())
			if err != nil {
				return err
			}

			asJSON, _ := cmd.Flags().GetBool("json")
			if asJSON {
				for _, r := range recs {
					r.Base64String = ""
				}
				return json.NewEncoder(cmd.OutOrStdout()).Encode(recs)
			}

			if len(recs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no images")
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB ID\tCREATED\tSEED\tPROMPT")
			for _, r := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.JobID, r.Timestamp.Local().Format(time.DateTime), r.Seed, truncate(r.Params.Prompt, 60))
			}
			return tw.Flush()
		},
	}
}

// NewDeleteCmd creates the delete command.
func NewDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Delete a completed image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			tel := telemetry.New(cfg.TelemetryURL)
			defer tel.Wait()
			q := queue.New(cfg, queue.Deps{
				Records:   st,
				Staging:   st,
				Telemetry: tel,
			})

			existed, err := q.DeleteImage(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !existed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s already absent\n", args[0])
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

// NewStagedCmd creates the staged command.
func NewStagedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "staged",
		Short: "Print the parameters staged for the next request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, st, err := openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			clear, _ := cmd.Flags().GetBool("clear")
			if clear {
				return st.ClearStaged(cmd.Context())
			}

			p, err := st.Staged(cmd.Context())
			if err != nil {
				return err
			}
			if p == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing staged")
				return nil
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(p)
		},
	}
	cmd.Flags().Bool("clear", false, "clear the staged parameters")
	return cmd
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
