package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/chaos-io/cutout/store"
)

func newJobsCommand(opts *globalOptions) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := prepareDirs(cfg); err != nil {
				return err
			}
			history, err := store.OpenHistory(cfg.Storage.HistoryDB)
			if err != nil {
				return fmt.Errorf("open history: %w", err)
			}
			defer func() {
				_ = history.Close()
			}()

			jobs, err := history.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return renderJobs(cmd.OutOrStdout(), jobs, time.Now())
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "number of jobs to show")
	return cmd
}

func renderJobs(w io.Writer, jobs []store.Summary, now time.Time) error {
	if len(jobs) == 0 {
		_, err := fmt.Fprintln(w, "no jobs recorded")
		return err
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleRounded)
	tw.AppendHeader(table.Row{"ID", "Created", "State", "Items", "OK", "Failed", "Artifact / Reason"})
	for _, j := range jobs {
		detail := j.Artifact
		if j.State == store.StateFailed {
			detail = j.Reason
		}
		tw.AppendRow(table.Row{
			j.ID,
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			string(j.State),
			strconv.Itoa(j.Total),
			strconv.Itoa(j.Succeeded),
			strconv.Itoa(j.Failed),
			detail,
		})
	}
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, Align: text.AlignRight},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})

	_, err := fmt.Fprintln(w, tw.Render())
	return err
}
