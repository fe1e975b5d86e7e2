package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"orgcal/internal/ics"
	"orgcal/internal/model"
	"orgcal/internal/orchestrator"
)

type expandOptions struct {
	orgID  string
	start  string
	end    string
	format string
}

func newExpandCmd(root *rootOptions) *cobra.Command {
	opts := &expandOptions{}

	cmd := &cobra.Command{
		Use:   "expand",
		Short: "Print the occurrences of an organization for a date range",
		Long: `expand materializes the events of one organization between --start and
--end (inclusive, YYYY-MM-DD; both default to the configured rolling
window) and prints them as a table, JSON or iCalendar.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runExpand(cmd, root, opts)
		},
	}
	cmd.Flags().StringVar(&opts.orgID, "org", "", "Organization id (required)")
	cmd.Flags().StringVar(&opts.start, "start", "", "First date, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.end, "end", "", "Last date, YYYY-MM-DD")
	cmd.Flags().StringVar(&opts.format, "format", "table", "Output format: table, json or ics")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func runExpand(cmd *cobra.Command, root *rootOptions, opts *expandOptions) error {
	switch opts.format {
	case "table", "json", "ics":
	default:
		return fmt.Errorf("unknown format %q", opts.format)
	}

	conf, err := root.loadConfig()
	if err != nil {
		return err
	}
	st, err := openStore(conf)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	ctx := cmd.Context()
	org, err := st.GetOrganization(ctx, opts.orgID)
	if err != nil {
		return fmt.Errorf("organization %s: %w", opts.orgID, err)
	}

	orch := orchestrator.New(st, nil, nil, orchestrator.Config{
		PastDays:               conf.Window.PastDays,
		FutureDays:             conf.Window.FutureDays,
		MaxOccurrencesPerEvent: conf.MaxOccurrencesPerEvent,
		Location:               conf.Location(),
	})

	start, end := orch.Window(orch.Now())
	if opts.start != "" {
		if start, err = model.ParseDate(opts.start); err != nil {
			return err
		}
	}
	if opts.end != "" {
		if end, err = model.ParseDate(opts.end); err != nil {
			return err
		}
	}

	snap, err := orch.Build(ctx, org.ID, start, end)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	switch opts.format {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	case "ics":
		_, err := io.WriteString(out, ics.Export(org.Name, snap.Events, orch.Now()))
		return err
	}
	return writeTable(out, snap)
}

func writeTable(out io.Writer, snap *orchestrator.Snapshot) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DATE\tTIME\tTITLE\tASSIGNEE\tCONFLICT")
	for _, ev := range snap.Events {
		mark := ""
		if snap.InConflict(ev.ID) {
			mark = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", ev.VirtualDate, ev.Time, ev.Title, ev.AssignedCollaborator, mark)
	}
	for _, e := range snap.Errors {
		fmt.Fprintf(tw, "# skipped: %s\n", e)
	}
	return tw.Flush()
}
