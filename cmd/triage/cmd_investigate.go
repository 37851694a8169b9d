package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/yairfalse/triage/internal/analysis"
	"github.com/yairfalse/triage/internal/investigate"
	"github.com/yairfalse/triage/pkg/report"
)

// investigateFlags are shared by the tasks and databases commands.
type investigateFlags struct {
	lookback  int
	start     string
	end       string
	noMetrics bool
	noEvents  bool
	output    string
	context   string
}

func (f *investigateFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.lookback, "lookback", 0, "Lookback in hours (1-168), replaces the default windows")
	cmd.Flags().StringVar(&f.start, "start", "", "Window start (RFC 3339), requires --end")
	cmd.Flags().StringVar(&f.end, "end", "", "Window end (RFC 3339), requires --start")
	cmd.Flags().BoolVar(&f.noMetrics, "no-metrics", false, "Skip utilization metrics and top SQL")
	cmd.Flags().BoolVar(&f.noEvents, "no-events", false, "Skip service, RDS and CloudTrail events")
	cmd.Flags().StringVarP(&f.output, "output", "o", "text", "Output format: text, json")
	cmd.Flags().StringVar(&f.context, "context", "", "Free-text context included in the text analysis")
}

// options builds investigation options. Region only applies to databases.
func (f *investigateFlags) options(region string) (investigate.Options, error) {
	if f.output != "text" && f.output != "json" {
		return investigate.Options{}, fmt.Errorf("unknown output format %q (want text or json)", f.output)
	}
	window, err := investigate.ParseTimeRange(f.start, f.end)
	if err != nil {
		return investigate.Options{}, err
	}
	return investigate.Options{
		IncludeMetrics: investigate.Bool(!f.noMetrics),
		IncludeEvents:  investigate.Bool(!f.noEvents),
		TimeRange:      window,
		LookbackHours:  f.lookback,
		Region:         region,
	}, nil
}

var (
	taskFlags     investigateFlags
	databaseFlags investigateFlags
)

var tasksCmd = &cobra.Command{
	Use:   "tasks <task-arn|text>...",
	Short: "Investigate ECS tasks",
	Long: `Investigate ECS tasks by ARN.

Arguments may be task ARNs or free text containing them, such as a pasted
alert. Each task gets its status, container-level utilization, CloudTrail
history when ECS no longer knows it, and the events and utilization of its
service.`,
	Example: `  triage tasks arn:aws:ecs:us-east-1:123456789012:task/prod/0123abcd
  triage tasks --lookback 6 "$(pbpaste)"
  triage tasks --output json --no-events arn:aws:ecs:...`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := taskFlags.options("")
		if err != nil {
			return err
		}
		return runInvestigation(cmd, args, opts, &taskFlags, func(a *app) investigation {
			return a.service.InvestigateTasks
		})
	},
}

var databasesCmd = &cobra.Command{
	Use:     "databases <instance|cluster|arn>...",
	Aliases: []string{"db", "dbs"},
	Short:   "Investigate RDS instances and clusters",
	Long: `Investigate RDS databases by instance identifier, cluster identifier or ARN.

A cluster expands to all of its members. Each instance gets CloudWatch
metrics, Enhanced Monitoring OS metrics, top SQL from Performance Insights
and recent RDS events.`,
	Example: `  triage databases orders-cluster
  triage databases --region eu-west-1 billing-db
  triage databases --start 2026-03-10T10:00:00Z --end 2026-03-10T12:00:00Z orders-1`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := databaseFlags.options(regionFlag)
		if err != nil {
			return err
		}
		return runInvestigation(cmd, args, opts, &databaseFlags, func(a *app) investigation {
			return a.service.InvestigateDatabases
		})
	},
}

func init() {
	taskFlags.register(tasksCmd)
	databaseFlags.register(databasesCmd)
	rootCmd.AddCommand(tasksCmd, databasesCmd)
}

type investigation func(ctx context.Context, identifiers []string, opts investigate.Options) (*report.Report, error)

func runInvestigation(cmd *cobra.Command, args []string, opts investigate.Options, flags *investigateFlags, pick func(*app) investigation) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Server.InvestigationTimeout)
	defer cancel()

	rep, err := pick(a)(ctx, args, opts)
	if err != nil {
		return err
	}
	return writeReport(ctx, cmd.OutOrStdout(), rep, flags.output, flags.context)
}

func writeReport(ctx context.Context, w io.Writer, rep *report.Report, format, userContext string) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rep)
	}
	text, err := analysis.TextAnalyst{}.Analyze(ctx, rep, userContext)
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, text)
	return err
}
