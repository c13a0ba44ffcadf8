package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/hyperengineering/nexlevel/internal/config"
	"github.com/hyperengineering/nexlevel/internal/types"
)

var (
	jsonOutput     bool
	challengeLimit int
	recomputeUser  string
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

var challengesCmd = &cobra.Command{
	Use:   "challenges",
	Short: "Inspect challenge definitions",
}

var challengesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List popular public challenges",
	Args:  cobra.NoArgs,
	RunE:  runChallengesList,
}

var challengesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one challenge definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runChallengesShow,
}

var recomputeCmd = &cobra.Command{
	Use:   "recompute <instance-id>",
	Short: "Rebuild progress of an instance from its ledger",
	Args:  cobra.ExactArgs(1),
	RunE:  runRecompute,
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Run one evaluation pass over active instances",
	Args:  cobra.NoArgs,
	RunE:  runEvaluate,
}

func init() {
	for _, c := range []*cobra.Command{challengesCmd, recomputeCmd, evaluateCmd, migrateCmd} {
		c.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	}
	challengesListCmd.Flags().IntVar(&challengeLimit, "limit", 20, "Maximum number of challenges")
	recomputeCmd.Flags().StringVar(&recomputeUser, "user", "", "Only recompute this member")

	challengesCmd.AddCommand(challengesListCmd)
	challengesCmd.AddCommand(challengesShowCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	version, err := st.SchemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"driver":  cfg.Database.Driver,
			"version": version,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Schema at version %d (%s)\n", version, cfg.Database.Driver)
	return nil
}

func runChallengesList(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		defs, err := a.challenges.PopularChallenges(ctx, challengeLimit)
		if err != nil {
			return fmt.Errorf("list challenges: %w", err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), types.ChallengeList{Challenges: defs})
		}
		if len(defs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No challenges found.")
			return nil
		}

		tw := newTable(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"ID", "Name", "Frequency", "Days", "Users", "Active", "Completion"})
		for _, d := range defs {
			tw.AppendRow(table.Row{
				d.ID,
				d.Name,
				formatFrequency(d.Frequency),
				d.DurationDays,
				d.Stats.TotalUsers,
				d.Stats.ActiveUsers,
				formatRate(d.Stats.CompletionRate),
			})
		}
		tw.Render()
		return nil
	})
}

func runChallengesShow(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		def, err := a.store.GetChallenge(ctx, args[0])
		if err != nil {
			return fmt.Errorf("get challenge %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), def)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s (%s)\n", def.Name, def.ID)
		if def.Description != "" {
			fmt.Fprintln(out, def.Description)
		}
		fmt.Fprintf(out, "Frequency: %s for %d days\n", formatFrequency(def.Frequency), def.DurationDays)
		fmt.Fprintf(out, "Visibility: %s, photo proof: %t, grace skips/week: %d\n",
			def.Visibility, def.RequirePhotoProof, def.GraceBudget())
		if def.ArchivedAt != nil {
			fmt.Fprintf(out, "Archived: %s\n", def.ArchivedAt.Format("2006-01-02 15:04"))
		}

		tw := newTable(out)
		tw.AppendHeader(table.Row{"#", "Task", "ID"})
		for _, t := range def.Tasks {
			tw.AppendRow(table.Row{t.Order, t.Title, t.ID})
		}
		tw.Render()
		return nil
	})
}

func runRecompute(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		progress, err := a.challenges.Recompute(ctx, args[0], recomputeUser)
		if err != nil {
			return fmt.Errorf("recompute %s: %w", args[0], err)
		}
		if jsonOutput {
			return printJSON(cmd.OutOrStdout(), map[string]any{"progress": progress})
		}

		tw := newTable(cmd.OutOrStdout())
		tw.AppendHeader(table.Row{"User", "Current", "Longest", "Check-ins", "Missed", "Graced", "Completion"})
		for _, p := range progress {
			tw.AppendRow(table.Row{
				p.UserID,
				p.CurrentStreak,
				p.LongestStreak,
				p.TotalCheckIns,
				p.MissedDays,
				p.GracedDays,
				formatRate(p.CompletionRate),
			})
		}
		tw.Render()
		return nil
	})
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, a *app) error {
		report, err := a.challenges.EvaluateDue(ctx)
		if jsonOutput {
			if perr := printJSON(cmd.OutOrStdout(), report); perr != nil {
				return perr
			}
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Evaluated %d instances: %d completed, %d recomputed, %d failed\n",
				report.Instances, report.Completed, report.Recomputed, report.Failed)
		}
		return err
	})
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTable(w io.Writer) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleLight)
	return tw
}

func formatFrequency(f types.Frequency) string {
	if f.Kind != types.FrequencyCustom {
		return string(f.Kind)
	}
	if len(f.Weekdays) == 0 {
		return fmt.Sprintf("%dx/week", f.DaysPerWeek)
	}
	days := make([]string, len(f.Weekdays))
	for i, d := range f.Weekdays {
		days[i] = d.String()[:3]
	}
	return strings.Join(days, ",")
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.1f%%", r)
}
