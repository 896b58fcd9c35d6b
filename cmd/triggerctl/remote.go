package main

import (
	"context"
	"fmt"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/control"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

const requestTimeout = 5 * time.Second

// withControl runs fn against the control service of a running triggerd
func (c *cli) withControl(cmd *cobra.Command, fn func(ctx context.Context, client *control.Client) error) error {
	client, closeClient, err := c.control()
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return fn(ctx, client)
}

func newPreviewCmd(c *cli) *cobra.Command {
	var (
		round          int
		match          string
		considerLimits bool
	)
	cmd := &cobra.Command{
		Use:   "preview <id>",
		Short: "Dry-run a rule without firing it",
		Long: `Dry-run an active rule against a synthetic event. No action is performed
and no state changes. With --limits the rule's once-per, debounce and
cooldown state is taken into account.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}

			// Without an event type the preview uses the rule's own
			var ev *event.Event
			if cmd.Flags().Changed("round") || cmd.Flags().Changed("match") {
				ev = &event.Event{EventID: "preview", Timestamp: time.Now().UTC()}
				if cmd.Flags().Changed("round") {
					ev.WithRound(round)
				}
				if cmd.Flags().Changed("match") {
					ev.WithMatch(match)
				}
			}

			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				p, err := client.Preview(ctx, id, ev, considerLimits)
				if err != nil {
					return err
				}
				if p.CanFire {
					fmt.Fprintln(cmd.OutOrStdout(), "would fire")
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "suppressed: %s\n", p.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "Round of the synthetic event")
	cmd.Flags().StringVar(&match, "match", "", "Match id of the synthetic event")
	cmd.Flags().BoolVar(&considerLimits, "limits", false, "Consider once-per, debounce and cooldown state")
	return cmd
}

func newLogsCmd(c *cli) *cobra.Command {
	var max int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show the most recent execution records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				recs, err := client.Logs(ctx, max)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SEQ\tTIME\tTRIGGER\tEVENT\tOUTCOME\tREASON\tLATENCY")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\t%dms\n",
						r.Seq, r.Timestamp.Local().Format("15:04:05.000"), r.TriggerID, r.EventType, r.Outcome, r.Reason, r.LatencyMs)
				}
				return w.Flush()
			})
		},
	}
	cmd.Flags().IntVarP(&max, "max", "n", 50, "Maximum number of records")
	return cmd
}

func newRunsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "runs",
		Short: "List in-flight delay runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				runs, err := client.Runs(ctx)
				if err != nil {
					return err
				}
				if len(runs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No delay runs in flight")
					return nil
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "RUN\tTRIGGER\tEVENT\tSTARTED\tPROGRESS")
				for _, r := range runs {
					fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d/%d\n",
						r.ID, r.TriggerID, r.EventType, r.Started.Local().Format("15:04:05.000"), r.Completed, r.Steps)
				}
				return w.Flush()
			})
		},
	}
}

func newCancelCmd(c *cli) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "cancel [run-id]",
		Short: "Cancel a delay run, or all of them with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !all && len(args) == 0 {
				return fmt.Errorf("a run id or --all is required")
			}
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				if all {
					n, err := client.CancelAll(ctx)
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Cancelled %d runs\n", n)
					return nil
				}
				if err := client.Cancel(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled", args[0])
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every in-flight run")
	return cmd
}

func newRoundStartCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "round-start",
		Short: "Signal a new round; once-per-round rules may fire again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				return client.RoundStart(ctx)
			})
		},
	}
}

func newMatchStartCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "match-start",
		Short: "Signal a new match; once-per-match and once-per-round rules may fire again",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				return client.MatchStart(ctx)
			})
		},
	}
}

func newResetCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "reset [id]",
		Short: "Forget the dedup state of one rule, or of all rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var id *int64
			if len(args) == 1 {
				v, err := strconv.ParseInt(args[0], 10, 64)
				if err != nil {
					return fmt.Errorf("invalid id %q: %w", args[0], err)
				}
				id = &v
			}
			return c.withControl(cmd, func(ctx context.Context, client *control.Client) error {
				return client.Reset(ctx, id)
			})
		},
	}
}
