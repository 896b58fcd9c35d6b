package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/event"
)

// demoScenario is a short match as the scoring listener would report it
var demoScenario = []struct {
	eventType string
	round     int
}{
	{"mch", 0},
	{"rnd", 1},
	{"pt", 1},
	{"wrd", 1},
	{"rnd", 2},
	{"pt", 2},
	{"pt", 2},
	{"wrd", 2},
	{"win", 2},
}

func newEmitCmd(c *cli) *cobra.Command {
	var (
		round    int
		match    string
		count    int
		interval time.Duration
		scenario bool
	)
	cmd := &cobra.Command{
		Use:   "emit [event-type]",
		Short: "Publish scoring events for testing",
		Long: `Publish scoring events to the configured stream as the scoring listener
would. With --scenario a short demo match is replayed instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !scenario && len(args) == 0 {
				return fmt.Errorf("an event type or --scenario is required")
			}

			nc, err := c.connect()
			if err != nil {
				return err
			}
			defer nc.Close()

			js, err := nc.JetStream()
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}
			if err := event.EnsureStream(js, c.cfg.NATS.Stream, c.cfg.NATS.Subject); err != nil {
				return err
			}

			publish := func(ev *event.Event) error {
				subject := subjectFor(c.cfg.NATS.Subject, ev.EventType)
				if err := event.Publish(cmd.Context(), js, subject, ev); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s round=%s match=%s\n", subject, ev.EventID, ev.RoundKey(), ev.MatchKey())
				return nil
			}

			if scenario {
				if match == "" {
					match = "demo-" + time.Now().UTC().Format("150405")
				}
				for i, step := range demoScenario {
					if i > 0 && interval > 0 {
						time.Sleep(interval)
					}
					ev := event.NewEvent(step.eventType).WithMatch(match)
					if step.round > 0 {
						ev.WithRound(step.round)
					}
					if err := publish(ev); err != nil {
						return err
					}
				}
				return nil
			}

			for i := 0; i < count; i++ {
				if i > 0 && interval > 0 {
					time.Sleep(interval)
				}
				ev := event.NewEvent(args[0])
				if cmd.Flags().Changed("round") {
					ev.WithRound(round)
				}
				if match != "" {
					ev.WithMatch(match)
				}
				if err := publish(ev); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&round, "round", 0, "Round number carried by the event")
	cmd.Flags().StringVar(&match, "match", "", "Match id carried by the event")
	cmd.Flags().IntVarP(&count, "count", "n", 1, "Number of events to publish")
	cmd.Flags().DurationVar(&interval, "interval", 0, "Pause between events")
	cmd.Flags().BoolVar(&scenario, "scenario", false, "Replay a short demo match")
	return cmd
}

// subjectFor places an event type under the stream's subject filter,
// e.g. "scoring.events.>" and "wrd" give "scoring.events.wrd".
func subjectFor(filter, eventType string) string {
	prefix := strings.TrimSuffix(strings.TrimSuffix(filter, ">"), "*")
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return eventType
	}
	return prefix + "." + eventType
}
