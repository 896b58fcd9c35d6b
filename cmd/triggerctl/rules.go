package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

func newListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the stored rules in priority order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No triggers found")
				return nil
			}
			printRules(cmd, list)
			return nil
		},
	}
}

func printRules(cmd *cobra.Command, list []trigger.Trigger) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PRI\tID\tKIND\tEVENT\tACTION\tTARGET\tCONDITIONS\tENABLED")
	for _, t := range list {
		if t.IsDelay() {
			fmt.Fprintf(w, "%d\t%d\tdelay\t\t\t\twait %s\t\n", t.Priority, t.IDValue(), t.Delay())
			continue
		}
		fmt.Fprintf(w, "%d\t%d\tevent\t%s\t%s\t%s\t%s\t%v\n",
			t.Priority, t.IDValue(), t.EventType, t.Action, target(&t), conditions(&t), t.Enabled)
	}
	w.Flush()
}

func target(t *trigger.Trigger) string {
	s := t.TargetID
	if t.ConnectionName != nil {
		s += " @" + *t.ConnectionName
	}
	return s
}

func conditions(t *trigger.Trigger) string {
	var s string
	add := func(part string) {
		if s != "" {
			s += ", "
		}
		s += part
	}
	if t.ConditionRound != nil {
		add(fmt.Sprintf("round=%d", *t.ConditionRound))
	}
	if t.ConditionOncePer != nil {
		add("once per " + string(*t.ConditionOncePer))
	}
	if t.DebounceMs != nil {
		add(fmt.Sprintf("debounce %s", t.Debounce()))
	}
	if t.CooldownMs != nil {
		add(fmt.Sprintf("cooldown %s", t.Cooldown()))
	}
	if t.Criteria != "" {
		add("if " + t.Criteria)
	}
	return s
}

func newImportCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "import <yaml-file>",
		Short: "Replace the whole rule list with the contents of a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read YAML file: %w", err)
			}
			list, err := trigger.ListFromYAML(data)
			if err != nil {
				return fmt.Errorf("failed to parse rules: %w", err)
			}
			return c.saveRules(cmd, list)
		},
	}
}

func newExportCmd(c *cli) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write the stored rule list as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := c.openStore()
			if err != nil {
				return err
			}
			defer closeStore()

			list, err := store.Load(cmd.Context())
			if err != nil {
				return err
			}
			data, err := trigger.ListToYAML(list)
			if err != nil {
				return err
			}
			if output == "" {
				_, err = cmd.OutOrStdout().Write(data)
				return err
			}
			return os.WriteFile(output, data, 0o644)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "Write to file instead of stdout")
	return cmd
}

func newAddCmd(c *cli) *cobra.Command {
	var at int
	cmd := &cobra.Command{
		Use:   "add <yaml-file>",
		Short: "Add one rule from a YAML file",
		Long:  "Add one rule from a YAML file. The rule is appended unless --at gives its position.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read YAML file: %w", err)
			}
			var t trigger.Trigger
			if err := t.FromYAML(data); err != nil {
				return fmt.Errorf("failed to parse trigger: %w", err)
			}

			store, closeStore, err := c.openStore()
			if err != nil {
				return err
			}
			list, err := store.Load(cmd.Context())
			closeStore()
			if err != nil {
				return err
			}

			if at < 0 || at > len(list) {
				at = len(list)
			}
			list = append(list[:at], append([]trigger.Trigger{t}, list[at:]...)...)
			return c.saveRules(cmd, list)
		},
	}
	cmd.Flags().IntVar(&at, "at", -1, "Insert position (default: end of list)")
	return cmd
}

func newDeleteCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a rule by id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", args[0], err)
			}

			store, closeStore, err := c.openStore()
			if err != nil {
				return err
			}
			list, err := store.Load(cmd.Context())
			closeStore()
			if err != nil {
				return err
			}

			kept := list[:0]
			for _, t := range list {
				if t.IDValue() != id {
					kept = append(kept, t)
				}
			}
			if len(kept) == len(list) {
				return fmt.Errorf("trigger %d not found", id)
			}
			return c.saveRules(cmd, kept)
		},
	}
}

// saveRules validates and stores the list, then asks a running triggerd to
// reload it. A NATS store is picked up by triggerd's bucket watch instead.
func (c *cli) saveRules(cmd *cobra.Command, list []trigger.Trigger) error {
	normalized, err := trigger.Normalize(list)
	if err != nil {
		var verr *trigger.ValidationError
		if errors.As(err, &verr) {
			for _, p := range verr.Problems() {
				fmt.Fprintln(cmd.ErrOrStderr(), "  -", p)
			}
		}
		return err
	}

	store, closeStore, err := c.openStore()
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Save(cmd.Context(), normalized); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Saved %d rules\n", len(normalized))

	if c.cfg.Store.Type == config.StoreNATS {
		return nil
	}
	client, closeClient, err := c.control()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "triggerd not notified:", err)
		return nil
	}
	defer closeClient()

	ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
	defer cancel()
	if _, err := client.Reload(ctx); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "triggerd not notified:", err)
	}
	return nil
}

func newExamplesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "examples",
		Short: "Print an example rule file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprint(cmd.OutOrStdout(), exampleRules)
			return err
		},
	}
}

const exampleRules = `# Rules are evaluated top to bottom for every scoring event.
# A delay entry runs after the event entry right above it fires.
triggers:
  - kind: event
    name: Round start scene
    event_type: rnd
    action: scene
    target_type: scene
    target_id: Fight
    condition_once_per: round
    enabled: true

  - kind: event
    name: Start recording
    event_type: rnd
    action: record_start
    connection_name: OBS_REC
    condition_round: 1
    condition_once_per: match
    enabled: true

  - kind: event
    name: Round winner overlay
    event_type: wrd
    action: overlay
    target_type: overlay
    target_id: round-winner
    condition_once_per: round
    debounce_ms: 200
    enabled: true

  - kind: delay
    delay_ms: 5000

  - kind: event
    name: Save replay on late points
    event_type: pt
    action: replay_save
    cooldown_ms: 10000
    criteria: event.round != nil && event.round >= 2
    enabled: true

  - kind: event
    name: Match winner scene
    event_type: win
    action: scene
    target_type: scene
    target_id: Winner
    condition_once_per: match
    enabled: true

  - kind: event
    name: Stop recording
    event_type: win
    action: record_stop
    connection_name: OBS_REC
    cooldown_ms: 30000
    enabled: true
`
