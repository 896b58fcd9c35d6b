package main

import (
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/app"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/config"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/control"
	"github.com/reStrike-d-o-o/reStrike-VTA-Cursor-sub001/internal/trigger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli carries the settings shared by every subcommand
type cli struct {
	configPath string
	natsURL    string
	cfg        config.Config
	logger     *zap.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:          "triggerctl",
		Short:        "Manage trigger rules and control a running triggerd",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.load()
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", "triggerd.yaml", "Config file")
	root.PersistentFlags().StringVar(&c.natsURL, "nats-url", "", "NATS server URL (overrides config)")

	root.AddCommand(
		newListCmd(c),
		newImportCmd(c),
		newExportCmd(c),
		newAddCmd(c),
		newDeleteCmd(c),
		newExamplesCmd(),
		newEmitCmd(c),
		newPreviewCmd(c),
		newLogsCmd(c),
		newRunsCmd(c),
		newCancelCmd(c),
		newRoundStartCmd(c),
		newMatchStartCmd(c),
		newResetCmd(c),
	)
	return root
}

func (c *cli) load() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	if c.natsURL != "" {
		cfg.NATS.URL = c.natsURL
	}
	c.cfg = cfg
	c.logger = zap.NewNop()
	return nil
}

func (c *cli) connect() (*nats.Conn, error) {
	return app.Connect(c.cfg.NATS, "triggerctl", c.logger)
}

// openStore opens the configured store. The returned function closes it
// and any connection it needed.
func (c *cli) openStore() (trigger.Store, func(), error) {
	var nc *nats.Conn
	if c.cfg.Store.Type == config.StoreNATS {
		var err error
		if nc, err = c.connect(); err != nil {
			return nil, nil, err
		}
	}

	store, err := app.OpenStore(c.cfg.Store, nc, c.logger)
	if err != nil {
		if nc != nil {
			nc.Close()
		}
		return nil, nil, err
	}
	return store, func() {
		store.Close()
		if nc != nil {
			nc.Close()
		}
	}, nil
}

func (c *cli) control() (*control.Client, func(), error) {
	nc, err := c.connect()
	if err != nil {
		return nil, nil, err
	}
	return control.NewClient(nc, control.DefaultSubjectPrefix), nc.Close, nil
}
