// Command sentryd is the process entry point: flag/config parsing,
// construction of every component named in SPEC_FULL.md §2, and signal
// handling for graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sentryd/sentryd/internal/config"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "sentryd",
		Short: "distributed host/service monitoring engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logrus.New()
			if lvl, err := logrus.ParseLevel(logLevel); err == nil {
				log.SetLevel(lvl)
			}
			entry := logrus.NewEntry(log)

			f, err := config.Load(configPath)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			d, err := newDaemon(f, entry)
			if err != nil {
				return err
			}
			return d.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "/etc/sentryd/sentryd.json", "path to the bootstrap config document")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: debug, info, warn, error")

	return cmd
}
