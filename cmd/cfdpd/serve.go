package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the entity until interrupted, printing indications",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			n, err := buildNode(cfg)
			if err != nil {
				return err
			}
			defer n.close()
			n.entity.Subscribe(newPrinter(cmd.OutOrStdout()))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, n)
		},
	}
}

func serve(ctx context.Context, n *node) error {
	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"entity":   n.entity.ID(),
		"bindings": len(n.transports),
	}).Info("Entity serving")

	<-ctx.Done()

	logrus.WithFields(logrus.Fields{
		"function": "serve",
		"entity":   n.entity.ID(),
	}).Info("Entity shutting down")
	return nil
}
