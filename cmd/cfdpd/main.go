// Command cfdpd runs a CFDP entity and submits Copy File requests to it.
//
// Usage:
//
//	cfdpd init cfdp.yaml
//	cfdpd serve --config cfdp.yaml
//	cfdpd put --config cfdp.yaml 2 local.bin remote.bin
//	cfdpd put --config cfdp.yaml --manifest batch.toml
//	cfdpd put --simulate --loss 0.1 2 local.bin remote.bin
package main

import (
	"fmt"
	"os"

	"github.com/opd-ai/cfdp/config"
	"github.com/opd-ai/cfdp/entity"
	"github.com/opd-ai/cfdp/factory"
	"github.com/opd-ai/cfdp/logging"
	"github.com/opd-ai/cfdp/transport"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	logging.ConfigureRuntime()
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Tests create fresh trees so that flag
// state does not leak between runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "cfdpd",
		Short:         "CCSDS File Delivery Protocol entity",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	cmd.PersistentFlags().String("config", "", "config file (default is cfdp.yaml in the user config directory or the working directory)")
	cmd.PersistentFlags().Uint64("entity-id", 1, "local entity id")
	cmd.PersistentFlags().String("filestore-root", ".", "directory served as the virtual filestore")
	cmd.PersistentFlags().Bool("memory", false, "use an in-memory filestore")
	cmd.PersistentFlags().String("log-level", "info", `log level ("debug", "info", "warn", "error", "off")`)
	cmd.PersistentFlags().String("log-format", "text", `log format ("text" or "json")`)

	cmd.AddCommand(newInitCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newPutCmd())
	return cmd
}

// loadConfig reads the configuration named by --config and applies its log
// section to the standard logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadConfig(cmd, path)
	if err != nil {
		return cfg, err
	}
	lc := cfg.Logging()
	lc.Output = cmd.ErrOrStderr()
	lc.Apply(logrus.StandardLogger())
	return cfg, nil
}

// node is an entity together with the bindings it owns.
type node struct {
	entity     *entity.Entity
	transports []transport.Transport
}

// buildNode creates the entity described by cfg and attaches one binding per
// configured binding.
func buildNode(cfg config.Config) (*node, error) {
	m, err := cfg.MIB()
	if err != nil {
		return nil, err
	}
	e := entity.New(m, cfg.OpenFilestore(), entity.WithSequenceStart(cfg.Entity.SequenceStart))
	n := &node{entity: e}

	bindings, err := cfg.TransportBindings()
	if err != nil {
		n.close()
		return nil, err
	}
	for _, b := range bindings {
		tr, err := factory.NewTransport(b)
		if err != nil {
			n.close()
			return nil, fmt.Errorf("binding %q: %w", b.Name, err)
		}
		e.AddTransport(tr)
		n.transports = append(n.transports, tr)
	}
	return n, nil
}

func (n *node) close() {
	n.entity.Dispose()
	for _, tr := range n.transports {
		if err := tr.Close(); err != nil {
			logrus.WithFields(logrus.Fields{
				"function": "close",
				"binding":  tr.Name(),
				"error":    err.Error(),
			}).Warn("Failed to close binding")
		}
	}
}

func newInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a configuration template",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "cfdp.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", path)
			}
			if err := config.WriteFile(path, config.Template()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}
