package main

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/opd-ai/cfdp/config"
	"github.com/opd-ai/cfdp/entity"
	"github.com/opd-ai/cfdp/factory"
	"github.com/opd-ai/cfdp/filestore"
	"github.com/opd-ai/cfdp/mib"
	"github.com/opd-ai/cfdp/pdu"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// putOptions holds the flags of the put command.
type putOptions struct {
	manifest string
	mode     string
	closure  bool
	timeout  time.Duration
	messages []string

	simulate     bool
	receiverRoot string
	loss         float64
	duplicate    float64
	reorder      float64
	seed         int64
}

func newPutCmd() *cobra.Command {
	var opts putOptions
	cmd := &cobra.Command{
		Use:   "put [destination source [target]]",
		Short: "Send files and wait for the transactions to finish",
		Long: `Send one file to a remote entity, or every transfer listed in a TOML
manifest. The command exits once every transaction has finished and fails if
any of them did not deliver its file.

With --simulate the remote entity runs in-process behind a simulated link,
which makes it easy to try fault handling without a second machine.`,
		Args: func(cmd *cobra.Command, args []string) error {
			if opts.manifest != "" {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.RangeArgs(2, 3)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			reqs, err := opts.requests(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			return runPut(ctx, cmd, cfg, opts, reqs)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.manifest, "manifest", "", "TOML manifest listing transfers")
	f.StringVar(&opts.mode, "mode", "", `transmission mode override ("acknowledged" or "unacknowledged")`)
	f.BoolVar(&opts.closure, "closure", false, "request transaction closure")
	f.DurationVar(&opts.timeout, "timeout", 5*time.Minute, "maximum time to wait for the transactions")
	f.StringSliceVar(&opts.messages, "message", nil, "message to user sent with the metadata (repeatable)")
	f.BoolVar(&opts.simulate, "simulate", false, "run the destination entity in-process over a simulated link")
	f.StringVar(&opts.receiverRoot, "receiver-root", "", "filestore directory of the simulated destination (default in-memory)")
	f.Float64Var(&opts.loss, "loss", 0, "simulated link loss rate")
	f.Float64Var(&opts.duplicate, "duplicate", 0, "simulated link duplication rate")
	f.Float64Var(&opts.reorder, "reorder", 0, "simulated link reordering rate")
	f.Int64Var(&opts.seed, "seed", 1, "simulated link seed")
	return cmd
}

// requests builds the Put requests from the manifest or the arguments.
func (o putOptions) requests(cmd *cobra.Command, args []string) ([]entity.PutRequest, error) {
	if o.manifest != "" {
		return config.LoadManifest(o.manifest)
	}

	dest, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("destination entity id %q: %w", args[0], err)
	}
	req := entity.PutRequest{
		Destination:         pdu.EntityID(dest),
		SourceFilename:      args[1],
		DestinationFilename: args[1],
	}
	if len(args) == 3 {
		req.DestinationFilename = args[2]
	}
	if o.mode != "" {
		mode, err := pdu.ParseTransmissionMode(o.mode)
		if err != nil {
			return nil, err
		}
		req.Mode = &mode
	}
	if cmd.Flags().Changed("closure") {
		closure := o.closure
		req.ClosureRequested = &closure
	}
	for _, m := range o.messages {
		req.MessagesToUser = append(req.MessagesToUser, []byte(m))
	}
	return []entity.PutRequest{req}, nil
}

func runPut(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts putOptions, reqs []entity.PutRequest) error {
	var (
		sender   *node
		receiver *entity.Entity
		err      error
	)
	if opts.simulate {
		sender, receiver, err = buildSimulation(cfg, opts, reqs)
	} else {
		sender, err = buildNode(cfg)
	}
	if err != nil {
		return err
	}
	defer sender.close()

	out := newPrinter(cmd.OutOrStdout())
	sent := newTracker()
	sender.entity.Subscribe(out)
	sender.entity.Subscribe(sent)

	var delivered *tracker
	if receiver != nil {
		defer receiver.Dispose()
		delivered = newTracker()
		receiver.Subscribe(delivered)
	}

	ids := make([]pdu.TransactionID, 0, len(reqs))
	for _, req := range reqs {
		id, err := sender.entity.Put(req)
		if err != nil {
			return fmt.Errorf("put %s to %d: %w", req.SourceFilename, req.Destination, err)
		}
		ids = append(ids, id)
	}

	results, err := sent.wait(ctx, ids)
	if err != nil {
		return err
	}
	if delivered != nil {
		if _, err := delivered.wait(ctx, ids); err != nil {
			return err
		}
	}

	failed := 0
	for _, id := range ids {
		if results[id].Failed() {
			failed++
		}
	}
	logrus.WithFields(logrus.Fields{
		"function":     "runPut",
		"transactions": len(ids),
		"failed":       failed,
	}).Info("Transfers complete")
	if failed > 0 {
		return fmt.Errorf("%d of %d transactions failed", failed, len(ids))
	}
	return nil
}

// buildSimulation creates the sending node from cfg and an in-process
// destination entity joined to it by a simulated link. Every request must
// name the same destination.
func buildSimulation(cfg config.Config, opts putOptions, reqs []entity.PutRequest) (*node, *entity.Entity, error) {
	dests := map[pdu.EntityID]bool{}
	for _, r := range reqs {
		dests[r.Destination] = true
	}
	if len(dests) != 1 {
		ids := make([]int, 0, len(dests))
		for id := range dests {
			ids = append(ids, int(id))
		}
		sort.Ints(ids)
		return nil, nil, fmt.Errorf("simulation supports one destination, got %v", ids)
	}
	dest := reqs[0].Destination

	m, err := cfg.MIB()
	if err != nil {
		return nil, nil, err
	}
	remote, ok := m.Remote(dest)
	if !ok {
		remote = mib.DefaultRemote(dest)
		if err := m.AddRemote(remote); err != nil {
			return nil, nil, err
		}
	}
	local := m.Local()

	link := factory.NewTransportFactory().CreateLink(remote.Binding, remote.Binding,
		factory.WithLossRate(opts.loss),
		factory.WithDuplicateRate(opts.duplicate),
		factory.WithReorderRate(opts.reorder),
		factory.WithSeed(opts.seed),
	)

	sender := entity.New(m, cfg.OpenFilestore(), entity.WithSequenceStart(cfg.Entity.SequenceStart))
	sender.AddTransport(link.A())

	peer := mib.DefaultRemote(local.ID)
	peer.Binding = remote.Binding
	peer.AcknowledgedModeSupported = remote.AcknowledgedModeSupported
	rm := mib.NewStatic(mib.LocalEntity{
		ID:            dest,
		FaultHandlers: config.DefaultFaultHandlers(),
		Indications:   mib.AllIndications(),
	})
	if err := rm.AddRemote(peer); err != nil {
		sender.Dispose()
		return nil, nil, err
	}
	var fs *filestore.Afero
	if opts.receiverRoot != "" {
		fs = filestore.NewOS(opts.receiverRoot)
	} else {
		fs = filestore.NewMemory()
	}
	receiver := entity.New(rm, fs)
	receiver.AddTransport(link.B())

	logrus.WithFields(logrus.Fields{
		"function":    "buildSimulation",
		"sender":      local.ID,
		"destination": dest,
		"loss_rate":   opts.loss,
	}).Info("Simulated destination ready")

	return &node{entity: sender}, receiver, nil
}
