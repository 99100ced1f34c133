// Package factory creates the UT bindings an entity sends PDUs through.
//
// The factory hides the concrete binding types behind transport.Transport
// so that commands and tests can switch between a UDP binding, a loopback
// binding and a simulated in-memory link without changing consuming code.
//
// # Configuration
//
// The factory supports configuration via environment variables:
//   - CFDP_LISTEN: default UDP listen address
//   - CFDP_SIM_LOSS_RATE: drop probability of simulated links, 0 to 1
//   - CFDP_SIM_DUPLICATE_RATE: duplication probability of simulated links
//   - CFDP_SIM_REORDER_RATE: reordering probability of simulated links
//   - CFDP_SIM_CAPACITY: PDUs accepted per transmission window, 0 is unlimited
//   - CFDP_SIM_SEED: seed for reproducible impairments
//
// # Usage
//
//	f := factory.NewTransportFactory()
//	udp, err := f.CreateTransport(factory.Binding{
//	    Name:  "ground",
//	    Kind:  factory.KindUDP,
//	    Peers: map[pdu.EntityID]string{2: "10.0.0.2:4556"},
//	})
//
// For testing, CreateLink joins two in-process entities:
//
//	link := f.CreateLink("sim", "sim", factory.WithLossRate(0.1), factory.WithSeed(7))
//	sender.AddTransport(link.A())
//	receiver.AddTransport(link.B())
package factory
