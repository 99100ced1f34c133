// Package transport provides the UT layer bindings that carry CFDP PDUs
// between entities.
//
// # Architecture
//
// An entity registers itself as a Subscriber with every binding it owns and
// sends through Transport.Request:
//
//	type Transport interface {
//	    Name() string
//	    Register(sub Subscriber)
//	    Request(p pdu.PDU) error
//	    Close() error
//	}
//
// A Request error wrapping ErrRejected is backpressure: the PDU was not taken
// and should be retried on the next transmission opportunity. Other errors
// are configuration or encoding failures.
//
// # Bindings
//
// UDP carries one encoded PDU per datagram:
//
//	udp, err := transport.NewUDP(transport.UDPConfig{
//	    Name:   "ground",
//	    Listen: ":4556",
//	    Peers:  map[pdu.EntityID]string{2: "10.0.0.2:4556"},
//	    Key:    psk,
//	})
//
// With a Key every datagram is sealed with ChaCha20-Poly1305 under a key
// derived from the pre-shared key and a per-sender salt (see Sealer).
//
// Link joins two in-memory endpoints with seeded loss, duplication,
// reordering and a per-window capacity, for tests and simulation:
//
//	link := transport.NewLink("a", "b", transport.LinkConfig{LossRate: 0.1, Seed: 1})
//	sender.AddTransport(link.A())
//	receiver.AddTransport(link.B())
//
// Loopback delivers PDUs back to the sending entity.
package transport
