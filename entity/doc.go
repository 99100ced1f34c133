// Package entity implements a CFDP entity: the Copy File procedure for
// sending and receiving files over an unreliable transport.
//
// An Entity owns a table of live transactions and two sequential workers.
// All protocol processing, including timer expiries, runs on the processing
// worker, so transactions need no locks. Indications are delivered to
// observers on a separate notification worker.
//
// Basic usage:
//
//	m := mib.NewStatic(mib.LocalEntity{ID: 1, Indications: mib.AllIndications()})
//	_ = m.AddRemote(mib.DefaultRemote(2))
//
//	e := entity.New(m, filestore.NewOS("/var/spool/cfdp"))
//	e.AddTransport(udp)
//	e.Subscribe(entity.ObserverFunc(func(ind entity.Indication) error {
//		log.Println(ind.Kind(), ind.Base().Transaction)
//		return nil
//	}))
//
//	id, err := e.Put(entity.PutRequest{
//		Destination:         2,
//		SourceFilename:      "outbox/report.bin",
//		DestinationFilename: "inbox/report.bin",
//	})
//
// Transfers in acknowledged mode recover lost PDUs with NAK, Ack and
// Finished retransmission driven by the timers configured per remote entity
// in the MIB. Faults are resolved through the local fault handler map,
// optionally overridden per transaction.
//
// For deterministic tests, supply a TimeProvider with WithTimeProvider and
// join two entities with transport.NewLink.
package entity
