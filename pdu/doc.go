// Package pdu defines the CFDP protocol data units exchanged between entities
// and their binary encoding.
//
// # PDU Variants
//
// Every PDU embeds a Header carrying the transaction identity, the
// transmission mode and the direction of travel:
//
//   - Metadata: opens a transaction, names the files and carries options
//   - FileData: one segment of file content at an offset
//   - EOF: closes transmission with the file checksum and size
//   - Ack: acknowledges an EOF or Finished directive
//   - Finished: reports delivery from the receiving entity
//   - Nak: requests retransmission of missing ranges
//
// Callers switch on the concrete type:
//
//	switch p := msg.(type) {
//	case *pdu.Metadata:
//	    fmt.Println(p.SourceFilename)
//	case *pdu.FileData:
//	    fmt.Println(p.Offset, len(p.Data))
//	}
//
// # Encoding
//
// Encode and Decode implement the CCSDS 727.0-B-5 layout: a fixed four octet
// header followed by variable width entity ids and sequence number, a
// directive or file data body, and an optional CRC-16 trailer when the
// header's CRC flag is set. File sizes and offsets use 32 bits unless
// LargeFile is set.
package pdu
