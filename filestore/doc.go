// Package filestore implements the CFDP virtual filestore on top of an afero
// filesystem.
//
// # Overview
//
// Filestore is the contract the protocol engine consumes: segment reads for
// the sending side, a byte sink for reconstructed files on the receiving side,
// and the filestore actions a Metadata PDU may request after delivery.
//
//	store := filestore.NewOS("/var/spool/cfdp")
//	size, err := store.FileSize("outbound/image.bin")
//
// Tests use an in-memory store:
//
//	store := filestore.NewMemory()
//
// # Errors
//
// Every error returned by Afero wraps ErrFilestore, so callers can separate
// local I/O failures from protocol faults with errors.Is. File names are
// validated with ValidatePath before use; names containing directory
// traversal are rejected with ErrDirectoryTraversal.
package filestore
