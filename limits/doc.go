// Package limits provides centralized size constants and validation functions
// for CFDP PDUs carried over datagram bindings.
//
// # Size Hierarchy
//
//   - MaxDatagram (65507 bytes): the largest UDP payload.
//   - SealOverhead (40 bytes): salt, nonce and Poly1305 tag added when a
//     binding seals datagrams with a pre-shared key.
//   - MaxFileDataOverhead: the largest FileData header, offset and CRC.
//   - MaxSegmentLength: the largest file segment that fits one sealed
//     datagram. Remote entity configuration is validated against it.
//
// # Validation Functions
//
//	if err := limits.ValidateSegmentLength(remote.MaxFileSegmentLength); err != nil {
//	    // ErrSegmentEmpty or ErrSegmentTooLarge
//	}
package limits
