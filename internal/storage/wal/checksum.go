package wal

// ============================================================================
// Checksum
// Purpose: CRC32 over the fields that identify and carry an event
// ============================================================================

import (
	"encoding/binary"
	"hash/crc32"
)

// CalculateChecksum computes the CRC32-IEEE checksum of an event. The
// timestamp and the checksum field itself are not covered.
func CalculateChecksum(event Event) uint32 {
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], event.Seq)

	h := crc32.NewIEEE()
	h.Write(seq[:])
	h.Write([]byte(event.Type))
	h.Write([]byte{0})
	h.Write([]byte(event.JobID))
	h.Write([]byte{0})
	h.Write(event.Document)
	return h.Sum32()
}

// VerifyChecksum returns a *ChecksumError when the stored checksum does not
// match the event content.
func VerifyChecksum(event Event) error {
	if expected := CalculateChecksum(event); expected != event.Checksum {
		return &ChecksumError{Seq: event.Seq, Expected: expected, Actual: event.Checksum}
	}
	return nil
}
