// Package integrity compares the code and data segments of loaded modules
// against their files on disk to detect in-memory patching.
package integrity

import (
	"hash/crc32"

	"github.com/AAVision/rasp-scanner/procmem"
)

// liveChunk bounds the buffer used while hashing live memory.
const liveChunk = 64 * 1024

// Checksummer computes CRC-32/ISO-HDLC (reflected polynomial 0xEDB88320,
// initial and final XOR 0xFFFFFFFF). The table is built once, when the
// Checksummer is constructed.
type Checksummer struct {
	table *crc32.Table
}

// NewChecksummer builds the lookup table.
func NewChecksummer() *Checksummer {
	return &Checksummer{table: crc32.MakeTable(crc32.IEEE)}
}

// Sum returns the checksum of b.
func (c *Checksummer) Sum(b []byte) uint32 {
	return crc32.Checksum(b, c.table)
}

// Live returns the checksum of size bytes of live memory at addr. Any byte
// that cannot be read fails the whole sum with fault.ErrUnreadable.
func (c *Checksummer) Live(r procmem.Reader, addr, size uint64) (uint32, error) {
	buf := make([]byte, min(size, liveChunk))

	var crc uint32
	for done := uint64(0); done < size; {
		chunk := buf[:min(size-done, uint64(len(buf)))]
		if _, err := procmem.ReadFull(r, chunk, addr+done); err != nil {
			return 0, err
		}
		crc = crc32.Update(crc, c.table, chunk)
		done += uint64(len(chunk))
	}
	return crc, nil
}
