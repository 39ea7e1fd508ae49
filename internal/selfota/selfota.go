// Package selfota implements the gateway's own firmware update: an HTTP
// client streams a new gateway image to POST /update, and this package
// writes it into the inactive BootManager partition as it arrives, verifying
// size and CRC-32 before committing. Grounded on cloud/firmware.go's
// DownloadFirmware chunk-receive-loop-writing-to-file shape, turned inside
// out to read from an io.Reader (an HTTP request body) instead of a gRPC
// stream.
package selfota

import (
	"fmt"
	"hash/crc32"
	"io"
	"log"

	"github.com/omniapi/gateway/internal/bootmanager"
)

const readChunk = 4096

// RebootFunc lets the caller trigger a process restart after a committed
// update, following the same injection pattern used by commissioning and
// the node OTA receiver.
type RebootFunc func(reason string)

// Updater drives the gateway's own self-update against a BootManager.
type Updater struct {
	boot   bootmanager.BootManager
	reboot RebootFunc
}

// New builds an Updater over boot. reboot may be nil (tests).
func New(boot bootmanager.BootManager, reboot RebootFunc) *Updater {
	return &Updater{boot: boot, reboot: reboot}
}

// Apply streams size bytes from r into the inactive partition, verifying the
// received byte count and running CRC-32 against expectedCRC before
// committing the partition as the boot target. On any failure the partition
// is released and the current boot target is left untouched.
func (u *Updater) Apply(r io.Reader, size uint32, expectedCRC uint32) error {
	part, err := u.boot.NextStagingPartition()
	if err != nil {
		return fmt.Errorf("selfota: no staging partition: %w", err)
	}
	handle, err := u.boot.Begin(part, size)
	if err != nil {
		return fmt.Errorf("selfota: begin staging: %w", err)
	}

	var offset uint32
	var running uint32
	buf := make([]byte, readChunk)
	for offset < size {
		want := len(buf)
		if remaining := int(size - offset); remaining < want {
			want = remaining
		}
		n, err := io.ReadFull(r, buf[:want])
		if n > 0 {
			if werr := u.boot.Write(handle, offset, buf[:n]); werr != nil {
				u.boot.End(handle)
				return fmt.Errorf("selfota: write at offset %d: %w", offset, werr)
			}
			running = crc32.Update(running, crc32.IEEETable, buf[:n])
			offset += uint32(n)
		}
		if err != nil && err != io.EOF {
			u.boot.End(handle)
			return fmt.Errorf("selfota: read upload body: %w", err)
		}
	}

	if offset != size {
		u.boot.End(handle)
		return fmt.Errorf("selfota: received %d bytes, want %d", offset, size)
	}
	if running != expectedCRC {
		u.boot.End(handle)
		return fmt.Errorf("selfota: CRC mismatch: got %#08x, want %#08x", running, expectedCRC)
	}

	if err := u.boot.End(handle); err != nil {
		return fmt.Errorf("selfota: finalize staging: %w", err)
	}
	if err := u.boot.SetBoot(part); err != nil {
		return fmt.Errorf("selfota: set_boot: %w", err)
	}

	log.Printf("selfota: committed new gateway image (%d bytes) to partition %v", size, part)
	if u.reboot != nil {
		go u.reboot("self_ota_complete")
	}
	return nil
}
