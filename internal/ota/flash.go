package ota

import (
	"fmt"
	"hash/crc32"

	"github.com/omniapi/gateway/internal/bootmanager"
)

// flashSource reads chunk bytes back from a staged BootManager partition,
// used once ota_flash_finish has completed staging and the push session
// begins reading from the now-complete bank (per §3's lifecycle note that
// the session is "created by ota_start (or ota_flash_finish for the async
// path)").
type flashSource struct {
	boot bootmanager.BootManager
	part bootmanager.Partition
}

func (s flashSource) size() uint32 {
	return 0 // unused: Manager tracks totalSize separately for flash sessions
}

func (s flashSource) readChunk(offset, length uint32) ([]byte, error) {
	return s.boot.ReadPartition(s.part, offset, length)
}

// FlashStager drives flash-mode staging (§4.6.1: ota_flash_begin /
// ota_flash_write(chunk) / ota_flash_finish): as an HTTP upload streams in,
// bytes land directly in the gateway's inactive boot partition, with each
// 4 KB sector erased on demand, immediately before the first write that
// crosses into it, rather than erasing the whole image up front (which
// would stall the upload long enough to trip the client's timeout). A
// "last-erased-sector" cursor prevents double-erasing a sector within one
// upload.
type FlashStager struct {
	boot   bootmanager.BootManager
	part   bootmanager.Partition
	handle bootmanager.Handle

	offset           uint32
	lastErasedSector int64
	crc              uint32
	closed           bool
}

// BeginFlash opens the gateway's inactive partition (ota_flash_begin) for a
// size-byte image.
func BeginFlash(boot bootmanager.BootManager, size uint32) (*FlashStager, error) {
	part, err := boot.NextStagingPartition()
	if err != nil {
		return nil, fmt.Errorf("ota: flash begin: no staging partition: %w", err)
	}
	handle, err := boot.Begin(part, size)
	if err != nil {
		return nil, fmt.Errorf("ota: flash begin: %w", err)
	}
	return &FlashStager{boot: boot, part: part, handle: handle, lastErasedSector: -1}, nil
}

// Write stages the next sequential slice of the image (ota_flash_write),
// erasing any sector the write newly crosses into.
func (s *FlashStager) Write(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	firstSector := int64(s.offset) / bootmanager.SectorSize
	lastSector := int64(s.offset+uint32(len(data))-1) / bootmanager.SectorSize
	for sector := firstSector; sector <= lastSector; sector++ {
		if sector <= s.lastErasedSector {
			continue
		}
		if err := s.boot.EraseSector(s.part, uint32(sector)*bootmanager.SectorSize); err != nil {
			return fmt.Errorf("ota: flash erase sector %d: %w", sector, err)
		}
		s.lastErasedSector = sector
	}
	if err := s.boot.Write(s.handle, s.offset, data); err != nil {
		return fmt.Errorf("ota: flash write at offset %d: %w", s.offset, err)
	}
	s.crc = crc32.Update(s.crc, crc32.IEEETable, data)
	s.offset += uint32(len(data))
	return nil
}

// Finish closes the write session (ota_flash_finish) and returns the staged
// partition, the total bytes written, and the CRC-32 accumulated while
// writing — ready for Manager.StartFlash to reread and push on to a node.
func (s *FlashStager) Finish() (bootmanager.Partition, uint32, uint32, error) {
	if s.closed {
		return 0, 0, 0, fmt.Errorf("ota: flash finish: already finished")
	}
	s.closed = true
	if err := s.boot.End(s.handle); err != nil {
		return 0, 0, 0, fmt.Errorf("ota: flash finish: %w", err)
	}
	return s.part, s.offset, s.crc, nil
}

// Abort releases the write session without committing it as a push source,
// used when the upload fails or is cancelled mid-stream.
func (s *FlashStager) Abort() {
	if s.closed {
		return
	}
	s.closed = true
	s.boot.End(s.handle)
}
