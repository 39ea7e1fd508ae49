// Package bootmanager models the dual-bank boot loader collaborator named
// in the core's external interfaces: next_staging_partition, begin, write,
// end, set_boot, running_partition, boot_partition. The real bootloader
// lives below this boundary; this package ships an in-memory reference
// implementation for the node binary and its tests.
package bootmanager

import (
	"errors"
	"fmt"
)

// Partition identifies one of the two flash banks.
type Partition int

const (
	PartitionA Partition = iota
	PartitionB
)

func (p Partition) other() Partition {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// ErrNoSession is returned by Write/End when Begin was not called first.
var ErrNoSession = errors.New("bootmanager: no active write session")

// ErrTooSmall is returned by Begin when the image size exceeds capacity.
var ErrTooSmall = errors.New("bootmanager: image exceeds partition capacity")

// Handle identifies one in-flight write session, returned by Begin.
type Handle int

// SectorSize is the flash erase granularity: writes are staged at arbitrary
// offsets, but the underlying flash must be erased one 4 KB sector at a time
// before it can be written.
const SectorSize = 4096

// BootManager is the collaborator boundary the node OTA receiver and the
// gateway's self-OTA path both write against.
type BootManager interface {
	NextStagingPartition() (Partition, error)
	Begin(part Partition, totalSize uint32) (Handle, error)
	Write(h Handle, off uint32, data []byte) error
	End(h Handle) error
	SetBoot(part Partition) error
	RunningPartition() Partition
	BootPartition() Partition
	// ReadPartition reads back previously-written bytes, used by the
	// gateway's flash-mode OTA staging to reread the image it just wrote
	// while pushing it on to a node.
	ReadPartition(part Partition, off, length uint32) ([]byte, error)
	// EraseSector erases the SectorSize-byte flash sector beginning at
	// byteOffset within part. Callers erase on demand, immediately before
	// the first write that crosses into a given sector, never up front.
	EraseSector(part Partition, byteOffset uint32) error
}

// InMemory is a reference BootManager backed by two byte-slice "partitions".
// Its capacity bounds how large an image either bank can hold.
type InMemory struct {
	capacity uint32
	banks    [2][]byte
	running  Partition
	boot     Partition

	nextHandle Handle
	sessions   map[Handle]*writeSession
}

type writeSession struct {
	part      Partition
	totalSize uint32
}

// NewInMemory creates a dual-bank manager currently running from
// PartitionA, with partitions capacity bytes each.
func NewInMemory(capacity uint32) *InMemory {
	return &InMemory{
		capacity: capacity,
		running:  PartitionA,
		boot:     PartitionA,
		sessions: make(map[Handle]*writeSession),
	}
}

func (m *InMemory) NextStagingPartition() (Partition, error) {
	return m.running.other(), nil
}

func (m *InMemory) Begin(part Partition, totalSize uint32) (Handle, error) {
	if totalSize > m.capacity {
		return 0, ErrTooSmall
	}
	m.banks[part] = make([]byte, totalSize)
	m.nextHandle++
	h := m.nextHandle
	m.sessions[h] = &writeSession{part: part, totalSize: totalSize}
	return h, nil
}

func (m *InMemory) Write(h Handle, off uint32, data []byte) error {
	s, ok := m.sessions[h]
	if !ok {
		return ErrNoSession
	}
	end := off + uint32(len(data))
	if end > s.totalSize {
		return fmt.Errorf("bootmanager: write [%d,%d) exceeds staged size %d", off, end, s.totalSize)
	}
	copy(m.banks[s.part][off:end], data)
	return nil
}

func (m *InMemory) End(h Handle) error {
	if _, ok := m.sessions[h]; !ok {
		return ErrNoSession
	}
	delete(m.sessions, h)
	return nil
}

func (m *InMemory) SetBoot(part Partition) error {
	m.boot = part
	m.running = part
	return nil
}

func (m *InMemory) RunningPartition() Partition { return m.running }
func (m *InMemory) BootPartition() Partition    { return m.boot }

func (m *InMemory) ReadPartition(part Partition, off, length uint32) ([]byte, error) {
	bank := m.banks[part]
	end := off + length
	if end > uint32(len(bank)) {
		return nil, fmt.Errorf("bootmanager: read [%d,%d) exceeds staged size %d", off, end, len(bank))
	}
	return append([]byte(nil), bank[off:end]...), nil
}

// EraseSector fills the sector with 0xFF, the erased-flash value, modeling
// the controller's erase-before-write requirement. Erasing past the staged
// size is a no-op; erasing before Begin has allocated the bank is an error.
func (m *InMemory) EraseSector(part Partition, byteOffset uint32) error {
	bank := m.banks[part]
	if bank == nil {
		return fmt.Errorf("bootmanager: erase sector %d before Begin", byteOffset/SectorSize)
	}
	if byteOffset >= uint32(len(bank)) {
		return nil
	}
	end := byteOffset + SectorSize
	if end > uint32(len(bank)) {
		end = uint32(len(bank))
	}
	for i := byteOffset; i < end; i++ {
		bank[i] = 0xFF
	}
	return nil
}

// Image returns the staged bytes for part, for test assertions only.
func (m *InMemory) Image(part Partition) []byte { return m.banks[part] }

// SimulateRollback forces RunningPartition to diverge from BootPartition, as
// a bootloader would after a failed post-flash self-test.
func (m *InMemory) SimulateRollback() {
	m.running = m.boot.other()
}
