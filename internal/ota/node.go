package ota

import (
	"hash/crc32"
	"log"
	"time"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/protocol"
)

const nodeNamespace = "omniapi_node"

// ReceiverState is the node-side OTA receiver's phase.
type ReceiverState int

const (
	ReceiverIdle ReceiverState = iota
	ReceiverReceiving
)

func (s ReceiverState) String() string {
	if s == ReceiverReceiving {
		return "receiving"
	}
	return "idle"
}

// RebootFunc lets tests observe a simulated reboot without restarting the
// process, following the same injection pattern as the commissioning FSM.
type RebootFunc func(reason string)

// Receiver is the node-side OTA receiver (§4.7): accepts a push session from
// the gateway, verifies it, writes it to the inactive partition, and
// performs post-reboot verification on the following boot.
type Receiver struct {
	self     protocol.Mac
	boot     bootmanager.BootManager
	kv       kvstore.Store
	send     SendFunc
	reboot   RebootFunc
	pullMode bool

	state         ReceiverState
	part          bootmanager.Partition
	handle        bootmanager.Handle
	totalSize     uint32
	chunkSize     uint32
	receivedSize  uint32
	runningCRC    uint32
	newVersion    uint32
	lastLoggedPct uint8
}

// NewReceiver builds an idle receiver. pullMode switches chunk-solicitation
// behavior for the legacy node-initiated path (§4.7, retained unchanged).
func NewReceiver(self protocol.Mac, boot bootmanager.BootManager, kv kvstore.Store, send SendFunc, reboot RebootFunc, pullMode bool) *Receiver {
	return &Receiver{self: self, boot: boot, kv: kv, send: send, reboot: reboot, pullMode: pullMode, state: ReceiverIdle}
}

// HandleOtaBegin implements §4.7.1 steps 1-5.
func (r *Receiver) HandleOtaBegin(p protocol.OtaBeginPayload) {
	if p.TargetMac != r.self {
		return
	}
	if r.state == ReceiverReceiving {
		// Idempotent restart: tear down any half-finished session.
		r.abortSession()
	}

	part, err := r.boot.NextStagingPartition()
	if err != nil {
		r.ackAbort(0)
		return
	}
	handle, err := r.boot.Begin(part, p.TotalSize)
	if err != nil {
		r.ackAbort(0)
		return
	}

	r.part = part
	r.handle = handle
	r.totalSize = p.TotalSize
	r.chunkSize = uint32(p.ChunkSize)
	r.newVersion = p.NewVersion
	r.receivedSize = 0
	r.runningCRC = 0
	r.lastLoggedPct = 0
	r.state = ReceiverReceiving

	r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: 0, Status: protocol.OtaAckReady}.Encode())
}

func (r *Receiver) ackAbort(chunk uint16) {
	r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: chunk, Status: protocol.OtaAckAbort}.Encode())
}

func (r *Receiver) abortSession() {
	if r.state == ReceiverReceiving {
		r.boot.End(r.handle)
	}
	r.state = ReceiverIdle
}

// HandleOtaData implements §4.7.1's duplicate/gap/advance trichotomy.
func (r *Receiver) HandleOtaData(p protocol.OtaDataPayload) {
	if r.state != ReceiverReceiving {
		return
	}
	chunkIndex := uint16(p.Offset / r.chunkSize)

	if p.Offset < r.receivedSize {
		r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: chunkIndex, Status: protocol.OtaAckOK}.Encode())
		return
	}
	if p.Offset > r.receivedSize {
		r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: chunkIndex, Status: protocol.OtaAckCRCError}.Encode())
		return
	}

	if err := r.boot.Write(r.handle, p.Offset, p.Data); err != nil {
		r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: chunkIndex, Status: protocol.OtaAckWriteErr}.Encode())
		return
	}
	r.runningCRC = crc32.Update(r.runningCRC, crc32.IEEETable, p.Data)
	r.receivedSize += uint32(len(p.Data))

	if r.totalSize > 0 {
		pct := uint8(uint64(r.receivedSize) * 100 / uint64(r.totalSize))
		if pct >= r.lastLoggedPct+10 {
			r.lastLoggedPct = pct - (pct % 10)
			log.Printf("ota: node receive progress %d%% (%d/%d bytes)", pct, r.receivedSize, r.totalSize)
		}
	}

	r.send(r.self, protocol.TypeOtaAck, protocol.OtaAckPayload{Mac: r.self, ChunkIndex: chunkIndex, Status: protocol.OtaAckOK}.Encode())
}

// HandleOtaEnd implements §4.7.1's finalize step: verify size and checksum,
// commit the new partition as boot target, persist the pending flag, signal
// completion, and reboot.
func (r *Receiver) HandleOtaEnd(p protocol.OtaEndPayload) {
	if r.state != ReceiverReceiving {
		return
	}

	if r.receivedSize != r.totalSize {
		r.fail(protocol.OtaErrDownloadFailed, "incomplete")
		return
	}
	if r.runningCRC != p.Crc32 {
		r.fail(protocol.OtaErrChecksum, "CRC mismatch")
		return
	}

	if err := r.boot.End(r.handle); err != nil {
		r.fail(protocol.OtaErrWriteFailed, "finalize failed")
		return
	}
	if err := r.boot.SetBoot(r.part); err != nil {
		r.fail(protocol.OtaErrPartitionError, "set_boot failed")
		return
	}

	newVersion := r.newVersion
	r.persistPending(newVersion)

	r.send(r.self, protocol.TypeOtaComplete, protocol.OtaCompletePayload{Mac: r.self, NewVersion: newVersion}.Encode())
	r.state = ReceiverIdle

	if r.reboot != nil {
		go func() {
			time.Sleep(2 * time.Second)
			r.reboot("ota_complete")
		}()
	}
}

func (r *Receiver) fail(code uint8, msg string) {
	r.send(r.self, protocol.TypeOtaFailed, protocol.OtaFailedPayload{Mac: r.self, ErrorCode: code, ErrorMsg: msg}.Encode())
	r.abortSession()
}

func (r *Receiver) persistPending(newVersion uint32) {
	buf := make([]byte, 5)
	buf[0] = 1
	buf[1] = byte(newVersion)
	buf[2] = byte(newVersion >> 8)
	buf[3] = byte(newVersion >> 16)
	buf[4] = byte(newVersion >> 24)
	r.kv.Set(nodeNamespace, "ota_pending", buf)
}

// VerifyPostReboot implements §4.7.2. Call once at startup, after the
// transport is up, so OtaComplete/OtaFailed can actually reach the gateway.
func (r *Receiver) VerifyPostReboot() {
	raw, err := r.kv.Get(nodeNamespace, "ota_pending")
	if err != nil || len(raw) < 5 || raw[0] != 1 {
		return
	}
	newVersion := uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16 | uint32(raw[4])<<24
	r.kv.Erase(nodeNamespace, "ota_pending")

	if r.boot.RunningPartition() == r.boot.BootPartition() {
		r.send(r.self, protocol.TypeOtaComplete, protocol.OtaCompletePayload{Mac: r.self, NewVersion: newVersion}.Encode())
		return
	}
	r.send(r.self, protocol.TypeOtaFailed, protocol.OtaFailedPayload{Mac: r.self, ErrorCode: protocol.OtaErrBootFailed, ErrorMsg: "rollback detected"}.Encode())
}

// HandleOtaAbort tears down an in-flight session on external request.
func (r *Receiver) HandleOtaAbort() {
	r.abortSession()
}

// HandleOtaRequest services the legacy pull-mode chunk solicitation. Unused
// unless pullMode is set; the gateway never sends OtaRequest in push mode.
func (r *Receiver) HandleOtaRequest(p protocol.OtaRequestPayload) ([]byte, error) {
	if !r.pullMode || r.state != ReceiverReceiving {
		return nil, nil
	}
	return r.boot.ReadPartition(r.part, p.Offset, uint32(p.Length))
}

// State returns the receiver's current phase, for tests and status queries.
func (r *Receiver) State() ReceiverState { return r.state }
