package ota

import (
	"hash/crc32"
	"testing"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/protocol"
)

type recordedFrame struct {
	msgType uint8
	payload []byte
}

func recordingSend(out *[]recordedFrame) SendFunc {
	return func(mac protocol.Mac, msgType uint8, payload []byte) error {
		*out = append(*out, recordedFrame{msgType, payload})
		return nil
	}
}

func TestReceiverDuplicateChunkReAcksWithoutAdvancing(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x05}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)

	data := []byte("hello world, this is firmware data")
	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: uint32(len(data)), ChunkSize: 16, TotalChunks: 3})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Data: data[:16]})
	if r.receivedSize != 16 {
		t.Fatalf("receivedSize = %d, want 16", r.receivedSize)
	}

	// Re-deliver the same chunk (simulating a lost ACK causing a gateway
	// resend): must re-ACK OK without advancing received_size.
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Data: data[:16]})
	if r.receivedSize != 16 {
		t.Fatalf("receivedSize advanced on duplicate chunk: %d", r.receivedSize)
	}

	last := frames[len(frames)-1]
	if last.msgType != protocol.TypeOtaAck {
		t.Fatalf("expected an OtaAck, got msgType %#x", last.msgType)
	}
	ack, _ := protocol.DecodeOtaAck(last.payload)
	if ack.Status != protocol.OtaAckOK {
		t.Fatalf("expected duplicate chunk to re-ACK OK, got status %d", ack.Status)
	}
}

func TestReceiverGapForcesCRCError(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x06}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)

	data := make([]byte, 48)
	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: uint32(len(data)), ChunkSize: 16, TotalChunks: 3})

	// Skip straight to offset 32, leaving a gap at [0,32).
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 32, Length: 16, Last: true, Data: data[32:48]})
	if r.receivedSize != 0 {
		t.Fatalf("expected receivedSize to stay 0 after a gapped chunk, got %d", r.receivedSize)
	}

	last := frames[len(frames)-1]
	ack, _ := protocol.DecodeOtaAck(last.payload)
	if ack.Status != protocol.OtaAckCRCError {
		t.Fatalf("expected CRC_ERROR on gapped chunk, got status %d", ack.Status)
	}
}

func TestReceiverFullSessionVerifiesCRCAndCommitsBoot(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x07}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)

	data := []byte("01234567890123456789012345678901") // 32 bytes, 2 chunks of 16
	totalCRC := crc32Of(data)

	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: uint32(len(data)), ChunkSize: 16, TotalChunks: 2, Crc32: totalCRC, NewVersion: protocol.PackVersion(2, 0, 0)})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Data: data[0:16]})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 16, Length: 16, Last: true, Data: data[16:32]})
	r.HandleOtaEnd(protocol.OtaEndPayload{TotalChunks: 2, Crc32: totalCRC})

	if r.State() != ReceiverIdle {
		t.Fatalf("expected receiver to return to Idle after OtaEnd, got %v", r.State())
	}

	final := frames[len(frames)-1]
	if final.msgType != protocol.TypeOtaComplete {
		t.Fatalf("expected final frame OtaComplete, got msgType %#x", final.msgType)
	}
	complete, _ := protocol.DecodeOtaComplete(final.payload)
	if complete.NewVersion != protocol.PackVersion(2, 0, 0) {
		t.Fatalf("unexpected new version in OtaComplete: %#x", complete.NewVersion)
	}

	if boot.BootPartition() != boot.RunningPartition() {
		t.Fatal("expected SetBoot to switch RunningPartition to the staged partition in this reference BootManager")
	}
	if string(boot.Image(boot.BootPartition())) != string(data) {
		t.Fatal("staged image does not match the pushed firmware bytes")
	}
}

func TestReceiverCRCMismatchFailsAndDoesNotCommitBoot(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x08}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)
	originalBoot := boot.BootPartition()

	data := make([]byte, 16)
	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: 16, ChunkSize: 16, TotalChunks: 1, NewVersion: protocol.PackVersion(2, 0, 0)})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Last: true, Data: data})
	r.HandleOtaEnd(protocol.OtaEndPayload{TotalChunks: 1, Crc32: 0xDEADBEEF})

	final := frames[len(frames)-1]
	if final.msgType != protocol.TypeOtaFailed {
		t.Fatalf("expected OtaFailed on CRC mismatch, got msgType %#x", final.msgType)
	}
	failed, _ := protocol.DecodeOtaFailed(final.payload)
	if failed.ErrorCode != protocol.OtaErrChecksum {
		t.Fatalf("expected CHECKSUM error code, got %d", failed.ErrorCode)
	}
	if boot.BootPartition() != originalBoot {
		t.Fatal("boot partition must not change when CRC verification fails")
	}
}

// TestVerifyPostRebootDetectsSuccessfulUpdate covers #10: after OtaEnd
// commits a new boot partition, a fresh Receiver (simulating a reboot)
// reads the pending flag and confirms the running partition matches.
func TestVerifyPostRebootDetectsSuccessfulUpdate(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x09}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)

	data := make([]byte, 16)
	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: 16, ChunkSize: 16, TotalChunks: 1, NewVersion: protocol.PackVersion(3, 0, 0)})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Last: true, Data: data})
	r.HandleOtaEnd(protocol.OtaEndPayload{TotalChunks: 1, Crc32: crc32Of(data)})

	frames = nil // simulate reboot: fresh process, fresh Receiver, same boot+kv
	r2 := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)
	r2.VerifyPostReboot()

	if len(frames) != 1 {
		t.Fatalf("expected exactly one frame from VerifyPostReboot, got %d", len(frames))
	}
	if frames[0].msgType != protocol.TypeOtaComplete {
		t.Fatalf("expected idempotent OtaComplete on successful post-reboot check, got msgType %#x", frames[0].msgType)
	}
}

// TestVerifyPostRebootDetectsRollback covers the bootloader-rolled-back
// branch of #10.
func TestVerifyPostRebootDetectsRollback(t *testing.T) {
	self := protocol.Mac{0xBB, 0x01, 0x02, 0x03, 0x04, 0x0A}
	boot := bootmanager.NewInMemory(4096)
	kv := kvstore.NewMemStore()
	var frames []recordedFrame
	r := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)

	data := make([]byte, 16)
	r.HandleOtaBegin(protocol.OtaBeginPayload{TargetMac: self, TotalSize: 16, ChunkSize: 16, TotalChunks: 1, NewVersion: protocol.PackVersion(3, 0, 0)})
	r.HandleOtaData(protocol.OtaDataPayload{Offset: 0, Length: 16, Last: true, Data: data})
	r.HandleOtaEnd(protocol.OtaEndPayload{TotalChunks: 1, Crc32: crc32Of(data)})

	boot.SimulateRollback() // bootloader reverted to the previous bank

	frames = nil
	r2 := NewReceiver(self, boot, kv, recordingSend(&frames), nil, false)
	r2.VerifyPostReboot()

	if len(frames) != 1 || frames[0].msgType != protocol.TypeOtaFailed {
		t.Fatalf("expected a single OtaFailed frame after rollback, got %+v", frames)
	}
	failed, _ := protocol.DecodeOtaFailed(frames[0].payload)
	if failed.ErrorCode != protocol.OtaErrBootFailed {
		t.Fatalf("expected BOOT_FAILED error code, got %d", failed.ErrorCode)
	}
}

func crc32Of(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
