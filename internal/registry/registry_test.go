package registry

import (
	"testing"
	"time"

	"github.com/omniapi/gateway/internal/protocol"
)

func macFor(n byte) protocol.Mac {
	return protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, n}
}

func TestRegistryCapacity(t *testing.T) {
	r := New()
	for i := 0; i < Capacity; i++ {
		if _, ok := r.FindOrAdd(macFor(byte(i)), -40); !ok {
			t.Fatalf("insertion %d unexpectedly rejected", i)
		}
	}
	if r.Len() != Capacity {
		t.Fatalf("expected %d records, got %d", Capacity, r.Len())
	}

	if _, ok := r.FindOrAdd(macFor(Capacity), -40); ok {
		t.Fatal("51st insertion should have been rejected as full")
	}
	if r.Len() != Capacity {
		t.Fatalf("expected registry to remain at %d records, got %d", Capacity, r.Len())
	}
}

func TestFindOrAddUpdatesExistingRecord(t *testing.T) {
	r := New()
	mac := macFor(1)

	rec1, ok := r.FindOrAdd(mac, -50)
	if !ok {
		t.Fatal("first insertion rejected")
	}
	if rec1.MessagesReceived != 1 {
		t.Fatalf("expected MessagesReceived=1, got %d", rec1.MessagesReceived)
	}

	rec2, ok := r.FindOrAdd(mac, -45)
	if !ok {
		t.Fatal("second insertion rejected")
	}
	if rec2.MessagesReceived != 2 {
		t.Fatalf("expected MessagesReceived=2, got %d", rec2.MessagesReceived)
	}
	if rec2.Rssi != -45 {
		t.Fatalf("expected updated Rssi=-45, got %d", rec2.Rssi)
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 record, got %d", r.Len())
	}
}

func TestMarkSweepIdempotent(t *testing.T) {
	base := time.Now()
	origNowMs := nowMs
	nowMs = func() uint64 { return uint64(base.UnixMilli()) }
	defer func() { nowMs = origNowMs }()

	r := New()
	mac := macFor(1)
	r.FindOrAdd(mac, -40)

	changed := r.MarkSweep(base.Add(OnlineTimeout + 2*time.Second))
	if len(changed) != 1 {
		t.Fatalf("expected 1 node to go offline, got %d", len(changed))
	}
	got, ok := r.Get(mac)
	if !ok || got.Online {
		t.Fatal("expected node to be offline after sweep")
	}

	// Sweeping again within the same window must have no further effect.
	changed2 := r.MarkSweep(base.Add(OnlineTimeout + 3*time.Second))
	if len(changed2) != 0 {
		t.Fatalf("expected idempotent second sweep, got %d changes", len(changed2))
	}
}

func TestOtaTargetableInvariant(t *testing.T) {
	rec := NodeRecord{Commissioned: true, DeviceType: DeviceUnknown, FirmwareVersion: 0x010000}
	if rec.OtaTargetable() {
		t.Error("expected record with unknown device type to not be OTA targetable")
	}

	rec.DeviceType = DeviceRelay
	rec.FirmwareVersion = 0
	if rec.OtaTargetable() {
		t.Error("expected record with zero firmware version to not be OTA targetable")
	}

	rec.FirmwareVersion = 0x010102
	if !rec.OtaTargetable() {
		t.Error("expected fully-populated commissioned record to be OTA targetable")
	}
}

func TestUpdateRelayBadChannel(t *testing.T) {
	r := New()
	mac := macFor(1)
	r.FindOrAdd(mac, -40)

	if _, err := r.UpdateRelay(mac, 5, true); err == nil {
		t.Fatal("expected BadChannelError for out-of-range channel")
	}
}
