package heartbeat

import (
	"testing"
	"time"

	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want uint32
	}{
		{"standard", "1.1.2", protocol.PackVersion(1, 1, 2)},
		{"zero", "0.0.0", 0},
		{"trailing junk sanitized by getFixedString upstream", "2.3.4", protocol.PackVersion(2, 3, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := parseVersion(tt.in); got != tt.want {
				t.Errorf("parseVersion(%q) = %#x, want %#x", tt.in, got, tt.want)
			}
		})
	}
}

func TestHandleHeartbeatAckPopulatesRegistry(t *testing.T) {
	reg := registry.New()
	src := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	ack := protocol.HeartbeatAckPayload{DeviceType: uint8(registry.DeviceRelay), Version: "1.1.2"}

	HandleHeartbeatAck(reg, src, -42, ack)

	rec, ok := reg.Get(src)
	if !ok {
		t.Fatal("expected node to be registered")
	}
	if rec.DeviceType != registry.DeviceRelay {
		t.Errorf("DeviceType = %v, want %v", rec.DeviceType, registry.DeviceRelay)
	}
	if rec.FirmwareVersion != protocol.PackVersion(1, 1, 2) {
		t.Errorf("FirmwareVersion = %#x, want %#x", rec.FirmwareVersion, protocol.PackVersion(1, 1, 2))
	}
	if !rec.Online {
		t.Error("expected node to be online after heartbeat ack")
	}
}

func TestSweepInvokesOfflineHandlerOnTransition(t *testing.T) {
	reg := registry.New()
	src := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02}
	reg.FindOrAdd(src, -40)

	d := New(noopBroadcaster{}, reg)
	var notified []protocol.Mac
	d.SetOfflineHandler(func(mac protocol.Mac) { notified = append(notified, mac) })

	d.sweepAt(timeAfterTimeout())

	if len(notified) != 1 || notified[0] != src {
		t.Fatalf("offline handler notified = %v, want [%v]", notified, src)
	}

	rec, ok := reg.Get(src)
	if !ok || rec.Online {
		t.Fatal("expected node marked offline")
	}

	// A second sweep at the same stale time reports no new transition.
	notified = nil
	d.sweepAt(timeAfterTimeout())
	if len(notified) != 0 {
		t.Fatalf("expected no further notifications, got %v", notified)
	}
}

func timeAfterTimeout() time.Time {
	return time.Now().Add(registry.OnlineTimeout + time.Second)
}

type noopBroadcaster struct{}

func (noopBroadcaster) SendTo(protocol.Mac, []byte) error { return nil }
