package device

import (
	"testing"

	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
)

func TestSinkRelaySendsCorrectPayload(t *testing.T) {
	mac := protocol.Mac{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	var gotType uint8
	var gotPayload []byte
	sink := NewSink(mac, func(m protocol.Mac, msgType uint8, payload []byte) error {
		gotType = msgType
		gotPayload = payload
		return nil
	})

	if err := sink.Relay(1, ActionOn); err != nil {
		t.Fatalf("Relay: %v", err)
	}
	if gotType != protocol.TypeRelayCommand {
		t.Fatalf("msgType = %#x, want TypeRelayCommand", gotType)
	}
	if len(gotPayload) != 2 || gotPayload[0] != 1 || gotPayload[1] != uint8(ActionOn) {
		t.Fatalf("payload = %v, want [1 1]", gotPayload)
	}
}

func TestApplyRelayAckBadChannel(t *testing.T) {
	reg := registry.New()
	mac := protocol.Mac{0xAA}
	reg.FindOrAdd(mac, -50)

	err := ApplyRelayAck(reg, mac, protocol.RelayAckPayload{Channel: 9, State: 1})
	if err == nil {
		t.Fatal("expected error for out-of-range channel")
	}
}

func TestApplyRelayAckUpdatesRegistry(t *testing.T) {
	reg := registry.New()
	mac := protocol.Mac{0xBB}
	reg.FindOrAdd(mac, -40)

	if err := ApplyRelayAck(reg, mac, protocol.RelayAckPayload{Channel: 0, State: 1}); err != nil {
		t.Fatalf("ApplyRelayAck: %v", err)
	}
	rec, _ := reg.Get(mac)
	if !rec.RelayStates[0] {
		t.Fatal("expected relay 0 to be on")
	}
}

func TestApplyLedAckUpdatesRegistry(t *testing.T) {
	reg := registry.New()
	mac := protocol.Mac{0xCC}
	reg.FindOrAdd(mac, -30)

	ApplyLedAck(reg, mac, protocol.LedAckPayload{Power: 1, R: 10, G: 20, B: 30, Brightness: 200, Effect: 2})
	rec, _ := reg.Get(mac)
	if !rec.Led.Power || rec.Led.R != 10 || rec.Led.Effect != 2 {
		t.Fatalf("unexpected LED state: %+v", rec.Led)
	}
}
