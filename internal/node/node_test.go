package node

import (
	"context"
	"testing"
	"time"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/commissioning"
	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
	"github.com/omniapi/gateway/internal/transport"
)

var nodeMac = protocol.Mac{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
var gatewayMac = protocol.Mac{0x02, 0x00, 0x00, 0x00, 0x00, 0xFF}

func newTestNode(t *testing.T) (*Node, *transport.Endpoint) {
	t.Helper()
	bus := transport.NewBus()
	gwEnd := transport.NewEndpoint(bus, gatewayMac, true)
	nodeEnd := transport.NewEndpoint(bus, nodeMac, false)

	kv := kvstore.NewMemStore()
	boot := bootmanager.NewInMemory(64 * 1024)

	n := New(Config{Self: nodeMac, DeviceType: uint8(registry.DeviceRelay), Version: protocol.PackVersion(1, 0, 0)}, nodeEnd, kv, boot, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	n.Start(ctx)
	t.Cleanup(n.Stop)
	return n, gwEnd
}

func recvWithTimeout(t *testing.T, gw *transport.Endpoint) transport.Frame {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		f, err := gw.Recv()
		if err == nil {
			return f
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for node reply")
	return transport.Frame{}
}

func TestHeartbeatElicitsAck(t *testing.T) {
	_, gw := newTestNode(t)

	hb, _ := protocol.NewMessage(protocol.TypeHeartbeat, 1, nil)
	gw.SendTo(nodeMac, hb.Encode())

	frame := recvWithTimeout(t, gw)
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.Header.MsgType != protocol.TypeHeartbeatAck {
		t.Fatalf("got msg type %#x, want HeartbeatAck", msg.Header.MsgType)
	}
	ack, err := protocol.DecodeHeartbeatAck(msg.Payload)
	if err != nil {
		t.Fatalf("decode heartbeat ack: %v", err)
	}
	if ack.DeviceType != uint8(registry.DeviceRelay) {
		t.Fatalf("device type = %#x, want DeviceRelay", ack.DeviceType)
	}
	if ack.Version != "1.0.0" {
		t.Fatalf("version = %q, want 1.0.0", ack.Version)
	}
}

func TestScanRequestReportsUncommissioned(t *testing.T) {
	n, gw := newTestNode(t)
	if n.CommissioningState() != commissioning.StateDiscovery {
		t.Fatalf("fresh node should start in Discovery, got %v", n.CommissioningState())
	}

	req, _ := protocol.NewMessage(protocol.TypeScanRequest, 1, nil)
	gw.SendTo(nodeMac, req.Encode())

	frame := recvWithTimeout(t, gw)
	msg, err := protocol.Decode(frame.Data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if msg.Header.MsgType != protocol.TypeScanResponse {
		t.Fatalf("got msg type %#x, want ScanResponse", msg.Header.MsgType)
	}
	resp, err := protocol.DecodeScanResponse(msg.Payload)
	if err != nil {
		t.Fatalf("decode scan response: %v", err)
	}
	if resp.Commissioned {
		t.Fatal("fresh node reported commissioned=true")
	}
	if resp.Mac != nodeMac {
		t.Fatalf("mac = %v, want %v", resp.Mac, nodeMac)
	}
}

func TestCommissionPersistsAndAcks(t *testing.T) {
	n, gw := newTestNode(t)

	networkID := protocol.Mac{0x05, 0x05, 0x05, 0x05, 0x05, 0x05}
	commission := protocol.CommissionPayload{
		TargetMac:  nodeMac,
		NetworkID:  networkID,
		NetworkKey: "site-key",
		PlantID:    "plant-7",
		NodeName:   "relay-1",
	}
	msg, _ := protocol.NewMessage(protocol.TypeCommission, 1, commission.Encode())
	gw.SendTo(nodeMac, msg.Encode())

	frame := recvWithTimeout(t, gw)
	reply, err := protocol.Decode(frame.Data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Header.MsgType != protocol.TypeCommissionAck {
		t.Fatalf("got msg type %#x, want CommissionAck", reply.Header.MsgType)
	}
	ack, err := protocol.DecodeCommissionAck(reply.Payload)
	if err != nil {
		t.Fatalf("decode commission ack: %v", err)
	}
	if ack.Status != 0 {
		t.Fatalf("status = %d, want 0 (success)", ack.Status)
	}
	if n.CommissioningState() != commissioning.StateProduction {
		t.Fatalf("state after commission = %v, want Production", n.CommissioningState())
	}
}

func TestRelayCommandUpdatesLocalStateAndAcks(t *testing.T) {
	n, gw := newTestNode(t)

	cmd := protocol.RelayCommandPayload{Channel: 0, Action: protocol.RelayActionOn}
	msg, _ := protocol.NewMessage(protocol.TypeRelayCommand, 1, cmd.Encode())
	gw.SendTo(nodeMac, msg.Encode())

	frame := recvWithTimeout(t, gw)
	reply, err := protocol.Decode(frame.Data)
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Header.MsgType != protocol.TypeRelayAck {
		t.Fatalf("got msg type %#x, want RelayAck", reply.Header.MsgType)
	}
	ack, err := protocol.DecodeRelayAck(reply.Payload)
	if err != nil {
		t.Fatalf("decode relay ack: %v", err)
	}
	if ack.State != 1 {
		t.Fatalf("state = %d, want 1 (on)", ack.State)
	}
	if !n.Relay(0) {
		t.Fatal("local relay state not updated to on")
	}
}
