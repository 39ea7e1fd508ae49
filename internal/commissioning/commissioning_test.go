package commissioning

import (
	"testing"

	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/protocol"
)

func testCommissionPayload(self protocol.Mac) protocol.CommissionPayload {
	return protocol.CommissionPayload{
		TargetMac:  self,
		NetworkID:  protocol.Mac{0x01, 0x02, 0x03, 0x04, 0x05, 0x06},
		NetworkKey: "secret",
		PlantID:    "P1",
		NodeName:   "relay-kitchen",
	}
}

func TestCommissionFlow(t *testing.T) {
	self := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	store := kvstore.NewMemStore()

	var rebootReason string
	fsm := New(self, store, func(reason string) { rebootReason = reason })

	if fsm.State() != StateDiscovery {
		t.Fatalf("expected initial state Discovery, got %v", fsm.State())
	}

	ack, ok := fsm.HandleCommission(testCommissionPayload(self))
	if !ok {
		t.Fatal("expected HandleCommission to match targeted node")
	}
	if ack.Status != 0 {
		t.Fatalf("expected ack status 0, got %d", ack.Status)
	}
	if fsm.State() != StateProduction {
		t.Fatalf("expected state Production after commission, got %v", fsm.State())
	}
	if rebootReason != "commission" {
		t.Fatalf("expected reboot reason 'commission', got %q", rebootReason)
	}

	creds := fsm.ActiveCredentials()
	if creds.PlantID != "P1" || creds.NodeName != "relay-kitchen" {
		t.Fatalf("unexpected persisted credentials: %+v", creds)
	}

	// Reload from the same store, simulating a reboot: should come back up
	// already in Production with the same credentials.
	fsm2 := New(self, store, nil)
	if fsm2.State() != StateProduction {
		t.Fatalf("expected reloaded state Production, got %v", fsm2.State())
	}
	if fsm2.ActiveCredentials() != creds {
		t.Fatalf("expected reloaded credentials to match, got %+v", fsm2.ActiveCredentials())
	}
}

func TestCommissionIgnoresOtherTargets(t *testing.T) {
	self := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	other := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x02}
	store := kvstore.NewMemStore()
	fsm := New(self, store, nil)

	p := testCommissionPayload(other)
	if _, ok := fsm.HandleCommission(p); ok {
		t.Fatal("expected HandleCommission to ignore a frame targeting another MAC")
	}
	if fsm.State() != StateDiscovery {
		t.Fatalf("expected state to remain Discovery, got %v", fsm.State())
	}
}

func TestCommissionIdempotent(t *testing.T) {
	self := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	store := kvstore.NewMemStore()
	fsm := New(self, store, nil)

	p := testCommissionPayload(self)
	ack1, ok1 := fsm.HandleCommission(p)
	if !ok1 || ack1.Status != 0 {
		t.Fatalf("first commission failed: ok=%v ack=%+v", ok1, ack1)
	}
	firstCreds := fsm.ActiveCredentials()

	// Re-deliver the same Commission frame to the already-commissioned node.
	ack2, ok2 := fsm.HandleCommission(p)
	if !ok2 || ack2.Status != 0 {
		t.Fatalf("second commission failed: ok=%v ack=%+v", ok2, ack2)
	}
	if fsm.ActiveCredentials() != firstCreds {
		t.Fatalf("expected identical persisted state, got %+v vs %+v", fsm.ActiveCredentials(), firstCreds)
	}
}

func TestDecommissionWipesCredentials(t *testing.T) {
	self := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	store := kvstore.NewMemStore()
	fsm := New(self, store, nil)
	fsm.HandleCommission(testCommissionPayload(self))

	ack, ok := fsm.HandleDecommission(protocol.DecommissionPayload{TargetMac: self})
	if !ok {
		t.Fatal("expected HandleDecommission to match targeted node")
	}
	if ack.Status != 0 {
		t.Fatalf("expected ack status 0, got %d", ack.Status)
	}
	if fsm.State() != StateDiscovery {
		t.Fatalf("expected state Discovery after decommission, got %v", fsm.State())
	}
	if fsm.ActiveCredentials() != DiscoveryCredentials {
		t.Fatalf("expected discovery credentials after decommission, got %+v", fsm.ActiveCredentials())
	}
}

func TestDecommissionLocalButtonPress(t *testing.T) {
	self := protocol.Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	store := kvstore.NewMemStore()
	fsm := New(self, store, nil)
	fsm.HandleCommission(testCommissionPayload(self))

	fsm.DecommissionLocal()
	if fsm.State() != StateDiscovery {
		t.Fatalf("expected state Discovery after local decommission, got %v", fsm.State())
	}
}
