// Package commissioning implements the node-side state machine that moves a
// leaf node between the well-known discovery mesh and its site-specific
// production mesh.
package commissioning

import (
	"encoding/json"
	"fmt"

	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/protocol"
)

// State is the commissioning FSM's current phase.
type State int

const (
	StateDiscovery State = iota
	StatePersisting
	StateProduction
)

func (s State) String() string {
	switch s {
	case StateDiscovery:
		return "discovery"
	case StatePersisting:
		return "persisting"
	case StateProduction:
		return "production"
	default:
		return "unknown"
	}
}

const namespace = "omniapi_node"

// Credentials is the NetworkCredentials record, persisted in KV-Store.
type Credentials struct {
	NetworkID  protocol.Mac `json:"network_id"`
	NetworkKey string       `json:"network_key"`
	PlantID    string       `json:"plant_id"`
	NodeName   string       `json:"node_name"`
}

// DiscoveryCredentials is the fixed (id, key) pair all uncommissioned nodes
// join on first boot.
var DiscoveryCredentials = Credentials{
	NetworkID:  protocol.Mac{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	NetworkKey: "omniapi-discovery",
}

// RebootFunc is injected so tests can observe a "reboot" without actually
// restarting the process.
type RebootFunc func(reason string)

// FSM owns one node's commissioning lifecycle.
type FSM struct {
	self  protocol.Mac
	store kvstore.Store
	state State
	creds Credentials

	reboot RebootFunc
}

// New loads persisted credentials, if any, and starts in Discovery or
// Production accordingly.
func New(self protocol.Mac, store kvstore.Store, reboot RebootFunc) *FSM {
	f := &FSM{self: self, store: store, reboot: reboot, state: StateDiscovery}

	raw, err := store.Get(namespace, "commissioned")
	if err == nil && len(raw) == 1 && raw[0] == 1 {
		if creds, ok := f.loadCredentials(); ok {
			f.creds = creds
			f.state = StateProduction
		}
	}
	return f
}

func (f *FSM) loadCredentials() (Credentials, bool) {
	raw, err := f.store.Get(namespace, "credentials")
	if err != nil {
		return Credentials{}, false
	}
	var c Credentials
	if err := json.Unmarshal(raw, &c); err != nil {
		return Credentials{}, false
	}
	return c, true
}

// State returns the current FSM phase.
func (f *FSM) State() State { return f.state }

// ActiveCredentials returns the network the node should currently join:
// discovery credentials if uncommissioned, else the persisted production
// credentials.
func (f *FSM) ActiveCredentials() Credentials {
	if f.state == StateProduction {
		return f.creds
	}
	return DiscoveryCredentials
}

// HandleScanRequest builds the ScanResponse a discovery-mesh broadcast
// elicits.
func (f *FSM) HandleScanRequest(deviceType uint8, fwVersion uint32, rssi int8) protocol.ScanResponsePayload {
	return protocol.ScanResponsePayload{
		Mac:          f.self,
		DeviceType:   deviceType,
		FwVersion:    fwVersion,
		Commissioned: f.state == StateProduction,
		Rssi:         rssi,
	}
}

// HandleCommission processes an inbound Commission frame. If it does not
// target this node, ok is false and no state changes. Otherwise credentials
// are persisted before the ack is returned (crash-safety per §4.4: write
// before ack); the state passes through Persisting, reboot is invoked, and
// the state ends in Production.
func (f *FSM) HandleCommission(p protocol.CommissionPayload) (ack protocol.CommissionAckPayload, ok bool) {
	if p.TargetMac != f.self {
		return protocol.CommissionAckPayload{}, false
	}

	f.state = StatePersisting
	f.creds = Credentials{
		NetworkID:  p.NetworkID,
		NetworkKey: p.NetworkKey,
		PlantID:    p.PlantID,
		NodeName:   p.NodeName,
	}

	if err := f.persist(); err != nil {
		// Persisting failed: stay in Discovery, do not ack success. The
		// gateway will retry commissioning.
		f.state = StateDiscovery
		return protocol.CommissionAckPayload{Mac: f.self, Status: 1}, true
	}

	ack = protocol.CommissionAckPayload{Mac: f.self, Status: 0}
	if f.reboot != nil {
		f.reboot("commission")
	}
	f.state = StateProduction
	return ack, true
}

func (f *FSM) persist() error {
	raw, err := json.Marshal(f.creds)
	if err != nil {
		return fmt.Errorf("commissioning: marshal credentials: %w", err)
	}
	if err := f.store.Set(namespace, "credentials", raw); err != nil {
		return fmt.Errorf("commissioning: persist credentials: %w", err)
	}
	if err := f.store.Set(namespace, "commissioned", []byte{1}); err != nil {
		return fmt.Errorf("commissioning: persist commissioned flag: %w", err)
	}
	return nil
}

// HandleDecommission processes an inbound Decommission frame, or a local
// long-press trigger via DecommissionLocal. Both paths wipe credentials and
// reboot into the discovery mesh.
func (f *FSM) HandleDecommission(p protocol.DecommissionPayload) (ack protocol.DecommissionAckPayload, ok bool) {
	if p.TargetMac != f.self {
		return protocol.DecommissionAckPayload{}, false
	}
	ack = protocol.DecommissionAckPayload{Mac: f.self, Status: 0}
	f.wipeAndReboot("decommission")
	return ack, true
}

// DecommissionLocal handles the physical long-press trigger, which follows
// the same wipe-and-reboot path without a frame to ack.
func (f *FSM) DecommissionLocal() {
	f.wipeAndReboot("button")
}

func (f *FSM) wipeAndReboot(reason string) {
	f.store.Erase(namespace, "credentials")
	f.store.Erase(namespace, "commissioned")
	f.creds = Credentials{}
	f.state = StateDiscovery
	if f.reboot != nil {
		f.reboot(reason)
	}
}
