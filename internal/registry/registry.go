// Package registry tracks known mesh peers: liveness, identity, and the
// small per-device-type state union the link layer reports.
package registry

import (
	"log"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/protocol"
)

// DeviceType enumerates the leaf node kinds the mesh carries.
type DeviceType uint8

const (
	DeviceUnknown  DeviceType = 0x00
	DeviceRelay    DeviceType = 0x01
	DeviceLedStrip DeviceType = 0x10
	DeviceSensor   DeviceType = 0x20
)

// OnlineTimeout is how long since last_seen before a node is swept offline.
const OnlineTimeout = 10 * time.Second

// Capacity bounds the registry size per spec: new arrivals beyond this are
// dropped with a warning, never evicting an existing record.
const Capacity = 50

// LedState mirrors LedAckPayload's fields as persisted node state.
type LedState struct {
	Power      bool
	R, G, B    uint8
	Brightness uint8
	Effect     uint8
}

// NodeRecord is one entry per known peer.
type NodeRecord struct {
	Mac               protocol.Mac
	DeviceType        DeviceType
	MeshLayer         uint8
	Rssi              int8
	FirmwareVersion   uint32 // packed major.minor.patch, see protocol.PackVersion
	Commissioned      bool
	Online            bool
	LastSeenMs        uint64
	MessagesReceived  uint64
	RelayStates       [2]bool
	Led               LedState
}

// OtaTargetable reports the invariant required before a node may be
// OTA-targeted: commissioned implies a known device type and version.
func (r NodeRecord) OtaTargetable() bool {
	return r.Commissioned && r.DeviceType != DeviceUnknown && r.FirmwareVersion != 0
}

// Registry is the gateway's capacity-bounded, mutex-guarded node map.
// Mutation happens from the radio callback and the periodic sweeper;
// readers (MQTT publisher, HTTP handler) take the lock briefly and copy out.
type Registry struct {
	mu      sync.Mutex
	records map[protocol.Mac]*NodeRecord
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{records: make(map[protocol.Mac]*NodeRecord)}
}

// nowMs is overridable in tests; production code always uses time.Now.
var nowMs = func() uint64 { return uint64(time.Now().UnixMilli()) }

// FindOrAdd creates a record for mac if absent and capacity remains, then
// updates rssi/last_seen/messages_received/online regardless. Returns false
// if the registry is full and mac is not already present.
func (r *Registry) FindOrAdd(mac protocol.Mac, rssi int8) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[mac]
	if !ok {
		if len(r.records) >= Capacity {
			log.Printf("registry: full (%d nodes), dropping new node %s", Capacity, mac)
			return NodeRecord{}, false
		}
		rec = &NodeRecord{Mac: mac}
		r.records[mac] = rec
	}
	rec.Rssi = rssi
	rec.LastSeenMs = nowMs()
	rec.MessagesReceived++
	rec.Online = true
	return *rec, true
}

// MarkSweep clears Online for every record whose last_seen exceeds
// OnlineTimeout as of now. Returns the MACs that transitioned offline.
func (r *Registry) MarkSweep(now time.Time) []protocol.Mac {
	r.mu.Lock()
	defer r.mu.Unlock()

	nowMillis := uint64(now.UnixMilli())
	var changed []protocol.Mac
	for mac, rec := range r.records {
		if rec.Online && nowMillis-rec.LastSeenMs > uint64(OnlineTimeout.Milliseconds()) {
			rec.Online = false
			changed = append(changed, mac)
		}
	}
	return changed
}

// Get returns a copy of the record for mac, if present.
func (r *Registry) Get(mac protocol.Mac) (NodeRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// SetDeviceType sets the device type and firmware version for mac. Callers
// are the heartbeat ack handler and the gateway's ScanResponse and
// OtaComplete handling.
func (r *Registry) SetDeviceType(mac protocol.Mac, deviceType DeviceType, version uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return false
	}
	rec.DeviceType = deviceType
	rec.FirmwareVersion = version
	return true
}

// SetCommissioned marks mac as commissioned or not.
func (r *Registry) SetCommissioned(mac protocol.Mac, commissioned bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return false
	}
	rec.Commissioned = commissioned
	return true
}

// UpdateRelay sets one relay channel's state. channel must be 0 or 1.
func (r *Registry) UpdateRelay(mac protocol.Mac, channel uint8, on bool) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return false, nil
	}
	if int(channel) >= len(rec.RelayStates) {
		return false, &BadChannelError{Channel: channel}
	}
	rec.RelayStates[channel] = on
	return true, nil
}

// UpdateLed replaces the LED state for mac.
func (r *Registry) UpdateLed(mac protocol.Mac, led LedState) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[mac]
	if !ok {
		return false
	}
	rec.Led = led
	return true
}

// Snapshot returns a copy of every known record, for JSON rendering or
// iteration by callers that must not hold the registry lock while working.
func (r *Registry) Snapshot() []NodeRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]NodeRecord, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	return out
}

// Len reports the current record count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records)
}

// BadChannelError replaces undefined-behavior out-of-range channel indexing
// with an explicit error, per the fixed-size-array design note.
type BadChannelError struct {
	Channel uint8
}

func (e *BadChannelError) Error() string {
	return "registry: bad channel index"
}
