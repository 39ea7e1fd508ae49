// Package heartbeat implements the gateway's periodic broadcast and the
// registry liveness sweep it drives, per §4.5.
package heartbeat

import (
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
	"github.com/omniapi/gateway/internal/transport"
)

// Interval is how often the gateway broadcasts a Heartbeat and sweeps the
// registry for online-timeout.
const Interval = 5 * time.Second

// Broadcaster is the subset of Transport the driver needs: sending a
// broadcast frame via SendTo to BroadcastMac. What happens to that frame is
// up to the transport: ZmqTransport hands the address to its sidecar, while
// the in-memory Bus has no endpoint under BroadcastMac and drops the frame.
type Broadcaster interface {
	SendTo(mac protocol.Mac, data []byte) error
}

// BroadcastMac is the reserved destination meaning "every node".
var BroadcastMac = protocol.Mac{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// OfflineFunc is invoked once per node that transitions offline during a
// sweep, so callers can mirror the state change onto MQTT per §6.2's
// publish-on-change rule for omniapi/gateway/node/{MAC}/state.
type OfflineFunc func(protocol.Mac)

// Driver runs the 5-second broadcast/sweep task as a background goroutine.
type Driver struct {
	transport Broadcaster
	reg       *registry.Registry
	onOffline OfflineFunc

	stopChan chan struct{}
	wg       sync.WaitGroup
	seq      uint8
}

// New builds a heartbeat driver over the given transport and registry.
func New(t Broadcaster, reg *registry.Registry) *Driver {
	return &Driver{transport: t, reg: reg, stopChan: make(chan struct{})}
}

// SetOfflineHandler installs f to be called for each MAC a sweep marks
// offline. Call before Start; the driver does not guard concurrent sets
// against a running sweep.
func (d *Driver) SetOfflineHandler(f OfflineFunc) {
	d.onOffline = f
}

// Start launches the background ticker. Stop must be called to release it.
func (d *Driver) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop halts the background ticker and waits for it to exit.
func (d *Driver) Stop() {
	close(d.stopChan)
	d.wg.Wait()
}

func (d *Driver) run() {
	defer d.wg.Done()
	ticker := time.NewTicker(Interval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopChan:
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Driver) tick() {
	d.broadcastHeartbeat()
	d.sweepAt(time.Now())
}

// sweepAt is tick's sweep half, parameterized on now so tests can drive a
// sweep past OnlineTimeout without sleeping real time.
func (d *Driver) sweepAt(now time.Time) {
	offline := d.reg.MarkSweep(now)
	if d.onOffline != nil {
		for _, mac := range offline {
			d.onOffline(mac)
		}
	}
}

func (d *Driver) broadcastHeartbeat() {
	d.seq++
	msg, err := protocol.NewMessage(protocol.TypeHeartbeat, d.seq, nil)
	if err != nil {
		return
	}
	d.transport.SendTo(BroadcastMac, msg.Encode())
}

// HandleHeartbeatAck updates the registry with the device type and version
// a node's HeartbeatAck reports. The gateway also sets those fields from
// ScanResponse frames and, for the version, from OtaComplete.
func HandleHeartbeatAck(reg *registry.Registry, src protocol.Mac, rssi int8, ack protocol.HeartbeatAckPayload) {
	reg.FindOrAdd(src, rssi)
	reg.SetDeviceType(src, registry.DeviceType(ack.DeviceType), parseVersion(ack.Version))
}

// parseVersion packs a "major.minor.patch" string into the u24-in-u32 form.
// Missing fields are 0; any character other than a digit or '.' makes the
// whole result 0.
func parseVersion(s string) uint32 {
	var major, minor, patch uint8
	var part, field int
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '.' {
			switch field {
			case 0:
				major = uint8(part)
			case 1:
				minor = uint8(part)
			case 2:
				patch = uint8(part)
			}
			field++
			part = 0
			continue
		}
		if s[i] < '0' || s[i] > '9' {
			return 0
		}
		part = part*10 + int(s[i]-'0')
	}
	return protocol.PackVersion(major, minor, patch)
}
