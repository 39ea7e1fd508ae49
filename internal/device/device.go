// Package device models the per-node command sinks the gateway drives:
// relay channels, an LED strip, and read-only sensor state. The physical
// actuator is an external black-box collaborator reached only through the
// mesh link layer; this package holds the gateway-side command/ack
// bookkeeping for it.
package device

import (
	"fmt"

	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
)

// Action is a relay command verb, per the RelayCommand payload's action byte.
type Action uint8

const (
	ActionOff Action = iota
	ActionOn
	ActionToggle
)

// ErrBadChannel mirrors registry.BadChannelError for the command path, kept
// distinct so callers don't need to import registry just to type-assert.
var ErrBadChannel = fmt.Errorf("device: channel out of range")

// Sink issues commands toward a single mesh peer and is implemented over a
// transport.Transport send closure, mirroring the SendFunc indirection used
// throughout internal/ota.
type Sink struct {
	mac  protocol.Mac
	send func(mac protocol.Mac, msgType uint8, payload []byte) error
}

// NewSink builds a command sink bound to one mesh peer.
func NewSink(mac protocol.Mac, send func(mac protocol.Mac, msgType uint8, payload []byte) error) *Sink {
	return &Sink{mac: mac, send: send}
}

// Relay sends RelayCommand{channel, action} toward the bound peer. channel
// is not range-checked here — the registry validates it against the fixed
// two-channel array when the ack is applied, per the BadChannel design note.
func (s *Sink) Relay(channel uint8, action Action) error {
	p := protocol.RelayCommandPayload{Channel: channel, Action: uint8(action)}
	return s.send(s.mac, protocol.TypeRelayCommand, p.Encode())
}

// Led sends a LedCommand with the given action byte and parameter bytes
// (bounded to 12, per the protocol's folded LED payload maximum).
func (s *Sink) Led(action uint8, params []byte) error {
	p := protocol.LedCommandPayload{Action: action, Params: params}
	return s.send(s.mac, protocol.TypeLedCommand, p.Encode())
}

// Discover sends an empty Discovery frame to the bound peer. Nodes do not
// answer it with ScanResponse; they send ScanResponse only for ScanRequest.
func (s *Sink) Discover() error {
	return s.send(s.mac, protocol.TypeDiscovery, nil)
}

// ApplyRelayAck folds a RelayAck into the registry's RelayStates, returning
// ErrBadChannel if the ack names an out-of-range channel.
func ApplyRelayAck(reg *registry.Registry, src protocol.Mac, ack protocol.RelayAckPayload) error {
	ok, err := reg.UpdateRelay(src, ack.Channel, ack.State != 0)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadChannel, err)
	}
	if !ok {
		return fmt.Errorf("device: relay ack from unknown node %s", src)
	}
	return nil
}

// ApplyLedAck folds a LedAck into the registry's LedState for src.
func ApplyLedAck(reg *registry.Registry, src protocol.Mac, ack protocol.LedAckPayload) {
	reg.UpdateLed(src, registry.LedState{
		Power:      ack.Power != 0,
		R:          ack.R,
		G:          ack.G,
		B:          ack.B,
		Brightness: ack.Brightness,
		Effect:     ack.Effect,
	})
}
