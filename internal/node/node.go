// Package node wires every node-side component — commissioning FSM, OTA
// receiver, and local relay/LED state — into one owned value driven by a
// single dispatch loop over a Transport. Grounded on the same
// Config/New/Start/dispatch shape as internal/gateway, mirrored for the
// node side of the mesh.
package node

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/commissioning"
	"github.com/omniapi/gateway/internal/kvstore"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/transport"
)

// Config configures one simulated or real leaf node.
type Config struct {
	Self       protocol.Mac
	DeviceType uint8
	Version    uint32 // packed major.minor.patch, see protocol.PackVersion
	PullMode   bool   // legacy OTA solicitation path, off by default
}

// RebootFunc is invoked by the commissioning FSM and the OTA receiver on a
// state transition that the real firmware would reboot for. The Node
// wiring logs the reason and then calls the RebootFunc passed to New, if
// any; it does not exit the process or re-run VerifyPostReboot.
type RebootFunc func(reason string)

// Node owns the commissioning FSM, OTA receiver, and local relay/LED state
// for one leaf node, and drives the dispatch loop over its Transport.
type Node struct {
	cfg       Config
	transport transport.Transport
	kv        kvstore.Store
	boot      bootmanager.BootManager
	commFSM   *commissioning.FSM
	otaRecv   *ota.Receiver

	relay [2]bool
	led   protocol.LedAckPayload

	seq      uint32
	stopChan chan struct{}
}

// New builds a Node. reboot may be nil, in which case reboot-triggering
// transitions (commission, OTA complete) only log.
func New(cfg Config, t transport.Transport, kv kvstore.Store, boot bootmanager.BootManager, reboot RebootFunc) *Node {
	n := &Node{cfg: cfg, transport: t, kv: kv, boot: boot, stopChan: make(chan struct{})}

	rebootFn := func(reason string) {
		log.Printf("node %s: reboot (%s)", cfg.Self, reason)
		if reboot != nil {
			reboot(reason)
		}
	}
	n.commFSM = commissioning.New(cfg.Self, kv, commissioning.RebootFunc(rebootFn))

	send := func(mac protocol.Mac, msgType uint8, payload []byte) error {
		msg, err := protocol.NewMessage(msgType, n.nextSeq(), payload)
		if err != nil {
			return err
		}
		return t.SendToRoot(msg.Encode())
	}
	n.otaRecv = ota.NewReceiver(cfg.Self, boot, kv, send, ota.RebootFunc(rebootFn), cfg.PullMode)

	return n
}

func (n *Node) nextSeq() uint8 {
	return uint8(atomic.AddUint32(&n.seq, 1))
}

func (n *Node) send(msgType uint8, payload []byte) error {
	msg, err := protocol.NewMessage(msgType, n.nextSeq(), payload)
	if err != nil {
		return err
	}
	return n.transport.SendToRoot(msg.Encode())
}

// Start performs post-reboot OTA verification (§4.7.2) and launches the
// dispatch loop. Call once, after the transport is up, so a pending
// OtaComplete/OtaFailed from a prior boot can actually reach the gateway.
func (n *Node) Start(ctx context.Context) {
	n.otaRecv.VerifyPostReboot()
	go n.dispatchLoop(ctx)
}

// Stop halts the dispatch loop.
func (n *Node) Stop() {
	close(n.stopChan)
}

func (n *Node) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-n.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		frame, err := n.transport.Recv()
		if err != nil {
			if err == transport.ErrWouldBlock {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			log.Printf("node %s: transport recv error: %v", n.cfg.Self, err)
			continue
		}

		msg, err := protocol.Decode(frame.Data)
		if err != nil {
			log.Printf("node %s: malformed frame: %v", n.cfg.Self, err)
			continue
		}
		n.handleMessage(msg)
	}
}

func (n *Node) handleMessage(msg protocol.Message) {
	switch msg.Header.MsgType {
	case protocol.TypeHeartbeat:
		ack := protocol.HeartbeatAckPayload{DeviceType: n.cfg.DeviceType, Version: versionString(n.cfg.Version)}
		n.send(protocol.TypeHeartbeatAck, ack.Encode())

	case protocol.TypeScanRequest:
		resp := n.commFSM.HandleScanRequest(n.cfg.DeviceType, n.cfg.Version, 0)
		n.send(protocol.TypeScanResponse, resp.Encode())

	case protocol.TypeCommission:
		p, err := protocol.DecodeCommission(msg.Payload)
		if err != nil {
			return
		}
		if ack, ok := n.commFSM.HandleCommission(p); ok {
			n.send(protocol.TypeCommissionAck, ack.Encode())
		}

	case protocol.TypeDecommission:
		p, err := protocol.DecodeDecommission(msg.Payload)
		if err != nil {
			return
		}
		if ack, ok := n.commFSM.HandleDecommission(p); ok {
			n.send(protocol.TypeDecommAck, ack.Encode())
		}

	case protocol.TypeOtaBegin:
		p, err := protocol.DecodeOtaBegin(msg.Payload)
		if err == nil {
			n.otaRecv.HandleOtaBegin(p)
		}
	case protocol.TypeOtaData:
		p, err := protocol.DecodeOtaData(msg.Payload)
		if err == nil {
			n.otaRecv.HandleOtaData(p)
		}
	case protocol.TypeOtaEnd:
		p, err := protocol.DecodeOtaEnd(msg.Payload)
		if err == nil {
			n.otaRecv.HandleOtaEnd(p)
		}
	case protocol.TypeOtaAbort:
		n.otaRecv.HandleOtaAbort()
	case protocol.TypeOtaRequest:
		p, err := protocol.DecodeOtaRequest(msg.Payload)
		if err == nil {
			if data, rerr := n.otaRecv.HandleOtaRequest(p); rerr == nil && data != nil {
				n.send(protocol.TypeOtaData, protocol.OtaDataPayload{Offset: p.Offset, Length: uint16(len(data)), Data: data}.Encode())
			}
		}

	case protocol.TypeRelayCommand:
		p, err := protocol.DecodeRelayCommand(msg.Payload)
		if err != nil {
			return
		}
		n.applyRelay(p)
	case protocol.TypeLedCommand:
		p, err := protocol.DecodeLedCommand(msg.Payload)
		if err != nil {
			return
		}
		n.applyLed(p)
	}
}

func versionString(packed uint32) string {
	major, minor, patch := protocol.UnpackVersion(packed)
	return fmt.Sprintf("%d.%d.%d", major, minor, patch)
}

func (n *Node) applyRelay(p protocol.RelayCommandPayload) {
	if int(p.Channel) >= len(n.relay) {
		return
	}
	switch p.Action {
	case 0:
		n.relay[p.Channel] = false
	case 1:
		n.relay[p.Channel] = true
	case 2:
		n.relay[p.Channel] = !n.relay[p.Channel]
	default:
		return
	}
	state := uint8(0)
	if n.relay[p.Channel] {
		state = 1
	}
	n.send(protocol.TypeRelayAck, protocol.RelayAckPayload{Channel: p.Channel, State: state}.Encode())
}

func (n *Node) applyLed(p protocol.LedCommandPayload) {
	if len(p.Params) >= 4 {
		n.led.Power = 1
		n.led.R, n.led.G, n.led.B = p.Params[0], p.Params[1], p.Params[2]
		n.led.Brightness = p.Params[3]
	}
	n.led.Effect = p.Action
	n.send(protocol.TypeLedAck, n.led.Encode())
}

// Relay and CommissioningState expose local node state.
func (n *Node) Relay(channel uint8) bool { return n.relay[channel] }
func (n *Node) CommissioningState() commissioning.State { return n.commFSM.State() }
