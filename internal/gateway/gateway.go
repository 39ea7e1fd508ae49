// Package gateway wires every gateway-side component — registry,
// heartbeat/discovery, OTA orchestrator, self-OTA, MQTT bridge, and HTTP
// API — into one owned value, per the "global singletons become
// explicitly-owned values" design note. Grounded on engine.go's
// Config/New/Start/Stop wiring shape and its single mesh-rx dispatch point.
package gateway

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/device"
	"github.com/omniapi/gateway/internal/heartbeat"
	"github.com/omniapi/gateway/internal/httpapi"
	"github.com/omniapi/gateway/internal/mqttbridge"
	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/otahistory"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
	"github.com/omniapi/gateway/internal/selfota"
	"github.com/omniapi/gateway/internal/transport"
)

// Config holds the gateway's top-level wiring configuration.
type Config struct {
	HTTPAddr    string
	HistoryPath string // SQLite path for the OTA audit log

	MQTTBrokerURL string
	MQTTClientID  string
	MQTTUsername  string
	MQTTPassword  string

	GatewayMac protocol.Mac

	// NetworkID/NetworkKey/PlantID are the production credentials issued to
	// every node commissioned by this gateway.
	NetworkID  protocol.Mac
	NetworkKey string
	PlantID    string

	StartedAt time.Time
}

// Gateway owns every gateway-side singleton named in spec.md §9's design
// note and drives the dispatch loop that routes inbound mesh frames to
// them.
type Gateway struct {
	cfg       Config
	transport transport.Transport
	reg       *registry.Registry
	otaMgr    *ota.Manager
	selfOta   *selfota.Updater
	heartbeat *heartbeat.Driver
	mqtt      *mqttbridge.Bridge
	http      *httpapi.Server
	history   *otahistory.DB
	boot      bootmanager.BootManager

	rxCount    uint64
	txCount    uint64
	seqCounter uint32

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// New wires a Gateway over the given Transport and BootManager. It does not
// connect to MQTT; call ConnectMQTT for that (tests skip it). history may
// be nil to skip durable audit logging.
func New(cfg Config, t transport.Transport, boot bootmanager.BootManager, history *otahistory.DB) (*Gateway, error) {
	g := &Gateway{
		cfg:       cfg,
		transport: t,
		reg:       registry.New(),
		boot:      boot,
		history:   history,
		stopChan:  make(chan struct{}),
	}

	send := func(mac protocol.Mac, msgType uint8, payload []byte) error {
		msg, err := protocol.NewMessage(msgType, g.nextSeq(), payload)
		if err != nil {
			return fmt.Errorf("gateway: build frame: %w", err)
		}
		atomic.AddUint64(&g.txCount, 1)
		return t.SendTo(mac, msg.Encode())
	}

	var sink ota.HistorySink
	if history != nil {
		sink = history
	}
	g.otaMgr = ota.New(send, boot, sink)
	g.selfOta = selfota.New(boot, nil)
	g.heartbeat = heartbeat.New(t, g.reg)
	g.heartbeat.SetOfflineHandler(func(mac protocol.Mac) {
		if g.mqtt != nil {
			g.mqtt.PublishNodeState(mac.String(), map[string]bool{"online": false})
		}
	})

	g.http = httpapi.New(httpapi.Deps{
		Registry: g.reg,
		Status:   g.statusSnapshot,
		Command: func(mac protocol.Mac, channel uint8, action string) error {
			return g.IssueRelayCommand(mac, channel, action)
		},
		Discover: func() error { return send(heartbeat.BroadcastMac, protocol.TypeScanRequest, nil) },
		NodeOta:  g.startNodeOta,
		SelfOta: func(r *http.Request) error {
			size := uint32(r.ContentLength)
			var crc uint32
			if v := r.URL.Query().Get("crc32"); v != "" {
				fmt.Sscanf(v, "%x", &crc)
			}
			return g.selfOta.Apply(r.Body, size, crc)
		},
		OtaStatus: g.otaMgr.Status,
	})

	g.otaMgr.SetStatusObserver(func(s ota.OtaStatus) {
		if g.mqtt != nil {
			g.mqtt.PublishOtaStatus(s)
		}
		g.http.BroadcastOtaStatus(s)
	})

	return g, nil
}

// startNodeOta stages an uploaded image into the inactive boot partition as
// it streams in (§4.6.1 flash mode), on-demand sector erase included, then
// hands the staged partition to the OTA orchestrator to push on to mac.
func (g *Gateway) startNodeOta(mac protocol.Mac, r io.Reader, size uint32, newVersion uint32) error {
	rec, ok := g.reg.Get(mac)
	if !ok {
		return fmt.Errorf("gateway: unknown node %s", mac)
	}

	stager, err := ota.BeginFlash(g.boot, size)
	if err != nil {
		return err
	}
	buf := make([]byte, 32*1024)
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			if werr := stager.Write(buf[:n]); werr != nil {
				stager.Abort()
				return werr
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				break
			}
			stager.Abort()
			return fmt.Errorf("gateway: read node ota upload: %w", rerr)
		}
	}

	part, totalSize, crc, err := stager.Finish()
	if err != nil {
		return err
	}
	return g.otaMgr.StartFlash(mac, part, totalSize, crc, rec.FirmwareVersion, newVersion)
}

// nextSeq returns a monotonically wrapping per-gateway sequence byte. A
// single atomic counter is good enough for the frames this gateway sends
// itself; it lives on g, not as a package-level global, so two Gateway
// instances in the same process never share a sequence space.
func (g *Gateway) nextSeq() uint8 {
	return uint8(atomic.AddUint32(&g.seqCounter, 1))
}

// ConnectMQTT dials the configured broker and subscribes to the command
// topic. Safe to skip (leave g.mqtt nil) for transport-only tests.
func (g *Gateway) ConnectMQTT() error {
	b, err := mqttbridge.New(mqttbridge.Config{
		BrokerURL: g.cfg.MQTTBrokerURL,
		ClientID:  g.cfg.MQTTClientID,
		GatewayID: g.cfg.GatewayMac.String(),
		Username:  g.cfg.MQTTUsername,
		Password:  g.cfg.MQTTPassword,
	})
	if err != nil {
		return err
	}
	if err := b.SubscribeCommands(g.handleMQTTCommand); err != nil {
		b.Close()
		return err
	}
	g.mqtt = b
	return nil
}

func (g *Gateway) handleMQTTCommand(nodeMac string, channel uint8, action string) {
	mac, err := protocol.ParseMac(nodeMac)
	if err != nil {
		log.Printf("gateway: malformed command mac %q: %v", nodeMac, err)
		return
	}
	if err := g.IssueRelayCommand(mac, channel, action); err != nil {
		log.Printf("gateway: command to %s failed: %v", mac, err)
	}
}

// IssueRelayCommand sends a RelayCommand to mac for the given action name
// ("on", "off", "toggle").
func (g *Gateway) IssueRelayCommand(mac protocol.Mac, channel uint8, action string) error {
	var a device.Action
	switch action {
	case "on":
		a = device.ActionOn
	case "off":
		a = device.ActionOff
	case "toggle":
		a = device.ActionToggle
	default:
		return fmt.Errorf("gateway: unknown action %q", action)
	}
	sink := device.NewSink(mac, func(m protocol.Mac, msgType uint8, payload []byte) error {
		msg, err := protocol.NewMessage(msgType, g.nextSeq(), payload)
		if err != nil {
			return err
		}
		atomic.AddUint64(&g.txCount, 1)
		return g.transport.SendTo(m, msg.Encode())
	})
	return sink.Relay(channel, a)
}

// ListenAndServeHTTP blocks serving the HTTP API on cfg.HTTPAddr.
func (g *Gateway) ListenAndServeHTTP() error {
	return http.ListenAndServe(g.cfg.HTTPAddr, g.http)
}

// Start launches the dispatch loop and the heartbeat/discovery driver.
func (g *Gateway) Start(ctx context.Context) {
	g.heartbeat.Start()
	g.wg.Add(1)
	go g.dispatchLoop(ctx)
}

// Stop halts every background task and releases the transport.
func (g *Gateway) Stop() error {
	g.heartbeat.Stop()
	close(g.stopChan)
	g.wg.Wait()
	g.otaMgr.Wait()
	if g.mqtt != nil {
		g.mqtt.Close()
	}
	if g.history != nil {
		g.history.Close()
	}
	return g.transport.Close()
}

func (g *Gateway) dispatchLoop(ctx context.Context) {
	defer g.wg.Done()
	for {
		select {
		case <-g.stopChan:
			return
		case <-ctx.Done():
			return
		default:
		}

		frame, err := g.transport.Recv()
		if err != nil {
			if err == transport.ErrWouldBlock {
				time.Sleep(5 * time.Millisecond)
				continue
			}
			log.Printf("gateway: transport recv error: %v", err)
			continue
		}

		msg, err := protocol.Decode(frame.Data)
		if err != nil {
			// Protocol-class error per §7: logged, dropped, no state change,
			// no rx_count increment.
			log.Printf("gateway: malformed frame from %s: %v", frame.Src, err)
			continue
		}
		atomic.AddUint64(&g.rxCount, 1)
		g.handleMessage(frame.Src, msg)
	}
}

func (g *Gateway) handleMessage(src protocol.Mac, msg protocol.Message) {
	switch msg.Header.MsgType {
	case protocol.TypeHeartbeatAck:
		ack, err := protocol.DecodeHeartbeatAck(msg.Payload)
		if err != nil {
			return
		}
		heartbeat.HandleHeartbeatAck(g.reg, src, 0, ack)

	case protocol.TypeOtaAck:
		p, err := protocol.DecodeOtaAck(msg.Payload)
		if err == nil {
			g.otaMgr.HandleOtaAck(src, p)
		}
	case protocol.TypeOtaComplete:
		p, err := protocol.DecodeOtaComplete(msg.Payload)
		if err == nil {
			g.otaMgr.HandleOtaComplete(src, p)
			if rec, ok := g.reg.Get(src); ok {
				g.reg.SetDeviceType(src, rec.DeviceType, p.NewVersion)
			}
		}
	case protocol.TypeOtaFailed:
		p, err := protocol.DecodeOtaFailed(msg.Payload)
		if err == nil {
			g.otaMgr.HandleOtaFailed(src, p)
		}

	case protocol.TypeRelayAck:
		p, err := protocol.DecodeRelayAck(msg.Payload)
		if err == nil {
			if aerr := device.ApplyRelayAck(g.reg, src, p); aerr != nil {
				log.Printf("gateway: %v", aerr)
			} else if g.mqtt != nil {
				g.mqtt.PublishNodeState(src.String(), map[string]string{
					fmt.Sprintf("relay%d", p.Channel): relayStateString(p.State),
				})
			}
		}
	case protocol.TypeLedAck:
		p, err := protocol.DecodeLedAck(msg.Payload)
		if err == nil {
			device.ApplyLedAck(g.reg, src, p)
		}

	case protocol.TypeScanResponse:
		p, err := protocol.DecodeScanResponse(msg.Payload)
		if err == nil {
			g.handleScanResponse(src, p)
		}
	case protocol.TypeCommissionAck:
		// No gateway-side state transition required: the registry learns
		// "commissioned" once the node rejoins the production mesh and
		// reports a ScanResponse with commissioned=true (handleScanResponse).
	}
}

func relayStateString(state uint8) string {
	if state != 0 {
		return "on"
	}
	return "off"
}

// handleScanResponse implements the gateway side of S6: an uncommissioned
// node answering a ScanRequest is immediately issued production credentials.
func (g *Gateway) handleScanResponse(src protocol.Mac, p protocol.ScanResponsePayload) {
	g.reg.FindOrAdd(src, p.Rssi)
	g.reg.SetDeviceType(src, registry.DeviceType(p.DeviceType), p.FwVersion)
	if p.Commissioned {
		g.reg.SetCommissioned(src, true)
		return
	}

	commission := protocol.CommissionPayload{
		TargetMac:  src,
		NetworkID:  g.cfg.NetworkID,
		NetworkKey: g.cfg.NetworkKey,
		PlantID:    g.cfg.PlantID,
		NodeName:   src.String(),
	}
	msg, err := protocol.NewMessage(protocol.TypeCommission, g.nextSeq(), commission.Encode())
	if err != nil {
		log.Printf("gateway: build commission frame: %v", err)
		return
	}
	atomic.AddUint64(&g.txCount, 1)
	if err := g.transport.SendTo(src, msg.Encode()); err != nil {
		log.Printf("gateway: send commission to %s: %v", src, err)
	}
}

// statusSnapshot builds the JSON summary GET /api/status and
// omniapi/gateway/status publish. Exposed as a function rather than a
// struct type so the HTTP/MQTT layers don't need this package's types.
func (g *Gateway) statusSnapshot() any {
	return map[string]any{
		"online":      true,
		"version":     "1.0.0",
		"uptime":      time.Since(g.cfg.StartedAt).Seconds(),
		"nodes_count": g.reg.Len(),
		"rx_count":    atomic.LoadUint64(&g.rxCount),
		"tx_count":    atomic.LoadUint64(&g.txCount),
	}
}

// PublishPeriodicSnapshots pushes a status+nodes MQTT publish; call this
// from an external ticker or wire it into Start if a broker is configured.
func (g *Gateway) PublishPeriodicSnapshots() {
	if g.mqtt == nil {
		return
	}
	g.mqtt.PublishStatus(g.statusSnapshot())
	g.mqtt.PublishNodes(g.reg.Snapshot())
}

// Registry exposes the node registry for callers assembling higher-level
// wiring (e.g. the omniapi-gateway binary's periodic-publish ticker).
func (g *Gateway) Registry() *registry.Registry { return g.reg }
