// Package mqttbridge wraps github.com/eclipse/paho.mqtt.golang into the
// gateway's status/command/ota-status surface (§6.2). The wrapper shape —
// a subscription-tracking map for resubscribe-on-reconnect, connect/lost
// handlers, panic-safe message-handler wrapping, and an optional structured
// Logger — is grounded on a broker-client wrapper pattern from the pack
// (adopted rather than the teacher's own gRPC/WebSocket cloud channel,
// since this spec's cloud collaborator is MQTT).
package mqttbridge

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Topics, verbatim per spec.
const (
	TopicGatewayStatus = "omniapi/gateway/status"
	TopicGatewayNodes  = "omniapi/gateway/nodes"
	TopicNodeStateFmt  = "omniapi/gateway/node/%s/state"
	TopicCommand       = "omniapi/gateway/command"
	TopicNodeOtaStatus = "omniapi/gateway/node_ota/status"
	TopicLWT           = "omniapi/gateway/lwt"
)

// Logger is the narrow structured-logging seam the bridge accepts; callers
// may pass nil to fall back to stdlib log.
type Logger interface {
	Printf(format string, args ...any)
}

type stdLogger struct{}

func (stdLogger) Printf(format string, args ...any) { log.Printf(format, args...) }

// CommandHandler processes a decoded command message from TopicCommand.
type CommandHandler func(nodeMac string, channel uint8, action string)

// Bridge owns one MQTT client connection and its topic wiring.
type Bridge struct {
	client mqtt.Client
	mac    string
	logger Logger

	mu   sync.Mutex
	subs map[string]mqtt.MessageHandler

	onCommand CommandHandler
}

// Config configures the underlying paho client.
type Config struct {
	BrokerURL string
	ClientID  string
	GatewayID string // this gateway's own identity, used in the LWT payload
	Username  string
	Password  string
	Logger    Logger
}

// New connects to the broker described by cfg and configures a native LWT
// alongside the application-level retained LWT publish (belt-and-braces:
// the two fire under different failure modes).
func New(cfg Config) (*Bridge, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = stdLogger{}
	}
	b := &Bridge{mac: cfg.GatewayID, logger: logger, subs: make(map[string]mqtt.MessageHandler)}

	lwtPayload, _ := json.Marshal(map[string]any{"mac": cfg.GatewayID, "offline": true})

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetWill(TopicLWT, string(lwtPayload), 1, false).
		SetOnConnectHandler(b.onConnect).
		SetConnectionLostHandler(b.onConnectionLost)

	b.client = mqtt.NewClient(opts)
	if token := b.client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("mqttbridge: connect: %w", token.Error())
	}
	return b, nil
}

func (b *Bridge) onConnect(c mqtt.Client) {
	b.logger.Printf("mqttbridge: connected, resubscribing %d topic(s)", len(b.subs))
	b.mu.Lock()
	defer b.mu.Unlock()
	for topic, handler := range b.subs {
		if token := c.Subscribe(topic, 1, handler); token.Wait() && token.Error() != nil {
			b.logger.Printf("mqttbridge: resubscribe %s failed: %v", topic, token.Error())
		}
	}
}

func (b *Bridge) onConnectionLost(_ mqtt.Client, err error) {
	b.logger.Printf("mqttbridge: connection lost: %v", err)
}

// safeHandler wraps a paho MessageHandler so a panicking handler cannot take
// down the client's internal read loop.
func (b *Bridge) safeHandler(h mqtt.MessageHandler) mqtt.MessageHandler {
	return func(c mqtt.Client, m mqtt.Message) {
		defer func() {
			if r := recover(); r != nil {
				b.logger.Printf("mqttbridge: recovered panic in handler for %s: %v", m.Topic(), r)
			}
		}()
		h(c, m)
	}
}

// PublishStatus publishes the gateway status summary, QoS 0, no retain.
func (b *Bridge) PublishStatus(status any) error {
	return b.publish(TopicGatewayStatus, 0, false, status)
}

// PublishNodes publishes the full node list snapshot.
func (b *Bridge) PublishNodes(nodes any) error {
	return b.publish(TopicGatewayNodes, 0, false, nodes)
}

// PublishNodeState publishes a per-node state change.
func (b *Bridge) PublishNodeState(mac string, state any) error {
	return b.publish(fmt.Sprintf(TopicNodeStateFmt, mac), 0, false, state)
}

// PublishOtaStatus publishes an OTA status transition.
func (b *Bridge) PublishOtaStatus(status any) error {
	return b.publish(TopicNodeOtaStatus, 0, false, status)
}

// PublishOffline publishes the application-level LWT message directly, used
// on graceful shutdown (the native paho Will only fires on ungraceful
// network death).
func (b *Bridge) PublishOffline() error {
	return b.publish(TopicLWT, 1, true, map[string]any{"mac": b.mac, "offline": true})
}

func (b *Bridge) publish(topic string, qos byte, retain bool, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("mqttbridge: marshal payload for %s: %w", topic, err)
	}
	token := b.client.Publish(topic, qos, retain, payload)
	if !token.WaitTimeout(5*time.Second) {
		return fmt.Errorf("mqttbridge: publish to %s timed out", topic)
	}
	return token.Error()
}

// commandMessage mirrors the JSON shape subscribers to TopicCommand receive.
type commandMessage struct {
	NodeMac string `json:"node_mac"`
	Channel uint8  `json:"channel"`
	Action  string `json:"action"`
}

// SubscribeCommands subscribes to TopicCommand and invokes handler for each
// decoded message. Tracked in the resubscribe map so a reconnect restores it.
func (b *Bridge) SubscribeCommands(handler CommandHandler) error {
	b.onCommand = handler
	raw := func(c mqtt.Client, m mqtt.Message) {
		var cmd commandMessage
		if err := json.Unmarshal(m.Payload(), &cmd); err != nil {
			b.logger.Printf("mqttbridge: malformed command message: %v", err)
			return
		}
		b.onCommand(cmd.NodeMac, cmd.Channel, cmd.Action)
	}
	h := b.safeHandler(raw)

	b.mu.Lock()
	b.subs[TopicCommand] = h
	b.mu.Unlock()

	if token := b.client.Subscribe(TopicCommand, 1, h); token.Wait() && token.Error() != nil {
		return fmt.Errorf("mqttbridge: subscribe %s: %w", TopicCommand, token.Error())
	}
	return nil
}

// Close publishes the graceful-shutdown LWT and disconnects.
func (b *Bridge) Close() {
	b.PublishOffline()
	b.client.Disconnect(250)
}
