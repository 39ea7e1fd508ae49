package transport

import (
	"sync"

	"github.com/omniapi/gateway/internal/protocol"
)

// Bus is a shared in-memory mesh used to wire a gateway Endpoint and one or
// more node Endpoints together without a real radio. It is the backing store
// for tests and for the omniapi-node development binary's --sim mode.
type Bus struct {
	mu       sync.RWMutex
	root     protocol.Mac
	hasRoot  bool
	inboxes  map[protocol.Mac]chan Frame
}

// NewBus creates an empty shared mesh.
func NewBus() *Bus {
	return &Bus{inboxes: make(map[protocol.Mac]chan Frame)}
}

// Endpoint is a Transport backed by a Bus. One Endpoint exists per mesh
// participant (the gateway, or each simulated node).
type Endpoint struct {
	bus   *Bus
	self  protocol.Mac
	inbox chan Frame
}

const endpointInboxSize = 64

// NewEndpoint registers a new participant on bus under self and returns its
// Transport. isRoot marks this endpoint as the mesh root (the gateway);
// there must be exactly one root per bus.
func NewEndpoint(bus *Bus, self protocol.Mac, isRoot bool) *Endpoint {
	inbox := make(chan Frame, endpointInboxSize)

	bus.mu.Lock()
	bus.inboxes[self] = inbox
	if isRoot {
		bus.root = self
		bus.hasRoot = true
	}
	bus.mu.Unlock()

	return &Endpoint{bus: bus, self: self, inbox: inbox}
}

func (e *Endpoint) SendToRoot(data []byte) error {
	if err := checkFrameSize(data); err != nil {
		return err
	}
	e.bus.mu.RLock()
	root, ok := e.bus.root, e.bus.hasRoot
	var target chan Frame
	if ok {
		target = e.bus.inboxes[root]
	}
	e.bus.mu.RUnlock()
	if !ok || target == nil {
		return nil // best-effort: no root registered, frame is dropped
	}
	return e.deliver(target, data)
}

func (e *Endpoint) SendTo(mac protocol.Mac, data []byte) error {
	if err := checkFrameSize(data); err != nil {
		return err
	}
	e.bus.mu.RLock()
	target := e.bus.inboxes[mac]
	e.bus.mu.RUnlock()
	if target == nil {
		return nil // best-effort: unreachable peer, frame is dropped
	}
	return e.deliver(target, data)
}

func (e *Endpoint) deliver(target chan Frame, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case target <- Frame{Src: e.self, Data: cp}:
	default:
		// Best-effort delivery: a full inbox means the frame is lost, same
		// as a real radio dropping a datagram under congestion.
	}
	return nil
}

func (e *Endpoint) Recv() (Frame, error) {
	select {
	case f := <-e.inbox:
		return f, nil
	default:
		return Frame{}, ErrWouldBlock
	}
}

func (e *Endpoint) IsReachable(mac protocol.Mac) bool {
	e.bus.mu.RLock()
	defer e.bus.mu.RUnlock()
	_, ok := e.bus.inboxes[mac]
	return ok
}

func (e *Endpoint) Close() error {
	e.bus.mu.Lock()
	delete(e.bus.inboxes, e.self)
	e.bus.mu.Unlock()
	return nil
}
