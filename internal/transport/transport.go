// Package transport wraps the radio stack into the four operations the
// gateway and node core depend on. The radio itself is an external black-box
// collaborator; this package only defines the boundary and ships two
// concrete adapters: a ZeroMQ IPC sidecar client for real deployments and an
// in-memory pair for tests and the development node binary.
package transport

import (
	"errors"

	"github.com/omniapi/gateway/internal/protocol"
)

// ErrWouldBlock is returned by Recv when no frame is currently available.
var ErrWouldBlock = errors.New("transport: would block")

// MTU is the transport's maximum datagram size. The protocol keeps every
// frame well under this (max 206 bytes), so no fragmentation is implemented.
const MTU = 1460

// Frame is an inbound datagram paired with the peer it arrived from.
type Frame struct {
	Src  protocol.Mac
	Data []byte
}

// Transport is the boundary the gateway and node core consume. Delivery is
// best-effort and unordered; there is no acknowledgement at this layer (the
// OTA and commissioning protocols build their own ACK semantics on top).
type Transport interface {
	// SendToRoot sends bytes toward the mesh root. Used by nodes.
	SendToRoot(data []byte) error
	// SendTo sends bytes to a specific MAC. Used by the gateway.
	SendTo(mac protocol.Mac, data []byte) error
	// Recv returns the next inbound frame, or ErrWouldBlock if none is
	// currently queued. Non-blocking.
	Recv() (Frame, error)
	// IsReachable is a best-effort route-table probe.
	IsReachable(mac protocol.Mac) bool
	// Close releases any underlying resources.
	Close() error
}

func checkFrameSize(data []byte) error {
	if len(data) > MTU {
		return errors.New("transport: frame exceeds MTU")
	}
	return nil
}
