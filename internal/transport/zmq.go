package transport

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"

	"github.com/omniapi/gateway/internal/protocol"
)

// ZmqConfig configures the ZeroMQ sidecar transport. The sidecar is an
// external process bridging these two IPC sockets to the actual radio
// hardware; this adapter never touches the radio directly.
type ZmqConfig struct {
	// EventURL is a SUB socket the sidecar publishes inbound frames on, each
	// message framed as [6-byte src mac][encoded protocol frame].
	EventURL string
	// CommandURL is a REQ socket this adapter uses to push outbound frames,
	// each request framed as [6-byte dest mac, RootDest for SendToRoot][encoded protocol frame].
	CommandURL string
	// RootDest is written as the destination MAC to signal "toward the mesh
	// root" in SendToRoot.
	RootDest protocol.Mac
}

const zmqCommandTimeout = 2 * time.Second

// ZmqTransport is a Transport backed by a radio-bridge sidecar reachable over
// ZeroMQ IPC sockets, grounded on the SUB/REQ socket-pair pattern used to
// talk to a concentrator sidecar process.
type ZmqTransport struct {
	cfg       ZmqConfig
	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	reached map[protocol.Mac]time.Time

	inbox chan Frame
}

const zmqInboxSize = 256

// NewZmqTransport connects to the sidecar's event and command sockets and
// starts the background receive loop.
func NewZmqTransport(cfg ZmqConfig) (*ZmqTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	t := &ZmqTransport{
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		reached: make(map[protocol.Mac]time.Time),
		inbox:   make(chan Frame, zmqInboxSize),
	}

	t.eventSock = zmq4.NewSub(ctx)
	if err := t.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, fmt.Errorf("transport: connect event socket: %w", err)
	}
	if err := t.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		t.eventSock.Close()
		return nil, fmt.Errorf("transport: subscribe: %w", err)
	}

	t.cmdSock = zmq4.NewReq(ctx)
	if err := t.cmdSock.Dial(cfg.CommandURL); err != nil {
		cancel()
		t.eventSock.Close()
		return nil, fmt.Errorf("transport: connect command socket: %w", err)
	}

	t.wg.Add(1)
	go t.eventLoop()

	return t, nil
}

func (t *ZmqTransport) eventLoop() {
	defer t.wg.Done()
	for {
		msg, err := t.eventSock.Recv()
		if err != nil {
			select {
			case <-t.ctx.Done():
				return
			default:
				log.Printf("transport: event recv error: %v", err)
				continue
			}
		}
		if len(msg.Frames) < 1 || len(msg.Frames[0]) < protocol.MacSize {
			continue
		}
		var src protocol.Mac
		copy(src[:], msg.Frames[0][:protocol.MacSize])
		data := append([]byte(nil), msg.Frames[0][protocol.MacSize:]...)

		t.mu.Lock()
		t.reached[src] = time.Now()
		t.mu.Unlock()

		select {
		case t.inbox <- Frame{Src: src, Data: data}:
		default:
			// best-effort: inbox full, frame dropped
		}
	}
}

func (t *ZmqTransport) send(dest protocol.Mac, data []byte) error {
	if err := checkFrameSize(data); err != nil {
		return err
	}
	frame := make([]byte, protocol.MacSize+len(data))
	copy(frame[:protocol.MacSize], dest[:])
	copy(frame[protocol.MacSize:], data)

	if err := t.cmdSock.Send(zmq4.NewMsg(frame)); err != nil {
		return fmt.Errorf("transport: send command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.cmdSock.Recv()
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("transport: command ack: %w", err)
		}
		return nil
	case <-time.After(zmqCommandTimeout):
		return fmt.Errorf("transport: command ack timeout")
	}
}

func (t *ZmqTransport) SendToRoot(data []byte) error {
	return t.send(t.cfg.RootDest, data)
}

func (t *ZmqTransport) SendTo(mac protocol.Mac, data []byte) error {
	return t.send(mac, data)
}

func (t *ZmqTransport) Recv() (Frame, error) {
	select {
	case f := <-t.inbox:
		return f, nil
	default:
		return Frame{}, ErrWouldBlock
	}
}

func (t *ZmqTransport) IsReachable(mac protocol.Mac) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	last, ok := t.reached[mac]
	if !ok {
		return false
	}
	return time.Since(last) < 10*time.Second
}

func (t *ZmqTransport) Close() error {
	t.cancel()
	t.wg.Wait()
	t.eventSock.Close()
	t.cmdSock.Close()
	return nil
}
