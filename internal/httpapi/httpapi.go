// Package httpapi implements the gateway's HTTP surface (§6.3): status and
// node-list queries, relay command issuance, on-demand discovery, streamed
// firmware uploads (both the gateway's own self-update and a target node's
// push-mode OTA), and a polling plus WebSocket view of OTA status. The
// router is github.com/go-chi/chi/v5 (pack-adopted: idiomatic for exactly
// this small REST-plus-streaming-upload surface). The WebSocket status push
// is additive to spec.md §6.3's plain polling GET, grounded on
// cloud/client.go's ping/write-loop shape (SetWriteDeadline, ticker-driven
// keepalive), adapted from client-dialing to server-broadcast.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/omniapi/gateway/internal/ota"
	"github.com/omniapi/gateway/internal/protocol"
	"github.com/omniapi/gateway/internal/registry"
)

// StatusProvider supplies the gateway status summary JSON.
type StatusProvider func() any

// CommandIssuer issues a relay command to a node by MAC, returning an error
// if the action is unknown or the frame cannot be sent. The MAC and channel
// are not checked before sending.
type CommandIssuer func(mac protocol.Mac, channel uint8, action string) error

// DiscoverFunc triggers an on-demand discovery broadcast.
type DiscoverFunc func() error

// NodeOtaStarter stages a push-mode OTA session against mac by streaming
// size bytes from r (the upload body) into flash, then pushing the staged
// image on to the node at newVersion. Returns an error if a session is
// already active or mac is unknown.
type NodeOtaStarter func(mac protocol.Mac, r io.Reader, size uint32, newVersion uint32) error

// SelfOtaApplier applies a streamed gateway self-update.
type SelfOtaApplier func(r *http.Request) error

// Server wires the route table described above over a *registry.Registry
// and a set of injected capability functions, so this package never depends
// directly on internal/gateway (which would be a cyclic import).
type Server struct {
	router chi.Router
	reg    *registry.Registry

	status    StatusProvider
	command   CommandIssuer
	discover  DiscoverFunc
	nodeOta   NodeOtaStarter
	selfOta   SelfOtaApplier
	otaStatus func() ota.OtaStatus

	upgrader websocket.Upgrader

	mu        sync.Mutex
	wsClients map[*websocket.Conn]chan []byte
}

// Deps bundles every collaborator the HTTP layer needs, all narrow
// function-typed capabilities rather than a dependency on *gateway.Gateway.
type Deps struct {
	Registry  *registry.Registry
	Status    StatusProvider
	Command   CommandIssuer
	Discover  DiscoverFunc
	NodeOta   NodeOtaStarter
	SelfOta   SelfOtaApplier
	OtaStatus func() ota.OtaStatus
}

// New builds a Server and its route table.
func New(deps Deps) *Server {
	s := &Server{
		reg:       deps.Registry,
		status:    deps.Status,
		command:   deps.Command,
		discover:  deps.Discover,
		nodeOta:   deps.NodeOta,
		selfOta:   deps.SelfOta,
		otaStatus: deps.OtaStatus,
		wsClients: make(map[*websocket.Conn]chan []byte),
		upgrader:  websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}

	r := chi.NewRouter()
	r.Get("/api/status", s.handleStatus)
	r.Get("/api/nodes", s.handleNodes)
	r.Post("/api/command", s.handleCommand)
	r.Post("/api/discover", s.handleDiscover)
	r.Post("/update", s.handleSelfOta)
	r.Post("/api/node-ota/{mac}", s.handleNodeOta)
	r.Get("/api/node-ota-status", s.handleNodeOtaStatus)
	r.Get("/api/node-ota-status/ws", s.handleNodeOtaStatusWS)
	s.router = r
	return s
}

// ServeHTTP lets Server itself be passed to http.Serve.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.status())
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.reg.Snapshot())
}

type commandRequest struct {
	Mac     string `json:"mac"`
	NodeID  string `json:"nodeId"`
	Channel uint8  `json:"channel"`
	Action  string `json:"action"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	macStr := req.Mac
	if macStr == "" {
		macStr = req.NodeID
	}
	mac, err := protocol.ParseMac(macStr)
	if err != nil {
		http.Error(w, "invalid mac", http.StatusBadRequest)
		return
	}
	if err := s.command(mac, req.Channel, req.Action); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if err := s.discover(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSelfOta(w http.ResponseWriter, r *http.Request) {
	if err := s.selfOta(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleNodeOta streams the upload body straight into flash-mode staging
// (§4.6.1) rather than buffering the whole image in memory first — the
// flash mode exists precisely so a client's upload timeout isn't tripped by
// an up-front erase-and-buffer pass.
func (s *Server) handleNodeOta(w http.ResponseWriter, r *http.Request) {
	macStr := chi.URLParam(r, "mac")
	mac, err := protocol.ParseMac(macStr)
	if err != nil {
		http.Error(w, "invalid mac", http.StatusBadRequest)
		return
	}
	if r.ContentLength <= 0 {
		http.Error(w, "Content-Length required", http.StatusBadRequest)
		return
	}
	var newVersion uint32
	if v := r.URL.Query().Get("version"); v != "" {
		var major, minor, patch uint8
		if _, err := fmt.Sscanf(v, "%d.%d.%d", &major, &minor, &patch); err == nil {
			newVersion = protocol.PackVersion(major, minor, patch)
		}
	}
	defer r.Body.Close()
	if err := s.nodeOta(mac, r.Body, uint32(r.ContentLength), newVersion); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleNodeOtaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.otaStatus())
}

// wsWriteWait and wsPingInterval mirror cloud/client.go's keepalive shape.
const (
	wsWriteWait    = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

func (s *Server) handleNodeOtaStatusWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	send := make(chan []byte, 8)
	s.mu.Lock()
	s.wsClients[conn] = send
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.wsClients, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	if payload, err := json.Marshal(s.otaStatus()); err == nil {
		send <- payload
	}

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case payload := <-send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

// BroadcastOtaStatus pushes the current OtaStatus to every connected
// WebSocket client. Call on every state transition and every 10% progress
// boundary, per spec.md §4.6.5's trigger points.
func (s *Server) BroadcastOtaStatus(status ota.OtaStatus) {
	payload, err := json.Marshal(status)
	if err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.wsClients {
		select {
		case ch <- payload:
		default:
		}
	}
}
