// Package ota implements the gateway OTA Orchestrator (push protocol,
// chunking, retries, staging I/O) and the node OTA Receiver (chunk
// verification, partition write, rollback). This file holds the shared
// session/state types both sides build on.
package ota

import (
	"time"

	"github.com/omniapi/gateway/internal/protocol"
)

// State is the gateway-side OtaSession state machine per §4.6.4.
type State int

const (
	StateIdle State = iota
	StateStaging
	StateStarting
	StateSending
	StateFinishing
	StateComplete
	StateFailed
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStaging:
		return "staging"
	case StateStarting:
		return "starting"
	case StateSending:
		return "sending"
	case StateFinishing:
		return "finishing"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateAborted
}

// ChunkSize is fixed at 180 bytes — the Design Notes resolve the
// 180-vs-200 open question in favor of 180, since it fits the 200-byte
// payload bound with headroom and is required for node_mesh interop.
const ChunkSize = 180

// Per-operation timers and retry caps, per §4.6.3. These are vars rather
// than consts so tests can shrink them instead of waiting out real timeouts.
var (
	ChunkAckTimeout      = 5 * time.Second
	GlobalSessionTimeout = 60 * time.Second
	BeginAckTimeout      = 30 * time.Second
)

const (
	ChunkMaxRetries = 3
	BeginMaxRetries = 3
)

// source abstracts where the gateway reads chunk bytes from: a RAM buffer
// (ota_start) or a staged flash partition (ota_flash_finish).
type source interface {
	readChunk(offset uint32, length uint32) ([]byte, error)
	size() uint32
}

type ramSource struct {
	data []byte
}

func (s ramSource) size() uint32 { return uint32(len(s.data)) }

func (s ramSource) readChunk(offset, length uint32) ([]byte, error) {
	end := offset + length
	if end > uint32(len(s.data)) {
		end = uint32(len(s.data))
	}
	return s.data[offset:end], nil
}

// session is the gateway-side OtaSession. All fields are guarded by
// Manager.mu.
type session struct {
	targetMac    protocol.Mac
	totalSize    uint32
	chunkSize    uint16
	totalChunks  uint16
	currentChunk uint16
	crc32        uint32
	retryCount   uint8
	state        State
	lastActivity time.Time
	newVersion   uint32
	src          source

	// seq is the link-layer sequence number for outbound OTA frames.
	seq uint8
}

func chunkCount(totalSize uint32, chunkSize uint16) uint16 {
	if totalSize == 0 {
		return 0
	}
	n := totalSize / uint32(chunkSize)
	if totalSize%uint32(chunkSize) != 0 {
		n++
	}
	return uint16(n)
}
