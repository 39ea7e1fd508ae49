package ota

import (
	"fmt"
	"hash/crc32"
	"log"
	"sync"
	"time"

	"github.com/omniapi/gateway/internal/bootmanager"
	"github.com/omniapi/gateway/internal/protocol"
)

// SendFunc decouples the Orchestrator from the concrete Transport, mirroring
// the injected-send-closure pattern used to wire an OTA manager to its
// transport without a direct dependency.
type SendFunc func(mac protocol.Mac, msgType uint8, payload []byte) error

// OtaStatus is the published view the MQTT bridge and HTTP server expose.
type OtaStatus struct {
	InProgress      bool
	ProgressPercent uint8
	StatusMessage   string
	Success         bool
	Error           bool
	TargetMac       protocol.Mac
}

// Result is the terminal outcome of one OTA attempt, reported to a
// HistorySink for durable audit logging.
type Result struct {
	TargetMac    protocol.Mac
	FromVersion  uint32
	NewVersion   uint32
	Success      bool
	ErrorMessage string
	ChunksSent   uint16
	RetryCount   uint8
	StartedAt    time.Time
	FinishedAt   time.Time
}

// HistorySink records the outcome of a completed OTA attempt. Implemented by
// internal/otahistory.DB; kept as a narrow interface here so this package
// does not depend on the storage package.
type HistorySink interface {
	RecordOtaResult(Result) error
}

// StatusFunc is invoked on every OTA status transition — every state change
// and every 10% of progress, per §4.6.5 — so callers can mirror the status
// onto MQTT and a WebSocket broadcaster without the Manager knowing either
// collaborator exists.
type StatusFunc func(OtaStatus)

// ErrSessionActive is returned when a new OTA is requested while one is
// already in flight — the core allows only one active node target at a time.
var ErrSessionActive = fmt.Errorf("ota: a session is already active")

// ErrNoActiveSession is returned by operations that require a session
// (Abort) when none exists.
var ErrNoActiveSession = fmt.Errorf("ota: no active session")

// Manager is the gateway-side OTA Orchestrator: single active session,
// condition-signal synchronization between the dispatcher (ack arrivals)
// and the background worker (chunk pacing), per §5.
type Manager struct {
	mu         sync.Mutex
	nodeReady  *sync.Cond
	chunkAcked *sync.Cond

	sess *session

	readyEvent    bool
	ackEvent      bool
	lastAckStatus uint8
	lastAckChunk  uint16

	status   OtaStatus
	onStatus StatusFunc

	send    SendFunc
	boot    bootmanager.BootManager
	history HistorySink

	wg sync.WaitGroup
}

// New builds an idle Manager. boot may be nil if flash-mode staging is not
// needed (RAM-mode-only deployments). history may be nil to skip audit
// logging.
func New(send SendFunc, boot bootmanager.BootManager, history HistorySink) *Manager {
	m := &Manager{send: send, boot: boot, history: history}
	m.nodeReady = sync.NewCond(&m.mu)
	m.chunkAcked = sync.NewCond(&m.mu)
	return m
}

// Status returns a copy of the current published status.
func (m *Manager) Status() OtaStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// SetStatusObserver installs f to be called, in its own goroutine, on every
// status transition from then on. Safe to call before or after Start*.
func (m *Manager) SetStatusObserver(f StatusFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStatus = f
}

// StartRAM begins a RAM-mode push of data to mac (ota_start). fromVersion is
// the node's currently-known firmware version, used only for the history
// record; newVersion is announced in OtaComplete once the push finishes.
func (m *Manager) StartRAM(mac protocol.Mac, data []byte, fromVersion, newVersion uint32) error {
	m.mu.Lock()
	if m.sess != nil && !m.sess.state.Terminal() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	crc := crc32.ChecksumIEEE(data)
	sess := &session{
		targetMac:    mac,
		totalSize:    uint32(len(data)),
		chunkSize:    ChunkSize,
		totalChunks:  chunkCount(uint32(len(data)), ChunkSize),
		crc32:        crc,
		state:        StateStarting,
		lastActivity: time.Now(),
		newVersion:   newVersion,
		src:          ramSource{data: data},
	}
	m.sess = sess
	m.readyEvent = false
	m.ackEvent = false
	m.setStatusLocked(OtaStatus{InProgress: true, TargetMac: mac, StatusMessage: "starting"})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSession(fromVersion)
	return nil
}

// StartFlash begins a flash-mode push reading from a previously-staged
// partition (ota_flash_finish, per §3: "created by ota_start (or
// ota_flash_finish for the async path)"). totalSize/crc32 are computed by
// the caller (the HTTP upload handler) once staging completes.
func (m *Manager) StartFlash(mac protocol.Mac, part bootmanager.Partition, totalSize uint32, crc uint32, fromVersion, newVersion uint32) error {
	if m.boot == nil {
		return fmt.Errorf("ota: flash mode unavailable: no BootManager configured")
	}
	m.mu.Lock()
	if m.sess != nil && !m.sess.state.Terminal() {
		m.mu.Unlock()
		return ErrSessionActive
	}
	sess := &session{
		targetMac:    mac,
		totalSize:    totalSize,
		chunkSize:    ChunkSize,
		totalChunks:  chunkCount(totalSize, ChunkSize),
		crc32:        crc,
		state:        StateStarting,
		lastActivity: time.Now(),
		newVersion:   newVersion,
		src:          flashSource{boot: m.boot, part: part},
	}
	m.sess = sess
	m.readyEvent = false
	m.ackEvent = false
	m.setStatusLocked(OtaStatus{InProgress: true, TargetMac: mac, StatusMessage: "starting"})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.runSession(fromVersion)
	return nil
}

// Abort cancels the active session, if any, per the cancellation rule in §5:
// acquire the session mutex, send OtaAbort, set state Aborted, and unblock
// the worker's condition waits so it can exit.
func (m *Manager) Abort() error {
	m.mu.Lock()
	if m.sess == nil || m.sess.state.Terminal() {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	mac := m.sess.targetMac
	m.sess.state = StateAborted
	m.nodeReady.Broadcast()
	m.chunkAcked.Broadcast()
	m.mu.Unlock()

	abort := protocol.OtaAbortPayload{DeviceType: 0}
	m.send(mac, protocol.TypeOtaAbort, abort.Encode())
	return nil
}

// HandleOtaAck is invoked by the dispatcher on every inbound OtaAck frame.
func (m *Manager) HandleOtaAck(src protocol.Mac, ack protocol.OtaAckPayload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil || m.sess.targetMac != src {
		return // protocol error: ack from a MAC that isn't the active target
	}
	m.sess.lastActivity = time.Now()
	if ack.Status != protocol.OtaAckReady && m.sess.state == StateSending && ack.ChunkIndex != m.sess.currentChunk {
		return // late ack for a chunk other than the one in flight
	}
	m.lastAckStatus = ack.Status
	m.lastAckChunk = ack.ChunkIndex

	if ack.Status == protocol.OtaAckReady {
		m.readyEvent = true
		m.sess.retryCount = 0
		m.nodeReady.Broadcast()
		return
	}
	m.ackEvent = true
	if ack.Status == protocol.OtaAckOK {
		m.sess.retryCount = 0
	}
	m.chunkAcked.Broadcast()
}

// HandleOtaComplete is invoked by the dispatcher on the node's final
// OtaComplete frame.
func (m *Manager) HandleOtaComplete(src protocol.Mac, p protocol.OtaCompletePayload) {
	m.mu.Lock()
	if m.sess == nil || m.sess.targetMac != src || m.sess.state != StateFinishing {
		m.mu.Unlock()
		return
	}
	m.sess.state = StateComplete
	m.sess.lastActivity = time.Now()
	m.setStatusLocked(OtaStatus{InProgress: false, Success: true, ProgressPercent: 100, TargetMac: src, StatusMessage: "complete"})
	m.ackEvent = true
	m.chunkAcked.Broadcast()
	m.mu.Unlock()
}

// HandleOtaFailed is invoked by the dispatcher when the node reports a
// failure (CRC mismatch at OtaEnd, etc).
func (m *Manager) HandleOtaFailed(src protocol.Mac, p protocol.OtaFailedPayload) {
	m.mu.Lock()
	if m.sess == nil || m.sess.targetMac != src {
		m.mu.Unlock()
		return
	}
	m.sess.state = StateFailed
	m.sess.lastActivity = time.Now()
	m.setStatusLocked(OtaStatus{InProgress: false, Error: true, TargetMac: src, StatusMessage: "failed: " + p.ErrorMsg})
	m.ackEvent = true
	m.chunkAcked.Broadcast()
	m.mu.Unlock()
}

func (m *Manager) setStatusLocked(s OtaStatus) {
	m.status = s
	log.Printf("ota: status for %s: %+v", s.TargetMac, s)
	if m.onStatus != nil {
		go m.onStatus(s)
	}
}

// waitReady blocks until a READY ack arrives, the session is aborted, or
// timeout elapses. Returns true only on a genuine READY.
func (m *Manager) waitReady(timeout time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadlineHit := false
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		deadlineHit = true
		m.nodeReady.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	for !m.readyEvent && !deadlineHit && (m.sess != nil && !m.sess.state.Terminal()) {
		m.nodeReady.Wait()
	}
	return m.readyEvent
}

// waitChunkAck blocks until an OtaAck for the in-flight chunk arrives (or
// the session ends/aborts/times out). Returns (gotAck, status).
func (m *Manager) waitChunkAck(timeout time.Duration) (bool, uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deadlineHit := false
	timer := time.AfterFunc(timeout, func() {
		m.mu.Lock()
		deadlineHit = true
		m.chunkAcked.Broadcast()
		m.mu.Unlock()
	})
	defer timer.Stop()
	for !m.ackEvent && !deadlineHit && (m.sess != nil && !m.sess.state.Terminal()) {
		m.chunkAcked.Wait()
	}
	if m.ackEvent {
		status := m.lastAckStatus
		m.ackEvent = false
		return true, status
	}
	return false, 0
}

// sessionAlive reports whether the session is still in a non-terminal state.
func (m *Manager) sessionAlive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess != nil && !m.sess.state.Terminal()
}

func (m *Manager) globalTimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return true
	}
	return time.Since(m.sess.lastActivity) > GlobalSessionTimeout
}

func (m *Manager) failLocked(reason string) {
	var target protocol.Mac
	if m.sess != nil {
		m.sess.state = StateFailed
		target = m.sess.targetMac
	}
	m.setStatusLocked(OtaStatus{InProgress: false, Error: true, TargetMac: target, StatusMessage: reason})
}

func (m *Manager) fail(reason string) {
	m.mu.Lock()
	m.failLocked(reason)
	m.mu.Unlock()
}

// runSession is the dedicated OTA worker task (§5c): owns the session while
// active, performs staged-source reads, and serializes on ACK condition
// signals from the dispatcher. Exactly one chunk is ever in flight.
func (m *Manager) runSession(fromVersion uint32) {
	defer m.wg.Done()

	m.mu.Lock()
	sess := m.sess
	mac := sess.targetMac
	begin := protocol.OtaBeginPayload{
		TargetMac:   mac,
		TotalSize:   sess.totalSize,
		ChunkSize:   sess.chunkSize,
		TotalChunks: sess.totalChunks,
		Crc32:       sess.crc32,
		NewVersion:  sess.newVersion,
	}
	m.mu.Unlock()

	started := time.Now()

	// OtaBegin / READY handshake, up to BeginMaxRetries.
	ready := false
	for attempt := 0; attempt < BeginMaxRetries; attempt++ {
		if m.globalTimedOut() {
			m.fail("global session timeout")
			m.recordResult(fromVersion, started, false, "global session timeout")
			return
		}
		m.send(mac, protocol.TypeOtaBegin, begin.Encode())
		if m.waitReady(BeginAckTimeout) {
			ready = true
			break
		}
		if !m.sessionAlive() {
			m.recordResult(fromVersion, started, false, "aborted during begin")
			return
		}
	}
	if !ready {
		m.fail("no READY ack after retries")
		m.recordResult(fromVersion, started, false, "no READY ack after retries")
		return
	}

	m.mu.Lock()
	m.sess.state = StateSending
	m.setStatusLocked(OtaStatus{InProgress: true, TargetMac: mac, StatusMessage: "sending", ProgressPercent: 0})
	m.mu.Unlock()

	if !m.sendAllChunks(mac, fromVersion, started) {
		return
	}

	// OtaEnd, then wait (as part of the 60s global inactivity budget) for
	// OtaComplete/OtaFailed, set by HandleOtaComplete/HandleOtaFailed.
	m.mu.Lock()
	m.sess.state = StateFinishing
	end := protocol.OtaEndPayload{TargetMac: mac, TotalChunks: m.sess.totalChunks, Crc32: m.sess.crc32}
	m.setStatusLocked(OtaStatus{InProgress: true, TargetMac: mac, StatusMessage: "finishing", ProgressPercent: 100})
	m.ackEvent = false
	m.mu.Unlock()

	m.send(mac, protocol.TypeOtaEnd, end.Encode())

	for {
		if m.globalTimedOut() {
			m.fail("global session timeout")
			m.recordResult(fromVersion, started, false, "global session timeout")
			return
		}
		if !m.sessionAlive() {
			break
		}
		if got, _ := m.waitChunkAck(GlobalSessionTimeout); got {
			break
		}
	}

	m.mu.Lock()
	finalState := m.sess.state
	success := finalState == StateComplete
	m.mu.Unlock()

	m.recordResult(fromVersion, started, success, "")
}

// sendAllChunks drives the single-chunk-in-flight loop of §4.6.2. Returns
// false if the session ended (failed/aborted) before all chunks were
// acknowledged.
func (m *Manager) sendAllChunks(mac protocol.Mac, fromVersion uint32, started time.Time) bool {
	m.mu.Lock()
	total := m.sess.totalChunks
	chunkSize := uint32(m.sess.chunkSize)
	m.mu.Unlock()

	for idx := uint16(0); idx < total; idx++ {
		if m.globalTimedOut() {
			m.fail("global session timeout")
			m.recordResult(fromVersion, started, false, "global session timeout")
			return false
		}

		offset := uint32(idx) * chunkSize
		length := chunkSize
		if remaining := m.sessionTotalSize() - offset; remaining < length {
			length = remaining
		}
		data, err := m.sessionSrc().readChunk(offset, length)
		if err != nil {
			m.fail("staged source read failed: " + err.Error())
			m.recordResult(fromVersion, started, false, "staged source read failed")
			return false
		}

		dataPayload := protocol.OtaDataPayload{
			Offset: offset,
			Length: uint16(len(data)),
			Last:   idx == total-1,
			Data:   data,
		}

		acked := false
		for attempt := uint8(0); attempt < ChunkMaxRetries; attempt++ {
			m.mu.Lock()
			m.ackEvent = false
			m.mu.Unlock()

			m.send(mac, protocol.TypeOtaData, dataPayload.Encode())

			got, status := m.waitChunkAck(ChunkAckTimeout)
			if !m.sessionAlive() {
				m.recordResult(fromVersion, started, false, "aborted during send")
				return false
			}
			if !got {
				m.bumpRetry()
				continue
			}
			switch status {
			case protocol.OtaAckOK:
				acked = true
			case protocol.OtaAckCRCError:
				m.bumpRetry()
				continue
			default: // WRITE_ERROR, ABORT
				m.fail("node reported write error or abort")
				m.recordResult(fromVersion, started, false, "node reported write error or abort")
				return false
			}
			if acked {
				break
			}
		}
		if !acked {
			m.fail("chunk retry cap exceeded")
			m.recordResult(fromVersion, started, false, "chunk retry cap exceeded")
			return false
		}

		m.mu.Lock()
		m.sess.currentChunk = idx + 1
		prevPct := m.status.ProgressPercent
		pct := uint8(uint32(m.sess.currentChunk) * 100 / uint32(total))
		next := OtaStatus{InProgress: true, TargetMac: mac, StatusMessage: "sending", ProgressPercent: pct}
		if pct/10 != prevPct/10 {
			m.setStatusLocked(next) // notify observers only on a 10% boundary
		} else {
			m.status = next
		}
		m.mu.Unlock()
	}
	return true
}

func (m *Manager) bumpRetry() {
	m.mu.Lock()
	m.sess.retryCount++
	m.mu.Unlock()
}

func (m *Manager) sessionSrc() source {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.src
}

func (m *Manager) sessionTotalSize() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sess.totalSize
}

func (m *Manager) recordResult(fromVersion uint32, started time.Time, success bool, errMsg string) {
	if m.history == nil {
		return
	}
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.history.RecordOtaResult(Result{
		TargetMac:    sess.targetMac,
		FromVersion:  fromVersion,
		NewVersion:   sess.newVersion,
		Success:      success,
		ErrorMessage: errMsg,
		ChunksSent:   sess.currentChunk,
		RetryCount:   sess.retryCount,
		StartedAt:    started,
		FinishedAt:   time.Now(),
	})
}

// Wait blocks until any in-flight session worker goroutine exits. Intended
// for tests and graceful shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}
