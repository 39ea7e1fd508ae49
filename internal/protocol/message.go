// Package protocol implements the OmniaPi mesh link-layer wire format: a fixed
// header followed by a bounded payload, little-endian throughout.
package protocol

import (
	"encoding/binary"
	"fmt"
)

// Magic is the fixed two-byte constant every valid frame starts with.
const Magic uint16 = 0xA7E5

// MaxPayload is the largest payload a frame may carry.
const MaxPayload = 200

// HeaderSize is the encoded size of Header in bytes.
const HeaderSize = 6

// MaxFrameSize is HeaderSize + MaxPayload.
const MaxFrameSize = HeaderSize + MaxPayload

// Message type bytes, organized by the direction ranges the catalog defines.
const (
	TypeHeartbeat    uint8 = 0x01
	TypeHeartbeatAck uint8 = 0x02

	TypeOtaBegin    uint8 = 0x10
	TypeOtaReady    uint8 = 0x11 // deprecated, use OtaAck{status=READY}
	TypeOtaData     uint8 = 0x12
	TypeOtaAck      uint8 = 0x13
	TypeOtaEnd      uint8 = 0x14
	TypeOtaComplete uint8 = 0x15
	TypeOtaFailed   uint8 = 0x16
	TypeOtaAbort    uint8 = 0x17

	TypeRelayCommand uint8 = 0x20
	TypeRelayAck     uint8 = 0x21
	TypeRelayStatus  uint8 = 0x22

	TypeDiscovery    uint8 = 0x30
	TypeDiscoveryAck uint8 = 0x31

	TypeLedCommand uint8 = 0x40
	TypeLedAck     uint8 = 0x41

	TypeScanRequest   uint8 = 0x50
	TypeScanResponse  uint8 = 0x51
	TypeCommission    uint8 = 0x52
	TypeCommissionAck uint8 = 0x53
	TypeDecommission  uint8 = 0x54
	TypeDecommAck     uint8 = 0x55

	// TypeOtaRequest is the pull-mode chunk-solicitation message. It has no
	// catalog byte in the normative table (§6.1 only documents push); it reuses
	// the OTA range and is only ever exchanged when both sides run pull mode.
	TypeOtaRequest uint8 = 0x18
)

// OtaAck status codes.
const (
	OtaAckReady    uint8 = 0
	OtaAckOK       uint8 = 1
	OtaAckCRCError uint8 = 2
	OtaAckWriteErr uint8 = 3
	OtaAckAbort    uint8 = 4
)

// ErrMalformed is returned for any frame that fails basic validation: wrong
// magic, or a declared payload length that overruns either the bound or the
// bytes actually supplied.
type ErrMalformed struct {
	Reason string
}

func (e *ErrMalformed) Error() string {
	return fmt.Sprintf("protocol: malformed frame: %s", e.Reason)
}

// Header is the fixed 6-byte frame prefix.
type Header struct {
	Magic      uint16
	MsgType    uint8
	Seq        uint8
	PayloadLen uint16
}

// Encode writes the header to a 6-byte buffer.
func (h Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], h.Magic)
	buf[2] = h.MsgType
	buf[3] = h.Seq
	binary.LittleEndian.PutUint16(buf[4:6], h.PayloadLen)
}

// DecodeHeader reads a Header from the first HeaderSize bytes of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, &ErrMalformed{Reason: "short buffer"}
	}
	h := Header{
		Magic:      binary.LittleEndian.Uint16(buf[0:2]),
		MsgType:    buf[2],
		Seq:        buf[3],
		PayloadLen: binary.LittleEndian.Uint16(buf[4:6]),
	}
	return h, nil
}

// IsValid reports whether the header's magic and length fields are within
// bounds. It does not check the frame is fully present.
func (h Header) IsValid() bool {
	return h.Magic == Magic && h.PayloadLen <= MaxPayload
}

// Message is the decoded on-wire unit: a validated header plus its payload
// bytes, sliced from the original frame buffer (no copy).
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage builds a Message ready for Encode, assigning PayloadLen from the
// supplied payload.
func NewMessage(msgType, seq uint8, payload []byte) (Message, error) {
	if len(payload) > MaxPayload {
		return Message{}, &ErrMalformed{Reason: "payload exceeds max size"}
	}
	return Message{
		Header: Header{
			Magic:      Magic,
			MsgType:    msgType,
			Seq:        seq,
			PayloadLen: uint16(len(payload)),
		},
		Payload: payload,
	}, nil
}

// Encode serializes m into a freshly allocated frame buffer.
func (m Message) Encode() []byte {
	buf := make([]byte, HeaderSize+len(m.Payload))
	m.Header.Encode(buf[:HeaderSize])
	copy(buf[HeaderSize:], m.Payload)
	return buf
}

// Decode validates and parses a raw frame buffer into a Message. The
// returned Message.Payload slices directly into buf; callers that need to
// retain it past the lifetime of buf must copy it themselves.
func Decode(buf []byte) (Message, error) {
	h, err := DecodeHeader(buf)
	if err != nil {
		return Message{}, err
	}
	if h.Magic != Magic {
		return Message{}, &ErrMalformed{Reason: "bad magic"}
	}
	if h.PayloadLen > MaxPayload {
		return Message{}, &ErrMalformed{Reason: "payload_len exceeds max"}
	}
	end := HeaderSize + int(h.PayloadLen)
	if len(buf) < end {
		return Message{}, &ErrMalformed{Reason: "truncated payload"}
	}
	return Message{Header: h, Payload: buf[HeaderSize:end]}, nil
}
