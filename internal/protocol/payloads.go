package protocol

import (
	"encoding/binary"
	"fmt"
)

// MacSize is the length in bytes of a link-layer address.
const MacSize = 6

// Mac is a 6-byte link-layer address.
type Mac [MacSize]byte

// String renders the canonical "XX:XX:XX:XX:XX:XX" uppercase hex form.
func (m Mac) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// ParseMac parses the canonical "XX:XX:XX:XX:XX:XX" hex form back into a Mac.
func ParseMac(s string) (Mac, error) {
	var m Mac
	n, err := fmt.Sscanf(s, "%02X:%02X:%02X:%02X:%02X:%02X", &m[0], &m[1], &m[2], &m[3], &m[4], &m[5])
	if err != nil || n != MacSize {
		return Mac{}, fmt.Errorf("protocol: invalid mac %q", s)
	}
	return m, nil
}

func putFixedString(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

// getFixedString trims at the first NUL and sanitizes any remaining
// non-printable bytes to end-of-string, per the framing rule that string
// fields are fixed-length, NUL-padded, non-printable-sanitized on decode.
func getFixedString(src []byte) string {
	for i, b := range src {
		if b == 0 || b < 0x20 || b > 0x7E {
			return string(src[:i])
		}
	}
	return string(src)
}

// HeartbeatAckPayload — device_type:u8, version:char[15].
type HeartbeatAckPayload struct {
	DeviceType uint8
	Version    string
}

func (p HeartbeatAckPayload) Encode() []byte {
	buf := make([]byte, 1+15)
	buf[0] = p.DeviceType
	putFixedString(buf[1:], p.Version)
	return buf
}

func DecodeHeartbeatAck(b []byte) (HeartbeatAckPayload, error) {
	if len(b) < 16 {
		return HeartbeatAckPayload{}, &ErrMalformed{Reason: "HeartbeatAck short"}
	}
	return HeartbeatAckPayload{DeviceType: b[0], Version: getFixedString(b[1:16])}, nil
}

// OtaBeginPayload — target_mac:6, total_size:u32, chunk_size:u16, total_chunks:u16,
// crc32:u32, new_version:u32. new_version is carried here (rather than left
// for the node to derive from the image) because the node has no other way
// to learn the version it is about to install before it must report it back
// in OtaComplete.
type OtaBeginPayload struct {
	TargetMac   Mac
	TotalSize   uint32
	ChunkSize   uint16
	TotalChunks uint16
	Crc32       uint32
	NewVersion  uint32
}

func (p OtaBeginPayload) Encode() []byte {
	buf := make([]byte, 6+4+2+2+4+4)
	copy(buf[0:6], p.TargetMac[:])
	binary.LittleEndian.PutUint32(buf[6:10], p.TotalSize)
	binary.LittleEndian.PutUint16(buf[10:12], p.ChunkSize)
	binary.LittleEndian.PutUint16(buf[12:14], p.TotalChunks)
	binary.LittleEndian.PutUint32(buf[14:18], p.Crc32)
	binary.LittleEndian.PutUint32(buf[18:22], p.NewVersion)
	return buf
}

func DecodeOtaBegin(b []byte) (OtaBeginPayload, error) {
	if len(b) < 22 {
		return OtaBeginPayload{}, &ErrMalformed{Reason: "OtaBegin short"}
	}
	var p OtaBeginPayload
	copy(p.TargetMac[:], b[0:6])
	p.TotalSize = binary.LittleEndian.Uint32(b[6:10])
	p.ChunkSize = binary.LittleEndian.Uint16(b[10:12])
	p.TotalChunks = binary.LittleEndian.Uint16(b[12:14])
	p.Crc32 = binary.LittleEndian.Uint32(b[14:18])
	p.NewVersion = binary.LittleEndian.Uint32(b[18:22])
	return p, nil
}

// OtaDataPayload — offset:u32, length:u16, last:u8, data:[length].
type OtaDataPayload struct {
	Offset uint32
	Length uint16
	Last   bool
	Data   []byte
}

func (p OtaDataPayload) Encode() []byte {
	buf := make([]byte, 4+2+1+len(p.Data))
	binary.LittleEndian.PutUint32(buf[0:4], p.Offset)
	binary.LittleEndian.PutUint16(buf[4:6], p.Length)
	if p.Last {
		buf[6] = 1
	}
	copy(buf[7:], p.Data)
	return buf
}

func DecodeOtaData(b []byte) (OtaDataPayload, error) {
	if len(b) < 7 {
		return OtaDataPayload{}, &ErrMalformed{Reason: "OtaData short"}
	}
	length := binary.LittleEndian.Uint16(b[4:6])
	if len(b) < 7+int(length) {
		return OtaDataPayload{}, &ErrMalformed{Reason: "OtaData truncated"}
	}
	return OtaDataPayload{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Length: length,
		Last:   b[6] != 0,
		Data:   b[7 : 7+int(length)],
	}, nil
}

// OtaAckPayload — mac:6, chunk_index:u16, status:u8.
type OtaAckPayload struct {
	Mac        Mac
	ChunkIndex uint16
	Status     uint8
}

func (p OtaAckPayload) Encode() []byte {
	buf := make([]byte, 6+2+1)
	copy(buf[0:6], p.Mac[:])
	binary.LittleEndian.PutUint16(buf[6:8], p.ChunkIndex)
	buf[8] = p.Status
	return buf
}

func DecodeOtaAck(b []byte) (OtaAckPayload, error) {
	if len(b) < 9 {
		return OtaAckPayload{}, &ErrMalformed{Reason: "OtaAck short"}
	}
	var p OtaAckPayload
	copy(p.Mac[:], b[0:6])
	p.ChunkIndex = binary.LittleEndian.Uint16(b[6:8])
	p.Status = b[8]
	return p, nil
}

// OtaEndPayload — target_mac:6, total_chunks:u16, crc32:u32.
type OtaEndPayload struct {
	TargetMac   Mac
	TotalChunks uint16
	Crc32       uint32
}

func (p OtaEndPayload) Encode() []byte {
	buf := make([]byte, 6+2+4)
	copy(buf[0:6], p.TargetMac[:])
	binary.LittleEndian.PutUint16(buf[6:8], p.TotalChunks)
	binary.LittleEndian.PutUint32(buf[8:12], p.Crc32)
	return buf
}

func DecodeOtaEnd(b []byte) (OtaEndPayload, error) {
	if len(b) < 12 {
		return OtaEndPayload{}, &ErrMalformed{Reason: "OtaEnd short"}
	}
	var p OtaEndPayload
	copy(p.TargetMac[:], b[0:6])
	p.TotalChunks = binary.LittleEndian.Uint16(b[6:8])
	p.Crc32 = binary.LittleEndian.Uint32(b[8:12])
	return p, nil
}

// OtaCompletePayload — mac:6, new_version:u32.
type OtaCompletePayload struct {
	Mac        Mac
	NewVersion uint32
}

func (p OtaCompletePayload) Encode() []byte {
	buf := make([]byte, 6+4)
	copy(buf[0:6], p.Mac[:])
	binary.LittleEndian.PutUint32(buf[6:10], p.NewVersion)
	return buf
}

func DecodeOtaComplete(b []byte) (OtaCompletePayload, error) {
	if len(b) < 10 {
		return OtaCompletePayload{}, &ErrMalformed{Reason: "OtaComplete short"}
	}
	var p OtaCompletePayload
	copy(p.Mac[:], b[0:6])
	p.NewVersion = binary.LittleEndian.Uint32(b[6:10])
	return p, nil
}

// OTA error codes (node side taxonomy, §4.7.3).
const (
	OtaErrNone           uint8 = 0
	OtaErrTimeout        uint8 = 1
	OtaErrChecksum       uint8 = 2
	OtaErrWriteFailed    uint8 = 3
	OtaErrPartitionError uint8 = 4
	OtaErrBootFailed     uint8 = 5
	OtaErrDownloadFailed uint8 = 6
)

// OtaFailedPayload — mac:6, error_code:u8, error_msg:char[32].
type OtaFailedPayload struct {
	Mac       Mac
	ErrorCode uint8
	ErrorMsg  string
}

func (p OtaFailedPayload) Encode() []byte {
	buf := make([]byte, 6+1+32)
	copy(buf[0:6], p.Mac[:])
	buf[6] = p.ErrorCode
	putFixedString(buf[7:], p.ErrorMsg)
	return buf
}

func DecodeOtaFailed(b []byte) (OtaFailedPayload, error) {
	if len(b) < 39 {
		return OtaFailedPayload{}, &ErrMalformed{Reason: "OtaFailed short"}
	}
	var p OtaFailedPayload
	copy(p.Mac[:], b[0:6])
	p.ErrorCode = b[6]
	p.ErrorMsg = getFixedString(b[7:39])
	return p, nil
}

// OtaAbortPayload — device_type:u8.
type OtaAbortPayload struct {
	DeviceType uint8
}

func (p OtaAbortPayload) Encode() []byte { return []byte{p.DeviceType} }

func DecodeOtaAbort(b []byte) (OtaAbortPayload, error) {
	if len(b) < 1 {
		return OtaAbortPayload{}, &ErrMalformed{Reason: "OtaAbort short"}
	}
	return OtaAbortPayload{DeviceType: b[0]}, nil
}

// OtaRequestPayload — offset:u32, length:u16 (pull-mode chunk solicitation).
type OtaRequestPayload struct {
	Offset uint32
	Length uint16
}

func (p OtaRequestPayload) Encode() []byte {
	buf := make([]byte, 6)
	binary.LittleEndian.PutUint32(buf[0:4], p.Offset)
	binary.LittleEndian.PutUint16(buf[4:6], p.Length)
	return buf
}

func DecodeOtaRequest(b []byte) (OtaRequestPayload, error) {
	if len(b) < 6 {
		return OtaRequestPayload{}, &ErrMalformed{Reason: "OtaRequest short"}
	}
	return OtaRequestPayload{
		Offset: binary.LittleEndian.Uint32(b[0:4]),
		Length: binary.LittleEndian.Uint16(b[4:6]),
	}, nil
}

// Relay actions.
const (
	RelayActionOff    uint8 = 0
	RelayActionOn     uint8 = 1
	RelayActionToggle uint8 = 2
)

// RelayCommandPayload — channel:u8, action:u8.
type RelayCommandPayload struct {
	Channel uint8
	Action  uint8
}

func (p RelayCommandPayload) Encode() []byte { return []byte{p.Channel, p.Action} }

func DecodeRelayCommand(b []byte) (RelayCommandPayload, error) {
	if len(b) < 2 {
		return RelayCommandPayload{}, &ErrMalformed{Reason: "RelayCommand short"}
	}
	return RelayCommandPayload{Channel: b[0], Action: b[1]}, nil
}

// RelayAckPayload and RelayStatusPayload share the same channel:u8, state:u8 shape.
type RelayAckPayload struct {
	Channel uint8
	State   uint8
}

func (p RelayAckPayload) Encode() []byte { return []byte{p.Channel, p.State} }

func DecodeRelayAck(b []byte) (RelayAckPayload, error) {
	if len(b) < 2 {
		return RelayAckPayload{}, &ErrMalformed{Reason: "RelayAck short"}
	}
	return RelayAckPayload{Channel: b[0], State: b[1]}, nil
}

type RelayStatusPayload struct {
	Channel uint8
	State   uint8
}

func (p RelayStatusPayload) Encode() []byte { return []byte{p.Channel, p.State} }

func DecodeRelayStatus(b []byte) (RelayStatusPayload, error) {
	if len(b) < 2 {
		return RelayStatusPayload{}, &ErrMalformed{Reason: "RelayStatus short"}
	}
	return RelayStatusPayload{Channel: b[0], State: b[1]}, nil
}

// DiscoveryAckPayload — channel:u8.
type DiscoveryAckPayload struct {
	Channel uint8
}

func (p DiscoveryAckPayload) Encode() []byte { return []byte{p.Channel} }

func DecodeDiscoveryAck(b []byte) (DiscoveryAckPayload, error) {
	if len(b) < 1 {
		return DiscoveryAckPayload{}, &ErrMalformed{Reason: "DiscoveryAck short"}
	}
	return DiscoveryAckPayload{Channel: b[0]}, nil
}

// LedCommandPayload — action:u8, params:[<=12].
// The payload width bound (12 bytes) folds this and LedAck's 6-byte shape
// into a single encoder family, per the Design Notes' "two near-duplicate
// send functions differing only in max-param-length" collapse.
type LedCommandPayload struct {
	Action uint8
	Params []byte
}

const maxLedParams = 12

func (p LedCommandPayload) Encode() []byte {
	n := len(p.Params)
	if n > maxLedParams {
		n = maxLedParams
	}
	buf := make([]byte, 1+n)
	buf[0] = p.Action
	copy(buf[1:], p.Params[:n])
	return buf
}

func DecodeLedCommand(b []byte) (LedCommandPayload, error) {
	if len(b) < 1 {
		return LedCommandPayload{}, &ErrMalformed{Reason: "LedCommand short"}
	}
	params := b[1:]
	if len(params) > maxLedParams {
		params = params[:maxLedParams]
	}
	return LedCommandPayload{Action: b[0], Params: append([]byte(nil), params...)}, nil
}

// LedAckPayload — power:u8, r:u8, g:u8, b:u8, brightness:u8, effect:u8.
type LedAckPayload struct {
	Power      uint8
	R, G, B    uint8
	Brightness uint8
	Effect     uint8
}

func (p LedAckPayload) Encode() []byte {
	return []byte{p.Power, p.R, p.G, p.B, p.Brightness, p.Effect}
}

func DecodeLedAck(b []byte) (LedAckPayload, error) {
	if len(b) < 6 {
		return LedAckPayload{}, &ErrMalformed{Reason: "LedAck short"}
	}
	return LedAckPayload{Power: b[0], R: b[1], G: b[2], B: b[3], Brightness: b[4], Effect: b[5]}, nil
}

// ScanResponsePayload — mac:6, device_type:u8, fw_version:u32, commissioned:u8, rssi:i8.
type ScanResponsePayload struct {
	Mac          Mac
	DeviceType   uint8
	FwVersion    uint32
	Commissioned bool
	Rssi         int8
}

func (p ScanResponsePayload) Encode() []byte {
	buf := make([]byte, 6+1+4+1+1)
	copy(buf[0:6], p.Mac[:])
	buf[6] = p.DeviceType
	binary.LittleEndian.PutUint32(buf[7:11], p.FwVersion)
	if p.Commissioned {
		buf[11] = 1
	}
	buf[12] = byte(p.Rssi)
	return buf
}

func DecodeScanResponse(b []byte) (ScanResponsePayload, error) {
	if len(b) < 13 {
		return ScanResponsePayload{}, &ErrMalformed{Reason: "ScanResponse short"}
	}
	var p ScanResponsePayload
	copy(p.Mac[:], b[0:6])
	p.DeviceType = b[6]
	p.FwVersion = binary.LittleEndian.Uint32(b[7:11])
	p.Commissioned = b[11] != 0
	p.Rssi = int8(b[12])
	return p, nil
}

// CommissionPayload — target_mac:6, network_id:6, network_key:char[32], plant_id:char[32], node_name:char[32].
type CommissionPayload struct {
	TargetMac  Mac
	NetworkID  Mac
	NetworkKey string
	PlantID    string
	NodeName   string
}

func (p CommissionPayload) Encode() []byte {
	buf := make([]byte, 6+6+32+32+32)
	copy(buf[0:6], p.TargetMac[:])
	copy(buf[6:12], p.NetworkID[:])
	putFixedString(buf[12:44], p.NetworkKey)
	putFixedString(buf[44:76], p.PlantID)
	putFixedString(buf[76:108], p.NodeName)
	return buf
}

func DecodeCommission(b []byte) (CommissionPayload, error) {
	if len(b) < 108 {
		return CommissionPayload{}, &ErrMalformed{Reason: "Commission short"}
	}
	var p CommissionPayload
	copy(p.TargetMac[:], b[0:6])
	copy(p.NetworkID[:], b[6:12])
	p.NetworkKey = getFixedString(b[12:44])
	p.PlantID = getFixedString(b[44:76])
	p.NodeName = getFixedString(b[76:108])
	return p, nil
}

// CommissionAckPayload and DecommissionAckPayload share mac:6, status:u8.
type CommissionAckPayload struct {
	Mac    Mac
	Status uint8
}

func (p CommissionAckPayload) Encode() []byte {
	buf := make([]byte, 7)
	copy(buf[0:6], p.Mac[:])
	buf[6] = p.Status
	return buf
}

func DecodeCommissionAck(b []byte) (CommissionAckPayload, error) {
	if len(b) < 7 {
		return CommissionAckPayload{}, &ErrMalformed{Reason: "CommissionAck short"}
	}
	var p CommissionAckPayload
	copy(p.Mac[:], b[0:6])
	p.Status = b[6]
	return p, nil
}

// DecommissionPayload — target_mac:6.
type DecommissionPayload struct {
	TargetMac Mac
}

func (p DecommissionPayload) Encode() []byte {
	buf := make([]byte, 6)
	copy(buf, p.TargetMac[:])
	return buf
}

func DecodeDecommission(b []byte) (DecommissionPayload, error) {
	if len(b) < 6 {
		return DecommissionPayload{}, &ErrMalformed{Reason: "Decommission short"}
	}
	var p DecommissionPayload
	copy(p.TargetMac[:], b[0:6])
	return p, nil
}

type DecommissionAckPayload struct {
	Mac    Mac
	Status uint8
}

func (p DecommissionAckPayload) Encode() []byte {
	buf := make([]byte, 7)
	copy(buf[0:6], p.Mac[:])
	buf[6] = p.Status
	return buf
}

func DecodeDecommissionAck(b []byte) (DecommissionAckPayload, error) {
	if len(b) < 7 {
		return DecommissionAckPayload{}, &ErrMalformed{Reason: "DecommissionAck short"}
	}
	var p DecommissionAckPayload
	copy(p.Mac[:], b[0:6])
	p.Status = b[6]
	return p, nil
}

// PackVersion folds a major.minor.patch triple into the u24-in-u32 form used
// by NodeRecord.firmware_version and OtaComplete.new_version.
func PackVersion(major, minor, patch uint8) uint32 {
	return uint32(major)<<16 | uint32(minor)<<8 | uint32(patch)
}

// UnpackVersion reverses PackVersion.
func UnpackVersion(v uint32) (major, minor, patch uint8) {
	return uint8(v >> 16), uint8(v >> 8), uint8(v)
}
