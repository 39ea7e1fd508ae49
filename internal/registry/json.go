package registry

import "encoding/json"

// JSONRecord is the stable snapshot shape §4.3 requires: every record
// contributes an object with keys mac, rssi, messages, online, version,
// device_type, relays|led, lastSeen.
type JSONRecord struct {
	Mac        string    `json:"mac"`
	Rssi       int8      `json:"rssi"`
	Messages   uint64    `json:"messages"`
	Online     bool      `json:"online"`
	Version    string    `json:"version"`
	DeviceType string    `json:"device_type"`
	Relays     *[2]bool  `json:"relays,omitempty"`
	Led        *LedState `json:"led,omitempty"`
	LastSeen   uint64    `json:"lastSeen"`
}

func deviceTypeName(dt DeviceType) string {
	switch dt {
	case DeviceRelay:
		return "relay"
	case DeviceLedStrip:
		return "led_strip"
	case DeviceSensor:
		return "sensor"
	default:
		return "unknown"
	}
}

func versionString(v uint32) string {
	major, minor, patch := v>>16&0xFF, v>>8&0xFF, v&0xFF
	return itoa(major) + "." + itoa(minor) + "." + itoa(patch)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var digits [10]byte
	i := len(digits)
	for v > 0 {
		i--
		digits[i] = byte('0' + v%10)
		v /= 10
	}
	return string(digits[i:])
}

// ToJSONRecord converts a NodeRecord to its stable wire shape.
func (r NodeRecord) ToJSONRecord() JSONRecord {
	jr := JSONRecord{
		Mac:        r.Mac.String(),
		Rssi:       r.Rssi,
		Messages:   r.MessagesReceived,
		Online:     r.Online,
		Version:    versionString(r.FirmwareVersion),
		DeviceType: deviceTypeName(r.DeviceType),
		LastSeen:   r.LastSeenMs,
	}
	if r.DeviceType == DeviceLedStrip {
		led := r.Led
		jr.Led = &led
	} else {
		relays := r.RelayStates
		jr.Relays = &relays
	}
	return jr
}

// RenderJSON serializes a full registry snapshot to the stable wire shape.
// GET /api/nodes and the omniapi/gateway/nodes publish do not call it: they
// marshal Snapshot()'s NodeRecord values directly, keyed by Go field names.
func RenderJSON(records []NodeRecord) ([]byte, error) {
	out := make([]JSONRecord, len(records))
	for i, r := range records {
		out[i] = r.ToJSONRecord()
	}
	return json.Marshal(out)
}
