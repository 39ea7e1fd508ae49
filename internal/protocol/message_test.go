package protocol

import "testing"

func TestMessageEncodeDecodeRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		msgType uint8
		seq     uint8
		payload []byte
	}{
		{"empty heartbeat", TypeHeartbeat, 0, nil},
		{"heartbeat ack", TypeHeartbeatAck, 7, HeartbeatAckPayload{DeviceType: 0x01, Version: "1.1.2"}.Encode()},
		{"relay command", TypeRelayCommand, 1, RelayCommandPayload{Channel: 1, Action: RelayActionOn}.Encode()},
		{"max payload", TypeOtaData, 3, make([]byte, MaxPayload)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := NewMessage(tt.msgType, tt.seq, tt.payload)
			if err != nil {
				t.Fatalf("NewMessage: %v", err)
			}

			encoded := msg.Encode()
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}

			if decoded.Header.Magic != Magic {
				t.Errorf("magic mismatch: got %#x, want %#x", decoded.Header.Magic, Magic)
			}
			if decoded.Header.MsgType != tt.msgType {
				t.Errorf("msg_type mismatch: got %d, want %d", decoded.Header.MsgType, tt.msgType)
			}
			if decoded.Header.Seq != tt.seq {
				t.Errorf("seq mismatch: got %d, want %d", decoded.Header.Seq, tt.seq)
			}
			if int(decoded.Header.PayloadLen) != len(tt.payload) {
				t.Errorf("payload_len mismatch: got %d, want %d", decoded.Header.PayloadLen, len(tt.payload))
			}
			if len(decoded.Payload) != len(tt.payload) {
				t.Fatalf("payload length mismatch: got %d, want %d", len(decoded.Payload), len(tt.payload))
			}
			for i := range tt.payload {
				if decoded.Payload[i] != tt.payload[i] {
					t.Errorf("payload[%d] mismatch: got %d, want %d", i, decoded.Payload[i], tt.payload[i])
				}
			}
		})
	}
}

func TestNewMessageRejectsOversizePayload(t *testing.T) {
	_, err := NewMessage(TypeOtaData, 0, make([]byte, MaxPayload+1))
	if err == nil {
		t.Fatal("expected error for oversize payload, got nil")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Magic: 0xFFFF, MsgType: TypeHeartbeat, Seq: 0, PayloadLen: 0}
	h.Encode(buf)

	if _, err := Decode(buf); err == nil {
		t.Fatal("expected malformed error for bad magic, got nil")
	}
}

func TestDecodeRejectsOversizePayloadLen(t *testing.T) {
	buf := make([]byte, HeaderSize)
	h := Header{Magic: Magic, MsgType: TypeHeartbeat, Seq: 0, PayloadLen: MaxPayload + 1}
	h.Encode(buf)

	if _, err := Decode(buf); err == nil {
		t.Fatal("expected malformed error for oversize payload_len, got nil")
	}
}

func TestDecodeRejectsTruncatedPayload(t *testing.T) {
	msg, err := NewMessage(TypeOtaData, 0, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	encoded := msg.Encode()

	if _, err := Decode(encoded[:len(encoded)-1]); err == nil {
		t.Fatal("expected malformed error for truncated payload, got nil")
	}
}

func TestOtaBeginPayloadEncodeDecode(t *testing.T) {
	p := OtaBeginPayload{
		TargetMac:   Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01},
		TotalSize:   360,
		ChunkSize:   180,
		TotalChunks: 2,
		Crc32:       0x12345678,
	}
	decoded, err := DecodeOtaBegin(p.Encode())
	if err != nil {
		t.Fatalf("DecodeOtaBegin: %v", err)
	}
	if decoded.TargetMac != p.TargetMac {
		t.Errorf("TargetMac mismatch: got %v, want %v", decoded.TargetMac, p.TargetMac)
	}
	if decoded.TotalSize != p.TotalSize {
		t.Errorf("TotalSize mismatch: got %d, want %d", decoded.TotalSize, p.TotalSize)
	}
	if decoded.ChunkSize != p.ChunkSize {
		t.Errorf("ChunkSize mismatch: got %d, want %d", decoded.ChunkSize, p.ChunkSize)
	}
	if decoded.TotalChunks != p.TotalChunks {
		t.Errorf("TotalChunks mismatch: got %d, want %d", decoded.TotalChunks, p.TotalChunks)
	}
	if decoded.Crc32 != p.Crc32 {
		t.Errorf("Crc32 mismatch: got %#x, want %#x", decoded.Crc32, p.Crc32)
	}
}

func TestMacString(t *testing.T) {
	m := Mac{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0x01}
	want := "AA:BB:CC:DD:EE:01"
	if got := m.String(); got != want {
		t.Errorf("Mac.String() = %q, want %q", got, want)
	}
}

func TestPackUnpackVersion(t *testing.T) {
	v := PackVersion(1, 1, 2)
	if v != 0x010102 {
		t.Errorf("PackVersion = %#x, want %#x", v, 0x010102)
	}
	major, minor, patch := UnpackVersion(v)
	if major != 1 || minor != 1 || patch != 2 {
		t.Errorf("UnpackVersion = %d.%d.%d, want 1.1.2", major, minor, patch)
	}
}

func TestFixedStringSanitizesNonPrintable(t *testing.T) {
	buf := make([]byte, 8)
	putFixedString(buf, "abc")
	buf[3] = 0x01 // inject a non-printable byte past the intended terminator
	got := getFixedString(buf)
	if got != "abc" {
		t.Errorf("getFixedString = %q, want %q", got, "abc")
	}
}
