package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
	"time"
)

func TestHeader_Serialization(t *testing.T) {
	header := Header{
		Type:      MsgSegment,
		RequestID: 12345,
		Timestamp: time.Now().UnixNano(),
	}

	buf := SerializeHeader(header)
	if len(buf) != HeaderSize {
		t.Errorf("Expected buffer size %d, got %d", HeaderSize, len(buf))
	}

	decoded, err := DeserializeHeader(buf)
	if err != nil {
		t.Fatalf("DeserializeHeader failed: %v", err)
	}

	if decoded != header {
		t.Errorf("Header mismatch: %+v vs %+v", decoded, header)
	}
}

func TestHeader_DeserializeTooSmall(t *testing.T) {
	buf := make([]byte, HeaderSize-1)
	if _, err := DeserializeHeader(buf); !errors.Is(err, ErrShortHeader) {
		t.Errorf("Expected ErrShortHeader, got %v", err)
	}
}

func TestWriteReadMessage_Open(t *testing.T) {
	var buf bytes.Buffer

	req := OpenRequest{Size: 1 << 20, Kind: "net-stream"}
	if err := WriteMessage(&buf, MsgOpen, 42, req); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if header.Type != MsgOpen {
		t.Errorf("Expected MsgOpen, got %s", header.Type)
	}
	if header.RequestID != 42 {
		t.Errorf("Expected RequestID 42, got %d", header.RequestID)
	}

	var decoded OpenRequest
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if decoded != req {
		t.Errorf("OpenRequest mismatch: %+v", decoded)
	}
}

func TestWriteReadMessage_Segments(t *testing.T) {
	var buf bytes.Buffer

	for seq := uint64(1); seq <= 3; seq++ {
		seg := Segment{Seq: seq, Data: bytes.Repeat([]byte{byte(seq)}, int(seq)*100)}
		if err := WriteMessage(&buf, MsgSegment, seq, seg); err != nil {
			t.Fatalf("WriteMessage failed: %v", err)
		}
	}
	if err := WriteMessage(&buf, MsgClose, 4, CloseNotification{LastSeq: 3}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	for seq := uint64(1); seq <= 3; seq++ {
		header, payload, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		if header.Type != MsgSegment {
			t.Fatalf("Expected MsgSegment, got %s", header.Type)
		}
		var seg Segment
		if err := DecodePayload(payload, &seg); err != nil {
			t.Fatalf("DecodePayload failed: %v", err)
		}
		if seg.Seq != seq || len(seg.Data) != int(seq)*100 || seg.Data[0] != byte(seq) {
			t.Errorf("Segment %d mismatch: seq %d, %d bytes", seq, seg.Seq, len(seg.Data))
		}
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var cl CloseNotification
	if header.Type != MsgClose || DecodePayload(payload, &cl) != nil || cl.LastSeq != 3 {
		t.Errorf("Close mismatch: %s %+v", header.Type, cl)
	}

	if _, _, err := ReadMessage(&buf); err != io.EOF {
		t.Errorf("Expected io.EOF after last frame, got %v", err)
	}
}

func TestWriteReadMessage_PingPong(t *testing.T) {
	var buf bytes.Buffer

	pong := PongResponse{
		SentAt:     time.Now().UnixNano(),
		ReceivedAt: time.Now().UnixNano(),
		Stats:      Stats{Regions: 3, BytesReceived: 4096, BytesSent: 1024},
	}
	if err := WriteMessage(&buf, MsgPong, 1, pong); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	header, payload, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if header.Type != MsgPong {
		t.Errorf("Expected MsgPong, got %s", header.Type)
	}

	var decoded PongResponse
	if err := DecodePayload(payload, &decoded); err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	if decoded != pong {
		t.Errorf("PongResponse mismatch: %+v", decoded)
	}
}

func TestReadMessage_Truncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteMessage(&buf, MsgSegment, 1, Segment{Data: make([]byte, 64)}); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	frame := buf.Bytes()

	if _, _, err := ReadMessage(bytes.NewReader(frame[:len(frame)-1])); err != io.ErrUnexpectedEOF {
		t.Errorf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReadMessage_PayloadTooLarge(t *testing.T) {
	frame := SerializeHeader(Header{Type: MsgSegment})
	frame = binary.BigEndian.AppendUint32(frame, MaxPayload+1)

	if _, _, err := ReadMessage(bytes.NewReader(frame)); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestMessageTypeNames(t *testing.T) {
	types := []MessageType{
		MsgOpen,
		MsgOpenAck,
		MsgSegment,
		MsgSegmentAck,
		MsgClose,
		MsgPing,
		MsgPong,
	}

	seen := map[string]bool{}
	for _, mt := range types {
		name := mt.String()
		if name == "unknown" || seen[name] {
			t.Errorf("Message type %d has bad name %q", mt, name)
		}
		seen[name] = true
	}
	if MessageType(0).String() != "unknown" {
		t.Error("Expected zero message type to be unknown")
	}
}
