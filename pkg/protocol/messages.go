// Package protocol defines the frames network regions exchange over libp2p
// streams.
package protocol

import (
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// ProtocolID is the libp2p protocol identifier.
const ProtocolID = "/zerocopy/segment/1.0.0"

// MaxPayload bounds a single frame so a corrupt length cannot force a huge
// allocation.
const MaxPayload = 16 << 20

var (
	ErrShortHeader     = errors.New("buffer too small for header")
	ErrPayloadTooLarge = errors.New("frame payload too large")
)

// MessageType defines frame types.
type MessageType uint8

const (
	MsgOpen       MessageType = 1 // Ask the peer to allocate a receiving region
	MsgOpenAck    MessageType = 2 // Region allocated or refused
	MsgSegment    MessageType = 3 // Bytes for the peer's region
	MsgSegmentAck MessageType = 4 // Cumulative receipt
	MsgClose      MessageType = 5 // No more segments
	MsgPing       MessageType = 6 // Health check
	MsgPong       MessageType = 7 // Health response
)

func (t MessageType) String() string {
	switch t {
	case MsgOpen:
		return "open"
	case MsgOpenAck:
		return "open-ack"
	case MsgSegment:
		return "segment"
	case MsgSegmentAck:
		return "segment-ack"
	case MsgClose:
		return "close"
	case MsgPing:
		return "ping"
	case MsgPong:
		return "pong"
	}
	return "unknown"
}

// Header is the common message header.
type Header struct {
	Type      MessageType
	RequestID uint64
	Timestamp int64 // Unix nano
}

// HeaderSize is the size of serialized header.
const HeaderSize = 1 + 8 + 8 // type + request_id + timestamp

// SerializeHeader writes header to buffer.
func SerializeHeader(h Header) []byte {
	buf := make([]byte, HeaderSize)
	buf[0] = byte(h.Type)
	binary.BigEndian.PutUint64(buf[1:9], h.RequestID)
	binary.BigEndian.PutUint64(buf[9:17], uint64(h.Timestamp))
	return buf
}

// DeserializeHeader reads header from buffer.
func DeserializeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		Type:      MessageType(buf[0]),
		RequestID: binary.BigEndian.Uint64(buf[1:9]),
		Timestamp: int64(binary.BigEndian.Uint64(buf[9:17])),
	}, nil
}

// OpenRequest asks the peer for a receiving region of Size bytes.
type OpenRequest struct {
	Size uint64 `msgpack:"size"`
	Kind string `msgpack:"kind"`
}

// OpenResponse answers an OpenRequest. RegionID is the peer's registry
// identity for the region.
type OpenResponse struct {
	Accepted bool   `msgpack:"accepted"`
	RegionID uint32 `msgpack:"region"`
	Error    string `msgpack:"error,omitempty"`
}

// Segment carries bytes for the peer's region.
type Segment struct {
	Seq  uint64 `msgpack:"seq"`
	Data []byte `msgpack:"data"`
}

// SegmentAck reports how much the receiver has deposited so far.
type SegmentAck struct {
	Seq   uint64 `msgpack:"seq"`
	Bytes uint64 `msgpack:"bytes"`
}

// CloseNotification ends a segment stream.
type CloseNotification struct {
	LastSeq uint64 `msgpack:"last_seq"`
}

// PingRequest is a health check.
type PingRequest struct {
	SentAt int64 `msgpack:"sent_at"`
}

// PongResponse is the ping reply.
type PongResponse struct {
	SentAt     int64 `msgpack:"sent_at"`     // Echo back
	ReceivedAt int64 `msgpack:"received_at"` // When received
	Stats      Stats `msgpack:"stats"`
}

// Stats is the wire form of a node's region counters.
type Stats struct {
	Regions       int64  `msgpack:"regions"`
	BytesReceived uint64 `msgpack:"bytes_received"`
	BytesSent     uint64 `msgpack:"bytes_sent"`
}

// WriteMessage writes a message to a writer.
func WriteMessage(w io.Writer, msgType MessageType, reqID uint64, payload any) error {
	header := Header{
		Type:      msgType,
		RequestID: reqID,
		Timestamp: time.Now().UnixNano(),
	}

	data, err := msgpack.Marshal(payload)
	if err != nil {
		return err
	}
	if len(data) > MaxPayload {
		return ErrPayloadTooLarge
	}

	// Header, payload length and payload go out in one write so frames from
	// concurrent writers on a locked stream never interleave.
	frame := make([]byte, 0, HeaderSize+4+len(data))
	frame = append(frame, SerializeHeader(header)...)
	frame = binary.BigEndian.AppendUint32(frame, uint32(len(data)))
	frame = append(frame, data...)
	_, err = w.Write(frame)
	return err
}

// ReadMessage reads a message from a reader.
func ReadMessage(r io.Reader) (Header, []byte, error) {
	// Read header
	headerBuf := make([]byte, HeaderSize+4)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return Header{}, nil, err
	}

	header, err := DeserializeHeader(headerBuf)
	if err != nil {
		return Header{}, nil, err
	}

	payloadLen := binary.BigEndian.Uint32(headerBuf[HeaderSize:])
	if payloadLen > MaxPayload {
		return Header{}, nil, ErrPayloadTooLarge
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Header{}, nil, err
	}

	return header, payload, nil
}

// DecodePayload unmarshals payload into target.
func DecodePayload(data []byte, target any) error {
	return msgpack.Unmarshal(data, target)
}
