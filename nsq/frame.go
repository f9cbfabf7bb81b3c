package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Frame is the tagged union described in spec.md §3: a RESPONSE or ERROR
// carries a flat byte payload, a MESSAGE carries the decoded message
// fields. Exactly one of the payload fields is meaningful, selected by
// Type.
type Frame struct {
	Type int32

	// Response/Error payload.
	Data []byte

	// Message fields, valid when Type == FrameTypeMessage.
	Timestamp int64
	Attempts  uint16
	ID        [msgIDLength]byte
	Body      []byte
}

// IsHeartbeat reports whether this is the RESPONSE frame nsqd uses to keep
// a connection alive. Per spec.md §4.2.2, a heartbeat frame must never
// consume a pending command waiter.
func (f Frame) IsHeartbeat() bool {
	return f.Type == FrameTypeResponse && bytes.Equal(f.Data, heartbeatPayload)
}

// decodeFrame parses a single frame's payload (the bytes following the
// u32 size and u32 type prefix) according to spec.md §6. Field order and
// widths are bit-exact with davidpelaez-nsq-events's vendored
// go-nsq/message.go (DecodeMessage).
func decodeFrame(frameType int32, payload []byte) (Frame, error) {
	switch frameType {
	case FrameTypeResponse, FrameTypeError:
		return Frame{Type: frameType, Data: payload}, nil
	case FrameTypeMessage:
		if len(payload) < 8+2+msgIDLength {
			return Frame{}, fmt.Errorf("%w: short message payload (%d bytes)", ErrProtocol, len(payload))
		}
		buf := bytes.NewReader(payload)
		var ts int64
		var attempts uint16
		if err := binary.Read(buf, binary.BigEndian, &ts); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		if err := binary.Read(buf, binary.BigEndian, &attempts); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		var id [msgIDLength]byte
		if _, err := io.ReadFull(buf, id[:]); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		body := make([]byte, buf.Len())
		if _, err := io.ReadFull(buf, body); err != nil {
			return Frame{}, fmt.Errorf("%w: %v", ErrProtocol, err)
		}
		return Frame{
			Type:      frameType,
			Timestamp: ts,
			Attempts:  attempts,
			ID:        id,
			Body:      body,
		}, nil
	default:
		return Frame{}, fmt.Errorf("%w: unknown frame type %d", ErrProtocol, frameType)
	}
}
