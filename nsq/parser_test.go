package nsq

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func encodeResponseFrame(payload []byte) []byte {
	var buf bytes.Buffer
	size := uint32(4 + len(payload))
	binary.Write(&buf, binary.BigEndian, size)
	binary.Write(&buf, binary.BigEndian, FrameTypeResponse)
	buf.Write(payload)
	return buf.Bytes()
}

func encodeMessageFrame(ts int64, attempts uint16, id [msgIDLength]byte, body []byte) []byte {
	var payload bytes.Buffer
	binary.Write(&payload, binary.BigEndian, ts)
	binary.Write(&payload, binary.BigEndian, attempts)
	payload.Write(id[:])
	payload.Write(body)

	var buf bytes.Buffer
	size := uint32(4 + payload.Len())
	binary.Write(&buf, binary.BigEndian, size)
	binary.Write(&buf, binary.BigEndian, FrameTypeMessage)
	buf.Write(payload.Bytes())
	return buf.Bytes()
}

// TestRawParser_PartialFeed verifies that feeding a frame split arbitrarily
// across multiple Feed calls yields the exact same frame as one Feed call
// with the whole buffer (spec.md §4.1, testable property 5).
func TestRawParser_PartialFeed(t *testing.T) {
	wire := encodeResponseFrame([]byte("OK"))

	whole := newRawParser()
	whole.Feed(wire)
	wantFrame, ok, err := whole.Next()
	if err != nil || !ok {
		t.Fatalf("whole feed: ok=%v err=%v", ok, err)
	}

	for split := 0; split <= len(wire); split++ {
		p := newRawParser()
		p.Feed(wire[:split])
		gotFrame, ok, err := p.Next()
		if split < len(wire) {
			if ok || err != nil {
				t.Fatalf("split=%d: expected no frame yet, got ok=%v err=%v", split, ok, err)
			}
			p.Feed(wire[split:])
			gotFrame, ok, err = p.Next()
		}
		if err != nil {
			t.Fatalf("split=%d: unexpected error %v", split, err)
		}
		if !ok {
			t.Fatalf("split=%d: expected a complete frame", split)
		}
		if diff := cmp.Diff(wantFrame, gotFrame); diff != "" {
			t.Errorf("split=%d: frame mismatch (-want +got):\n%s", split, diff)
		}
	}
}

func TestRawParser_MultipleFramesInOneFeed(t *testing.T) {
	wire := append(encodeResponseFrame([]byte("OK")), encodeResponseFrame([]byte("TWO"))...)
	p := newRawParser()
	p.Feed(wire)

	f1, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("first frame: ok=%v err=%v", ok, err)
	}
	if string(f1.Data) != "OK" {
		t.Fatalf("first frame data = %q, want OK", f1.Data)
	}

	f2, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("second frame: ok=%v err=%v", ok, err)
	}
	if string(f2.Data) != "TWO" {
		t.Fatalf("second frame data = %q, want TWO", f2.Data)
	}

	if _, ok, err := p.Next(); ok || err != nil {
		t.Fatalf("expected no third frame, got ok=%v err=%v", ok, err)
	}
}

func TestRawParser_MessageFrame(t *testing.T) {
	var id [msgIDLength]byte
	copy(id[:], "0123456789abcdef")
	wire := encodeMessageFrame(1234, 3, id, []byte("payload"))

	p := newRawParser()
	p.Feed(wire)
	f, ok, err := p.Next()
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if f.Type != FrameTypeMessage || f.Timestamp != 1234 || f.Attempts != 3 || f.ID != id || string(f.Body) != "payload" {
		t.Fatalf("decoded frame mismatch: %+v", f)
	}
}

func TestRawParser_ShortSizeIsProtocolError(t *testing.T) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, uint32(2)) // size < 4, invalid
	binary.Write(&buf, binary.BigEndian, FrameTypeResponse)

	p := newRawParser()
	p.Feed(buf.Bytes())
	if _, _, err := p.Next(); err == nil {
		t.Fatal("expected a protocol error for size < 4")
	}
}

func TestFrame_IsHeartbeat(t *testing.T) {
	hb, _, err := func() (Frame, bool, error) {
		p := newRawParser()
		p.Feed(encodeResponseFrame(heartbeatPayload))
		return p.Next()
	}()
	if err != nil {
		t.Fatal(err)
	}
	if !hb.IsHeartbeat() {
		t.Fatal("expected heartbeat frame to report IsHeartbeat() == true")
	}

	okFrame, _, err := func() (Frame, bool, error) {
		p := newRawParser()
		p.Feed(encodeResponseFrame(okPayload))
		return p.Next()
	}()
	if err != nil {
		t.Fatal(err)
	}
	if okFrame.IsHeartbeat() {
		t.Fatal("plain OK response must not report as a heartbeat")
	}
}
