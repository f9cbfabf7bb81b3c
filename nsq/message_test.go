package nsq

import (
	"errors"
	"testing"
	"time"
)

func testMessage(t *testing.T, conn *Connection) *Message {
	t.Helper()
	var id [msgIDLength]byte
	copy(id[:], "0123456789abcdef")
	return newMessage(conn, Frame{
		Type:      FrameTypeMessage,
		Timestamp: 1,
		Attempts:  1,
		ID:        id,
		Body:      []byte("hello"),
	})
}

func TestMessage_FinIsIdempotent(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "fin-idempotent", inbox)
	defer server.Close()
	go drainServer(server)

	msg := testMessage(t, c)
	if err := msg.Fin(); err != nil {
		t.Fatalf("first fin: %v", err)
	}
	if !msg.Processed() {
		t.Fatal("expected Processed() == true after Fin")
	}

	err := msg.Fin()
	var dae *DoubleAckError
	if !errors.As(err, &dae) {
		t.Fatalf("second fin error = %v, want *DoubleAckError", err)
	}
	if dae.Op != "fin" {
		t.Fatalf("dae.Op = %q, want fin", dae.Op)
	}
}

func TestMessage_ReqIsIdempotent(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "req-idempotent", inbox)
	defer server.Close()
	go drainServer(server)

	msg := testMessage(t, c)
	if err := msg.Req(0); err != nil {
		t.Fatalf("first req: %v", err)
	}

	var dae *DoubleAckError
	if err := msg.Fin(); !errors.As(err, &dae) {
		t.Fatalf("fin after req should double-ack, got %v", err)
	}
}

func TestMessage_TouchAfterProcessedFails(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "touch-after-processed", inbox)
	defer server.Close()
	go drainServer(server)

	msg := testMessage(t, c)
	if err := msg.Fin(); err != nil {
		t.Fatalf("fin: %v", err)
	}

	var dae *DoubleAckError
	if err := msg.Touch(); !errors.As(err, &dae) {
		t.Fatalf("touch after fin should double-ack, got %v", err)
	}
}

// TestMessage_FinWritesRawIDOnWire guards against re-encoding the 16-byte
// wire id (it is already ASCII, spec.md §3) before splicing it into FIN.
func TestMessage_FinWritesRawIDOnWire(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "fin-wire-id", inbox)
	defer server.Close()

	written := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		written <- string(buf[:n])
	}()

	msg := testMessage(t, c)
	if err := msg.Fin(); err != nil {
		t.Fatalf("fin: %v", err)
	}

	select {
	case line := <-written:
		if want := "FIN 0123456789abcdef\n"; line != want {
			t.Fatalf("wire = %q, want %q", line, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for FIN on the wire")
	}
}

func TestMessage_TouchBeforeProcessedSucceeds(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "touch-before-processed", inbox)
	defer server.Close()
	go drainServer(server)

	msg := testMessage(t, c)
	if err := msg.Touch(); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if msg.Processed() {
		t.Fatal("touch must not mark a message processed")
	}
}
