package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

// newPipeConnection builds a Connection wired to one end of a net.Pipe,
// with its ingress loop already running, and returns the other end for the
// test to act as a fake nsqd. Connect() itself is not exercised here (it
// only adds a real TCP dial in front of the same handshake), so tests
// construct the Connection directly the way an in-package test can.
func newPipeConnection(t *testing.T, addr string, inbox chan *Message) (*Connection, net.Conn) {
	t.Helper()
	client, server := net.Pipe()

	c := &Connection{
		addr:      addr,
		parser:    newRawParser(),
		inbox:     inbox,
		logger:    nopLogger{},
		closedCh:  make(chan struct{}),
		createdAt: time.Now().UnixNano(),
	}
	c.rawConn = client
	c.transport = client
	c.startIngress()

	t.Cleanup(func() { c.Close() })
	return c, server
}

// drainServer discards everything written to conn until it errors (closes),
// standing in for an nsqd that accepts commands without replying.
func drainServer(conn net.Conn) {
	buf := make([]byte, 4096)
	for {
		if _, err := conn.Read(buf); err != nil {
			return
		}
	}
}

func TestConnection_HeartbeatAutoReply(t *testing.T) {
	inbox := make(chan *Message, 1)
	_, server := newPipeConnection(t, "heartbeat-test", inbox)
	defer server.Close()

	replyCh := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := server.Read(buf)
		replyCh <- buf[:n]
	}()

	if _, err := server.Write(encodeResponseFrame(heartbeatPayload)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	select {
	case got := <-replyCh:
		if string(got) != "NOP\n" {
			t.Fatalf("reply = %q, want %q", got, "NOP\n")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for NOP reply")
	}
}

func TestConnection_HeartbeatDoesNotConsumeWaiter(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "heartbeat-waiter-test", inbox)
	defer server.Close()
	go drainServer(server)

	fut := c.executeAsync(cmdIdentify, nil, []byte("{}"), nil)

	// A heartbeat arriving before the real reply must not resolve fut.
	if _, err := server.Write(encodeResponseFrame(heartbeatPayload)); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	select {
	case <-fut.ch:
		t.Fatal("heartbeat incorrectly resolved the pending waiter")
	case <-time.After(100 * time.Millisecond):
	}

	if _, err := server.Write(encodeResponseFrame(okPayload)); err != nil {
		t.Fatalf("write ok: %v", err)
	}

	data, err := fut.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(data) != "OK" {
		t.Fatalf("data = %q, want OK", data)
	}
}

func TestConnection_Identify_PlainOK(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "identify-test", inbox)
	defer server.Close()

	serverErr := make(chan error, 1)
	go func() {
		hdr := make([]byte, len("IDENTIFY\n"))
		if _, err := io.ReadFull(server, hdr); err != nil {
			serverErr <- err
			return
		}
		if string(hdr) != "IDENTIFY\n" {
			serverErr <- fmt.Errorf("header = %q", hdr)
			return
		}
		lenBuf := make([]byte, 4)
		if _, err := io.ReadFull(server, lenBuf); err != nil {
			serverErr <- err
			return
		}
		bodyLen := binary.BigEndian.Uint32(lenBuf)
		body := make([]byte, bodyLen)
		if _, err := io.ReadFull(server, body); err != nil {
			serverErr <- err
			return
		}
		if _, err := server.Write(encodeResponseFrame(okPayload)); err != nil {
			serverErr <- err
			return
		}
		serverErr <- nil
	}()

	resp, err := c.Identify(NewConfig())
	if err != nil {
		t.Fatalf("identify: %v", err)
	}
	if resp != "OK" {
		t.Fatalf("resp = %q, want OK", resp)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestConnection_CommandErrorResolvesWaiterWithoutClosing(t *testing.T) {
	inbox := make(chan *Message, 1)
	c, server := newPipeConnection(t, "command-error-test", inbox)
	defer server.Close()
	go drainServer(server)

	fut := c.executeAsync(cmdIdentify, nil, []byte("{}"), nil)

	errPayload := []byte("E_BAD_BODY")
	var full []byte
	sizeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(sizeBuf, uint32(4+len(errPayload)))
	typeBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(typeBuf, uint32(FrameTypeError))
	full = append(full, sizeBuf...)
	full = append(full, typeBuf...)
	full = append(full, errPayload...)

	if _, err := server.Write(full); err != nil {
		t.Fatalf("write error frame: %v", err)
	}

	data, err := fut.Wait()
	if err == nil {
		t.Fatal("expected a CommandError")
	}
	if string(data) != "E_BAD_BODY" {
		t.Fatalf("data = %q", data)
	}
	if c.Closed() {
		t.Fatal("a command error must not close the connection")
	}
}
