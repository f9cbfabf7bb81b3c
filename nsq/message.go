package nsq

import (
	"strconv"
	"sync/atomic"
	"time"
)

// Message is the handle returned to application code for each delivered
// MESSAGE frame (spec.md §3/§4.3). It holds a non-owning reference to its
// Connection (spec.md §9 "Back-reference from Message to Connection") so
// the Connection owns no Messages after enqueue.
type Message struct {
	Timestamp int64
	Attempts  uint16
	ID        string
	Body      []byte

	conn *Connection

	// processed is 0 (false) or 1 (true), set via atomic.CompareAndSwap so
	// a concurrent double-ack is detected rather than raced (spec.md §9's
	// resolution of the source's check-after-dispatch bug).
	processed int32
}

func newMessage(conn *Connection, f Frame) *Message {
	return &Message{
		Timestamp: f.Timestamp,
		Attempts:  f.Attempts,
		ID:        string(f.ID[:]),
		Body:      f.Body,
		conn:      conn,
	}
}

// Processed reports whether the message has already been finished or
// requeued.
func (m *Message) Processed() bool {
	return atomic.LoadInt32(&m.processed) == 1
}

// markProcessed performs the check-then-set required by fin/req, returning
// false (without mutating anything) if the message was already processed.
func (m *Message) markProcessed() bool {
	return atomic.CompareAndSwapInt32(&m.processed, 0, 1)
}

// Fin finishes a message, indicating successful processing. It is
// idempotent-safe to call once; a second call returns a *DoubleAckError
// and performs no network I/O (spec.md §4.3, testable property 4).
func (m *Message) Fin() error {
	if !m.markProcessed() {
		return &DoubleAckError{MessageID: m.ID, Op: "fin"}
	}
	_, err := m.conn.execute(cmdFin, m.ID)
	return err
}

// Req re-queues a message, indicating failure to process. timeout==0 means
// requeue immediately with no deferral (spec.md §4.3).
func (m *Message) Req(timeout time.Duration) error {
	if !m.markProcessed() {
		return &DoubleAckError{MessageID: m.ID, Op: "req"}
	}
	_, err := m.conn.execute(cmdReq, m.ID, timeoutArg(timeout))
	return err
}

// Touch resets a message's in-flight timeout without marking it processed.
func (m *Message) Touch() error {
	if m.Processed() {
		return &DoubleAckError{MessageID: m.ID, Op: "touch"}
	}
	_, err := m.conn.execute(cmdTouch, m.ID)
	return err
}

func timeoutArg(d time.Duration) string {
	return strconv.FormatInt(int64(d/time.Millisecond), 10)
}
