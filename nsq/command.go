package nsq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strconv"
)

// Command is an outbound wire command: `CMD[ arg]*\n`, optionally followed
// by a u32 body length and body (spec.md §4.1/§6).
type Command struct {
	name []byte
	args [][]byte
	body []byte
}

// newCommand builds a Command from a name and string args. Integer
// arguments are encoded by the callers (Requeue, Ready) as decimal ASCII,
// the way nsqd expects.
func newCommand(name []byte, args ...string) *Command {
	c := &Command{name: name}
	for _, a := range args {
		c.args = append(c.args, []byte(a))
	}
	return c
}

func (c *Command) withBody(body []byte) *Command {
	c.body = body
	return c
}

// WriteTo serializes the command into buf, following spec.md §4.1's
// command encoding and bitly/go-nsq's Command.Write shape (newline
// terminated header line, then an optional u32-prefixed body).
func (c *Command) WriteTo(buf *bytes.Buffer) error {
	buf.Write(c.name)
	for _, a := range c.args {
		buf.WriteByte(' ')
		buf.Write(a)
	}
	buf.WriteByte('\n')
	if c.body != nil {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(c.body)))
		buf.Write(lenBuf[:])
		buf.Write(c.body)
	}
	return nil
}

// Bytes renders the full wire representation of the command.
func (c *Command) Bytes() []byte {
	var buf bytes.Buffer
	_ = c.WriteTo(&buf)
	return buf.Bytes()
}

// Nop returns the keepalive command sent in reply to a heartbeat.
func Nop() *Command { return newCommand(cmdNop) }

// Finish returns the FIN command for the given message ID.
func Finish(id string) *Command { return newCommand(cmdFin, id) }

// Requeue returns the REQ command; timeoutMs==0 means "requeue
// immediately, no deferral" per spec.md §4.3.
func Requeue(id string, timeoutMs int) *Command {
	return newCommand(cmdReq, id, strconv.Itoa(timeoutMs))
}

// Touch returns the TOUCH command, extending a message's processing
// deadline without marking it processed.
func Touch(id string) *Command { return newCommand(cmdTouch, id) }

// Ready returns the RDY command declaring how many un-acked messages the
// broker may send on this connection.
func Ready(count int) *Command { return newCommand(cmdRdy, strconv.Itoa(count)) }

// Subscribe returns the SUB command establishing a topic/channel.
func Subscribe(topic, channel string) *Command { return newCommand(cmdSub, topic, channel) }

// Close returns the CLS command, beginning a graceful close.
func Close() *Command { return newCommand(cmdCls) }

// IdentifyCmd returns the IDENTIFY command carrying the JSON-encoded
// capability negotiation body (spec.md §4.2.3/§6).
func IdentifyCmd(body []byte) *Command {
	return newCommand(cmdIdentify).withBody(body)
}

func (c *Command) String() string {
	return fmt.Sprintf("%s", c.name)
}
