package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"sync"
)

// MaxFrameSize bounds a single control frame. A length prefix beyond this
// is treated as protocol corruption rather than an allocation request.
const MaxFrameSize = 16 << 20

// Conn frames control messages over a reliable stream: a 4-byte big-endian
// length prefix followed by that many bytes of UTF-8 JSON. Writes are
// serialized so that fan-out broadcasts and the owning handler never
// interleave partial frames on the same connection.
type Conn struct {
	nc net.Conn

	wmu sync.Mutex
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// Send marshals the payload and writes one complete frame. The caller
// decides whether an error is fatal to the session.
func (c *Conn) Send(msgType string, payload any) error {
	msg, err := NewMessage(msgType, payload)
	if err != nil {
		return err
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s frame: %w", msgType, err)
	}

	frame := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	copy(frame[4:], body)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.nc.Write(frame); err != nil {
		return fmt.Errorf("send %s: %w", msgType, err)
	}
	return nil
}

// Receive blocks until a full frame is read or the connection closes.
// Short reads are recoverable while the peer stays open; closure, a hostile
// length prefix, or garbled JSON all surface as an error the handler treats
// as the start of teardown.
func (c *Conn) Receive() (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.nc, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[:])
	if length == 0 || length > MaxFrameSize {
		return nil, fmt.Errorf("invalid frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(c.nc, body); err != nil {
		return nil, err
	}

	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("garbled frame: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("frame missing type")
	}
	return &msg, nil
}

func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

func (c *Conn) LocalAddr() net.Addr { return c.nc.LocalAddr() }

func (c *Conn) Close() error { return c.nc.Close() }
