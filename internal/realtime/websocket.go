package realtime

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	wsGUID         = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
	wsMaxFrameSize = 1 << 20

	opText  = 0x1
	opClose = 0x8
	opPing  = 0x9
	opPong  = 0xA
)

// envelope is the realtime wire format: one JSON object per text frame.
type envelope struct {
	Event string                 `json:"event"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// WSConn is a hijacked server-side websocket implementing Conn. Writes are
// serialized by a mutex; reads happen on the single ReadLoop goroutine.
type WSConn struct {
	id   string
	conn net.Conn
	buf  *bufio.ReadWriter

	writeMu sync.Mutex
	closed  bool
}

// IsUpgradeRequest reports whether the request asks for a websocket upgrade.
func IsUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// Upgrade hijacks the HTTP connection and completes the websocket
// handshake.
func Upgrade(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	if !IsUpgradeRequest(r) {
		http.Error(w, "websocket upgrade required", http.StatusBadRequest)
		return nil, errors.New("not an upgrade request")
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return nil, errors.New("missing websocket key")
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket not supported", http.StatusInternalServerError)
		return nil, errors.New("response writer cannot hijack")
	}
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("hijack failed: %w", err)
	}

	sum := sha1.Sum([]byte(key + wsGUID))
	accept := base64.StdEncoding.EncodeToString(sum[:])

	buf.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	buf.WriteString("Upgrade: websocket\r\n")
	buf.WriteString("Connection: Upgrade\r\n")
	buf.WriteString("Sec-WebSocket-Accept: " + accept + "\r\n\r\n")
	if err := buf.Flush(); err != nil {
		conn.Close()
		return nil, err
	}

	return &WSConn{
		id:   uuid.NewString(),
		conn: conn,
		buf:  buf,
	}, nil
}

// ID returns the connection id.
func (c *WSConn) ID() string { return c.id }

// Emit sends one event as a text frame.
func (c *WSConn) Emit(event string, payload interface{}) error {
	body, err := json.Marshal(struct {
		Event string      `json:"event"`
		Data  interface{} `json:"data,omitempty"`
	}{Event: event, Data: payload})
	if err != nil {
		return err
	}
	return c.writeFrame(opText, body)
}

// Close sends a close frame and tears the socket down.
func (c *WSConn) Close() error {
	c.writeFrame(opClose, nil)
	c.writeMu.Lock()
	c.closed = true
	c.writeMu.Unlock()
	return c.conn.Close()
}

// ReadLoop reads frames until the peer closes, dispatching decoded events.
// It answers pings and ignores malformed envelopes.
func (c *WSConn) ReadLoop(dispatch func(event string, payload map[string]interface{})) {
	for {
		op, data, err := c.readFrame()
		if err != nil {
			return
		}
		switch op {
		case opClose:
			c.writeFrame(opClose, nil)
			c.conn.Close()
			return
		case opPing:
			c.writeFrame(opPong, data)
		case opText:
			var env envelope
			if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
				continue
			}
			dispatch(env.Event, env.Data)
		}
	}
}

func (c *WSConn) writeFrame(op byte, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed {
		return net.ErrClosed
	}

	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

	header := []byte{0x80 | op}
	n := len(payload)
	switch {
	case n < 126:
		header = append(header, byte(n))
	case n < 1<<16:
		header = append(header, 126, byte(n>>8), byte(n))
	default:
		ext := make([]byte, 9)
		ext[0] = 127
		binary.BigEndian.PutUint64(ext[1:], uint64(n))
		header = append(header, ext...)
	}

	if _, err := c.buf.Write(header); err != nil {
		return err
	}
	if _, err := c.buf.Write(payload); err != nil {
		return err
	}
	return c.buf.Flush()
}

func (c *WSConn) readFrame() (byte, []byte, error) {
	head := make([]byte, 2)
	if _, err := io.ReadFull(c.buf, head); err != nil {
		return 0, nil, err
	}
	op := head[0] & 0x0F
	masked := head[1]&0x80 != 0
	length := uint64(head[1] & 0x7F)

	switch length {
	case 126:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(c.buf, ext); err != nil {
			return 0, nil, err
		}
		length = uint64(binary.BigEndian.Uint16(ext))
	case 127:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(c.buf, ext); err != nil {
			return 0, nil, err
		}
		length = binary.BigEndian.Uint64(ext)
	}
	if length > wsMaxFrameSize {
		return 0, nil, errors.New("frame too large")
	}

	var maskKey [4]byte
	if masked {
		if _, err := io.ReadFull(c.buf, maskKey[:]); err != nil {
			return 0, nil, err
		}
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(c.buf, data); err != nil {
		return 0, nil, err
	}
	if masked {
		for i := range data {
			data[i] ^= maskKey[i%4]
		}
	}
	return op, data, nil
}
