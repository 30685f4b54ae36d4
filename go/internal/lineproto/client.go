package lineproto

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/newsch/collascii-go/go/internal/canvas"
)

// Client is the client side of a 1.0 connection. The dump and restore
// tools use it to fetch and edit a server canvas without a terminal UI.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialClient connects to addr and completes the version handshake,
// returning the server's current canvas alongside the connection.
func DialClient(addr string, timeout time.Duration) (*Client, *canvas.Canvas, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	c := &Client{conn: conn, r: bufio.NewReader(conn)}
	cv, err := c.handshake(timeout)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return c, cv, nil
}

func (c *Client) handshake(timeout time.Duration) (*canvas.Canvas, error) {
	if timeout > 0 {
		if err := c.conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetDeadline(time.Time{})
	}

	if err := c.Send(VersionReq{V: ProtocolVersion}); err != nil {
		return nil, fmt.Errorf("send version: %w", err)
	}

	msg, err := ReadMessage(c.r)
	if err != nil {
		// A refusing server answers with a human-readable line, not a
		// protocol message.
		if errors.Is(err, ErrUnknownPrefix) {
			return nil, fmt.Errorf("%w: server refused version %s", ErrVersionMismatch, ProtocolVersion)
		}
		return nil, fmt.Errorf("read version ack: %w", err)
	}
	if _, ok := msg.(VersionAck); !ok {
		return nil, fmt.Errorf("%w: expected vok, got %q", ErrMalformed, msg.WireFormat())
	}

	msg, err = ReadMessage(c.r)
	if err != nil {
		return nil, fmt.Errorf("read canvas: %w", err)
	}
	cs, ok := msg.(CanvasSet)
	if !ok {
		return nil, fmt.Errorf("%w: expected canvas, got %q", ErrMalformed, msg.WireFormat())
	}
	return cs.Canvas, nil
}

// Send writes one message to the server.
func (c *Client) Send(m Message) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err := io.WriteString(c.conn, m.WireFormat())
	return err
}

// ReadMessage reads the next server message.
func (c *Client) ReadMessage() (Message, error) {
	return ReadMessage(c.r)
}

// Close announces a quit and closes the connection.
func (c *Client) Close() error {
	_ = c.Send(Quit{})
	return c.conn.Close()
}
