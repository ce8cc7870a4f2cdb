package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"sync"
	"time"

	"deskpilot/internal/codec"
	"deskpilot/internal/fault"
)

const defaultCallTimeout = 45 * time.Second

// Error is a failure reported by the server.
type Error struct {
	Action  string
	Kind    fault.Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc %s: %s", e.Action, e.Message)
}

// Client holds one connection for unary calls. Calls are serialized.
// Streams open a connection of their own.
type Client struct {
	network string
	addr    string
	token   string

	mu   sync.Mutex
	conn net.Conn
	dec  *codec.Decoder
}

// Dial connects to a server.
func Dial(ctx context.Context, network, addr, token string) (*Client, error) {
	c := &Client{network: network, addr: addr, token: token}
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	c.dec = codec.NewDecoder(conn)
	return c, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, c.network, c.addr)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s %s: %w", c.network, c.addr, err)
	}
	return conn, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) request(action string, fields map[string]any) map[string]any {
	req := make(map[string]any, len(fields)+2)
	maps.Copy(req, fields)
	req["action"] = action
	if c.token != "" {
		req["token"] = c.token
	}
	return req
}

// Call sends action with fields and decodes the reply data into result,
// which may be nil.
func (c *Client) Call(ctx context.Context, action string, fields map[string]any, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return net.ErrClosed
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultCallTimeout)
	}
	c.conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if err := codec.NewEncoder(c.conn).Encode(c.request(action, fields)); err != nil {
		return c.fail(ctx, fmt.Errorf("sending %s: %w", action, err))
	}
	var resp Response
	if err := c.dec.Decode(&resp); err != nil {
		return c.fail(ctx, fmt.Errorf("reading %s response: %w", action, err))
	}
	if !resp.OK {
		return &Error{Action: action, Kind: resp.Kind, Message: resp.Error}
	}
	if result != nil && len(resp.Data) > 0 {
		if err := codec.Unmarshal(resp.Data, result); err != nil {
			return fmt.Errorf("decoding %s response: %w", action, err)
		}
	}
	return nil
}

// fail drops a connection left mid-message; the stream cannot be resumed.
func (c *Client) fail(ctx context.Context, err error) error {
	c.conn.Close()
	c.conn = nil
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
		return context.DeadlineExceeded
	}
	return err
}

// Stream is an open streaming request.
type Stream struct {
	action string
	conn   net.Conn
	dec    *codec.Decoder
	stop   func() bool
}

// Stream opens a new connection and starts a streaming action on it.
func (c *Client) Stream(ctx context.Context, action string, fields map[string]any) (*Stream, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	s := &Stream{action: action, conn: conn, dec: codec.NewDecoder(conn)}
	s.stop = context.AfterFunc(ctx, func() { conn.Close() })

	conn.SetDeadline(time.Now().Add(defaultCallTimeout))
	if err := codec.NewEncoder(conn).Encode(c.request(action, fields)); err != nil {
		s.Close()
		return nil, fmt.Errorf("sending %s: %w", action, err)
	}
	var resp Response
	if err := s.dec.Decode(&resp); err != nil {
		s.Close()
		return nil, fmt.Errorf("reading %s header: %w", action, err)
	}
	if !resp.OK {
		s.Close()
		return nil, &Error{Action: action, Kind: resp.Kind, Message: resp.Error}
	}
	conn.SetDeadline(time.Time{})
	return s, nil
}

// Recv decodes the next item into v. It returns io.EOF after a clean
// end and an *Error when the server ended the stream with one.
func (s *Stream) Recv(v any) error {
	var item StreamItem
	if err := s.dec.Decode(&item); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	if item.End {
		if item.Error != "" {
			return &Error{Action: s.action, Kind: item.Kind, Message: item.Error}
		}
		return io.EOF
	}
	if v == nil || len(item.Frame) == 0 {
		return nil
	}
	return codec.Unmarshal(item.Frame, v)
}

// Close ends the stream; the server sees the hang-up and stops.
func (s *Stream) Close() error {
	s.stop()
	return s.conn.Close()
}
