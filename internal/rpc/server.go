// Package rpc serves a CBOR request/response protocol over TCP or a unix
// socket. A connection carries any number of unary requests in sequence;
// a streaming request takes the connection over until the stream ends.
package rpc

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"deskpilot/internal/codec"
	"deskpilot/internal/fault"

	"go.uber.org/zap"
)

// ActionFunc handles a unary request. raw is the whole CBOR request,
// action and token included. A nil result yields {ok: true}.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

// StreamFunc handles a streaming request. It calls send for each item
// and returns when the stream is over; a returned error becomes the last
// item.
type StreamFunc func(ctx context.Context, raw []byte, send func(any) error) error

// Response is the envelope of every unary reply and of the header that
// opens a stream.
type Response struct {
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Kind  fault.Kind       `cbor:"kind,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// StreamItem is one element after a stream header. The final item has
// End set and carries the error, if any, that ended the stream.
type StreamItem struct {
	Frame codec.RawMessage `cbor:"frame,omitempty"`
	Error string           `cbor:"error,omitempty"`
	Kind  fault.Kind       `cbor:"kind,omitempty"`
	End   bool             `cbor:"end"`
}

const (
	// DefaultIdleTimeout bounds the wait for the next request on a
	// connection.
	DefaultIdleTimeout = 2 * time.Minute

	writeTimeout = 10 * time.Second

	maxRequestSize = 1024 * 1024
)

// Server dispatches requests to registered actions.
type Server struct {
	network string
	addr    string
	token   []byte
	logger  *zap.Logger
	idle    time.Duration

	handlers map[string]ActionFunc
	streams  map[string]StreamFunc

	ready    chan struct{}
	listener net.Listener

	activeConnections sync.WaitGroup
}

// NewServer creates a server for network ("tcp" or "unix") and addr. An
// empty token disables authentication.
func NewServer(network, addr, token string, logger *zap.Logger) *Server {
	s := &Server{
		network:  network,
		addr:     addr,
		logger:   logger,
		handlers: make(map[string]ActionFunc),
		streams:  make(map[string]StreamFunc),
		ready:    make(chan struct{}),
		idle:     DefaultIdleTimeout,
	}
	if token != "" {
		s.token = []byte(token)
	}
	return s
}

// SetIdleTimeout changes how long a connection may sit between requests.
// It must be called before Serve.
func (s *Server) SetIdleTimeout(d time.Duration) {
	if d > 0 {
		s.idle = d
	}
}

// Handle registers a unary action. Registering an action twice panics.
func (s *Server) Handle(action string, fn ActionFunc) {
	s.checkDuplicate(action)
	s.handlers[action] = fn
}

func (s *Server) HandleStream(action string, fn StreamFunc) {
	s.checkDuplicate(action)
	s.streams[action] = fn
}

func (s *Server) checkDuplicate(action string) {
	_, unary := s.handlers[action]
	_, stream := s.streams[action]
	if unary || stream {
		panic(fmt.Sprintf("rpc: duplicate handler for action %q", action))
	}
}

// Actions lists every registered action.
func (s *Server) Actions() []string {
	out := make([]string, 0, len(s.handlers)+len(s.streams))
	for a := range s.handlers {
		out = append(out, a)
	}
	for a := range s.streams {
		out = append(out, a)
	}
	return out
}

// Ready is closed once the listener is up.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr is the bound address; valid after Ready.
func (s *Server) Addr() net.Addr { return s.listener.Addr() }

// Serve listens and dispatches until ctx is cancelled, then waits for
// open connections to finish. A unix socket file is replaced on start
// and removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if s.network == "unix" {
		if err := os.Remove(s.addr); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing stale socket %s: %w", s.addr, err)
		}
	}
	listener, err := net.Listen(s.network, s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.network, s.addr, err)
	}
	s.listener = listener
	defer func() {
		listener.Close()
		if s.network == "unix" {
			os.Remove(s.addr)
		}
	}()
	close(s.ready)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	s.logger.Info("rpc server listening",
		zap.String("network", s.network),
		zap.String("addr", listener.Addr().String()),
		zap.Bool("auth", s.token != nil))

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", zap.Error(err))
			continue
		}
		s.activeConnections.Add(1)
		go func() {
			defer s.activeConnections.Done()
			s.handleConnection(ctx, conn)
		}()
	}

	s.activeConnections.Wait()
	return nil
}

func (s *Server) handleConnection(parent context.Context, conn net.Conn) {
	ctx, cancel := context.WithCancel(parent)
	cs := &connState{remote: conn.RemoteAddr().String()}
	ctx = context.WithValue(ctx, connKey{}, cs)
	defer func() {
		cancel()
		conn.Close()
		cs.close()
	}()

	// Shutdown unblocks a connection waiting for its next request.
	go func() {
		<-ctx.Done()
		conn.SetReadDeadline(time.Now())
	}()

	dec := codec.NewDecoder(conn)
	for {
		conn.SetReadDeadline(time.Now().Add(s.idle))
		var raw codec.RawMessage
		if err := dec.Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				s.logger.Debug("connection ended", zap.String("remote", cs.remote), zap.Error(err))
			}
			return
		}
		if len(raw) > maxRequestSize {
			s.writeError(conn, fault.Validationf("", "request exceeds %d bytes", maxRequestSize))
			return
		}
		if !s.dispatch(ctx, conn, raw) {
			return
		}
	}
}

// dispatch serves one request and reports whether the connection may
// carry another.
func (s *Server) dispatch(ctx context.Context, conn net.Conn, raw []byte) bool {
	var header struct {
		Action string `cbor:"action"`
		Token  string `cbor:"token"`
	}
	if err := codec.Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fault.Validationf("", "invalid request: %v", err))
		return false
	}
	if header.Action == "" {
		return s.writeError(conn, fault.Validationf("", "missing required field: action"))
	}
	if s.token != nil && subtle.ConstantTimeCompare([]byte(header.Token), s.token) != 1 {
		s.logger.Warn("rejected unauthenticated request",
			zap.String("action", header.Action),
			zap.String("remote", connFrom(ctx).remote))
		return s.writeError(conn, fault.Validationf("", "authentication failed"))
	}

	if fn, ok := s.streams[header.Action]; ok {
		s.serveStream(ctx, conn, header.Action, raw, fn)
		return false
	}
	fn, ok := s.handlers[header.Action]
	if !ok {
		return s.writeError(conn, fault.Unimplementedf("", "unknown action %q", header.Action))
	}

	start := time.Now()
	result, err := s.invoke(ctx, header.Action, func() (any, error) { return fn(ctx, raw) })
	if err != nil {
		s.logger.Debug("action failed",
			zap.String("action", header.Action),
			zap.String("kind", string(fault.KindOf(err))),
			zap.Duration("took", time.Since(start)),
			zap.Error(err))
		return s.writeError(conn, err)
	}
	return s.writeSuccess(conn, result)
}

// invoke runs a handler with panic recovery.
func (s *Server) invoke(ctx context.Context, action string, fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in action handler",
				zap.String("action", action),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			result, err = nil, fault.Platformf(action, nil, "internal error")
		}
	}()
	return fn()
}

func (s *Server) serveStream(ctx context.Context, conn net.Conn, action string, raw []byte, fn StreamFunc) {
	if !s.writeSuccess(conn, nil) {
		return
	}
	// The client sends nothing more; a read returning means it hung up.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		conn.SetReadDeadline(time.Time{})
		var b [1]byte
		conn.Read(b[:])
		cancel()
	}()

	enc := codec.NewEncoder(conn)
	send := func(v any) error {
		data, err := codec.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshaling stream item: %w", err)
		}
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return enc.Encode(StreamItem{Frame: data})
	}

	_, err := s.invoke(ctx, action, func() (any, error) { return nil, fn(ctx, raw, send) })

	final := StreamItem{End: true}
	if err != nil && ctx.Err() == nil {
		final.Error = err.Error()
		final.Kind = fault.KindOf(err)
		s.logger.Debug("stream ended with error", zap.String("action", action), zap.Error(err))
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := enc.Encode(final); err != nil {
		s.logger.Debug("failed to write stream end", zap.Error(err))
	}
}

func (s *Server) writeError(conn net.Conn, err error) bool {
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if werr := codec.NewEncoder(conn).Encode(Response{
		OK:    false,
		Error: err.Error(),
		Kind:  fault.KindOf(err),
	}); werr != nil {
		s.logger.Debug("failed to write error response", zap.Error(werr))
		return false
	}
	return true
}

func (s *Server) writeSuccess(conn net.Conn, result any) bool {
	response := Response{OK: true}
	if result != nil {
		data, err := codec.Marshal(result)
		if err != nil {
			return s.writeError(conn, fault.Platformf("", err, "marshaling response"))
		}
		response.Data = data
	}
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := codec.NewEncoder(conn).Encode(response); err != nil {
		s.logger.Debug("failed to write success response", zap.Error(err))
		return false
	}
	return true
}
