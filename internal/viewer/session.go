package viewer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const (
	// chunkSize keeps every data channel message under the SCTP limit
	// browsers accept.
	chunkSize = 16 * 1024
	// maxBuffered is how much may sit unsent on the frames channel before
	// new frames are skipped.
	maxBuffered = 4 * 1024 * 1024

	idlePoll = 500 * time.Millisecond
)

// frameHeader precedes the binary chunks of one frame on the frames
// channel.
type frameHeader struct {
	Type     string            `json:"type"`
	Sequence uint64            `json:"seq"`
	Format   types.ImageFormat `json:"format"`
	Width    int               `json:"width"`
	Height   int               `json:"height"`
	Size     int               `json:"size"`
	Chunks   int               `json:"chunks"`
}

// chunks splits a frame into its header and payload pieces.
func chunks(f *types.EncodedFrame, size int) (frameHeader, [][]byte) {
	var parts [][]byte
	for off := 0; off < len(f.Data); off += size {
		end := min(off+size, len(f.Data))
		parts = append(parts, f.Data[off:end])
	}
	return frameHeader{
		Type:     "frame",
		Sequence: f.Sequence,
		Format:   f.Format,
		Width:    f.Width,
		Height:   f.Height,
		Size:     len(f.Data),
		Chunks:   len(parts),
	}, parts
}

// Session is one connected viewer.
type Session struct {
	ID string
	PC *webrtc.PeerConnection

	frames FrameSource
	input  InputRouter
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func newSession(id string, frames FrameSource, input InputRouter, logger *zap.Logger) (*Session, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		// LAN only, no STUN/TURN
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		ID:     id,
		PC:     pc,
		frames: frames,
		input:  input,
		logger: logger.With(zap.String("session", id)),
		ctx:    ctx,
		cancel: cancel,
	}

	// The client creates the data channels.
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		switch dc.Label() {
		case "frames":
			dc.OnOpen(func() {
				if !sess.track() {
					return
				}
				go func() {
					defer sess.wg.Done()
					sess.sendFrames(dc)
				}()
			})
		case "input":
			dc.OnMessage(func(msg webrtc.DataChannelMessage) {
				sess.handleInput(dc, msg.Data)
			})
		default:
			sess.logger.Debug("ignoring data channel", zap.String("label", dc.Label()))
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		sess.logger.Debug("peer connection state", zap.String("state", state.String()))
		switch state {
		case webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateClosed:
			go sess.Close()
		}
	})

	return sess, nil
}

// sendFrames follows whichever capture is running. Between captures it
// waits for the next one to start.
func (s *Session) sendFrames(dc *webrtc.DataChannel) {
	for {
		sub, ok := s.frames.SubscribeActive()
		if !ok {
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(idlePoll):
				continue
			}
		}
		err := s.forward(dc, sub)
		sub.Close()
		if err != nil {
			s.logger.Debug("frame forwarding stopped", zap.Error(err))
			return
		}
		// A pipeline that died on its own stays attached briefly.
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(idlePoll):
		}
	}
}

// forward copies frames until the subscription ends. It returns nil when
// the capture stopped and an error when the viewer is gone.
func (s *Session) forward(dc *webrtc.DataChannel, sub *stream.Subscription) error {
	skipped := 0
	for {
		f, err := sub.Next(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return s.ctx.Err()
			}
			s.logger.Debug("capture ended for viewer", zap.Error(err), zap.Int("skipped", skipped))
			return nil
		}
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			return fmt.Errorf("frames channel %s", dc.ReadyState())
		}
		if dc.BufferedAmount() > maxBuffered {
			skipped++
			continue
		}
		header, parts := chunks(f, chunkSize)
		msg, err := json.Marshal(header)
		if err != nil {
			return err
		}
		if err := dc.SendText(string(msg)); err != nil {
			return err
		}
		for _, p := range parts {
			if err := dc.Send(p); err != nil {
				return err
			}
		}
	}
}

type inputReply struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (s *Session) handleInput(dc *webrtc.DataChannel, data []byte) {
	var ev types.InputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		s.logger.Debug("malformed input event", zap.Error(err))
		return
	}
	if s.input == nil {
		return
	}
	if err := s.input(s.ctx, ev); err != nil {
		s.logger.Debug("viewer input rejected", zap.String("type", ev.Type), zap.Error(err))
		if msg, merr := json.Marshal(inputReply{Type: "input_error", Error: err.Error()}); merr == nil {
			dc.SendText(string(msg))
		}
	}
}

// track registers a goroutine unless the session is already closing.
func (s *Session) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.PC.Close(); err != nil {
		s.logger.Debug("peer connection close", zap.Error(err))
	}
	s.wg.Wait()
	s.logger.Info("viewer session closed")
}

func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
