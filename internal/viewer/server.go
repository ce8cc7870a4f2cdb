package viewer

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// FrameSource yields the frames of whichever capture is running.
type FrameSource interface {
	SubscribeActive() (*stream.Subscription, bool)
}

// InputRouter applies one input event from a viewer.
type InputRouter func(ctx context.Context, ev types.InputEvent) error

// Snapshotter grabs a single encoded frame.
type Snapshotter interface {
	CaptureOnce(ctx context.Context, cfg types.CaptureConfig) (*types.EncodedFrame, error)
}

type Options struct {
	Addr      string
	Token     string
	TLSConfig *tls.Config

	// OfferTimeout bounds ICE gathering while answering an offer.
	OfferTimeout time.Duration
	// AuthFailLimit failed attempts per AuthFailWindow lock a client
	// address out until the window has passed.
	AuthFailLimit  int
	AuthFailWindow time.Duration

	Frames    FrameSource
	Snapshots Snapshotter
	Input     InputRouter
	Health    func() any
	Logger    *zap.Logger
}

type Server struct {
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	sess *Session

	failMu   sync.Mutex
	failures map[string]*rate.Limiter

	ready chan struct{}
	addr  net.Addr
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.OfferTimeout <= 0 {
		opts.OfferTimeout = 10 * time.Second
	}
	if opts.AuthFailLimit <= 0 {
		opts.AuthFailLimit = 10
	}
	if opts.AuthFailWindow <= 0 {
		opts.AuthFailWindow = time.Minute
	}
	return &Server{
		opts:     opts,
		logger:   opts.Logger.Named("viewer"),
		failures: make(map[string]*rate.Limiter),
		ready:    make(chan struct{}),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /whep", s.handleWHEPOffer)
	mux.HandleFunc("PATCH /whep/{id}", s.handleWHEPPatch)
	mux.HandleFunc("DELETE /whep/{id}", s.handleWHEPDelete)
	mux.HandleFunc("OPTIONS /whep", s.handleWHEPOptions)
	mux.HandleFunc("OPTIONS /whep/{id}", s.handleWHEPOptions)
	mux.HandleFunc("GET /debug/frame", s.handleDebugFrame)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	return mux
}

// Ready is closed once the listener is bound.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) Addr() net.Addr { return s.addr }

// ListenAndServe serves until ctx is cancelled, then tears down the
// active session.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("viewer listen %s: %w", s.opts.Addr, err)
	}
	if s.opts.TLSConfig != nil {
		ln = tls.NewListener(ln, s.opts.TLSConfig)
	}
	s.addr = ln.Addr()
	close(s.ready)

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          zap.NewStdLog(s.logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("viewer listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.opts.TLSConfig != nil))
	err = srv.Serve(ln)
	s.Teardown()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Teardown closes the active session, if any.
func (s *Server) Teardown() {
	s.mu.Lock()
	s.teardownLocked()
	s.mu.Unlock()
}

func (s *Server) teardownLocked() {
	if s.sess != nil {
		s.sess.Close()
		s.sess = nil
	}
}

// Session returns the active viewer session or nil.
func (s *Server) Session() *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess != nil && s.sess.IsClosed() {
		s.sess = nil
	}
	return s.sess
}

func (s *Server) handleWHEPOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, PATCH, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
	w.Header().Set("Access-Control-Expose-Headers", "Location")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWHEPOffer(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", "Location")

	if !s.authorize(w, r) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	// Single viewer: a new offer replaces the current session.
	s.Teardown()

	sessionID := uuid.New().String()
	sess, err := newSession(sessionID, s.opts.Frames, s.opts.Input, s.logger)
	if err != nil {
		s.logger.Error("session create failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: string(body)}
	if err := sess.PC.SetRemoteDescription(offer); err != nil {
		sess.Close()
		s.logger.Debug("rejected offer", zap.Error(err))
		http.Error(w, "bad SDP offer", http.StatusBadRequest)
		return
	}

	answer, err := sess.PC.CreateAnswer(nil)
	if err != nil {
		sess.Close()
		s.logger.Error("create answer failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(sess.PC)
	if err := sess.PC.SetLocalDescription(answer); err != nil {
		sess.Close()
		s.logger.Error("set local description failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(s.opts.OfferTimeout):
		sess.Close()
		s.logger.Warn("ice gathering timed out", zap.Duration("timeout", s.opts.OfferTimeout))
		http.Error(w, "ice gathering timed out", http.StatusGatewayTimeout)
		return
	case <-r.Context().Done():
		sess.Close()
		return
	}

	s.mu.Lock()
	s.teardownLocked()
	s.sess = sess
	s.mu.Unlock()

	s.logger.Info("viewer connected", zap.String("session", sessionID), zap.String("remote", r.RemoteAddr))

	w.Header().Set("Content-Type", "application/sdp")
	w.Header().Set("Location", "/whep/"+sessionID)
	w.WriteHeader(http.StatusCreated)
	w.Write([]byte(sess.PC.LocalDescription().SDP))
}

func (s *Server) handleWHEPPatch(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.authorize(w, r) {
		return
	}

	sess := s.Session()
	if sess == nil || sess.ID != r.PathValue("id") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if c, ok := strings.CutPrefix(line, "a=candidate:"); ok {
			if err := sess.PC.AddICECandidate(webrtc.ICECandidateInit{Candidate: "candidate:" + c}); err != nil {
				s.logger.Debug("add ice candidate", zap.Error(err))
			}
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWHEPDelete(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")

	if !s.authorize(w, r) {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sess == nil || s.sess.ID != r.PathValue("id") {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.teardownLocked()
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDebugFrame(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	if s.opts.Snapshots == nil {
		http.Error(w, "capture unavailable", http.StatusServiceUnavailable)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()
	f, err := s.opts.Snapshots.CaptureOnce(ctx, types.CaptureConfig{
		Mode:   types.ModeFullDesktop,
		Format: types.FormatPNG,
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("capture: %v", err), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Write(f.Data)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}
	body := map[string]any{
		"status": "ok",
		"viewer": s.Session() != nil,
	}
	if s.opts.Health != nil {
		body["agent"] = s.opts.Health()
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

// authorize checks the bearer token and writes the rejection itself.
// Addresses with too many recent failures get 429 before the token is
// even looked at.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	if s.opts.Token == "" {
		return true
	}
	host := clientHost(r)
	lim := s.limiter(host)
	if lim.Tokens() < 1 {
		http.Error(w, "too many failed attempts", http.StatusTooManyRequests)
		return false
	}

	given, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if ok && subtle.ConstantTimeCompare([]byte(given), []byte(s.opts.Token)) == 1 {
		return true
	}
	lim.Allow()
	s.logger.Warn("viewer authentication failed", zap.String("remote", host))
	http.Error(w, "unauthorized", http.StatusUnauthorized)
	return false
}

func (s *Server) limiter(host string) *rate.Limiter {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	lim, ok := s.failures[host]
	if !ok {
		every := s.opts.AuthFailWindow / time.Duration(s.opts.AuthFailLimit)
		lim = rate.NewLimiter(rate.Every(every), s.opts.AuthFailLimit)
		s.failures[host] = lim
	}
	return lim
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
