package viewer

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"deskpilot/internal/capture"
	"deskpilot/internal/stream"
	"deskpilot/internal/types"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type idleFrames struct{}

func (idleFrames) SubscribeActive() (*stream.Subscription, bool) { return nil, false }

func syntheticSnapshots(t *testing.T) Snapshotter {
	return capture.NewManager(func() (types.Capturer, error) {
		return capture.NewSynthetic(64, 48), nil
	}, nil, zaptest.NewLogger(t))
}

const token = "s3cret"

func newTestServer(t *testing.T, opts Options) (*Server, *httptest.Server) {
	t.Helper()
	opts.Logger = zaptest.NewLogger(t)
	if opts.Frames == nil {
		opts.Frames = idleFrames{}
	}
	srv := New(opts)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Teardown()
	})
	return srv, ts
}

func request(t *testing.T, method, url, bearer string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestAuthFailuresAreRateLimited(t *testing.T) {
	_, ts := newTestServer(t, Options{Token: token, AuthFailLimit: 3, AuthFailWindow: time.Hour})

	for range 3 {
		resp := request(t, http.MethodGet, ts.URL+"/healthz", "wrong", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	resp := request(t, http.MethodGet, ts.URL+"/healthz", "wrong", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Locked out even with the right token until the window passes.
	resp = request(t, http.MethodGet, ts.URL+"/healthz", token, nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	_, ts := newTestServer(t, Options{
		Token:  token,
		Health: func() any { return map[string]string{"state": "connected"} },
	})

	resp := request(t, http.MethodGet, ts.URL+"/healthz", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	var body struct {
		Status string            `json:"status"`
		Viewer bool              `json:"viewer"`
		Agent  map[string]string `json:"agent"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.False(t, body.Viewer)
	assert.Equal(t, "connected", body.Agent["state"])
}

func TestNoTokenAllowsAll(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := request(t, http.MethodGet, ts.URL+"/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDebugFrame(t *testing.T) {
	_, ts := newTestServer(t, Options{Token: token, Snapshots: syntheticSnapshots(t)})

	resp := request(t, http.MethodGet, ts.URL+"/debug/frame", token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	img, err := png.Decode(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 64, img.Bounds().Dx())
}

func TestDebugFrameWithoutCapture(t *testing.T) {
	_, ts := newTestServer(t, Options{})
	resp := request(t, http.MethodGet, ts.URL+"/debug/frame", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestOptionsAndUnknownSession(t *testing.T) {
	_, ts := newTestServer(t, Options{Token: token})

	resp := request(t, http.MethodOptions, ts.URL+"/whep", "", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Access-Control-Allow-Methods"), "PATCH")

	resp = request(t, http.MethodDelete, ts.URL+"/whep/nope", token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = request(t, http.MethodPatch, ts.URL+"/whep/nope", token, strings.NewReader(""))
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBadOffer(t *testing.T) {
	_, ts := newTestServer(t, Options{Token: token})
	resp := request(t, http.MethodPost, ts.URL+"/whep", token, strings.NewReader("not sdp"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOfferAnswerAndDelete(t *testing.T) {
	srv, ts := newTestServer(t, Options{Token: token, OfferTimeout: 20 * time.Second})

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })
	_, err = pc.CreateDataChannel("frames", nil)
	require.NoError(t, err)
	_, err = pc.CreateDataChannel("input", nil)
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(pc)
	require.NoError(t, pc.SetLocalDescription(offer))
	<-gathered

	resp := request(t, http.MethodPost, ts.URL+"/whep", token, strings.NewReader(pc.LocalDescription().SDP))
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "application/sdp", resp.Header.Get("Content-Type"))
	location := resp.Header.Get("Location")
	require.True(t, strings.HasPrefix(location, "/whep/"))

	answer, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(answer), "webrtc-datachannel")

	sess := srv.Session()
	require.NotNil(t, sess)
	assert.Equal(t, strings.TrimPrefix(location, "/whep/"), sess.ID)

	resp = request(t, http.MethodPatch, ts.URL+location, token, strings.NewReader(""))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = request(t, http.MethodDelete, ts.URL+location, token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, sess.IsClosed())
	assert.Nil(t, srv.Session())
}

func TestChunks(t *testing.T) {
	f := &types.EncodedFrame{
		Format:   types.FormatJPEG,
		Data:     bytes.Repeat([]byte{7}, 25),
		Width:    4,
		Height:   2,
		Sequence: 9,
	}
	header, parts := chunks(f, 10)
	assert.Equal(t, "frame", header.Type)
	assert.Equal(t, uint64(9), header.Sequence)
	assert.Equal(t, 25, header.Size)
	assert.Equal(t, 3, header.Chunks)
	require.Len(t, parts, 3)
	assert.Len(t, parts[2], 5)

	header, parts = chunks(&types.EncodedFrame{}, 10)
	assert.Zero(t, header.Chunks)
	assert.Empty(t, parts)
}

func TestHandleInputRoutesEvents(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []types.InputEvent
	)
	router := func(_ context.Context, ev types.InputEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, ev)
		return nil
	}
	sess, err := newSession("s1", idleFrames{}, router, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(sess.Close)

	sess.handleInput(nil, []byte(`{"type":"mouse_click","x":10,"y":20,"button":"left","count":2}`))
	sess.handleInput(nil, []byte(`{not json`))
	sess.handleInput(nil, []byte(`{"type":"key","key":"a","modifiers":["ctrl"]}`))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 2)
	assert.Equal(t, types.InputEvent{Type: "mouse_click", X: 10, Y: 20, Button: "left", Count: 2}, seen[0])
	assert.Equal(t, []string{"ctrl"}, seen[1].Modifiers)
}
