package proxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bethel-nz/corsgate/internal/cors"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestProxy(t *testing.T, target string, opts Options) *Proxy {
	t.Helper()
	opts.Target = target
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	p, err := NewProxy(zap.NewNop(), opts)
	require.NoError(t, err)
	return p
}

func TestNewProxy_RejectsBadTarget(t *testing.T) {
	for _, target := range []string{"backend:80", "ftp://backend", "://"} {
		_, err := NewProxy(zap.NewNop(), Options{Target: target})
		assert.Error(t, err, target)
	}
}

func TestProxy_ForwardsRequest(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/items", r.URL.Path)
		assert.Equal(t, "page=2", r.URL.RawQuery)
		assert.Equal(t, `{"name":"x"}`, string(body))
		assert.Equal(t, "https://app.example.com", r.Header.Get("Origin"))
		assert.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Keep-Alive"))
		assert.Empty(t, r.Header.Get("X-Hop"))
		assert.Equal(t, "203.0.113.7, 192.0.2.1", r.Header.Get("X-Forwarded-For"))
		assert.Equal(t, "http", r.Header.Get("X-Forwarded-Proto"))
		assert.Equal(t, "gate.example.com", r.Header.Get("X-Forwarded-Host"))

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Upstream", "1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer backend.Close()

	p := newTestProxy(t, backend.URL, Options{})

	r := httptest.NewRequest(http.MethodPost, "http://gate.example.com/api/items?page=2", strings.NewReader(`{"name":"x"}`))
	r.RemoteAddr = "192.0.2.1:5555"
	r.Header.Set("Origin", "https://app.example.com")
	r.Header.Set("Authorization", "Bearer token")
	r.Header.Set("Connection", "X-Hop")
	r.Header.Set("X-Hop", "drop me")
	r.Header.Set("Keep-Alive", "timeout=5")
	r.Header.Set("X-Forwarded-For", "203.0.113.7")
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, r)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, `{"ok":true}`, rec.Body.String())
	assert.Equal(t, "1", rec.Header().Get("X-Upstream"))
	assert.Empty(t, rec.Header().Get("X-Content-Type-Options"))

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 1, snap.Response)
	assert.EqualValues(t, 0, snap.Errors)
}

func TestProxy_SecurityHeaders(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Frame-Options", "DENY")
	}))
	defer backend.Close()

	p := newTestProxy(t, backend.URL, Options{SecurityHeaders: true})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", rec.Header().Get("Referrer-Policy"))
}

func TestProxy_UnreachableUpstreamIs502(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	p := newTestProxy(t, "http://"+addr, Options{})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), bodyUpstreamUnavailable)
	assert.NotContains(t, rec.Body.String(), cors.RejectionBody)
	assert.EqualValues(t, 1, p.Metrics().Snapshot().Errors)
}

func TestProxy_SlowUpstreamIs504(t *testing.T) {
	release := make(chan struct{})
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer backend.Close()
	defer close(release)

	p := newTestProxy(t, backend.URL, Options{Timeout: 50 * time.Millisecond})
	rec := httptest.NewRecorder()
	p.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, rec.Body.String(), bodyUpstreamTimeout)
}

func TestProxy_BehindGate(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, r.Header.Get(cors.HeaderRequestID))
		w.Header().Set("Access-Control-Allow-Origin", "*")
		_, _ = w.Write([]byte("hello"))
	}))
	defer backend.Close()

	cfg, err := cors.NewConfig(cors.Settings{AllowedDomains: "*.example.com,localhost"})
	require.NoError(t, err)
	engine := cors.NewEngine(cfg)
	p := newTestProxy(t, backend.URL, Options{CheckOrigin: engine.OriginAllowed})
	gate := httptest.NewServer(cors.NewGate(engine, p, zap.NewNop(), p.Metrics()))
	defer gate.Close()

	do := func(origin string) *http.Response {
		req, err := http.NewRequest(http.MethodGet, gate.URL+"/", nil)
		require.NoError(t, err)
		if origin != "" {
			req.Header.Set("Origin", origin)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		return resp
	}

	resp := do("http://app.example.com")
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", string(body))
	assert.Equal(t, "http://app.example.com", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", resp.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "Origin", resp.Header.Get("Vary"))

	resp = do("http://example.com")
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, cors.RejectionBody, string(body))

	snap := p.Metrics().Snapshot()
	assert.EqualValues(t, 2, snap.Requests)
	assert.EqualValues(t, 1, snap.Allowed)
	assert.EqualValues(t, 1, snap.Denied)
}

func TestProxy_WebSocketRelay(t *testing.T) {
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	defer echo.Close()

	cfg, err := cors.NewConfig(cors.Settings{AllowedDomains: "localhost"})
	require.NoError(t, err)
	engine := cors.NewEngine(cfg)
	p := newTestProxy(t, echo.URL, Options{CheckOrigin: engine.OriginAllowed})
	gate := httptest.NewServer(cors.NewGate(engine, p, zap.NewNop(), nil))
	defer gate.Close()

	wsURL := "ws" + strings.TrimPrefix(gate.URL, "http") + "/socket"

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("ping")))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "ping", string(msg))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://evil.com"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	t.Run("upstream refuses the upgrade", func(t *testing.T) {
		for _, status := range []int{http.StatusForbidden, http.StatusOK} {
			plain := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Backend", "plain")
				w.WriteHeader(status)
				_, _ = w.Write([]byte("not a websocket server"))
			}))
			p := newTestProxy(t, plain.URL, Options{CheckOrigin: engine.OriginAllowed})
			gate := httptest.NewServer(cors.NewGate(engine, p, zap.NewNop(), nil))

			wsURL := "ws" + strings.TrimPrefix(gate.URL, "http") + "/socket"
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
			require.Error(t, err)
			require.NotNil(t, resp)
			body, _ := io.ReadAll(resp.Body)

			assert.Equal(t, status, resp.StatusCode)
			assert.Equal(t, "not a websocket server", string(body))
			assert.Equal(t, "plain", resp.Header.Get("X-Backend"))
			assert.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))
			assert.EqualValues(t, 1, p.Metrics().ErrorCount.Load())

			gate.Close()
			plain.Close()
		}
	})

	t.Run("upstream unreachable", func(t *testing.T) {
		down := httptest.NewServer(http.NotFoundHandler())
		downURL := down.URL
		down.Close()
		p := newTestProxy(t, downURL, Options{CheckOrigin: engine.OriginAllowed})
		gate := httptest.NewServer(cors.NewGate(engine, p, zap.NewNop(), nil))
		defer gate.Close()

		wsURL := "ws" + strings.TrimPrefix(gate.URL, "http") + "/socket"
		_, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{"Origin": {"http://localhost:3000"}})
		require.Error(t, err)
		require.NotNil(t, resp)
		body, _ := io.ReadAll(resp.Body)

		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, bodyUpstreamUnavailable, strings.TrimSpace(string(body)))
	})
}

func TestClassifyUpstreamError(t *testing.T) {
	status, body := classifyUpstreamError(&net.OpError{Op: "dial", Err: io.EOF})
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, bodyUpstreamUnavailable, body)
}

func TestSingleJoiningSlash(t *testing.T) {
	assert.Equal(t, "/api/x", singleJoiningSlash("/api/", "/x"))
	assert.Equal(t, "/api/x", singleJoiningSlash("/api", "x"))
	assert.Equal(t, "/x", singleJoiningSlash("", "/x"))
}
