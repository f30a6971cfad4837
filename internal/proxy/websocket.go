package proxy

import (
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second // Time allowed to write a message
	maxMessageSize = 512 * 1024       // Maximum message size allowed
)

// Headers gorilla/websocket sets itself when dialing.
var wsHandshakeHeaders = []string{
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
}

func (p *Proxy) handleWebSocket(w http.ResponseWriter, r *http.Request, target url.URL, logger *zap.Logger) {
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}

	logger.Info("initiating websocket connection",
		zap.String("target_url", target.String()),
	)

	header := outboundHeader(r)
	for _, name := range wsHandshakeHeaders {
		header.Del(name)
	}

	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = p.client.Transport.(*http.Transport).TLSClientConfig
	upstreamConn, resp, err := dialer.DialContext(r.Context(), target.String(), header)
	if err != nil {
		p.metrics.ErrorCount.Add(1)
		if resp != nil {
			// The upstream answered without upgrading; that answer is its own.
			logger.Warn("upstream refused websocket handshake",
				zap.Error(err),
				zap.Int("status_code", resp.StatusCode),
			)
			relayRefusal(w, resp)
			return
		}
		logger.Error("failed to connect to upstream websocket", zap.Error(err))
		http.Error(w, bodyUpstreamUnavailable, http.StatusBadGateway)
		return
	}
	defer upstreamConn.Close()

	var responseHeader http.Header
	if proto := resp.Header.Get("Sec-Websocket-Protocol"); proto != "" {
		responseHeader = http.Header{"Sec-Websocket-Protocol": {proto}}
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     p.checkOrigin,
	}
	clientConn, err := upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		logger.Error("failed to upgrade client connection", zap.Error(err))
		return
	}
	defer clientConn.Close()

	upstreamConn.SetReadLimit(maxMessageSize)
	clientConn.SetReadLimit(maxMessageSize)

	errorChan := make(chan error, 2)
	go func() {
		errorChan <- p.pumpMessages(clientConn, upstreamConn, "client→upstream", logger)
	}()
	go func() {
		errorChan <- p.pumpMessages(upstreamConn, clientConn, "upstream→client", logger)
	}()

	// Either side finishing ends the session; closing both conns unblocks
	// the other pump.
	err = <-errorChan
	clientConn.Close()
	upstreamConn.Close()
	<-errorChan

	if err != nil && websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		logger.Error("websocket error", zap.Error(err))
	}
	logger.Info("websocket connection closed")
}

// relayRefusal copies a non-upgrading upstream response to the client.
func relayRefusal(w http.ResponseWriter, resp *http.Response) {
	removeHopHeaders(resp.Header)
	// The dialer keeps only a prefix of the body.
	resp.Header.Del("Content-Length")
	for header, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(header, value)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		_, _ = io.Copy(w, resp.Body)
		resp.Body.Close()
	}
}

func (p *Proxy) pumpMessages(src, dst *websocket.Conn, direction string, logger *zap.Logger) error {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				msg := websocket.FormatCloseMessage(ce.Code, ce.Text)
				if ce.Code == websocket.CloseNoStatusReceived {
					msg = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
				}
				_ = dst.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			}
			return err
		}

		logger.Debug("websocket message",
			zap.String("direction", direction),
			zap.Int("message_type", messageType),
			zap.Int("message_size", len(message)),
		)

		dst.SetWriteDeadline(time.Now().Add(writeWait))
		if err := dst.WriteMessage(messageType, message); err != nil {
			logger.Error("failed to write websocket message",
				zap.String("direction", direction),
				zap.Error(err),
			)
			return err
		}
	}
}
