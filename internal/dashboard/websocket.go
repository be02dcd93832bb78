package dashboard

import (
	"bufio"
	"crypto/sha1" //nolint:gosec // SHA-1 is mandated by RFC 6455 §4.1; not used for security
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// maxFrameSize is the maximum WebSocket payload length (in bytes) accepted
// from clients. Frames beyond this drop the connection rather than allocating
// unbounded memory; dashboard clients only ever send tiny ping messages.
const maxFrameSize = 64 * 1024 // 64 KiB

// wsGUID is the fixed GUID defined in RFC 6455 §4.1 for computing the
// Sec-WebSocket-Accept header value.
const wsGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// WSHandler upgrades HTTP connections to WebSocket and drives the per-client
// read/write loops. Connections are registered with the Broadcaster; the read
// goroutine parses client text frames (answering {"type":"ping"} with a pong)
// while the write loop drains Client.Send() into text frames.
type WSHandler struct {
	bc     *Broadcaster
	logger *slog.Logger

	// writeTimeout is how long a single frame write may take before the
	// connection is closed.
	writeTimeout time.Duration
}

// NewWSHandler creates a handler backed by bc. writeTimeout ≤ 0 defaults to
// 10 seconds.
func NewWSHandler(bc *Broadcaster, logger *slog.Logger, writeTimeout time.Duration) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	return &WSHandler{bc: bc, logger: logger, writeTimeout: writeTimeout}
}

// ServeHTTP handles the HTTP → WebSocket upgrade and the connection
// lifecycle.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !isWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "server does not support hijacking", http.StatusInternalServerError)
		return
	}

	conn, bufrw, err := hj.Hijack()
	if err != nil {
		h.logger.Error("websocket: hijack failed", slog.Any("error", err))
		return
	}

	resp := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + computeAcceptKey(key) + "\r\n\r\n"

	if _, err := bufrw.WriteString(resp); err != nil {
		h.logger.Error("websocket: handshake write failed", slog.Any("error", err))
		conn.Close()
		return
	}
	if err := bufrw.Flush(); err != nil {
		h.logger.Error("websocket: handshake flush failed", slog.Any("error", err))
		conn.Close()
		return
	}

	clientID := uuid.NewString()
	client := h.bc.Register(clientID)
	defer h.bc.Unregister(clientID)

	h.logger.Info("websocket: client connected",
		slog.String("client_id", clientID),
		slog.String("remote_addr", conn.RemoteAddr().String()),
	)

	// closed prevents a double-close when the reader and writer race to
	// tear the connection down.
	var closed atomic.Bool
	closeOnce := func() {
		if closed.CompareAndSwap(false, true) {
			conn.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if rec := recover(); rec != nil {
				h.logger.Error("websocket: readLoop panic recovered",
					slog.Any("recover", rec),
					slog.String("client_id", clientID),
				)
			}
		}()
		h.readLoop(conn, client)
		closeOnce()
	}()

	for {
		select {
		case <-done:
			return

		case msg, ok := <-client.Send():
			if !ok {
				// Broadcaster closed the channel — shutting down.
				closeOnce()
				return
			}

			if err := conn.SetWriteDeadline(time.Now().Add(h.writeTimeout)); err != nil {
				h.logger.Warn("websocket: set write deadline failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}

			if err := writeTextFrame(conn, msg); err != nil {
				h.logger.Warn("websocket: write frame failed",
					slog.String("client_id", clientID), slog.Any("error", err))
				closeOnce()
				return
			}
		}
	}
}

// readLoop parses incoming frames from conn until the connection closes or a
// close frame arrives. Text frames carrying {"type":"ping"} are answered with
// a pong through the client's send channel; everything else is discarded.
func (h *WSHandler) readLoop(conn net.Conn, client *Client) {
	buf := bufio.NewReader(conn)
	for {
		b0, err := buf.ReadByte()
		if err != nil {
			return
		}
		b1, err := buf.ReadByte()
		if err != nil {
			return
		}

		opcode := b0 & 0x0F
		masked := (b1 & 0x80) != 0
		length := int64(b1 & 0x7F)

		switch length {
		case 126:
			var ext [2]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			length = int64(binary.BigEndian.Uint16(ext[:]))
		case 127:
			var ext [8]byte
			if _, err := io.ReadFull(buf, ext[:]); err != nil {
				return
			}
			rawLen := binary.BigEndian.Uint64(ext[:])
			if rawLen > maxFrameSize {
				return
			}
			length = int64(rawLen)
		}
		if length > maxFrameSize {
			return
		}

		var maskKey [4]byte
		if masked {
			if _, err := io.ReadFull(buf, maskKey[:]); err != nil {
				return
			}
		}

		// Close frame — graceful client disconnect.
		if opcode == 0x08 {
			h.logger.Debug("websocket: received close frame", slog.String("client_id", client.ID()))
			return
		}

		// Only text frames carry protocol messages; anything else (binary,
		// continuation, control pings) is drained and dropped.
		if opcode != 0x01 {
			if length > 0 {
				if _, err := io.CopyN(io.Discard, buf, length); err != nil {
					return
				}
			}
			continue
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(buf, payload); err != nil {
			return
		}
		if masked {
			for i := range payload {
				payload[i] ^= maskKey[i%4]
			}
		}

		h.handleClientMessage(client, payload)
	}
}

// handleClientMessage interprets one client text frame. The only recognised
// message is the application-level ping.
func (h *WSHandler) handleClientMessage(client *Client, payload []byte) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		h.logger.Debug("websocket: unparseable client message",
			slog.String("client_id", client.ID()), slog.Any("error", err))
		return
	}
	if msg.Type != "ping" {
		return
	}

	pong, err := json.Marshal(Message{Type: "pong"})
	if err != nil {
		return
	}
	if !client.enqueue(pong) {
		h.logger.Debug("websocket: pong dropped, client buffer full",
			slog.String("client_id", client.ID()))
	}
}

// isWebSocketUpgrade reports whether the request carries the WebSocket
// upgrade headers from RFC 6455 §4.1.
func isWebSocketUpgrade(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

// computeAcceptKey derives the Sec-WebSocket-Accept value from the client's
// Sec-WebSocket-Key as defined in RFC 6455 §4.1.
func computeAcceptKey(key string) string {
	//nolint:gosec // SHA-1 is mandated by RFC 6455; not used for security
	h := sha1.New()
	h.Write([]byte(key + wsGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// writeTextFrame encodes payload as a single unfragmented text frame
// (FIN=1, opcode=0x1). Server-to-client frames are never masked
// (RFC 6455 §5.1).
func writeTextFrame(conn net.Conn, payload []byte) error {
	n := len(payload)
	var header []byte

	switch {
	case n < 126:
		header = []byte{0x81, byte(n)}
	case n < 65536:
		header = []byte{0x81, 126, 0, 0}
		binary.BigEndian.PutUint16(header[2:], uint16(n))
	default:
		header = make([]byte, 10)
		header[0] = 0x81
		header[1] = 127
		binary.BigEndian.PutUint64(header[2:], uint64(n))
	}

	if _, err := conn.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("write payload: %w", err)
	}
	return nil
}
