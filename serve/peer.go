package main

import (
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	ghostline "github.com/Paranoid-AF/ghostline"
)

const writeTimeout = 5 * time.Second

// transport writes one encoded event to an editor.
type transport interface {
	write(data []byte) error
	close() error
}

// lineTransport writes newline-delimited JSON to a Unix socket connection.
type lineTransport struct {
	conn net.Conn
}

func (t lineTransport) write(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := t.conn.Write(append(data, '\n'))
	return err
}

func (t lineTransport) close() error { return t.conn.Close() }

// wsTransport writes one JSON text frame per event.
type wsTransport struct {
	conn *websocket.Conn
}

func (t wsTransport) write(data []byte) error {
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t wsTransport) close() error { return t.conn.Close() }

// peer is one connected editor. Writes are serialized because engines render
// from timer and stream goroutines.
type peer struct {
	t      transport
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
}

func newPeer(t transport, logger *slog.Logger) *peer {
	return &peer{t: t, logger: logger}
}

func (p *peer) send(ev ghostline.ServerEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.logger.Debug("event", "data", string(data))
	if err := p.t.write(data); err != nil {
		p.logger.Debug("write failed, dropping connection", "error", err)
		p.closed = true
		p.t.close()
	}
}

func (p *peer) sendError(sessionID, code, message string) {
	p.send(ghostline.ServerEvent{
		Type:      ghostline.EventError,
		SessionID: sessionID,
		Error:     &ghostline.Error{Code: code, Message: message},
	})
}

func (p *peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.t.close()
}
