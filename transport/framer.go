package transport

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned after a Framer or Conn has been closed.
var ErrClosed = errors.New("transport closed")

// maxLineSize bounds one line-delimited message.
const maxLineSize = 4 * 1024 * 1024

// Framer reads and writes whole messages.
// ReadFrame is called from one goroutine; WriteFrame may be called
// concurrently.
type Framer interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// lineFramer frames messages as newline-terminated JSON documents.
type lineFramer struct {
	scanner *bufio.Scanner
	r       io.Reader
	w       io.Writer

	mu     sync.Mutex
	closed bool
}

// NewLineFramer frames over r and w. Close closes either side that
// implements io.Closer.
func NewLineFramer(r io.Reader, w io.Writer) Framer {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	return &lineFramer{scanner: scanner, r: r, w: w}
}

func (f *lineFramer) ReadFrame() ([]byte, error) {
	for f.scanner.Scan() {
		line := f.scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		out := make([]byte, len(line))
		copy(out, line)
		return out, nil
	}
	if err := f.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

func (f *lineFramer) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	_, err := f.w.Write(append(data, '\n'))
	return err
}

func (f *lineFramer) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.mu.Unlock()

	var errs []error
	if c, ok := f.w.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	if c, ok := f.r.(io.Closer); ok {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// WebSocketConfig holds WebSocket framing settings.
type WebSocketConfig struct {
	// WriteTimeout bounds each write. Default: 10s
	WriteTimeout time.Duration

	// MaxMessageSize limits incoming frames. Default: 1MB
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns configuration with sensible defaults.
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 1024 * 1024,
	}
}

type wsFramer struct {
	conn   *websocket.Conn
	config WebSocketConfig

	mu     sync.Mutex
	closed bool
}

// NewWebSocketFramer frames over an established WebSocket connection.
func NewWebSocketFramer(conn *websocket.Conn, cfg WebSocketConfig) Framer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWebSocketConfig().WriteTimeout
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultWebSocketConfig().MaxMessageSize
	}
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &wsFramer{conn: conn, config: cfg}
}

// NewWebSocketUpgrader creates an upgrader for accepting WebSocket peers.
func NewWebSocketUpgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

func (f *wsFramer) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := f.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (f *wsFramer) WriteFrame(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrClosed
	}
	f.conn.SetWriteDeadline(time.Now().Add(f.config.WriteTimeout))
	return f.conn.WriteMessage(websocket.TextMessage, data)
}

func (f *wsFramer) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	f.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	f.mu.Unlock()
	return f.conn.Close()
}
