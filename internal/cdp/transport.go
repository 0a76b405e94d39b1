// Package cdp implements a typed client for the Chrome DevTools Protocol.
package cdp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Transport carries raw CDP messages. Each message is one complete JSON
// object; the framing underneath (a WebSocket frame, a line on a pipe) is
// the transport's concern.
type Transport interface {
	// Send sends a message to the runtime.
	Send(msg json.RawMessage) error

	// Receive receives the next message from the runtime.
	Receive() (json.RawMessage, error)

	// Close closes the transport.
	Close() error
}

// MaxMessageSize is the maximum allowed size of a single CDP message (10MB).
const MaxMessageSize = 10 * 1024 * 1024

// StreamTransport frames messages as newline-delimited JSON over any
// ReadWriteCloser. A WebSocket-backed connection should instead implement
// Transport directly, mapping one frame to one message.
type StreamTransport struct {
	rwc    io.ReadWriteCloser
	reader *bufio.Reader
	mu     sync.Mutex
}

// NewStreamTransport creates a transport over a ReadWriteCloser.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rwc:    rwc,
		reader: bufio.NewReaderSize(rwc, 64*1024),
	}
}

// Send sends a message followed by a newline.
func (t *StreamTransport) Send(msg json.RawMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.rwc.Write(msg); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if _, err := t.rwc.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("write delimiter: %w", err)
	}
	return nil
}

// Receive reads the next newline-delimited message.
func (t *StreamTransport) Receive() (json.RawMessage, error) {
	line, err := t.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	if len(line) > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum allowed %d", len(line), MaxMessageSize)
	}
	return json.RawMessage(line[:len(line)-1]), nil
}

// Close closes the underlying connection.
func (t *StreamTransport) Close() error {
	return t.rwc.Close()
}
