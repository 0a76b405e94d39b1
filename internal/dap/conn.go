package dap

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

// Handler consumes client requests read by a Conn.
type Handler interface {
	// HandleRequest handles one DAP request. Implementations answer with
	// Conn.SendResponse or Conn.SendErrorResponse.
	HandleRequest(req *Request)
}

// Conn is the adapter side of a DAP connection. It reads client requests
// and writes responses and events, stamping each outgoing message with a
// monotonically increasing sequence number.
type Conn struct {
	transport Transport
	seq       int64
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn creates a connection over the given transport.
func NewConn(transport Transport) *Conn {
	return &Conn{
		transport: transport,
		done:      make(chan struct{}),
	}
}

// Serve reads requests and hands them to the handler until the transport
// fails or the connection is closed. Requests are dispatched on the read
// loop; handlers that block on the debuggee must not deadlock the loop by
// waiting for a later client request.
func (c *Conn) Serve(handler Handler) error {
	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}

		var req Request
		if err := json.Unmarshal(msg.Content, &req); err != nil {
			continue
		}
		if req.Type != "request" {
			continue
		}

		handler.HandleRequest(&req)
	}
}

// Close closes the connection and underlying transport.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return c.transport.Close()
}

// nextSeq allocates the next outgoing sequence number.
func (c *Conn) nextSeq() int {
	return int(atomic.AddInt64(&c.seq, 1))
}

// send marshals and sends one outgoing message.
func (c *Conn) send(v interface{}) error {
	content, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	return c.transport.Send(&Message{
		ContentLength: len(content),
		Content:       content,
	})
}

// SendResponse sends a success response for the given request. A nil body
// sends a response without one.
func (c *Conn) SendResponse(req *Request, body interface{}) error {
	var bodyJSON json.RawMessage
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	return c.send(Response{
		ProtocolMessage: ProtocolMessage{
			Seq:  c.nextSeq(),
			Type: "response",
		},
		RequestSeq: req.Seq,
		Success:    true,
		Command:    req.Command,
		Body:       bodyJSON,
	})
}

// SendErrorResponse sends a failure response for the given request.
func (c *Conn) SendErrorResponse(req *Request, message string) error {
	return c.send(Response{
		ProtocolMessage: ProtocolMessage{
			Seq:  c.nextSeq(),
			Type: "response",
		},
		RequestSeq: req.Seq,
		Success:    false,
		Command:    req.Command,
		Message:    message,
	})
}

// SendEvent sends an event to the client. A nil body sends an event
// without one.
func (c *Conn) SendEvent(event string, body interface{}) error {
	var bodyJSON json.RawMessage
	if body != nil {
		var err error
		bodyJSON, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
	}

	return c.send(Event{
		ProtocolMessage: ProtocolMessage{
			Seq:  c.nextSeq(),
			Type: "event",
		},
		Event: event,
		Body:  bodyJSON,
	})
}
