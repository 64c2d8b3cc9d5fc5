package realtime

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"chatsync/internal/protocol"

	"github.com/gofiber/contrib/websocket"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory websocket connection. Frames written by the
// server are decoded into frames; the test feeds client frames via in.
type fakeConn struct {
	in chan []byte

	mu      sync.Mutex
	frames  []protocol.ServerFrame
	closed  bool
	closeMs bool
	block   chan struct{}
	waiting int
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16)}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	data, ok := <-c.in
	if !ok {
		return 0, nil, errConnClosed
	}
	return websocket.TextMessage, data, nil
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	block := c.block
	if block != nil {
		c.waiting++
	}
	c.mu.Unlock()
	if block != nil {
		<-block
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errConnClosed
	}
	switch messageType {
	case websocket.CloseMessage:
		c.closeMs = true
	case websocket.TextMessage:
		var f protocol.ServerFrame
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		c.frames = append(c.frames, f)
	}
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.in)
	}
	return nil
}

// hangup simulates the client going away
func (c *fakeConn) hangup() { c.Close() }

func (c *fakeConn) updateFrames() []protocol.ServerFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []protocol.ServerFrame
	for _, f := range c.frames {
		if f.Type == protocol.FrameUpdates {
			out = append(out, f)
		}
	}
	return out
}

func (c *fakeConn) allUpdates() []protocol.Update {
	var out []protocol.Update
	for _, f := range c.updateFrames() {
		out = append(out, f.Updates...)
	}
	return out
}

func (c *fakeConn) sentClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeMs
}

// wedge makes every later write wait until the returned func is called
func (c *fakeConn) wedge() (release func()) {
	ch := make(chan struct{})
	c.mu.Lock()
	c.block = ch
	c.mu.Unlock()
	return func() { close(ch) }
}

func (c *fakeConn) waitingWrites() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.waiting
}

func (c *fakeConn) frameCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}
