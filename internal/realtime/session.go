package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"chatsync/internal/protocol"

	"github.com/gofiber/contrib/websocket"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Conn is the part of a websocket connection a session uses
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session is one connected device of a user
type Session struct {
	ID     string
	UserID int64

	conn     Conn
	hub      *Hub
	out      *outbox
	log      *zap.SugaredLogger
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession creates a session with a fresh time-ordered id
func NewSession(userID int64, conn Conn, hub *Hub) *Session {
	id := ulid.Make().String()
	return &Session{
		ID:     id,
		UserID: userID,
		conn:   conn,
		hub:    hub,
		out:    newOutbox(hub.queueSize),
		log:    hub.log.With("userID", userID, "sessionID", id),
		done:   make(chan struct{}),
	}
}

// Serve registers the session, runs both pumps and blocks until the
// connection ends. It is what the websocket handler calls.
func (s *Session) Serve() {
	s.hub.Register(s)
	go s.WritePump()
	s.ReadPump()
}

// ReadPump handles frames coming from the client. It owns the lifetime of
// the session: when it returns, the session is unregistered.
func (s *Session) ReadPump() {
	defer func() {
		s.hub.Unregister(s)
		s.conn.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.log.Warnf("websocket read error: %v", err)
			}
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(message, &frame); err != nil {
			s.log.Debugf("failed to parse client frame: %v", err)
			continue
		}
		s.handleClientFrame(frame)
	}
}

func (s *Session) handleClientFrame(frame protocol.ClientFrame) {
	switch frame.Type {
	case protocol.FrameComposeAction:
		handler := s.hub.composeHandler()
		if frame.ComposeAction == nil || handler == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := handler(ctx, s.UserID, *frame.ComposeAction); err != nil {
			s.log.Debugf("compose action rejected: %v", err)
		}
	default:
		s.log.Debugf("unknown client frame type: %s", frame.Type)
	}
}

// WritePump drains the outbox into the connection and keeps it alive with pings
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	if err := s.writeFrame(protocol.ServerFrame{Type: protocol.FrameConnectionOpen, SessionID: s.ID}); err != nil {
		return
	}

	for {
		select {
		case <-s.out.signal:
			for _, b := range s.out.drain() {
				if err := s.writeFrame(protocol.ServerFrame{Type: protocol.FrameUpdates, Updates: b.updates}); err != nil {
					s.log.Warnf("write error: %v", err)
					return
				}
			}
			if s.out.isClosed() {
				s.conn.SetWriteDeadline(time.Now().Add(writeWait))
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

func (s *Session) writeFrame(frame protocol.ServerFrame) error {
	frame.Timestamp = time.Now()
	data, err := json.Marshal(frame)
	if err != nil {
		s.log.Errorf("failed to marshal frame: %v", err)
		return nil
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// enqueue hands updates to the writer without blocking
func (s *Session) enqueue(updates []protocol.Update) (shed []protocol.Update, ok bool) {
	return s.out.push(updates)
}

// stop closes the outbox so the writer flushes and sends a close frame
func (s *Session) stop() {
	s.out.close()
}

// terminate ends the writer immediately, used once the reader is gone
func (s *Session) terminate() {
	s.doneOnce.Do(func() { close(s.done) })
}
