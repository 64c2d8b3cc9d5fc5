package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"chatsync/internal/apperror"
	"chatsync/internal/logging"
	"chatsync/internal/protocol"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeWait = 10 * time.Second

// ErrNotConnected is returned by Send while no connection is open
var ErrNotConnected = errors.New("push stream not connected")

// Stream is the client end of the server push stream
type Stream struct {
	url    string
	token  string
	dialer *websocket.Dialer
	log    *zap.SugaredLogger

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewStream(wsURL, token string, log *zap.SugaredLogger) *Stream {
	return &Stream{
		url:    wsURL,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.OrNop(log),
	}
}

// Run connects and hands every frame to handle, in order, until the
// connection drops or ctx ends. It returns nil only when ctx ended.
func (s *Stream) Run(ctx context.Context, handle func(protocol.ServerFrame)) error {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+s.token)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return apperror.Unauthorized("push stream rejected the token")
		}
		return apperror.Network(err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return apperror.Network(err)
		}

		var frame protocol.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			s.log.Warnf("dropping unreadable frame: %v", err)
			continue
		}
		handle(frame)
	}
}

// Send writes a frame to the open connection
func (s *Stream) Send(frame protocol.ClientFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return apperror.Network(err)
	}
	return nil
}

// SendComposeAction sends a compose signal over the push stream
func (s *Stream) SendComposeAction(_ context.Context, in protocol.SendComposeActionInput) error {
	return s.Send(protocol.ClientFrame{Type: protocol.FrameComposeAction, ComposeAction: &in})
}
