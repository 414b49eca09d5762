package cometdtest

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/cometd/pkg/bayeux"
)

const writeWait = 5 * time.Second

// wsConn is one websocket connection. Writes are serialized; reads happen on
// the goroutine running readLoop.
type wsConn struct {
	conn  *websocket.Conn
	codec bayeux.Codec

	mu       sync.Mutex
	sessions []*session
}

func (s *Server) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	ws := &wsConn{conn: conn, codec: s.codec}
	conn.SetReadLimit(int64(s.config.MaxRequestSize.Bytes()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer cancel()
		defer ws.close()
		s.readLoop(ctx, ws)
	}()
}

func (s *Server) readLoop(ctx context.Context, ws *wsConn) {
	for {
		_, data, err := ws.conn.ReadMessage()
		if err != nil {
			s.logger.Debug("websocket closed", "error", err)
			return
		}
		messages, err := s.codec.Decode(data)
		if err != nil {
			s.logger.Warn("dropping undecodable websocket frame", "error", err)
			continue
		}
		if replies := s.serve(ctx, messages, ws); len(replies) > 0 {
			if err := ws.send(replies); err != nil {
				return
			}
		}
	}
}

// send writes messages as one frame.
func (ws *wsConn) send(messages []*bayeux.Message) error {
	if len(messages) == 0 {
		return nil
	}
	data, err := ws.codec.Encode(messages)
	if err != nil {
		return err
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()
	_ = ws.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.conn.WriteMessage(websocket.TextMessage, data)
}

// bind remembers a session attached to this connection so it can be
// detached when the connection goes away.
func (ws *wsConn) bind(sess *session) {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	for _, s := range ws.sessions {
		if s == sess {
			return
		}
	}
	ws.sessions = append(ws.sessions, sess)
}

func (ws *wsConn) close() {
	ws.mu.Lock()
	sessions := ws.sessions
	ws.sessions = nil
	ws.mu.Unlock()
	for _, sess := range sessions {
		sess.detach(ws)
	}
	_ = ws.conn.Close()
}
