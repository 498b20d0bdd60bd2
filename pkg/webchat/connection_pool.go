package webchat

import (
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const replayBufferSize = 256

// wsConn is the slice of *websocket.Conn the pool needs. Tests substitute
// stub connections.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var _ wsConn = (*websocket.Conn)(nil)

// ConnectionPool manages the observer websockets of one conversation. It
// centralizes broadcasting, dead-connection cleanup, and a bounded replay of
// recent frames so late attachers see the tail of an in-flight turn.
type ConnectionPool struct {
	convID string
	mu     sync.Mutex
	conns  map[wsConn]struct{}
	replay [][]byte
}

func NewConnectionPool(convID string) *ConnectionPool {
	return &ConnectionPool{
		convID: convID,
		conns:  map[wsConn]struct{}{},
	}
}

// Add registers a connection and replays buffered frames to it.
func (cp *ConnectionPool) Add(conn wsConn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	pending := make([][]byte, len(cp.replay))
	copy(pending, cp.replay)
	cp.mu.Unlock()
	for _, data := range pending {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			cp.Remove(conn)
			return
		}
	}
}

func (cp *ConnectionPool) Remove(conn wsConn) {
	if cp == nil || conn == nil {
		_ = closeConn(conn)
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.mu.Unlock()
	_ = closeConn(conn)
}

// Broadcast writes data to every connection, dropping the ones that fail,
// and appends it to the replay buffer.
func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	cp.replay = append(cp.replay, data)
	if len(cp.replay) > replayBufferSize {
		cp.replay = cp.replay[len(cp.replay)-replayBufferSize:]
	}
	for conn := range cp.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = closeConn(conn)
		}
	}
	cp.mu.Unlock()
}

// SendToOne writes data to a single registered connection.
func (cp *ConnectionPool) SendToOne(conn wsConn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "webchat").Str("conv_id", cp.convID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = closeConn(conn)
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = closeConn(conn)
		delete(cp.conns, conn)
	}
	cp.mu.Unlock()
}

func closeConn(conn wsConn) error {
	if conn == nil {
		return nil
	}
	return conn.Close()
}
