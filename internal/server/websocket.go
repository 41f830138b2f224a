package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/MarcoPoloResearchLab/scribe/backend/internal/room"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256

	// Application close codes, alongside the protocol-defined ones.
	closeCodeRoomFull       = 4001
	closeCodeNotInitialized = 4002
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsConnection adapts one websocket to the room actor's connection surface.
// Send never blocks the actor: a full queue drops the payload and the client
// recovers on its next full reload.
type wsConnection struct {
	ws     *websocket.Conn
	logger *zap.Logger

	send    chan []byte
	closing chan struct{}
	once    sync.Once
	reason  room.CloseReason
}

func newWSConnection(ws *websocket.Conn, logger *zap.Logger) *wsConnection {
	return &wsConnection{
		ws:      ws,
		logger:  logger,
		send:    make(chan []byte, sendQueueSize),
		closing: make(chan struct{}),
	}
}

func (conn *wsConnection) Send(payload []byte) {
	select {
	case conn.send <- payload:
	default:
		conn.logger.Warn("send queue full, dropping payload")
	}
}

func (conn *wsConnection) Close(reason room.CloseReason) {
	conn.once.Do(func() {
		conn.reason = reason
		close(conn.closing)
	})
}

func (conn *wsConnection) closeCode() int {
	switch conn.reason {
	case room.CloseOversizeMessage:
		return websocket.CloseMessageTooBig
	default:
		return websocket.CloseGoingAway
	}
}

// readPump forwards inbound messages to the actor until the socket closes.
// It runs on the handler goroutine.
func (conn *wsConnection) readPump(actor *room.Actor, maxMessageBytes int64) {
	conn.ws.SetReadLimit(maxMessageBytes)
	conn.ws.SetReadDeadline(time.Now().Add(pongWait))
	conn.ws.SetPongHandler(func(string) error {
		conn.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, payload, err := conn.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				conn.logger.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		actor.HandleMessage(conn, payload)
	}
}

// writePump drains the send queue onto the socket and keeps the connection
// alive with pings.
func (conn *wsConnection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.ws.Close()
	}()

	for {
		select {
		case payload := <-conn.send:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-conn.closing:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			message := websocket.FormatCloseMessage(conn.closeCode(), "")
			conn.ws.WriteMessage(websocket.CloseMessage, message)
			return
		case <-ticker.C:
			conn.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// rejectSocket closes a just-upgraded socket that failed room admission.
func rejectSocket(ws *websocket.Conn, code int, reason string) {
	ws.SetWriteDeadline(time.Now().Add(writeWait))
	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	ws.Close()
}
