package server

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsSendBuffer bounds the per-connection output queue. A client that
// cannot keep up is disconnected; it reconnects and replays the tail.
const wsSendBuffer = 256

// wsControl is a JSON control frame on the terminal socket. Binary
// frames carry raw keystrokes.
type wsControl struct {
	Type string `json:"type"` // "resize"
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// handleTerminalWS attaches a websocket client to a session's raw
// terminal stream: output taps flow down, keystrokes flow up.
func (s *Server) handleTerminalWS(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.core.GetSession(id); err != nil {
		s.fail(c, err)
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	send := make(chan []byte, wsSendBuffer)
	closed := make(chan struct{})
	var closeOnce sync.Once
	shutdown := func() { closeOnce.Do(func() { close(closed) }) }

	remove, err := s.core.TapOutput(id, func(chunk []byte) {
		buf := make([]byte, len(chunk))
		copy(buf, chunk)
		select {
		case send <- buf:
		default:
			// Slow consumer; drop the connection rather than buffer
			// unboundedly.
			shutdown()
		}
	})
	if err != nil {
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, err.Error()))
		return
	}
	defer remove()

	// Replay the recent raw tail so the client renders the current screen.
	if tail, err := s.core.RawTail(id, 256*1024); err == nil && len(tail) > 0 {
		if err := conn.WriteMessage(websocket.BinaryMessage, tail); err != nil {
			return
		}
	}

	// Writer: tap chunks down to the client.
	writeDone := make(chan struct{})
	go func() {
		defer close(writeDone)
		for {
			select {
			case <-closed:
				return
			case chunk := <-send:
				if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
					shutdown()
					return
				}
			}
		}
	}()

	// Reader: keystrokes and control frames up to the session.
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := s.core.WriteRaw(id, data); err != nil {
				s.logger.Debug("terminal write failed",
					zap.String("session_id", id), zap.Error(err))
			}
		case websocket.TextMessage:
			var ctl wsControl
			if err := json.Unmarshal(data, &ctl); err != nil {
				continue
			}
			if ctl.Type == "resize" {
				if err := validateDims(ctl.Cols, ctl.Rows); err != nil {
					continue
				}
				_ = s.core.Resize(id, ctl.Cols, ctl.Rows)
			}
		}
	}

	shutdown()
	<-writeDone

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}
