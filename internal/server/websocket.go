package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"camrelay/internal/control"
)

const wsWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // パネルは別オリジンからも開かれる
	},
}

// TelemetryMessage はWebSocketで送るメッセージ
type TelemetryMessage struct {
	Type string            `json:"type"`
	Data control.Telemetry `json:"data"`
}

// TelemetryWebSocket はテレメトリの更新をWebSocketで送り続ける
func (h *Handler) TelemetryWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("WebSocketへのアップグレードに失敗")
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.poller.Subscribe()
	defer unsubscribe()

	log.Debug().Str("client_ip", c.ClientIP()).Msg("テレメトリのWebSocket接続を確立しました")

	// クライアントからの読み取りは切断検知だけに使う
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	if t, err := h.poller.Current(); err == nil {
		if err := writeTelemetry(conn, t); err != nil {
			return
		}
	}

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(wsWriteTimeout))
			return
		case <-closed:
			log.Debug().Msg("テレメトリのWebSocket接続が閉じられました")
			return
		case t := <-updates:
			if err := writeTelemetry(conn, t); err != nil {
				log.Debug().Err(err).Msg("テレメトリの送信に失敗")
				return
			}
		}
	}
}

func writeTelemetry(conn *websocket.Conn, t control.Telemetry) error {
	if err := conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout)); err != nil {
		return err
	}
	return conn.WriteJSON(TelemetryMessage{Type: "telemetry", Data: t})
}
