package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// HandleConnections 處理 WebSocket 連線請求。
// 帶上 ?session= 且與目前的 Session 相同時，沿用原本的訂閱與尚未送出的封包。
func (g *Gateway) HandleConnections(w http.ResponseWriter, r *http.Request) {
	identity, err := utils.GetIdentityFromContext(r.Context())
	if err != nil {
		utils.SendJSONError(w, "Unauthorized: identity not found in context", http.StatusUnauthorized)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// upgrader 已回應錯誤
		l := logging.Ctx(r.Context())
		l.Warn().Err(err).Msg("failed to upgrade to WebSocket")
		return
	}

	a, reused := g.attach(identity)
	if !g.acquire(a) {
		g.writeClose(ws, websocket.CloseGoingAway, "session expired")
		ws.Close()
		return
	}
	defer g.release(a)

	l := logging.Ctx(r.Context()).With().Str(logging.FieldSessionID, a.id).Logger()
	ctx := logging.WithLogger(r.Context(), l)

	kick := a.takeOver()
	hello := Frame{Type: FrameHello, SessionID: a.id, Resumed: reused && r.URL.Query().Get("session") == a.id}
	ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
	if err := ws.WriteJSON(hello); err != nil {
		l.Warn().Err(err).Msg("failed to write hello")
		ws.Close()
		return
	}
	l.Info().Bool("resumed", hello.Resumed).Msg("socket attached")

	stop := make(chan struct{})
	go g.writePump(ctx, ws, a, kick, stop)
	g.readPump(ctx, ws, a)
	close(stop)
}

// 讀取客戶端指令並執行，回覆由 writePump 送出
func (g *Gateway) readPump(ctx context.Context, ws *websocket.Conn, a *attachment) {
	defer ws.Close()
	ws.SetReadLimit(g.opts.MaxMessageSize)
	ws.SetReadDeadline(time.Now().Add(g.opts.PongWait))
	ws.SetPongHandler(func(string) error { ws.SetReadDeadline(time.Now().Add(g.opts.PongWait)); return nil })

	l := logging.Ctx(ctx)
	for {
		_, p, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				l.Debug().Msg("client disconnected gracefully")
			} else {
				l.Debug().Err(err).Msg("socket read ended")
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(p, &f); err != nil {
			g.push(a, Frame{Type: FrameError, Error: models.ErrValidation.Error() + ": malformed frame"})
			continue
		}
		g.handle(ctx, a, f)
	}
}

// 把 Outbox 的封包送給前端，並定時 ping 保持連線
func (g *Gateway) writePump(ctx context.Context, ws *websocket.Conn, a *attachment, kick <-chan struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	l := logging.Ctx(ctx)
	for {
		select {
		case <-stop:
			return
		case <-kick:
			g.writeClose(ws, websocket.CloseNormalClosure, "replaced by a newer connection")
			return
		case <-a.outbox.Done():
			g.writeClose(ws, websocket.CloseGoingAway, "session expired")
			return
		case <-a.outbox.Ready():
			select {
			case <-kick:
				continue
			default:
			}
			frames := a.outbox.Drain()
			for i, f := range frames {
				ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
				if err := ws.WriteJSON(f); err != nil {
					// 留給下一個讀取者
					a.outbox.Requeue(frames[i:])
					l.Debug().Err(err).Msg("socket write failed")
					return
				}
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(g.opts.WriteWait))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (g *Gateway) writeClose(ws *websocket.Conn, code int, text string) {
	deadline := time.Now().Add(g.opts.WriteWait)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}
