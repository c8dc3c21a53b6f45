package websocket

import (
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// 封包類型
const (
	// client -> server
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameSend        = "send"
	FrameTyping      = "typing"
	FramePing        = "ping"

	// server -> client
	FrameHello   = "hello"
	FrameMessage = "message"
	FrameRoom    = "room"
	FrameStatus  = "status"
	FrameAck     = "ack"
	FrameError   = "error"
	FramePong    = "pong"
	FrameGap     = "gap" // 該聊天室有訊息因佇列滿被丟掉，請以 GET /rooms/{id}/messages 補回
)

// Frame 是 socket 與 long-poll 共用的 JSON 封包，只有與 Type 相關的欄位有值
type Frame struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"` // 由客戶端指定，回覆時原樣帶回

	RoomID string `json:"roomId,omitempty"`
	Text   string `json:"text,omitempty"`
	Active bool   `json:"active,omitempty"`

	SessionID string `json:"sessionId,omitempty"`
	Resumed   bool   `json:"resumed,omitempty"`

	Message *models.Message        `json:"message,omitempty"`
	Typing  *models.PresenceSignal `json:"typing,omitempty"`
	Room    *models.RoomNotice     `json:"room,omitempty"`
	Status  *models.StatusNotice   `json:"status,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// frameFromEvent 把伺服器通知轉成封包
func frameFromEvent(e models.Event) (Frame, bool) {
	switch e.Type {
	case models.EventTypeMessage:
		return Frame{Type: FrameMessage, Message: e.Message}, true
	case models.EventTypeTyping:
		return Frame{Type: FrameTyping, Typing: e.Typing}, true
	case models.EventTypeRoom:
		return Frame{Type: FrameRoom, Room: e.Room}, true
	case models.EventTypeStatus:
		return Frame{Type: FrameStatus, Status: e.Status}, true
	}
	return Frame{}, false
}
