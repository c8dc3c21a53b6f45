package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// EventType 是即時事件的標籤，集合是封閉的
type EventType string

const (
	EventTypeMessage EventType = "message" // 聊天訊息
	EventTypeTyping  EventType = "typing"  // 輸入中訊號
	EventTypeRoom    EventType = "room"    // 聊天室建立或成員更新通知（僅伺服器發出）
	EventTypeStatus  EventType = "status"  // 即時連線狀態（僅伺服器發出）
)

// PresenceSignal 是短暫的「正在輸入」訊號，不會寫入資料庫
type PresenceSignal struct {
	RoomID    primitive.ObjectID `json:"roomId"`
	ActorID   string             `json:"actorId"`
	Active    bool               `json:"active"`
	EmittedAt time.Time          `json:"emittedAt"`
}

// ConnectionState 是即時傳輸的健康狀態
type ConnectionState string

const (
	StateHealthy      ConnectionState = "healthy"
	StateReconnecting ConnectionState = "reconnecting"
)

// StatusNotice 通知前端顯示「重新連線中」
type StatusNotice struct {
	State ConnectionState `json:"state"`
}

// RoomNotice 通知參與者聊天室已建立或成員已變更
type RoomNotice struct {
	Room   *ChatRoom `json:"room"`
	Change string    `json:"change"` // created, participants_added, participant_removed
}

// Event 是即時事件的標籤聯集，只有與 Type 對應的欄位有值
type Event struct {
	Type    EventType       `json:"type"`
	Message *Message        `json:"message,omitempty"`
	Typing  *PresenceSignal `json:"typing,omitempty"`
	Room    *RoomNotice     `json:"room,omitempty"`
	Status  *StatusNotice   `json:"status,omitempty"`
}

// MessageEvent 包裝一則訊息
func MessageEvent(m *Message) Event {
	return Event{Type: EventTypeMessage, Message: m}
}

// TypingEvent 包裝一個輸入中訊號
func TypingEvent(s *PresenceSignal) Event {
	return Event{Type: EventTypeTyping, Typing: s}
}

// Validate 確認事件形狀與標籤相符
func (e Event) Validate() error {
	switch e.Type {
	case EventTypeMessage:
		if e.Message == nil || e.Typing != nil {
			return errors.New("message event must carry exactly a message")
		}
		if e.Message.ID.IsZero() || e.Message.RoomID.IsZero() {
			return errors.New("message event without persisted identity")
		}
	case EventTypeTyping:
		if e.Typing == nil || e.Message != nil {
			return errors.New("typing event must carry exactly a signal")
		}
		if e.Typing.RoomID.IsZero() || e.Typing.ActorID == "" {
			return errors.New("typing event without room or actor")
		}
	case EventTypeRoom:
		if e.Room == nil || e.Room.Room == nil {
			return errors.New("room event without room")
		}
	case EventTypeStatus:
		if e.Status == nil {
			return errors.New("status event without state")
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	return nil
}

// DecodeEvent 在傳輸邊界解析並驗證事件
func DecodeEvent(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if err := e.Validate(); err != nil {
		return Event{}, err
	}
	return e, nil
}
