package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// Envelope 是在節點之間傳遞的房間廣播
type Envelope struct {
	Origin string             `json:"origin"`           // 發出的節點
	Sender string             `json:"sender,omitempty"` // 發送者的連線 ID，廣播時排除
	RoomID primitive.ObjectID `json:"roomId"`
	Event  models.Event       `json:"event"`
}

// Bridge 把房間廣播送到其他節點
type Bridge interface {
	Publish(ctx context.Context, env *Envelope) error
	Subscribe(roomID primitive.ObjectID)
	Unsubscribe(roomID primitive.ObjectID)
}

// Hub 維護所有活躍的連線，並處理聊天室範圍的廣播
type Hub struct {
	NodeID string

	mu            sync.RWMutex
	conns         map[string]*Conn                               // identity -> conn
	clientsByRoom map[primitive.ObjectID]map[*Conn]struct{}      // 按聊天室ID索引的連線
	bridge        Bridge
	state         models.ConnectionState
	broadcast     chan *Envelope
	inboxSize     int
}

// NewHub 創建並返回一個新的 Hub 實例
func NewHub() *Hub {
	return &Hub{
		NodeID:        uuid.NewString(),
		conns:         make(map[string]*Conn),
		clientsByRoom: make(map[primitive.ObjectID]map[*Conn]struct{}),
		state:         models.StateHealthy,
		broadcast:     make(chan *Envelope, 256),
		inboxSize:     256,
	}
}

// AttachBridge 設定跨節點橋接，必須在 Run 之前呼叫
func (h *Hub) AttachBridge(b Bridge) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bridge = b
}

// Run 啟動 Hub 的廣播迴圈，直到 ctx 結束
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.broadcast:
			h.fanout(env)
		}
	}
}

// Connect 取得 identity 的連線；已有健康的連線時直接回傳
func (h *Hub) Connect(identity string) *Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	if c, ok := h.conns[identity]; ok && !c.isClosed() {
		return c
	}
	c := newConn(h, identity, h.inboxSize)
	h.conns[identity] = c
	l := logging.L()
	l.Debug().Str(logging.FieldUserID, identity).Str(logging.FieldConnID, c.ID).Msg("realtime connection opened")
	return c
}

// Connected 回傳 identity 目前的連線
func (h *Hub) Connected(identity string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.conns[identity]
	if !ok || c.isClosed() {
		return nil, false
	}
	return c, true
}

// Publish 以系統身分廣播到聊天室（沒有要排除的發送者）
func (h *Hub) Publish(ctx context.Context, roomID primitive.ObjectID, e models.Event) error {
	return h.publish(ctx, &Envelope{Origin: h.NodeID, RoomID: roomID, Event: e})
}

// State 回傳跨節點傳輸的狀態
func (h *Hub) State() models.ConnectionState {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.state
}

// RoomSize 回傳本節點加入該聊天室的連線數
func (h *Hub) RoomSize(roomID primitive.ObjectID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clientsByRoom[roomID])
}

func (h *Hub) publish(ctx context.Context, env *Envelope) error {
	if err := env.Event.Validate(); err != nil {
		return fmt.Errorf("%w: %v", models.ErrValidation, err)
	}

	select {
	case h.broadcast <- env:
	default:
		return fmt.Errorf("%w: hub backlog full", models.ErrTransportDegraded)
	}

	h.mu.RLock()
	bridge, state := h.bridge, h.state
	h.mu.RUnlock()
	if bridge == nil {
		return nil
	}
	if state != models.StateHealthy {
		return fmt.Errorf("%w: bridge %s", models.ErrTransportDegraded, state)
	}
	if err := bridge.Publish(ctx, env); err != nil {
		return fmt.Errorf("%w: %v", models.ErrTransportDegraded, err)
	}
	return nil
}

// deliverRemote 處理從其他節點收到的廣播
func (h *Hub) deliverRemote(env *Envelope) {
	if env.Origin == h.NodeID {
		return
	}
	select {
	case h.broadcast <- env:
	default:
		l := logging.L()
		l.Warn().Str(logging.FieldRoomID, env.RoomID.Hex()).Msg("hub backlog full, dropping remote broadcast")
	}
}

// 廣播訊息到特定聊天室
func (h *Hub) fanout(env *Envelope) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clientsByRoom[env.RoomID] {
		if c.ID == env.Sender {
			continue
		}
		if !c.enqueue(env.Event) {
			l := logging.L()
			l.Warn().Str(logging.FieldConnID, c.ID).Str(logging.FieldRoomID, env.RoomID.Hex()).Msg("connection inbox full, event dropped")
		}
	}
}

func (h *Hub) join(c *Conn, roomID primitive.ObjectID) {
	h.mu.Lock()
	members, ok := h.clientsByRoom[roomID]
	if !ok {
		members = make(map[*Conn]struct{})
		h.clientsByRoom[roomID] = members
	}
	members[c] = struct{}{}
	first := !ok
	bridge := h.bridge
	h.mu.Unlock()

	if first && bridge != nil {
		bridge.Subscribe(roomID)
	}
}

func (h *Hub) leave(c *Conn, roomID primitive.ObjectID) {
	h.mu.Lock()
	last := false
	if members, ok := h.clientsByRoom[roomID]; ok {
		delete(members, c)
		if len(members) == 0 {
			delete(h.clientsByRoom, roomID) // 如果房間沒有連線了，就刪除房間
			last = true
		}
	}
	bridge := h.bridge
	h.mu.Unlock()

	if last && bridge != nil {
		bridge.Unsubscribe(roomID)
	}
}

func (h *Hub) unregister(c *Conn, rooms []primitive.ObjectID) {
	for _, roomID := range rooms {
		h.leave(c, roomID)
	}
	h.mu.Lock()
	if cur, ok := h.conns[c.Identity]; ok && cur == c {
		delete(h.conns, c.Identity)
	}
	h.mu.Unlock()
	l := logging.L()
	l.Debug().Str(logging.FieldUserID, c.Identity).Str(logging.FieldConnID, c.ID).Msg("realtime connection closed")
}

// localRooms 回傳本節點有成員的聊天室，重新連線後用來重新訂閱
func (h *Hub) localRooms() []primitive.ObjectID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]primitive.ObjectID, 0, len(h.clientsByRoom))
	for id := range h.clientsByRoom {
		rooms = append(rooms, id)
	}
	return rooms
}

// setState 更新傳輸狀態並通知每一個連線
func (h *Hub) setState(state models.ConnectionState) {
	h.mu.Lock()
	if h.state == state {
		h.mu.Unlock()
		return
	}
	h.state = state
	conns := make([]*Conn, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	e := models.Event{Type: models.EventTypeStatus, Status: &models.StatusNotice{State: state}}
	for _, c := range conns {
		c.enqueue(e)
	}
}
