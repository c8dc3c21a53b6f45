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

// Conn 是一個身分在 Hub 上的即時連線。
// 收到的事件由單一 goroutine 依序分派給已註冊的處理函式，處理函式之間不會同時執行。
type Conn struct {
	ID       string
	Identity string

	hub   *Hub
	inbox chan models.Event

	mu        sync.RWMutex
	rooms     map[primitive.ObjectID]struct{}
	onMessage []func(*models.Message)
	onTyping  []func(*models.PresenceSignal)
	onStatus  []func(models.ConnectionState)

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func newConn(h *Hub, identity string, inboxSize int) *Conn {
	c := &Conn{
		ID:       uuid.NewString(),
		Identity: identity,
		hub:      h,
		inbox:    make(chan models.Event, inboxSize),
		rooms:    make(map[primitive.ObjectID]struct{}),
		closed:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go c.dispatchLoop()
	return c
}

// Join 加入聊天室；重複加入沒有影響
func (c *Conn) Join(roomID primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.isClosed() {
		return
	}
	if _, ok := c.rooms[roomID]; ok {
		return
	}
	c.rooms[roomID] = struct{}{}
	c.hub.join(c, roomID)
}

// Leave 離開聊天室；從未加入的聊天室直接忽略
func (c *Conn) Leave(roomID primitive.ObjectID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return
	}
	delete(c.rooms, roomID)
	c.hub.leave(c, roomID)
}

// joined 回傳是否已加入該聊天室
func (c *Conn) joined(roomID primitive.ObjectID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Broadcast 盡力送給聊天室中的其他連線，不保證送達
func (c *Conn) Broadcast(ctx context.Context, roomID primitive.ObjectID, e models.Event) error {
	if c.isClosed() {
		return fmt.Errorf("%w: connection closed", models.ErrTransportDegraded)
	}
	return c.hub.publish(ctx, &Envelope{Origin: c.hub.NodeID, Sender: c.ID, RoomID: roomID, Event: e})
}

// OnMessage 註冊訊息處理函式，所有註冊的函式都會被呼叫
func (c *Conn) OnMessage(h func(*models.Message)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onMessage = append(c.onMessage, h)
}

// OnTyping 註冊輸入中訊號處理函式
func (c *Conn) OnTyping(h func(*models.PresenceSignal)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTyping = append(c.onTyping, h)
}

// OnStatus 註冊傳輸狀態處理函式
func (c *Conn) OnStatus(h func(models.ConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, h)
}

// Close 拆除連線與所有聊天室成員資格，並等待正在執行的處理函式結束。
// 不可在處理函式內呼叫。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		close(c.closed)
		rooms := make([]primitive.ObjectID, 0, len(c.rooms))
		for id := range c.rooms {
			rooms = append(rooms, id)
		}
		c.rooms = make(map[primitive.ObjectID]struct{})
		c.mu.Unlock()

		c.hub.unregister(c, rooms)
	})
	<-c.done
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *Conn) enqueue(e models.Event) bool {
	if c.isClosed() {
		return false
	}
	select {
	case c.inbox <- e:
		return true
	default:
		return false
	}
}

func (c *Conn) dispatchLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.closed:
			return
		case e := <-c.inbox:
			if c.isClosed() {
				return
			}
			c.dispatch(e)
		}
	}
}

func (c *Conn) dispatch(e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			l := logging.L()
			l.Error().Interface("panic", r).Str(logging.FieldConnID, c.ID).Msg("realtime handler panicked")
		}
	}()

	c.mu.RLock()
	msgHandlers, typingHandlers, statusHandlers := c.onMessage, c.onTyping, c.onStatus
	c.mu.RUnlock()

	switch e.Type {
	case models.EventTypeMessage:
		for _, h := range msgHandlers {
			h(e.Message)
		}
	case models.EventTypeTyping:
		for _, h := range typingHandlers {
			h(e.Typing)
		}
	case models.EventTypeStatus:
		for _, h := range statusHandlers {
			h(e.Status.State)
		}
	}
}
