package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// 聊天室通知的變更類型
const (
	ChangeCreated            = "created"
	ChangeParticipantsAdded  = "participants_added"
	ChangeParticipantRemoved = "participant_removed"
)

// Options 設定 Router 與其建立的 Session
type Options struct {
	ReorderWindow      time.Duration
	TypingExpiry       time.Duration
	DeliveryRecordSize int
	PendingLimit       int
	HistoryLimit       int
	Now                func() time.Time

	Files      FileResolver
	FileURLTTL time.Duration
}

// Router 負責聊天室與訊息：先寫入資料庫，成功後才盡力廣播
type Router struct {
	store     Store
	transport Transport
	opts      Options

	mu       sync.Mutex
	sessions map[string]*Session // identity -> session
}

// NewRouter 創建 Router；未設定的選項使用預設值
func NewRouter(store Store, transport Transport, opts Options) *Router {
	if opts.ReorderWindow < 0 {
		opts.ReorderWindow = 0
	}
	if opts.TypingExpiry <= 0 {
		opts.TypingExpiry = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = models.Now
	}
	if opts.FileURLTTL <= 0 {
		opts.FileURLTTL = 15 * time.Minute
	}
	return &Router{
		store:     store,
		transport: transport,
		opts:      opts,
		sessions:  make(map[string]*Session),
	}
}

func (r *Router) now() time.Time {
	return r.opts.Now()
}

func (r *Router) tickInterval() time.Duration {
	tick := r.opts.ReorderWindow / 2
	if limit := r.opts.TypingExpiry / 5; tick <= 0 || tick > limit {
		tick = limit
	}
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	return tick
}

// Connect 取得 identity 的 Session；已連線時回傳同一個
func (r *Router) Connect(identity string) *Session {
	for {
		r.mu.Lock()
		s, ok := r.sessions[identity]
		if !ok {
			break
		}
		if !s.Closed() {
			r.mu.Unlock()
			return s
		}
		r.mu.Unlock()
		// 等待舊 Session 拆除完連線，避免拿到即將關閉的 Conn
		<-s.finished
	}
	s := newSession(r, identity)
	r.sessions[identity] = s
	r.mu.Unlock()
	metrics.ActiveSessions.Inc()

	l := logging.L()
	l.Info().Str(logging.FieldUserID, identity).Str(logging.FieldSessionID, s.ID).Msg("session connected")
	return s
}

// Session 回傳 identity 目前的 Session
func (r *Router) Session(identity string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[identity]
	return s, ok
}

// Disconnect 中斷 identity 的 Session；沒有 Session 時不做任何事
func (r *Router) Disconnect(identity string) {
	if s, ok := r.Session(identity); ok {
		s.Disconnect()
	}
}

// Shutdown 中斷所有 Session
func (r *Router) Shutdown() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	for _, s := range sessions {
		s.Disconnect()
	}
}

func (r *Router) forget(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[s.Identity]; ok && cur == s {
		delete(r.sessions, s.Identity)
	}
}

// SendMessage 寫入訊息後廣播。寫入失敗時回傳錯誤且不廣播；廣播失敗只記錄，不回傳。
func (r *Router) SendMessage(ctx context.Context, roomID primitive.ObjectID, author string, body models.Body) (*models.Message, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}
	msg, err := r.store.AppendMessage(ctx, roomID, author, body)
	if err != nil {
		return nil, classify(err)
	}
	metrics.MessagesSent.WithLabelValues(string(body.Type)).Inc()

	r.broadcast(ctx, author, roomID, models.MessageEvent(msg))

	if s, ok := r.Session(author); ok {
		s.deliverLocal(*msg)
	}
	return msg, nil
}

// SetTyping 廣播輸入中訊號，不等待確認也不寫入資料庫
func (r *Router) SetTyping(ctx context.Context, roomID primitive.ObjectID, identity string, active bool) error {
	if _, err := r.authorize(ctx, roomID, identity); err != nil {
		return err
	}
	sig := &models.PresenceSignal{RoomID: roomID, ActorID: identity, Active: active, EmittedAt: r.now()}
	r.broadcast(ctx, identity, roomID, models.TypingEvent(sig))
	return nil
}

// CreateProjectRoom 建立專案聊天室，並讓目前在線的參與者加入
func (r *Router) CreateProjectRoom(ctx context.Context, projectRef, name string, participants []string) (*models.ChatRoom, error) {
	room, err := r.store.CreateRoom(ctx, models.NewRoom{
		Name:         name,
		Kind:         models.RoomKindProject,
		ProjectRef:   projectRef,
		Participants: participants,
	})
	if err != nil {
		return nil, classify(err)
	}
	r.announce(room, ChangeCreated, room.Participants)
	return room, nil
}

// OpenDirectRoom 找出或建立兩人之間的一對一聊天室
func (r *Router) OpenDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	if a == "" || b == "" || a == b {
		return nil, fmt.Errorf("%w: direct room needs two distinct participants", models.ErrValidation)
	}
	existing, err := r.store.FindDirectRoom(ctx, a, b)
	if err != nil {
		return nil, classify(err)
	}
	if existing != nil {
		return existing, nil
	}

	pair := models.NormalizeParticipants([]string{a, b})
	room, err := r.store.CreateRoom(ctx, models.NewRoom{
		Name:         pair[0] + " & " + pair[1],
		Kind:         models.RoomKindGeneric,
		Participants: pair,
	})
	if err != nil {
		return nil, classify(err)
	}
	r.announce(room, ChangeCreated, room.Participants)
	return room, nil
}

// AddParticipants 由現有參與者邀請其他人加入
func (r *Router) AddParticipants(ctx context.Context, roomID primitive.ObjectID, actor string, ids []string) (*models.ChatRoom, error) {
	if _, err := r.authorize(ctx, roomID, actor); err != nil {
		return nil, err
	}
	ids = models.NormalizeParticipants(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no participants to add", models.ErrValidation)
	}
	room, err := r.store.AddParticipants(ctx, roomID, ids)
	if err != nil {
		return nil, classify(err)
	}
	r.announce(room, ChangeParticipantsAdded, room.Participants)
	return room, nil
}

// RemoveParticipant 把 identity 移出聊天室；被移除者的訂閱立即取消
func (r *Router) RemoveParticipant(ctx context.Context, roomID primitive.ObjectID, actor, identity string) (*models.ChatRoom, error) {
	if _, err := r.authorize(ctx, roomID, actor); err != nil {
		return nil, err
	}
	room, err := r.store.RemoveParticipant(ctx, roomID, identity)
	if err != nil {
		return nil, classify(err)
	}

	if s, ok := r.Session(identity); ok {
		s.unsubscribe(roomID, 0)
	}
	if conn, ok := r.transport.Connected(identity); ok {
		conn.Leave(roomID)
	}
	r.announce(room, ChangeParticipantRemoved, append(append([]string{}, room.Participants...), identity))
	return room, nil
}

// ListRooms 回傳 identity 參與的聊天室，最近有活動的在前
func (r *Router) ListRooms(ctx context.Context, identity string) ([]models.ChatRoom, error) {
	rooms, err := r.store.ListRooms(ctx, identity)
	if err != nil {
		return nil, classify(err)
	}
	return rooms, nil
}

// ListMessages 回傳聊天室最近的訊息，由舊到新
func (r *Router) ListMessages(ctx context.Context, roomID primitive.ObjectID, identity string, limit int) ([]models.Message, error) {
	if _, err := r.authorize(ctx, roomID, identity); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = r.opts.HistoryLimit
	}
	msgs, err := r.store.ListMessages(ctx, roomID, limit)
	if err != nil {
		return nil, classify(err)
	}
	return msgs, nil
}

// ResolveFileURL 產生檔案訊息的下載網址
func (r *Router) ResolveFileURL(ctx context.Context, identity string, msg *models.Message) (string, error) {
	if msg.Body.Type != models.BodyTypeFile {
		return "", fmt.Errorf("%w: message %s is not a file", models.ErrValidation, msg.ID.Hex())
	}
	if r.opts.Files == nil {
		return "", fmt.Errorf("%w: object storage is not configured", models.ErrNotFound)
	}
	if _, err := r.authorize(ctx, msg.RoomID, identity); err != nil {
		return "", err
	}
	url, err := r.opts.Files.PresignGet(ctx, msg.Body.Path, r.opts.FileURLTTL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
	return url, nil
}

// Authorize 確認 identity 是聊天室的參與者
func (r *Router) Authorize(ctx context.Context, roomID primitive.ObjectID, identity string) (*models.ChatRoom, error) {
	return r.authorize(ctx, roomID, identity)
}

func (r *Router) authorize(ctx context.Context, roomID primitive.ObjectID, identity string) (*models.ChatRoom, error) {
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, classify(err)
	}
	if !room.HasParticipant(identity) {
		return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotAuthorized, identity, roomID.Hex())
	}
	return room, nil
}

// broadcast 盡力廣播；失敗只記錄為傳輸降級
func (r *Router) broadcast(ctx context.Context, identity string, roomID primitive.ObjectID, e models.Event) {
	var err error
	if conn, ok := r.transport.Connected(identity); ok {
		err = conn.Broadcast(ctx, roomID, e)
	} else {
		err = r.transport.Publish(ctx, roomID, e)
	}
	if err != nil {
		metrics.BroadcastFailures.Inc()
		l := logging.Ctx(ctx)
		ev := l.Warn().Err(err).Str(logging.FieldRoomID, roomID.Hex()).Str("event", string(e.Type))
		if e.Message != nil {
			ev = ev.Str(logging.FieldMessageID, e.Message.ID.Hex())
		}
		ev.Msg("broadcast degraded")
	}
}

// announce 讓在線的相關使用者加入聊天室並收到通知
func (r *Router) announce(room *models.ChatRoom, change string, identities []string) {
	e := models.Event{Type: models.EventTypeRoom, Room: &models.RoomNotice{Room: room, Change: change}}
	for _, id := range models.NormalizeParticipants(identities) {
		if room.HasParticipant(id) {
			if conn, ok := r.transport.Connected(id); ok {
				conn.Join(room.ID)
			}
		}
		if s, ok := r.Session(id); ok {
			s.notify(e)
		}
	}
}
