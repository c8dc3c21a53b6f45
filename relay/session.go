package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/realtime"
)

// ErrSessionClosed 表示 Session 已經斷線
var ErrSessionClosed = errors.New("session closed")

// 訊息來源，用於指標標籤
const (
	sourceRealtime = "realtime"
	sourceFeed     = "feed"
	sourceHistory  = "history"
	sourceEcho     = "echo"
)

// Handlers 是訂閱聊天室時提供的介面回呼。
// 回呼在 Session 的鎖內執行，不可再呼叫同一個 Session 的方法。
type Handlers struct {
	OnMessage func(models.Message)
	OnTyping  func(models.PresenceSignal)
}

type roomView struct {
	handlers   Handlers
	cancelFeed func()
	gen        uint64
}

// Session 是一個使用者的連線狀態：正在檢視的聊天室、去重紀錄、重排緩衝與輸入中狀態。
// 所有事件處理都由同一把鎖序列化，兩個來源（即時廣播與資料庫變更）可任意交錯。
type Session struct {
	ID       string
	Identity string

	router *Router
	conn   *realtime.Conn
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	rooms      map[primitive.ObjectID]*roomView
	reconciler *Reconciler
	presence   *presenceTracker
	notices    []func(models.Event)
	gen        uint64
	closed     bool

	stop     chan struct{}
	done     chan struct{}
	finished chan struct{}
}

func newSession(r *Router, identity string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		Identity:   identity,
		router:     r,
		ctx:        ctx,
		cancel:     cancel,
		rooms:      make(map[primitive.ObjectID]*roomView),
		reconciler: NewReconciler(r.opts.ReorderWindow, r.opts.DeliveryRecordSize, r.opts.PendingLimit),
		presence:   newPresenceTracker(r.opts.TypingExpiry),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		finished:   make(chan struct{}),
	}
	s.conn = r.transport.Connect(identity)
	s.conn.OnMessage(func(m *models.Message) { s.ingest(*m, sourceRealtime, 0) })
	s.conn.OnTyping(func(sig *models.PresenceSignal) { s.observeTyping(*sig) })
	s.conn.OnStatus(func(state models.ConnectionState) {
		s.notify(models.Event{Type: models.EventTypeStatus, Status: &models.StatusNotice{State: state}})
	})
	go s.tickLoop()
	return s
}

// SubscribeToRoom 開始檢視聊天室：加入即時廣播、開啟資料庫變更訂閱並載入最近的歷史訊息。
// 重複訂閱同一聊天室會取代先前的回呼。
func (s *Session) SubscribeToRoom(ctx context.Context, roomID primitive.ObjectID, h Handlers) (CancelFunc, error) {
	room, err := s.router.store.GetRoom(ctx, roomID)
	if err != nil {
		return nil, classify(err)
	}
	if !room.HasParticipant(s.Identity) {
		return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotAuthorized, s.Identity, roomID.Hex())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.gen++
	gen := s.gen
	old := s.rooms[roomID]
	view := &roomView{handlers: h, gen: gen}
	s.rooms[roomID] = view
	s.conn.Join(roomID)
	s.mu.Unlock()

	if old != nil && old.cancelFeed != nil {
		old.cancelFeed()
	}

	cancelFeed, err := s.openFeed(ctx, roomID, gen)
	if err != nil {
		s.unsubscribe(roomID, gen)
		return nil, classify(err)
	}

	s.mu.Lock()
	if cur, ok := s.rooms[roomID]; !ok || cur.gen != gen {
		closed := s.closed
		s.mu.Unlock()
		cancelFeed()
		if closed {
			return nil, ErrSessionClosed
		}
		return func() {}, nil
	}
	view.cancelFeed = cancelFeed
	s.mu.Unlock()

	if limit := s.router.opts.HistoryLimit; limit > 0 {
		history, err := s.router.store.ListMessages(ctx, roomID, limit)
		if err != nil {
			l := logging.Ctx(ctx)
			l.Warn().Err(err).Str(logging.FieldRoomID, roomID.Hex()).Str(logging.FieldSessionID, s.ID).Msg("failed to load room history")
		}
		for _, m := range history {
			s.ingest(m, sourceHistory, gen)
		}
	}

	var once sync.Once
	return func() { once.Do(func() { s.unsubscribe(roomID, gen) }) }, nil
}

// openFeed 開啟資料庫變更訂閱。訂閱的生命週期跟著 Session，
// 但開啟的過程受呼叫端 ctx 的期限限制。
func (s *Session) openFeed(ctx context.Context, roomID primitive.ObjectID, gen uint64) (func(), error) {
	feedCtx, stopFeed := context.WithCancel(s.ctx)
	detach := context.AfterFunc(ctx, stopFeed)

	cancel, err := s.router.store.SubscribeToRoomInserts(feedCtx, roomID, func(m models.Message) {
		s.ingest(m, sourceFeed, gen)
	})
	if !detach() {
		// 呼叫端在開啟完成前放棄，訂閱已被取消
		if err == nil {
			cancel()
			err = ctx.Err()
		}
	}
	if err != nil {
		stopFeed()
		return nil, err
	}
	return func() {
		cancel()
		stopFeed()
	}, nil
}

// Viewing 回傳 Session 是否正在檢視該聊天室
func (s *Session) Viewing(roomID primitive.ObjectID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.rooms[roomID]
	return ok
}

// OnNotice 註冊聊天室通知與連線狀態通知的回呼
func (s *Session) OnNotice(fn func(models.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, fn)
}

// Disconnect 取消所有訂閱並關閉連線；緩衝中的訊息直接丟棄
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	views := s.rooms
	s.rooms = make(map[primitive.ObjectID]*roomView)
	s.reconciler.Reset()
	s.presence.Reset()
	s.mu.Unlock()

	s.cancel()
	close(s.stop)
	<-s.done
	for _, v := range views {
		if v.cancelFeed != nil {
			v.cancelFeed()
		}
	}
	s.conn.Close()
	s.router.forget(s)
	close(s.finished)
	metrics.ActiveSessions.Dec()

	l := logging.L()
	l.Info().Str(logging.FieldUserID, s.Identity).Str(logging.FieldSessionID, s.ID).Msg("session disconnected")
}

// Closed 回傳 Session 是否已斷線
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// unsubscribe 先在鎖內把聊天室標記為不再檢視，之後才在鎖外取消資料庫訂閱；
// 取消會等待進行中的回呼結束，而那些回呼會因為聊天室已移除而被丟棄
func (s *Session) unsubscribe(roomID primitive.ObjectID, gen uint64) {
	s.mu.Lock()
	view, ok := s.rooms[roomID]
	if !ok || (gen != 0 && view.gen != gen) {
		s.mu.Unlock()
		return
	}
	delete(s.rooms, roomID)
	s.reconciler.DropRoom(roomID)
	s.presence.DropRoom(roomID)
	s.conn.Leave(roomID)
	cancel := view.cancelFeed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// deliverLocal 把自己送出的訊息放入自己的串流
func (s *Session) deliverLocal(m models.Message) {
	s.ingest(m, sourceEcho, 0)
}

// ingest 是兩個來源的共同入口；gen 不為 0 時只接受同一次訂閱的事件
func (s *Session) ingest(m models.Message, source string, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	view, ok := s.rooms[m.RoomID]
	if !ok || (gen != 0 && view.gen != gen) {
		return
	}

	now := s.router.now()
	if s.reconciler.Observe(m, now) == Duplicate {
		metrics.DuplicatesSuppressed.WithLabelValues(source).Inc()
		return
	}
	s.flushLocked(now)
}

func (s *Session) flushLocked(now time.Time) {
	for _, m := range s.reconciler.FlushDue(now) {
		view, ok := s.rooms[m.RoomID]
		if !ok {
			continue
		}
		metrics.MessagesDelivered.Inc()
		if view.handlers.OnMessage != nil {
			view.handlers.OnMessage(m)
		}
	}
}

func (s *Session) observeTyping(sig models.PresenceSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || sig.ActorID == s.Identity {
		return
	}
	view, ok := s.rooms[sig.RoomID]
	if !ok {
		return
	}
	out, changed := s.presence.Observe(sig, s.router.now())
	if changed && view.handlers.OnTyping != nil {
		view.handlers.OnTyping(out)
	}
}

func (s *Session) notify(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, fn := range s.notices {
		fn(e)
	}
}

func (s *Session) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	now := s.router.now()
	s.flushLocked(now)
	for _, sig := range s.presence.Sweep(now) {
		metrics.TypingExpired.Inc()
		if view, ok := s.rooms[sig.RoomID]; ok && view.handlers.OnTyping != nil {
			view.handlers.OnTyping(sig)
		}
	}
}

func (s *Session) tickLoop() {
	defer close(s.done)
	ticker := time.NewTicker(s.router.tickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.tick()
		}
	}
}
