package websocket

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/relay"
	"github.com/rhyanalmeida/theacewebcrm-sub005/utils"
)

// ErrUnknownSession 表示 session id 不存在或已過期
var ErrUnknownSession = errors.New("unknown session")

const commandTimeout = 10 * time.Second

// Options 設定連線保活、佇列上限與斷線寬限期
type Options struct {
	PingInterval   time.Duration
	PongWait       time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
	OutboxSize     int
	SessionGrace   time.Duration
	PollWait       time.Duration
	AllowedOrigins []string
}

// attachment 把一個 relay.Session 接到客戶端；socket 斷線後仍保留到寬限期結束
type attachment struct {
	id       string
	identity string
	session  *relay.Session
	outbox   *Outbox

	dropping atomic.Bool // 已排程因佇列溢位而中斷

	mu      sync.Mutex
	readers int
	grace   *time.Timer
	expired bool
	kick    chan struct{} // 目前 socket 寫入者的停止訊號
	subs    map[primitive.ObjectID]relay.CancelFunc
}

// Gateway 是客戶端的入口：WebSocket 與 long-poll 共用同一個 Session 與 Outbox
type Gateway struct {
	router   *relay.Router
	opts     Options
	upgrader websocket.Upgrader

	mu          sync.Mutex
	attachments map[string]*attachment // session id -> attachment
	byIdentity  map[string]*attachment
}

// NewGateway 建立 Gateway；未設定的選項使用預設值
func NewGateway(router *relay.Router, opts Options) *Gateway {
	if opts.PongWait <= 0 {
		opts.PongWait = 60 * time.Second
	}
	if opts.PingInterval <= 0 || opts.PingInterval >= opts.PongWait {
		opts.PingInterval = (opts.PongWait * 9) / 10
	}
	if opts.WriteWait <= 0 {
		opts.WriteWait = 10 * time.Second
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = 8192
	}
	if opts.SessionGrace <= 0 {
		opts.SessionGrace = 30 * time.Second
	}
	if opts.PollWait <= 0 {
		opts.PollWait = 25 * time.Second
	}

	g := &Gateway{
		router:      router,
		opts:        opts,
		attachments: make(map[string]*attachment),
		byIdentity:  make(map[string]*attachment),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     g.checkOrigin,
	}
	return g
}

// 未設定允許來源或包含 * 時允許所有來源
func (g *Gateway) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(g.opts.AllowedOrigins) == 0 {
		return true
	}
	return slices.Contains(g.opts.AllowedOrigins, "*") || slices.Contains(g.opts.AllowedOrigins, origin)
}

// attach 取得 identity 的 attachment；已有存活的就沿用，resumed 表示訂閱仍然有效
func (g *Gateway) attach(identity string) (a *attachment, resumed bool) {
	g.mu.Lock()
	cur, ok := g.byIdentity[identity]
	g.mu.Unlock()
	if ok {
		if cur.alive() {
			return cur, true
		}
		// Session 已在別處中斷
		g.expire(cur, "session closed")
	}

	session := g.router.Connect(identity)

	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.byIdentity[identity]; ok && cur.alive() {
		return cur, true
	}
	a = &attachment{
		id:       session.ID,
		identity: identity,
		session:  session,
		outbox:   NewOutbox(g.opts.OutboxSize),
		subs:     make(map[primitive.ObjectID]relay.CancelFunc),
	}
	session.OnNotice(func(e models.Event) {
		if f, ok := frameFromEvent(e); ok {
			g.push(a, f)
		}
	})
	g.attachments[a.id] = a
	g.byIdentity[identity] = a
	return a, false
}

// lookup 依 session id 取得 attachment，並確認屬於 identity
func (g *Gateway) lookup(sessionID, identity string) (*attachment, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.attachments[sessionID]
	if !ok || !a.alive() {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	if a.identity != identity {
		return nil, fmt.Errorf("%w: session %s belongs to another user", models.ErrNotAuthorized, sessionID)
	}
	return a, nil
}

func (a *attachment) alive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.expired && !a.session.Closed()
}

func (g *Gateway) removeLocked(a *attachment) {
	if cur, ok := g.attachments[a.id]; ok && cur == a {
		delete(g.attachments, a.id)
	}
	if cur, ok := g.byIdentity[a.identity]; ok && cur == a {
		delete(g.byIdentity, a.identity)
	}
}

// acquire 登記一個讀取者並停止寬限計時；attachment 已過期時回傳 false
func (g *Gateway) acquire(a *attachment) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.expired {
		return false
	}
	a.readers++
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
	}
	return true
}

// release 登出讀取者；最後一個讀取者離開時開始寬限計時
func (g *Gateway) release(a *attachment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.readers--
	if a.readers > 0 || a.expired {
		return
	}
	a.grace = time.AfterFunc(g.opts.SessionGrace, func() { g.expireIdle(a) })
}

func (g *Gateway) expireIdle(a *attachment) {
	a.mu.Lock()
	if a.readers > 0 || a.expired {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()
	g.expire(a, "grace period elapsed")
}

// expire 中斷 Session 並丟棄 Outbox；可重複呼叫
func (g *Gateway) expire(a *attachment, reason string) {
	a.mu.Lock()
	if a.expired {
		a.mu.Unlock()
		return
	}
	a.expired = true
	if a.grace != nil {
		a.grace.Stop()
		a.grace = nil
	}
	a.mu.Unlock()

	g.mu.Lock()
	g.removeLocked(a)
	g.mu.Unlock()

	a.outbox.Close()
	a.session.Disconnect()
	metrics.SessionsDropped.WithLabelValues(reason).Inc()

	l := logging.L()
	l.Info().Str(logging.FieldUserID, a.identity).Str(logging.FieldSessionID, a.id).Str("reason", reason).Msg("client session expired")
}

// takeOver 讓新的 socket 成為唯一寫入者，舊的 socket 會被關閉
func (a *attachment) takeOver() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.kick != nil {
		close(a.kick)
	}
	a.kick = make(chan struct{})
	return a.kick
}

// push 在 Session 的鎖內被呼叫，不能阻塞；控制封包放不下時在背景中斷 Session，只排程一次
func (g *Gateway) push(a *attachment, f Frame) {
	err := a.outbox.Push(f)
	if errors.Is(err, ErrOutboxFull) && a.dropping.CompareAndSwap(false, true) {
		l := logging.L()
		l.Warn().Str(logging.FieldUserID, a.identity).Str(logging.FieldSessionID, a.id).Msg("outbox overflow, dropping session")
		go g.expire(a, "outbox overflow")
	}
}

func (g *Gateway) subscribe(ctx context.Context, a *attachment, roomID primitive.ObjectID) error {
	cancel, err := a.session.SubscribeToRoom(ctx, roomID, relay.Handlers{
		OnMessage: func(m models.Message) {
			g.push(a, Frame{Type: FrameMessage, Message: &m})
		},
		OnTyping: func(sig models.PresenceSignal) {
			g.push(a, Frame{Type: FrameTyping, Typing: &sig})
		},
	})
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.subs[roomID] = cancel
	a.mu.Unlock()
	return nil
}

func (g *Gateway) unsubscribe(a *attachment, roomID primitive.ObjectID) {
	a.mu.Lock()
	cancel, ok := a.subs[roomID]
	delete(a.subs, roomID)
	a.mu.Unlock()
	if ok {
		cancel()
	}
}

// handle 執行客戶端指令，回覆放入 Outbox
func (g *Gateway) handle(ctx context.Context, a *attachment, f Frame) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if f.Type == FramePing {
		g.push(a, Frame{Type: FramePong, Ref: f.Ref})
		return
	}

	roomID, err := primitive.ObjectIDFromHex(f.RoomID)
	if err != nil {
		g.push(a, errorFrame(f.Ref, fmt.Errorf("%w: invalid room id", models.ErrValidation)))
		return
	}

	ack := Frame{Type: FrameAck, Ref: f.Ref, RoomID: f.RoomID}
	switch f.Type {
	case FrameSubscribe:
		err = g.subscribe(ctx, a, roomID)
	case FrameUnsubscribe:
		g.unsubscribe(a, roomID)
	case FrameSend:
		var msg *models.Message
		msg, err = g.router.SendMessage(ctx, roomID, a.identity, models.TextBody(f.Text))
		ack.Message = msg
	case FrameTyping:
		err = g.router.SetTyping(ctx, roomID, a.identity, f.Active)
	default:
		err = fmt.Errorf("%w: unknown command %q", models.ErrValidation, f.Type)
	}
	if err != nil {
		g.push(a, errorFrame(f.Ref, err))
		return
	}
	g.push(a, ack)
}

// Close 中斷所有客戶端 Session
func (g *Gateway) Close() {
	g.mu.Lock()
	all := make([]*attachment, 0, len(g.attachments))
	for _, a := range g.attachments {
		all = append(all, a)
	}
	g.mu.Unlock()

	for _, a := range all {
		g.expire(a, "shutdown")
	}
}

// Sessions 回傳目前保留中的客戶端 Session 數
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.attachments)
}

// 內部錯誤不回傳細節
func errorFrame(ref string, err error) Frame {
	msg := err.Error()
	if errors.Is(err, ErrUnknownSession) {
		return Frame{Type: FrameError, Ref: ref, Error: msg}
	}
	if utils.StatusForError(err) == http.StatusInternalServerError {
		msg = "internal server error"
	}
	return Frame{Type: FrameError, Ref: ref, Error: msg}
}
