package relay

import (
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// Verdict 是 Observe 的結果
type Verdict int

const (
	Accept    Verdict = iota // 新訊息，排入重排緩衝
	Duplicate                // 已送出或已在緩衝中，丟棄
)

func (v Verdict) String() string {
	if v == Accept {
		return "accept"
	}
	return "duplicate"
}

const (
	defaultDeliveryRecordSize = 4096
	defaultPendingLimit       = 256
)

type pendingEntry struct {
	msg models.Message
	due time.Time
}

// Reconciler 合併即時廣播與資料庫變更兩個來源：依訊息 ID 去重，並在重排視窗內依時間排序後送出。
// 不是並行安全的，由 Session 的鎖保護。
type Reconciler struct {
	window       time.Duration
	pendingLimit int

	delivered   *lru.Cache[primitive.ObjectID, struct{}]
	pending     map[primitive.ObjectID]*pendingEntry
	lastFlushed map[primitive.ObjectID]models.Message // roomID -> 最後送出的訊息
}

// NewReconciler 建立 Reconciler；recordSize 與 pendingLimit 小於等於 0 時使用預設值
func NewReconciler(window time.Duration, recordSize, pendingLimit int) *Reconciler {
	if recordSize <= 0 {
		recordSize = defaultDeliveryRecordSize
	}
	if pendingLimit <= 0 {
		pendingLimit = defaultPendingLimit
	}
	delivered, _ := lru.New[primitive.ObjectID, struct{}](recordSize)
	return &Reconciler{
		window:       window,
		pendingLimit: pendingLimit,
		delivered:    delivered,
		pending:      make(map[primitive.ObjectID]*pendingEntry),
		lastFlushed:  make(map[primitive.ObjectID]models.Message),
	}
}

// Observe 判斷訊息是否為新訊息；新訊息會排入緩衝，等重排視窗結束後由 FlushDue 送出
func (r *Reconciler) Observe(msg models.Message, now time.Time) Verdict {
	if _, ok := r.delivered.Get(msg.ID); ok {
		return Duplicate
	}
	if _, ok := r.pending[msg.ID]; ok {
		return Duplicate
	}

	due := now.Add(r.window)
	// 比已送出的訊息還舊，沒有等待的意義
	if last, ok := r.lastFlushed[msg.RoomID]; ok && msg.Before(&last) {
		due = now
	}
	r.pending[msg.ID] = &pendingEntry{msg: msg, due: due}

	if over := len(r.pending) - r.pendingLimit; over > 0 {
		r.expediteOldest(over, now)
	}
	return Accept
}

// expediteOldest 讓最舊的 n 筆緩衝訊息立即到期：提早送出，不會遺失
func (r *Reconciler) expediteOldest(n int, now time.Time) {
	entries := make([]*pendingEntry, 0, len(r.pending))
	for _, e := range r.pending {
		if e.due.After(now) {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].msg.Before(&entries[j].msg) })
	if n > len(entries) {
		n = len(entries)
	}
	for _, e := range entries[:n] {
		e.due = now
	}
}

// FlushDue 取出重排視窗已結束的訊息，依 (CreatedAt, ID) 排序。
// 同一聊天室中比到期訊息更早的緩衝訊息會一起送出，避免之後出現倒序。
func (r *Reconciler) FlushDue(now time.Time) []models.Message {
	latestDue := make(map[primitive.ObjectID]models.Message)
	for _, e := range r.pending {
		if e.due.After(now) {
			continue
		}
		if cur, ok := latestDue[e.msg.RoomID]; !ok || cur.Before(&e.msg) {
			latestDue[e.msg.RoomID] = e.msg
		}
	}
	if len(latestDue) == 0 {
		return nil
	}

	out := make([]models.Message, 0, len(r.pending))
	for id, e := range r.pending {
		limit, ok := latestDue[e.msg.RoomID]
		if !ok {
			continue
		}
		if e.msg.Before(&limit) || e.msg.ID == limit.ID {
			out = append(out, e.msg)
			delete(r.pending, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })

	for _, m := range out {
		r.delivered.Add(m.ID, struct{}{})
		if last, ok := r.lastFlushed[m.RoomID]; !ok || last.Before(&m) {
			r.lastFlushed[m.RoomID] = m
		}
	}
	return out
}

// DropRoom 丟棄該聊天室所有緩衝中的訊息，送出紀錄保留以免重新加入時重複顯示
func (r *Reconciler) DropRoom(roomID primitive.ObjectID) {
	for id, e := range r.pending {
		if e.msg.RoomID == roomID {
			delete(r.pending, id)
		}
	}
	delete(r.lastFlushed, roomID)
}

// Reset 丟棄所有狀態，不送出任何緩衝訊息
func (r *Reconciler) Reset() {
	r.delivered.Purge()
	r.pending = make(map[primitive.ObjectID]*pendingEntry)
	r.lastFlushed = make(map[primitive.ObjectID]models.Message)
}

// Pending 回傳緩衝中的訊息數
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

// Delivered 回傳訊息是否仍在送出紀錄中
func (r *Reconciler) Delivered(id primitive.ObjectID) bool {
	return r.delivered.Contains(id)
}
