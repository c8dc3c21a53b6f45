package relay

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

type presenceKey struct {
	room  primitive.ObjectID
	actor string
}

// presenceTracker 記錄每個聊天室中誰正在輸入。
// 每個接收端各自依 EmittedAt + expiry 判斷過期，不依賴對方送出停止訊號。
type presenceTracker struct {
	expiry time.Duration
	active map[presenceKey]models.PresenceSignal
	latest map[presenceKey]time.Time // 最後一次看到的 EmittedAt，用來忽略舊訊號
}

func newPresenceTracker(expiry time.Duration) *presenceTracker {
	return &presenceTracker{
		expiry: expiry,
		active: make(map[presenceKey]models.PresenceSignal),
		latest: make(map[presenceKey]time.Time),
	}
}

// Observe 套用一個收到的訊號，回傳要通知介面的訊號；狀態沒有改變時 ok 為 false
func (p *presenceTracker) Observe(sig models.PresenceSignal, now time.Time) (models.PresenceSignal, bool) {
	key := presenceKey{room: sig.RoomID, actor: sig.ActorID}

	if seen, ok := p.latest[key]; ok && sig.EmittedAt.Before(seen) {
		return models.PresenceSignal{}, false
	}
	p.latest[key] = sig.EmittedAt

	_, wasActive := p.active[key]
	if sig.Active {
		if !now.Before(sig.EmittedAt.Add(p.expiry)) {
			// 送到時已過期，視同停止
			if wasActive {
				delete(p.active, key)
				return stopped(sig), true
			}
			return models.PresenceSignal{}, false
		}
		p.active[key] = sig
		if wasActive {
			return models.PresenceSignal{}, false
		}
		return sig, true
	}

	if !wasActive {
		return models.PresenceSignal{}, false
	}
	delete(p.active, key)
	return sig, true
}

// Sweep 清除沒有在期限內更新的訊號，回傳對應的停止訊號
func (p *presenceTracker) Sweep(now time.Time) []models.PresenceSignal {
	var out []models.PresenceSignal
	for key, sig := range p.active {
		if now.Before(sig.EmittedAt.Add(p.expiry)) {
			continue
		}
		delete(p.active, key)
		out = append(out, stopped(sig))
	}
	return out
}

// Active 回傳該使用者在聊天室中是否正在輸入
func (p *presenceTracker) Active(roomID primitive.ObjectID, actor string) bool {
	_, ok := p.active[presenceKey{room: roomID, actor: actor}]
	return ok
}

func (p *presenceTracker) DropRoom(roomID primitive.ObjectID) {
	for key := range p.active {
		if key.room == roomID {
			delete(p.active, key)
		}
	}
	for key := range p.latest {
		if key.room == roomID {
			delete(p.latest, key)
		}
	}
}

func (p *presenceTracker) Reset() {
	p.active = make(map[presenceKey]models.PresenceSignal)
	p.latest = make(map[presenceKey]time.Time)
}

func stopped(sig models.PresenceSignal) models.PresenceSignal {
	sig.Active = false
	return sig
}
