package websocket

import (
	"errors"
	"slices"
	"sync"

	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
)

var (
	ErrOutboxFull   = errors.New("outbox full")
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox 是一個 Session 待送出的封包佇列，socket 與 long-poll 都從這裡取。
// socket 斷線時封包留在佇列中，直到下一個讀取者出現或 Session 過期。
//
// 佇列滿時先丟掉最舊的輸入中封包，再丟掉最舊的訊息封包；
// 被丟掉訊息的聊天室會在下一次取出時收到 gap 封包，客戶端應重新載入歷史。
// 只有控制封包（回覆、通知）也放不下時才回傳 ErrOutboxFull。
type Outbox struct {
	mu     sync.Mutex
	frames []Frame
	limit  int
	closed bool
	gaps   []string // 有訊息被丟掉的聊天室，依發生順序

	ready chan struct{}
	done  chan struct{}
}

// NewOutbox 建立上限為 limit 的佇列
func NewOutbox(limit int) *Outbox {
	if limit <= 0 {
		limit = 256
	}
	return &Outbox{
		limit: limit,
		ready: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

// Push 放入封包，不會阻塞；控制封包放不下時回傳 ErrOutboxFull
func (o *Outbox) Push(f Frame) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutboxClosed
	}
	if len(o.frames) >= o.limit && !o.trimLocked(f) {
		return ErrOutboxFull
	}
	if len(o.frames) < o.limit {
		o.frames = append(o.frames, f)
	}
	select {
	case o.ready <- struct{}{}:
	default:
	}
	return nil
}

// trimLocked 為 f 騰出位置；f 本身可被丟棄時也算成功
func (o *Outbox) trimLocked(f Frame) bool {
	for _, kind := range []string{FrameTyping, FrameMessage} {
		if i := slices.IndexFunc(o.frames, func(q Frame) bool { return q.Type == kind }); i >= 0 {
			o.dropLocked(o.frames[i])
			o.frames = slices.Delete(o.frames, i, i+1)
			return true
		}
		if f.Type == kind {
			o.dropLocked(f)
			return true
		}
	}
	return false
}

func (o *Outbox) dropLocked(f Frame) {
	metrics.OutboxFramesTrimmed.WithLabelValues(f.Type).Inc()
	if f.Type != FrameMessage || f.Message == nil {
		return
	}
	roomID := f.Message.RoomID.Hex()
	if !slices.Contains(o.gaps, roomID) {
		o.gaps = append(o.gaps, roomID)
	}
}

// Requeue 把沒送出的封包放回佇列前端
func (o *Outbox) Requeue(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.frames = append(append(make([]Frame, 0, len(frames)+len(o.frames)), frames...), o.frames...)
	select {
	case o.ready <- struct{}{}:
	default:
	}
}

// Drain 取出目前所有封包；有訊息被丟掉的聊天室以 gap 封包排在最前面
func (o *Outbox) Drain() []Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	if len(o.gaps) > 0 {
		gaps := make([]Frame, 0, len(o.gaps)+len(frames))
		for _, roomID := range o.gaps {
			gaps = append(gaps, Frame{Type: FrameGap, RoomID: roomID})
		}
		frames = append(gaps, frames...)
		o.gaps = nil
	}
	return frames
}

// Len 回傳目前佇列長度
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

// Ready 在有新封包時收到通知；可能有多餘的喚醒
func (o *Outbox) Ready() <-chan struct{} {
	return o.ready
}

// Done 在 Outbox 關閉後關閉
func (o *Outbox) Done() <-chan struct{} {
	return o.done
}

// Close 丟棄剩餘封包；可重複呼叫
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.frames = nil
	o.gaps = nil
	close(o.done)
}
