package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// RedisBridge 透過 Redis Pub/Sub 在節點之間轉送聊天室廣播。
// 每個聊天室一個頻道；斷線時以指數退避重新連線，並重新訂閱本節點仍有成員的聊天室。
// 斷線期間的廣播不會補送，由資料庫變更訂閱補齊。
type RedisBridge struct {
	client *redis.Client
	prefix string
	hub    *Hub

	// resync 通知訂閱 worker 依 hub 目前的成員重新比對頻道
	resync chan struct{}

	publishQueue chan []byte
	newBackOff   func() backoff.BackOff
}

// subscriber 是 *redis.PubSub 管理頻道的部分
type subscriber interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
}

// NewRedisBridge 建立橋接並掛到 hub 上
func NewRedisBridge(client *redis.Client, prefix string, hub *Hub) *RedisBridge {
	if prefix == "" {
		prefix = "relay"
	}
	b := &RedisBridge{
		client:       client,
		prefix:       prefix,
		hub:          hub,
		resync:       make(chan struct{}, 1),
		publishQueue: make(chan []byte, 1024),
		newBackOff: func() backoff.BackOff {
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 250 * time.Millisecond
			bo.MaxInterval = 10 * time.Second
			bo.MaxElapsedTime = 0
			return bo
		},
	}
	hub.AttachBridge(b)
	return b
}

func (b *RedisBridge) channel(roomID primitive.ObjectID) string {
	return fmt.Sprintf("%s:room:%s", b.prefix, roomID.Hex())
}

// Publish 把廣播放進發送佇列，不等待 Redis
func (b *RedisBridge) Publish(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case b.publishQueue <- data:
		return nil
	default:
		return errors.New("bridge publish queue full")
	}
}

// Subscribe 在聊天室出現第一個本地成員時呼叫
func (b *RedisBridge) Subscribe(primitive.ObjectID) {
	b.requestSync()
}

// Unsubscribe 在聊天室最後一個本地成員離開時呼叫
func (b *RedisBridge) Unsubscribe(primitive.ObjectID) {
	b.requestSync()
}

func (b *RedisBridge) requestSync() {
	select {
	case b.resync <- struct{}{}:
	default:
	}
}

// Run 維持訂閱與發送迴圈直到 ctx 結束
func (b *RedisBridge) Run(ctx context.Context) {
	go b.publishLoop(ctx)

	bo := b.newBackOff()
	l := logging.L()
	for {
		err := b.session(ctx, bo)
		if ctx.Err() != nil {
			return
		}
		b.hub.setState(models.StateReconnecting)
		metrics.BridgeReconnects.Inc()

		wait := bo.NextBackOff()
		l.Warn().Err(err).Dur("retry_in", wait).Msg("redis bridge disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// session 建立一次訂閱連線並持續接收，直到發生錯誤
func (b *RedisBridge) session(ctx context.Context, bo backoff.BackOff) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return err
	}

	ps := b.client.Subscribe(ctx)
	defer ps.Close()

	// 重新訂閱本節點仍有成員的聊天室
	applied := make(map[string]struct{})
	if err := b.syncSubscriptions(ctx, ps, applied); err != nil {
		return err
	}

	sctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := b.syncLoop(sctx, ps, applied); err != nil && sctx.Err() == nil {
			l := logging.L()
			l.Warn().Err(err).Msg("bridge subscription sync failed, reconnecting")
			_ = ps.Close()
		}
	}()
	defer func() {
		cancel()
		<-done
	}()

	bo.Reset()
	b.hub.setState(models.StateHealthy)

	for {
		msg, err := ps.ReceiveMessage(ctx)
		if err != nil {
			return err
		}
		b.handle(msg)
	}
}

// syncLoop 是唯一變更頻道訂閱的 goroutine，依序處理加入與離開
func (b *RedisBridge) syncLoop(ctx context.Context, ps subscriber, applied map[string]struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-b.resync:
			sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := b.syncSubscriptions(sctx, ps, applied)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

// syncSubscriptions 讓已訂閱的頻道等於 hub 目前有本地成員的聊天室。
// 每次都重新讀取 hub 的狀態，所以加入與離開的通知順序不影響結果。
func (b *RedisBridge) syncSubscriptions(ctx context.Context, ps subscriber, applied map[string]struct{}) error {
	want := make(map[string]struct{})
	for _, roomID := range b.hub.localRooms() {
		want[b.channel(roomID)] = struct{}{}
	}

	var add, remove []string
	for ch := range want {
		if _, ok := applied[ch]; !ok {
			add = append(add, ch)
		}
	}
	for ch := range applied {
		if _, ok := want[ch]; !ok {
			remove = append(remove, ch)
		}
	}
	slices.Sort(add)
	slices.Sort(remove)

	if len(add) > 0 {
		if err := ps.Subscribe(ctx, add...); err != nil {
			return err
		}
		for _, ch := range add {
			applied[ch] = struct{}{}
		}
	}
	if len(remove) > 0 {
		if err := ps.Unsubscribe(ctx, remove...); err != nil {
			return err
		}
		for _, ch := range remove {
			delete(applied, ch)
		}
	}
	return nil
}

func (b *RedisBridge) handle(msg *redis.Message) {
	var env Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		l := logging.L()
		l.Warn().Err(err).Str("channel", msg.Channel).Msg("invalid bridge payload")
		return
	}
	if err := env.Event.Validate(); err != nil {
		l := logging.L()
		l.Warn().Err(err).Str("channel", msg.Channel).Msg("invalid bridge event")
		return
	}
	if !strings.HasSuffix(msg.Channel, env.RoomID.Hex()) {
		return
	}
	b.hub.deliverRemote(&env)
}

func (b *RedisBridge) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data := <-b.publishQueue:
			var env Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := b.client.Publish(pctx, b.channel(env.RoomID), data).Err()
			cancel()
			if err != nil {
				metrics.BroadcastFailures.Inc()
				l := logging.L()
				l.Warn().Err(err).Str(logging.FieldRoomID, env.RoomID.Hex()).Msg("bridge publish failed")
			}
		}
	}
}

