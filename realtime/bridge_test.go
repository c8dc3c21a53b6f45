package realtime

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

func TestBridgeHandleIgnoresForeignAndMalformedPayloads(t *testing.T) {
	h := startHub(t)
	b := NewRedisBridge(nil, "test", h)
	room := primitive.NewObjectID()

	var got atomic.Int32
	c := h.Connect("B")
	c.Join(room)
	c.OnMessage(func(*models.Message) { got.Add(1) })

	env := Envelope{Origin: "other-node", RoomID: room, Event: models.MessageEvent(testMessage(room, "A"))}
	data, err := json.Marshal(env)
	require.NoError(t, err)

	b.handle(&redis.Message{Channel: b.channel(room), Payload: "{broken"})
	b.handle(&redis.Message{Channel: b.channel(primitive.NewObjectID()), Payload: string(data)})
	bad := Envelope{Origin: "other-node", RoomID: room, Event: models.Event{Type: "shout"}}
	badData, _ := json.Marshal(bad)
	b.handle(&redis.Message{Channel: b.channel(room), Payload: string(badData)})

	b.handle(&redis.Message{Channel: b.channel(room), Payload: string(data)})
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

// recordingPubSub 記錄頻道訂閱的變更順序
type recordingPubSub struct {
	mu     sync.Mutex
	ops    []string
	active map[string]bool
	delay  time.Duration
}

func newRecordingPubSub(delay time.Duration) *recordingPubSub {
	return &recordingPubSub{active: make(map[string]bool), delay: delay}
}

func (p *recordingPubSub) Subscribe(_ context.Context, channels ...string) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.ops = append(p.ops, "subscribe "+ch)
		p.active[ch] = true
	}
	return nil
}

func (p *recordingPubSub) Unsubscribe(_ context.Context, channels ...string) error {
	time.Sleep(p.delay)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ch := range channels {
		p.ops = append(p.ops, "unsubscribe "+ch)
		delete(p.active, ch)
	}
	return nil
}

func (p *recordingPubSub) channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.active))
	for ch := range p.active {
		out = append(out, ch)
	}
	slices.Sort(out)
	return out
}

func (p *recordingPubSub) history() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.ops...)
}

func TestBridgeSyncFollowsLocalMembership(t *testing.T) {
	h := startHub(t)
	b := NewRedisBridge(nil, "test", h)
	ps := newRecordingPubSub(0)
	applied := make(map[string]struct{})
	ctx := context.Background()
	room := primitive.NewObjectID()
	ch := b.channel(room)

	c := h.Connect("A")
	c.Join(room)
	c.Leave(room)
	c.Join(room)
	require.NoError(t, b.syncSubscriptions(ctx, ps, applied))
	assert.Equal(t, []string{ch}, ps.channels())

	// 已訂閱時不重複送出
	require.NoError(t, b.syncSubscriptions(ctx, ps, applied))

	c.Leave(room)
	require.NoError(t, b.syncSubscriptions(ctx, ps, applied))
	assert.Empty(t, ps.channels())
	assert.Equal(t, []string{"subscribe " + ch, "unsubscribe " + ch}, ps.history())
}

func TestBridgeRapidJoinLeaveEndsSubscribed(t *testing.T) {
	h := startHub(t)
	b := NewRedisBridge(nil, "test", h)
	ps := newRecordingPubSub(2 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = b.syncLoop(ctx, ps, make(map[string]struct{}))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	room := primitive.NewObjectID()
	ch := b.channel(room)
	c := h.Connect("A")
	for i := 0; i < 20; i++ {
		c.Join(room)
		c.Leave(room)
	}
	c.Join(room)

	require.Eventually(t, func() bool { return slices.Equal(ps.channels(), []string{ch}) }, 2*time.Second, 5*time.Millisecond)
	// 所有通知處理完之後仍然維持訂閱
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []string{ch}, ps.channels())
	ops := ps.history()
	assert.Equal(t, "subscribe "+ch, ops[len(ops)-1])

	c.Leave(room)
	assert.Eventually(t, func() bool { return len(ps.channels()) == 0 }, 2*time.Second, 5*time.Millisecond)
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis container test in short mode")
	}
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestBridgeRelaysBetweenNodes(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	nodeA, nodeB := startHub(t), startHub(t)
	bridgeA := NewRedisBridge(client, "test", nodeA)
	bridgeB := NewRedisBridge(client, "test", nodeB)
	go bridgeA.Run(ctx)
	go bridgeB.Run(ctx)

	room := primitive.NewObjectID()
	sender := nodeA.Connect("A")
	sender.Join(room)

	var received atomic.Int32
	receiver := nodeB.Connect("B")
	receiver.OnTyping(func(sig *models.PresenceSignal) {
		if sig.ActorID == "A" {
			received.Add(1)
		}
	})
	receiver.Join(room)

	// 訂閱是非同步的，持續送出直到另一個節點收到
	assert.Eventually(t, func() bool {
		sig := &models.PresenceSignal{RoomID: room, ActorID: "A", Active: true, EmittedAt: models.Now()}
		_ = sender.Broadcast(ctx, room, models.TypingEvent(sig))
		return received.Load() > 0
	}, 10*time.Second, 50*time.Millisecond)
}

func TestBridgeReportsReconnectingWhenRedisIsUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond})
	t.Cleanup(func() { client.Close() })

	h := startHub(t)
	b := NewRedisBridge(client, "test", h)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	done := make(chan struct{})
	c := h.Connect("A")
	c.OnStatus(func(s models.ConnectionState) {
		if s == models.StateReconnecting {
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	go b.Run(ctx)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("expected reconnecting status")
	}
	assert.Equal(t, models.StateReconnecting, h.State())

	room := primitive.NewObjectID()
	c.Join(room)
	err := c.Broadcast(ctx, room, models.TypingEvent(&models.PresenceSignal{RoomID: room, ActorID: "A", Active: true, EmittedAt: models.Now()}))
	assert.ErrorIs(t, err, models.ErrTransportDegraded)
}
