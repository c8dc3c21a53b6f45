package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	h := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	return h
}

func testMessage(roomID primitive.ObjectID, author string) *models.Message {
	return &models.Message{
		ID:        primitive.NewObjectID(),
		RoomID:    roomID,
		AuthorID:  author,
		Body:      models.TextBody("hi"),
		CreatedAt: models.Now(),
	}
}

type fakeBridge struct {
	mu           sync.Mutex
	published    []*Envelope
	subscribed   []primitive.ObjectID
	unsubscribed []primitive.ObjectID
	err          error
}

func (b *fakeBridge) Publish(_ context.Context, env *Envelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, env)
	return nil
}

func (b *fakeBridge) Subscribe(roomID primitive.ObjectID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribed = append(b.subscribed, roomID)
}

func (b *fakeBridge) Unsubscribe(roomID primitive.ObjectID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unsubscribed = append(b.unsubscribed, roomID)
}

func TestBroadcastExcludesSender(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()

	alice := h.Connect("alice")
	bob := h.Connect("bob")
	alice.Join(room)
	bob.Join(room)

	var aliceGot, bobGot atomic.Int32
	alice.OnMessage(func(*models.Message) { aliceGot.Add(1) })
	bob.OnMessage(func(*models.Message) { bobGot.Add(1) })

	require.NoError(t, alice.Broadcast(context.Background(), room, models.MessageEvent(testMessage(room, "alice"))))

	assert.Eventually(t, func() bool { return bobGot.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), aliceGot.Load())
}

func TestBroadcastOnlyReachesJoinedConnections(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()

	alice := h.Connect("alice")
	carol := h.Connect("carol")
	alice.Join(room)

	var carolGot atomic.Int32
	carol.OnMessage(func(*models.Message) { carolGot.Add(1) })

	require.NoError(t, alice.Broadcast(context.Background(), room, models.MessageEvent(testMessage(room, "alice"))))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), carolGot.Load())
}

func TestAllRegisteredHandlersAreInvoked(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()

	bob := h.Connect("bob")
	bob.Join(room)

	var first, second atomic.Int32
	bob.OnTyping(func(*models.PresenceSignal) { first.Add(1) })
	bob.OnTyping(func(*models.PresenceSignal) { second.Add(1) })

	sig := &models.PresenceSignal{RoomID: room, ActorID: "alice", Active: true, EmittedAt: models.Now()}
	require.NoError(t, h.Publish(context.Background(), room, models.TypingEvent(sig)))

	assert.Eventually(t, func() bool { return first.Load() == 1 && second.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestLeaveUnjoinedRoomIsNoop(t *testing.T) {
	h := startHub(t)
	c := h.Connect("alice")
	room := primitive.NewObjectID()

	c.Leave(room)
	assert.False(t, c.joined(room))

	c.Join(room)
	c.Join(room)
	assert.Equal(t, 1, h.RoomSize(room))
	c.Leave(room)
	c.Leave(room)
	assert.Equal(t, 0, h.RoomSize(room))
}

func TestConnectIsIdempotent(t *testing.T) {
	h := startHub(t)
	a := h.Connect("alice")
	b := h.Connect("alice")
	assert.Same(t, a, b)

	a.Close()
	c := h.Connect("alice")
	assert.NotSame(t, a, c)
}

func TestCloseRemovesMembershipAndIsIdempotent(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()
	c := h.Connect("alice")
	c.Join(room)

	c.Close()
	c.Close()

	assert.Equal(t, 0, h.RoomSize(room))
	_, ok := h.Connected("alice")
	assert.False(t, ok)
	assert.ErrorIs(t, c.Broadcast(context.Background(), room, models.MessageEvent(testMessage(room, "alice"))), models.ErrTransportDegraded)
}

func TestPublishRejectsMalformedEvent(t *testing.T) {
	h := startHub(t)
	err := h.Publish(context.Background(), primitive.NewObjectID(), models.Event{Type: models.EventTypeMessage})
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestHandlerPanicDoesNotStopDispatch(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()
	bob := h.Connect("bob")
	bob.Join(room)

	var calls atomic.Int32
	bob.OnMessage(func(*models.Message) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	})

	require.NoError(t, h.Publish(context.Background(), room, models.MessageEvent(testMessage(room, "alice"))))
	require.NoError(t, h.Publish(context.Background(), room, models.MessageEvent(testMessage(room, "alice"))))
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)
}

func TestBridgeSubscriptionFollowsLocalMembership(t *testing.T) {
	h := startHub(t)
	bridge := &fakeBridge{}
	h.AttachBridge(bridge)
	room := primitive.NewObjectID()

	a := h.Connect("alice")
	b := h.Connect("bob")
	a.Join(room)
	b.Join(room)
	a.Leave(room)
	b.Leave(room)

	bridge.mu.Lock()
	defer bridge.mu.Unlock()
	assert.Equal(t, []primitive.ObjectID{room}, bridge.subscribed)
	assert.Equal(t, []primitive.ObjectID{room}, bridge.unsubscribed)
}

func TestBridgeFailureReportsDegraded(t *testing.T) {
	h := startHub(t)
	bridge := &fakeBridge{err: errors.New("redis down")}
	h.AttachBridge(bridge)
	room := primitive.NewObjectID()

	err := h.Publish(context.Background(), room, models.MessageEvent(testMessage(room, "alice")))
	assert.ErrorIs(t, err, models.ErrTransportDegraded)
}

func TestRemoteEnvelopeIsDeliveredOnce(t *testing.T) {
	h := startHub(t)
	room := primitive.NewObjectID()
	bob := h.Connect("bob")
	bob.Join(room)

	var got atomic.Int32
	bob.OnMessage(func(*models.Message) { got.Add(1) })

	msg := testMessage(room, "alice")
	h.deliverRemote(&Envelope{Origin: h.NodeID, RoomID: room, Event: models.MessageEvent(msg)})
	h.deliverRemote(&Envelope{Origin: "other-node", RoomID: room, Event: models.MessageEvent(msg)})

	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestStateChangeNotifiesConnections(t *testing.T) {
	h := startHub(t)
	c := h.Connect("alice")

	states := make(chan models.ConnectionState, 4)
	c.OnStatus(func(s models.ConnectionState) { states <- s })

	h.setState(models.StateReconnecting)
	h.setState(models.StateReconnecting)
	h.setState(models.StateHealthy)

	assert.Equal(t, models.StateReconnecting, <-states)
	assert.Equal(t, models.StateHealthy, <-states)
	assert.Equal(t, models.StateHealthy, h.State())
}
