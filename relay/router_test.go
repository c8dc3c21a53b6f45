package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.uber.org/mock/gomock"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/realtime"
	"github.com/rhyanalmeida/theacewebcrm-sub005/relay/mocks"
)

func newTestRouter(t *testing.T, store Store, opts Options) (*Router, *realtime.Hub) {
	t.Helper()
	hub := realtime.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	r := NewRouter(store, hub, opts)
	t.Cleanup(func() {
		r.Shutdown()
		cancel()
	})
	return r, hub
}

// sink 收集送到介面的訊息與輸入中訊號
type sink struct {
	mu      sync.Mutex
	msgs    []models.Message
	typing  []models.PresenceSignal
	notices []models.Event
}

func (s *sink) handlers() Handlers {
	return Handlers{
		OnMessage: func(m models.Message) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.msgs = append(s.msgs, m)
		},
		OnTyping: func(sig models.PresenceSignal) {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.typing = append(s.typing, sig)
		},
	}
}

func (s *sink) notice(e models.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notices = append(s.notices, e)
}

func (s *sink) messageIDs() []primitive.ObjectID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ids(s.msgs)
}

func (s *sink) signals() []models.PresenceSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.PresenceSignal(nil), s.typing...)
}

func (s *sink) events() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.notices...)
}

func testRoom(participants ...string) *models.ChatRoom {
	return &models.ChatRoom{
		ID:           primitive.NewObjectID(),
		Name:         "deal",
		Kind:         models.RoomKindGeneric,
		Participants: participants,
	}
}

func storedMessage(roomID primitive.ObjectID, author, text string) *models.Message {
	return &models.Message{
		ID:        primitive.NewObjectID(),
		RoomID:    roomID,
		AuthorID:  author,
		Body:      models.TextBody(text),
		CreatedAt: models.Now(),
	}
}

// listen 讓 identity 在 hub 上收聽聊天室並計數收到的訊息
func listen(hub *realtime.Hub, identity string, roomID primitive.ObjectID) *atomic.Int32 {
	var n atomic.Int32
	c := hub.Connect(identity)
	c.Join(roomID)
	c.OnMessage(func(*models.Message) { n.Add(1) })
	return &n
}

func TestSendMessageRejectsInvalidBodyWithoutTouchingStore(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	r, _ := newTestRouter(t, store, Options{})

	_, err := r.SendMessage(context.Background(), primitive.NewObjectID(), "alice", models.TextBody("  "))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSendMessageByNonParticipantIsNotBroadcast(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")

	store.EXPECT().
		AppendMessage(gomock.Any(), room.ID, "mallory", models.TextBody("hi")).
		Return(nil, fmt.Errorf("%w: not a participant", models.ErrNotAuthorized))

	r, hub := newTestRouter(t, store, Options{})
	bobGot := listen(hub, "bob", room.ID)

	_, err := r.SendMessage(context.Background(), room.ID, "mallory", models.TextBody("hi"))
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), bobGot.Load())
}

func TestSendMessagePersistenceFailureIsReturnedAndNotBroadcast(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")

	store.EXPECT().
		AppendMessage(gomock.Any(), room.ID, "alice", gomock.Any()).
		Return(nil, errors.New("write concern timeout"))

	r, hub := newTestRouter(t, store, Options{})
	bobGot := listen(hub, "bob", room.ID)

	_, err := r.SendMessage(context.Background(), room.ID, "alice", models.TextBody("hi"))
	assert.ErrorIs(t, err, models.ErrPersistence)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(0), bobGot.Load())
}

func TestSendMessageBroadcastsAfterPersist(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	stored := storedMessage(room.ID, "alice", "hi")

	store.EXPECT().AppendMessage(gomock.Any(), room.ID, "alice", gomock.Any()).Return(stored, nil)

	r, hub := newTestRouter(t, store, Options{})
	bobGot := listen(hub, "bob", room.ID)

	msg, err := r.SendMessage(context.Background(), room.ID, "alice", models.TextBody("hi"))
	require.NoError(t, err)
	assert.Equal(t, stored.ID, msg.ID)
	assert.Eventually(t, func() bool { return bobGot.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubscribeToRoomChecksMembership(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	missing := primitive.NewObjectID()

	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil)
	store.EXPECT().GetRoom(gomock.Any(), missing).Return(nil, fmt.Errorf("%w: chat room", models.ErrNotFound))

	r, _ := newTestRouter(t, store, Options{})
	s := r.Connect("carol")

	_, err := s.SubscribeToRoom(context.Background(), room.ID, Handlers{})
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = s.SubscribeToRoom(context.Background(), missing, Handlers{})
	assert.ErrorIs(t, err, models.ErrNotFound)
}

// expectSubscribe 設定訂閱所需的呼叫，並回傳捕捉到的資料庫變更回呼
func expectSubscribe(store *mocks.MockStore, room *models.ChatRoom, history []models.Message) *func(models.Message) {
	var feed func(models.Message)
	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil).AnyTimes()
	store.EXPECT().
		SubscribeToRoomInserts(gomock.Any(), room.ID, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ primitive.ObjectID, h func(models.Message)) (func(), error) {
			feed = h
			return func() {}, nil
		})
	store.EXPECT().ListMessages(gomock.Any(), room.ID, gomock.Any()).Return(history, nil)
	return &feed
}

func TestLeaveDiscardsLateAndBufferedEvents(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	feed := expectSubscribe(store, room, nil)

	r, hub := newTestRouter(t, store, Options{ReorderWindow: 30 * time.Millisecond, HistoryLimit: 50})
	var out sink
	s := r.Connect("bob")
	cancel, err := s.SubscribeToRoom(context.Background(), room.ID, out.handlers())
	require.NoError(t, err)

	buffered := storedMessage(room.ID, "alice", "in the window")
	(*feed)(*buffered)
	cancel()

	(*feed)(*storedMessage(room.ID, "alice", "late feed"))
	require.NoError(t, hub.Publish(context.Background(), room.ID, models.MessageEvent(storedMessage(room.ID, "alice", "late broadcast"))))

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, out.messageIDs())
	assert.False(t, s.Viewing(room.ID))
	assert.Equal(t, 0, hub.RoomSize(room.ID))
}

func TestEchoThenFeedDeliversOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	feed := expectSubscribe(store, room, nil)
	stored := storedMessage(room.ID, "alice", "hello")
	store.EXPECT().AppendMessage(gomock.Any(), room.ID, "alice", gomock.Any()).Return(stored, nil)

	r, _ := newTestRouter(t, store, Options{ReorderWindow: 20 * time.Millisecond, HistoryLimit: 50})
	var out sink
	s := r.Connect("alice")
	_, err := s.SubscribeToRoom(context.Background(), room.ID, out.handlers())
	require.NoError(t, err)

	_, err = r.SendMessage(context.Background(), room.ID, "alice", models.TextBody("hello"))
	require.NoError(t, err)
	(*feed)(*stored)

	assert.Eventually(t, func() bool { return len(out.messageIDs()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []primitive.ObjectID{stored.ID}, out.messageIDs())
}

func TestFeedThenBroadcastDeliversOnce(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	feed := expectSubscribe(store, room, nil)

	r, hub := newTestRouter(t, store, Options{ReorderWindow: 20 * time.Millisecond, HistoryLimit: 50})
	var out sink
	s := r.Connect("bob")
	_, err := s.SubscribeToRoom(context.Background(), room.ID, out.handlers())
	require.NoError(t, err)

	stored := storedMessage(room.ID, "alice", "hello")
	(*feed)(*stored)
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, hub.Publish(context.Background(), room.ID, models.MessageEvent(stored)))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []primitive.ObjectID{stored.ID}, out.messageIDs())
}

func TestHistoryIsSeededInOrderAndDeduplicated(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	m1 := storedMessage(room.ID, "alice", "one")
	m2 := storedMessage(room.ID, "bob", "two")
	m2.CreatedAt = m1.CreatedAt.Add(time.Millisecond)
	feed := expectSubscribe(store, room, []models.Message{*m1, *m2})

	r, _ := newTestRouter(t, store, Options{ReorderWindow: 10 * time.Millisecond, HistoryLimit: 50})
	var out sink
	s := r.Connect("bob")
	_, err := s.SubscribeToRoom(context.Background(), room.ID, out.handlers())
	require.NoError(t, err)
	(*feed)(*m2)

	assert.Eventually(t, func() bool { return len(out.messageIDs()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, []primitive.ObjectID{m1.ID, m2.ID}, out.messageIDs())
}

func TestHistoryFailureDoesNotFailSubscribe(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")

	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil)
	store.EXPECT().SubscribeToRoomInserts(gomock.Any(), room.ID, gomock.Any()).Return(func() {}, nil)
	store.EXPECT().ListMessages(gomock.Any(), room.ID, 50).Return(nil, errors.New("timeout"))

	r, _ := newTestRouter(t, store, Options{HistoryLimit: 50})
	s := r.Connect("bob")
	_, err := s.SubscribeToRoom(context.Background(), room.ID, Handlers{})
	require.NoError(t, err)
	assert.True(t, s.Viewing(room.ID))
}

func TestSubscribeGivesUpWhenFeedOpenOutlivesCallerDeadline(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")

	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil)
	// 資料庫沒有回應，開啟會一直卡到 ctx 結束
	store.EXPECT().
		SubscribeToRoomInserts(gomock.Any(), room.ID, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ primitive.ObjectID, _ func(models.Message)) (func(), error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})

	r, hub := newTestRouter(t, store, Options{HistoryLimit: 50})
	s := r.Connect("bob")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := s.SubscribeToRoom(ctx, room.ID, Handlers{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.ErrorIs(t, err, models.ErrPersistence)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.False(t, s.Viewing(room.ID))
	assert.Equal(t, 0, hub.RoomSize(room.ID))
	assert.False(t, s.Closed())
}

func TestFeedOutlivesCallerContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")

	var feedCtx context.Context
	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil)
	store.EXPECT().
		SubscribeToRoomInserts(gomock.Any(), room.ID, gomock.Any()).
		DoAndReturn(func(ctx context.Context, _ primitive.ObjectID, _ func(models.Message)) (func(), error) {
			feedCtx = ctx
			return func() {}, nil
		})

	r, _ := newTestRouter(t, store, Options{})
	s := r.Connect("bob")

	// HTTP 的請求 ctx 在回應後就會結束
	ctx, cancel := context.WithCancel(context.Background())
	_, err := s.SubscribeToRoom(ctx, room.ID, Handlers{})
	require.NoError(t, err)
	cancel()

	time.Sleep(20 * time.Millisecond)
	require.NotNil(t, feedCtx)
	assert.NoError(t, feedCtx.Err())
	assert.True(t, s.Viewing(room.ID))

	s.Disconnect()
	assert.Error(t, feedCtx.Err())
}

func TestSetTypingRequiresParticipant(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	room := testRoom("alice", "bob")
	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil).AnyTimes()

	r, _ := newTestRouter(t, store, Options{})
	assert.ErrorIs(t, r.SetTyping(context.Background(), room.ID, "mallory", true), models.ErrNotAuthorized)
	assert.NoError(t, r.SetTyping(context.Background(), room.ID, "alice", true))
}

func TestResolveFileURL(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	files := mocks.NewMockFileResolver(ctrl)
	room := testRoom("alice", "bob")

	store.EXPECT().GetRoom(gomock.Any(), room.ID).Return(room, nil)
	files.EXPECT().PresignGet(gomock.Any(), "rooms/x/report.pdf", 5*time.Minute).Return("https://files.example/report.pdf?sig=1", nil)

	r, _ := newTestRouter(t, store, Options{Files: files, FileURLTTL: 5 * time.Minute})

	msg := &models.Message{ID: primitive.NewObjectID(), RoomID: room.ID, Body: models.FileBody("rooms/x/report.pdf", "report.pdf", "application/pdf", 10)}
	url, err := r.ResolveFileURL(context.Background(), "bob", msg)
	require.NoError(t, err)
	assert.Equal(t, "https://files.example/report.pdf?sig=1", url)

	_, err = r.ResolveFileURL(context.Background(), "bob", storedMessage(room.ID, "alice", "text"))
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestOpenDirectRoomReusesExisting(t *testing.T) {
	ctrl := gomock.NewController(t)
	store := mocks.NewMockStore(ctrl)
	existing := testRoom("alice", "bob")

	gomock.InOrder(
		store.EXPECT().FindDirectRoom(gomock.Any(), "alice", "bob").Return(nil, nil),
		store.EXPECT().CreateRoom(gomock.Any(), models.NewRoom{Name: "alice & bob", Kind: models.RoomKindGeneric, Participants: []string{"alice", "bob"}}).Return(existing, nil),
		store.EXPECT().FindDirectRoom(gomock.Any(), "bob", "alice").Return(existing, nil),
	)

	r, _ := newTestRouter(t, store, Options{})
	first, err := r.OpenDirectRoom(context.Background(), "alice", "bob")
	require.NoError(t, err)
	second, err := r.OpenDirectRoom(context.Background(), "bob", "alice")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	_, err = r.OpenDirectRoom(context.Background(), "alice", "alice")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestConnectIsIdempotentUntilDisconnect(t *testing.T) {
	ctrl := gomock.NewController(t)
	r, _ := newTestRouter(t, mocks.NewMockStore(ctrl), Options{})

	a := r.Connect("alice")
	assert.Same(t, a, r.Connect("alice"))

	r.Disconnect("alice")
	assert.True(t, a.Closed())
	_, ok := r.Session("alice")
	assert.False(t, ok)

	b := r.Connect("alice")
	assert.NotSame(t, a, b)
	assert.False(t, b.Closed())
}
