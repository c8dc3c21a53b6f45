package database

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

func TestMemoryCreateRoomValidates(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_, err := s.CreateRoom(ctx, models.NewRoom{Name: "empty", Kind: models.RoomKindGeneric, Participants: []string{"", ""}})
	assert.ErrorIs(t, err, models.ErrValidation)

	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "deal", Kind: models.RoomKindProject, ProjectRef: "p-1", Participants: []string{"bob", "alice", "bob"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, room.Participants)
	assert.False(t, room.ID.IsZero())
}

func TestMemoryAppendMessageRequiresParticipant(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "r", Kind: models.RoomKindGeneric, Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	_, err = s.AppendMessage(ctx, room.ID, "mallory", models.TextBody("hi"))
	assert.ErrorIs(t, err, models.ErrNotAuthorized)

	_, err = s.AppendMessage(ctx, primitive.NewObjectID(), "alice", models.TextBody("hi"))
	assert.ErrorIs(t, err, models.ErrNotFound)

	msgs, err := s.ListMessages(ctx, room.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestMemoryListMessagesReturnsSendOrder(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "r", Kind: models.RoomKindGeneric, Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	var sent []primitive.ObjectID
	for i := 0; i < 5; i++ {
		m, err := s.AppendMessage(ctx, room.ID, "alice", models.TextBody("m"))
		require.NoError(t, err)
		sent = append(sent, m.ID)
	}

	msgs, err := s.ListMessages(ctx, room.ID, 0)
	require.NoError(t, err)
	got := make([]primitive.ObjectID, 0, len(msgs))
	for _, m := range msgs {
		got = append(got, m.ID)
	}
	assert.Equal(t, sent, got)

	last, err := s.ListMessages(ctx, room.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, sent[3], last[0].ID)
	assert.Equal(t, sent[4], last[1].ID)
}

func TestMemoryListRoomsMostRecentFirst(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	older, err := s.CreateRoom(ctx, models.NewRoom{Name: "older", Kind: models.RoomKindGeneric, Participants: []string{"alice"}})
	require.NoError(t, err)
	newer, err := s.CreateRoom(ctx, models.NewRoom{Name: "newer", Kind: models.RoomKindGeneric, Participants: []string{"alice"}})
	require.NoError(t, err)

	time.Sleep(2 * time.Millisecond)
	_, err = s.AppendMessage(ctx, older.ID, "alice", models.TextBody("bump"))
	require.NoError(t, err)

	rooms, err := s.ListRooms(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, older.ID, rooms[0].ID)
	assert.Equal(t, newer.ID, rooms[1].ID)

	rooms, err = s.ListRooms(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, rooms)
}

func TestMemoryLastActivityNeverMovesBackwards(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "r", Kind: models.RoomKindGeneric, Participants: []string{"alice", "bob"}})
	require.NoError(t, err)

	later := models.Now().Add(time.Hour)
	s.mu.Lock()
	s.rooms[room.ID].LastActivityAt = later
	s.mu.Unlock()

	_, err = s.AppendMessage(ctx, room.ID, "alice", models.TextBody("older commit"))
	require.NoError(t, err)

	got, err := s.GetRoom(ctx, room.ID)
	require.NoError(t, err)
	assert.True(t, got.LastActivityAt.Equal(later))
}

func TestMemoryParticipants(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "r", Kind: models.RoomKindGeneric, Participants: []string{"alice"}})
	require.NoError(t, err)

	room, err = s.AddParticipants(ctx, room.ID, []string{"bob", "alice"})
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, room.Participants)

	room, err = s.RemoveParticipant(ctx, room.ID, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Participants)

	_, err = s.RemoveParticipant(ctx, room.ID, "bob")
	assert.ErrorIs(t, err, models.ErrNotFound)

	_, err = s.RemoveParticipant(ctx, room.ID, "alice")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestMemoryFindDirectRoom(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	room, err := s.FindDirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Nil(t, room)

	_, err = s.CreateRoom(ctx, models.NewRoom{Name: "group", Kind: models.RoomKindGeneric, Participants: []string{"alice", "bob", "carol"}})
	require.NoError(t, err)
	direct, err := s.CreateRoom(ctx, models.NewRoom{Name: "dm", Kind: models.RoomKindGeneric, Participants: []string{"bob", "alice"}})
	require.NoError(t, err)

	room, err = s.FindDirectRoom(ctx, "bob", "alice")
	require.NoError(t, err)
	require.NotNil(t, room)
	assert.Equal(t, direct.ID, room.ID)
}

func TestMemorySubscriptionDeliversInsertsUntilCancelled(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, models.NewRoom{Name: "r", Kind: models.RoomKindGeneric, Participants: []string{"alice"}})
	require.NoError(t, err)
	other, err := s.CreateRoom(ctx, models.NewRoom{Name: "o", Kind: models.RoomKindGeneric, Participants: []string{"alice"}})
	require.NoError(t, err)

	var mu sync.Mutex
	var got []models.Message
	cancel, err := s.SubscribeToRoomInserts(ctx, room.ID, func(m models.Message) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, m)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Subscribers(room.ID))

	first, err := s.AppendMessage(ctx, room.ID, "alice", models.TextBody("one"))
	require.NoError(t, err)
	_, err = s.AppendMessage(ctx, other.ID, "alice", models.TextBody("elsewhere"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	assert.Equal(t, 0, s.Subscribers(room.ID))
	_, err = s.AppendMessage(ctx, room.ID, "alice", models.TextBody("two"))
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, first.ID, got[0].ID)
}
