package database

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// MemoryStore 是記憶體內的持久層，語意與 MongoStore 相同，供本機開發與測試使用
type MemoryStore struct {
	mu       sync.RWMutex
	rooms    map[primitive.ObjectID]*models.ChatRoom
	messages map[primitive.ObjectID][]models.Message
	subs     map[primitive.ObjectID]map[*memorySub]struct{}
}

// NewMemoryStore 創建空的 MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:    make(map[primitive.ObjectID]*models.ChatRoom),
		messages: make(map[primitive.ObjectID][]models.Message),
		subs:     make(map[primitive.ObjectID]map[*memorySub]struct{}),
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, in models.NewRoom) (*models.ChatRoom, error) {
	participants, err := in.Validate()
	if err != nil {
		return nil, err
	}
	now := models.Now()
	room := &models.ChatRoom{
		ID:             primitive.NewObjectID(),
		Name:           in.Name,
		Kind:           in.Kind,
		ProjectRef:     in.ProjectRef,
		Participants:   participants,
		CreatedAt:      now,
		LastActivityAt: now,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[room.ID] = room
	return cloneRoom(room), nil
}

func (s *MemoryStore) GetRoom(_ context.Context, id primitive.ObjectID) (*models.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: chat room", models.ErrNotFound)
	}
	return cloneRoom(room), nil
}

func (s *MemoryStore) FindDirectRoom(_ context.Context, a, b string) (*models.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, room := range s.rooms {
		if room.Kind != models.RoomKindGeneric || len(room.Participants) != 2 {
			continue
		}
		if room.HasParticipant(a) && room.HasParticipant(b) {
			return cloneRoom(room), nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) ListRooms(_ context.Context, identity string) ([]models.ChatRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rooms := []models.ChatRoom{}
	for _, room := range s.rooms {
		if room.HasParticipant(identity) {
			rooms = append(rooms, *cloneRoom(room))
		}
	}
	sort.Slice(rooms, func(i, j int) bool {
		if !rooms[i].LastActivityAt.Equal(rooms[j].LastActivityAt) {
			return rooms[i].LastActivityAt.After(rooms[j].LastActivityAt)
		}
		return rooms[i].ID.Hex() > rooms[j].ID.Hex()
	})
	return rooms, nil
}

func (s *MemoryStore) AddParticipants(_ context.Context, id primitive.ObjectID, ids []string) (*models.ChatRoom, error) {
	ids = models.NormalizeParticipants(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no participants to add", models.ErrValidation)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: chat room", models.ErrNotFound)
	}
	room.Participants = models.NormalizeParticipants(append(room.Participants, ids...))
	return cloneRoom(room), nil
}

func (s *MemoryStore) RemoveParticipant(_ context.Context, id primitive.ObjectID, identity string) (*models.ChatRoom, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[id]
	if !ok {
		return nil, fmt.Errorf("%w: chat room", models.ErrNotFound)
	}
	if !room.HasParticipant(identity) {
		return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotFound, identity, id.Hex())
	}
	if len(room.Participants) == 1 {
		return nil, fmt.Errorf("%w: cannot remove the last participant", models.ErrValidation)
	}
	room.Participants = slices.DeleteFunc(room.Participants, func(p string) bool { return p == identity })
	return cloneRoom(room), nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, roomID primitive.ObjectID, author string, body models.Body) (*models.Message, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: chat room %s", models.ErrNotFound, roomID.Hex())
	}
	if !room.HasParticipant(author) {
		return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotAuthorized, author, roomID.Hex())
	}

	msg := models.Message{
		ID:        primitive.NewObjectID(),
		RoomID:    roomID,
		AuthorID:  author,
		Body:      body,
		CreatedAt: models.Now(),
	}
	s.messages[roomID] = append(s.messages[roomID], msg)
	if msg.CreatedAt.After(room.LastActivityAt) {
		room.LastActivityAt = msg.CreatedAt
	}

	for sub := range s.subs[roomID] {
		sub.push(msg)
	}
	return &msg, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, roomID primitive.ObjectID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.messages[roomID]
	if len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]models.Message, len(all))
	copy(out, all)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out, nil
}

// SubscribeToRoomInserts 每個訂閱有自己的 goroutine 與無上限佇列，依寫入順序送出
func (s *MemoryStore) SubscribeToRoomInserts(ctx context.Context, roomID primitive.ObjectID, handler func(models.Message)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &memorySub{wake: make(chan struct{}, 1), done: make(chan struct{})}

	s.mu.Lock()
	if s.subs[roomID] == nil {
		s.subs[roomID] = make(map[*memorySub]struct{})
	}
	s.subs[roomID][sub] = struct{}{}
	s.mu.Unlock()

	go sub.run(ctx, handler)

	return func() {
		s.mu.Lock()
		delete(s.subs[roomID], sub)
		if len(s.subs[roomID]) == 0 {
			delete(s.subs, roomID)
		}
		s.mu.Unlock()
		cancel()
		<-sub.done
	}, nil
}

// Subscribers 回傳聊天室目前的訂閱數
func (s *MemoryStore) Subscribers(roomID primitive.ObjectID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs[roomID])
}

type memorySub struct {
	mu    sync.Mutex
	queue []models.Message
	wake  chan struct{}
	done  chan struct{}
}

func (m *memorySub) push(msg models.Message) {
	m.mu.Lock()
	m.queue = append(m.queue, msg)
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *memorySub) run(ctx context.Context, handler func(models.Message)) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.wake:
		}
		m.mu.Lock()
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()
		for _, msg := range batch {
			if ctx.Err() != nil {
				return
			}
			handler(msg)
		}
	}
}

func cloneRoom(room *models.ChatRoom) *models.ChatRoom {
	c := *room
	c.Participants = slices.Clone(room.Participants)
	return &c
}
