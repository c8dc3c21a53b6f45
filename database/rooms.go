package database

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// CreateRoom 建立聊天室，參與者去重並排序後存入
func (s *MongoStore) CreateRoom(ctx context.Context, in models.NewRoom) (*models.ChatRoom, error) {
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

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.rooms.InsertOne(ctx, room); err != nil {
		return nil, persistence(err)
	}
	return room, nil
}

// GetRoom 根據 ID 查找聊天室
func (s *MongoStore) GetRoom(ctx context.Context, id primitive.ObjectID) (*models.ChatRoom, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.findRoom(ctx, bson.M{"_id": id})
}

// FindDirectRoom 查找參與者恰好為 a 與 b 的一般聊天室
func (s *MongoStore) FindDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"kind":         models.RoomKindGeneric,
		"participants": bson.M{"$all": bson.A{a, b}, "$size": 2},
	}
	room, err := s.findRoom(ctx, filter)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return room, err
}

// ListRooms 獲取使用者參與的所有聊天室，最近有活動的在前
func (s *MongoStore) ListRooms(ctx context.Context, identity string) ([]models.ChatRoom, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	findOptions := options.Find().SetSort(bson.D{{Key: "lastActivityAt", Value: -1}, {Key: "_id", Value: -1}})
	cursor, err := s.rooms.Find(ctx, bson.M{"participants": identity}, findOptions)
	if err != nil {
		return nil, persistence(err)
	}
	defer cursor.Close(ctx)

	rooms := []models.ChatRoom{}
	if err := cursor.All(ctx, &rooms); err != nil {
		return nil, persistence(err)
	}
	for i := range rooms {
		sort.Strings(rooms[i].Participants)
	}
	return rooms, nil
}

// AddParticipants 把使用者加入聊天室，已存在的參與者不會重複
func (s *MongoStore) AddParticipants(ctx context.Context, id primitive.ObjectID, ids []string) (*models.ChatRoom, error) {
	ids = models.NormalizeParticipants(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no participants to add", models.ErrValidation)
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	update := bson.M{"$addToSet": bson.M{"participants": bson.M{"$each": ids}}}
	return s.updateRoom(ctx, bson.M{"_id": id}, update)
}

// RemoveParticipant 把使用者移出聊天室；聊天室至少保留一位參與者
func (s *MongoStore) RemoveParticipant(ctx context.Context, id primitive.ObjectID, identity string) (*models.ChatRoom, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{
		"_id":            id,
		"participants":   identity,
		"participants.1": bson.M{"$exists": true},
	}
	room, err := s.updateRoom(ctx, filter, bson.M{"$pull": bson.M{"participants": identity}})
	if !errors.Is(err, models.ErrNotFound) {
		return room, err
	}

	// 判斷是聊天室不存在、使用者不在其中，還是最後一位參與者
	current, err := s.findRoom(ctx, bson.M{"_id": id})
	if err != nil {
		return nil, err
	}
	if !current.HasParticipant(identity) {
		return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotFound, identity, id.Hex())
	}
	return nil, fmt.Errorf("%w: cannot remove the last participant", models.ErrValidation)
}

func (s *MongoStore) findRoom(ctx context.Context, filter bson.M) (*models.ChatRoom, error) {
	var room models.ChatRoom
	err := s.rooms.FindOne(ctx, filter).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: chat room", models.ErrNotFound)
	}
	if err != nil {
		return nil, persistence(err)
	}
	sort.Strings(room.Participants)
	return &room, nil
}

func (s *MongoStore) updateRoom(ctx context.Context, filter, update bson.M) (*models.ChatRoom, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var room models.ChatRoom
	err := s.rooms.FindOneAndUpdate(ctx, filter, update, opts).Decode(&room)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: chat room", models.ErrNotFound)
	}
	if err != nil {
		return nil, persistence(err)
	}
	sort.Strings(room.Participants)
	return &room, nil
}
