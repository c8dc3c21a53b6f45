package database

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// DefaultHistoryLimit 是沒有指定數量時回傳的歷史訊息數
const DefaultHistoryLimit = 50

// AppendMessage 在同一個交易中寫入訊息並更新聊天室最後活動時間
func (s *MongoStore) AppendMessage(ctx context.Context, roomID primitive.ObjectID, author string, body models.Body) (*models.Message, error) {
	if err := body.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	sess, err := s.client.StartSession()
	if err != nil {
		return nil, persistence(err)
	}
	defer sess.EndSession(ctx)

	result, err := sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		var room models.ChatRoom
		if err := s.rooms.FindOne(sc, bson.M{"_id": roomID}).Decode(&room); err != nil {
			if errors.Is(err, mongo.ErrNoDocuments) {
				return nil, fmt.Errorf("%w: chat room %s", models.ErrNotFound, roomID.Hex())
			}
			return nil, err
		}
		if !room.HasParticipant(author) {
			return nil, fmt.Errorf("%w: %s is not a participant of room %s", models.ErrNotAuthorized, author, roomID.Hex())
		}

		msg := &models.Message{
			ID:        primitive.NewObjectID(),
			RoomID:    roomID,
			AuthorID:  author,
			Body:      body,
			CreatedAt: models.Now(),
		}
		if _, err := s.messages.InsertOne(sc, msg); err != nil {
			return nil, err
		}
		// 並行寫入可能不按時間順序提交，$max 讓最後活動時間只會往前
		if _, err := s.rooms.UpdateByID(sc, roomID, bson.M{"$max": bson.M{"lastActivityAt": msg.CreatedAt}}); err != nil {
			return nil, err
		}
		return msg, nil
	})
	if err != nil {
		return nil, persistence(err)
	}
	return result.(*models.Message), nil
}

// ListMessages 獲取指定聊天室最近的訊息，由舊到新
func (s *MongoStore) ListMessages(ctx context.Context, roomID primitive.ObjectID, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"roomId": roomID}
	findOptions := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))

	cursor, err := s.messages.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, persistence(err)
	}
	defer cursor.Close(ctx)

	messages := []models.Message{}
	if err = cursor.All(ctx, &messages); err != nil {
		return nil, persistence(err)
	}
	slices.Reverse(messages)
	return messages, nil
}
