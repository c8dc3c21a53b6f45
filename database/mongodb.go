package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

const (
	roomsCollection    = "chatrooms"
	messagesCollection = "messages"

	defaultOpTimeout = 5 * time.Second
)

// MongoStore 是以 MongoDB 實作的持久層。
// 訊息寫入使用交易，變更訂閱使用 change stream，因此需要 replica set。
type MongoStore struct {
	client   *mongo.Client
	db       *mongo.Database
	rooms    *mongo.Collection
	messages *mongo.Collection

	opTimeout time.Duration
}

// ConnectMongoDB 建立並初始化 MongoDB 連線
func ConnectMongoDB(ctx context.Context, uri, name string) (*MongoStore, error) {
	clientOptions := options.Client().ApplyURI(uri)
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Ping the primary to verify connection
	if err = client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}

	l := logging.L()
	l.Info().Str("database", name).Msg("connected to MongoDB")

	s := NewMongoStore(client, name)
	if err := s.EnsureIndexes(ctx); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return s, nil
}

// NewMongoStore 以既有的 client 建立 MongoStore
func NewMongoStore(client *mongo.Client, name string) *MongoStore {
	db := client.Database(name)
	return &MongoStore{
		client:    client,
		db:        db,
		rooms:     db.Collection(roomsCollection),
		messages:  db.Collection(messagesCollection),
		opTimeout: defaultOpTimeout,
	}
}

// EnsureIndexes 建立查詢需要的索引；訊息永久保存，不設 TTL
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "roomId", Value: 1}, {Key: "createdAt", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create messages index: %w", err)
	}

	_, err = s.rooms.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "participants", Value: 1}, {Key: "lastActivityAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create chatrooms index: %w", err)
	}
	return nil
}

// Close 關閉 MongoDB 連線
func (s *MongoStore) Close(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.client.Disconnect(ctx); err != nil {
		return err
	}
	l := logging.L()
	l.Info().Msg("disconnected from MongoDB")
	return nil
}

// Ping 供健康檢查使用
func (s *MongoStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *MongoStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// persistence 把驅動程式錯誤包成持久層錯誤，已分類的錯誤原樣回傳
func persistence(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{models.ErrValidation, models.ErrNotAuthorized, models.ErrNotFound, models.ErrPersistence} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", models.ErrPersistence, err)
}
