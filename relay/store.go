package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
	"github.com/rhyanalmeida/theacewebcrm-sub005/realtime"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks . Store,FileResolver

// Store 是 Router 使用的持久層
type Store interface {
	CreateRoom(ctx context.Context, in models.NewRoom) (*models.ChatRoom, error)
	GetRoom(ctx context.Context, id primitive.ObjectID) (*models.ChatRoom, error)
	// FindDirectRoom 找出參與者恰好為 {a, b} 的一般聊天室，找不到時回傳 nil, nil
	FindDirectRoom(ctx context.Context, a, b string) (*models.ChatRoom, error)
	ListRooms(ctx context.Context, identity string) ([]models.ChatRoom, error)
	AddParticipants(ctx context.Context, id primitive.ObjectID, ids []string) (*models.ChatRoom, error)
	RemoveParticipant(ctx context.Context, id primitive.ObjectID, identity string) (*models.ChatRoom, error)

	// AppendMessage 寫入訊息並更新聊天室最後活動時間
	AppendMessage(ctx context.Context, roomID primitive.ObjectID, author string, body models.Body) (*models.Message, error)
	// ListMessages 回傳最近 limit 則訊息，由舊到新
	ListMessages(ctx context.Context, roomID primitive.ObjectID, limit int) ([]models.Message, error)
	// SubscribeToRoomInserts 訂閱聊天室的新訊息；回傳的取消函式返回後 handler 不會再被呼叫
	SubscribeToRoomInserts(ctx context.Context, roomID primitive.ObjectID, handler func(models.Message)) (func(), error)
}

// Transport 是 Router 使用的即時傳輸，*realtime.Hub 即為實作
type Transport interface {
	Connect(identity string) *realtime.Conn
	Connected(identity string) (*realtime.Conn, bool)
	Publish(ctx context.Context, roomID primitive.ObjectID, e models.Event) error
}

// FileResolver 把檔案訊息的路徑換成可下載的網址
type FileResolver interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// CancelFunc 取消一個聊天室訂閱；返回後不會再有該聊天室的事件送出
type CancelFunc func()

// classify 保留已分類的錯誤，其餘一律視為持久層錯誤
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrNotAuthorized),
		errors.Is(err, models.ErrNotFound),
		errors.Is(err, models.ErrPersistence):
		return err
	default:
		return fmt.Errorf("%w: %w", models.ErrPersistence, err)
	}
}
