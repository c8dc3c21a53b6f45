package database

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/metrics"
	"github.com/rhyanalmeida/theacewebcrm-sub005/models"
)

// changeStreamHistoryLost 表示 resume token 已不在 oplog 中
const changeStreamHistoryLost = 286

type insertEvent struct {
	FullDocument models.Message `bson:"fullDocument"`
}

// SubscribeToRoomInserts 以 change stream 追蹤聊天室的新訊息。
// 暫時性錯誤會以最後的 resume token 與指數退避重新開啟；回傳的取消函式會等待追蹤的 goroutine 結束。
func (s *MongoStore) SubscribeToRoomInserts(ctx context.Context, roomID primitive.ObjectID, handler func(models.Message)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	// 第一次開啟同步進行，確保回傳後的寫入都會被看到
	stream, err := s.watchRoom(ctx, roomID, nil)
	if err != nil {
		cancel()
		return nil, persistence(err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.followRoom(ctx, roomID, stream, handler)
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

func (s *MongoStore) watchRoom(ctx context.Context, roomID primitive.ObjectID, resumeToken bson.Raw) (*mongo.ChangeStream, error) {
	pipeline := mongo.Pipeline{
		bson.D{{Key: "$match", Value: bson.D{
			{Key: "operationType", Value: "insert"},
			{Key: "fullDocument.roomId", Value: roomID},
		}}},
	}
	opts := options.ChangeStream()
	if resumeToken != nil {
		opts.SetResumeAfter(resumeToken)
	}
	return s.messages.Watch(ctx, pipeline, opts)
}

func (s *MongoStore) followRoom(ctx context.Context, roomID primitive.ObjectID, stream *mongo.ChangeStream, handler func(models.Message)) {
	l := logging.L().With().Str(logging.FieldRoomID, roomID.Hex()).Logger()
	var resumeToken bson.Raw

	for {
		for stream.Next(ctx) {
			var event insertEvent
			if err := stream.Decode(&event); err != nil {
				l.Warn().Err(err).Msg("failed to decode change event")
				continue
			}
			resumeToken = stream.ResumeToken()
			handler(event.FullDocument)
		}
		err := stream.Err()
		if token := stream.ResumeToken(); token != nil {
			resumeToken = token
		}
		_ = stream.Close(context.Background())
		if ctx.Err() != nil {
			return
		}

		l.Warn().Err(err).Msg("change stream interrupted, resuming")
		metrics.FeedResumes.Inc()

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = 200 * time.Millisecond
		bo.MaxInterval = 10 * time.Second
		bo.MaxElapsedTime = 0

		reopen := func() error {
			next, err := s.watchRoom(ctx, roomID, resumeToken)
			if err != nil {
				var se mongo.ServerError
				if resumeToken != nil && errors.As(err, &se) && se.HasErrorCode(changeStreamHistoryLost) {
					// token 已失效，從現在開始追蹤；缺漏的訊息由重新載入歷史補回
					l.Warn().Msg("resume token expired, restarting change stream")
					resumeToken = nil
				}
				return err
			}
			stream = next
			return nil
		}
		notify := func(err error, wait time.Duration) {
			l.Warn().Err(err).Dur("retry_in", wait).Msg("failed to reopen change stream")
		}
		if err := backoff.RetryNotify(reopen, backoff.WithContext(bo, ctx), notify); err != nil {
			return
		}
	}
}
