package models

import (
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// BodyType 定義訊息內容類型
type BodyType string

const (
	BodyTypeText BodyType = "text" // 文字訊息
	BodyTypeFile BodyType = "file" // 檔案參照，內容存放於物件儲存
)

// MaxTextLength 是文字訊息的長度上限
const MaxTextLength = 4000

// Body 是訊息內容，Type 決定哪些欄位有效
type Body struct {
	Type        BodyType `bson:"type" json:"type"`
	Text        string   `bson:"text,omitempty" json:"text,omitempty"`
	Path        string   `bson:"path,omitempty" json:"path,omitempty"` // 物件儲存路徑，對 Router 而言是不透明的
	FileName    string   `bson:"fileName,omitempty" json:"fileName,omitempty"`
	ContentType string   `bson:"contentType,omitempty" json:"contentType,omitempty"`
	Size        int64    `bson:"size,omitempty" json:"size,omitempty"`
}

// TextBody 建立文字內容
func TextBody(text string) Body {
	return Body{Type: BodyTypeText, Text: text}
}

// FileBody 建立檔案參照內容
func FileBody(path, fileName, contentType string, size int64) Body {
	return Body{Type: BodyTypeFile, Path: path, FileName: fileName, ContentType: contentType, Size: size}
}

// Validate 檢查內容是否符合其類型
func (b Body) Validate() error {
	switch b.Type {
	case BodyTypeText:
		if strings.TrimSpace(b.Text) == "" {
			return fmt.Errorf("%w: message text is empty", ErrValidation)
		}
		if len(b.Text) > MaxTextLength {
			return fmt.Errorf("%w: message text exceeds %d bytes", ErrValidation, MaxTextLength)
		}
	case BodyTypeFile:
		if b.Path == "" {
			return fmt.Errorf("%w: file message requires a storage path", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown body type %q", ErrValidation, b.Type)
	}
	return nil
}

// Message 代表一個已持久化的聊天訊息，寫入後不可變更
type Message struct {
	ID        primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	RoomID    primitive.ObjectID `bson:"roomId" json:"roomId"`
	AuthorID  string             `bson:"authorId" json:"authorId"`
	Body      Body               `bson:"body" json:"body"`
	CreatedAt time.Time          `bson:"createdAt" json:"createdAt"`
}

// Before 依建立時間排序，時間相同時以 ID 決定順序
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID.Hex() < other.ID.Hex()
}

// Now 回傳截斷到毫秒的 UTC 時間；MongoDB 只保存毫秒，所以即時副本與資料庫副本才會相等
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
