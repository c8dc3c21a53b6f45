package storage

import (
	"context"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func TestFileKeyIsScopedToRoom(t *testing.T) {
	room := primitive.NewObjectID()

	key := FileKey(room, "../../etc/passwd")
	assert.True(t, strings.HasPrefix(key, "rooms/"+room.Hex()+"/"))
	assert.True(t, strings.HasSuffix(key, "-passwd"))
	assert.NotContains(t, strings.TrimPrefix(key, "rooms/"+room.Hex()+"/"), "/")

	assert.True(t, strings.HasSuffix(FileKey(room, `C:\docs\q3 report.pdf`), "-q3 report.pdf"))
	assert.True(t, strings.HasSuffix(FileKey(room, ""), "-file"))
	assert.NotEqual(t, FileKey(room, "a.txt"), FileKey(room, "a.txt"))
}

func TestPresignGetDoesNotNeedNetwork(t *testing.T) {
	s, err := NewS3Storage(context.Background(), S3Config{
		Endpoint:        "http://localhost:9000",
		Bucket:          "chat-attachments",
		AccessKeyID:     "minio",
		SecretAccessKey: "minio-secret",
		UsePathStyle:    true,
	})
	require.NoError(t, err)

	raw, err := s.PresignGet(context.Background(), "rooms/abc/report.pdf", 10*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/chat-attachments/rooms/abc/report.pdf", u.Path)
	assert.Equal(t, "600", u.Query().Get("X-Amz-Expires"))
}

func TestNewS3StorageRequiresBucket(t *testing.T) {
	_, err := NewS3Storage(context.Background(), S3Config{})
	assert.Error(t, err)
}
