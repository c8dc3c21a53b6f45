package logging

import (
	"context"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config 控制日誌等級與輸出格式
type Config struct {
	Level  string
	Pretty bool
}

// 共用欄位名稱
const (
	FieldRequestID = "request_id"
	FieldUserID    = "user_id"
	FieldRoomID    = "room_id"
	FieldMessageID = "message_id"
	FieldSessionID = "session_id"
	FieldConnID    = "conn_id"
)

var (
	global zerolog.Logger
	once   sync.Once
)

func init() {
	global = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// New 建立一個設定好的 zerolog.Logger
func New(cfg Config) zerolog.Logger {
	var w io.Writer = os.Stdout
	if cfg.Pretty {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
}

// Init 在啟動時設定全域 logger，並把標準庫 log 導向 zerolog
func Init(cfg Config) {
	once.Do(func() {
		global = New(cfg)
		stdlog.SetFlags(0)
		stdlog.SetOutput(global.With().Str("source", "stdlog").Logger())
	})
}

// L 回傳全域 logger
func L() zerolog.Logger {
	return global
}

type ctxKey struct{}

// WithLogger 將 logger 存入 context
func WithLogger(ctx context.Context, logger zerolog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, logger)
}

// Ctx 取出 context 中的 logger，沒有的話回傳全域 logger
func Ctx(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(zerolog.Logger); ok {
		return l
	}
	return L()
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
