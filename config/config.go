package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv" // 引入這個庫來讀取 .env 檔案
	"github.com/spf13/viper"
)

// Config 結構體用於儲存應用程式的配置
type Config struct {
	Server    ServerConfig
	Mongo     MongoConfig
	Store     StoreConfig
	Redis     RedisConfig
	JWT       JWTConfig
	WebSocket WebSocketConfig
	Relay     RelayConfig
	S3        S3Config
	Log       LogConfig
}

type ServerConfig struct {
	Port           string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type MongoConfig struct {
	URI      string
	Database string
}

// StoreConfig 選擇持久層實作：mongo 或 memory（本機開發用）
type StoreConfig struct {
	Driver string
}

type RedisConfig struct {
	Enabled       bool
	Address       string
	Password      string
	DB            int
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

type JWTConfig struct {
	Secret string
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
}

// RelayConfig 控制重排視窗、輸入中訊號過期與各種上限
type RelayConfig struct {
	ReorderWindow      time.Duration `mapstructure:"reorder_window"`
	TypingExpiry       time.Duration `mapstructure:"typing_expiry"`
	DeliveryRecordSize int           `mapstructure:"delivery_record_size"`
	PendingLimit       int           `mapstructure:"pending_limit"`
	HistoryLimit       int           `mapstructure:"history_limit"`
	OutboxSize         int           `mapstructure:"outbox_size"`
	SessionGrace       time.Duration `mapstructure:"session_grace"`
	PollWait           time.Duration `mapstructure:"poll_wait"`
}

type S3Config struct {
	Enabled         bool
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string        `mapstructure:"access_key_id"`
	SecretAccessKey string        `mapstructure:"secret_access_key"`
	UsePathStyle    bool          `mapstructure:"use_path_style"`
	URLExpiry       time.Duration `mapstructure:"url_expiry"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// LoadConfig 載入配置，優先從環境變數讀取，其次從 .env 與 config.yaml 讀取
func LoadConfig() (*Config, error) {
	// 嘗試載入 .env 檔案，如果不存在也不會報錯
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// 與舊版 .env 相容的變數名稱
	v.BindEnv("server.port", "PORT")
	v.BindEnv("mongo.uri", "MONGODB_URI")
	v.BindEnv("mongo.database", "DB_NAME")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.allowed_origins", "http://localhost:5173")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017/?replicaSet=rs0")
	v.SetDefault("mongo.database", "crm_chat")
	v.SetDefault("store.driver", "mongo")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", "relay")
	v.SetDefault("jwt.secret", "")
	v.SetDefault("websocket.ping_interval", "54s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 8192)
	v.SetDefault("relay.reorder_window", "150ms")
	v.SetDefault("relay.typing_expiry", "5s")
	v.SetDefault("relay.delivery_record_size", 4096)
	v.SetDefault("relay.pending_limit", 256)
	v.SetDefault("relay.history_limit", 50)
	v.SetDefault("relay.outbox_size", 256)
	v.SetDefault("relay.session_grace", "30s")
	v.SetDefault("relay.poll_wait", "25s")
	v.SetDefault("s3.enabled", false)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("s3.bucket", "chat-attachments")
	v.SetDefault("s3.use_path_style", true)
	v.SetDefault("s3.url_expiry", "15m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}
