package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors" // 引入 CORS 庫
	"golang.org/x/sync/errgroup"

	"github.com/rhyanalmeida/theacewebcrm-sub005/config"
	"github.com/rhyanalmeida/theacewebcrm-sub005/database"
	"github.com/rhyanalmeida/theacewebcrm-sub005/handlers"
	"github.com/rhyanalmeida/theacewebcrm-sub005/logging"
	"github.com/rhyanalmeida/theacewebcrm-sub005/middleware"
	"github.com/rhyanalmeida/theacewebcrm-sub005/realtime"
	"github.com/rhyanalmeida/theacewebcrm-sub005/relay"
	"github.com/rhyanalmeida/theacewebcrm-sub005/storage"
	"github.com/rhyanalmeida/theacewebcrm-sub005/websocket"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Pretty: cfg.Log.Pretty})
	l := logging.L()

	if err := run(cfg); err != nil {
		l.Fatal().Err(err).Msg("relay exited with error")
	}
	l.Info().Msg("Server exited gracefully.")
}

func run(cfg *config.Config) error {
	l := logging.L()
	if cfg.JWT.Secret == "" {
		return errors.New("jwt.secret (JWT_SECRET) is required")
	}

	//當按下 Ctrl+C，程式會收到 SIGINT
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	hub := realtime.NewHub()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		bridge := realtime.NewRedisBridge(rdb, cfg.Redis.ChannelPrefix, hub)
		g.Go(func() error {
			bridge.Run(gctx)
			return nil
		})
		l.Info().Str("address", cfg.Redis.Address).Msg("redis bridge enabled")
	}

	var files *storage.S3Storage
	if cfg.S3.Enabled {
		files, err = storage.NewS3Storage(ctx, storage.S3Config{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
		if err != nil {
			return err
		}
		l.Info().Str("bucket", cfg.S3.Bucket).Msg("object storage enabled")
	}

	opts := relay.Options{
		ReorderWindow:      cfg.Relay.ReorderWindow,
		TypingExpiry:       cfg.Relay.TypingExpiry,
		DeliveryRecordSize: cfg.Relay.DeliveryRecordSize,
		PendingLimit:       cfg.Relay.PendingLimit,
		HistoryLimit:       cfg.Relay.HistoryLimit,
		FileURLTTL:         cfg.S3.URLExpiry,
	}
	var uploader handlers.FileUploader
	if files != nil {
		opts.Files = files
		uploader = files
	}
	router := relay.NewRouter(store, hub, opts)

	gateway := websocket.NewGateway(router, websocket.Options{
		PingInterval:   cfg.WebSocket.PingInterval,
		PongWait:       cfg.WebSocket.PongWait,
		WriteWait:      cfg.WebSocket.WriteWait,
		MaxMessageSize: cfg.WebSocket.MaxMessageSize,
		OutboxSize:     cfg.Relay.OutboxSize,
		SessionGrace:   cfg.Relay.SessionGrace,
		PollWait:       cfg.Relay.PollWait,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})

	mr := mux.NewRouter()
	mr.Use(middleware.RequestLogger(l))

	// 健康檢查路由
	mr.HandleFunc("/health", handlers.HealthHandler(store, hub, gateway.Sessions)).Methods("GET")
	mr.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := mr.NewRoute().Subrouter()
	api.Use(middleware.JWTMiddleware(cfg.JWT.Secret))
	handlers.NewRoomHandler(router, uploader).RegisterRoutes(api)
	gateway.RegisterRoutes(api)

	c := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", "X-Request-ID"},
		AllowCredentials: true,
	})

	serverAddr := fmt.Sprintf(":%s", cfg.Server.Port)
	srv := &http.Server{
		Addr:              serverAddr,
		Handler:           c.Handler(mr),
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		// long-poll 與 WebSocket 需要長時間的回應，不設定 WriteTimeout
	}

	g.Go(func() error {
		l.Info().Str("addr", serverAddr).Str("store", cfg.Store.Driver).Msg("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("could not listen on %s: %w", serverAddr, err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		l.Info().Msg("shutting down server...")

		//最多等30秒關閉，避免資料損壞，請求中斷
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		// 先中斷 Session，讓 long-poll 與 socket 迴圈結束
		gateway.Close()
		router.Shutdown()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// openStore 依設定選擇持久層；memory 只適合本機開發
func openStore(ctx context.Context, cfg *config.Config) (relay.Store, func(), error) {
	l := logging.L()
	switch cfg.Store.Driver {
	case "memory":
		l.Warn().Msg("using in-memory store, data is lost on restart")
		return database.NewMemoryStore(), func() {}, nil
	case "mongo", "":
		connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		store, err := database.ConnectMongoDB(connectCtx, cfg.Mongo.URI, cfg.Mongo.Database)
		if err != nil {
			return nil, nil, err
		}
		closeStore := func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := store.Close(closeCtx); err != nil {
				l.Warn().Err(err).Msg("failed to disconnect from MongoDB")
			}
		}
		return store, closeStore, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
