package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"time"

	"connect-relay/internal/api"
	"connect-relay/internal/auth"
	"connect-relay/internal/config"
	"connect-relay/internal/logging"
	"connect-relay/internal/notify"
	"connect-relay/internal/redis"
	"connect-relay/internal/relay"
	"connect-relay/internal/ws"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const serviceName = "connect-relay"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis
	redisClient, err := redis.NewClient(ctx, cfg.RedisURL, logger)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}

	authn, err := newAuthenticator(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize authenticator", zap.Error(err))
	}

	messages := redis.NewMessageStore(redisClient)
	alerts := redis.NewAlertStore(redisClient)
	users := redis.NewUserDirectory(redisClient)

	hub := ws.NewHub(logger)

	var sender notify.PushSender
	if cfg.PushEndpoint != "" {
		sender = notify.NewHTTPPushSender(cfg.PushEndpoint, cfg.PushServerKey, logger)
	} else {
		logger.Warn("PUSH_ENDPOINT not set, push notifications disabled")
	}
	dispatcher := notify.NewDispatcher(users, sender, logger)

	var broadcaster relay.Broadcaster = hub
	if cfg.FanoutMode == config.FanoutRedis {
		fanout := redis.NewFanout(redisClient, hub, ws.EncodeEvent, logger)
		ready := make(chan struct{})
		go func() {
			if err := fanout.Run(ctx, ready); err != nil {
				logger.Error("Redis fan-out stopped", zap.Error(err))
			}
		}()
		select {
		case <-ready:
		case <-time.After(5 * time.Second):
			logger.Fatal("Timed out subscribing to Redis fan-out")
		}
		broadcaster = fanout
	}

	engine := relay.NewEngine(relay.Deps{
		Messages:      messages,
		Alerts:        alerts,
		Profiles:      users,
		Broadcaster:   broadcaster,
		Notifier:      dispatcher,
		Membership:    hub,
		NotifyTimeout: cfg.NotifyTimeout,
	}, logger)

	socket := ws.NewServer(ctx, hub, authn, users, engine, cfg.CORSOrigins, cfg.SendBuffer, logger)

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(api.Deps{
		Authn:           authn,
		Messages:        messages,
		Alerts:          alerts,
		Alerter:         engine,
		Users:           users,
		Broadcaster:     broadcaster,
		Notifier:        dispatcher,
		Stats:           hub,
		Store:           redisClient,
		Socket:          socket,
		HistoryPageSize: cfg.HistoryPageSize,
		CORSOrigins:     cfg.CORSOrigins,
		UploadDir:       cfg.UploadDir,
	}, logger)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Relay server starting", zap.String("addr", cfg.Addr()), zap.String("fanout", cfg.FanoutMode))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"relay": func(shutdownCtx context.Context) error {
				logger.Info("Graceful shutdown initiated...")
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
				}
				hub.CloseAll()
				engine.Close()
				cancel()

				done := make(chan struct{})
				go func() {
					engine.Wait()
					close(done)
				}()
				select {
				case <-done:
				case <-shutdownCtx.Done():
					logger.Warn("Pending notifications abandoned", zap.Error(shutdownCtx.Err()))
				}

				return redisClient.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Info("Relay server exited", zap.Int("code", exitCode))
	logger.Sync()
	os.Exit(exitCode)
}

func newAuthenticator(ctx context.Context, cfg config.Config, logger *zap.Logger) (auth.Authenticator, error) {
	if cfg.JWKSIssuerURL != "" {
		jwks, err := auth.NewJWKSAuthenticator(cfg.JWKSIssuerURL, logger)
		if err != nil {
			return nil, err
		}
		go jwks.KeepFresh(ctx)
		return jwks, nil
	}
	return auth.NewHMACAuthenticator(cfg.JWTSecret), nil
}
