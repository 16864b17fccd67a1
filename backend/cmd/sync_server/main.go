package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"syncServer/backend/internal/bus"
	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/events"
	"syncServer/backend/internal/gate"
	"syncServer/backend/internal/session"
	"syncServer/backend/internal/store"
	"syncServer/backend/internal/ws"
)

type SyncConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Enabled bool     `mapstructure:"enabled"`
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		// Mode "http" asks the document service at Path for access
		// levels; mode "jwt" resolves them locally from Secret-signed
		// tokens.
		Mode   string `mapstructure:"mode"`
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Session struct {
		PingIntervalS int `mapstructure:"pingIntervalS"`
		CompactAt     int `mapstructure:"compactAt"`
		QueueMaxLen   int `mapstructure:"queueMaxLen"`
		QueueTTLS     int `mapstructure:"queueTTLS"`
	} `mapstructure:"Session"`
}

func initConfig() (*SyncConfig, error) {
	cfg := &SyncConfig{}
	v := viper.New()
	v.SetConfigName("syncConfig")
	v.SetConfigType("yaml")
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func main() {
	cfg, err := initConfig()
	if err != nil {
		log.WithField("err", err).Fatal("init config failed")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.WithField("err", err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	db, err := sql.Open("mysql", cfg.Mysql.DSN)
	if err != nil {
		log.WithField("err", err).Fatal("failed to open mysql")
	}
	defer db.Close()

	updateStore := store.NewMySQLStore(db, cfg.Session.CompactAt)
	if err := updateStore.Migrate(context.Background()); err != nil {
		log.WithField("err", err).Fatal("failed to migrate update log")
	}

	var dispatcher *events.Dispatcher
	if cfg.Kafka.Enabled {
		kafkaCfg := sarama.NewConfig()
		kafkaCfg.Producer.Return.Successes = true
		kafkaCfg.Producer.RequiredAcks = sarama.WaitForLocal
		producer, err := sarama.NewSyncProducer(cfg.Kafka.Brokers, kafkaCfg)
		if err != nil {
			log.WithField("err", err).Fatal("failed to connect kafka")
		}
		defer producer.Close()
		dispatcher = events.NewDispatcher(producer, cfg.Kafka.Topic, events.DispatcherOptions{})
	}

	var authorizer gate.Authorizer
	switch cfg.Auth.Mode {
	case "jwt":
		authorizer = gate.NewJWTAuthorizer([]byte(cfg.Auth.Secret))
	default:
		authorizer = gate.NewHTTPAuthorizer(cfg.Auth.Path)
	}

	registry := session.NewRegistry(session.Config{
		Store:  updateStore,
		Queue:  cache.NewRedisQueue(rdb, cfg.Session.QueueMaxLen, time.Duration(cfg.Session.QueueTTLS)*time.Second),
		Bus:    bus.NewRedisBus(rdb),
		Events: dispatcher,
	})
	manager := ws.NewManager(registry, ws.ManagerOptions{
		PingInterval: time.Duration(cfg.Session.PingIntervalS) * time.Second,
	})

	r := gin.New()
	r.Use(gin.Logger())
	r.Use(gin.Recovery())

	collab := r.Group("/collab")
	collab.GET("/:docId", gate.Admit(authorizer), manager.WebSocketConnect)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "ok"})
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: r,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("err", err).Fatal("server failed")
		}
	}()
	log.WithField("port", cfg.Running.Port).Info("sync server listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	// Drain: force-close every live connection, flush queued events, then
	// stop the listener.
	registry.Cleanup()
	if dispatcher != nil {
		dispatcher.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.WithField("err", err).Warn("shutdown incomplete")
	}
}
