package main

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/blingmoon/approval-workflow/internal/commonregister"
	"github.com/blingmoon/approval-workflow/internal/config"
	"github.com/blingmoon/approval-workflow/internal/logging"
	"github.com/blingmoon/approval-workflow/workflow"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// app 一次命令执行需要的全部依赖
type app struct {
	cfg         *config.Config
	db          *gorm.DB
	definitions workflow.DefinitionStore
	directory   *workflow.GormDirectory
	service     workflow.WorkflowService
	redisClient *redis.Client
	pubSub      *gochannel.GoChannel
	logger      *slog.Logger
}

func openDB(cfg *config.Config) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Database.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.Database.DSN)
	default:
		dialector = sqlite.Open(cfg.Database.DSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "open %s failed", cfg.Database.Driver)
	}
	if cfg.Database.Driver == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		// 事务放在 ctx 上，单连接避免 sqlite 锁库
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.Setup(cfg.Log.Level)
	a := &app{cfg: cfg, logger: logging.WithModule("approvalctl")}

	a.db, err = openDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.db.WithContext(ctx).AutoMigrate(workflow.AllModels()...); err != nil {
		a.Close()
		return nil, errors.WithMessage(err, "migrate failed")
	}
	a.definitions = workflow.NewGormDefinitionStore(a.db)
	a.directory = workflow.NewGormDirectory(a.db)

	var lock workflow.WorkflowLock
	if cfg.Redis.Addr != "" {
		a.redisClient = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		if err := a.redisClient.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, errors.WithMessagef(err, "ping redis %s failed", cfg.Redis.Addr)
		}
		lock = workflow.NewRedisWorkflowLock(a.redisClient, workflow.WithRedisKeyPrefix(cfg.Redis.Prefix))
	} else {
		lock = workflow.NewLocalWorkflowLock()
	}

	var events workflow.Synchronizer
	if cfg.Events.Topic != "" {
		events, err = a.startEvents(ctx, cfg.Events.Topic)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	registry := workflow.NewSynchronizerRegistry()
	if err := commonregister.RegisterBusinessSynchronizers(registry, a.db, commonregister.DefaultBusinessTables(), events); err != nil {
		a.Close()
		return nil, err
	}

	a.service = workflow.NewWorkflowService(workflow.NewWorkflowRepo(a.db), lock, a.definitions, a.directory, registry,
		workflow.WithLogger(logging.WithModule("workflow")),
		workflow.WithLockTTL(cfg.Lock.TTL),
	)
	return a, nil
}

// startEvents 进程内的 pub/sub，发布等到订阅方确认，订阅方把事件打到日志里
func (a *app) startEvents(ctx context.Context, topic string) (workflow.Synchronizer, error) {
	a.pubSub = gochannel.NewGoChannel(gochannel.Config{BlockPublishUntilSubscriberAck: true}, watermill.NewSlogLogger(a.logger))
	messages, err := a.pubSub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.WithMessagef(err, "subscribe %s failed", topic)
	}
	go a.consumeTransitions(messages)
	return workflow.NewEventSynchronizer(a.pubSub, topic), nil
}

func (a *app) consumeTransitions(messages <-chan *message.Message) {
	for msg := range messages {
		transition, err := workflow.DecodeTransition(msg)
		if err != nil {
			// 解析失败重投也没用，确认掉，不然发布方一直等
			a.logger.Error("decode transition failed, drop it", "uuid", msg.UUID, "payload", string(msg.Payload), "err", err)
			msg.Ack()
			continue
		}
		a.logger.Info("instance transition",
			"instanceID", transition.InstanceID,
			"businessType", transition.BusinessType,
			"businessID", transition.BusinessID,
			"status", transition.Status,
			"node", transition.CurrentNodeName)
		msg.Ack()
	}
}

func (a *app) Close() {
	if a.pubSub != nil {
		if err := a.pubSub.Close(); err != nil {
			a.logger.Warn("close pubsub failed", "err", err)
		}
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("close redis failed", "err", err)
		}
	}
	if a.db != nil {
		if sqlDB, err := a.db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}
