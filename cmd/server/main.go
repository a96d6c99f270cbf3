// Package main 是应用程序的入口点。
package main

import (
	"context"
	"debate-bot-go/internal/config"
	"debate-bot-go/internal/handler"
	"debate-bot-go/internal/middleware"
	"debate-bot-go/internal/repository"
	"debate-bot-go/internal/service"
	"debate-bot-go/pkg/database"
	"debate-bot-go/pkg/kafka"
	"debate-bot-go/pkg/llm"
	"debate-bot-go/pkg/lock"
	"debate-bot-go/pkg/log"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
)

func main() {
	configPath := flag.String("config", "./configs/config.yaml", "path to the YAML config file")
	flag.Parse()

	// 1. 初始化配置
	config.Init(*configPath)
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化数据库
	switch cfg.Database.Driver {
	case "sqlite":
		database.InitSQLite(cfg.Database.SQLite.DSN)
		if cfg.Lock.Backend == "none" {
			log.Warnf("SQLite 不支持行级锁，建议将 lock.backend 设置为 local")
		}
	default:
		database.InitMySQL(cfg.Database.MySQL)
	}

	// 4. 初始化会话锁
	var locker lock.Locker
	switch cfg.Lock.Backend {
	case "local":
		locker = lock.NewLocalLocker(cfg.Lock.WaitTimeout)
	case "redis":
		database.InitRedis(cfg.Database.Redis)
		locker = lock.NewRedisLocker(database.RDB, cfg.Lock.WaitTimeout, cfg.Lock.LeaseTTL)
	default:
		locker = lock.Noop{}
	}
	log.Infof("会话锁后端: %s", cfg.Lock.Backend)

	// 5. 初始化事件发布
	var publisher service.EventPublisher = service.NoopPublisher{}
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer func() {
			if err := producer.Close(); err != nil {
				log.Errorf("关闭 Kafka 生产者失败: %v", err)
			}
		}()
		publisher = producer
	}

	// 6. 初始化 Repository 与 Service (依赖注入)
	conversationRepo := repository.NewConversationRepository(database.DB, cfg.Database.MySQL.LockWaitTimeoutSeconds)
	llmClient := llm.NewClient(cfg.LLM)
	detector := llm.NewLanguageDetector(cfg.LLM.Languages)
	if detector == nil {
		log.Warnf("llm.languages 中可识别的语言少于两种，回复语言交由模型自行判断")
	}
	debater := llm.NewDebater(llmClient, cfg.LLM, detector)
	debateService := service.NewDebateService(conversationRepo, debater, locker, publisher, cfg.Debate)

	// 7. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 8. 注册路由
	handler.RegisterRoutes(r,
		handler.NewMessageHandler(debateService),
		handler.NewHealthHandler(func(ctx context.Context) error { return database.Ping(ctx, database.DB) }),
	)

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 留出时间让进行中的请求（包括等待模型回复的请求）完成
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Debate.RequestTimeout+5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("HTTP 服务器关闭失败: %v", err)
	}
	log.Info("服务已优雅关闭")
}
