package bootstrap

import (
	"log"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"ai-chat-relay-be/internal/config"
	"ai-chat-relay-be/internal/handler"
	"ai-chat-relay-be/internal/pkg/logger"
	"ai-chat-relay-be/internal/repository/implementation"
	"ai-chat-relay-be/internal/service"
	"ai-chat-relay-be/internal/websocket"
	"ai-chat-relay-be/pkg/chat/orchestrator"
	"ai-chat-relay-be/pkg/chat/pacer"
	"ai-chat-relay-be/pkg/chat/session"
	"ai-chat-relay-be/pkg/chat/timers"
	"ai-chat-relay-be/pkg/events"
	"ai-chat-relay-be/pkg/llm"
	"ai-chat-relay-be/pkg/llm/factory"
	llmopenai "ai-chat-relay-be/pkg/llm/openai"
	pktNats "ai-chat-relay-be/pkg/nats"
	"ai-chat-relay-be/pkg/profile"
)

type Container struct {
	Logger       logger.ILogger
	Orchestrator *orchestrator.Orchestrator
	ChatHandler  *handler.ChatHandler
	WebSocketHub *websocket.Hub

	// Background Services (Exposed for main.go to run)
	ConsumerService service.IConsumerService

	NatsPublisher *pktNats.Publisher
}

// NewContainer wires the full dependency graph. db may be nil (archive
// disabled); every optional collaborator degrades to a no-op.
func NewContainer(db *gorm.DB, cfg *config.Config) *Container {
	// 1. Core Facades
	sysLogger := logger.NewZapLogger(cfg.App.LogFilePath, cfg.App.Environment == "production")
	chatLogger := logger.NewIsolatedLogger(cfg.App.ChatLogFilePath)

	// 2. Event Bus
	watermillLogger := watermill.NewStdLogger(false, false)
	pubSub := gochannel.NewGoChannel(
		gochannel.Config{},
		watermillLogger,
	)
	bus := events.NewBus(pubSub, sysLogger)

	// 2.5 Infrastructure
	var natsPub *pktNats.Publisher
	if cfg.App.NatsURL != "" {
		var err error
		natsPub, err = pktNats.NewPublisher(cfg.App.NatsURL)
		if err != nil {
			log.Printf("[WARN] Failed to connect to NATS Publisher: %v", err)
			natsPub = nil
		}
	}

	var rdb *redis.Client
	if cfg.App.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.App.RedisURL)
		if err != nil {
			log.Printf("[WARN] Invalid REDIS_URL: %v", err)
		} else {
			rdb = redis.NewClient(opts)
		}
	}

	// 3. LLM Provider
	var chatClient llm.ChatClient
	if cfg.Ai.APIKey != "" {
		var err error
		chatClient, err = factory.NewChatClient(cfg.Ai.Provider, llmopenai.Config{
			APIKey:      cfg.Ai.APIKey,
			Model:       cfg.Ai.Model,
			BaseURL:     cfg.Ai.BaseURL,
			MaxRetries:  cfg.Ai.MaxRetries,
			RetryBaseMS: cfg.Ai.RetryBaseMS,
		}, chatLogger)
		if err != nil {
			log.Fatalf("[FATAL] Failed to initialize LLM Provider: %v", err)
		}
		log.Printf("[INFO] Using LLM Provider: %s (%s)", cfg.Ai.Provider, cfg.Ai.Model)
	} else {
		log.Printf("[WARN] LLM_API_KEY not set; AI flows are disabled")
	}

	// 4. Profile Provider
	var profileProvider profile.Provider = profile.Disabled{}
	if cfg.Profile.BaseURL != "" {
		profileProvider = profile.NewHTTPProvider(cfg.Profile.BaseURL, cfg.Profile.APIKey)
		log.Printf("[INFO] Profile provider enabled: %s", cfg.Profile.BaseURL)
	}

	// 5. Chat Core
	sessionStore := session.NewStore()
	timerService := timers.NewService()
	blockPacer := pacer.New(sessionStore, chatLogger)

	orchestratorOpts := []orchestrator.Option{
		orchestrator.WithBus(bus),
	}

	// Transcript archive is optional; without a database the chat is purely
	// in-memory.
	if db != nil {
		transcriptRepo := implementation.NewChatTranscriptRepository(db)
		if err := transcriptRepo.Migrate(); err != nil {
			log.Printf("[WARN] Transcript migration failed: %v", err)
		} else {
			archiveService := service.NewArchiveService(transcriptRepo, sysLogger)
			orchestratorOpts = append(orchestratorOpts, orchestrator.WithArchiver(archiveService))
		}
	}

	orch := orchestrator.New(
		sessionStore,
		timerService,
		blockPacer,
		chatClient,
		profileProvider,
		chatLogger,
		orchestratorOpts...,
	)

	// 6. Transport
	hub := websocket.NewHub(rdb, sysLogger)
	chatHandler := handler.NewChatHandler(hub, orch, sysLogger)

	// 7. Background consumer (bus -> NATS relay)
	consumerService := service.NewConsumerService(pubSub, natsPub, sysLogger)

	return &Container{
		Logger:          sysLogger,
		Orchestrator:    orch,
		ChatHandler:     chatHandler,
		WebSocketHub:    hub,
		ConsumerService: consumerService,
		NatsPublisher:   natsPub,
	}
}
