package main

import (
	"context"
	"log"

	"ai-chat-relay-be/internal/bootstrap"
	"ai-chat-relay-be/internal/config"
	"ai-chat-relay-be/internal/server"
	"ai-chat-relay-be/internal/tracer"
	"ai-chat-relay-be/pkg/database"

	"gorm.io/gorm"
)

func main() {
	// 0. Initialize Tracer (disabled unless OTEL_ENABLED=true)
	shutdownTracer := tracer.InitTracer()
	defer shutdownTracer(context.Background())

	// 1. Load Configuration
	cfg := config.Load()

	// 2. Initialize Archive Database (optional)
	var gormDB *gorm.DB
	if cfg.Archive.Connection != "" {
		var err error
		gormDB, err = database.NewGormDBFromDSN(cfg.Archive.Connection)
		if err != nil {
			log.Panicf("Unable to connect to GORM DB: %v", err)
		}
	} else {
		log.Println("DB_CONNECTION_STRING not set; transcript archive disabled")
	}

	// 3. Bootstrap Dependencies (Container)
	container := bootstrap.NewContainer(gormDB, cfg)

	// 4. Start Background Services
	go container.WebSocketHub.Run()
	go func() {
		log.Println("Background: Starting Consumer Service...")
		if err := container.ConsumerService.Consume(context.Background()); err != nil {
			log.Printf("Background Consumer Error: %v", err)
		}
	}()

	// 5. Initialize Server
	srv := server.New(cfg, container)

	// 6. Run Server
	log.Fatal(srv.Run())
}
