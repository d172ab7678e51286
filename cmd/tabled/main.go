package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"livetable/internal/config"
	"livetable/internal/server"
	"livetable/internal/store"
)

func main() {
	ctx := context.Background()

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Printf("Config loaded (port: %d, driver: %s, tables: %v)",
		cfg.Server.Port, cfg.Database.Driver, cfg.Tables)

	// 2. Connect to database
	db, err := store.New(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	// 3. Ensure a doc table per served table
	for _, tbl := range cfg.Tables {
		if err := db.EnsureTable(ctx, tbl); err != nil {
			log.Fatalf("Failed to ensure table %s: %v", tbl, err)
		}
	}
	log.Println("Tables ready")

	// 4. Broker and handler
	broker := server.NewBroker()
	h, err := server.NewHandler(db, broker, cfg.Server, cfg.Tables)
	if err != nil {
		log.Fatalf("Failed to create handler: %v", err)
	}

	// 5. Fiber app
	app := fiber.New(fiber.Config{
		ErrorHandler: server.ErrorHandler,
	})
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
	}))
	app.Use(logger.New(logger.Config{
		Format: "${time} ${status} ${method} ${path} ${latency}\n",
	}))

	// 6. Routes
	server.RegisterRoutes(app, h)

	// 7. Listen
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Printf("Feed server listening on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
}
