package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nvela/plandesk/config"
	"github.com/nvela/plandesk/internal/api"
	"github.com/nvela/plandesk/internal/scheduler"
	"github.com/nvela/plandesk/internal/service"
	"github.com/nvela/plandesk/internal/storage"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	store, err := storage.New(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to init storage: %v", err)
	}
	defer store.Close()

	syncSvc := service.NewSyncService(store, cfg.CalDAVURL, cfg.Timezone, cfg.SyncCooldown)
	taskSvc := service.NewTaskService(store)
	noteSvc := service.NewNoteService(store)

	server := api.New(cfg, syncSvc, taskSvc, noteSvc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sched := scheduler.New(cfg, syncSvc)
	go func() {
		if err := sched.Start(ctx); err != nil {
			log.Printf("Scheduler error: %v", err)
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("API server error: %v", err)
		}
	}()

	// First pull on startup, off the main goroutine so the API is up
	// immediately.
	go func() {
		if _, err := syncSvc.MaybeSync(ctx, "startup"); err != nil {
			log.Printf("Startup sync error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Stopped")
}
