package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tutorattend/internal/attendance"
	"tutorattend/internal/config"
	"tutorattend/internal/notion"
	"tutorattend/internal/queue"
	"tutorattend/internal/store"
)

// Worker runs the automatic attendance sweep on an interval, so overdue
// lessons get marked attended even when no screen is open, and consumes
// transition events from the queue as an audit log.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	backing, db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("store init failed: %v", err)
	}
	defer func() {
		if db != nil {
			_ = db.Close()
		}
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, "tutorattend:transitions")
	}

	svc := attendance.NewService(backing)

	messages, err := q.Consume(ctx)
	if err != nil {
		log.Fatalf("queue consume init failed: %v", err)
	}
	go auditLoop(messages)

	log.Printf("worker started, sweeping every %s", cfg.SweepInterval)
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()
	for {
		runSweep(ctx, svc)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			log.Println("worker stopped")
			return
		}
	}
}

func runSweep(ctx context.Context, svc *attendance.Service) {
	applied, err := svc.Sweep(ctx)
	if err != nil {
		log.Printf("sweep failed: %v", err)
		return
	}
	if len(applied) > 0 {
		log.Printf("sweep marked %d schedule(s) attended", len(applied))
	}
}

func auditLoop(messages <-chan queue.Message) {
	for msg := range messages {
		if msg.Type != "transition" {
			continue
		}
		var tr attendance.Transition
		if err := json.Unmarshal(msg.Body, &tr); err != nil {
			log.Printf("bad transition event: %v", err)
			continue
		}
		log.Printf("transition: schedule=%s student=%s %s -> %s at %s %s",
			tr.ScheduleID, tr.StudentID, tr.From, tr.To, tr.Date, tr.Time)
	}
}

// openStore builds the configured backing store, mirroring cmd/api.
func openStore(cfg config.App) (attendance.Store, *store.DB, error) {
	if cfg.StoreBackend == "postgres" {
		db, err := store.NewDB(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		repo := attendance.NewRepository(db.Client)
		if err := repo.Migrate(context.Background()); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return repo, db, nil
	}
	client, err := notion.New(cfg.NotionBaseURL, cfg.NotionAPIKey, cfg.NotionStudentDB, cfg.NotionScheduleDB)
	if err != nil {
		return nil, nil, err
	}
	return client, nil, nil
}
