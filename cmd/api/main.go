package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tutorattend/internal/attendance"
	"tutorattend/internal/auth"
	"tutorattend/internal/config"
	"tutorattend/internal/httpmiddleware"
	"tutorattend/internal/kst"
	"tutorattend/internal/notion"
	"tutorattend/internal/queue"
	"tutorattend/internal/schedule"
	"tutorattend/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	backing, db, err := openStore(cfg)
	if err != nil {
		return err
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

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: false,
		MaxAge:           24 * time.Hour,
	}))
	r.Use(securityHeaders())
	r.Use(httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin).GinMiddleware())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"store":  cfg.StoreBackend,
			"redis":  redisClient.Healthy(c.Request.Context()),
		})
	})

	r.POST("/v1/auth/login", func(c *gin.Context) {
		var req struct {
			AccessKey string `json:"access_key" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if cfg.AdminAccessKey == "" {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "login not configured"})
			return
		}
		if req.AccessKey != cfg.AdminAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "wrong access key"})
			return
		}
		tokens, err := auth.Issue("admin", "admin", cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	r.POST("/v1/auth/refresh", func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Refresh(req.RefreshToken, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	authGroup := r.Group("/v1", auth.AdminAuth(cfg.JWTSigningKey, cfg.JWTIssuer))

	// Today screen: apply the automatic attendance sweep, then return
	// today's schedules.
	authGroup.GET("/schedules/today", func(c *gin.Context) {
		rows, applied, err := svc.TodaySchedules(c.Request.Context())
		if err != nil {
			log.Printf("today schedules failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		publishTransitions(c.Request.Context(), q, applied)
		c.JSON(http.StatusOK, gin.H{"date": kst.Today(), "schedules": rows})
	})

	authGroup.GET("/schedules", func(c *gin.Context) {
		date := c.Query("date")
		if date == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date query parameter required"})
			return
		}
		rows, err := svc.SchedulesOn(c.Request.Context(), date)
		if err != nil {
			log.Printf("schedules on %s failed: %v", date, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"date": kst.Date(date), "schedules": rows})
	})

	authGroup.POST("/schedules/:id/absent", func(c *gin.Context) {
		tr, err := svc.MarkAbsent(c.Request.Context(), c.Param("id"))
		if err != nil {
			log.Printf("mark absent %s failed: %v", c.Param("id"), err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		publishTransitions(c.Request.Context(), q, []attendance.Transition{tr})
		c.JSON(http.StatusOK, tr)
	})

	authGroup.POST("/schedules/:id/reschedule", func(c *gin.Context) {
		var req struct {
			Date string `json:"date" binding:"required"`
			Time string `json:"time" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tr, err := svc.Reschedule(c.Request.Context(), c.Param("id"), req.Date, req.Time)
		if err != nil {
			log.Printf("reschedule %s failed: %v", c.Param("id"), err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		publishTransitions(c.Request.Context(), q, []attendance.Transition{tr})
		c.JSON(http.StatusOK, tr)
	})

	authGroup.POST("/students", func(c *gin.Context) {
		var req struct {
			Name  string `json:"name" binding:"required"`
			Slots []struct {
				Day  string `json:"day" binding:"required"`
				Time string `json:"time" binding:"required"`
			} `json:"slots" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		pattern := make([]schedule.Slot, 0, len(req.Slots))
		for _, s := range req.Slots {
			day, ok := schedule.ParseWeekday(s.Day)
			if !ok {
				c.JSON(http.StatusBadRequest, gin.H{"error": "unknown weekday " + s.Day})
				return
			}
			pattern = append(pattern, schedule.Slot{Weekday: day, Time: s.Time})
		}
		res, err := svc.RegisterStudent(c.Request.Context(), req.Name, pattern)
		if err != nil {
			log.Printf("register student failed: %v", err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, res)
	})

	authGroup.GET("/students", func(c *gin.Context) {
		students, err := svc.ListStudents(c.Request.Context())
		if err != nil {
			log.Printf("list students failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"students": students})
	})

	authGroup.PATCH("/students/:id", func(c *gin.Context) {
		var req struct {
			Name             *string `json:"name"`
			LessonsPerWeek   *int    `json:"lessons_per_week"`
			AttendanceCount  *int    `json:"attendance_count"`
			AbsentCount      *int    `json:"absent_count"`
			RescheduledCount *int    `json:"rescheduled_count"`
			TotalClassCount  *int    `json:"total_class_count"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		upd := attendance.CounterUpdate{
			Name:             req.Name,
			LessonsPerWeek:   req.LessonsPerWeek,
			AttendanceCount:  req.AttendanceCount,
			AbsentCount:      req.AbsentCount,
			RescheduledCount: req.RescheduledCount,
			TotalClassCount:  req.TotalClassCount,
		}
		if err := svc.UpdateStudent(c.Request.Context(), c.Param("id"), upd); err != nil {
			log.Printf("update student %s failed: %v", c.Param("id"), err)
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.Status(http.StatusNoContent)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("starting server on :%s (store=%s)", cfg.HTTPPort, cfg.StoreBackend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server forced shutdown: %v", err)
	}

	log.Println("server exited")
	return nil
}

// openStore builds the configured backing store. The returned DB is non-nil
// only for the postgres backend so the caller can close it.
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

// statusFor maps service errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, attendance.ErrSlotTaken):
		return http.StatusConflict
	case errors.Is(err, attendance.ErrNoLinkedStudent), errors.Is(err, attendance.ErrInvalidTransition):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

func publishTransitions(ctx context.Context, q queue.Queue, transitions []attendance.Transition) {
	for _, tr := range transitions {
		raw, err := json.Marshal(tr)
		if err != nil {
			continue
		}
		if err := q.Publish(ctx, queue.Message{Type: "transition", Body: raw}); err != nil {
			log.Printf("queue publish failed: %v", err)
		}
	}
}

// securityHeaders adds standard hardening headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
