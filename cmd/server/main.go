package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/zektac4sheep/AlexLib-sub002/internal/config"
	"github.com/zektac4sheep/AlexLib-sub002/internal/executor"
	"github.com/zektac4sheep/AlexLib-sub002/internal/formatter"
	"github.com/zektac4sheep/AlexLib-sub002/internal/handlers"
	"github.com/zektac4sheep/AlexLib-sub002/internal/logger"
	"github.com/zektac4sheep/AlexLib-sub002/internal/models"
	"github.com/zektac4sheep/AlexLib-sub002/internal/notesync"
	"github.com/zektac4sheep/AlexLib-sub002/internal/scraper"
	"github.com/zektac4sheep/AlexLib-sub002/internal/storage"
	"github.com/zektac4sheep/AlexLib-sub002/internal/tracker"
	"github.com/zektac4sheep/AlexLib-sub002/internal/version"
	"github.com/zektac4sheep/AlexLib-sub002/internal/worker"
)

func main() {
	// .envファイルを読み込み（存在しない場合はスキップ）
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Format)

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ストレージ
	db, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer db.Close()

	jobRepo := storage.NewJobRepository(db)
	bookRepo := storage.NewBookRepository(db)

	// コラボレーター
	forum, err := scraper.NewClient(&scraper.Options{
		BaseURL:     cfg.Forum.BaseURL,
		Stealth:     cfg.Forum.Stealth,
		Proxy:       cfg.Forum.Proxy,
		BrowserPath: cfg.Forum.BrowserPath,
	})
	if err != nil {
		return fmt.Errorf("start forum client: %w", err)
	}
	defer forum.Close()

	notes := notesync.NewClient(cfg.Notes.BaseURL, cfg.Notes.Token, cfg.Notes.Timeout)
	if err := notes.Ping(ctx); err != nil {
		// 同期ジョブが作られるまでは必須ではないため警告に留める
		log.Warn("note service not reachable at startup", "error", err)
	}
	transform := formatter.New()

	// オーケストレーション
	trk := tracker.New(cfg.Jobs.TrackerEvict)
	defer trk.Shutdown()

	dispatcher := worker.NewDispatcher(jobRepo, trk, log)

	execs := executor.New(executor.Params{
		Jobs:        jobRepo,
		Books:       bookRepo,
		Tracker:     trk,
		Searcher:    forum,
		Fetcher:     forum,
		Transformer: transform,
		Syncer:      notes,
		Dispatcher:  dispatcher,
		AutoSync:    cfg.Jobs.AutoSync,
		Logger:      log,
	})

	dispatcher.Register(models.JobKindDownload, execs.RunDownload)
	dispatcher.Register(models.JobKindRechunk, execs.RunRechunk)
	dispatcher.Register(models.JobKindImport, execs.RunImport)
	dispatcher.Register(models.JobKindSync, execs.RunSync)

	// クラッシュ中断ジョブの復旧（プロセッサ起動前に同期実行）
	recovery := worker.NewRecovery(jobRepo, bookRepo, dispatcher, log)
	if err := recovery.Run(ctx); err != nil {
		return fmt.Errorf("resumption pass: %w", err)
	}

	w := worker.NewWorker(jobRepo, trk, execs.RunSearch, log)
	w.SetInterval(cfg.Jobs.PollInterval)
	w.Start(ctx)
	defer w.Stop()

	cleaner := worker.NewCleaner(jobRepo, cfg.Jobs.CleanupInterval, cfg.Jobs.RetentionWindow, log)
	cleaner.Start(ctx)
	defer cleaner.Stop()

	// HTTPサーバー
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	jobHandler := handlers.NewJobHandler(jobRepo, trk, dispatcher)
	bookHandler := handlers.NewBookHandler(bookRepo, jobRepo, dispatcher, forum, cfg.Jobs.DefaultChunkSize)
	progressHandler := handlers.NewProgressHandler(jobRepo, trk)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(200, map[string]any{
			"status":  "ok",
			"version": version.Version,
			"active":  trk.IsActive(),
			"idle":    trk.IdleDuration().String(),
		})
	})

	api := e.Group("/api")
	api.POST("/search", jobHandler.CreateSearch)
	api.GET("/jobs", jobHandler.List)
	api.GET("/jobs/stats", jobHandler.Stats)
	api.GET("/jobs/:id", jobHandler.Get)
	api.DELETE("/jobs/:id", jobHandler.Delete)
	api.POST("/jobs/:id/retry", jobHandler.Retry)
	api.GET("/jobs/:id/stream", progressHandler.Stream)
	api.GET("/operations", jobHandler.Operations)
	api.GET("/operations/active", jobHandler.ActiveOperations)

	api.POST("/books", bookHandler.Create)
	api.GET("/books", bookHandler.List)
	api.GET("/books/:id", bookHandler.Get)
	api.DELETE("/books/:id", bookHandler.Delete)
	api.POST("/books/:id/download", bookHandler.Download)
	api.POST("/books/:id/rechunk", bookHandler.Rechunk)
	api.POST("/books/:id/sync", bookHandler.Sync)
	api.POST("/import", bookHandler.Import)

	go func() {
		log.Info("starting server", "version", version.Version, "port", cfg.Server.Port)
		if err := e.Start(fmt.Sprintf(":%d", cfg.Server.Port)); err != nil {
			log.Info("http server stopped", "reason", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "error", err)
	}

	// 実行中のディスパッチタスクを待つ
	dispatcher.Shutdown()
	return nil
}
