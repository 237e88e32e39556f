package main

import (
	"context"
	"crypto/rand"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"heirloom/api/internal/app"
	"heirloom/api/internal/backup"
	"heirloom/api/internal/blob"
	"heirloom/api/internal/config"
	"heirloom/api/internal/export"
	"heirloom/api/internal/logging"
	"heirloom/api/internal/notify"
	"heirloom/api/internal/search"
	"heirloom/api/internal/session"
	"heirloom/api/internal/store"
	"heirloom/api/internal/support"
	"heirloom/api/internal/switchguard"
	"heirloom/api/internal/willrepo"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	logger, err := logging.New(cfg.Debug)
	if err != nil {
		log.Fatalf("logger init failed: %v", err)
	}
	defer logger.Sync()

	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}
	if len(applied) > 0 {
		logger.Info("applied migrations", zap.Int("count", len(applied)))
	}

	dataStore := store.NewPostgresStore(db)
	if strings.TrimSpace(cfg.AdminEmail) != "" {
		promoted, err := dataStore.EnsureAdmin(ctx, cfg.AdminEmail)
		if err != nil {
			logger.Warn("admin bootstrap failed (will retry on next restart)", zap.Error(err))
		} else if promoted {
			logger.Info("promoted platform admin", zap.String("email", cfg.AdminEmail))
		}
	}

	if err := os.MkdirAll(cfg.WillsDir, 0o755); err != nil {
		logger.Fatal("failed to create wills dir", zap.Error(err))
	}
	wills := willrepo.New(cfg.WillsDir)

	blobs, err := openBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
	}
	searchService := search.NewService(meiliClient, pgfts, logger)
	if meiliClient != nil {
		defer meiliClient.Close()
		go searchService.ReindexAllFromPG(ctx)
	}

	notifyService := notify.NewService(notify.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !notifyService.IsConfigured() {
		logger.Warn("smtp not configured; auth flows return dev tokens instead of sending mail")
	}

	rules, err := support.LoadRules(cfg.SupportRules)
	if err != nil {
		logger.Fatal("support rules failed to load", zap.Error(err))
	}

	backupKey, err := loadBackupKey(cfg.BackupKey, logger)
	if err != nil {
		logger.Fatal("backup key invalid", zap.Error(err))
	}
	backups := backup.NewService(dataStore, blobs, backupKey, logger)

	engine := switchguard.New(dataStore, notifyService, logger, switchguard.Config{
		Tick:        cfg.SwitchTick,
		MaxAttempts: cfg.SwitchMaxAttempts,
		PublicURL:   cfg.PublicURL,
		TokenSecret: cfg.TokenSecret,
	})

	deps := app.Deps{
		Blobs:    blobs,
		Wills:    wills,
		Exporter: export.New(),
		Search:   searchService,
		Notify:   notifyService,
		Rules:    rules,
		Backups:  backups,
		Engine:   engine,
		Logger:   logger,
	}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisStore, err := session.NewRedisStore(cfg.RedisURL)
		if err != nil {
			logger.Fatal("redis connection failed", zap.Error(err))
		}
		defer redisStore.Close()
		deps.Sessions = redisStore
		logger.Info("refresh tokens stored in redis")
	} else {
		deps.Sessions = session.NewPostgresStore(dataStore)
		logger.Info("refresh tokens stored in postgres")
	}

	service := app.New(cfg, dataStore, deps)

	engine.Start()

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("heirloom api listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	engine.Stop()
}

// openBlobStore picks MinIO when an endpoint is configured, otherwise a
// directory store under VaultDir.
func openBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (blob.Store, error) {
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		logger.Info("vault blobs stored in minio",
			zap.String("endpoint", cfg.MinioEndpoint),
			zap.String("bucket", cfg.MinioBucket))
		return blob.NewMinioStore(ctx, cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioUseSSL)
	}
	logger.Info("vault blobs stored on disk", zap.String("dir", cfg.VaultDir))
	return blob.NewDirStore(cfg.VaultDir)
}

// loadBackupKey parses HEIRLOOM_BACKUP_KEY, or generates an ephemeral
// key so the admin backup endpoints still work in development. Snapshots
// sealed with an ephemeral key cannot be opened after a restart.
func loadBackupKey(hexKey string, logger *zap.Logger) ([]byte, error) {
	if strings.TrimSpace(hexKey) != "" {
		return backup.ParseKey(hexKey)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	logger.Warn("HEIRLOOM_BACKUP_KEY not set; snapshots from this process use an ephemeral key")
	return key, nil
}
