package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/blingmoon/simple-checker/internal/api"
	"github.com/blingmoon/simple-checker/tasks"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	dbPath     string
	debug      bool
	jsonLogs   bool
	addr       string
	configPath string
	redisAddr  string
	version    = "v0.1.0"

	rootCmd = &cobra.Command{
		Use:   "taskd",
		Short: "maker-checker approval task service",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogger(debug, jsonLogs)
		},
	}

	migrateCmd = &cobra.Command{
		Use:   "migrate",
		Short: "create or upgrade task tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(dbPath)
			if err != nil {
				return err
			}
			if err := tasks.AutoMigrate(db); err != nil {
				return errors.WithMessage(err, "migrate failed")
			}
			slog.Info(fmt.Sprintf("[taskd.migrate] tables migrated, db: %s", dbPath))
			return nil
		},
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "serve the task http api",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	}
)

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "tasks.db", "sqlite database file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "json", false, "Output logs in JSON format")

	serveCmd.Flags().StringVar(&addr, "addr", ":8080", "http listen address")
	serveCmd.Flags().StringVar(&configPath, "config", "", "yaml config file, empty for defaults")
	serveCmd.Flags().StringVar(&redisAddr, "redis", "", "redis address, empty for the in-process lock")

	rootCmd.AddCommand(migrateCmd, serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(debug bool, jsonLogs bool) {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if jsonLogs {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func openDB(path string) (*gorm.DB, error) {
	level := logger.Warn
	if debug {
		level = logger.Info
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{Logger: logger.Default.LogMode(level)})
	if err != nil {
		return nil, errors.WithMessagef(err, "open sqlite failed, path: %s", path)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.WithMessage(err, "get sql db failed")
	}
	// sqlite只允许一个写连接, 并发请求排队而不是返回database is locked
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}

func loadConfig() (*tasks.Config, error) {
	if configPath == "" {
		return tasks.DefaultConfig(), nil
	}
	return tasks.LoadConfig(configPath)
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(dbPath)
	if err != nil {
		return err
	}
	if err := tasks.AutoMigrate(db); err != nil {
		return errors.WithMessage(err, "migrate failed")
	}

	var lock tasks.TaskLock
	if redisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			return errors.WithMessagef(err, "ping redis failed, addr: %s", redisAddr)
		}
		lock = tasks.NewRedisTaskLock(client)
	} else {
		lock = tasks.NewLocalTaskLock()
	}

	// 配置里的principals就是用户表, 登录名先用id
	users := tasks.NewStaticUserResolver()
	for userID := range cfg.Principals {
		users.Add(&tasks.Principal{ID: userID, LoginName: userID})
	}
	services, err := tasks.NewServices(&tasks.ServiceDeps{
		Repo:       tasks.NewTaskRepo(db),
		Lock:       lock,
		Config:     cfg,
		Authorizer: tasks.NewStaticAuthorizer(cfg.Principals),
		Bus:        tasks.NewEventBus(),
		Users:      users,
		Entities:   tasks.NewGormEntityResolver(db, cfg.EntityTables),
	})
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              addr,
		Handler:           api.NewRouter(services, users),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info(fmt.Sprintf("[taskd.serve] listening on %s, db: %s", addr, dbPath))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.WithMessage(err, "http server stopped")
	}
	return nil
}
