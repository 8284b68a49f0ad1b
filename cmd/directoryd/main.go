package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"cipherlink/go-backend/internal/auth"
	"cipherlink/go-backend/internal/config"
	"cipherlink/go-backend/internal/directory"
	"cipherlink/go-backend/internal/httpapi"
	"cipherlink/go-backend/internal/membership"
	"cipherlink/go-backend/internal/metrics"
	"cipherlink/go-backend/internal/platform/privacylog"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "Path to config.yaml (optional)")
	listenAddr := flag.String("listen-addr", "", "Listen address override")
	flag.Parse()
	if *showVersion {
		fmt.Printf("cipherlink-directoryd version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}

	log := slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, nil)))
	slog.SetDefault(log)

	cfg := config.LoadDirectoryFromPath(*configPath)
	if *listenAddr != "" {
		cfg.Server.ListenAddr = *listenAddr
	}

	store, err := directory.NewEncryptedFileStore(cfg.Storage.DataDir, cfg.Storage.Passphrase)
	if err != nil {
		log.Error("open directory store", "error", err.Error())
		os.Exit(1)
	}
	members := membership.NewInMemoryService()
	for convID, participants := range cfg.Conversations {
		members.SetConversation(convID, participants...)
	}

	m := metrics.NewDirectory()
	svc := directory.NewService(store, members, log, directory.WithMetrics(m))
	srv := httpapi.NewServer(httpapi.ServerConfig{
		ListenAddr:               cfg.Server.ListenAddr,
		Log:                      log,
		DrainDuration:            cfg.Server.DrainDuration,
		GracefulShutdownDuration: cfg.Server.GracefulShutdownDuration,
		ReadTimeout:              cfg.Server.ReadTimeout,
		WriteTimeout:             cfg.Server.WriteTimeout,
		RateLimitRPS:             cfg.Server.RateLimitRPS,
		RateLimitBurst:           cfg.Server.RateLimitBurst,
	}, auth.NewInMemoryProvider(), svc, m)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("directoryd starting", "listen_addr", cfg.Server.ListenAddr)
	srv.RunInBackground()
	<-ctx.Done()
	srv.Shutdown()
	log.Info("directoryd stopped")
}
