package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/choyoungbong/eum-app-sub001/internal/call"
	"github.com/choyoungbong/eum-app-sub001/internal/push"
	"github.com/choyoungbong/eum-app-sub001/internal/server"
	"github.com/choyoungbong/eum-app-sub001/pkg/config"
	"github.com/choyoungbong/eum-app-sub001/pkg/logging"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, "text")

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := logging.New(logging.ParseLevel(cfg.Log.Level), cfg.Log.Format)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Stand-in collaborators; a deployment swaps these for the real push
	// gateway and the CRUD service's store.
	collab := server.Collaborators{
		Push:     push.NewLogSender(logger),
		Tokens:   push.NewMemoryTokenStore(),
		Recorder: call.NewLogRecorder(logger),
	}

	app := server.NewApp(logger, ctx, cfg, collab)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
