// Tickline watches a live equity quote stream and fires when prices touch
// moving-average or trend-line levels.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/tickline/tickline/app"
	"github.com/tickline/tickline/ops"
)

var (
	// version and buildString are injected at build time.
	version     = "v0.0.0"
	buildString = "dev build"
)

func initLogger() (*slog.Logger, *ops.LogBuffer) {
	var level slog.Level
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	logBuffer := ops.NewLogBuffer(500)
	inner := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(ops.NewTeeHandler(inner, logBuffer)), logBuffer
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "-v") {
		fmt.Printf("Tickline %s\n", version)
		fmt.Printf("Build: %s\n", buildString)
		os.Exit(0)
	}

	// Optional .env for local development; the environment wins over the file.
	_ = godotenv.Load()

	logger, logBuffer := initLogger()

	application := app.NewApp(logger)
	application.SetLogBuffer(logBuffer)
	application.SetVersion(version)

	if err := application.LoadConfig(); err != nil {
		logger.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger.Info("Starting Tickline", "version", version, "build", buildString)
	if err := application.Run(); err != nil {
		logger.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
}
