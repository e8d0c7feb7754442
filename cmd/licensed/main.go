package main

import (
	"context"
	"flag"
	"log/slog"
	"os"

	"licenseplatform/internal/app"
	"licenseplatform/internal/infrastructure"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: search the usual locations)")
	flag.Parse()

	application, err := app.NewApplication(*configPath)
	if err != nil {
		slog.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer infrastructure.CloseLogFile()

	if err := application.Run(context.Background()); err != nil {
		application.Logger.Error("Application error", slog.String("error", err.Error()))
		infrastructure.CloseLogFile()
		os.Exit(1)
	}
}
