package main

import (
	"context"
	"fmt"
	"os"

	"github.com/terralith/geoetl-backend/internal/app"
)

func main() {
	application, err := app.New()
	if err != nil {
		fmt.Printf("init app: %v\n", err)
		os.Exit(1)
	}
	defer application.Close()

	log := application.Log
	ctx := context.Background()

	switch application.Cfg.WorkerMode {
	case app.ModeServer:
		application.Start()
		log.Info("API server listening", "addr", application.Cfg.HTTPAddr)
		if err := application.Run(); err != nil {
			log.Error("Server failed", "error", err)
			os.Exit(1)
		}

	case app.ModeLong:
		application.Start()
		log.Info("Long worker running")
		application.RunLong(ctx)

	case app.ModeShort:
		if err := application.RunShortOnce(ctx); err != nil {
			log.Error("Short invocation failed", "error", err)
			os.Exit(1)
		}

	default:
		log.Error("Unknown WORKER_MODE", "worker_mode", application.Cfg.WorkerMode)
		os.Exit(1)
	}
}
