package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"recon-engine/internal/core/dispatch"
	"recon-engine/internal/core/leakscan"
	"recon-engine/internal/core/pipeline"
	"recon-engine/internal/core/tasks"
	"recon-engine/internal/platform/config"
	"recon-engine/internal/platform/logx"
	"recon-engine/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logx.Error("configuración inválida", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	if lvl, err := logx.ParseLevel(cfg.LogLevel); err == nil {
		logx.SetLevel(lvl)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logx.Error("no se pudo conectar a la base de datos", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer db.Close()
	repo := storage.NewRepo(db)

	broker, err := dispatch.OpenBroker(ctx, cfg.BrokerURL)
	if err != nil {
		logx.Error("no se pudo conectar al broker", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer broker.Close()

	worker := dispatch.NewWorker(broker, cfg.Queues, cfg.Workers)
	tasks.Register(worker, tasks.Deps{
		Cfg:  cfg,
		Jobs: repo,
		Pipe: pipeline.New(cfg, repo),
		Leak: leakscan.New(cfg, repo),
	})

	logx.Info("worker arrancado", logx.Fields{
		"queues":      cfg.Queues,
		"concurrency": cfg.Workers,
	})
	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		logx.Error("worker caído", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logx.Info("worker detenido")
}
