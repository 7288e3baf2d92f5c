package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"recon-engine/internal/api"
	"recon-engine/internal/core/dispatch"
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

	broker, err := dispatch.OpenBroker(ctx, cfg.BrokerURL)
	if err != nil {
		logx.Error("no se pudo conectar al broker", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	defer broker.Close()

	srv := api.NewServer(cfg, storage.NewRepo(db), dispatch.NewClient(broker))
	httpSrv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logx.Info("API escuchando", logx.Fields{"addr": cfg.ListenAddr})
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logx.Error("servidor HTTP caído", logx.Fields{"error": err.Error()})
		os.Exit(1)
	}
	logx.Info("API detenida")
}
