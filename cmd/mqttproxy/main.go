// Command mqttproxy runs the MQTT 1:N multiplexing proxy: a single main
// broker connection fanned out to N configurable downstream connections.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/erikarenhill/mqtt-multi-proxy/internal/adminapi"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/brokerclient"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/config"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/manager"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/messagebus"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/metrics"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/secretcipher"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/store"
	"github.com/erikarenhill/mqtt-multi-proxy/internal/tlsconfig"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, initiating graceful shutdown", "signal", sig.String())
		cancel()
	}()

	slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:      slog.LevelInfo,
		TimeFormat: time.Kitchen,
	})))
	l := slog.Default().With("context", "main")

	envCfg, err := config.LoadEnv()
	if err != nil {
		fatal(l, err, "failed to load environment configuration")
	}
	if level, ok := parseLevel(envCfg.LogLevel); ok {
		slog.SetDefault(slog.New(tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})))
	}

	staticCfg, err := config.LoadStatic(envCfg.StaticConfigFile)
	if err != nil {
		fatal(l, err, "failed to load static configuration file")
	}

	cipher, err := secretcipher.New(envCfg.EffectiveSecret(secretcipher.DefaultSecret))
	if err != nil {
		fatal(l, err, "failed to initialize secret cipher")
	}

	statePath := filepath.Join(staticCfg.DataDir, "state.json")
	st, err := store.Open(statePath, cipher)
	if err != nil {
		fatal(l, err, "failed to open broker config store")
	}

	bus := messagebus.New(messagebus.DefaultBacklog)
	reg := metrics.NewRegistry()

	mainSettings := st.MainBroker()
	mainClient := brokerclient.New(brokerclient.Options{
		Address:        mainSettings.Address,
		Port:           mainSettings.Port,
		ClientIDPrefix: firstNonEmpty(mainSettings.ClientID, "mqtt-multi-proxy-main"),
		Username:       mainSettings.Username,
		Password:       st.DecryptPassword(mainSettings.Password),
		TLS:            tlsconfig.Options{},
		Label:          "main",
	})
	go mainClient.Run()

	mgr := manager.New(st, mainClient, bus, reg)
	go mgr.Run(ctx)

	admin := adminapi.New(st, mgr, bus, reg)
	httpServer := &http.Server{
		Addr:              staticCfg.ListenAddr,
		Handler:           admin.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		l.Info("admin surface listening", "addr", staticCfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fatal(l, err, "admin surface failed to bind")
		}
	}()

	<-ctx.Done()
	l.Info("shutdown signal received, draining connections")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		l.Error("admin surface shutdown error", "err", err)
	}

	mgr.Shutdown()
	l.Info("graceful shutdown completed")
}

func fatal(l *slog.Logger, err error, msg string) {
	l.Error(msg, "err", err)
	os.Exit(1)
}

func parseLevel(level string) (slog.Level, bool) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return 0, false
	}
	return l, true
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
