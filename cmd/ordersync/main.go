package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/vladislavdragonenkov/ordersync/internal/app"
	"github.com/vladislavdragonenkov/ordersync/internal/config"
	"github.com/vladislavdragonenkov/ordersync/internal/version"
)

const envConfigPath = "ORDERSYNC_CONFIG"

// setupLogger настраивает формат, уровень и, если задан файл, ротацию логов.
func setupLogger(cfg config.LogConfig) (io.Closer, error) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log.SetLevel(level)

	if cfg.File == "" {
		return nil, nil
	}
	rotator := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return rotator, nil
}

// configPath берёт путь из флага, при его отсутствии из ORDERSYNC_CONFIG.
func configPath(args []string, lookup func(string) (string, bool)) (string, error) {
	fs := flag.NewFlagSet("ordersync", flag.ContinueOnError)
	path := fs.String("config", "", "path to YAML config (fallback: "+envConfigPath+")")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if *path == "" {
		if v, ok := lookup(envConfigPath); ok {
			*path = v
		}
	}
	return *path, nil
}

func main() {
	path, err := configPath(os.Args[1:], os.LookupEnv)
	if err != nil {
		os.Exit(2)
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	rotator, err := setupLogger(cfg.Log)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	if rotator != nil {
		defer rotator.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(version.Fields()).WithFields(log.Fields{
		"http_addr":     cfg.HTTPAddr,
		"grpc_addr":     cfg.GRPCAddr,
		"local_driver":  cfg.Local.Driver,
		"remote_driver": cfg.Remote.Driver,
		"feed":          cfg.Remote.Feed,
	}).Info("configuration loaded")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("application exited with error")
		stop()
		os.Exit(1)
	}

	log.Info("ordersync stopped")
}
