package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"pulsefeed/alert"
	"pulsefeed/archive"
	"pulsefeed/config"
	"pulsefeed/dispatch"
	"pulsefeed/logger"
	"pulsefeed/models"
	"pulsefeed/notify"
	"pulsefeed/stream"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", "config/config.yml", "Path to configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	env := config.AppEnvironment()
	log.WithFields(logger.Fields{
		"service":     cfg.Pulsefeed.Name,
		"version":     cfg.Pulsefeed.Version,
		"environment": env,
	}).Info("starting pulsefeed")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Metrics.CloudWatch {
		logger.InitCloudWatch(cfg.Archive.S3.Region, cfg.Metrics.Namespace)
	}
	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, 30*time.Second)
	}

	conn := stream.NewConn(cfg, nil)
	dispatcher := dispatch.NewDispatcher(conn.Frames())

	center := notify.NewCenter(cfg, alert.NewExecDesktop(), alert.NewExecSound(""))
	dispatcher.Register(models.TypeNotification, center.HandleEnvelope)

	var archiver *archive.Archiver
	if cfg.Archive.Enabled {
		archiver, err = archive.NewArchiver(cfg)
		if err != nil {
			if config.IsProductionLike(env) {
				log.WithError(err).Error("failed to create archiver")
				os.Exit(1)
			}
			log.WithError(err).Warn("archiving disabled")
		} else {
			dispatcher.RegisterCatchAll(archiver.HandleEnvelope)
		}
	} else {
		log.WithComponent("main").Info("archiving disabled; skipping archiver")
	}

	if archiver != nil {
		if err := archiver.Start(ctx); err != nil {
			log.WithError(err).Error("archiver failed to start")
			os.Exit(1)
		}
	}
	if err := dispatcher.Start(ctx); err != nil {
		log.WithError(err).Error("dispatcher failed to start")
		os.Exit(1)
	}
	if err := conn.Start(ctx); err != nil {
		log.WithError(err).Error("stream connection failed to start")
		os.Exit(1)
	}

	log.Info("all components started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	log.Info("starting graceful shutdown")

	// Producer first so no new frames arrive while downstream drains.
	log.Info("stopping stream connection")
	conn.Stop()

	cancel()

	log.Info("stopping dispatcher")
	dispatcher.Stop()

	if archiver != nil {
		log.Info("stopping archiver")
		archiver.Stop()
	}

	log.Info("pulsefeed stopped")
}
