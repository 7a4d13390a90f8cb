package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edgehive/fleetd/internal/app"
	"github.com/edgehive/fleetd/internal/config"
	"github.com/edgehive/fleetd/internal/logging"
	"github.com/edgehive/fleetd/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print build information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.FullVersion())
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	log := logging.New("fleetd", cfg.LogLevel, cfg.LogFormat)
	log.WithField("version", version.Version).Info("starting agent")

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), 2*time.Minute)
	application, err := app.New(bootCtx, cfg, log)
	cancelBoot()
	if err != nil {
		log.WithError(err).Error("boot failed")
		os.Exit(1)
	}

	if err := application.Start(context.Background()); err != nil {
		log.WithError(err).Error("start failed")
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
}
