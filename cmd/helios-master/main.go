// Command helios-master runs the Master RPC service: job registry,
// deployment transactions and host status/history aggregation.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/master"
)

func main() {
	configPath := flag.String("config", "", "path to helios-master config file")
	flag.Parse()

	cfg, err := config.LoadMaster(*configPath)
	if err != nil {
		fmt.Printf("loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		fmt.Printf("invalid log level: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(level)
	if cfg.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{})
	}
	log := logger.WithField("component", "helios-master")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("helios-master exited with error")
	}
}

func run(cfg *config.MasterConfig, log *logrus.Entry) error {
	// internal/coordination.Store is satisfied here by zkstore's
	// in-process implementation. Wiring a real ZooKeeper/etcd-class
	// ensemble client only requires swapping this one line, per spec
	// section 4.2's production wiring note.
	store := zkstore.NewCluster().NewSession()

	m := master.New(store, cfg, log)
	bootstrapCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.Bootstrap(bootstrapCtx); err != nil {
		return fmt.Errorf("bootstrapping coordination namespace: %w", err)
	}

	server := master.NewServer(m, log)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("address", addr).Info("helios-master listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-quit:
	}

	log.Info("helios-master shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down http server: %w", err)
	}
	log.Info("helios-master shut down cleanly")
	return nil
}
