// Command helios-agent runs the per-host Agent: ephemeral up registration,
// deployment reconciliation and the task state machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/heliosproject/helios/internal/agent"
	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/discovery"
	"github.com/heliosproject/helios/internal/runtime/dockerruntime"
)

func main() {
	configPath := flag.String("config", "", "path to helios-agent config file")
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
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
	log := logger.WithField("component", "helios-agent")

	if err := run(cfg, logger, log); err != nil {
		log.WithError(err).Fatal("helios-agent exited with error")
	}
}

func run(cfg *config.AgentConfig, logger *logrus.Logger, log *logrus.Entry) error {
	rt, err := dockerruntime.New(cfg.Docker.Host, logger)
	if err != nil {
		return fmt.Errorf("connecting to docker: %w", err)
	}

	var registrar discovery.Registrar
	if cfg.Consul.Enabled {
		registrar, err = discovery.NewConsulRegistrar(cfg.Consul.Address, logger)
		if err != nil {
			return fmt.Errorf("connecting to consul: %w", err)
		}
	} else {
		registrar = discovery.NoopRegistrar{}
	}

	// Same production wiring note as helios-master: internal/coordination.Store
	// is satisfied here by zkstore's in-process implementation, which only
	// talks to an ensemble shared within this process. A real deployment
	// wires a ZooKeeper/etcd-class client satisfying the same interface.
	store := zkstore.NewCluster().NewSession()

	sup := agent.New(cfg.Hostname, store, rt, cfg, registrar, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	runErr := make(chan error, 1)
	go func() {
		runErr <- sup.Run(ctx)
	}()

	select {
	case <-quit:
		log.Info("helios-agent shutting down")
		cancel()
		<-runErr
		return nil
	case err := <-runErr:
		if err != nil && err != context.Canceled {
			return fmt.Errorf("supervisor stopped: %w", err)
		}
		return nil
	}
}
