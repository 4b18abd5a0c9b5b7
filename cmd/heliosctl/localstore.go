package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/heliosproject/helios/internal/agent"
	"github.com/heliosproject/helios/internal/config"
	"github.com/heliosproject/helios/internal/coordination/zkstore"
	"github.com/heliosproject/helios/internal/discovery"
	"github.com/heliosproject/helios/internal/master"
	"github.com/heliosproject/helios/internal/runtime/fakeruntime"
)

// localstoreCmd runs a Master and one Agent in a single process sharing
// an in-memory zkstore.Cluster, for trying out the control plane without
// a real coordination ensemble or Docker daemon. Per spec section 4.2's
// production wiring note, this is a demo path only.
var localstoreCmd = &cobra.Command{
	Use:   "localstore",
	Short: "Run a single-process master+agent demo backed by an in-memory store",
	Run: func(cmd *cobra.Command, args []string) {
		hostname, _ := cmd.Flags().GetString("hostname")
		port, _ := cmd.Flags().GetInt("port")

		logger := logrus.New()
		logger.SetFormatter(&logrus.TextFormatter{})
		log := logger.WithField("component", "heliosctl-localstore")

		cluster := zkstore.NewCluster()

		mcfg := config.DefaultMasterConfig()
		mcfg.Server.Port = port
		m := master.New(cluster.NewSession(), mcfg, log.WithField("role", "master"))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := m.Bootstrap(ctx); err != nil {
			fatalf("bootstrapping master: %v", err)
		}

		server := master.NewServer(m, log.WithField("role", "master"))
		addr := fmt.Sprintf("%s:%d", mcfg.Server.Host, mcfg.Server.Port)
		httpServer := &http.Server{Addr: addr, Handler: server.Router()}

		go func() {
			log.WithField("address", addr).Info("localstore master listening")
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("master http server failed")
			}
		}()

		acfg := config.DefaultAgentConfig()
		acfg.Hostname = hostname
		sup := agent.New(hostname, cluster.NewSession(), fakeruntime.New(), acfg, discovery.NoopRegistrar{}, log.WithField("role", "agent"))
		go func() {
			if err := sup.Run(ctx); err != nil && err != context.Canceled {
				log.WithError(err).Error("agent supervisor stopped")
			}
		}()

		fmt.Printf("localstore demo running: master at %s, agent %q (fake runtime, no real containers)\n", addr, hostname)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	},
}

func init() {
	localstoreCmd.Flags().String("hostname", "local", "hostname the demo agent registers as")
	localstoreCmd.Flags().Int("port", 5801, "port the demo master listens on")
}
