// Command fednode runs a single federation node: it loads configuration,
// opens (or creates) the on-disk DAG store, joins the mesh over libp2p, and
// serves the thin HTTP adapter. A broader CLI surface remains an external
// collaborator, not something this binary implements.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/covenantmesh/fednet/core"
	"github.com/covenantmesh/fednet/internal/api"
	"github.com/covenantmesh/fednet/pkg/config"
)

func main() {
	root := &cobra.Command{
		Use:   "fednode",
		Short: "fednode runs a federated governance substrate node",
	}
	root.AddCommand(serveCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "start the node's networking, sync, and HTTP surfaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "environment overlay to merge on top of config/default.yaml")
	return cmd
}

func runServe(env string) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if lvl, parseErr := logrus.ParseLevel(cfg.Logging.Level); parseErr == nil {
		logrus.SetLevel(lvl)
	}

	kp, err := loadOrCreateKeyPair(cfg.Identity.KeyFile)
	if err != nil {
		return fmt.Errorf("load identity: %w", err)
	}
	log.WithField("did", kp.DID).Info("node identity loaded")

	backend, err := core.NewFileStateBackend(cfg.Storage.DAGPath)
	if err != nil {
		return fmt.Errorf("open dag store: %w", err)
	}
	defer backend.Close()
	store, err := core.NewFileStore(backend)
	if err != nil {
		return fmt.Errorf("replay dag store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	node, err := core.NewP2PNode(ctx, cfg.Network.ListenAddr, log)
	if err != nil {
		return fmt.Errorf("start p2p node: %w", err)
	}
	defer node.Close()

	for _, addr := range cfg.Network.BootstrapPeers {
		if connErr := node.Connect(ctx, addr); connErr != nil {
			log.WithError(connErr).WithField("addr", addr).Warn("failed to connect to bootstrap peer")
		}
	}

	registry := core.NewPeerRegistry()
	syncEngine := core.NewSyncEngine(store, node, registry, log)
	runtime := core.NewRuntime(store, syncEngine, node, cfg.Sync.QueueCapacity, log)
	if err := runtime.Start(ctx); err != nil {
		return fmt.Errorf("start runtime: %w", err)
	}

	server := api.NewServer(runtime)
	httpServer := &http.Server{Addr: cfg.API.ListenAddr, Handler: server.Router()}
	go func() {
		if serveErr := httpServer.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			log.WithError(serveErr).Error("http server stopped unexpectedly")
		}
	}()
	log.WithField("addr", cfg.API.ListenAddr).Info("http adapter listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	_ = httpServer.Close()
	runtime.Shutdown()
	return nil
}

func loadOrCreateKeyPair(path string) (*core.KeyPair, error) {
	if path == "" {
		return core.GenerateKeyPair()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		kp, genErr := core.GenerateKeyPair()
		if genErr != nil {
			return nil, genErr
		}
		if writeErr := os.WriteFile(path, kp.PrivateKey, 0o600); writeErr != nil {
			return nil, fmt.Errorf("persist identity key: %w", writeErr)
		}
		return kp, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	return core.KeyPairFromPrivateKey(raw)
}
