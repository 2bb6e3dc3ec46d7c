// Command overlaynode runs a single P2P overlay node, wiring config,
// crypto, transport, routing, and the RPC/record-store layers into one
// process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kyanha/overlaynode/internal/config"
	"github.com/kyanha/overlaynode/internal/node"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; defaults + env vars apply regardless)")
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "overlaynode: logger init: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal("create data dir", zap.Error(err))
	}

	n, err := node.New(log, cfg, func(u node.Update) {
		log.Info("update", zap.Int("kind", int(u.Kind)), zap.String("message", u.Message))
	})
	if err != nil {
		log.Fatal("construct node", zap.Error(err))
	}
	log.Info("node identity", zap.String("node_id", n.Self().String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := n.Run(ctx); err != nil {
		log.Fatal("node run", zap.Error(err))
	}
}
