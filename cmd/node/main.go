package main

import (
	"fmt"
	"os"

	"QuadRing/internal/logger"
)

func main() {
	logger.Init()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run is the main entry point with error handling.
func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config:\n%w", err)
	}

	cfg.PrivateKey, err = loadOrGenerateKey(cfg.KeyPath)
	if err != nil {
		return fmt.Errorf("load key:\n%w", err)
	}

	node, err := NewNode(cfg)
	if err != nil {
		return fmt.Errorf("create node:\n%w", err)
	}

	printStartupInfo(node)

	return node.Run()
}

// printStartupInfo displays node configuration at startup.
func printStartupInfo(n *Node) {
	logger.Info("starting QuadRing node",
		"id", shortHex(n.ID()),
		"position", n.Position(),
		"quadrant", n.Quadrant(),
		"http", n.cfg.HTTPAddress,
		"quic", n.cfg.QUICAddress,
		"data", n.cfg.DataPath,
		"bootstrap", len(n.cfg.Bootstrap),
	)
}
