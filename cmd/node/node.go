package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"QuadRing/internal/api"
	"QuadRing/internal/kvstore"
	"QuadRing/internal/logger"
	"QuadRing/internal/network"
	"QuadRing/internal/repair"
	"QuadRing/internal/ring"
	"QuadRing/internal/sampler"
)

// Node is a running QuadRing node: the replica store, the QUIC transport,
// the peer sampler and the repair orchestrator, wired together.
type Node struct {
	cfg         *Config
	position    ring.Key
	responsible ring.Interval

	store    *kvstore.Store
	network  *network.Node
	sampler  *sampler.Sampler
	repairer *repair.Orchestrator
	api      *api.Server
	stats    *repair.Stats
}

// NewNode creates and initializes a node.
func NewNode(cfg *Config) (*Node, error) {
	n := &Node{cfg: cfg, stats: &repair.Stats{}}

	position, err := cfg.ringPosition()
	if err != nil {
		return nil, err
	}

	n.position = position
	n.responsible = ring.QuadrantInterval(position.Quadrant())

	if err := n.initStore(); err != nil {
		return nil, err
	}

	if err := n.initNetwork(); err != nil {
		n.Close()
		return nil, err
	}

	n.initSampler()

	if err := n.initRepair(); err != nil {
		n.Close()
		return nil, err
	}

	n.initAPI()

	// The node implements network.Handler; all inbound traffic routes
	// through it once every component exists.
	n.network.SetHandler(n)

	return n, nil
}

// initStore opens the Pebble-backed replica store.
func (n *Node) initStore() error {
	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	store, err := kvstore.Open(n.cfg.DataPath + "/db")
	if err != nil {
		return fmt.Errorf("open store:\n%w", err)
	}

	n.store = store

	return nil
}

// initNetwork creates the QUIC transport. The node itself is the address
// book: dropped peers are redialed while the sampler still lists them.
func (n *Node) initNetwork() error {
	net, err := network.NewNode(network.Config{
		PrivateKey:  n.cfg.PrivateKey,
		ListenAddr:  n.cfg.QUICAddress,
		AddressBook: n,
	})
	if err != nil {
		return fmt.Errorf("init network:\n%w", err)
	}

	n.network = net

	return nil
}

// initSampler creates the CYCLON peer sampler.
func (n *Node) initSampler() {
	n.sampler = sampler.New(sampler.Config{
		Self: sampler.Descriptor{
			ID:          n.network.ID(),
			Addr:        n.cfg.QUICAddress,
			Quadrant:    n.position.Quadrant(),
			Responsible: n.responsible,
		},
	}, &shuffleTransport{node: n})
}

// initRepair creates the repair orchestrator.
func (n *Node) initRepair() error {
	cfg, err := n.cfg.repairConfig()
	if err != nil {
		return fmt.Errorf("repair config:\n%w", err)
	}

	orch, err := repair.New(repair.Options{
		Self:        repair.NodeID(n.network.ID()),
		Position:    n.position,
		Responsible: n.responsible,
		Store:       n.store,
		Transport:   &repairTransport{node: n},
		Sampler:     &samplerAdapter{sampler: n.sampler},
		Config:      cfg,
		Stats:       n.stats,
	})
	if err != nil {
		return err
	}

	n.repairer = orch

	return nil
}

// initAPI creates the HTTP surface with the repair metrics registered.
func (n *Node) initAPI() {
	registry := prometheus.NewRegistry()
	registry.MustRegister(repair.NewCollector(n.stats))

	n.api = api.New(n.cfg.HTTPAddress, n.store, n.repairer, n, registry)
}

// Run starts all components and blocks until a shutdown signal.
func (n *Node) Run() error {
	if err := n.network.Start(); err != nil {
		return fmt.Errorf("start network:\n%w", err)
	}

	n.bootstrap()

	n.sampler.Start()
	n.repairer.Start()

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logger.Info("shutting down")
	n.Close()

	return nil
}

// Close stops all components in reverse start order.
func (n *Node) Close() {
	if n.api != nil {
		_ = n.api.Stop()
	}

	if n.repairer != nil {
		n.repairer.Stop()
	}

	if n.sampler != nil {
		n.sampler.Stop()
	}

	if n.network != nil {
		_ = n.network.Close()
	}

	if n.store != nil {
		_ = n.store.Close()
	}
}

// ID returns the node's network identity.
func (n *Node) ID() string {
	return n.network.ID()
}

// Position returns the node's ring position.
func (n *Node) Position() ring.Key {
	return n.position
}

// Quadrant returns the quadrant the node owns.
func (n *Node) Quadrant() int {
	return n.position.Quadrant()
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.network.Peers())
}
