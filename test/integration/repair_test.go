// Package integration runs multi-node repair exchanges over real QUIC
// connections on localhost.
package integration

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"QuadRing/internal/kvstore"
	"QuadRing/internal/network"
	"QuadRing/internal/repair"
	"QuadRing/internal/ring"
)

// frameRepair tags repair payloads on unidirectional streams, matching the
// node's wire framing.
const frameRepair byte = 0x01

// harnessNode is one in-process node with a real QUIC transport.
type harnessNode struct {
	quadrant int
	store    *kvstore.Store
	net      *network.Node
	orch     *repair.Orchestrator
}

// netTransport sends repair frames over QUIC.
type netTransport struct {
	net *network.Node
}

func (t *netTransport) Send(to repair.NodeID, data []byte) error {
	frame := append([]byte{frameRepair}, data...)
	return t.net.SendTo(string(to), frame)
}

// repairHandler routes inbound repair frames to the orchestrator.
type repairHandler struct {
	orch *repair.Orchestrator
}

func (h *repairHandler) HandleMessage(p *network.Peer, data []byte) {
	if len(data) > 1 && data[0] == frameRepair {
		h.orch.Deliver(repair.NodeID(p.ID()), data[1:])
	}
}

func (h *repairHandler) HandleRequest(*network.Peer, []byte) ([]byte, error) {
	return nil, fmt.Errorf("no request traffic in this harness")
}

func (h *repairHandler) PeerConnected(*network.Peer) {}
func (h *repairHandler) PeerDropped(*network.Peer)   {}

// staticSampler serves a fixed peer list.
type staticSampler struct {
	peers []repair.PeerInfo
	next  int
}

func (s *staticSampler) RandomPeer() (repair.PeerInfo, bool) {
	if len(s.peers) == 0 {
		return repair.PeerInfo{}, false
	}

	p := s.peers[s.next%len(s.peers)]
	s.next++

	return p, true
}

// startNode brings up one node in the given quadrant.
func startNode(t *testing.T, dir string, quadrant int) *harnessNode {
	t.Helper()

	store, err := kvstore.Open(filepath.Join(dir, fmt.Sprintf("q%d", quadrant)))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	net, err := network.NewNode(network.Config{PrivateKey: priv, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create network node: %v", err)
	}

	if err := net.Start(); err != nil {
		t.Fatalf("start network node: %v", err)
	}
	t.Cleanup(func() { net.Close() })

	return &harnessNode{quadrant: quadrant, store: store, net: net}
}

// wire connects the nodes pairwise and starts their orchestrators.
func wire(t *testing.T, nodes []*harnessNode, cfg repair.Config) {
	t.Helper()

	for i, a := range nodes {
		for _, b := range nodes[i+1:] {
			if _, err := a.net.Connect(b.net.Addr()); err != nil {
				t.Fatalf("connect nodes: %v", err)
			}
		}
	}

	for i, n := range nodes {
		var peers []repair.PeerInfo

		for _, p := range nodes {
			if p == n {
				continue
			}

			peers = append(peers, repair.PeerInfo{
				ID:          repair.NodeID(p.net.ID()),
				Quadrant:    p.quadrant,
				Responsible: ring.QuadrantInterval(p.quadrant),
			})
		}

		position := ring.Key{}.Replica(n.quadrant)

		orch, err := repair.New(repair.Options{
			Self:        repair.NodeID(n.net.ID()),
			Position:    position,
			Responsible: ring.QuadrantInterval(n.quadrant),
			Store:       n.store,
			Transport:   &netTransport{net: n.net},
			Sampler:     &staticSampler{peers: peers},
			Config:      cfg,
			Stats:       &repair.Stats{},
			Seed:        int64(i) + 1,
		})
		if err != nil {
			t.Fatalf("create orchestrator: %v", err)
		}

		n.orch = orch
		n.net.SetHandler(&repairHandler{orch: orch})

		orch.Start()
		t.Cleanup(orch.Stop)
	}
}

func waitQuiet(t *testing.T, nodes []*harnessNode) {
	t.Helper()

	deadline := time.Now().Add(15 * time.Second)

	for time.Now().Before(deadline) {
		open := 0
		for _, n := range nodes {
			open += n.orch.OpenSessions()
		}

		if open == 0 {
			time.Sleep(100 * time.Millisecond)

			for _, n := range nodes {
				open += n.orch.OpenSessions()
			}

			if open == 0 {
				return
			}
		}

		time.Sleep(20 * time.Millisecond)
	}

	t.Fatal("sessions did not quiesce")
}

func TestRepairOverQUIC(t *testing.T) {
	dir, err := os.MkdirTemp("", "quic-repair-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := repair.DefaultConfig()
	cfg.TriggerInterval = time.Hour
	cfg.GCInterval = time.Hour
	cfg.Method = repair.MethodMerkle

	a := startNode(t, dir, 0)
	b := startNode(t, dir, 1)
	nodes := []*harnessNode{a, b}

	// 200 logical keys: node a holds all replicas fresh, node b misses a
	// third and holds stale versions for another third.
	for i := 0; i < 200; i++ {
		norm := ring.Key{Hi: uint64(i) << 12, Lo: uint64(i)}
		value := []byte(fmt.Sprintf("value-%d", i))

		if _, err := a.store.Apply(kvstore.Entry{Key: norm, Value: value, Version: 3}); err != nil {
			t.Fatalf("seed node a: %v", err)
		}

		replica := norm.Replica(1)

		switch i % 3 {
		case 0: // missing on b
		case 1: // stale on b
			entry := kvstore.Entry{Key: replica, Value: []byte(fmt.Sprintf("old-%d", i)), Version: 2}
			if _, err := b.store.Apply(entry); err != nil {
				t.Fatalf("seed node b: %v", err)
			}
		default: // healthy on b
			if _, err := b.store.Apply(kvstore.Entry{Key: replica, Value: value, Version: 3}); err != nil {
				t.Fatalf("seed node b: %v", err)
			}
		}
	}

	wire(t, nodes, cfg)

	a.orch.TriggerRound()
	waitQuiet(t, nodes)

	// Every replica on b must now match node a's entries.
	healed := 0

	for i := 0; i < 200; i++ {
		norm := ring.Key{Hi: uint64(i) << 12, Lo: uint64(i)}

		e, found, err := b.store.Get(norm.Replica(1))
		if err != nil {
			t.Fatalf("get replica: %v", err)
		}

		if found && e.Version == 3 && string(e.Value) == fmt.Sprintf("value-%d", i) {
			healed++
		}
	}

	if healed != 200 {
		t.Errorf("healed replicas = %d of 200", healed)
	}

	stats := a.orch.Stats()
	if stats.SessionsCompleted == 0 {
		t.Error("initiator completed no sessions")
	}

	if stats.ResolvesSent == 0 {
		t.Error("initiator sent no resolves")
	}
}

func TestTargetedKeySyncOverQUIC(t *testing.T) {
	dir, err := os.MkdirTemp("", "quic-dest-*")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	cfg := repair.DefaultConfig()
	cfg.TriggerInterval = time.Hour
	cfg.GCInterval = time.Hour

	a := startNode(t, dir, 0)
	b := startNode(t, dir, 2)
	nodes := []*harnessNode{a, b}

	norm := ring.Key{Hi: 42, Lo: 7}
	value := []byte("regenerate me")

	// Only node b holds the entry; node a asks for its replica back.
	if _, err := b.store.Apply(kvstore.Entry{Key: norm.Replica(2), Value: value, Version: 9}); err != nil {
		t.Fatalf("seed node b: %v", err)
	}

	wire(t, nodes, cfg)

	if err := a.orch.TriggerKeySync(norm); err != nil {
		t.Fatalf("TriggerKeySync: %v", err)
	}

	waitQuiet(t, nodes)

	e, found, err := a.store.Get(norm)
	if err != nil {
		t.Fatalf("get regenerated entry: %v", err)
	}

	if !found || e.Version != 9 || string(e.Value) != string(value) {
		t.Errorf("entry after targeted sync = found=%v %q@%d, want %q@9", found, e.Value, e.Version, value)
	}
}
