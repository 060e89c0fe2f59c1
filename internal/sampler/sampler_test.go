package sampler

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"QuadRing/internal/ring"
)

// memExchange wires samplers together in memory, keyed by address.
type memExchange struct {
	mu    sync.Mutex
	nodes map[string]*Sampler
}

func newMemExchange() *memExchange {
	return &memExchange{nodes: make(map[string]*Sampler)}
}

func (m *memExchange) register(addr string, s *Sampler) {
	m.mu.Lock()
	m.nodes[addr] = s
	m.mu.Unlock()
}

func (m *memExchange) Exchange(addr string, sent []Descriptor) ([]Descriptor, error) {
	m.mu.Lock()
	peer := m.nodes[addr]
	m.mu.Unlock()

	if peer == nil {
		return nil, fmt.Errorf("peer %s unreachable", addr)
	}

	return peer.HandleExchange(sent), nil
}

func desc(i int) Descriptor {
	return Descriptor{
		ID:          fmt.Sprintf("peer-%d", i),
		Addr:        fmt.Sprintf("addr-%d", i),
		Quadrant:    i % 4,
		Responsible: ring.QuadrantInterval(i % 4),
	}
}

func newTestSampler(i int, exch Exchanger) *Sampler {
	return New(Config{
		Self:          desc(i),
		CacheSize:     8,
		ShuffleLen:    4,
		CycleInterval: time.Hour, // cycles driven by hand
		Seed:          int64(i) + 1,
	}, exch)
}

func TestRandomPeerFromEmptyCache(t *testing.T) {
	s := newTestSampler(0, newMemExchange())

	if _, ok := s.RandomPeer(); ok {
		t.Error("empty cache returned a peer")
	}
}

func TestAddPeersAndSample(t *testing.T) {
	s := newTestSampler(0, newMemExchange())

	s.AddPeers([]Descriptor{desc(1), desc(2), desc(3)})

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		p, ok := s.RandomPeer()
		if !ok {
			t.Fatal("no peer returned")
		}
		seen[p.ID] = true
	}

	if len(seen) != 3 {
		t.Errorf("sampled %d distinct peers, want 3", len(seen))
	}
}

func TestSelfIsNeverCached(t *testing.T) {
	s := newTestSampler(0, newMemExchange())

	s.AddPeers([]Descriptor{desc(0), desc(1)})

	for _, p := range s.Peers() {
		if p.ID == "peer-0" {
			t.Error("sampler cached its own descriptor")
		}
	}
}

func TestCacheIsBounded(t *testing.T) {
	s := newTestSampler(0, newMemExchange())

	var peers []Descriptor
	for i := 1; i <= 20; i++ {
		peers = append(peers, desc(i))
	}

	s.AddPeers(peers)

	if n := len(s.Peers()); n > 8 {
		t.Errorf("cache holds %d entries, bound is 8", n)
	}
}

func TestShuffleSpreadsMembership(t *testing.T) {
	exch := newMemExchange()

	// A line topology: each node initially knows only its predecessor.
	samplers := make([]*Sampler, 5)
	for i := range samplers {
		samplers[i] = newTestSampler(i, exch)
		exch.register(fmt.Sprintf("addr-%d", i), samplers[i])
	}

	for i := 1; i < len(samplers); i++ {
		samplers[i].AddPeers([]Descriptor{desc(i - 1)})
	}

	for round := 0; round < 20; round++ {
		for _, s := range samplers {
			s.cycle()
		}
	}

	// Shuffling spreads knowledge beyond the initial four edges: the
	// total membership grows and some node learns multiple peers.
	total, widest := 0, 0
	for _, s := range samplers {
		n := len(s.Peers())
		total += n
		if n > widest {
			widest = n
		}
	}

	if total <= 4 {
		t.Errorf("total cached peers = %d, want growth beyond the initial 4", total)
	}

	if widest < 2 {
		t.Errorf("widest cache = %d, want at least 2", widest)
	}
}

func TestSubscribeFiresOnMembershipChange(t *testing.T) {
	s := newTestSampler(0, newMemExchange())

	calls := 0
	s.Subscribe(func() { calls++ })

	s.AddPeers([]Descriptor{desc(1)})

	if calls == 0 {
		t.Error("subscription did not fire on membership change")
	}

	// Re-adding the same peer changes nothing.
	before := calls
	s.AddPeers([]Descriptor{desc(1)})

	if calls != before {
		t.Error("subscription fired without membership change")
	}
}

func TestExchangeFailureKeepsWorking(t *testing.T) {
	exch := newMemExchange() // target never registered

	s := newTestSampler(0, exch)
	s.AddPeers([]Descriptor{desc(1), desc(2)})

	s.cycle() // exchange fails, target already dropped from cache

	if _, ok := s.RandomPeer(); !ok {
		t.Error("sampler lost all peers after one failed exchange")
	}
}
