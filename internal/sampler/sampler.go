// Package sampler implements CYCLON-style gossip peer sampling: a small
// bounded cache of peer descriptors, aged every cycle and refreshed by
// shuffling a random slice of the cache with the oldest known peer. The
// repair orchestrator only consumes RandomPeer; the shuffle keeps the cache
// a fresh, roughly uniform sample of the ring.
package sampler

import (
	"math/rand"
	"sync"
	"time"

	"QuadRing/internal/logger"
	"QuadRing/internal/ring"
)

const (
	// DefaultCacheSize bounds the peer cache.
	DefaultCacheSize = 20

	// DefaultShuffleLen is the number of descriptors exchanged per cycle.
	DefaultShuffleLen = 8

	// DefaultCycleInterval is the period between shuffle cycles.
	DefaultCycleInterval = 10 * time.Second
)

// Descriptor advertises one node: identity, dial address, and the ring
// range it is responsible for.
type Descriptor struct {
	ID          string
	Addr        string
	Quadrant    int
	Responsible ring.Interval
	Age         int
}

// Exchanger performs one shuffle exchange with a remote peer: it delivers
// our slice and returns the peer's. Implemented over the network layer's
// request path.
type Exchanger interface {
	Exchange(addr string, sent []Descriptor) ([]Descriptor, error)
}

// Config controls cache shape and cycle timing.
type Config struct {
	Self          Descriptor
	CacheSize     int
	ShuffleLen    int
	CycleInterval time.Duration
	Seed          int64 // randomness seed; 0 uses the clock
}

// withDefaults fills unset config fields.
func (c Config) withDefaults() Config {
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}

	if c.ShuffleLen <= 0 {
		c.ShuffleLen = DefaultShuffleLen
	}

	if c.ShuffleLen > c.CacheSize {
		c.ShuffleLen = c.CacheSize
	}

	if c.CycleInterval <= 0 {
		c.CycleInterval = DefaultCycleInterval
	}

	if c.Seed == 0 {
		c.Seed = time.Now().UnixNano()
	}

	return c
}

// Sampler is the peer-sampling service of one node.
type Sampler struct {
	cfg  Config
	exch Exchanger

	mu    sync.Mutex
	cache []Descriptor
	subs  []func()
	rnd   *rand.Rand

	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a sampler. Seed the cache with AddPeers before Start.
func New(cfg Config, exch Exchanger) *Sampler {
	cfg = cfg.withDefaults()

	return &Sampler{
		cfg:  cfg,
		exch: exch,
		rnd:  rand.New(rand.NewSource(cfg.Seed)),
		stop: make(chan struct{}),
	}
}

// Start launches the shuffle cycle goroutine.
func (s *Sampler) Start() {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(s.cfg.CycleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.cycle()
			}
		}
	}()
}

// Stop halts the shuffle cycle.
func (s *Sampler) Stop() {
	close(s.stop)
	s.wg.Wait()
}

// AddPeers merges bootstrap descriptors into the cache.
func (s *Sampler) AddPeers(peers []Descriptor) {
	s.mu.Lock()
	changed := s.merge(peers, nil)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// RandomPeer returns a uniformly random cached descriptor.
func (s *Sampler) RandomPeer() (Descriptor, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.cache) == 0 {
		return Descriptor{}, false
	}

	return s.cache[s.rnd.Intn(len(s.cache))], true
}

// Peers returns a copy of the cache.
func (s *Sampler) Peers() []Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Descriptor, len(s.cache))
	copy(out, s.cache)

	return out
}

// Subscribe registers a callback invoked after the cache membership
// changes. Predecessor and successor changes surface this way.
func (s *Sampler) Subscribe(fn func()) {
	s.mu.Lock()
	s.subs = append(s.subs, fn)
	s.mu.Unlock()
}

// HandleExchange is the responder half of a shuffle: merge the received
// slice and answer with a random slice of our own cache.
func (s *Sampler) HandleExchange(received []Descriptor) []Descriptor {
	s.mu.Lock()

	reply := s.randomSlice(s.cfg.ShuffleLen)
	changed := s.merge(received, nil)

	s.mu.Unlock()

	if changed {
		s.notify()
	}

	return reply
}

// cycle runs one CYCLON shuffle: age everyone, pick the oldest peer, trade
// slices, merge the answer evicting what we sent.
func (s *Sampler) cycle() {
	s.mu.Lock()

	if len(s.cache) == 0 {
		s.mu.Unlock()
		return
	}

	for i := range s.cache {
		s.cache[i].Age++
	}

	oldest := 0
	for i, d := range s.cache {
		if d.Age > s.cache[oldest].Age {
			oldest = i
		}
	}

	target := s.cache[oldest]

	// The target is removed; a fresh descriptor for it returns via the
	// exchange if the peer is alive.
	s.cache = append(s.cache[:oldest], s.cache[oldest+1:]...)

	sent := s.randomSlice(s.cfg.ShuffleLen - 1)
	self := s.cfg.Self
	self.Age = 0
	sent = append(sent, self)

	s.mu.Unlock()

	received, err := s.exch.Exchange(target.Addr, sent)
	if err != nil {
		logger.Debug("shuffle exchange failed", "peer", target.Addr, "error", err)
		return
	}

	s.mu.Lock()
	changed := s.merge(received, sent)
	s.mu.Unlock()

	if changed {
		s.notify()
	}
}

// randomSlice copies up to n random cache entries. Caller holds mu.
func (s *Sampler) randomSlice(n int) []Descriptor {
	if n > len(s.cache) {
		n = len(s.cache)
	}

	out := make([]Descriptor, 0, n)
	for _, i := range s.rnd.Perm(len(s.cache))[:n] {
		out = append(out, s.cache[i])
	}

	return out
}

// merge folds received descriptors into the cache: self and duplicates are
// skipped (keeping the younger copy), and when the cache is full the
// entries we just sent away are evicted first, then the oldest. Caller
// holds mu. Returns whether membership changed.
func (s *Sampler) merge(received, sent []Descriptor) bool {
	changed := false

	for _, d := range received {
		if d.ID == s.cfg.Self.ID {
			continue
		}

		if i := s.indexOf(d.ID); i >= 0 {
			if d.Age < s.cache[i].Age {
				s.cache[i] = d
			}
			continue
		}

		if len(s.cache) >= s.cfg.CacheSize {
			if !s.evict(sent) {
				continue // cache full of entries we must keep
			}
		}

		s.cache = append(s.cache, d)
		changed = true
	}

	return changed
}

// indexOf returns the cache index of a peer id, or -1.
func (s *Sampler) indexOf(id string) int {
	for i, d := range s.cache {
		if d.ID == id {
			return i
		}
	}

	return -1
}

// evict frees one slot: prefer an entry that was part of the last sent
// slice, fall back to the oldest entry.
func (s *Sampler) evict(sent []Descriptor) bool {
	for _, sd := range sent {
		if sd.ID == s.cfg.Self.ID {
			continue
		}

		if i := s.indexOf(sd.ID); i >= 0 {
			s.cache = append(s.cache[:i], s.cache[i+1:]...)
			return true
		}
	}

	if len(s.cache) == 0 {
		return false
	}

	oldest := 0
	for i, d := range s.cache {
		if d.Age > s.cache[oldest].Age {
			oldest = i
		}
	}

	s.cache = append(s.cache[:oldest], s.cache[oldest+1:]...)

	return true
}

// notify invokes subscription callbacks outside the cache lock.
func (s *Sampler) notify() {
	s.mu.Lock()
	subs := make([]func(), len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
