package repair

import (
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"QuadRing/internal/kvstore"
	"QuadRing/internal/logger"
	"QuadRing/internal/ring"
)

const (
	// mailboxSize bounds queued inbound messages; overflow is dropped.
	mailboxSize = 1024

	// retryBackoffBase is the initial retry delay, doubled per attempt.
	retryBackoffBase = time.Second

	// peerSampleAttempts bounds sampler draws when hunting for a peer in
	// a specific quadrant.
	peerSampleAttempts = 16
)

// PeerInfo describes a reconciliation partner as the sampler advertises
// it: identity, quadrant, and the arc of keys the peer is responsible for.
type PeerInfo struct {
	ID          NodeID
	Quadrant    int
	Responsible ring.Interval
}

// normResponsible returns the peer's responsible arc in quadrant-zero
// coordinates.
func (p PeerInfo) normResponsible() ring.Interval {
	return p.Responsible.Shift(quadrantOffset(-p.Quadrant))
}

// Sampler provides random known peers. Implemented by the CYCLON sampler.
type Sampler interface {
	RandomPeer() (PeerInfo, bool)
}

// Transport delivers encoded repair messages to peers.
type Transport interface {
	Send(to NodeID, data []byte) error
}

// Options wires an orchestrator to its node.
type Options struct {
	Self        NodeID
	Position    ring.Key      // the node's ring position
	Responsible ring.Interval // the arc of keys this node owns
	Store       Store
	Transport   Transport
	Sampler     Sampler
	Config      Config
	Stats       *Stats
	Seed        int64 // randomness seed; 0 uses the clock
}

// task is one queued reconciliation round, used for retries and for rounds
// split into parts by the MaxItems bound.
type task struct {
	peer     PeerInfo
	interval ring.Interval // normalised
	method   Method
	repair   RepairType
	seed     ring.Key
	target   *ring.Key
	round    int // part index within a split round
	attempt  int
}

// Orchestrator owns all repair sessions of a node. It is a single actor:
// one goroutine drains a mailbox of peer messages, internal commands and
// timer events; sessions live in its arena keyed by session id.
type Orchestrator struct {
	self        NodeID
	position    ring.Key
	quadrant    int
	responsible ring.Interval
	store       Store
	transport   Transport
	sampler     Sampler
	cfg         Config
	stats       *Stats

	mailbox  chan envelope
	commands chan func()
	stop     chan struct{}
	done     chan struct{}

	seq      atomic.Uint64
	sessions map[SessionID]*Session
	pending  []task
	rnd      *rand.Rand
	now      func() time.Time
}

// envelope is one inbound peer message.
type envelope struct {
	from NodeID
	msg  Message
}

// New creates an orchestrator. Call Start to begin processing.
func New(opts Options) (*Orchestrator, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("repair config:\n%w", err)
	}

	if opts.Stats == nil {
		opts.Stats = &Stats{}
	}

	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	responsible := opts.Responsible
	if responsible.Empty() {
		responsible = ring.QuadrantInterval(opts.Position.Quadrant())
	}

	return &Orchestrator{
		self:        opts.Self,
		position:    opts.Position,
		quadrant:    opts.Position.Quadrant(),
		responsible: responsible,
		store:       opts.Store,
		transport:   opts.Transport,
		sampler:     opts.Sampler,
		cfg:         opts.Config,
		stats:       opts.Stats,
		mailbox:     make(chan envelope, mailboxSize),
		commands:    make(chan func(), 64),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		sessions:    make(map[SessionID]*Session),
		rnd:         rand.New(rand.NewSource(seed)),
		now:         time.Now,
	}, nil
}

// Start launches the actor goroutine.
func (o *Orchestrator) Start() {
	go o.run()
}

// Stop shuts the actor down and waits for it to drain.
func (o *Orchestrator) Stop() {
	close(o.stop)
	<-o.done
}

// Stats returns a snapshot of the engine counters.
func (o *Orchestrator) Stats() StatsSnapshot {
	return o.stats.Snapshot()
}

// Deliver hands an inbound encoded message to the actor. Malformed frames
// are dropped with a log line; messages beyond the mailbox capacity are
// dropped too, and repair converges on later rounds.
func (o *Orchestrator) Deliver(from NodeID, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		logger.Warn("malformed repair message", "from", from, "error", err)
		return
	}

	o.stats.BytesReceived.Add(uint64(len(data)))

	select {
	case o.mailbox <- envelope{from: from, msg: msg}:
	default:
		logger.Warn("repair mailbox full, dropping message", "from", from, "kind", msg.Kind())
	}
}

// TriggerRound starts one reconciliation round immediately, bypassing the
// trigger probability. Used by the admin surface.
func (o *Orchestrator) TriggerRound() {
	o.enqueueCommand(func() { o.startRound(true) })
}

// TriggerKeySync opens a targeted session reconciling a single key against
// one of its replicas. The reply reports whether a session was opened.
func (o *Orchestrator) TriggerKeySync(key ring.Key) error {
	reply := make(chan error, 1)

	o.enqueueCommand(func() {
		if !o.responsible.Contains(key) {
			reply <- fmt.Errorf("key %s outside responsible range", key)
			return
		}

		norm := normalise(key, o.quadrant)

		peer, ok := o.findPeerFor(norm)
		if !ok {
			reply <- errors.New("no peer available")
			return
		}

		reply <- o.startSync(task{
			peer:     peer,
			interval: pointInterval(norm),
			method:   MethodMerkle,
			seed:     norm,
			target:   &norm,
		})
	})

	select {
	case err := <-reply:
		return err
	case <-o.stop:
		return errors.New("orchestrator stopped")
	}
}

// OpenSessions returns the number of live sessions. For the status surface.
func (o *Orchestrator) OpenSessions() int {
	reply := make(chan int, 1)

	o.enqueueCommand(func() { reply <- len(o.sessions) })

	select {
	case n := <-reply:
		return n
	case <-o.stop:
		return 0
	}
}

// enqueueCommand schedules fn on the actor goroutine.
func (o *Orchestrator) enqueueCommand(fn func()) {
	select {
	case o.commands <- fn:
	case <-o.stop:
	}
}

// run is the actor loop.
func (o *Orchestrator) run() {
	defer close(o.done)

	trigger := time.NewTicker(o.cfg.TriggerInterval)
	defer trigger.Stop()

	gc := time.NewTicker(o.cfg.GCInterval)
	defer gc.Stop()

	for {
		select {
		case <-o.stop:
			return

		case env := <-o.mailbox:
			o.handleMessage(env)

		case fn := <-o.commands:
			fn()

		case <-trigger.C:
			o.startRound(false)

		case <-gc.C:
			o.sweep()
		}
	}
}

// startRound begins one periodic reconciliation round: pick a random owned
// key, a foreign quadrant peer, and open a session over the responsible
// range. Rounds over the MaxItems bound are split into queued parts.
func (o *Orchestrator) startRound(forced bool) {
	if !o.cfg.Enabled {
		return
	}

	if !forced && o.rnd.Intn(100) >= o.cfg.TriggerProbability {
		return
	}

	// Queued parts and retries take precedence over fresh rounds.
	if len(o.pending) > 0 {
		next := o.pending[0]
		o.pending = o.pending[1:]

		if err := o.startSync(next); err != nil {
			logger.Debug("queued repair part not started", "error", err)
		}

		return
	}

	peer, ok := o.findForeignPeer()
	if !ok {
		// Nothing to repair against; a one-node ring ends up here.
		logger.Debug("repair trigger with no foreign peer")
		return
	}

	seed := o.randKeyIn(o.responsible)
	normIv := o.responsible.Shift(quadrantOffset(-o.quadrant))

	// Reconcile only the range both nodes are responsible for.
	common := normIv.Intersect(peer.normResponsible())
	if len(common) == 0 {
		logger.Debug("no common range with peer", "peer", peer.ID)
		return
	}

	var parts []ring.Interval

	for _, arc := range common {
		localArc := arc.Shift(quadrantOffset(o.quadrant))

		if count, err := o.store.Count(localArc); err == nil && count > o.cfg.MaxItems {
			n := (count + o.cfg.MaxItems - 1) / o.cfg.MaxItems
			parts = append(parts, arc.Split(n)...)
			continue
		}

		parts = append(parts, arc)
	}

	first := task{
		peer:     peer,
		interval: parts[0],
		method:   o.cfg.Method,
		repair:   o.cfg.RepairType,
		seed:     normalise(seed, o.quadrant),
	}

	for i, iv := range parts[1:] {
		o.pending = append(o.pending, task{
			peer:     peer,
			interval: iv,
			method:   o.cfg.Method,
			repair:   o.cfg.RepairType,
			seed:     normalise(seed, o.quadrant),
			round:    i + 1,
		})
	}

	if err := o.startSync(first); err != nil {
		logger.Debug("repair round not started", "error", err)
	}
}

// startSync opens an initiator session for the task.
func (o *Orchestrator) startSync(t task) error {
	if len(o.sessions) >= o.cfg.MaxSessions {
		return errors.New("session capacity reached")
	}

	// Concurrent sessions must not reconcile overlapping ranges.
	for _, s := range o.sessions {
		if len(s.Interval.Intersect(t.interval)) > 0 {
			return fmt.Errorf("interval %s already being reconciled", t.interval)
		}
	}

	id := SessionID{Initiator: o.self, Seq: o.seq.Add(1)}

	s := NewSession(id, t.peer.ID, RoleInitiator, t.method, t.interval, o.quadrant, o.cfg, o.now())
	s.SeedKey = t.seed
	s.PeerQuadrant = t.peer.Quadrant
	s.Target = t.target
	s.RepairType = t.repair
	s.Round = t.round
	s.Retries = t.attempt

	o.sessions[id] = s
	o.stats.SessionsStarted.Add(1)
	o.armChangeLog()

	logger.Debug("repair session opened",
		"session", id,
		"peer", t.peer.ID,
		"method", t.method,
		"interval", t.interval,
	)

	o.drive(s, EvStart{})

	return nil
}

// armChangeLog starts recording writes to the responsible range while the
// first session opens; writes that land mid-round are reported when the
// last session closes and heal on a later round.
func (o *Orchestrator) armChangeLog() {
	if len(o.sessions) == 1 {
		o.store.ArmChangeLog(o.responsible)
	}
}

// reportChanges logs writes recorded while sessions were running.
func (o *Orchestrator) reportChanges() {
	if len(o.sessions) > 0 {
		return
	}

	entries, deleted, err := o.store.Changes()
	if err == nil && len(entries)+len(deleted) > 0 {
		logger.Debug("writes during reconciliation",
			"changed", len(entries),
			"deleted", len(deleted),
		)
	}

	o.store.DisarmChangeLog()
}

// handleMessage routes one inbound message to its session.
func (o *Orchestrator) handleMessage(env envelope) {
	id := env.msg.Session()

	switch m := env.msg.(type) {
	case *RequestSync:
		o.handleRequestSync(env.from, m)
		return

	case *ResolveUpdate:
		o.handleResolveUpdate(id, m)
		return

	case *ResolveRegen:
		o.handleResolveRegen(id, m)
		return
	}

	s, ok := o.sessions[id]
	if !ok {
		// Late message for a collected session.
		logger.Debug("message for dead session", "session", id, "kind", env.msg.Kind())
		return
	}

	switch m := env.msg.(type) {
	case *BloomSummary, *MerkleSummary, *ARTSummary:
		o.drive(s, EvPeerSummary{Msg: m})

	case *SessionDone:
		o.drive(s, EvPeerDone{Stats: m.Stats})

	case *SessionAbort:
		o.drive(s, EvPeerAbort{Reason: m.Reason})
	}
}

// handleRequestSync opens a responder session.
func (o *Orchestrator) handleRequestSync(from NodeID, m *RequestSync) {
	if !o.cfg.Enabled {
		return
	}

	if _, exists := o.sessions[m.ID]; exists {
		return // duplicate request
	}

	if len(o.sessions) >= o.cfg.MaxSessions {
		o.send(from, &SessionAbort{ID: m.ID, Reason: AbortRetry})
		return
	}

	s := NewSession(m.ID, from, RoleResponder, m.Method, m.Interval, o.quadrant, o.cfg, o.now())
	s.SeedKey = normalise(m.ReplicaKey, o.quadrant)
	s.RepairType = m.RepairType

	o.sessions[m.ID] = s
	o.stats.SessionsStarted.Add(1)
	o.armChangeLog()

	logger.Debug("repair session accepted",
		"session", m.ID,
		"peer", from,
		"method", m.Method,
		"interval", m.Interval,
	)

	o.drive(s, EvStart{})
}

// handleResolveUpdate applies one pushed entry.
func (o *Orchestrator) handleResolveUpdate(id SessionID, m *ResolveUpdate) {
	s, ok := o.sessions[id]
	if !ok {
		// Resolves tagged with a dead session are dropped silently.
		return
	}

	value, version, err := kvstore.DecodeBlob(m.Blob)
	if err != nil {
		o.drive(s, EvFailure{Reason: fmt.Sprintf("malformed resolve blob: %v", err)})
		return
	}

	entry := kvstore.Entry{
		Key:     denormalise(m.Key, o.quadrant),
		Value:   value,
		Version: version,
	}

	if !o.responsible.Contains(entry.Key) {
		logger.Debug("resolve outside responsible range", "session", id, "key", entry.Key)
		o.drive(s, EvResolveReceived{})
		return
	}

	if version == 0 {
		// Empty answer to a regen request: the peer has no entry either.
		o.drive(s, EvResolveReceived{})
		return
	}

	_, existed, err := o.store.Get(entry.Key)
	if err != nil {
		logger.Error("resolve lookup", "session", id, "error", err)
		return
	}

	// The round's repair type bounds what this session may change.
	if (s.RepairType == RepairUpdate && !existed) || (s.RepairType == RepairRegen && existed) {
		o.drive(s, EvResolveReceived{})
		return
	}

	applied, err := o.store.Apply(entry)

	switch {
	case errors.Is(err, kvstore.ErrVersionConflict):
		o.stats.Conflicts.Add(1)
		s.Stats.Conflicts++
		o.drive(s, EvConflict{})
		return

	case errors.Is(err, kvstore.ErrLocked):
		// A locked entry stays untouched; a later round repairs it.
		logger.Debug("resolve skipped, entry locked", "session", id, "key", entry.Key)

	case err != nil:
		logger.Error("resolve apply", "session", id, "error", err)
		return

	case applied:
		s.Stats.Applied++

		if existed {
			o.stats.EntriesUpdated.Add(1)
		} else {
			o.stats.EntriesRegenerated.Add(1)
			s.Stats.Regenerated++
		}
	}

	o.drive(s, EvResolveReceived{})
}

// handleResolveRegen answers a peer's request for our replica of a key.
func (o *Orchestrator) handleResolveRegen(id SessionID, m *ResolveRegen) {
	s, ok := o.sessions[id]
	if !ok {
		return
	}

	local := denormalise(m.Key, o.quadrant)

	e, found, err := o.store.Get(local)
	if err != nil {
		logger.Error("regen lookup", "session", id, "error", err)
		return
	}

	if !found {
		// Neither side has the entry; nothing to regenerate from.
		o.send(s.Peer, &ResolveUpdate{ID: id, Key: m.Key, Blob: kvstore.EncodeBlob(nil, 0)})
		return
	}

	o.send(s.Peer, &ResolveUpdate{
		ID:   id,
		Key:  m.Key,
		Blob: kvstore.EncodeBlob(e.Value, e.Version),
	})
}

// drive feeds an event into a session and executes the resulting actions,
// looping on follow-up events until the machine settles.
func (o *Orchestrator) drive(s *Session, ev Event) {
	queue := []Event{ev}

	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]

		for _, act := range s.Step(next) {
			if follow := o.execute(s, act); follow != nil {
				queue = append(queue, follow)
			}
		}
	}
}

// execute performs one session action and returns a follow-up event, or
// nil.
func (o *Orchestrator) execute(s *Session, act Action) Event {
	switch a := act.(type) {
	case ActBuildSummary:
		sum, err := buildSummary(o.store, s.Interval, s.Quadrant, s.Method, s.cfg)
		if err != nil {
			return EvFailure{Reason: fmt.Sprintf("build summary: %v", err)}
		}

		return EvSummaryReady{Summary: sum}

	case ActSendRequest:
		msg := &RequestSync{
			ID:         s.ID,
			Method:     s.Method,
			RepairType: s.RepairType,
			ReplicaKey: denormalise(s.SeedKey, s.PeerQuadrant),
			Interval:   s.Interval,
		}

		if err := o.send(s.Peer, msg); err != nil {
			return o.sendFailure(s, err)
		}

		return nil

	case ActSendSummary:
		msg, err := s.local.message(s.ID)
		if err != nil {
			return EvFailure{Reason: fmt.Sprintf("encode summary: %v", err)}
		}

		if err := o.send(s.Peer, msg); err != nil {
			return o.sendFailure(s, err)
		}

		return nil

	case ActComputeDiff:
		pushes, regens, err := s.local.diff(o.store, a.Peer, s.Target)

		var structural *structuralError
		if errors.As(err, &structural) {
			return EvFailure{Reason: structural.reason}
		}

		if err != nil {
			return EvFailure{Reason: fmt.Sprintf("compute diff: %v", err)}
		}

		sent := 0

		for _, e := range pushes {
			msg := &ResolveUpdate{
				ID:   s.ID,
				Key:  normalise(e.Key, s.Quadrant),
				Blob: kvstore.EncodeBlob(e.Value, e.Version),
			}

			if err := o.send(s.Peer, msg); err != nil {
				return o.sendFailure(s, err)
			}

			sent++
		}

		for _, k := range regens {
			if err := o.send(s.Peer, &ResolveRegen{ID: s.ID, Key: k}); err != nil {
				return o.sendFailure(s, err)
			}
		}

		s.Stats.Sent = uint32(sent)
		o.stats.ResolvesSent.Add(uint64(sent))

		return EvDiffDone{Sent: sent, Regens: len(regens)}

	case ActSendDone:
		if err := o.send(s.Peer, &SessionDone{ID: s.ID, Stats: s.Stats}); err != nil {
			return o.sendFailure(s, err)
		}

		return nil

	case ActComplete:
		o.stats.SessionsCompleted.Add(1)

		logger.Debug("repair session done",
			"session", s.ID,
			"role", s.Role,
			"sent", s.Stats.Sent,
			"applied", s.Stats.Applied,
			"regenerated", s.Stats.Regenerated,
		)

		o.finish(s)

		return nil

	case ActAbort:
		if a.NotifyPeer {
			_ = o.send(s.Peer, &SessionAbort{ID: s.ID, Reason: a.Reason})
		}

		if a.Failed {
			o.stats.SessionsFailed.Add(1)
			logger.Warn("repair session failed", "session", s.ID, "reason", a.Reason)
		} else {
			o.stats.SessionsAborted.Add(1)
			logger.Debug("repair session aborted", "session", s.ID, "reason", a.Reason)
		}

		o.finish(s)

		return nil

	case ActRetry:
		o.stats.SessionsAborted.Add(1)
		o.finish(s)
		o.scheduleRetry(s, a.Attempt)

		return nil
	}

	return nil
}

// sendFailure maps a transport error to the right session event: initiators
// back off and retry, responders give up.
func (o *Orchestrator) sendFailure(s *Session, err error) Event {
	logger.Debug("repair send failed", "session", s.ID, "peer", s.Peer, "error", err)

	if s.Role == RoleInitiator {
		return EvPeerAbort{Reason: AbortRetry}
	}

	return EvPeerAbort{Reason: "peer unreachable"}
}

// finish removes a session from the arena and starts the next queued part
// if capacity allows.
func (o *Orchestrator) finish(s *Session) {
	delete(o.sessions, s.ID)
	o.reportChanges()

	if len(o.pending) > 0 && len(o.sessions) < o.cfg.MaxSessions {
		next := o.pending[0]
		o.pending = o.pending[1:]

		if err := o.startSync(next); err != nil {
			logger.Debug("queued repair part not started", "error", err)
		}
	}
}

// scheduleRetry re-queues an initiator exchange after exponential back-off.
func (o *Orchestrator) scheduleRetry(s *Session, attempt int) {
	delay := retryBackoffBase << (attempt - 1)

	t := task{
		peer:     PeerInfo{ID: s.Peer, Quadrant: s.PeerQuadrant},
		interval: s.Interval,
		method:   s.Method,
		repair:   s.RepairType,
		seed:     s.SeedKey,
		target:   s.Target,
		round:    s.Round,
		attempt:  attempt,
	}

	time.AfterFunc(delay, func() {
		o.enqueueCommand(func() {
			if err := o.startSync(t); err != nil {
				logger.Debug("repair retry not started", "error", err)
			}
		})
	})
}

// sweep collects sessions past their TTL.
func (o *Orchestrator) sweep() {
	now := o.now()

	for _, s := range o.sessions {
		if now.After(s.Deadline) {
			logger.Debug("repair session expired", "session", s.ID, "state", s.State)
			o.drive(s, EvExpire{})
		}
	}
}

// send encodes and transmits a message, tracking wire bytes.
func (o *Orchestrator) send(to NodeID, msg Message) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}

	o.stats.BytesSent.Add(uint64(len(data)))

	return o.transport.Send(to, data)
}

// findForeignPeer samples the peer cache for a node in another quadrant.
func (o *Orchestrator) findForeignPeer() (PeerInfo, bool) {
	for i := 0; i < peerSampleAttempts; i++ {
		p, ok := o.sampler.RandomPeer()
		if !ok {
			return PeerInfo{}, false
		}

		if p.ID != o.self && p.Quadrant != o.quadrant {
			return p, true
		}
	}

	return PeerInfo{}, false
}

// findPeerFor samples for a foreign-quadrant peer whose responsible range
// holds a replica of the normalised key.
func (o *Orchestrator) findPeerFor(norm ring.Key) (PeerInfo, bool) {
	for i := 0; i < peerSampleAttempts; i++ {
		p, ok := o.sampler.RandomPeer()
		if !ok {
			return PeerInfo{}, false
		}

		if p.ID == o.self || p.Quadrant == o.quadrant {
			continue
		}

		if p.normResponsible().Contains(norm) {
			return p, true
		}
	}

	return PeerInfo{}, false
}

// randKeyIn draws a roughly uniform key from the interval by rejection
// sampling, falling back to the interval start for very narrow arcs.
func (o *Orchestrator) randKeyIn(iv ring.Interval) ring.Key {
	spans := iv.Spans()
	if len(spans) == 0 {
		return ring.Key{}
	}

	for i := 0; i < 64; i++ {
		k := ring.RandKey(o.rnd)
		if iv.Contains(k) {
			return k
		}
	}

	return spans[0][0]
}
