// Package network is the QUIC transport between ring nodes. A node's
// ed25519 key, baked into a self-signed TLS certificate, is its identity;
// the handshake pins that shape and nothing else. All messages to a peer
// share one ordered unidirectional stream, so delivery is FIFO per pair,
// and request/response exchanges ride short-lived bidirectional streams.
// Inbound traffic is dispatched through a single Handler; dropped peers
// are redialed for as long as the node's address book still lists them.
package network

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"QuadRing/internal/logger"
)

const (
	// defaultRedialDelay is the initial delay before redialing a dropped
	// peer.
	defaultRedialDelay = 5 * time.Second

	// maxRedialDelay caps the redial back-off.
	maxRedialDelay = 60 * time.Second

	// alpnProtocol is the ALPN identifier of the ring protocol.
	alpnProtocol = "quadring/1"
)

// Handler receives everything the transport delivers. One value handles
// all traffic; there is no per-event registration.
type Handler interface {
	// HandleMessage is called for every framed message, in the order the
	// peer sent them.
	HandleMessage(p *Peer, data []byte)

	// HandleRequest answers one request/response exchange.
	HandleRequest(p *Peer, data []byte) ([]byte, error)

	// PeerConnected and PeerDropped track the peer set.
	PeerConnected(p *Peer)
	PeerDropped(p *Peer)
}

// AddressBook resolves peer ids to dial addresses. The gossip layer's
// cache backs it; a peer the book no longer lists is not redialed.
type AddressBook interface {
	LookupAddr(id string) (addr string, ok bool)
}

// Config holds the configuration for a Node.
type Config struct {
	PrivateKey  ed25519.PrivateKey // PrivateKey is the node's ed25519 identity
	ListenAddr  string             // ListenAddr is the QUIC listen address (e.g. ":9000")
	AddressBook AddressBook        // AddressBook enables redial of dropped peers; may be nil
	RedialDelay time.Duration      // RedialDelay is the initial redial delay
}

// Node accepts and initiates peer connections.
type Node struct {
	publicKey  ed25519.PublicKey
	id         string // public key hex
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config

	listener *quic.Listener

	book        AddressBook
	redialDelay time.Duration

	handlerMu sync.RWMutex
	handler   Handler

	peersMu sync.RWMutex
	peers   map[string]*Peer // keyed by public key hex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a node from its identity and listen address. Attach a
// Handler with SetHandler before Start.
func NewNode(cfg Config) (*Node, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}

	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	redialDelay := cfg.RedialDelay
	if redialDelay == 0 {
		redialDelay = defaultRedialDelay
	}

	tlsConfig, err := newTLSConfig(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("build tls config:\n%w", err)
	}

	publicKey := cfg.PrivateKey.Public().(ed25519.PublicKey)

	ctx, cancel := context.WithCancel(context.Background())

	return &Node{
		publicKey:  publicKey,
		id:         hex.EncodeToString(publicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig:  tlsConfig,
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		book:        cfg.AddressBook,
		redialDelay: redialDelay,
		peers:       make(map[string]*Peer),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// SetHandler attaches the traffic handler. Messages arriving while no
// handler is attached are dropped; requests are refused.
func (n *Node) SetHandler(h Handler) {
	n.handlerMu.Lock()
	n.handler = h
	n.handlerMu.Unlock()
}

// PublicKey returns the node's public key.
func (n *Node) PublicKey() ed25519.PublicKey {
	return n.publicKey
}

// ID returns the node's identity as public key hex. This is the id the
// repair engine addresses messages to.
func (n *Node) ID() string {
	return n.id
}

// Addr returns the listener's address, or empty before Start.
func (n *Node) Addr() string {
	if n.listener == nil {
		return ""
	}

	return n.listener.Addr().String()
}

// Start begins accepting connections.
func (n *Node) Start() error {
	listener, err := quic.ListenAddr(n.listenAddr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	n.listener = listener

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()

		for {
			conn, err := n.listener.Accept(n.ctx)
			if err != nil {
				return
			}

			n.wg.Add(1)
			go func() {
				defer n.wg.Done()

				peer, err := n.admit(conn, conn.RemoteAddr().String())
				if err != nil {
					conn.CloseWithError(1, "handshake rejected")
					return
				}

				n.dispatchConnected(peer)
			}()
		}
	}()

	return nil
}

// Connect dials a remote node. When the handshake resolves to a peer the
// node already tracks, the fresh connection is discarded and the existing
// peer returned, so concurrent dials cannot duplicate a peer.
func (n *Node) Connect(addr string) (*Peer, error) {
	conn, err := quic.DialAddr(n.ctx, addr, n.tlsConfig, n.quicConfig)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	peer, err := n.admit(conn, addr)
	if err != nil {
		conn.CloseWithError(1, "handshake rejected")
		return nil, err
	}

	return peer, nil
}

// admit authenticates a connection and registers its peer. A connection
// to an already-tracked peer yields the tracked peer instead.
func (n *Node) admit(conn *quic.Conn, addr string) (*Peer, error) {
	pubKey, err := peerIdentity(conn.ConnectionState().TLS)
	if err != nil {
		return nil, err
	}

	id := hex.EncodeToString(pubKey)

	peer := &Peer{
		publicKey: pubKey,
		id:        id,
		address:   addr,
		conn:      conn,
		node:      n,
	}

	n.peersMu.Lock()
	if existing, ok := n.peers[id]; ok {
		n.peersMu.Unlock()
		conn.CloseWithError(0, "duplicate connection")

		return existing, nil
	}
	n.peers[id] = peer
	n.peersMu.Unlock()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		peer.receiveLoop()
	}()

	return peer, nil
}

// Peers returns all connected peers.
func (n *Node) Peers() []*Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	peers := make([]*Peer, 0, len(n.peers))
	for _, p := range n.peers {
		peers = append(peers, p)
	}

	return peers
}

// PeerByID returns the connected peer with the given public key hex, or
// nil.
func (n *Node) PeerByID(id string) *Peer {
	n.peersMu.RLock()
	defer n.peersMu.RUnlock()

	return n.peers[id]
}

// SendTo sends a message to the peer with the given id. Fails when the
// peer is not connected.
func (n *Node) SendTo(id string, data []byte) error {
	p := n.PeerByID(id)
	if p == nil {
		return fmt.Errorf("peer %s not connected", shortID(id))
	}

	return p.Send(data)
}

// Close stops the node and closes all connections.
func (n *Node) Close() error {
	n.cancel()

	if n.listener != nil {
		n.listener.Close()
	}

	n.peersMu.Lock()
	for _, p := range n.peers {
		p.Close()
	}
	n.peers = make(map[string]*Peer)
	n.peersMu.Unlock()

	n.wg.Wait()

	return nil
}

// dropPeer deregisters a dropped peer and, when an address book is
// attached, starts redialing.
func (n *Node) dropPeer(p *Peer) {
	n.peersMu.Lock()
	delete(n.peers, p.id)
	n.peersMu.Unlock()

	n.dispatchDropped(p)

	if n.book == nil {
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redial(p.id)
	}()
}

// redial re-establishes a lost peer with exponential back-off, consulting
// the address book each attempt. It gives up when the book forgets the
// peer or the peer reconnects to us first.
func (n *Node) redial(id string) {
	delay := n.redialDelay

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-time.After(delay):
		}

		addr, ok := n.book.LookupAddr(id)
		if !ok {
			logger.Debug("peer left the address book, not redialing", "peer", shortID(id))
			return
		}

		if n.PeerByID(id) != nil {
			return // reconnected from the other side
		}

		peer, err := n.Connect(addr)
		if err == nil {
			n.dispatchConnected(peer)
			return
		}

		delay *= 2
		if delay > maxRedialDelay {
			delay = maxRedialDelay
		}
	}
}

// currentHandler returns the attached handler, or nil.
func (n *Node) currentHandler() Handler {
	n.handlerMu.RLock()
	defer n.handlerMu.RUnlock()

	return n.handler
}

// dispatchMessage hands a framed message to the handler.
func (n *Node) dispatchMessage(p *Peer, data []byte) {
	if h := n.currentHandler(); h != nil {
		h.HandleMessage(p, data)
	}
}

// dispatchRequest hands a request to the handler.
func (n *Node) dispatchRequest(p *Peer, data []byte) ([]byte, error) {
	h := n.currentHandler()
	if h == nil {
		return nil, fmt.Errorf("no handler attached")
	}

	return h.HandleRequest(p, data)
}

// dispatchConnected reports a new peer to the handler.
func (n *Node) dispatchConnected(p *Peer) {
	if h := n.currentHandler(); h != nil {
		h.PeerConnected(p)
	}
}

// dispatchDropped reports a lost peer to the handler.
func (n *Node) dispatchDropped(p *Peer) {
	if h := n.currentHandler(); h != nil {
		h.PeerDropped(p)
	}
}

// shortID abbreviates a public key hex for errors and logs.
func shortID(id string) string {
	if len(id) > 16 {
		return id[:16]
	}

	return id
}
