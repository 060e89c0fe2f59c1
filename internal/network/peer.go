package network

import (
	"context"
	"crypto/ed25519"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"

	"QuadRing/internal/logger"
)

const (
	// defaultRequestTimeout bounds Request calls without a context
	// deadline.
	defaultRequestTimeout = 30 * time.Second
)

// Peer is a connection to a remote node.
type Peer struct {
	publicKey ed25519.PublicKey
	id        string // public key hex
	address   string // remote address of the connection
	conn      *quic.Conn
	node      *Node
	closed    atomic.Bool

	mu     sync.Mutex   // serialises Send and guards frames
	frames *frameWriter // one ordered stream carries all messages
	stream *quic.SendStream
}

// PublicKey returns the remote node's ed25519 public key.
func (p *Peer) PublicKey() ed25519.PublicKey {
	return p.publicKey
}

// ID returns the remote node's identity as public key hex.
func (p *Peer) ID() string {
	return p.id
}

// Address returns the remote address.
func (p *Peer) Address() string {
	return p.address
}

// Send delivers a message over the peer's ordered unidirectional stream.
// All messages to one peer share a single stream, so they arrive in send
// order.
func (p *Peer) Send(data []byte) error {
	if p.closed.Load() {
		return fmt.Errorf("peer is closed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.frames == nil {
		stream, err := p.conn.OpenUniStreamSync(context.Background())
		if err != nil {
			return fmt.Errorf("open stream: %w", err)
		}

		p.stream = stream
		p.frames = newFrameWriter(stream)
	}

	if err := p.frames.writeFrame(data); err != nil {
		p.stream.CancelWrite(1)
		p.stream = nil
		p.frames = nil

		return err
	}

	return nil
}

// Request sends data over a bidirectional stream and waits for the
// response. The context bounds the whole exchange.
func (p *Peer) Request(ctx context.Context, data []byte) ([]byte, error) {
	if p.closed.Load() {
		return nil, fmt.Errorf("peer is closed")
	}

	stream, err := p.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream:\n%w", err)
	}
	defer stream.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultRequestTimeout)
	}
	stream.SetDeadline(deadline)

	if err := newFrameWriter(stream).writeFrame(data); err != nil {
		return nil, fmt.Errorf("write request:\n%w", err)
	}

	response, err := newFrameReader(stream).readFrame()
	if err != nil {
		return nil, fmt.Errorf("read response:\n%w", err)
	}

	return response, nil
}

// Close closes the peer connection.
func (p *Peer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}

	return p.conn.CloseWithError(0, "closed")
}

// receiveLoop accepts the peer's streams until the connection dies.
func (p *Peer) receiveLoop() {
	go p.acceptBidiStreams(context.Background())

	for {
		stream, err := p.conn.AcceptUniStream(context.Background())
		if err != nil {
			logger.Debug("peer receive loop ended", "peer", shortID(p.id), "error", err)
			break
		}

		go p.handleUniStream(stream)
	}

	p.handleDisconnect()
}

// acceptBidiStreams accepts request/response streams.
func (p *Peer) acceptBidiStreams(ctx context.Context) {
	for {
		stream, err := p.conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		go p.handleBidiStream(stream)
	}
}

// handleBidiStream answers one request.
func (p *Peer) handleBidiStream(stream *quic.Stream) {
	defer stream.Close()

	data, err := newFrameReader(stream).readFrame()
	if err != nil {
		return
	}

	response, err := p.node.dispatchRequest(p, data)
	if err != nil {
		logger.Debug("request handler failed", "peer", shortID(p.id), "error", err)
		return
	}

	newFrameWriter(stream).writeFrame(response)
}

// handleUniStream reads framed messages off an ordered stream until it
// ends, handing each to the node in arrival order.
func (p *Peer) handleUniStream(stream *quic.ReceiveStream) {
	frames := newFrameReader(stream)

	for {
		data, err := frames.readFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("stream read ended", "peer", shortID(p.id), "error", err)
			}

			return
		}

		p.node.dispatchMessage(p, data)
	}
}

// handleDisconnect tears the peer down once.
func (p *Peer) handleDisconnect() {
	if p.closed.Swap(true) {
		return
	}

	p.node.dropPeer(p)
}
