package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"QuadRing/internal/logger"
	"QuadRing/internal/network"
	"QuadRing/internal/repair"
	"QuadRing/internal/ring"
	"QuadRing/internal/sampler"
)

// Unidirectional stream frames and request tags. The first payload byte
// selects the channel.
const (
	frameRepair byte = 0x01

	reqShuffle byte = 0x01
	reqHello   byte = 0x02
)

const (
	// exchangeTimeout bounds shuffle and hello requests.
	exchangeTimeout = 10 * time.Second

	// bootstrapAttempts is how many times a bootstrap address is dialled.
	bootstrapAttempts = 5
)

// The node is the network handler: every inbound frame, request and peer
// lifecycle event routes through it.

// HandleMessage implements network.Handler.
func (n *Node) HandleMessage(peer *network.Peer, data []byte) {
	if len(data) < 2 {
		return
	}

	switch data[0] {
	case frameRepair:
		n.repairer.Deliver(repair.NodeID(peer.ID()), data[1:])
	default:
		logger.Debug("unknown frame", "from", shortHex(peer.ID()), "tag", data[0])
	}
}

// HandleRequest implements network.Handler.
func (n *Node) HandleRequest(peer *network.Peer, data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty request")
	}

	switch data[0] {
	case reqShuffle:
		return n.handleShuffle(data[1:])
	case reqHello:
		return json.Marshal(descriptorToWire(n.selfDescriptor()))
	default:
		return nil, fmt.Errorf("unknown request tag %d", data[0])
	}
}

// PeerConnected implements network.Handler.
func (n *Node) PeerConnected(peer *network.Peer) {
	logger.Debug("peer connected", "peer", shortHex(peer.ID()))
}

// PeerDropped implements network.Handler.
func (n *Node) PeerDropped(peer *network.Peer) {
	logger.Debug("peer dropped", "peer", shortHex(peer.ID()))
}

// LookupAddr implements network.AddressBook over the sampler cache, so the
// transport redials exactly the peers gossip still knows about.
func (n *Node) LookupAddr(id string) (string, bool) {
	for _, d := range n.sampler.Peers() {
		if d.ID == id {
			return d.Addr, true
		}
	}

	return "", false
}

// handleShuffle answers a CYCLON exchange.
func (n *Node) handleShuffle(payload []byte) ([]byte, error) {
	received, err := decodeDescriptors(payload)
	if err != nil {
		return nil, fmt.Errorf("decode shuffle:\n%w", err)
	}

	reply := n.sampler.HandleExchange(received)

	return encodeDescriptors(reply)
}

// selfDescriptor advertises this node to the gossip layer.
func (n *Node) selfDescriptor() sampler.Descriptor {
	return sampler.Descriptor{
		ID:          n.network.ID(),
		Addr:        n.cfg.QUICAddress,
		Quadrant:    n.position.Quadrant(),
		Responsible: n.responsible,
	}
}

// bootstrap seeds the sampler from the configured known hosts.
func (n *Node) bootstrap() {
	for _, addr := range n.cfg.Bootstrap {
		if addr == "" {
			continue
		}

		go n.bootstrapFrom(addr)
	}
}

// bootstrapFrom fetches one known host's descriptor, retrying while its
// listener comes up.
func (n *Node) bootstrapFrom(addr string) {
	for attempt := 0; attempt < bootstrapAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(2 * time.Second)
		}

		peer, err := n.network.Connect(addr)
		if err != nil {
			logger.Debug("bootstrap dial failed", "addr", addr, "attempt", attempt+1, "error", err)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
		resp, err := peer.Request(ctx, []byte{reqHello})
		cancel()

		if err != nil {
			logger.Debug("bootstrap hello failed", "addr", addr, "error", err)
			continue
		}

		var wire descriptorWire
		if err := json.Unmarshal(resp, &wire); err != nil {
			logger.Warn("malformed bootstrap descriptor", "addr", addr, "error", err)
			return
		}

		desc, err := wire.descriptor()
		if err != nil {
			logger.Warn("invalid bootstrap descriptor", "addr", addr, "error", err)
			return
		}

		// The dial address is authoritative; the advertised one may be a
		// bare listen address.
		desc.Addr = addr

		n.sampler.AddPeers([]sampler.Descriptor{desc})
		logger.Info("bootstrapped from known host", "addr", addr, "peer", shortHex(desc.ID))

		return
	}

	logger.Warn("bootstrap failed after retries", "addr", addr, "attempts", bootstrapAttempts)
}

// repairTransport delivers repair frames over the QUIC layer, dialing the
// peer's advertised address when it is not yet connected.
type repairTransport struct {
	node *Node
}

func (t *repairTransport) Send(to repair.NodeID, data []byte) error {
	id := string(to)

	if t.node.network.PeerByID(id) == nil {
		addr, ok := t.node.LookupAddr(id)
		if !ok {
			return fmt.Errorf("no address for peer %s", shortHex(id))
		}

		if _, err := t.node.network.Connect(addr); err != nil {
			return fmt.Errorf("dial %s:\n%w", addr, err)
		}
	}

	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, frameRepair)
	frame = append(frame, data...)

	return t.node.network.SendTo(id, frame)
}

// samplerAdapter exposes the CYCLON cache through the repair engine's
// sampler contract.
type samplerAdapter struct {
	sampler *sampler.Sampler
}

func (a *samplerAdapter) RandomPeer() (repair.PeerInfo, bool) {
	d, ok := a.sampler.RandomPeer()
	if !ok {
		return repair.PeerInfo{}, false
	}

	return repair.PeerInfo{
		ID:          repair.NodeID(d.ID),
		Quadrant:    d.Quadrant,
		Responsible: d.Responsible,
	}, true
}

// shuffleTransport carries CYCLON exchanges over the request path.
type shuffleTransport struct {
	node *Node
}

func (t *shuffleTransport) Exchange(addr string, sent []sampler.Descriptor) ([]sampler.Descriptor, error) {
	peer := t.node.peerByAddr(addr)

	if peer == nil {
		var err error

		peer, err = t.node.network.Connect(addr)
		if err != nil {
			return nil, fmt.Errorf("dial %s:\n%w", addr, err)
		}
	}

	payload, err := encodeDescriptors(sent)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
	defer cancel()

	resp, err := peer.Request(ctx, append([]byte{reqShuffle}, payload...))
	if err != nil {
		return nil, err
	}

	return decodeDescriptors(resp)
}

// peerByAddr finds a connected peer by remote address.
func (n *Node) peerByAddr(addr string) *network.Peer {
	for _, p := range n.network.Peers() {
		if p.Address() == addr {
			return p
		}
	}

	return nil
}

// descriptorWire is the JSON shape of a sampler descriptor.
type descriptorWire struct {
	ID          string `json:"id"`
	Addr        string `json:"addr"`
	Quadrant    int    `json:"quadrant"`
	Responsible []byte `json:"responsible"`
	Age         int    `json:"age"`
}

// descriptorToWire converts a descriptor for transmission.
func descriptorToWire(d sampler.Descriptor) descriptorWire {
	iv, _ := d.Responsible.MarshalBinary() // cannot fail

	return descriptorWire{
		ID:          d.ID,
		Addr:        d.Addr,
		Quadrant:    d.Quadrant,
		Responsible: iv,
		Age:         d.Age,
	}
}

// descriptor converts a wire descriptor back.
func (w descriptorWire) descriptor() (sampler.Descriptor, error) {
	var iv ring.Interval
	if err := iv.UnmarshalBinary(w.Responsible); err != nil {
		return sampler.Descriptor{}, err
	}

	return sampler.Descriptor{
		ID:          w.ID,
		Addr:        w.Addr,
		Quadrant:    w.Quadrant,
		Responsible: iv,
		Age:         w.Age,
	}, nil
}

// encodeDescriptors serialises a descriptor slice.
func encodeDescriptors(descs []sampler.Descriptor) ([]byte, error) {
	wires := make([]descriptorWire, 0, len(descs))
	for _, d := range descs {
		wires = append(wires, descriptorToWire(d))
	}

	return json.Marshal(wires)
}

// decodeDescriptors parses a descriptor slice.
func decodeDescriptors(data []byte) ([]sampler.Descriptor, error) {
	var wires []descriptorWire
	if err := json.Unmarshal(data, &wires); err != nil {
		return nil, err
	}

	descs := make([]sampler.Descriptor, 0, len(wires))
	for _, w := range wires {
		d, err := w.descriptor()
		if err != nil {
			return nil, err
		}

		descs = append(descs, d)
	}

	return descs, nil
}

// positionFromKey derives a ring position from a public key.
func positionFromKey(pub ed25519.PublicKey) ring.Key {
	digest := blake3.Sum256(pub)

	k, _ := ring.KeyFromBytes(digest[:16]) // 16 bytes, cannot fail

	return k
}

// decodeHexKey parses a 32-character hex ring key.
func decodeHexKey(s string) (ring.Key, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return ring.Key{}, err
	}

	return ring.KeyFromBytes(raw)
}

// shortHex abbreviates an identity for logs.
func shortHex(s string) string {
	if len(s) > 16 {
		return s[:16]
	}

	return s
}
