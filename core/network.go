package core

// Network transport — a libp2p host plus three gossip topics, one per
// channel named in §6 (Reliable, Unreliable, ChunkData). Grounded directly
// on the teacher's network.go: same host/pubsub/mDNS construction, same
// topic-join-on-first-use and per-topic subscriber-goroutine pattern. NAT
// traversal and the blockchain-specific orphan-block/global-replication-
// store helpers are dropped — see the design notes for why.

import (
	"context"
	"fmt"
	"sync"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	"github.com/sirupsen/logrus"
)

// Channel names the three wire channels of §6.
type Channel string

const (
	ChannelReliable   Channel = "cosmos/reliable"
	ChannelUnreliable Channel = "cosmos/unreliable"
	ChannelChunkData  Channel = "cosmos/chunkdata"
)

// PeerID identifies a connected peer by its libp2p peer id string.
type PeerID string

// NodeConfig configures a Node's listen address, discovery tag, and seed
// peers.
type NodeConfig struct {
	ListenAddr     string
	BootstrapPeers []string
	DiscoveryTag   string
}

// WireMessage is one received pubsub message, with the channel it arrived
// on already resolved.
type WireMessage struct {
	From    PeerID
	Channel Channel
	Data    []byte
}

// Node is one libp2p-backed participant — server or client — publishing
// and subscribing across the three fixed channels.
type Node struct {
	host   host
	pubsub *pubsub.PubSub

	topicLock sync.RWMutex
	topics    map[Channel]*pubsub.Topic
	subs      map[Channel]*pubsub.Subscription

	peerLock sync.RWMutex
	peers    map[PeerID]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	cfg    NodeConfig
	log    *logrus.Logger
}

// host is the subset of libp2p's host.Host this package needs, named so
// the import of the concrete libp2p type stays confined to NewNode.
type host = interface {
	ID() peer.ID
	Connect(context.Context, peer.AddrInfo) error
	Close() error
}

// NewNode creates and bootstraps a node: a libp2p host, a gossipsub router,
// mDNS discovery under cfg.DiscoveryTag, and connections to every seed in
// cfg.BootstrapPeers.
func NewNode(cfg NodeConfig, log *logrus.Logger) (*Node, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())

	h, err := libp2p.New(libp2p.ListenAddrStrings(cfg.ListenAddr))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("network: create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		cancel()
		return nil, fmt.Errorf("network: create pubsub: %w", err)
	}

	n := &Node{
		host: h, pubsub: ps,
		topics: make(map[Channel]*pubsub.Topic),
		subs:   make(map[Channel]*pubsub.Subscription),
		peers:  make(map[PeerID]struct{}),
		ctx:    ctx, cancel: cancel, cfg: cfg, log: log,
	}

	if err := n.dialSeeds(cfg.BootstrapPeers); err != nil {
		log.Warnf("network: seed dial warning: %v", err)
	}

	mdns.NewMdnsService(h, cfg.DiscoveryTag, n)
	return n, nil
}

var _ mdns.Notifee = (*Node)(nil)

// HandlePeerFound implements mdns.Notifee: connect to a newly discovered
// peer, ignoring ourself and peers already known.
func (n *Node) HandlePeerFound(info peer.AddrInfo) {
	if info.ID == n.host.ID() {
		return
	}
	id := PeerID(info.ID.String())
	n.peerLock.RLock()
	_, known := n.peers[id]
	n.peerLock.RUnlock()
	if known {
		return
	}
	if err := n.host.Connect(n.ctx, info); err != nil {
		n.log.Warnf("network: connect to discovered peer %s: %v", id, err)
		return
	}
	n.peerLock.Lock()
	n.peers[id] = struct{}{}
	n.peerLock.Unlock()
	n.log.Infof("network: connected to %s via mDNS", id)
}

func (n *Node) dialSeeds(seeds []string) error {
	var firstErr error
	for _, addr := range seeds {
		pi, err := peer.AddrInfoFromString(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := n.host.Connect(n.ctx, *pi); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		n.peerLock.Lock()
		n.peers[PeerID(pi.ID.String())] = struct{}{}
		n.peerLock.Unlock()
	}
	return firstErr
}

// Publish joins channel on first use and publishes data on it.
func (n *Node) Publish(channel Channel, data []byte) error {
	n.topicLock.Lock()
	t, ok := n.topics[channel]
	if !ok {
		var err error
		t, err = n.pubsub.Join(string(channel))
		if err != nil {
			n.topicLock.Unlock()
			return fmt.Errorf("network: join %s: %w", channel, err)
		}
		n.topics[channel] = t
	}
	n.topicLock.Unlock()
	if err := t.Publish(n.ctx, data); err != nil {
		return fmt.Errorf("network: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe returns a channel of WireMessage delivered on channel. The
// returned channel closes if the underlying subscription errors out.
func (n *Node) Subscribe(channel Channel) (<-chan WireMessage, error) {
	n.topicLock.Lock()
	sub, ok := n.subs[channel]
	if !ok {
		t, err := n.pubsub.Join(string(channel))
		if err != nil {
			n.topicLock.Unlock()
			return nil, fmt.Errorf("network: join %s: %w", channel, err)
		}
		n.topics[channel] = t
		sub, err = t.Subscribe()
		if err != nil {
			n.topicLock.Unlock()
			return nil, fmt.Errorf("network: subscribe %s: %w", channel, err)
		}
		n.subs[channel] = sub
	}
	n.topicLock.Unlock()

	out := make(chan WireMessage)
	go func() {
		defer close(out)
		for {
			msg, err := sub.Next(n.ctx)
			if err != nil {
				return
			}
			select {
			case out <- WireMessage{From: PeerID(msg.GetFrom().String()), Channel: channel, Data: msg.Data}:
			case <-n.ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Peers returns the currently known peer ids.
func (n *Node) Peers() []PeerID {
	n.peerLock.RLock()
	defer n.peerLock.RUnlock()
	out := make([]PeerID, 0, len(n.peers))
	for id := range n.peers {
		out = append(out, id)
	}
	return out
}

// Close tears the node down.
func (n *Node) Close() error {
	n.cancel()
	return n.host.Close()
}
