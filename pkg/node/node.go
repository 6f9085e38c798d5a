// Package node implements the peer-discovery state machine shared by every
// non-broker role (Datastore, Executor, Client), and the common
// register/fetch/send plumbing each role builds on.
//
// The shared half is expressed as a small type holding the node's
// association slots by value behind a mutex, rather than as a base class:
// each role embeds an *Association and calls HandleDiscovery from its own
// bundle-dispatch loop.
package node

import (
	"sync"

	"github.com/recfabric/rec/pkg/agent"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
)

// Association holds a non-broker node's two discovery slots and the lock
// that serializes transitions between them. Both slots start empty; once
// Broker is set it never changes again for the lifetime of the process.
type Association struct {
	mu            sync.RWMutex
	brokerPending *eid.EID
	broker        *eid.EID
}

// Broker returns the associated broker's EID, or the zero value and false
// if discovery has not completed yet.
func (a *Association) Broker() (eid.EID, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.broker == nil {
		return eid.EID{}, false
	}
	return *a.broker, true
}

// HandleDiscovery applies the transition table in the discovery state
// machine to an inbound bundle. self is the source and nodeType the
// node_type of any emitted BROKER_REQUEST. It returns the bundle to
// emit in response, or false if no reply is warranted.
func (a *Association) HandleDiscovery(self eid.EID, nodeType message.NodeType, b message.Bundle) (message.Bundle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch b.Type {
	case message.BrokerAnnounce:
		if a.brokerPending == nil && a.broker == nil {
			src := b.Source
			a.brokerPending = &src
			return message.Bundle{
				Type:        message.BrokerRequest,
				Source:      self,
				Destination: src,
				Success:     true,
				NodeType:    nodeType,
			}, true
		}
		// Already pending or associated: ignore duplicate announcements.
		return message.Bundle{}, false

	case message.BrokerAck:
		if a.brokerPending == nil || a.broker != nil {
			return message.Bundle{}, false
		}
		if b.Source.Equal(*a.brokerPending) {
			broker := *a.brokerPending
			a.broker = &broker
			a.brokerPending = nil
		} else {
			log.Logger.Warn().Str("pending", a.brokerPending.String()).Str("got", b.Source.String()).
				Msg("BROKER_ACK from unexpected source, ignoring")
		}
		return message.Bundle{}, false

	default:
		return message.Bundle{}, false
	}
}

// PeerRegistry is the broker's half of the discovery state machine: it
// records discovered peers by role and acknowledges BROKER_REQUEST
// bundles. Brokers ignore their own and other brokers' announcements.
type PeerRegistry struct {
	mu    sync.RWMutex
	peers map[message.NodeType]map[string]eid.EID
}

// NewPeerRegistry returns an empty registry.
func NewPeerRegistry() *PeerRegistry {
	return &PeerRegistry{peers: make(map[message.NodeType]map[string]eid.EID)}
}

// HandleDiscovery processes a discovery bundle from the broker's side. On
// BROKER_REQUEST it records the peer and returns a BROKER_ACK to send
// back; on BROKER_ANNOUNCE (an echo from another broker, or its own) it
// does nothing.
func (r *PeerRegistry) HandleDiscovery(self eid.EID, b message.Bundle) (message.Bundle, bool) {
	switch b.Type {
	case message.BrokerRequest:
		r.mu.Lock()
		byNode, ok := r.peers[b.NodeType]
		if !ok {
			byNode = make(map[string]eid.EID)
			r.peers[b.NodeType] = byNode
		}
		byNode[b.Source.String()] = b.Source
		r.mu.Unlock()

		return message.Bundle{
			Type:        message.BrokerAck,
			Source:      self,
			Destination: b.Source,
			Success:     true,
		}, true
	default:
		return message.Bundle{}, false
	}
}

// Peers returns a snapshot of discovered peers of the given role.
func (r *PeerRegistry) Peers(nodeType message.NodeType) []eid.EID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byNode := r.peers[nodeType]
	out := make([]eid.EID, 0, len(byNode))
	for _, e := range byNode {
		out = append(out, e)
	}
	return out
}

// Node is the shared machinery every role wires in: identity, the agent
// transport, and (for non-broker roles) the discovery association.
type Node struct {
	Self     eid.EID
	NodeType message.NodeType
	Agent    *agent.Client
	Assoc    *Association
}

// New constructs a Node bound to the given identity and agent socket.
func New(self eid.EID, nodeType message.NodeType, socketPath string) *Node {
	return &Node{
		Self:     self,
		NodeType: nodeType,
		Agent:    agent.New(socketPath),
		Assoc:    &Association{},
	}
}

// Register performs the one-time REGISTER handshake. A missing agent
// socket is fatal to the process, per the registration contract: callers
// are expected to log and exit on error rather than retry.
func (n *Node) Register() error {
	return n.Agent.Register(n.Self)
}

// GetNewBundles fetches and returns any bundles queued for this node.
// Transport failures are logged and treated as an empty batch so the
// periodic intake loop simply tries again next tick.
func (n *Node) GetNewBundles() []message.Bundle {
	bundles, err := n.Agent.Fetch(n.Self, n.NodeType)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("fetch failed, treating as empty batch")
		return nil
	}
	return bundles
}

// Send wraps b in a CREATE request and logs (rather than returns) a
// transport failure, matching the fire-and-forget posture the announcer
// and reply paths use throughout the fabric.
func (n *Node) Send(b message.Bundle) {
	reply, err := n.Agent.SendBundle(b)
	if err != nil {
		log.Logger.Warn().Err(err).Msg("send_bundle failed")
		return
	}
	if !reply.Success {
		log.Logger.Warn().Str("error", reply.Error).Msg("agent rejected bundle")
	}
}
