package node

import (
	"testing"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscoveryHandshake(t *testing.T) {
	broker, err := eid.DTN("broker", "")
	require.NoError(t, err)
	self, err := eid.DTN("exec1", "")
	require.NoError(t, err)

	a := &Association{}

	reply, ok := a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{
		Type:   message.BrokerAnnounce,
		Source: broker,
	})
	require.True(t, ok)
	assert.Equal(t, message.BrokerRequest, reply.Type)
	assert.Equal(t, message.NodeTypeExecutor, reply.NodeType)
	assert.True(t, reply.Destination.Equal(broker))

	_, has := a.Broker()
	assert.False(t, has)

	_, ok = a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{
		Type:   message.BrokerAck,
		Source: broker,
	})
	assert.False(t, ok)

	got, has := a.Broker()
	require.True(t, has)
	assert.True(t, got.Equal(broker))
}

func TestDiscoveryIgnoresDuplicateAnnounce(t *testing.T) {
	broker, _ := eid.DTN("broker", "")
	other, _ := eid.DTN("broker2", "")
	self, _ := eid.DTN("exec1", "")
	a := &Association{}

	_, ok := a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAnnounce, Source: broker})
	require.True(t, ok)

	_, ok = a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAnnounce, Source: other})
	assert.False(t, ok)
}

func TestAssociationMonotonic(t *testing.T) {
	broker, _ := eid.DTN("broker", "")
	other, _ := eid.DTN("broker2", "")
	self, _ := eid.DTN("exec1", "")
	a := &Association{}

	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAnnounce, Source: broker})
	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAck, Source: broker})

	got, has := a.Broker()
	require.True(t, has)
	assert.True(t, got.Equal(broker))

	// A further announce/ack from a different broker must not change it.
	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAnnounce, Source: other})
	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAck, Source: other})

	got, has = a.Broker()
	require.True(t, has)
	assert.True(t, got.Equal(broker))
}

func TestAckFromWrongSourceIgnored(t *testing.T) {
	broker, _ := eid.DTN("broker", "")
	impostor, _ := eid.DTN("not-broker", "")
	self, _ := eid.DTN("exec1", "")
	a := &Association{}

	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAnnounce, Source: broker})
	a.HandleDiscovery(self, message.NodeTypeExecutor, message.Bundle{Type: message.BrokerAck, Source: impostor})

	_, has := a.Broker()
	assert.False(t, has)
}

func TestPeerRegistryRecordsAndAcks(t *testing.T) {
	self, _ := eid.DTN("broker", "")
	peer, _ := eid.DTN("exec1", "")
	r := NewPeerRegistry()

	reply, ok := r.HandleDiscovery(self, message.Bundle{
		Type:     message.BrokerRequest,
		Source:   peer,
		NodeType: message.NodeTypeExecutor,
	})
	require.True(t, ok)
	assert.Equal(t, message.BrokerAck, reply.Type)
	assert.True(t, reply.Destination.Equal(peer))

	peers := r.Peers(message.NodeTypeExecutor)
	require.Len(t, peers, 1)
	assert.True(t, peers[0].Equal(peer))
}
