package agent

import (
	"bytes"
	"net"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMsgpackHandle = &codec.MsgpackHandle{}

func encodeMap(t *testing.T, m map[string]interface{}) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, codec.NewEncoder(&buf, testMsgpackHandle).Encode(m))
	return buf.Bytes()
}

func bundleMap(b message.Bundle) map[string]interface{} {
	m := map[string]interface{}{
		"type":        int(b.Type),
		"source":      b.Source.String(),
		"destination": b.Destination.String(),
		"success":     b.Success,
		"error":       b.Error,
	}
	return m
}

// serveOnce accepts a single connection and replies with a fixed payload,
// regardless of what was sent, simulating the agent side of the protocol.
func serveOnce(t *testing.T, socketPath string, reply []byte) {
	t.Helper()
	ln, err := net.Listen("unix", socketPath)
	require.NoError(t, err)

	go func() {
		defer ln.Close()
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		if _, err := readFramed(conn); err != nil {
			return
		}
		_ = writeFramed(conn, reply)
	}()
}

func TestRegisterSuccess(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")

	serveOnce(t, sock, encodeMap(t, map[string]interface{}{
		"type":    int(message.TypeReply),
		"success": true,
		"error":   "",
	}))

	self, err := eid.DTN("node1", "")
	require.NoError(t, err)
	c := New(sock)
	assert.NoError(t, c.Register(self))
}

func TestRegisterRejected(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")

	serveOnce(t, sock, encodeMap(t, map[string]interface{}{
		"type":    int(message.TypeReply),
		"success": false,
		"error":   "already registered",
	}))

	self, err := eid.DTN("node1", "")
	require.NoError(t, err)
	c := New(sock)
	assert.Error(t, c.Register(self))
}

func TestRegisterMissingSocketIsFatal(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "does-not-exist.sock")

	self, err := eid.DTN("node1", "")
	require.NoError(t, err)
	c := New(sock)
	assert.Error(t, c.Register(self))
}

func TestFetchReturnsBundles(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")

	src, _ := eid.DTN("broker", "")
	dst := eid.Broadcast
	bundle := message.Bundle{Type: message.BrokerAnnounce, Source: src, Destination: dst, Success: true}

	serveOnce(t, sock, encodeMap(t, map[string]interface{}{
		"type":    int(message.TypeFetchReply),
		"success": true,
		"error":   "",
		"bundles": []interface{}{bundleMap(bundle)},
	}))

	self, _ := eid.DTN("node1", "")
	c := New(sock)
	bundles, err := c.Fetch(self, message.NodeTypeExecutor)
	require.NoError(t, err)
	require.Len(t, bundles, 1)
	assert.Equal(t, message.BrokerAnnounce, bundles[0].Type)
}

func TestFetchFailureReplyIsError(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")

	serveOnce(t, sock, encodeMap(t, map[string]interface{}{
		"type":    int(message.TypeFetchReply),
		"success": false,
		"error":   "not registered",
	}))

	self, _ := eid.DTN("node1", "")
	c := New(sock)
	_, err := c.Fetch(self, message.NodeTypeExecutor)
	assert.Error(t, err)
}

func TestSendBundleReturnsReply(t *testing.T) {
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")

	serveOnce(t, sock, encodeMap(t, map[string]interface{}{
		"type":    int(message.TypeReply),
		"success": true,
		"error":   "",
	}))

	src, _ := eid.DTN("node1", "")
	dst := eid.BrokerMulticast
	c := New(sock)
	reply, err := c.SendBundle(message.Bundle{Type: message.BrokerRequest, Source: src, Destination: dst, Success: true})
	require.NoError(t, err)
	assert.True(t, reply.Success)
}
