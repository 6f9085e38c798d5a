package client

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testHandle mirrors pkg/message's codec options so the fake agent reads
// strings, bytes, and nested bundle maps the way the node encodes them.
var testHandle = func() *codec.MsgpackHandle {
	h := &codec.MsgpackHandle{}
	h.RawToString = true
	h.WriteExt = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}()

// fakeAgent is a minimal stand-in for the DTN agent: it accepts
// REGISTER/CREATE unconditionally, records every bundle a CREATE
// delivers, and answers FETCH with whatever has been queued by the test
// via setFetchQueue, consuming the queue on read (matching the real
// agent's queued-delivery semantics).
type fakeAgent struct {
	mu      sync.Mutex
	created []message.Bundle
	fetchQ  []message.Bundle
}

func startFakeAgent(t *testing.T, sock string) *fakeAgent {
	t.Helper()
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	fa := &fakeAgent{}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go fa.serve(conn)
		}
	}()
	return fa
}

func (fa *fakeAgent) serve(conn net.Conn) {
	defer conn.Close()
	var lenBuf [8]byte
	if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
		return
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}

	var m map[string]interface{}
	if err := codec.NewDecoder(bytes.NewReader(buf), testHandle).Decode(&m); err != nil {
		return
	}
	reqType := asInt(m["type"])

	var out bytes.Buffer
	switch message.MessageType(reqType) {
	case message.TypeCreate:
		if bm, ok := m["bundle"].(map[string]interface{}); ok {
			if b, err := bundleFromWire(bm); err == nil {
				fa.mu.Lock()
				fa.created = append(fa.created, b)
				fa.mu.Unlock()
			}
		}
		codec.NewEncoder(&out, testHandle).Encode(map[string]interface{}{
			"type":    int(message.TypeReply),
			"success": true,
			"error":   "",
		})

	case message.TypeFetch:
		fa.mu.Lock()
		queued := fa.fetchQ
		fa.fetchQ = nil
		fa.mu.Unlock()

		bundles := make([]interface{}, 0, len(queued))
		for _, b := range queued {
			bundles = append(bundles, bundleToWire(b))
		}
		codec.NewEncoder(&out, testHandle).Encode(map[string]interface{}{
			"type":    int(message.TypeFetchReply),
			"success": true,
			"error":   "",
			"bundles": bundles,
		})

	default:
		codec.NewEncoder(&out, testHandle).Encode(map[string]interface{}{
			"type":    int(message.TypeReply),
			"success": true,
			"error":   "",
		})
	}

	var lenOut [8]byte
	binary.BigEndian.PutUint64(lenOut[:], uint64(out.Len()))
	conn.Write(lenOut[:])
	conn.Write(out.Bytes())
}

func (fa *fakeAgent) setFetchQueue(bundles []message.Bundle) {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	fa.fetchQ = bundles
}

func (fa *fakeAgent) sent() []message.Bundle {
	fa.mu.Lock()
	defer fa.mu.Unlock()
	return append([]message.Bundle(nil), fa.created...)
}

func bundleToWire(b message.Bundle) map[string]interface{} {
	m := map[string]interface{}{
		"type":        int(b.Type),
		"source":      b.Source.String(),
		"destination": b.Destination.String(),
		"success":     b.Success,
		"error":       b.Error,
	}
	if len(b.Payload) > 0 {
		m["payload"] = b.Payload
	}
	switch len(b.NamedData) {
	case 0:
	case 1:
		m["named_data"] = b.NamedData[0]
	default:
		m["named_data"] = append([]string(nil), b.NamedData...)
	}
	return m
}

func bundleFromWire(m map[string]interface{}) (message.Bundle, error) {
	var b message.Bundle
	b.Type = message.BundleType(asInt(m["type"]))
	src, err := eid.Parse(m["source"].(string))
	if err != nil {
		return b, err
	}
	b.Source = src
	if d, ok := m["destination"].(string); ok {
		dst, err := eid.Parse(d)
		if err != nil {
			return b, err
		}
		b.Destination = dst
	}
	if raw, ok := m["payload"]; ok {
		b.Payload, _ = raw.([]byte)
	}
	if raw, ok := m["named_data"]; ok {
		switch v := raw.(type) {
		case string:
			b.NamedData = []string{v}
		case []interface{}:
			for _, item := range v {
				if s, ok := item.(string); ok {
					b.NamedData = append(b.NamedData, s)
				}
			}
		}
	}
	return b, nil
}

func asInt(raw interface{}) int64 {
	switch v := raw.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func newTestClient(t *testing.T) (*Client, *fakeAgent) {
	t.Helper()
	dir := t.TempDir()
	sock := filepath.Join(dir, "agent.sock")
	fa := startFakeAgent(t, sock)

	self, err := eid.DTN("client1", "")
	require.NoError(t, err)
	return New(self, sock), fa
}

func TestSubmitJobSendsToExecMulticast(t *testing.T) {
	c, fa := newTestClient(t)

	err := c.SubmitJob(job.Job{Metadata: job.JobInfo{WasmModule: "mod.wasm"}})
	require.NoError(t, err)

	sent := fa.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, message.JobSubmit, sent[0].Type)
	assert.True(t, sent[0].Destination.Equal(eid.ExecMulticast))

	decoded, err := job.DecodeJob(sent[0].Payload)
	require.NoError(t, err)
	assert.Equal(t, "mod.wasm", decoded.Metadata.WasmModule)
}

func TestDiscoverCompletesAssociation(t *testing.T) {
	c, fa := newTestClient(t)
	broker, err := eid.DTN("broker1", "")
	require.NoError(t, err)

	fa.setFetchQueue([]message.Bundle{{Type: message.BrokerAnnounce, Source: broker}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan eid.EID, 1)
	errCh := make(chan error, 1)
	go func() {
		got, err := c.Discover(ctx)
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- got
	}()

	require.Eventually(t, func() bool {
		return len(fa.sent()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	fa.setFetchQueue([]message.Bundle{{Type: message.BrokerAck, Source: broker, Destination: c.Node.Self}})

	select {
	case got := <-resultCh:
		assert.True(t, got.Equal(broker))
	case err := <-errCh:
		t.Fatalf("discover failed: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("discover did not complete in time")
	}
}

func TestQueryReturnsJobList(t *testing.T) {
	c, fa := newTestClient(t)
	broker, err := eid.DTN("broker1", "")
	require.NoError(t, err)

	payload, err := job.EncodeJobList(job.JobList{Completed: []string{"a"}, Queued: []string{"b"}})
	require.NoError(t, err)
	fa.setFetchQueue([]message.Bundle{{Type: message.JobList, Source: broker, Payload: payload}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	list, err := c.Query(ctx, broker)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, list.Completed)
	assert.Equal(t, []string{"b"}, list.Queued)

	sent := fa.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, message.JobQuery, sent[0].Type)
}

func TestPutDataWaitsForAck(t *testing.T) {
	c, fa := newTestClient(t)

	go func() {
		require.Eventually(t, func() bool {
			return len(fa.sent()) >= 1
		}, 2*time.Second, 10*time.Millisecond)
		fa.setFetchQueue([]message.Bundle{{
			Type:      message.NDataPut,
			Success:   true,
			NamedData: []string{"blob1"},
		}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.PutData(ctx, "blob1", []byte("hello"))
	require.NoError(t, err)

	sent := fa.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, message.NDataPut, sent[0].Type)
	assert.True(t, sent[0].Destination.Equal(eid.StoreMulticast))
	assert.Equal(t, []byte("hello"), sent[0].Payload)
}

func TestPutDataReportsRejection(t *testing.T) {
	c, fa := newTestClient(t)

	go func() {
		require.Eventually(t, func() bool {
			return len(fa.sent()) >= 1
		}, 2*time.Second, 10*time.Millisecond)
		fa.setFetchQueue([]message.Bundle{{
			Type:      message.NDataPut,
			Success:   false,
			Error:     "storage: name \"blob1\" already exists",
			NamedData: []string{"blob1"},
		}})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := c.PutData(ctx, "blob1", []byte("hello"))
	require.Error(t, err)
}

func TestGetDataCollectsUntilIdle(t *testing.T) {
	c, fa := newTestClient(t)

	fa.setFetchQueue([]message.Bundle{
		{Type: message.NDataGet, Success: true, NamedData: []string{"job1/out.txt"}, Payload: []byte("one")},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	results, err := c.GetData(ctx, "job1/", 300*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), results["job1/out.txt"])
}
