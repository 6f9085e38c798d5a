// Package agent implements the client side of the DTN agent's wire
// protocol: a length-prefixed request/reply RPC over a local Unix stream
// socket, one request per connection.
package agent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/message"
)

// Client speaks the agent's length-prefixed protocol over a Unix domain
// socket. It is stateless between calls: each operation opens a fresh
// connection, sends one message, reads exactly one reply, and closes.
type Client struct {
	socketPath string
}

// New returns a Client bound to the given Unix socket path. The path is
// not checked for existence here; a missing socket surfaces as an error
// from Register (fatal to the caller, per the registration contract).
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) roundTrip(req []byte) ([]byte, error) {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("agent: dial %s: %w", c.socketPath, err)
	}
	defer conn.Close()

	if err := writeFramed(conn, req); err != nil {
		return nil, fmt.Errorf("agent: write request: %w", err)
	}
	reply, err := readFramed(conn)
	if err != nil {
		return nil, fmt.Errorf("agent: read reply: %w", err)
	}
	return reply, nil
}

func writeFramed(w io.Writer, payload []byte) error {
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFramed(r io.Reader) ([]byte, error) {
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint64(lenBuf[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Register sends a REGISTER request for self. A socket that does not
// exist is documented as fatal to the calling process; this function
// returns the underlying error (os.ErrNotExist-compatible) so the caller
// can exit rather than retry.
func (c *Client) Register(self eid.EID) error {
	req, err := message.EncodeRegister(message.Register{EndpointID: self})
	if err != nil {
		return fmt.Errorf("agent: encode register: %w", err)
	}
	if _, err := os.Stat(c.socketPath); err != nil && errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("agent: socket %s does not exist: %w", c.socketPath, err)
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return err
	}
	decoded, err := message.Decode(reply)
	if err != nil {
		return fmt.Errorf("agent: decode register reply: %w", err)
	}
	r, ok := decoded.(message.Reply)
	if !ok {
		return fmt.Errorf("agent: unexpected register reply type %T", decoded)
	}
	if !r.Success {
		return fmt.Errorf("agent: register rejected: %s", r.Error)
	}
	return nil
}

// Fetch requests any bundles the agent has queued for self. Non-success
// replies and transport failures are logged by the caller and treated as
// "no bundles this tick" rather than a hard error, matching the original
// scheme's tolerant polling behavior.
func (c *Client) Fetch(self eid.EID, nodeType message.NodeType) ([]message.Bundle, error) {
	req, err := message.EncodeFetch(message.Fetch{EndpointID: self, NodeType: nodeType})
	if err != nil {
		return nil, fmt.Errorf("agent: encode fetch: %w", err)
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return nil, err
	}
	decoded, err := message.Decode(reply)
	if err != nil {
		return nil, fmt.Errorf("agent: decode fetch reply: %w", err)
	}
	fr, ok := decoded.(message.FetchReply)
	if !ok {
		return nil, fmt.Errorf("agent: unexpected fetch reply type %T", decoded)
	}
	if !fr.Success {
		return nil, fmt.Errorf("agent: fetch failed: %s", fr.Error)
	}
	return fr.Bundles, nil
}

// SendBundle wraps b in a CREATE request and returns the agent's reply.
// Transport and protocol failures are surfaced to the caller; a non-success
// Reply is not an error by itself (callers decide whether that matters).
func (c *Client) SendBundle(b message.Bundle) (message.Reply, error) {
	req, err := message.EncodeCreate(message.Create{Bundle: b})
	if err != nil {
		return message.Reply{}, fmt.Errorf("agent: encode create: %w", err)
	}
	reply, err := c.roundTrip(req)
	if err != nil {
		return message.Reply{}, err
	}
	decoded, err := message.Decode(reply)
	if err != nil {
		return message.Reply{}, fmt.Errorf("agent: decode create reply: %w", err)
	}
	r, ok := decoded.(message.Reply)
	if !ok {
		return message.Reply{}, fmt.Errorf("agent: unexpected create reply type %T", decoded)
	}
	return r, nil
}
