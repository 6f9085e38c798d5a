// Package client implements the Client role: submitting jobs, querying
// their status, and putting/getting named data, all addressed to the
// relevant multicast group and, for request/reply operations, polled for
// a matching response.
package client

import (
	"context"
	"fmt"
	"time"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
	"github.com/recfabric/rec/pkg/node"
)

// PollInterval is the cadence at which a waiting operation re-fetches
// from the agent while no matching reply has arrived yet.
const PollInterval = 500 * time.Millisecond

// Client submits work and data to the fabric on behalf of an interactive
// user or script. Unlike the other roles it has no steady-state intake
// loop: every operation fetches synchronously until it sees what it is
// waiting for or ctx is canceled.
type Client struct {
	Node *node.Node
}

// New constructs a Client bound to self, reachable at socketPath.
func New(self eid.EID, socketPath string) *Client {
	return &Client{Node: node.New(self, message.NodeTypeClient, socketPath)}
}

// Register performs the one-time REGISTER handshake.
func (c *Client) Register() error {
	return c.Node.Register()
}

// Discover drives the discovery state machine by polling until the
// broker association completes or ctx is canceled, then returns the
// broker's EID.
func (c *Client) Discover(ctx context.Context) (eid.EID, error) {
	if broker, ok := c.Node.Assoc.Broker(); ok {
		return broker, nil
	}

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		for _, b := range c.Node.GetNewBundles() {
			if !b.Type.IsDiscovery() {
				continue
			}
			reply, ok := c.Node.Assoc.HandleDiscovery(c.Node.Self, c.Node.NodeType, b)
			if ok {
				c.Node.Send(reply)
			}
		}
		if broker, ok := c.Node.Assoc.Broker(); ok {
			return broker, nil
		}
		select {
		case <-ctx.Done():
			return eid.EID{}, fmt.Errorf("client: discover: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// SubmitJob sends a JOB_SUBMIT bundle to the executor multicast group.
// Submission is fire-and-forget: the fabric does not acknowledge receipt
// (see the job-submission contract discussed in design notes), so this
// returns as soon as the agent has accepted the bundle for routing.
func (c *Client) SubmitJob(j job.Job) error {
	payload, err := job.EncodeJob(j)
	if err != nil {
		return fmt.Errorf("client: encode job: %w", err)
	}
	b := message.Bundle{
		Type:        message.JobSubmit,
		Source:      c.Node.Self,
		Destination: eid.ExecMulticast,
		Success:     true,
		Submitter:   &c.Node.Self,
		Payload:     payload,
	}
	reply, err := c.Node.Agent.SendBundle(b)
	if err != nil {
		return fmt.Errorf("client: submit job: %w", err)
	}
	if !reply.Success {
		return fmt.Errorf("client: submit job rejected by agent: %s", reply.Error)
	}
	return nil
}

// Query sends a JOB_QUERY to broker and polls until a JOB_LIST reply
// arrives or ctx is canceled.
func (c *Client) Query(ctx context.Context, broker eid.EID) (job.JobList, error) {
	request := message.Bundle{
		Type:        message.JobQuery,
		Source:      c.Node.Self,
		Destination: broker,
		Success:     true,
		Submitter:   &c.Node.Self,
	}
	c.Node.Send(request)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		for _, b := range c.Node.GetNewBundles() {
			if b.Type != message.JobList {
				continue
			}
			list, err := job.DecodeJobList(b.Payload)
			if err != nil {
				log.Logger.Warn().Err(err).Msg("client: decode job_list failed")
				continue
			}
			return list, nil
		}
		select {
		case <-ctx.Done():
			return job.JobList{}, fmt.Errorf("client: query: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// PutData sends a NDATA_PUT bundle naming a single blob to the datastore
// multicast group and polls until the corresponding reply arrives.
func (c *Client) PutData(ctx context.Context, name string, data []byte) error {
	b := message.Bundle{
		Type:        message.NDataPut,
		Source:      c.Node.Self,
		Destination: eid.StoreMulticast,
		Success:     true,
		NamedData:   []string{name},
		Payload:     data,
	}
	c.Node.Send(b)

	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		for _, reply := range c.Node.GetNewBundles() {
			if reply.Type != message.NDataPut || !containsName(reply.NamedData, name) {
				continue
			}
			if !reply.Success {
				return fmt.Errorf("client: put_data %q rejected: %s", name, reply.Error)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("client: put_data %q: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// GetData sends a NDATA_GET bundle for the names under prefix and
// collects every NDATA_GET reply bundle until idleTimeout passes without
// a new one, or ctx is canceled. The datastore answers with one bundle
// per matched name, so the end of the batch is detected by a quiet
// period rather than a count.
func (c *Client) GetData(ctx context.Context, prefix string, idleTimeout time.Duration) (map[string][]byte, error) {
	b := message.Bundle{
		Type:        message.NDataGet,
		Source:      c.Node.Self,
		Destination: eid.StoreMulticast,
		Success:     true,
		NamedData:   []string{prefix},
	}
	c.Node.Send(b)

	results := make(map[string][]byte)
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		got := false
		for _, reply := range c.Node.GetNewBundles() {
			if reply.Type != message.NDataGet {
				continue
			}
			if !reply.Success {
				continue
			}
			for _, name := range reply.NamedData {
				results[name] = reply.Payload
			}
			got = true
		}
		if got {
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)
		}
		select {
		case <-ctx.Done():
			return results, fmt.Errorf("client: get_data %q: %w", prefix, ctx.Err())
		case <-idle.C:
			return results, nil
		case <-ticker.C:
		}
	}
}

func containsName(names []string, target string) bool {
	for _, n := range names {
		if n == target {
			return true
		}
	}
	return false
}
