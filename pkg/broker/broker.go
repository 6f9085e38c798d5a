// Package broker implements the Broker role: periodic self-announcement,
// the broker half of peer discovery, the JOB_QUERY/JOB_LIST contract
// (answered with empty lists), and a reserved scheduler stub.
package broker

import (
	"context"
	"sync"
	"time"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/recfabric/rec/pkg/node"
)

// AnnounceInterval and IntakeInterval are the ~10s cadences
// prescribes for the announcer and intake tasks.
const (
	AnnounceInterval = 10 * time.Second
	IntakeInterval   = 10 * time.Second
)

// Broker discovers peers via the PeerRegistry half of the discovery state
// machine, answers JOB_QUERY, and runs a reserved scheduler stub.
type Broker struct {
	Self    eid.EID
	Node    *node.Node
	Peers   *node.PeerRegistry
	Metrics *metrics.Registry

	schedMu sync.Mutex
}

// New constructs a Broker bound to self, reachable at socketPath.
func New(self eid.EID, socketPath string, m *metrics.Registry) *Broker {
	return &Broker{
		Self:    self,
		Node:    node.New(self, message.NodeTypeBroker, socketPath),
		Peers:   node.NewPeerRegistry(),
		Metrics: m,
	}
}

// Run registers with the agent and then runs the announcer, intake, and
// scheduler tasks until ctx is canceled.
func (b *Broker) Run(ctx context.Context) error {
	if err := b.Node.Register(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); b.announceLoop(ctx) }()
	go func() { defer wg.Done(); b.intakeLoop(ctx) }()
	go func() { defer wg.Done(); b.schedulerLoop(ctx) }()
	wg.Wait()
	return nil
}

// announceLoop broadcasts a BROKER_ANNOUNCE bundle every AnnounceInterval.
// A send failure is logged and retried on the next tick, per the
// §4.4's "failures are logged and retried" rule.
func (b *Broker) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.announce()
		}
	}
}

func (b *Broker) announce() {
	announcement := message.Bundle{
		Type:        message.BrokerAnnounce,
		Source:      b.Self,
		Destination: eid.Broadcast,
		Success:     true,
	}
	b.Metrics.IncBundleSent(announcement.Type.Label())
	b.Node.Send(announcement)
}

func (b *Broker) intakeLoop(ctx context.Context) {
	ticker := time.NewTicker(IntakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.intake()
		}
	}
}

func (b *Broker) intake() {
	for _, bundle := range b.Node.GetNewBundles() {
		b.Metrics.IncBundleReceived(bundle.Type.Label())
		b.dispatch(bundle)
	}
}

func (b *Broker) dispatch(bundle message.Bundle) {
	switch {
	case bundle.Type.IsDiscovery():
		reply, ok := b.Peers.HandleDiscovery(b.Self, bundle)
		if ok {
			b.Metrics.IncBundleSent(reply.Type.Label())
			b.Node.Send(reply)
		}
	case bundle.Type == message.JobQuery:
		b.handleJobQuery(bundle)
	default:
		log.Logger.Warn().Int("bundle_type", int(bundle.Type)).Msg("broker: unhandled bundle type")
	}
}

// handleJobQuery answers a JOB_QUERY with a JOB_LIST bundle carrying the
// packed {completed, queued} name lists. The broker's scheduler is a
// reserved stub, so both lists are always empty; the
// contract this method implements is the wire shape, not job routing.
func (b *Broker) handleJobQuery(bundle message.Bundle) {
	payload, err := job.EncodeJobList(job.JobList{})
	if err != nil {
		log.Logger.Warn().Err(err).Msg("broker: encode job list failed")
		return
	}
	reply := message.Bundle{
		Type:        message.JobList,
		Source:      b.Self,
		Destination: bundle.Source,
		Success:     true,
		Payload:     payload,
	}
	b.Metrics.IncBundleSent(reply.Type.Label())
	b.Node.Send(reply)
}

// schedulerLoop is the only sanctioned out-of-scope stub in this fabric
// it takes the writer lock every tick and does
// nothing, reserved for a future job-routing implementation.
func (b *Broker) schedulerLoop(ctx context.Context) {
	ticker := time.NewTicker(AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.schedMu.Lock()
			b.schedMu.Unlock() //nolint:staticcheck // deliberate no-op, reserved for future scheduling policy
		}
	}
}
