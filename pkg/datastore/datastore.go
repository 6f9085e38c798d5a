// Package datastore implements the Datastore role: a thin PUT/GET
// dispatch over the content-addressed Storage engine, plus the shared
// discovery intake every non-broker role runs.
package datastore

import (
	"context"
	"time"

	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/recfabric/rec/pkg/node"
	"github.com/recfabric/rec/pkg/storage"
)

// IntakeInterval is how often the Datastore polls the agent for new
// bundles, matching the ~10s cadence every role's intake loop uses.
// intake loop.
const IntakeInterval = 10 * time.Second

// Datastore answers NDATA_PUT/NDATA_GET bundles against a Storage engine
// and, like every non-broker role, tracks its broker association.
type Datastore struct {
	Node    *node.Node
	Storage *storage.Store
	Metrics *metrics.Registry
}

// New constructs a Datastore bound to self, reachable at socketPath, and
// persisting into storage.
func New(self eid.EID, socketPath string, store *storage.Store, m *metrics.Registry) *Datastore {
	return &Datastore{
		Node:    node.New(self, message.NodeTypeDatastore, socketPath),
		Storage: store,
		Metrics: m,
	}
}

// Run registers with the agent, then alternates intake ticks until ctx is
// canceled.
func (d *Datastore) Run(ctx context.Context) error {
	if err := d.Node.Register(); err != nil {
		return err
	}

	ticker := time.NewTicker(IntakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.intake()
		}
	}
}

func (d *Datastore) intake() {
	for _, b := range d.Node.GetNewBundles() {
		d.Metrics.IncBundleReceived(b.Type.Label())
		d.dispatch(b)
	}
}

func (d *Datastore) dispatch(b message.Bundle) {
	switch {
	case b.Type.IsDiscovery():
		reply, ok := d.Node.Assoc.HandleDiscovery(d.Node.Self, d.Node.NodeType, b)
		if ok {
			d.send(reply)
		}
	case b.Type >= message.NDataPut && b.Type <= message.NDataDel:
		d.handleData(b)
	default:
		log.Logger.Warn().Int("bundle_type", int(b.Type)).Msg("datastore: unhandled bundle type")
	}
}

// handleData answers NDATA_PUT by storing each named payload (replying
// per-name with the NameTaken error when applicable), and NDATA_GET by
// answering each requested prefix with one bundle per matching entry.
func (d *Datastore) handleData(b message.Bundle) {
	switch b.Type {
	case message.NDataPut:
		for _, name := range b.NamedData {
			err := d.Storage.StoreData(name, b.Payload)
			reply := message.Bundle{
				Type:        message.NDataPut,
				Source:      d.Node.Self,
				Destination: b.Source,
				Success:     true,
				NamedData:   []string{name},
			}
			if err != nil {
				reply.Success = false
				reply.Error = err.Error()
			}
			d.send(reply)
		}
		d.reportStorageStats()

	case message.NDataGet:
		for _, name := range b.NamedData {
			entries, err := d.Storage.LoadData(name)
			if err != nil {
				log.Logger.Warn().Err(err).Str("name", name).Msg("datastore: load_data failed")
				continue
			}
			for _, e := range entries {
				d.send(message.Bundle{
					Type:        message.NDataGet,
					Source:      d.Node.Self,
					Destination: b.Source,
					Success:     true,
					NamedData:   []string{e.Name},
					Payload:     e.Data,
				})
			}
		}

	default:
		// NDATA_DEL is reserved: it is routed here and ignored.
	}
}

func (d *Datastore) reportStorageStats() {
	entries, bytes, err := d.Storage.Stats()
	if err != nil {
		log.Logger.Warn().Err(err).Msg("datastore: stats failed")
		return
	}
	d.Metrics.SetStorageStats(entries, bytes)
}

func (d *Datastore) send(b message.Bundle) {
	d.Metrics.IncBundleSent(b.Type.Label())
	d.Node.Send(b)
}
