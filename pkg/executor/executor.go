// Package executor implements the Executor role: job admission, input
// gathering, WASI sandbox preparation, isolated execution, and result
// publication. It is the heart of the fabric.
package executor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/recfabric/rec/pkg/eid"
	"github.com/recfabric/rec/pkg/job"
	"github.com/recfabric/rec/pkg/log"
	"github.com/recfabric/rec/pkg/message"
	"github.com/recfabric/rec/pkg/metrics"
	"github.com/recfabric/rec/pkg/node"
	"github.com/recfabric/rec/pkg/runtime"
	"github.com/recfabric/rec/pkg/storage"
	"github.com/rs/zerolog"
)

// IntakeInterval is the ~10s cadence prescribed for the
// bundle-intake task.
const IntakeInterval = 10 * time.Second

// Executor runs admitted jobs against a WASI runtime, gathering inputs
// from Storage and publishing results back to it. pending is a FIFO
// queue of admitted-but-not-yet-run jobs; readyCond is signalled whenever
// pending or the local data cache changes, per the
// "ready_cv" design.
type Executor struct {
	Node    *node.Node
	Storage *storage.Store
	Runtime *runtime.WasiRuntime
	Metrics *metrics.Registry
	Root    string

	logger zerolog.Logger

	mu        sync.Mutex
	readyCond *sync.Cond
	pending   []job.JobInfo
	stopping  bool
}

// New constructs an Executor bound to self, reachable at socketPath, with
// its working files rooted at root.
func New(self eid.EID, socketPath, root string, rt *runtime.WasiRuntime, store *storage.Store, m *metrics.Registry) *Executor {
	e := &Executor{
		Node:    node.New(self, message.NodeTypeExecutor, socketPath),
		Storage: store,
		Runtime: rt,
		Metrics: m,
		Root:    root,
		logger:  log.WithEID(self.String()),
	}
	e.readyCond = sync.NewCond(&e.mu)
	return e
}

// Run registers with the agent, then runs the bundle-intake loop and the
// scheduler loop concurrently until ctx is canceled.
func (e *Executor) Run(ctx context.Context) error {
	if err := e.Node.Register(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.intakeLoop(ctx) }()
	go func() { defer wg.Done(); e.schedulerLoop(ctx) }()
	wg.Wait()
	return nil
}

func (e *Executor) intakeLoop(ctx context.Context) {
	ticker := time.NewTicker(IntakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.intake()
		}
	}
}

func (e *Executor) intake() {
	for _, b := range e.Node.GetNewBundles() {
		e.Metrics.IncBundleReceived(b.Type.Label())
		e.dispatch(b)
	}
}

func (e *Executor) dispatch(b message.Bundle) {
	switch {
	case b.Type.IsDiscovery():
		reply, ok := e.Node.Assoc.HandleDiscovery(e.Node.Self, e.Node.NodeType, b)
		if ok {
			e.Metrics.IncBundleSent(reply.Type.Label())
			e.Node.Send(reply)
		}
	case b.Type == message.JobSubmit:
		e.admit(b)
	case b.Type == message.NDataGet:
		e.receiveData(b)
	default:
		e.logger.Warn().Int("bundle_type", int(b.Type)).Msg("executor: unhandled bundle type")
	}
}

// admit implements the admission path: cache any data the
// submission carried, append the metadata to pending, and request
// whatever is still missing from the datastore multicast group.
func (e *Executor) admit(b message.Bundle) {
	j, err := job.DecodeJob(b.Payload)
	if err != nil {
		e.logger.Warn().Err(err).Msg("executor: decode job_submit failed")
		return
	}

	for name, data := range j.Data {
		if err := e.Storage.StoreData(name, data); err != nil {
			if _, ok := err.(*storage.NameTakenError); !ok {
				e.logger.Warn().Err(err).Str("name", name).Msg("executor: cache submitted data failed")
			}
		}
	}

	e.mu.Lock()
	e.pending = append(e.pending, j.Metadata)
	e.Metrics.SetPendingJobs(len(e.pending))
	e.readyCond.Broadcast()
	e.mu.Unlock()
	e.Metrics.IncJobsAdmitted()

	missing, err := e.Storage.FindMissing(j.Metadata.RequiredNamedData())
	if err != nil {
		e.logger.Warn().Err(err).Msg("executor: find_missing failed")
		return
	}
	if len(missing) == 0 {
		return
	}
	request := message.Bundle{
		Type:        message.NDataGet,
		Source:      e.Node.Self,
		Destination: eid.StoreMulticast,
		Success:     true,
		NamedData:   missing,
	}
	e.Metrics.IncBundleSent(request.Type.Label())
	e.Node.Send(request)
}

// receiveData caches an inbound NDATA_GET reply and wakes the scheduler.
func (e *Executor) receiveData(b message.Bundle) {
	for _, name := range b.NamedData {
		if err := e.Storage.StoreData(name, b.Payload); err != nil {
			if _, ok := err.(*storage.NameTakenError); !ok {
				e.logger.Warn().Err(err).Str("name", name).Msg("executor: store fetched data failed")
			}
		}
	}
	e.mu.Lock()
	e.readyCond.Broadcast()
	e.mu.Unlock()
}

// schedulerLoop implements the FIFO-with-rotation scheduling algorithm of
// wait while nothing is runnable, pop a runnable job (or
// rotate the whole queue once and give up for now), run it outside the
// lock, then signal and repeat.
func (e *Executor) schedulerLoop(ctx context.Context) {
	go func() {
		<-ctx.Done()
		e.mu.Lock()
		e.stopping = true
		e.readyCond.Broadcast()
		e.mu.Unlock()
	}()

	for {
		e.mu.Lock()
		var (
			runnable job.JobInfo
			found    bool
		)
		for !e.stopping {
			runnable, found = e.popRunnableLocked()
			if found {
				break
			}
			e.readyCond.Wait()
		}
		stopped := e.stopping
		e.mu.Unlock()
		if stopped && !found {
			return
		}

		e.runJob(ctx, runnable)

		e.mu.Lock()
		e.readyCond.Broadcast()
		e.mu.Unlock()
	}
}

// popRunnableLocked scans pending for a runnable job, rotating each
// non-runnable head to the tail. It must be called with e.mu held.
func (e *Executor) popRunnableLocked() (job.JobInfo, bool) {
	n := len(e.pending)
	for i := 0; i < n; i++ {
		head := e.pending[0]
		e.pending = e.pending[1:]
		if e.runnableLocked(head) {
			e.Metrics.SetPendingJobs(len(e.pending))
			return head, true
		}
		e.pending = append(e.pending, head)
	}
	return job.JobInfo{}, false
}

func (e *Executor) runnableLocked(j job.JobInfo) bool {
	missing, err := e.Storage.FindMissing(j.RequiredNamedData())
	if err != nil {
		e.logger.Warn().Err(err).Msg("executor: find_missing failed during scheduling")
		return false
	}
	if len(missing) > 0 {
		return false
	}
	return job.FromSystem(e.Root).IsCapableOf(j.Capabilities)
}

func newJobDirName() string {
	return "job-" + uuid.NewString()
}
