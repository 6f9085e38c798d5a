// Package job defines the job specification and resource-capability
// model the Executor schedules against.
package job

import (
	"runtime"
	"syscall"

	"github.com/recfabric/rec/pkg/eid"
)

// Capabilities describes required or available system resources. Each
// core contributes 100 units of CPU capacity.
type Capabilities struct {
	CPUCores        int
	FreeCPUCapacity int
	FreeMemory      int64
	FreeDiskSpace   int64
}

// IsCapableOf reports whether this capability set satisfies req
// component-wise: every field of s must be >= the corresponding field
// of req. A capability set is always capable of itself.
func (s Capabilities) IsCapableOf(req Capabilities) bool {
	return s.CPUCores >= req.CPUCores &&
		s.FreeCPUCapacity >= req.FreeCPUCapacity &&
		s.FreeMemory >= req.FreeMemory &&
		s.FreeDiskSpace >= req.FreeDiskSpace
}

// FromSystem samples the current system's resources: CPU core count,
// available memory, and free disk space on the filesystem holding root.
// FreeCPUCapacity is reported as cores*100; current CPU load is not
// sampled. The sample is a snapshot: callers accept
// that it may be stale by the time a job actually runs.
func FromSystem(root string) Capabilities {
	cores := runtime.NumCPU()

	var stat syscall.Statfs_t
	var freeDisk int64
	if err := syscall.Statfs(root, &stat); err == nil {
		freeDisk = int64(stat.Bavail) * int64(stat.Bsize)
	}

	freeMem := freeMemoryBytes()

	return Capabilities{
		CPUCores:        cores,
		FreeCPUCapacity: cores * 100,
		FreeMemory:      freeMem,
		FreeDiskSpace:   freeDisk,
	}
}

// JobInfo is the complete specification for a WASI job execution request.
type JobInfo struct {
	WasmModule      string
	Capabilities    Capabilities
	Argv            []string
	Env             map[string]string
	StdinFile       string // empty means unset
	Dirs            []string
	Data            map[string]string // sandbox path -> named blob
	StdoutFile      string
	StderrFile      string
	Results         []string          // sandbox paths packed into results.zip
	NamedResults    map[string]string // sandbox path -> output name
	ResultsReceiver *eid.EID
}

// RequiredNamedData returns every named blob this job needs before it can
// run: the wasm module, the optional stdin file, and every value in Data.
// Duplicates collapse (the return is a de-duplicated slice).
func (j JobInfo) RequiredNamedData() []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(name string) {
		if name == "" {
			return
		}
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		out = append(out, name)
	}

	add(j.WasmModule)
	add(j.StdinFile)
	for _, name := range j.Data {
		add(name)
	}
	return out
}

// Job bundles a JobInfo with whatever binary data accompanied its
// submission. Any required name absent from Data must be fetched from
// the datastore multicast group before the job can run.
type Job struct {
	Metadata JobInfo
	Data     map[string][]byte
}

// HasAllData reports whether every name JobInfo.RequiredNamedData lists
// has a corresponding entry in Data.
func (j Job) HasAllData() bool {
	return len(j.MissingData()) == 0
}

// MissingData returns the required names with no corresponding entry in
// Data.
func (j Job) MissingData() []string {
	var missing []string
	for _, name := range j.Metadata.RequiredNamedData() {
		if _, ok := j.Data[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
