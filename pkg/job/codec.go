package job

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/recfabric/rec/pkg/eid"
)

var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.RawToString = true
	// Encode []byte as msgpack bin (not str) so cached data decodes back as bytes.
	msgpackHandle.WriteExt = true
	// Decode nested maps (capabilities, env, data, ...) with string keys.
	msgpackHandle.MapType = reflect.TypeOf(map[string]interface{}(nil))
}

// EncodeJob packs a Job (JobInfo plus whatever named data the submitter
// attached) for carriage as a JOB_SUBMIT bundle payload.
func EncodeJob(j Job) ([]byte, error) {
	m := map[string]interface{}{
		"wasm_module":  j.Metadata.WasmModule,
		"capabilities": capabilitiesToMap(j.Metadata.Capabilities),
		"argv":         append([]string(nil), j.Metadata.Argv...),
		"env":          copyStringMap(j.Metadata.Env),
		"stdin_file":   j.Metadata.StdinFile,
		"dirs":         append([]string(nil), j.Metadata.Dirs...),
		"data":         copyStringMap(j.Metadata.Data),
		"stdout_file":  j.Metadata.StdoutFile,
		"stderr_file":  j.Metadata.StderrFile,
		"results":      append([]string(nil), j.Metadata.Results...),
		"named_results": copyStringMap(j.Metadata.NamedResults),
	}
	if j.Metadata.ResultsReceiver != nil {
		m["results_receiver"] = j.Metadata.ResultsReceiver.String()
	}
	if len(j.Data) > 0 {
		data := make(map[string]interface{}, len(j.Data))
		for k, v := range j.Data {
			data[k] = v
		}
		m["cached_data"] = data
	}

	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("job: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJob unpacks a Job from a JOB_SUBMIT bundle payload.
func DecodeJob(data []byte) (Job, error) {
	var m map[string]interface{}
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return Job{}, fmt.Errorf("job: decode: %w", err)
	}

	info := JobInfo{
		WasmModule: stringField(m, "wasm_module"),
		Argv:       stringSliceField(m, "argv"),
		Env:        stringMapField(m, "env"),
		StdinFile:  stringField(m, "stdin_file"),
		Dirs:       stringSliceField(m, "dirs"),
		Data:       stringMapField(m, "data"),
		StdoutFile: stringField(m, "stdout_file"),
		StderrFile: stringField(m, "stderr_file"),
		Results:    stringSliceField(m, "results"),
		NamedResults: stringMapField(m, "named_results"),
	}
	if raw, ok := m["capabilities"]; ok {
		if cm, ok := raw.(map[string]interface{}); ok {
			info.Capabilities = capabilitiesFromMap(cm)
		}
	}
	if raw, ok := m["results_receiver"]; ok {
		if s, ok := raw.(string); ok && s != "" {
			e, err := eid.Parse(s)
			if err != nil {
				return Job{}, fmt.Errorf("job: results_receiver: %w", err)
			}
			info.ResultsReceiver = &e
		}
	}

	j := Job{Metadata: info}
	if raw, ok := m["cached_data"]; ok {
		if cd, ok := raw.(map[string]interface{}); ok {
			j.Data = make(map[string][]byte, len(cd))
			for k, v := range cd {
				if b, ok := v.([]byte); ok {
					j.Data[k] = b
				}
			}
		}
	}
	return j, nil
}

func capabilitiesToMap(c Capabilities) map[string]interface{} {
	return map[string]interface{}{
		"cpu_cores":         c.CPUCores,
		"free_cpu_capacity": c.FreeCPUCapacity,
		"free_memory":       c.FreeMemory,
		"free_disk_space":   c.FreeDiskSpace,
	}
}

func capabilitiesFromMap(m map[string]interface{}) Capabilities {
	return Capabilities{
		CPUCores:        int(intField(m, "cpu_cores")),
		FreeCPUCapacity: int(intField(m, "free_cpu_capacity")),
		FreeMemory:      intField(m, "free_memory"),
		FreeDiskSpace:   intField(m, "free_disk_space"),
	}
}

func intField(m map[string]interface{}, key string) int64 {
	switch v := m[key].(type) {
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

func stringField(m map[string]interface{}, key string) string {
	s, _ := m[key].(string)
	return s
}

func stringSliceField(m map[string]interface{}, key string) []string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func stringMapField(m map[string]interface{}, key string) map[string]string {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	src, ok := raw.(map[string]interface{})
	if !ok {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

func copyStringMap(m map[string]string) map[string]interface{} {
	if len(m) == 0 {
		return map[string]interface{}{}
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// JobList is the payload of a JOB_LIST bundle: the broker's snapshot of
// completed and queued job names, answering a JOB_QUERY.
type JobList struct {
	Completed []string
	Queued    []string
}

// EncodeJobList packs a JobList for carriage as a JOB_LIST bundle payload.
func EncodeJobList(l JobList) ([]byte, error) {
	m := map[string]interface{}{
		"completed": append([]string(nil), l.Completed...),
		"queued":    append([]string(nil), l.Queued...),
	}
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("job: encode job list: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeJobList unpacks a JOB_LIST bundle payload.
func DecodeJobList(data []byte) (JobList, error) {
	var m map[string]interface{}
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return JobList{}, fmt.Errorf("job: decode job list: %w", err)
	}
	return JobList{
		Completed: stringSliceField(m, "completed"),
		Queued:    stringSliceField(m, "queued"),
	}, nil
}
