// Package message implements the tagged wire messages exchanged with the
// DTN agent: the outer request/reply envelope (REGISTER/FETCH/FETCH_REPLY/
// CREATE/REPLY) and the bundles it carries.
package message

import (
	"bytes"
	"fmt"
	"reflect"

	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/recfabric/rec/pkg/eid"
)

// NodeType identifies the role of a node on the overlay.
type NodeType int

const (
	NodeTypeNone      NodeType = 0
	NodeTypeBroker    NodeType = 1
	NodeTypeExecutor  NodeType = 2
	NodeTypeDatastore NodeType = 3
	NodeTypeClient    NodeType = 4
)

// MessageType tags the outer request/reply envelope sent to the agent.
type MessageType int

const (
	TypeReply       MessageType = 1
	TypeRegister    MessageType = 2
	TypeFetch       MessageType = 3
	TypeFetchReply  MessageType = 4
	TypeCreate      MessageType = 5
)

// BundleType tags the payload carried inside CREATE/FETCH_REPLY envelopes.
type BundleType int

const (
	BrokerAnnounce BundleType = 1
	BrokerRequest  BundleType = 2
	BrokerAck      BundleType = 3

	JobSubmit BundleType = 11
	JobResult BundleType = 12
	JobQuery  BundleType = 13
	JobList   BundleType = 14

	NDataPut BundleType = 21
	NDataGet BundleType = 22
	NDataDel BundleType = 23
)

// Label returns the lowercase metric-label form of a bundle type, used by
// every role's BundlesSent/BundlesReceived counters.
func (t BundleType) Label() string {
	switch t {
	case BrokerAnnounce:
		return "broker_announce"
	case BrokerRequest:
		return "broker_request"
	case BrokerAck:
		return "broker_ack"
	case JobSubmit:
		return "job_submit"
	case JobResult:
		return "job_result"
	case JobQuery:
		return "job_query"
	case JobList:
		return "job_list"
	case NDataPut:
		return "ndata_put"
	case NDataGet:
		return "ndata_get"
	case NDataDel:
		return "ndata_del"
	default:
		return "unknown"
	}
}

// IsDiscovery reports whether t is one of the three discovery bundle
// types (BROKER_ANNOUNCE/BROKER_REQUEST/BROKER_ACK) every role dispatches
// through the shared Association/PeerRegistry state machine.
func (t BundleType) IsDiscovery() bool {
	switch t {
	case BrokerAnnounce, BrokerRequest, BrokerAck:
		return true
	default:
		return false
	}
}

// InvalidMessageError reports a message whose type tag is unrecognized or
// whose required fields are missing. It carries the raw decoded map so the
// caller can log the offending payload.
type InvalidMessageError struct {
	Data map[string]interface{}
}

func (e *InvalidMessageError) Error() string {
	return fmt.Sprintf("message: invalid message: %v", e.Data)
}

var msgpackHandle = &codec.MsgpackHandle{}

func init() {
	msgpackHandle.RawToString = true
	// Encode []byte as msgpack bin (not str) so payloads decode back as bytes.
	msgpackHandle.WriteExt = true
	// Decode nested maps (bundles inside FETCH_REPLY) with string keys.
	msgpackHandle.MapType = reflect.TypeOf(map[string]interface{}(nil))
}

// Bundle is the application-layer delivery unit routed by the DTN agent.
// Optional fields (Payload, NodeType, Submitter, NamedData) are omitted
// from the wire encoding when at their zero value, matching the original
// scheme's byte-saving convention.
type Bundle struct {
	Type        BundleType
	Source      eid.EID
	Destination eid.EID
	Payload     []byte
	Success     bool
	Error       string

	// NodeType is set on BROKER_REQUEST bundles to identify the requester.
	NodeType NodeType
	// Submitter identifies the originator of a JOB_QUERY/JOB_SUBMIT.
	Submitter *eid.EID
	// NamedData lists the blob names a NDATA_PUT/NDATA_GET bundle concerns.
	// A single name round-trips as a bare string on the wire; this type
	// always normalizes it to a slice.
	NamedData []string
}

func (b Bundle) toMap() map[string]interface{} {
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
	if b.NodeType != NodeTypeNone {
		m["node_type"] = int(b.NodeType)
	}
	if b.Submitter != nil {
		m["submitter"] = b.Submitter.String()
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

func bundleFromMap(m map[string]interface{}) (Bundle, error) {
	var b Bundle

	t, err := mapInt(m, "type")
	if err != nil {
		return Bundle{}, err
	}
	b.Type = BundleType(t)

	src, err := mapEID(m, "source")
	if err != nil {
		return Bundle{}, err
	}
	b.Source = src

	dst, err := mapEID(m, "destination")
	if err != nil {
		return Bundle{}, err
	}
	b.Destination = dst

	if raw, ok := m["payload"]; ok {
		b.Payload, _ = raw.([]byte)
	}

	b.Success = true
	if raw, ok := m["success"]; ok {
		if v, ok := raw.(bool); ok {
			b.Success = v
		}
	}
	if raw, ok := m["error"]; ok {
		b.Error, _ = raw.(string)
	}
	if raw, ok := m["node_type"]; ok {
		n, err := coerceInt(raw)
		if err == nil {
			b.NodeType = NodeType(n)
		}
	}
	if raw, ok := m["submitter"]; ok {
		if s, ok := raw.(string); ok {
			sub, err := eid.Parse(s)
			if err != nil {
				return Bundle{}, err
			}
			b.Submitter = &sub
		}
	}
	if raw, ok := m["named_data"]; ok {
		switch v := raw.(type) {
		case string:
			b.NamedData = []string{v}
		case []interface{}:
			names := make([]string, 0, len(v))
			for _, item := range v {
				if s, ok := item.(string); ok {
					names = append(names, s)
				}
			}
			b.NamedData = names
		case []string:
			b.NamedData = v
		}
	}

	return b, nil
}

func mapInt(m map[string]interface{}, key string) (int64, error) {
	raw, ok := m[key]
	if !ok {
		return 0, &InvalidMessageError{Data: m}
	}
	return coerceInt(raw)
}

func coerceInt(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case uint64:
		return int64(v), nil
	case uint:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("message: field is not an integer: %T", raw)
	}
}

func mapEID(m map[string]interface{}, key string) (eid.EID, error) {
	raw, ok := m[key]
	if !ok {
		return eid.EID{}, &InvalidMessageError{Data: m}
	}
	s, ok := raw.(string)
	if !ok {
		return eid.EID{}, fmt.Errorf("message: field %q is not a string", key)
	}
	return eid.Parse(s)
}

// Register is the REGISTER request: register this process's endpoint with
// the agent.
type Register struct {
	EndpointID eid.EID
}

// Fetch is the FETCH request: ask the agent for any bundles queued for the
// registered endpoint.
type Fetch struct {
	EndpointID eid.EID
	NodeType   NodeType
}

// Create is the CREATE request: hand the agent a bundle to route.
type Create struct {
	Bundle Bundle
}

// Reply is the generic REPLY response: a success flag and, on failure, an
// error string.
type Reply struct {
	Success bool
	Error   string
}

// FetchReply is the response to a FETCH request: the bundles the agent had
// queued for delivery.
type FetchReply struct {
	Success bool
	Error   string
	Bundles []Bundle
}

// EncodeRegister packs a REGISTER request.
func EncodeRegister(r Register) ([]byte, error) {
	return marshal(map[string]interface{}{
		"type":        int(TypeRegister),
		"endpoint_id": r.EndpointID.String(),
	})
}

// EncodeFetch packs a FETCH request.
func EncodeFetch(f Fetch) ([]byte, error) {
	return marshal(map[string]interface{}{
		"type":        int(TypeFetch),
		"endpoint_id": f.EndpointID.String(),
		"node_type":   int(f.NodeType),
	})
}

// EncodeCreate packs a CREATE request wrapping a bundle.
func EncodeCreate(c Create) ([]byte, error) {
	return marshal(map[string]interface{}{
		"type":   int(TypeCreate),
		"bundle": c.Bundle.toMap(),
	})
}

func marshal(m map[string]interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, msgpackHandle)
	if err := enc.Encode(m); err != nil {
		return nil, fmt.Errorf("message: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode unpacks a tagged reply envelope (REPLY or FETCH_REPLY) received
// from the agent.
func Decode(data []byte) (interface{}, error) {
	var m map[string]interface{}
	dec := codec.NewDecoder(bytes.NewReader(data), msgpackHandle)
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("message: decode: %w", err)
	}

	rawType, ok := m["type"]
	if !ok {
		return nil, &InvalidMessageError{Data: m}
	}
	t, err := coerceInt(rawType)
	if err != nil {
		return nil, &InvalidMessageError{Data: m}
	}

	switch MessageType(t) {
	case TypeReply:
		r := Reply{Success: true}
		if v, ok := m["success"].(bool); ok {
			r.Success = v
		}
		if v, ok := m["error"].(string); ok {
			r.Error = v
		}
		return r, nil
	case TypeFetchReply:
		fr := FetchReply{Success: true}
		if v, ok := m["success"].(bool); ok {
			fr.Success = v
		}
		if v, ok := m["error"].(string); ok {
			fr.Error = v
		}
		rawBundles, _ := m["bundles"].([]interface{})
		for _, rb := range rawBundles {
			bm, ok := rb.(map[string]interface{})
			if !ok {
				continue
			}
			b, err := bundleFromMap(bm)
			if err != nil {
				return nil, err
			}
			fr.Bundles = append(fr.Bundles, b)
		}
		return fr, nil
	default:
		return nil, &InvalidMessageError{Data: m}
	}
}
