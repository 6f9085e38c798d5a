// Package eid implements endpoint identifiers: the two URI-like address
// schemes used to name nodes and services on the bundle overlay.
package eid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// nodeNamePattern matches the character class allowed for a dtn:// node
// component: RFC 3986 unreserved/sub-delim characters minus '/'.
var nodeNamePattern = regexp.MustCompile(`^[A-Za-z0-9._~!$&'()*+,;=-]+$`)

// Error reports a malformed endpoint identifier. It carries the offending
// string so callers can log or display it without re-parsing.
type Error struct {
	Input  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("eid: invalid %q: %s", e.Input, e.Reason)
}

// EID is an endpoint identifier. Its zero value is not valid; construct one
// with Parse, DTN, or IPN. EIDs compare and hash as their canonical string
// form, so two EID values are equal iff their String() values are equal.
type EID struct {
	canonical string
}

// None is the null dtn endpoint, dtn:none.
var None = EID{canonical: "dtn:none"}

// Well-known multicast group addresses, fixed by convention across all
// deployments of this fabric.
var (
	Broadcast        = mustDTN("rec.all", "~")
	BrokerMulticast  = mustDTN("rec.broker", "~")
	StoreMulticast   = mustDTN("rec.store", "~")
	ExecMulticast    = mustDTN("rec.executor", "~")
	ClientMulticast  = mustDTN("rec.client", "~")
)

func mustDTN(node, service string) EID {
	e, err := DTN(node, service)
	if err != nil {
		panic(err)
	}
	return e
}

// DTN constructs a dtn://node/service EID. An empty service normalizes to
// the root service ("dtn://node/"), matching the original scheme's
// "any service" singleton form.
func DTN(node, service string) (EID, error) {
	if node == "" {
		return EID{}, &Error{Input: node, Reason: "empty node name"}
	}
	if !nodeNamePattern.MatchString(node) {
		return EID{}, &Error{Input: node, Reason: "node name contains characters outside the allowed set"}
	}
	if node == "none" {
		return EID{}, &Error{Input: node, Reason: `"none" is reserved for the null endpoint, written "dtn:none"`}
	}
	return EID{canonical: "dtn://" + node + "/" + service}, nil
}

// IPN constructs an ipn:node.service EID. node must be >= 1, service >= 0.
func IPN(node, service int64) (EID, error) {
	if node < 1 {
		return EID{}, &Error{Input: strconv.FormatInt(node, 10), Reason: "ipn node must be >= 1"}
	}
	if service < 0 {
		return EID{}, &Error{Input: strconv.FormatInt(service, 10), Reason: "ipn service must be >= 0"}
	}
	return EID{canonical: fmt.Sprintf("ipn:%d.%d", node, service)}, nil
}

// Parse validates and normalizes a raw EID string.
func Parse(s string) (EID, error) {
	switch {
	case s == "dtn:none":
		return None, nil
	case strings.HasPrefix(s, "dtn://"):
		return parseDTN(s)
	case strings.HasPrefix(s, "ipn:"):
		return parseIPN(s)
	case strings.HasPrefix(s, "dtn:"):
		return EID{}, &Error{Input: s, Reason: `only "dtn:none" is valid without the "//" authority form`}
	default:
		return EID{}, &Error{Input: s, Reason: "unrecognized scheme (expected dtn:// or ipn:)"}
	}
}

func parseDTN(s string) (EID, error) {
	rest := strings.TrimPrefix(s, "dtn://")
	if rest == "" {
		return EID{}, &Error{Input: s, Reason: "empty dtn authority"}
	}
	node, service, found := strings.Cut(rest, "/")
	if !found {
		service = ""
	}
	return DTN(node, service)
}

func parseIPN(s string) (EID, error) {
	rest := strings.TrimPrefix(s, "ipn:")
	node, service, found := strings.Cut(rest, ".")
	if !found {
		return EID{}, &Error{Input: s, Reason: "missing node.service separator"}
	}
	n, err := strconv.ParseInt(node, 10, 64)
	if err != nil {
		return EID{}, &Error{Input: s, Reason: "non-integer ipn node"}
	}
	sv, err := strconv.ParseInt(service, 10, 64)
	if err != nil {
		return EID{}, &Error{Input: s, Reason: "non-integer ipn service"}
	}
	return IPN(n, sv)
}

// String returns the canonical wire representation of the EID.
func (e EID) String() string {
	return e.canonical
}

// IsZero reports whether e is the unconstructed zero value (not dtn:none,
// which has its own canonical form).
func (e EID) IsZero() bool {
	return e.canonical == ""
}

// IsNone reports whether e is the null endpoint, dtn:none.
func (e EID) IsNone() bool {
	return e.canonical == "dtn:none"
}

// Node returns the node component: the dtn authority or the ipn node
// number as a decimal string. Returns "" for dtn:none.
func (e EID) Node() string {
	switch {
	case e.IsNone():
		return ""
	case strings.HasPrefix(e.canonical, "dtn://"):
		rest := strings.TrimPrefix(e.canonical, "dtn://")
		node, _, _ := strings.Cut(rest, "/")
		return node
	case strings.HasPrefix(e.canonical, "ipn:"):
		rest := strings.TrimPrefix(e.canonical, "ipn:")
		node, _, _ := strings.Cut(rest, ".")
		return node
	default:
		return ""
	}
}

// Service returns the service component, or "" when not applicable.
func (e EID) Service() string {
	switch {
	case e.IsNone():
		return ""
	case strings.HasPrefix(e.canonical, "dtn://"):
		rest := strings.TrimPrefix(e.canonical, "dtn://")
		_, service, _ := strings.Cut(rest, "/")
		return service
	case strings.HasPrefix(e.canonical, "ipn:"):
		rest := strings.TrimPrefix(e.canonical, "ipn:")
		_, service, _ := strings.Cut(rest, ".")
		return service
	default:
		return ""
	}
}

// IsMulticast reports whether e names a group endpoint: a dtn service
// beginning with '~'. ipn EIDs are never multicast in this scheme.
func (e EID) IsMulticast() bool {
	return strings.HasPrefix(e.Service(), "~")
}

// Equal reports string equality, the comparison rule EIDs use throughout
// the fabric (association slots, discovered-peer sets, map keys).
func (e EID) Equal(other EID) bool {
	return e.canonical == other.canonical
}

// MarshalText implements encoding.TextMarshaler so an EID can be embedded
// directly in msgpack-tagged maps and TOML context files as a plain string.
func (e EID) MarshalText() ([]byte, error) {
	return []byte(e.canonical), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (e *EID) UnmarshalText(b []byte) error {
	parsed, err := Parse(string(b))
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}
