package domain

import "fmt"

// CheckKind identifies a node verification method.
type CheckKind string

const (
	CheckKindChain CheckKind = "chain-check"
	CheckKindSync  CheckKind = "sync-check"
)

// FailureCause classifies why a probe did not yield a usable result.
type FailureCause string

const (
	// CauseTimeout: the node did not answer within the probe deadline.
	CauseTimeout FailureCause = "timeout"
	// CauseTransport: the node was unreachable or the connection failed.
	CauseTransport FailureCause = "transport"
	// CauseAllowance: the node is over its relay allowance for the session.
	CauseAllowance FailureCause = "max_relays_exceeded"
	// CauseMalformed: the node answered but the response was not parseable
	// or carried an application-level error.
	CauseMalformed FailureCause = "malformed_response"
)

// ProbeError is a classified per-node probe failure. It is always
// non-fatal to a probing round: it removes exactly one node.
type ProbeError struct {
	Cause FailureCause
	Node  string // public key
	Err   error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.Node, e.Cause, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.Node, e.Cause)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Message returns the underlying error text, or the cause when the
// failure carries no wrapped error.
func (e *ProbeError) Message() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Cause)
}
