// Package wcerr defines the error taxonomy shared by every layer of the
// pairing/session core. Callers should match on Kind via errors.As rather
// than comparing error strings.
package wcerr

import (
	"fmt"

	"github.com/omniconnect/wc2core/jsonrpc"
)

// Kind classifies a failure the way the protocol's error taxonomy names it.
// Kind values are stable and safe to branch on; they are not error messages.
type Kind string

const (
	TransportUnavailable        Kind = "transport_unavailable"
	RpcTimeout                  Kind = "rpc_timeout"
	NoMatchingTopic              Kind = "no_matching_topic"
	ProposalAlreadyResponded     Kind = "proposal_already_responded"
	UnauthorizedRpcMethod        Kind = "unauthorized_rpc_method"
	UnauthorizedUpdate           Kind = "unauthorized_update"
	UnauthorizedNotificationType Kind = "unauthorized_notification_type"
	InvalidUri                   Kind = "invalid_uri"
	DecryptionFailure            Kind = "decryption_failure"
	StorageFailure               Kind = "storage_failure"
	Expired                      Kind = "expired"
	PairFailed                   Kind = "pair_failed"
	// PeerError is a JSON-RPC error returned by the peer that doesn't map to
	// a more specific Kind, e.g. an application-defined code.
	PeerError Kind = "peer_error"
)

// KindForRPCError maps a peer-returned JSON-RPC error code to the taxonomy
// Kind it represents, falling back to the generic PeerError for any code
// that isn't one the taxonomy gives its own name (§7: only method
// authorization gets its own Kind, every other peer error is PeerError).
func KindForRPCError(code int) Kind {
	switch code {
	case jsonrpc.CodeUnauthorized:
		return UnauthorizedRpcMethod
	case jsonrpc.CodeMethodNotFound:
		return UnauthorizedRpcMethod
	default:
		return PeerError
	}
}

// Error wraps an underlying cause with a Kind and the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, wcerr.NoMatchingTopic) work directly against a Kind
// value by treating Kind itself as a sentinel-comparable error.
func (k Kind) Error() string { return string(k) }

func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// New builds an *Error for op/kind, wrapping cause (which may be nil).
func New(op string, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Of reports the Kind carried by err, if any, and whether one was found.
func Of(err error) (Kind, bool) {
	var e *Error
	for err != nil {
		if ae, ok := err.(*Error); ok {
			e = ae
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	if e == nil {
		return "", false
	}
	return e.Kind, true
}
