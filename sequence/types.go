// Package sequence implements the generic proposal/response/settle state
// machine shared by pairing and session: a single parametric controller
// instantiated once per specialisation instead of two near-duplicate
// implementations.
package sequence

import (
	"context"
	"time"

	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/relay"
)

// Metadata is peer-presented display information, carried in settled
// records and lifecycle events.
type Metadata struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	URL         string   `json:"url,omitempty"`
	Icons       []string `json:"icons,omitempty"`
}

// Participant is one side of a sequence record.
type Participant struct {
	PublicKey string    `json:"publicKey"`
	Metadata  *Metadata `json:"metadata,omitempty"`
}

// Permissions is the capability set a session carries; pairing records use
// the zero value.
type Permissions struct {
	Chains        []string `json:"chains,omitempty"`
	Methods       []string `json:"methods,omitempty"`
	Notifications []string `json:"notifications,omitempty"`
}

// Record is a settled sequence: either a Pairing or a Session, keyed by its
// settled topic. A Record carried on an EventProposal names the proposal
// topic instead, since no settled topic exists yet.
type Record struct {
	Topic       string         `json:"topic"`
	Relay       relay.Protocol `json:"relay"`
	Self        Participant    `json:"self"`
	Peer        Participant    `json:"peer"`
	Permissions Permissions    `json:"permissions,omitempty"`
	Expiry      time.Time      `json:"expiry"`
	// Controller reports whether this side holds authority to issue update
	// requests — the proposer, by convention.
	Controller bool `json:"controller"`
}

// PendingStatus is the proposal lifecycle state, per the state machine.
type PendingStatus string

const (
	PendingProposed  PendingStatus = "proposed"
	PendingResponded PendingStatus = "responded"
	PendingFailed    PendingStatus = "failed"
)

// Pending is a not-yet-settled proposal, tracked from either the proposer
// or the responder side.
type Pending struct {
	Status        PendingStatus `json:"status"`
	ProposalTopic string        `json:"proposalTopic"`
	SelfPublicKey string        `json:"selfPublicKey"`
	Proposal      Record        `json:"proposal"`
	Reason        string        `json:"reason,omitempty"`
	Expiry        time.Time     `json:"expiry"`
}

// EventKind names a lifecycle moment a controller emits. The facade
// translates these into the public pairing.*/session.* event names.
type EventKind string

const (
	EventProposal     EventKind = "proposal"
	EventSettled      EventKind = "settled"
	EventUpdated      EventKind = "updated"
	EventDeleted      EventKind = "deleted"
	EventPayload      EventKind = "payload"
	EventNotification EventKind = "notification"
)

// Event is emitted on every lifecycle transition. Request is set only on
// Payload and Notification events, which also carry the settled Record of
// the topic the message arrived on; Reason is set only on Deleted events.
type Event struct {
	Kind    EventKind
	Record  Record
	Request *jsonrpc.Request
	Reason  string
}

// MethodSet names the JSON-RPC methods a specialisation speaks.
type MethodSet struct {
	Propose string
	Approve string
	Reject  string
	Update  string
	Delete  string
	Ping    string
	Payload string

	// Session-only; empty string on Pairing's MethodSet.
	Notification string
	Upgrade      string
}

// ApproveParams is the wire payload of an approve request.
type ApproveParams struct {
	PublicKey   string         `json:"publicKey"`
	Relay       relay.Protocol `json:"relay"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	Permissions Permissions    `json:"permissions,omitempty"`
}

// RejectParams is the wire payload of a reject request.
type RejectParams struct {
	Reason string `json:"reason"`
}

// DeleteParams is the wire payload of a delete request.
type DeleteParams struct {
	Reason string `json:"reason"`
}

// ProposeParams is the wire payload of a propose request.
type ProposeParams struct {
	PublicKey   string         `json:"publicKey"`
	Relay       relay.Protocol `json:"relay"`
	Metadata    *Metadata      `json:"metadata,omitempty"`
	Permissions Permissions    `json:"permissions,omitempty"`
}

// Spec parameterises Controller with the constants and validation hooks
// that differ between Pairing and Session, per the single-parametric-
// state-machine design: one generic controller type, two instantiations.
type Spec interface {
	// Kind is the storage/subscription prefix ("pairing" or "session").
	Kind() relay.SequenceKind
	// DefaultTTL is the lifetime granted to a freshly settled record.
	DefaultTTL() time.Duration
	// Methods returns the JSON-RPC method names this specialisation speaks.
	Methods() MethodSet
	// AllowedInboundMethod reports whether method may be delivered on a
	// settled record's topic as a Payload event, or must be rejected with
	// method-not-found.
	AllowedInboundMethod(rec Record, method string) bool
	// OnSettle lets a specialisation enrich a record right before it is
	// persisted and emitted (pairing's getPairingMetadata hook).
	OnSettle(ctx context.Context, rec *Record) error
	// ValidateProposal rejects malformed proposals before they are
	// accepted into pending (e.g. a session with an empty method set).
	ValidateProposal(rec Record) error
}

// CreateParams starts a new proposal on a given signal topic.
type CreateParams struct {
	ProposalTopic string
	Relay         relay.Protocol
	Permissions   Permissions
	SelfMetadata  *Metadata
	TTL           time.Duration
}

// UpdateFields carries the permissible mutable fields of a settled record.
type UpdateFields struct {
	PeerMetadata *Metadata
	Permissions  *Permissions
}
