// Package session specialises the generic sequence controller into the
// scoped, permissioned JSON-RPC channel an application and a wallet use to
// exchange chain requests once a pairing exists between them.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/wcerr"
)

const (
	methodPropose      = "wc_sessionPropose"
	methodApprove      = "wc_sessionApprove"
	methodReject       = "wc_sessionReject"
	methodUpdate       = "wc_sessionUpdate"
	methodUpgrade      = "wc_sessionUpgrade"
	methodDelete       = "wc_sessionDelete"
	methodPing         = "wc_sessionPing"
	methodPayload      = "wc_sessionPayload"
	methodNotification = "wc_sessionNotification"

	defaultTTL = 7 * 24 * time.Hour
)

// Config wires the collaborators a Session controller needs beyond the
// generic sequence.Deps.
type Config struct {
	Deps          sequence.Deps
	RelayProtocol relay.Protocol
	TTL           time.Duration // 0 uses defaultTTL
}

type spec struct {
	cfg Config
}

func (s spec) Kind() relay.SequenceKind { return relay.SequenceKindSession }

func (s spec) DefaultTTL() time.Duration {
	if s.cfg.TTL > 0 {
		return s.cfg.TTL
	}
	return defaultTTL
}

func (s spec) Methods() sequence.MethodSet {
	return sequence.MethodSet{
		Propose:      methodPropose,
		Approve:      methodApprove,
		Reject:       methodReject,
		Update:       methodUpdate,
		Upgrade:      methodUpgrade,
		Delete:       methodDelete,
		Ping:         methodPing,
		Payload:      methodPayload,
		Notification: methodNotification,
	}
}

// AllowedInboundMethod enforces method membership before an inbound
// application JSON-RPC reaches the facade (§4.5, invariant 5 of §8).
// Notification types are checked separately by the controller's
// notification branch; the permitted chains are not checked on inbound
// messages.
func (s spec) AllowedInboundMethod(rec sequence.Record, method string) bool {
	for _, allowed := range rec.Permissions.Methods {
		if allowed == method {
			return true
		}
	}
	return false
}

func (s spec) OnSettle(ctx context.Context, rec *sequence.Record) error { return nil }

// ValidateProposal rejects a session whose method set is empty, per the
// boundary property of §8: "a session cannot be created with permissions
// whose method set is empty."
func (s spec) ValidateProposal(rec sequence.Record) error {
	if len(rec.Permissions.Methods) == 0 {
		return wcerr.New("session.validateProposal", wcerr.UnauthorizedRpcMethod, fmt.Errorf("empty method set"))
	}
	return nil
}

// Session is the typed facade over a Controller[spec].
type Session struct {
	ctrl *sequence.Controller[spec]
	cfg  Config
}

// New constructs a Session controller. Call Start before Propose/Respond so
// inbound relay traffic is dispatched.
func New(cfg Config) *Session {
	return &Session{ctrl: sequence.New(spec{cfg: cfg}, cfg.Deps), cfg: cfg}
}

// Events streams this session's lifecycle transitions.
func (s *Session) Events() <-chan sequence.Event { return s.ctrl.Events() }

// Subscribe registers an independent event stream, for a caller that must
// await a specific transition without competing with another consumer of
// Events() (see Controller.Subscribe).
func (s *Session) Subscribe() (<-chan sequence.Event, func()) { return s.ctrl.Subscribe() }

// Start launches inbound dispatch.
func (s *Session) Start(ctx context.Context) { s.ctrl.Start(ctx) }

// Init rehydrates settled/pending sessions from storage.
func (s *Session) Init(ctx context.Context) error { return s.ctrl.Init(ctx) }

// Propose creates a session proposal on topic, the proposal topic a peer
// must already be subscribed to (learned via a settled pairing's payload;
// see pairing.ProposeSession).
func (s *Session) Propose(ctx context.Context, topic string, selfMetadata *sequence.Metadata, permissions sequence.Permissions) (*sequence.Pending, error) {
	if len(permissions.Methods) == 0 {
		return nil, wcerr.New("session.propose", wcerr.UnauthorizedRpcMethod, fmt.Errorf("empty method set"))
	}
	return s.ctrl.Create(ctx, sequence.CreateParams{
		ProposalTopic: topic,
		Relay:         s.cfg.RelayProtocol,
		Permissions:   permissions,
		SelfMetadata:  selfMetadata,
		TTL:           s.cfg.TTL,
	})
}

// SubscribeProposal subscribes ahead of a proposal arriving, used by the
// side that learns of a proposal topic out of band (over a pairing) rather
// than creating it itself.
func (s *Session) SubscribeProposal(ctx context.Context, topic string) error {
	return s.ctrl.SubscribeProposal(ctx, topic)
}

// Approve accepts a received session proposal.
func (s *Session) Approve(ctx context.Context, proposalTopic string, selfMetadata *sequence.Metadata) (*sequence.Pending, error) {
	return s.ctrl.Respond(ctx, proposalTopic, true, selfMetadata, "")
}

// Reject declines a received session proposal with reason, e.g.
// "User rejected" per the scenario in §8.
func (s *Session) Reject(ctx context.Context, proposalTopic, reason string) error {
	_, err := s.ctrl.Respond(ctx, proposalTopic, false, nil, reason)
	return err
}

// Get returns the settled session record for topic.
func (s *Session) Get(topic string) (sequence.Record, error) { return s.ctrl.Get(topic) }

// Update merges permissions/peer metadata into a settled session; only the
// controller side (the original proposer) may call this.
func (s *Session) Update(ctx context.Context, topic string, fields sequence.UpdateFields) (sequence.Record, error) {
	return s.ctrl.Update(ctx, topic, fields)
}

// Disconnect tears down a settled session.
func (s *Session) Disconnect(ctx context.Context, topic, reason string) error {
	return s.ctrl.Delete(ctx, topic, reason)
}

// Request sends an application-level JSON-RPC call over topic's settled
// channel and awaits the peer's response.
func (s *Session) Request(ctx context.Context, topic, method string, params any) (jsonrpc.Response, error) {
	return s.ctrl.SendRequest(ctx, topic, method, params)
}

// Respond answers a previously received application-level request.
func (s *Session) Respond(ctx context.Context, topic string, resp jsonrpc.Response) error {
	return s.ctrl.SendResponse(ctx, topic, resp)
}

// Notify publishes a typed notification, gated by the session's permitted
// notification types.
func (s *Session) Notify(ctx context.Context, topic, notificationType string, data any) error {
	return s.ctrl.SendNotification(ctx, topic, notificationType, data)
}
