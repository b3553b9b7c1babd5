// Package pairing specialises the generic sequence controller into the
// long-lived, low-trust channel two peers establish out of band via a URI,
// over which a higher-trust session is later negotiated.
package pairing

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/uri"
	"github.com/omniconnect/wc2core/wcerr"
)

const (
	methodPropose = "wc_pairingPropose"
	methodApprove = "wc_pairingApprove"
	methodReject  = "wc_pairingReject"
	methodUpdate  = "wc_pairingUpdate"
	methodDelete  = "wc_pairingDelete"
	methodPing    = "wc_pairingPing"
	methodPayload = "wc_pairingPayload"

	uriVersion = 2

	defaultTTL = 30 * 24 * time.Hour
)

// methodAllowedOverPairing names the JSON-RPC methods a settled pairing may
// ferry. Per §4.4, anything else is rejected as UnauthorizedRpcMethod — a
// pairing exists to carry session establishment, nothing more.
var methodAllowedOverPairing = map[string]struct{}{
	"wc_sessionPropose": {},
}

// MetadataProvider supplies this peer's display metadata when a pairing
// settles, the getPairingMetadata environment hook of §4.4.
type MetadataProvider func(ctx context.Context) (sequence.Metadata, error)

// Config wires the collaborators and policy a Pairing controller needs
// beyond the generic sequence.Deps.
type Config struct {
	Deps             sequence.Deps
	GetMetadata      MetadataProvider
	RelayProtocol    relay.Protocol
	TTL              time.Duration // 0 uses defaultTTL
}

type spec struct {
	cfg Config
}

func (s spec) Kind() relay.SequenceKind { return relay.SequenceKindPairing }

func (s spec) DefaultTTL() time.Duration {
	if s.cfg.TTL > 0 {
		return s.cfg.TTL
	}
	return defaultTTL
}

func (s spec) Methods() sequence.MethodSet {
	return sequence.MethodSet{
		Propose: methodPropose,
		Approve: methodApprove,
		Reject:  methodReject,
		Update:  methodUpdate,
		Delete:  methodDelete,
		Ping:    methodPing,
		Payload: methodPayload,
	}
}

func (s spec) AllowedInboundMethod(rec sequence.Record, method string) bool {
	_, ok := methodAllowedOverPairing[method]
	return ok
}

func (s spec) OnSettle(ctx context.Context, rec *sequence.Record) error {
	if rec.Peer.Metadata != nil || s.cfg.GetMetadata == nil {
		return nil
	}
	md, err := s.cfg.GetMetadata(ctx)
	if err != nil {
		return fmt.Errorf("pairing: getPairingMetadata: %w", err)
	}
	rec.Peer.Metadata = &md
	return nil
}

func (s spec) ValidateProposal(rec sequence.Record) error {
	if rec.Peer.PublicKey == "" {
		return wcerr.New("pairing.validateProposal", wcerr.InvalidUri, fmt.Errorf("missing peer public key"))
	}
	return nil
}

// Pairing is the typed facade over a Controller[spec], giving callers
// URI-shaped verbs instead of the generic Create/Respond pair.
type Pairing struct {
	ctrl *sequence.Controller[spec]
	cfg  Config
}

// New constructs a Pairing controller. Call Start before Propose/Pair so
// inbound relay traffic is dispatched.
func New(cfg Config) *Pairing {
	return &Pairing{ctrl: sequence.New(spec{cfg: cfg}, cfg.Deps), cfg: cfg}
}

// Events streams this pairing's lifecycle transitions.
func (p *Pairing) Events() <-chan sequence.Event { return p.ctrl.Events() }

// Subscribe registers an independent event stream, for a caller that must
// await a specific transition without competing with another consumer of
// Events() (see Controller.Subscribe).
func (p *Pairing) Subscribe() (<-chan sequence.Event, func()) { return p.ctrl.Subscribe() }

// Start launches inbound dispatch.
func (p *Pairing) Start(ctx context.Context) { p.ctrl.Start(ctx) }

// Init rehydrates settled/pending pairings from storage. Call once at
// process start, after the Subscription registry has itself loaded.
func (p *Pairing) Init(ctx context.Context) error { return p.ctrl.Init(ctx) }

// Propose creates a fresh pairing topic and returns the URI a peer exchanges
// out of band to pair against it.
func (p *Pairing) Propose(ctx context.Context, selfMetadata *sequence.Metadata) (*sequence.Pending, string, error) {
	topic, err := randomTopic()
	if err != nil {
		return nil, "", wcerr.New("pairing.propose", wcerr.StorageFailure, err)
	}

	pending, err := p.ctrl.Create(ctx, sequence.CreateParams{
		ProposalTopic: topic,
		Relay:         p.cfg.RelayProtocol,
		SelfMetadata:  selfMetadata,
	})
	if err != nil {
		return nil, "", err
	}

	wireURI, err := uri.Format(uri.URI{
		Topic:      topic,
		Version:    uriVersion,
		PublicKey:  pending.SelfPublicKey,
		Controller: true,
		Relay:      uri.Relay{Protocol: p.cfg.RelayProtocol.Protocol, Data: p.cfg.RelayProtocol.Data},
	})
	if err != nil {
		return nil, "", err
	}
	return pending, wireURI, nil
}

// Pair parses a peer-presented URI, subscribes to its topic, and waits for
// the proposal it names to arrive before approving it. The caller receives
// the settled Pending only after the peer acknowledges.
func (p *Pairing) Pair(ctx context.Context, rawURI string, selfMetadata *sequence.Metadata) (*sequence.Pending, error) {
	parsed, err := uri.Parse(rawURI)
	if err != nil {
		return nil, err
	}

	if err := p.ctrl.SubscribeProposal(ctx, parsed.Topic); err != nil {
		return nil, err
	}

	if err := p.awaitProposal(ctx, parsed.Topic); err != nil {
		return nil, wcerr.New("pairing.pair", wcerr.PairFailed, err)
	}

	pending, err := p.ctrl.Respond(ctx, parsed.Topic, true, selfMetadata, "")
	if err != nil {
		return nil, wcerr.New("pairing.pair", wcerr.PairFailed, err)
	}
	return pending, nil
}

// Reject declines a received proposal before settlement.
func (p *Pairing) Reject(ctx context.Context, proposalTopic, reason string) error {
	_, err := p.ctrl.Respond(ctx, proposalTopic, false, nil, reason)
	return err
}

// awaitProposal blocks until a proposal event naming topic is observed, or
// the context is cancelled. It subscribes independently rather than reading
// Events() directly so it never races a forwarder (e.g. a facade) also
// consuming this controller's events.
func (p *Pairing) awaitProposal(ctx context.Context, topic string) error {
	sub, unsubscribe := p.ctrl.Subscribe()
	defer unsubscribe()

	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case ev := <-sub:
			if ev.Kind == sequence.EventProposal && ev.Record.Topic == topic {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return wcerr.New("pairing.awaitProposal", wcerr.RpcTimeout, nil)
		}
	}
}

// Get returns the settled pairing record for topic.
func (p *Pairing) Get(topic string) (sequence.Record, error) { return p.ctrl.Get(topic) }

// Update merges peer metadata/permissions into a settled pairing; only the
// controller side (the peer that created the URI) may call this.
func (p *Pairing) Update(ctx context.Context, topic string, fields sequence.UpdateFields) (sequence.Record, error) {
	return p.ctrl.Update(ctx, topic, fields)
}

// Delete tears down a settled pairing.
func (p *Pairing) Delete(ctx context.Context, topic, reason string) error {
	return p.ctrl.Delete(ctx, topic, reason)
}

// ProposeSession publishes a wc_sessionPropose notice over an already-settled
// pairing topic: the mechanism by which a peer learns a new session's
// proposal topic exists to pair against (§4.5 "Signal method: pairing
// { topic }"). Delivery is one-way; the session itself settles over its own
// topic via the ordinary propose/approve exchange.
func (p *Pairing) ProposeSession(ctx context.Context, pairingTopic string, sessionProposal any) error {
	return p.ctrl.PublishPayload(ctx, pairingTopic, "wc_sessionPropose", sessionProposal)
}

func randomTopic() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
