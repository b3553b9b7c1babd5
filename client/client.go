// Package client is the thin facade aggregating the pairing and session
// controllers behind the user-visible verbs — connect, pair, approve,
// reject, update, notify, request, respond, disconnect — and a single
// namespaced event stream, per §4.6.
package client

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/omniconnect/wc2core/internal/topiclock"
	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/observability/metrics"
	"github.com/omniconnect/wc2core/pairing"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/session"
	"github.com/omniconnect/wc2core/storage"
	"github.com/omniconnect/wc2core/uri"
	"github.com/omniconnect/wc2core/wcerr"
)

const uriVersion = 2

const sessionProposalMethod = "wc_sessionPropose"

// sessionProposalNotice is published over a settled pairing topic to tell
// the peer which topic a forthcoming session proposal will arrive on —
// the signal §4.5 describes as "pairing { topic }". The session itself
// still settles through its own ordinary propose/approve exchange once the
// peer has subscribed.
type sessionProposalNotice struct {
	Topic       string               `json:"topic"`
	Relay       relay.Protocol       `json:"relay"`
	Metadata    *sequence.Metadata   `json:"metadata,omitempty"`
	Permissions sequence.Permissions `json:"permissions,omitempty"`
}

// Config wires the collaborators the facade and both controllers it owns
// share, breaking the Client/Pairing/Session cyclic references described in
// §9 by passing this context object into each controller at construction
// rather than letting them reach back into the facade.
type Config struct {
	Relay         relay.Client
	Storage       storage.KV
	Logger        *slog.Logger
	RelayProtocol relay.Protocol
	SelfMetadata  *sequence.Metadata
	GetMetadata   pairing.MetadataProvider

	// PeerSubscribeGrace is how long Connect waits after notifying a peer
	// of a new session proposal topic before publishing the proposal onto
	// it, giving the peer's forwarder time to subscribe. relay.Memory (and
	// most minimal relay transports) have no undelivered-message backlog,
	// so this grace period stands in for what a production relay would
	// guarantee via server-side persistence. Zero uses a 75ms default.
	PeerSubscribeGrace time.Duration
}

// Event is a single namespaced lifecycle transition re-emitted from either
// controller onto the facade's unified stream, e.g. "session.created".
type Event struct {
	Name    string
	Record  sequence.Record
	Request *jsonrpc.Request
	Reason  string
	// URI is set only on a pairing.proposal event for a pairing this side
	// created itself — the out-of-band string the peer pairs against.
	URI string
}

// ConnectParams configures a new or resumed session negotiation.
type ConnectParams struct {
	// PairingTopic names an already-settled pairing to propose the session
	// over. A nil value means "create a new pairing first" — an explicit
	// check, never a truthiness/undefined comparison (§9 open question 1).
	PairingTopic *string
	SelfMetadata *sequence.Metadata
	Permissions  sequence.Permissions
}

// ConnectResult is returned once the session this call proposed has
// settled.
type ConnectResult struct {
	PairingTopic string
	SessionTopic string
	// URI is non-empty only when Connect created a new pairing; the caller
	// presents it to the peer out of band.
	URI string
}

// Client is the user-facing facade over a Pairing and a Session controller
// sharing one relay connection and storage backend.
type Client struct {
	cfg           Config
	pairing       *pairing.Pairing
	session       *session.Session
	subscriptions *relay.Registry

	events chan Event
}

// New constructs a Client. Call Start once, then Init if resuming from
// persisted state.
func New(cfg Config) *Client {
	if cfg.PeerSubscribeGrace <= 0 {
		cfg.PeerSubscribeGrace = 75 * time.Millisecond
	}
	subscriptions := relay.NewRegistry(cfg.Storage, cfg.Relay)
	deps := sequence.Deps{
		Relay:         cfg.Relay,
		Storage:       cfg.Storage,
		Subscriptions: subscriptions,
		Locks:         topiclock.New(),
		Logger:        cfg.Logger,
		Metrics:       metrics.Sequences(),
	}
	c := &Client{
		cfg:           cfg,
		subscriptions: subscriptions,
		pairing: pairing.New(pairing.Config{
			Deps:          deps,
			GetMetadata:   cfg.GetMetadata,
			RelayProtocol: cfg.RelayProtocol,
		}),
		session: session.New(session.Config{
			Deps:          deps,
			RelayProtocol: cfg.RelayProtocol,
		}),
		events: make(chan Event, 128),
	}
	return c
}

// Events streams every pairing.* and session.* transition this client
// produces, namespaced per §6's public event list.
func (c *Client) Events() <-chan Event { return c.events }

// Start launches both controllers' inbound dispatch and expiry sweeps, the
// forwarder that re-emits their events onto the unified stream, and the
// shared subscription registry's own sweep over relay-level bookkeeping.
func (c *Client) Start(ctx context.Context) {
	c.pairing.Start(ctx)
	c.session.Start(ctx)
	c.subscriptions.StartSweeper(ctx)
	go c.forwardPairingEvents(ctx)
	go c.forwardSessionEvents(ctx)
}

// Init loads the shared subscription registry from storage, then rehydrates
// pairings and sessions, which need those subscriptions to resubscribe.
func (c *Client) Init(ctx context.Context) error {
	if err := c.subscriptions.Load(); err != nil {
		return fmt.Errorf("client init: subscriptions: %w", err)
	}
	if err := c.pairing.Init(ctx); err != nil {
		return fmt.Errorf("client init: pairing: %w", err)
	}
	if err := c.session.Init(ctx); err != nil {
		return fmt.Errorf("client init: session: %w", err)
	}
	return nil
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.cfg.Logger.Warn("client event dropped, subscriber too slow", "name", ev.Name)
	}
}

func (c *Client) forwardPairingEvents(ctx context.Context) {
	for ev := range c.pairing.Events() {
		if ev.Kind == sequence.EventPayload {
			c.handlePairingPayload(ctx, ev)
			continue // not a public pairing.* event; see cross-wiring below
		}
		name, ok := pairingEventName(ev.Kind)
		if !ok {
			continue
		}
		out := Event{Name: name, Record: ev.Record, Reason: ev.Reason}
		if ev.Kind == sequence.EventProposal && ev.Record.Self.PublicKey != "" {
			out.URI = formatPairingURI(ev.Record)
		}
		c.emit(out)
	}
}

// formatPairingURI rebuilds the out-of-band URI for a pairing this side
// just proposed, from the same fields stored on the settled/pending record.
func formatPairingURI(rec sequence.Record) string {
	wireURI, err := uri.Format(uri.URI{
		Topic:      rec.Topic,
		Version:    uriVersion,
		PublicKey:  rec.Self.PublicKey,
		Controller: true,
		Relay:      uri.Relay{Protocol: rec.Relay.Protocol, Data: rec.Relay.Data},
	})
	if err != nil {
		return ""
	}
	return wireURI
}

// handlePairingPayload implements the cross-wiring of §4.6: a
// wc_sessionPropose notice arriving over a settled pairing names a topic
// the session protocol's own propose/approve exchange will shortly run on.
// Subscribing here lets that exchange proceed exactly as it would if the
// two sides had exchanged the topic out of band directly; the resulting
// session.proposal the user actually sees comes from the session
// controller's own dispatch once the real propose message arrives.
func (c *Client) handlePairingPayload(ctx context.Context, ev sequence.Event) {
	if ev.Request == nil || ev.Request.Method != sessionProposalMethod {
		return
	}
	var notice sessionProposalNotice
	if err := json.Unmarshal(ev.Request.Params, &notice); err != nil {
		c.cfg.Logger.Warn("dropping malformed session proposal notice", "error", err)
		return
	}
	if err := c.session.SubscribeProposal(ctx, notice.Topic); err != nil {
		c.cfg.Logger.Error("failed to subscribe to proposed session topic", "error", err)
	}
}

func (c *Client) forwardSessionEvents(ctx context.Context) {
	for ev := range c.session.Events() {
		name, ok := sessionEventName(ev.Kind)
		if !ok {
			continue
		}
		c.emit(Event{Name: name, Record: ev.Record, Request: ev.Request, Reason: ev.Reason})
	}
}

func pairingEventName(kind sequence.EventKind) (string, bool) {
	switch kind {
	case sequence.EventProposal:
		return "pairing.proposal", true
	case sequence.EventSettled:
		return "pairing.created", true
	case sequence.EventUpdated:
		return "pairing.updated", true
	case sequence.EventDeleted:
		return "pairing.deleted", true
	default:
		return "", false
	}
}

func sessionEventName(kind sequence.EventKind) (string, bool) {
	switch kind {
	case sequence.EventProposal:
		return "session.proposal", true
	case sequence.EventSettled:
		return "session.created", true
	case sequence.EventUpdated:
		return "session.updated", true
	case sequence.EventDeleted:
		return "session.deleted", true
	case sequence.EventPayload:
		return "session.payload", true
	case sequence.EventNotification:
		return "session.notification", true
	default:
		return "", false
	}
}

// Connect negotiates a new session, creating a pairing first when
// params.PairingTopic is nil, and returns only once the session settles.
func (c *Client) Connect(ctx context.Context, params ConnectParams) (ConnectResult, error) {
	selfMetadata := params.SelfMetadata
	if selfMetadata == nil {
		selfMetadata = c.cfg.SelfMetadata
	}

	var result ConnectResult
	pairingTopic := ""
	if params.PairingTopic == nil {
		settledPairing, wireURI, err := c.createPairingAndAwaitSettle(ctx, selfMetadata)
		if err != nil {
			return ConnectResult{}, err
		}
		pairingTopic = settledPairing.Topic
		result.URI = wireURI
	} else {
		pairingTopic = *params.PairingTopic
		if _, err := c.pairing.Get(pairingTopic); err != nil {
			return ConnectResult{}, err
		}
	}
	result.PairingTopic = pairingTopic

	sessionTopic, err := randomTopic()
	if err != nil {
		return ConnectResult{}, wcerr.New("client.connect", wcerr.StorageFailure, err)
	}

	notice := sessionProposalNotice{
		Topic:       sessionTopic,
		Relay:       c.cfg.RelayProtocol,
		Metadata:    selfMetadata,
		Permissions: params.Permissions,
	}
	if err := c.pairing.ProposeSession(ctx, pairingTopic, notice); err != nil {
		return ConnectResult{}, err
	}

	select {
	case <-time.After(c.cfg.PeerSubscribeGrace):
	case <-ctx.Done():
		return ConnectResult{}, ctx.Err()
	}

	sub, unsubscribe := c.session.Subscribe()
	defer unsubscribe()

	pending, err := c.session.Propose(ctx, sessionTopic, selfMetadata, params.Permissions)
	if err != nil {
		return ConnectResult{}, err
	}

	settled, err := awaitSettled(ctx, sub, pending.SelfPublicKey)
	if err != nil {
		return ConnectResult{}, err
	}
	result.SessionTopic = settled.Topic
	return result, nil
}

func (c *Client) createPairingAndAwaitSettle(ctx context.Context, selfMetadata *sequence.Metadata) (sequence.Record, string, error) {
	sub, unsubscribe := c.pairing.Subscribe()
	defer unsubscribe()

	pending, wireURI, err := c.pairing.Propose(ctx, selfMetadata)
	if err != nil {
		return sequence.Record{}, "", err
	}

	settled, err := awaitSettled(ctx, sub, pending.SelfPublicKey)
	if err != nil {
		return sequence.Record{}, "", wcerr.New("client.connect", wcerr.PairFailed, err)
	}
	return settled, wireURI, nil
}

// awaitSettled reads sub until an EventSettled whose Self.PublicKey matches
// selfPublicKey arrives — a reliable correlation key since every proposal
// generates a fresh ephemeral keypair.
func awaitSettled(ctx context.Context, sub <-chan sequence.Event, selfPublicKey string) (sequence.Record, error) {
	deadline := time.NewTimer(30 * time.Second)
	defer deadline.Stop()
	for {
		select {
		case ev := <-sub:
			if ev.Kind == sequence.EventSettled && ev.Record.Self.PublicKey == selfPublicKey {
				return ev.Record, nil
			}
			if ev.Kind == sequence.EventDeleted && ev.Record.Self.PublicKey == selfPublicKey {
				return sequence.Record{}, wcerr.New("client.awaitSettled", wcerr.PairFailed, fmt.Errorf("proposal failed: %s", ev.Reason))
			}
		case <-ctx.Done():
			return sequence.Record{}, ctx.Err()
		case <-deadline.C:
			return sequence.Record{}, wcerr.New("client.awaitSettled", wcerr.RpcTimeout, nil)
		}
	}
}

// Pair joins an existing pairing from a URI presented out of band. It
// returns once the pairing settles; the peer's forthcoming session proposal
// will surface as a session.proposal event for Approve/Reject.
func (c *Client) Pair(ctx context.Context, wireURI string) (string, error) {
	pending, err := c.pairing.Pair(ctx, wireURI, c.cfg.SelfMetadata)
	if err != nil {
		return "", err
	}
	return pending.Proposal.Topic, nil
}

// Approve accepts a session proposal previously surfaced via a
// session.proposal event.
func (c *Client) Approve(ctx context.Context, sessionProposalTopic string) (string, error) {
	pending, err := c.session.Approve(ctx, sessionProposalTopic, c.cfg.SelfMetadata)
	if err != nil {
		return "", err
	}
	return pending.Proposal.Topic, nil
}

// Reject declines a session proposal previously surfaced via a
// session.proposal event.
func (c *Client) Reject(ctx context.Context, sessionProposalTopic, reason string) error {
	return c.session.Reject(ctx, sessionProposalTopic, reason)
}

// Update merges fields into a settled session; the caller must hold the
// controller role (the original proposer).
func (c *Client) Update(ctx context.Context, sessionTopic string, fields sequence.UpdateFields) (sequence.Record, error) {
	return c.session.Update(ctx, sessionTopic, fields)
}

// Notify publishes a typed notification on a settled session.
func (c *Client) Notify(ctx context.Context, sessionTopic, notificationType string, data any) error {
	return c.session.Notify(ctx, sessionTopic, notificationType, data)
}

// Request sends an application-level JSON-RPC call over a settled session
// and awaits the peer's response.
func (c *Client) Request(ctx context.Context, sessionTopic, method string, params any) (jsonrpc.Response, error) {
	return c.session.Request(ctx, sessionTopic, method, params)
}

// Respond answers a previously received application-level request.
func (c *Client) Respond(ctx context.Context, sessionTopic string, resp jsonrpc.Response) error {
	return c.session.Respond(ctx, sessionTopic, resp)
}

// Disconnect tears down a settled session.
func (c *Client) Disconnect(ctx context.Context, sessionTopic, reason string) error {
	return c.session.Disconnect(ctx, sessionTopic, reason)
}

func randomTopic() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
