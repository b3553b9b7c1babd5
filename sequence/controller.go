package sequence

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/omniconnect/wc2core/cryptox"
	"github.com/omniconnect/wc2core/internal/topiclock"
	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/observability/metrics"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/storage"
	"github.com/omniconnect/wc2core/wcerr"
)

// Deps are the collaborators every Controller needs, passed in at
// construction rather than reached for, so Pairing and Session controllers
// never hold a back-reference into the facade that owns them.
type Deps struct {
	Relay         relay.Client
	Storage       storage.KV
	Subscriptions *relay.Registry
	Locks         *topiclock.Registry
	Logger        *slog.Logger
	// Metrics is optional; a nil value disables recording (every method on
	// *metrics.SequenceMetrics tolerates a nil receiver).
	Metrics *metrics.SequenceMetrics
}

// Controller is the generic proposal/response/settle state machine,
// parameterised by a Spec describing one specialisation's constants and
// hooks.
type Controller[S Spec] struct {
	spec S
	deps Deps

	mu      sync.RWMutex
	pending map[string]*Pending // keyed by proposal topic, proposer side
	incoming map[string]Record  // keyed by proposal topic, responder side, pre-respond()
	keypairs map[string]cryptox.KeyPair // proposal topic -> this side's ephemeral keypair
	settled map[string]*Record // keyed by settled topic
	proposedAt map[string]time.Time // proposal topic -> Create()/handleInboundPropose() time, for settle-latency

	subMu     sync.Mutex
	events    chan Event // the default subscription returned by Events()
	listeners []chan Event

	idCounter uint64
}

// sweepInterval is how often Start's background sweep checks settled and
// pending records for expiry, matching relay.Registry's own sweep cadence.
const sweepInterval = time.Second

// New constructs a Controller for spec, wiring deps but not yet starting
// the dispatch loop (call Start once the facade is ready to receive
// events).
func New[S Spec](spec S, deps Deps) *Controller[S] {
	events := make(chan Event, 64)
	return &Controller[S]{
		spec:      spec,
		deps:      deps,
		pending:   make(map[string]*Pending),
		incoming:  make(map[string]Record),
		keypairs:  make(map[string]cryptox.KeyPair),
		settled:   make(map[string]*Record),
		proposedAt: make(map[string]time.Time),
		events:    events,
		listeners: []chan Event{events},
		idCounter: randomSeed(),
	}
}

func randomSeed() uint64 {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return binary.BigEndian.Uint64(buf[:])
}

func (c *Controller[S]) nextID() uint64 {
	return atomic.AddUint64(&c.idCounter, 1)
}

// Events streams every lifecycle transition this controller produces, on the
// default subscription shared by every caller of Events(). Callers that need
// an independent stream — e.g. a helper that must await one specific event
// without racing a separately-running forwarder over the same channel —
// should use Subscribe instead.
func (c *Controller[S]) Events() <-chan Event {
	return c.events
}

// Subscribe registers an additional, independent event stream fed by the
// same fan-out as Events(), and returns an unsubscribe func to release it.
// Every registered stream receives its own copy of each event.
func (c *Controller[S]) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	c.subMu.Lock()
	c.listeners = append(c.listeners, ch)
	c.subMu.Unlock()

	unsubscribe := func() {
		c.subMu.Lock()
		for i, l := range c.listeners {
			if l == ch {
				c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
				break
			}
		}
		c.subMu.Unlock()
		close(ch)
	}
	return ch, unsubscribe
}

func (c *Controller[S]) emit(ev Event) {
	c.deps.Metrics.RecordTransition(string(c.spec.Kind()), string(ev.Kind))

	c.subMu.Lock()
	listeners := append([]chan Event(nil), c.listeners...)
	c.subMu.Unlock()
	for _, ch := range listeners {
		select {
		case ch <- ev:
		default:
			c.deps.Logger.Warn("sequence event dropped, subscriber too slow", "kind", ev.Kind)
		}
	}
}

// newErr builds a wcerr.Error for op/kind/cause and records it against the
// error-kind counter in the same place, so every failure this Controller
// returns is also observable via metrics.
func (c *Controller[S]) newErr(op string, kind wcerr.Kind, cause error) *wcerr.Error {
	c.deps.Metrics.RecordError(string(c.spec.Kind()), string(kind))
	return wcerr.New(op, kind, cause)
}

// Start launches the background goroutines dispatching inbound relay
// messages and sweeping expired records for this controller. Call once per
// process per Controller.
func (c *Controller[S]) Start(ctx context.Context) {
	go c.dispatchLoop(ctx)
	go c.sweepLoop(ctx)
}

// sweepLoop periodically drops settled and pending records past their
// expiry, matching relay.Registry's own sweep cadence so a settled record's
// subscription and its sequence-level bookkeeping expire together.
func (c *Controller[S]) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

func (c *Controller[S]) sweepExpired(ctx context.Context) {
	now := time.Now()

	c.mu.RLock()
	var expiredSettled, expiredPending []string
	for topic, rec := range c.settled {
		if now.After(rec.Expiry) {
			expiredSettled = append(expiredSettled, topic)
		}
	}
	for topic, p := range c.pending {
		if now.After(p.Expiry) {
			expiredPending = append(expiredPending, topic)
		}
	}
	c.mu.RUnlock()

	for _, topic := range expiredSettled {
		if err := c.Delete(ctx, topic, "expired"); err != nil {
			c.deps.Logger.Error("sweep: expire settled record failed", "topic", topic, "error", err)
		}
	}
	for _, topic := range expiredPending {
		c.expirePending(topic)
	}
}

// expirePending drops a pending record discovered past its expiry by the
// sweep. Pending records have no subscription/storage shape in common with
// Delete (no symmetric key, no settled-key prefix), so this mirrors
// removePending and then emits a Deleted event with reason "expired".
func (c *Controller[S]) expirePending(topic string) {
	unlock := c.deps.Locks.Lock(topic)
	defer unlock()

	c.mu.Lock()
	p, ok := c.pending[topic]
	if !ok || !time.Now().After(p.Expiry) {
		c.mu.Unlock()
		return
	}
	delete(c.pending, topic)
	delete(c.keypairs, topic)
	delete(c.proposedAt, topic)
	c.mu.Unlock()
	_ = c.deps.Storage.Delete(storage.PendingKey(storage.Prefix(c.spec.Kind()), topic))

	c.emit(Event{Kind: EventDeleted, Record: p.Proposal, Reason: "expired"})
}

func (c *Controller[S]) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.deps.Relay.Messages():
			if !ok {
				return
			}
			c.handleInbound(ctx, msg)
		}
	}
}

func (c *Controller[S]) handleInbound(ctx context.Context, msg relay.InboundMessage) {
	var probe struct {
		ID     uint64          `json:"id"`
		Method string          `json:"method"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(msg.Payload, &probe); err != nil {
		c.deps.Logger.Warn("dropping undecodable inbound envelope", "topic", msg.Topic)
		return
	}
	if probe.Method == "" {
		return // a bare response with nothing waiting on it; ignore
	}

	methods := c.spec.Methods()
	switch probe.Method {
	case methods.Propose:
		c.handleInboundPropose(ctx, msg.Topic, probe.ID, probe.Params)
	case methods.Approve, methods.Reject:
		c.handleInboundProposalResponse(ctx, msg.Topic, probe.ID, probe.Method, probe.Params)
	default:
		c.handleInboundSettledMessage(ctx, msg.Topic, probe.ID, probe.Method, probe.Params)
	}
}

// SubscribeProposal subscribes to a proposal topic ahead of a propose
// arriving on it, e.g. a responder acting on an out-of-band signal (a
// pairing URI, or a settled pairing's payload naming a session topic)
// before any message has been published there.
func (c *Controller[S]) SubscribeProposal(ctx context.Context, topic string) error {
	if _, err := c.deps.Relay.Subscribe(ctx, topic, nil); err != nil {
		return c.newErr("sequence.subscribeProposal", wcerr.TransportUnavailable, err)
	}
	return nil
}

// Create generates an ephemeral keypair, publishes a proposal on the given
// topic, and tracks it as Pending(Proposed).
func (c *Controller[S]) Create(ctx context.Context, params CreateParams) (*Pending, error) {
	keypair, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, c.newErr("sequence.create", wcerr.StorageFailure, err)
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = c.spec.DefaultTTL()
	}

	if _, err := c.deps.Relay.Subscribe(ctx, params.ProposalTopic, nil); err != nil {
		return nil, c.newErr("sequence.create", wcerr.TransportUnavailable, err)
	}

	proposal := Record{
		Topic:       params.ProposalTopic,
		Relay:       params.Relay,
		Self:        Participant{PublicKey: keypair.PublicKeyHex(), Metadata: params.SelfMetadata},
		Permissions: params.Permissions,
		Expiry:      time.Now().Add(ttl).UTC(),
	}

	wire := ProposeParams{
		PublicKey:   keypair.PublicKeyHex(),
		Relay:       params.Relay,
		Metadata:    params.SelfMetadata,
		Permissions: params.Permissions,
	}
	req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Propose, wire)
	if err != nil {
		return nil, err
	}
	if err := c.deps.Relay.Publish(ctx, params.ProposalTopic, mustMarshal(req), relay.PublishOptions{Relay: params.Relay}); err != nil {
		return nil, c.newErr("sequence.create", wcerr.TransportUnavailable, err)
	}

	pending := &Pending{
		Status:        PendingProposed,
		ProposalTopic: params.ProposalTopic,
		SelfPublicKey: keypair.PublicKeyHex(),
		Proposal:      proposal,
		Expiry:        proposal.Expiry,
	}

	c.mu.Lock()
	c.pending[params.ProposalTopic] = pending
	c.keypairs[params.ProposalTopic] = keypair
	c.proposedAt[params.ProposalTopic] = time.Now()
	c.mu.Unlock()

	if err := c.persistPending(pending); err != nil {
		c.deps.Logger.Error("persist pending proposal failed", "error", err)
	}

	c.emit(Event{Kind: EventProposal, Record: proposal})
	return pending, nil
}

// handleInboundPropose is the responder side receiving a fresh proposal.
func (c *Controller[S]) handleInboundPropose(ctx context.Context, topic string, id uint64, raw json.RawMessage) {
	var params ProposeParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.deps.Logger.Warn("dropping malformed propose", "topic", topic)
		return
	}
	proposal := Record{
		Topic:       topic,
		Relay:       params.Relay,
		Peer:        Participant{PublicKey: params.PublicKey, Metadata: params.Metadata},
		Permissions: params.Permissions,
		Expiry:      time.Now().Add(c.spec.DefaultTTL()).UTC(),
	}
	if err := c.spec.ValidateProposal(proposal); err != nil {
		c.deps.Logger.Warn("rejecting invalid proposal", "topic", topic, "error", err)
		return
	}

	c.mu.Lock()
	c.incoming[topic] = proposal
	c.proposedAt[topic] = time.Now()
	c.mu.Unlock()

	c.emit(Event{Kind: EventProposal, Record: proposal})
}

// handleInboundProposalResponse is the proposer side receiving the
// responder's approve or reject.
func (c *Controller[S]) handleInboundProposalResponse(ctx context.Context, topic string, id uint64, method string, raw json.RawMessage) {
	unlock := c.deps.Locks.Lock(topic)
	defer unlock()

	c.mu.RLock()
	pending, ok := c.pending[topic]
	keypair := c.keypairs[topic]
	c.mu.RUnlock()
	if !ok || pending.Status != PendingProposed {
		c.replyError(ctx, topic, id, jsonrpc.CodeServerError, "no matching proposal")
		return
	}

	methods := c.spec.Methods()
	if method == methods.Reject {
		var params RejectParams
		_ = json.Unmarshal(raw, &params)
		c.removePending(topic)
		c.replyAck(ctx, topic, id)
		c.emit(Event{Kind: EventDeleted, Record: pending.Proposal, Reason: params.Reason})
		return
	}

	var params ApproveParams
	if err := json.Unmarshal(raw, &params); err != nil {
		c.replyError(ctx, topic, id, jsonrpc.CodeInvalidParams, "malformed approve")
		return
	}
	symKey, settledTopic, err := keypair.DeriveSymmetricKey(params.PublicKey)
	if err != nil {
		c.replyError(ctx, topic, id, jsonrpc.CodeInternalError, "key agreement failed")
		return
	}
	subID, err := c.deps.Relay.Subscribe(ctx, settledTopic, &symKey)
	if err != nil {
		c.replyError(ctx, topic, id, jsonrpc.CodeServerError, "subscribe failed")
		return
	}
	expiry := time.Now().Add(c.spec.DefaultTTL()).UTC()
	if err := c.deps.Subscriptions.Put(&relay.Subscription{
		Topic: settledTopic, SubscriptionID: subID, DecryptKey: symKey,
		Expiry: expiry, SequenceKind: c.spec.Kind(),
	}); err != nil {
		c.deps.Logger.Error("persist subscription failed", "error", err)
	}

	rec := Record{
		Topic:       settledTopic,
		Relay:       params.Relay,
		Self:        Participant{PublicKey: pending.SelfPublicKey, Metadata: pending.Proposal.Self.Metadata},
		Peer:        Participant{PublicKey: params.PublicKey, Metadata: params.Metadata},
		Permissions: params.Permissions,
		Expiry:      expiry,
		Controller:  true,
	}

	c.removePending(topic)
	c.replyAck(ctx, topic, id)

	if err := c.settle(ctx, topic, rec); err != nil {
		c.deps.Logger.Error("settle failed after approve", "error", err)
	}
}

// Respond is the responder side's decision on a received proposal.
func (c *Controller[S]) Respond(ctx context.Context, topic string, approved bool, selfMetadata *Metadata, reason string) (*Pending, error) {
	unlock, ok := c.deps.Locks.TryLock(topic)
	if !ok {
		return nil, c.newErr("sequence.respond", wcerr.ProposalAlreadyResponded, nil)
	}
	defer unlock()

	c.mu.Lock()
	proposal, ok := c.incoming[topic]
	if ok {
		delete(c.incoming, topic)
	}
	c.mu.Unlock()
	if !ok {
		return nil, c.newErr("sequence.respond", wcerr.NoMatchingTopic, nil)
	}
	if time.Now().After(proposal.Expiry) {
		return nil, c.newErr("sequence.respond", wcerr.Expired, nil)
	}

	if !approved {
		req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Reject, RejectParams{Reason: reason})
		if err != nil {
			return nil, err
		}
		_, rerr := c.deps.Relay.Request(ctx, topic, req, relay.PublishOptions{Relay: proposal.Relay})
		c.emit(Event{Kind: EventDeleted, Record: proposal, Reason: reason})
		return &Pending{Status: PendingFailed, ProposalTopic: topic, Reason: reason}, rerr
	}

	keypair, err := cryptox.GenerateKeyPair()
	if err != nil {
		return nil, c.newErr("sequence.respond", wcerr.StorageFailure, err)
	}
	symKey, settledTopic, err := keypair.DeriveSymmetricKey(proposal.Peer.PublicKey)
	if err != nil {
		return nil, c.newErr("sequence.respond", wcerr.DecryptionFailure, err)
	}
	subID, err := c.deps.Relay.Subscribe(ctx, settledTopic, &symKey)
	if err != nil {
		return nil, c.newErr("sequence.respond", wcerr.TransportUnavailable, err)
	}
	expiry := time.Now().Add(c.spec.DefaultTTL()).UTC()
	if err := c.deps.Subscriptions.Put(&relay.Subscription{
		Topic: settledTopic, SubscriptionID: subID, DecryptKey: symKey,
		Expiry: expiry, SequenceKind: c.spec.Kind(),
	}); err != nil {
		c.deps.Logger.Error("persist subscription failed", "error", err)
	}

	rec := Record{
		Topic:       settledTopic,
		Relay:       proposal.Relay,
		Self:        Participant{PublicKey: keypair.PublicKeyHex(), Metadata: selfMetadata},
		Peer:        proposal.Peer,
		Permissions: proposal.Permissions,
		Expiry:      expiry,
		Controller:  false,
	}

	wire := ApproveParams{PublicKey: keypair.PublicKeyHex(), Relay: proposal.Relay, Metadata: selfMetadata, Permissions: proposal.Permissions}
	req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Approve, wire)
	if err != nil {
		return nil, err
	}

	pending := &Pending{Status: PendingResponded, ProposalTopic: topic, SelfPublicKey: keypair.PublicKeyHex(), Proposal: rec, Expiry: expiry}
	c.mu.Lock()
	c.pending[topic] = pending
	c.mu.Unlock()
	_ = c.persistPending(pending)

	if _, err := c.deps.Relay.Request(ctx, topic, req, relay.PublishOptions{Relay: proposal.Relay}); err != nil {
		c.removePending(topic)
		_ = c.deps.Relay.Unsubscribe(ctx, subID)
		_ = c.deps.Subscriptions.Delete(settledTopic)
		pending.Status = PendingFailed
		pending.Reason = "ack timeout"
		c.emit(Event{Kind: EventDeleted, Record: rec, Reason: pending.Reason})
		return pending, err
	}

	c.removePending(topic)
	if err := c.settle(ctx, topic, rec); err != nil {
		return pending, err
	}
	return pending, nil
}

// settle finalizes rec as a settled record for the specialisation. proposalTopic
// is the pre-settlement topic the proposal was made on, used to look up and
// clear the propose-time recorded in Create/handleInboundPropose so the
// propose-to-settle latency can be observed.
func (c *Controller[S]) settle(ctx context.Context, proposalTopic string, rec Record) error {
	if err := c.spec.OnSettle(ctx, &rec); err != nil {
		return err
	}
	if err := c.persistSettled(&rec); err != nil {
		return c.newErr("sequence.settle", wcerr.StorageFailure, err)
	}
	c.mu.Lock()
	c.settled[rec.Topic] = &rec
	proposedAt, hadProposedAt := c.proposedAt[proposalTopic]
	delete(c.proposedAt, proposalTopic)
	active := len(c.settled)
	c.mu.Unlock()

	if hadProposedAt {
		c.deps.Metrics.ObserveSettleLatency(string(c.spec.Kind()), time.Since(proposedAt))
	}
	c.deps.Metrics.SetActive(string(c.spec.Kind()), active)
	c.emit(Event{Kind: EventSettled, Record: rec})
	return nil
}

// Get returns the settled record for topic. A record past its expiry is
// treated as already swept even if the background sweep hasn't caught up
// yet.
func (c *Controller[S]) Get(topic string) (Record, error) {
	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok || time.Now().After(rec.Expiry) {
		return Record{}, c.newErr("sequence.get", wcerr.NoMatchingTopic, nil)
	}
	return *rec, nil
}

// Update merges permissible fields into a settled record, requiring the
// caller to hold the controller role.
func (c *Controller[S]) Update(ctx context.Context, topic string, fields UpdateFields) (Record, error) {
	unlock := c.deps.Locks.Lock(topic)
	defer unlock()

	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return Record{}, c.newErr("sequence.update", wcerr.NoMatchingTopic, nil)
	}
	if !rec.Controller {
		return Record{}, c.newErr("sequence.update", wcerr.UnauthorizedUpdate, nil)
	}

	merged := *rec
	if fields.PeerMetadata != nil {
		merged.Peer.Metadata = fields.PeerMetadata
	}
	if fields.Permissions != nil {
		merged.Permissions = *fields.Permissions
	}

	req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Update, fields)
	if err != nil {
		return Record{}, err
	}
	opts, err := c.encryptedOptionsFor(rec.Topic, rec.Relay)
	if err != nil {
		return Record{}, err
	}
	if _, err := c.deps.Relay.Request(ctx, topic, req, opts); err != nil {
		return *rec, err
	}

	if err := c.persistSettled(&merged); err != nil {
		return *rec, c.newErr("sequence.update", wcerr.StorageFailure, err)
	}
	c.mu.Lock()
	c.settled[topic] = &merged
	c.mu.Unlock()
	c.emit(Event{Kind: EventUpdated, Record: merged})
	return merged, nil
}

// Delete removes a settled record and its subscription. Idempotent: a
// second call on an already-deleted topic returns without error.
func (c *Controller[S]) Delete(ctx context.Context, topic, reason string) error {
	unlock := c.deps.Locks.Lock(topic)
	defer unlock()

	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return nil
	}

	req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Delete, DeleteParams{Reason: reason})
	if err == nil {
		if opts, oerr := c.encryptedOptionsFor(topic, rec.Relay); oerr == nil {
			_ = c.deps.Relay.Publish(ctx, topic, mustMarshal(req), opts)
		}
	}

	if sub, found := c.deps.Subscriptions.Get(topic); found {
		_ = c.deps.Relay.Unsubscribe(ctx, sub.SubscriptionID)
		_ = c.deps.Subscriptions.Delete(topic)
	}

	c.mu.Lock()
	delete(c.settled, topic)
	active := len(c.settled)
	c.mu.Unlock()
	_ = c.deps.Storage.Delete(storage.SettledKey(storage.Prefix(c.spec.Kind()), topic))

	c.deps.Metrics.SetActive(string(c.spec.Kind()), active)
	c.emit(Event{Kind: EventDeleted, Record: *rec, Reason: reason})
	return nil
}

// SendRequest wraps an application-level JSON-RPC request and routes it on
// topic's settled channel, awaiting the peer's response.
func (c *Controller[S]) SendRequest(ctx context.Context, topic string, method string, params any) (jsonrpc.Response, error) {
	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return jsonrpc.Response{}, c.newErr("sequence.request", wcerr.NoMatchingTopic, nil)
	}
	req, err := jsonrpc.NewRequest(c.nextID(), method, params)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	opts, err := c.encryptedOptionsFor(topic, rec.Relay)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	return c.deps.Relay.Request(ctx, topic, req, opts)
}

// PublishPayload sends a one-way application-level message on topic's
// settled channel without awaiting a reply, used to ferry notifications
// that the generic ack/response machinery doesn't apply to (e.g. a session
// proposal carried over an already-settled pairing topic).
func (c *Controller[S]) PublishPayload(ctx context.Context, topic, method string, params any) error {
	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return c.newErr("sequence.publishPayload", wcerr.NoMatchingTopic, nil)
	}
	req, err := jsonrpc.NewRequest(c.nextID(), method, params)
	if err != nil {
		return err
	}
	opts, err := c.encryptedOptionsFor(topic, rec.Relay)
	if err != nil {
		return err
	}
	return c.deps.Relay.Publish(ctx, topic, mustMarshal(req), opts)
}

// SendResponse writes a JSON-RPC response for a previously received
// request on topic's settled channel.
func (c *Controller[S]) SendResponse(ctx context.Context, topic string, resp jsonrpc.Response) error {
	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return c.newErr("sequence.send", wcerr.NoMatchingTopic, nil)
	}
	opts, err := c.encryptedOptionsFor(topic, rec.Relay)
	if err != nil {
		return err
	}
	return c.deps.Relay.Publish(ctx, topic, mustMarshal(resp), opts)
}

// SendNotification publishes a typed notification, gated by the
// specialisation's permission check.
func (c *Controller[S]) SendNotification(ctx context.Context, topic, notificationType string, data any) error {
	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return c.newErr("sequence.notify", wcerr.NoMatchingTopic, nil)
	}
	allowed := false
	for _, t := range rec.Permissions.Notifications {
		if t == notificationType {
			allowed = true
			break
		}
	}
	if !allowed {
		return c.newErr("sequence.notify", wcerr.UnauthorizedNotificationType, nil)
	}
	req, err := jsonrpc.NewRequest(c.nextID(), c.spec.Methods().Notification, map[string]any{"type": notificationType, "data": data})
	if err != nil {
		return err
	}
	opts, err := c.encryptedOptionsFor(topic, rec.Relay)
	if err != nil {
		return err
	}
	return c.deps.Relay.Publish(ctx, topic, mustMarshal(req), opts)
}

func (c *Controller[S]) handleInboundSettledMessage(ctx context.Context, topic string, id uint64, method string, raw json.RawMessage) {
	unlock := c.deps.Locks.Lock(topic)
	defer unlock()

	c.mu.RLock()
	rec, ok := c.settled[topic]
	c.mu.RUnlock()
	if !ok {
		return
	}

	methods := c.spec.Methods()
	switch method {
	case methods.Delete:
		var params DeleteParams
		_ = json.Unmarshal(raw, &params)
		if sub, found := c.deps.Subscriptions.Get(topic); found {
			_ = c.deps.Relay.Unsubscribe(ctx, sub.SubscriptionID)
			_ = c.deps.Subscriptions.Delete(topic)
		}
		c.mu.Lock()
		delete(c.settled, topic)
		active := len(c.settled)
		c.mu.Unlock()
		_ = c.deps.Storage.Delete(storage.SettledKey(storage.Prefix(c.spec.Kind()), topic))
		c.deps.Metrics.SetActive(string(c.spec.Kind()), active)
		c.emit(Event{Kind: EventDeleted, Record: *rec, Reason: params.Reason})
		return
	case methods.Update, methods.Upgrade:
		var fields UpdateFields
		if err := json.Unmarshal(raw, &fields); err != nil {
			c.replyError(ctx, topic, id, jsonrpc.CodeInvalidParams, "malformed update")
			return
		}
		merged := *rec
		if fields.PeerMetadata != nil {
			merged.Self.Metadata = fields.PeerMetadata
		}
		if fields.Permissions != nil {
			merged.Permissions = *fields.Permissions
		}
		_ = c.persistSettled(&merged)
		c.mu.Lock()
		c.settled[topic] = &merged
		c.mu.Unlock()
		c.replyAck(ctx, topic, id)
		c.emit(Event{Kind: EventUpdated, Record: merged})
		return
	case methods.Ping:
		c.replyAck(ctx, topic, id)
		return
	case methods.Notification:
		var probe struct {
			Type string `json:"type"`
		}
		_ = json.Unmarshal(raw, &probe)
		allowed := false
		for _, t := range rec.Permissions.Notifications {
			if t == probe.Type {
				allowed = true
				break
			}
		}
		if !allowed {
			c.replyError(ctx, topic, id, jsonrpc.CodeUnauthorized, fmt.Sprintf("notification type not permitted: %s", probe.Type))
			return
		}
		var req jsonrpc.Request
		req.ID, req.Method, req.Params = id, method, raw
		c.replyAck(ctx, topic, id)
		c.emit(Event{Kind: EventNotification, Record: *rec, Request: &req})
		return
	}

	if !c.spec.AllowedInboundMethod(*rec, method) {
		c.replyError(ctx, topic, id, jsonrpc.CodeMethodNotFound, fmt.Sprintf("method not found: %s", method))
		return
	}
	req := jsonrpc.Request{JSONRPC: jsonrpc.Version, ID: id, Method: method, Params: raw}
	c.emit(Event{Kind: EventPayload, Record: *rec, Request: &req})
}

func (c *Controller[S]) encryptedOptionsFor(topic string, protocol relay.Protocol) (relay.PublishOptions, error) {
	sub, ok := c.deps.Subscriptions.Get(topic)
	if !ok {
		return relay.PublishOptions{}, c.newErr("sequence", wcerr.NoMatchingTopic, nil)
	}
	key := sub.DecryptKey
	return relay.PublishOptions{Relay: protocol, EncryptKey: &key}, nil
}

// replyOptionsFor returns encrypted PublishOptions when topic has a settled
// subscription (symmetric key established), or plaintext options when it
// doesn't — true pre-settlement, on the proposal topic.
func (c *Controller[S]) replyOptionsFor(topic string) relay.PublishOptions {
	if o, err := c.encryptedOptionsFor(topic, relay.Protocol{}); err == nil {
		return o
	}
	return relay.PublishOptions{}
}

func (c *Controller[S]) replyAck(ctx context.Context, topic string, id uint64) {
	resp, err := jsonrpc.NewResult(id, map[string]bool{"ack": true})
	if err != nil {
		return
	}
	_ = c.deps.Relay.Publish(ctx, topic, mustMarshal(resp), c.replyOptionsFor(topic))
}

func (c *Controller[S]) replyError(ctx context.Context, topic string, id uint64, code int, message string) {
	resp := jsonrpc.NewError(id, code, message)
	_ = c.deps.Relay.Publish(ctx, topic, mustMarshal(resp), c.replyOptionsFor(topic))
}

func (c *Controller[S]) removePending(topic string) {
	c.mu.Lock()
	delete(c.pending, topic)
	delete(c.keypairs, topic)
	c.mu.Unlock()
	_ = c.deps.Storage.Delete(storage.PendingKey(storage.Prefix(c.spec.Kind()), topic))
}

func (c *Controller[S]) persistPending(p *Pending) error {
	blob, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.deps.Storage.Set(storage.PendingKey(storage.Prefix(c.spec.Kind()), p.ProposalTopic), blob)
}

func (c *Controller[S]) persistSettled(rec *Record) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.deps.Storage.Set(storage.SettledKey(storage.Prefix(c.spec.Kind()), rec.Topic), blob)
}

// Init rehydrates settled and pending tables from storage and
// re-establishes subscriptions, dropping anything past its expiry. Call
// after the relay Subscription registry has itself been loaded.
func (c *Controller[S]) Init(ctx context.Context) error {
	prefix := storage.Prefix(c.spec.Kind())
	now := time.Now().UTC()

	settledKeys, err := c.deps.Storage.Keys(storage.SettledScanPrefix(prefix))
	if err != nil {
		return fmt.Errorf("sequence init: list settled: %w", err)
	}
	settledGroup, settledCtx := errgroup.WithContext(ctx)
	settledGroup.SetLimit(initRehydrateConcurrency)
	for _, key := range settledKeys {
		key := key
		settledGroup.Go(func() error {
			c.rehydrateSettled(settledCtx, key, now)
			return nil
		})
	}
	_ = settledGroup.Wait()

	pendingKeys, err := c.deps.Storage.Keys(storage.PendingScanPrefix(prefix))
	if err != nil {
		return fmt.Errorf("sequence init: list pending: %w", err)
	}
	pendingGroup, pendingCtx := errgroup.WithContext(ctx)
	pendingGroup.SetLimit(initRehydrateConcurrency)
	for _, key := range pendingKeys {
		key := key
		pendingGroup.Go(func() error {
			c.rehydratePending(pendingCtx, key, now)
			return nil
		})
	}
	_ = pendingGroup.Wait()

	return nil
}

// initRehydrateConcurrency bounds how many settled/pending records Init
// resubscribes to at once; each resubscribe is an independent relay round
// trip, so rehydration fans these out with errgroup rather than resubscribing
// one topic at a time.
const initRehydrateConcurrency = 8

func (c *Controller[S]) rehydrateSettled(ctx context.Context, key string, now time.Time) {
	raw, ok, err := c.deps.Storage.Get(key)
	if err != nil || !ok {
		return
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.deps.Logger.Warn("dropping undecodable settled record", "key", key)
		return
	}
	if now.After(rec.Expiry) {
		_ = c.deps.Storage.Delete(key)
		return
	}
	sub, found := c.deps.Subscriptions.Get(rec.Topic)
	if !found {
		c.deps.Logger.Warn("settled record missing subscription, dropping", "topic", rec.Topic)
		_ = c.deps.Storage.Delete(key)
		return
	}
	subID, err := c.deps.Relay.Subscribe(ctx, rec.Topic, &sub.DecryptKey)
	if err != nil {
		c.deps.Logger.Error("resubscribe failed on init", "topic", rec.Topic, "error", err)
		return
	}
	sub.SubscriptionID = subID
	_ = c.deps.Subscriptions.Put(sub)

	c.mu.Lock()
	c.settled[rec.Topic] = &rec
	active := len(c.settled)
	c.mu.Unlock()
	c.deps.Metrics.SetActive(string(c.spec.Kind()), active)
}

func (c *Controller[S]) rehydratePending(ctx context.Context, key string, now time.Time) {
	raw, ok, err := c.deps.Storage.Get(key)
	if err != nil || !ok {
		return
	}
	var p Pending
	if err := json.Unmarshal(raw, &p); err != nil {
		c.deps.Logger.Warn("dropping undecodable pending record", "key", key)
		return
	}
	if now.After(p.Expiry) {
		_ = c.deps.Storage.Delete(key)
		return
	}
	if _, err := c.deps.Relay.Subscribe(ctx, p.ProposalTopic, nil); err != nil {
		c.deps.Logger.Error("resubscribe failed on init", "topic", p.ProposalTopic, "error", err)
		return
	}
	c.mu.Lock()
	c.pending[p.ProposalTopic] = &p
	c.mu.Unlock()
}

// mustMarshal marshals v, which is always one of our own wire types and so
// never fails in practice; on the rare encode error it returns nil rather
// than panicking, and the resulting empty payload is dropped by the
// receiver as undecodable.
func mustMarshal(v any) []byte {
	blob, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return blob
}
