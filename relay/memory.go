package relay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/omniconnect/wc2core/cryptox"
	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/wcerr"
)

// Network is the shared in-process bus two or more Memory clients publish
// to and subscribe against, standing in for a real relay server in tests
// and the bundled demo. Like a real relay, it never loops a publish back
// to the connection that sent it.
type Network struct {
	mu   sync.Mutex
	subs map[string]map[string]networkSub // topic -> subscriptionID -> sub
}

type networkSub struct {
	ch      chan rawEnvelope
	ownerID string
}

// NewNetwork returns an empty, ready-to-use in-process relay hub.
func NewNetwork() *Network {
	return &Network{subs: make(map[string]map[string]networkSub)}
}

type rawEnvelope struct {
	topic   string
	payload []byte
}

func (n *Network) publish(topic, ownerID string, payload []byte) {
	n.mu.Lock()
	targets := make([]chan rawEnvelope, 0, len(n.subs[topic]))
	for _, sub := range n.subs[topic] {
		if sub.ownerID == ownerID {
			continue
		}
		targets = append(targets, sub.ch)
	}
	n.mu.Unlock()
	for _, ch := range targets {
		select {
		case ch <- rawEnvelope{topic: topic, payload: payload}:
		default:
		}
	}
}

func (n *Network) subscribe(topic, subID, ownerID string) chan rawEnvelope {
	ch := make(chan rawEnvelope, 64)
	n.mu.Lock()
	if n.subs[topic] == nil {
		n.subs[topic] = make(map[string]networkSub)
	}
	n.subs[topic][subID] = networkSub{ch: ch, ownerID: ownerID}
	n.mu.Unlock()
	return ch
}

func (n *Network) unsubscribe(topic, subID string) {
	n.mu.Lock()
	if m := n.subs[topic]; m != nil {
		if sub, ok := m[subID]; ok {
			delete(m, subID)
			close(sub.ch)
		}
		if len(m) == 0 {
			delete(n.subs, topic)
		}
	}
	n.mu.Unlock()
}

// Memory is a Client backed by an in-process Network, used by package
// tests and cmd/wc2demo in place of a real websocket relay.
type Memory struct {
	net     *Network
	ownerID string
	dedup   *dedupWindow

	mu            sync.Mutex
	topicBySubID  map[string]string
	decryptBySub  map[string]*cryptox.SymmetricKey

	messages chan InboundMessage

	pendingMu sync.Mutex
	pending   map[uint64]chan jsonrpc.Response

	closeOnce sync.Once
	done      chan struct{}
}

// NewMemory attaches a new client to an existing in-process network.
func NewMemory(net *Network) *Memory {
	m := &Memory{
		net:          net,
		ownerID:      uuid.NewString(),
		dedup:        newDedupWindow(0, 0),
		topicBySubID: make(map[string]string),
		decryptBySub: make(map[string]*cryptox.SymmetricKey),
		messages:     make(chan InboundMessage, 256),
		pending:      make(map[uint64]chan jsonrpc.Response),
		done:         make(chan struct{}),
	}
	return m
}

func (m *Memory) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	sealed, err := encryptEnvelope(payload, opts.EncryptKey)
	if err != nil {
		return err
	}
	m.net.publish(topic, m.ownerID, sealed)
	return nil
}

func (m *Memory) Subscribe(ctx context.Context, topic string, decryptKey *cryptox.SymmetricKey) (string, error) {
	subID := uuid.NewString()
	ch := m.net.subscribe(topic, subID, m.ownerID)

	m.mu.Lock()
	m.topicBySubID[subID] = topic
	m.decryptBySub[subID] = decryptKey
	m.mu.Unlock()

	go m.pump(topic, subID, decryptKey, ch)
	return subID, nil
}

func (m *Memory) pump(topic, subID string, decryptKey *cryptox.SymmetricKey, ch chan rawEnvelope) {
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			plain, err := decryptEnvelope(env.payload, decryptKey)
			if err != nil {
				continue // decrypt failures are dropped silently, per contract
			}
			if m.dispatchResponse(plain) {
				continue
			}
			if m.isDuplicateRequest(topic, plain) {
				continue
			}
			select {
			case m.messages <- InboundMessage{Topic: topic, Payload: plain}:
			case <-m.done:
				return
			}
		case <-m.done:
			return
		}
	}
}

func (m *Memory) dispatchResponse(plain []byte) bool {
	var probe struct {
		ID     uint64          `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *jsonrpc.Error  `json:"error"`
	}
	if err := json.Unmarshal(plain, &probe); err != nil {
		return false
	}
	if probe.Result == nil && probe.Error == nil {
		return false
	}
	m.pendingMu.Lock()
	ch, ok := m.pending[probe.ID]
	if ok {
		delete(m.pending, probe.ID)
	}
	m.pendingMu.Unlock()
	if !ok {
		return false
	}
	var resp jsonrpc.Response
	_ = json.Unmarshal(plain, &resp)
	ch <- resp
	return true
}

// isDuplicateRequest applies the per-topic recent-ids window to inbound
// JSON-RPC requests (responses are already consumed by dispatchResponse).
func (m *Memory) isDuplicateRequest(topic string, plain []byte) bool {
	var probe struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(plain, &probe); err != nil || probe.Method == "" {
		return false
	}
	return m.dedup.Seen(topic, probe.ID)
}

func (m *Memory) Unsubscribe(ctx context.Context, subscriptionID string) error {
	m.mu.Lock()
	topic, ok := m.topicBySubID[subscriptionID]
	delete(m.topicBySubID, subscriptionID)
	delete(m.decryptBySub, subscriptionID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.net.unsubscribe(topic, subscriptionID)
	return nil
}

func (m *Memory) Request(ctx context.Context, topic string, req jsonrpc.Request, opts PublishOptions) (jsonrpc.Response, error) {
	payload, err := marshalRequest(req)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	wait := make(chan jsonrpc.Response, 1)
	m.pendingMu.Lock()
	m.pending[req.ID] = wait
	m.pendingMu.Unlock()
	defer func() {
		m.pendingMu.Lock()
		delete(m.pending, req.ID)
		m.pendingMu.Unlock()
	}()

	if err := m.Publish(ctx, topic, payload, opts); err != nil {
		return jsonrpc.Response{}, err
	}

	select {
	case resp := <-wait:
		if resp.Error != nil {
			return resp, wcerr.New("relay.request", wcerr.KindForRPCError(resp.Error.Code), resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return jsonrpc.Response{}, wcerr.New("relay.request", wcerr.RpcTimeout, ctx.Err())
	case <-time.After(30 * time.Second):
		return jsonrpc.Response{}, wcerr.New("relay.request", wcerr.RpcTimeout, nil)
	}
}

func (m *Memory) Messages() <-chan InboundMessage {
	return m.messages
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	return nil
}
