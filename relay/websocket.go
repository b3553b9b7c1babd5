package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/omniconnect/wc2core/cryptox"
	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/wcerr"
)

// controlFrame is the small JSON envelope exchanged with a relay server over
// a single multiplexed websocket connection.
type controlFrame struct {
	Type    string `json:"type"` // "publish" | "subscribe" | "unsubscribe" | "message"
	Topic   string `json:"topic"`
	SubID   string `json:"subId,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

// WebsocketRelay dials a relay server once and demultiplexes inbound frames
// by topic to registered subscribers over a single connection, the way a
// long-lived streaming RPC client keeps one socket open for many logical
// channels.
type WebsocketRelay struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu           sync.Mutex
	topicBySubID map[string]string
	decryptBySub map[string]*cryptox.SymmetricKey

	dedup *dedupWindow

	pendingMu sync.Mutex
	pending   map[uint64]chan jsonrpc.Response

	messages chan InboundMessage

	readWG    sync.WaitGroup
	closeOnce sync.Once
	done      chan struct{}
}

// DialWebsocketRelay connects to a relay endpoint and starts the read pump.
func DialWebsocketRelay(ctx context.Context, endpointURL string) (*WebsocketRelay, error) {
	conn, _, err := websocket.Dial(ctx, endpointURL, nil)
	if err != nil {
		return nil, wcerr.New("relay.dial", wcerr.TransportUnavailable, err)
	}
	conn.SetReadLimit(8 << 20)

	r := &WebsocketRelay{
		conn:         conn,
		topicBySubID: make(map[string]string),
		decryptBySub: make(map[string]*cryptox.SymmetricKey),
		dedup:        newDedupWindow(0, 0),
		pending:      make(map[uint64]chan jsonrpc.Response),
		messages:     make(chan InboundMessage, 256),
		done:         make(chan struct{}),
	}
	r.readWG.Add(1)
	go r.readLoop()
	return r, nil
}

func (r *WebsocketRelay) readLoop() {
	defer r.readWG.Done()
	for {
		var frame controlFrame
		err := wsjson.Read(context.Background(), r.conn, &frame)
		if err != nil {
			select {
			case <-r.done:
			default:
				close(r.done)
			}
			return
		}
		if frame.Type != "message" {
			continue
		}
		r.handleInbound(frame)
	}
}

func (r *WebsocketRelay) handleInbound(frame controlFrame) {
	r.mu.Lock()
	decryptKey := r.decryptBySub[frame.SubID]
	r.mu.Unlock()

	plain, err := decryptEnvelope(frame.Payload, decryptKey)
	if err != nil {
		return
	}
	if r.dispatchResponse(plain) {
		return
	}
	var probe struct {
		ID     uint64 `json:"id"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(plain, &probe); err == nil && probe.Method != "" {
		if r.dedup.Seen(frame.Topic, probe.ID) {
			return
		}
	}
	select {
	case r.messages <- InboundMessage{Topic: frame.Topic, Payload: plain}:
	case <-r.done:
	}
}

func (r *WebsocketRelay) dispatchResponse(plain []byte) bool {
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
	r.pendingMu.Lock()
	ch, ok := r.pending[probe.ID]
	if ok {
		delete(r.pending, probe.ID)
	}
	r.pendingMu.Unlock()
	if !ok {
		return false
	}
	var resp jsonrpc.Response
	_ = json.Unmarshal(plain, &resp)
	ch <- resp
	return true
}

func (r *WebsocketRelay) writeFrame(ctx context.Context, frame controlFrame) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := wsjson.Write(ctx, r.conn, frame); err != nil {
		return wcerr.New("relay.write", wcerr.TransportUnavailable, err)
	}
	return nil
}

func (r *WebsocketRelay) Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error {
	sealed, err := encryptEnvelope(payload, opts.EncryptKey)
	if err != nil {
		return err
	}
	return r.writeFrame(ctx, controlFrame{Type: "publish", Topic: topic, Payload: sealed})
}

func (r *WebsocketRelay) Subscribe(ctx context.Context, topic string, decryptKey *cryptox.SymmetricKey) (string, error) {
	subID := uuid.NewString()
	if err := r.writeFrame(ctx, controlFrame{Type: "subscribe", Topic: topic, SubID: subID}); err != nil {
		return "", err
	}
	r.mu.Lock()
	r.topicBySubID[subID] = topic
	r.decryptBySub[subID] = decryptKey
	r.mu.Unlock()
	return subID, nil
}

func (r *WebsocketRelay) Unsubscribe(ctx context.Context, subscriptionID string) error {
	r.mu.Lock()
	topic := r.topicBySubID[subscriptionID]
	delete(r.topicBySubID, subscriptionID)
	delete(r.decryptBySub, subscriptionID)
	r.mu.Unlock()
	return r.writeFrame(ctx, controlFrame{Type: "unsubscribe", Topic: topic, SubID: subscriptionID})
}

func (r *WebsocketRelay) Request(ctx context.Context, topic string, req jsonrpc.Request, opts PublishOptions) (jsonrpc.Response, error) {
	payload, err := marshalRequest(req)
	if err != nil {
		return jsonrpc.Response{}, err
	}
	wait := make(chan jsonrpc.Response, 1)
	r.pendingMu.Lock()
	r.pending[req.ID] = wait
	r.pendingMu.Unlock()
	defer func() {
		r.pendingMu.Lock()
		delete(r.pending, req.ID)
		r.pendingMu.Unlock()
	}()

	if err := r.Publish(ctx, topic, payload, opts); err != nil {
		return jsonrpc.Response{}, err
	}

	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()
	select {
	case resp := <-wait:
		if resp.Error != nil {
			return resp, wcerr.New("relay.request", wcerr.KindForRPCError(resp.Error.Code), resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return jsonrpc.Response{}, wcerr.New("relay.request", wcerr.RpcTimeout, ctx.Err())
	case <-timeout.C:
		return jsonrpc.Response{}, wcerr.New("relay.request", wcerr.RpcTimeout, fmt.Errorf("no response on topic %s", topic))
	}
}

func (r *WebsocketRelay) Messages() <-chan InboundMessage {
	return r.messages
}

func (r *WebsocketRelay) Close() error {
	r.closeOnce.Do(func() {
		select {
		case <-r.done:
		default:
			close(r.done)
		}
	})
	return r.conn.Close(websocket.StatusNormalClosure, "closing")
}
