// Package relay implements the RelayClient contract: bit-opaque pub/sub
// with transparent symmetric encryption, request/response correlation, and
// per-topic duplicate suppression. Two implementations are provided:
// WebsocketRelay for talking to a real relay server over nhooyr.io/websocket,
// and Memory for tests and the bundled demo.
package relay

import (
	"context"
	"encoding/json"

	"github.com/omniconnect/wc2core/cryptox"
	"github.com/omniconnect/wc2core/jsonrpc"
	"github.com/omniconnect/wc2core/wcerr"
)

// Protocol mirrors the relay descriptor embedded in URIs and settled
// records: a named transport plus opaque transport-specific parameters.
type Protocol struct {
	Protocol string `json:"protocol"`
	Data     string `json:"data,omitempty"`
}

// PublishOptions configures a single publish or request call.
type PublishOptions struct {
	Relay      Protocol
	EncryptKey *cryptox.SymmetricKey // nil on URI-known proposal topics pre-settle
}

// InboundMessage is a decrypted, topic-tagged payload ready for JSON-RPC
// decoding and dispatch to a sequence controller.
type InboundMessage struct {
	Topic   string
	Payload []byte
}

// Client is the contract every sequence controller and the facade depend on.
// It never knows about Pairing/Session semantics, only topics and bytes.
type Client interface {
	Publish(ctx context.Context, topic string, payload []byte, opts PublishOptions) error
	Subscribe(ctx context.Context, topic string, decryptKey *cryptox.SymmetricKey) (subscriptionID string, err error)
	Unsubscribe(ctx context.Context, subscriptionID string) error
	Request(ctx context.Context, topic string, req jsonrpc.Request, opts PublishOptions) (jsonrpc.Response, error)
	// Messages streams every inbound payload on every topic this client has
	// subscribed to, already decrypted. The sequence layer filters by topic.
	Messages() <-chan InboundMessage
	Close() error
}

func encryptEnvelope(payload []byte, key *cryptox.SymmetricKey) ([]byte, error) {
	if key == nil || key.IsZero() {
		return payload, nil
	}
	sealed, err := key.Seal(payload)
	if err != nil {
		return nil, wcerr.New("relay.publish", wcerr.DecryptionFailure, err)
	}
	return sealed, nil
}

func decryptEnvelope(sealed []byte, key *cryptox.SymmetricKey) ([]byte, error) {
	if key == nil || key.IsZero() {
		return sealed, nil
	}
	plain, err := key.Open(sealed)
	if err != nil {
		return nil, wcerr.New("relay.dispatch", wcerr.DecryptionFailure, err)
	}
	return plain, nil
}

func marshalRequest(req jsonrpc.Request) ([]byte, error) {
	return json.Marshal(req)
}
