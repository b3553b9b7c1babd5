package client

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/storage"
	"github.com/omniconnect/wc2core/wcerr"
)

func newTestClient(t *testing.T, net *relay.Network, name string) (*Client, relay.Client) {
	t.Helper()
	rc := relay.NewMemory(net)
	kv := storage.NewMemory()
	c := New(Config{
		Relay:              rc,
		Storage:            kv,
		Logger:             slog.Default(),
		RelayProtocol:      relay.Protocol{Protocol: "irn"},
		SelfMetadata:       &sequence.Metadata{Name: name},
		PeerSubscribeGrace: 10 * time.Millisecond,
	})
	return c, rc
}

func drainUntil(t *testing.T, events <-chan Event, name string, timeout time.Duration) Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.Name == name {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %q", name)
		}
	}
}

func TestConnectCreatesNewPairingAndSession(t *testing.T) {
	net := relay.NewNetwork()
	a, aRelay := newTestClient(t, net, "dapp")
	b, bRelay := newTestClient(t, net, "wallet")
	defer aRelay.Close()
	defer bRelay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	var connectErr error
	connectDone := make(chan struct{})
	go func() {
		_, err := a.Connect(ctx, ConnectParams{
			Permissions: sequence.Permissions{Methods: []string{"eth_sign"}},
		})
		connectErr = err
		close(connectDone)
	}()

	// Connect blocks until the session settles, so the URI a peer needs to
	// pair against can only be obtained from the proposal event it emits,
	// never from Connect's own return value.
	proposalEvent := drainUntil(t, a.Events(), "pairing.proposal", time.Second)
	require.NotEmpty(t, proposalEvent.Record.Topic)
	require.NotEmpty(t, proposalEvent.URI)

	pairingTopic, err := b.Pair(ctx, proposalEvent.URI)
	require.NoError(t, err)
	require.NotEmpty(t, pairingTopic)

	sessionProposal := drainUntil(t, b.Events(), "session.proposal", 2*time.Second)

	_, err = b.Approve(ctx, sessionProposal.Record.Topic)
	require.NoError(t, err)

	select {
	case <-connectDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected Connect to complete")
	}
	require.NoError(t, connectErr)
}

func TestConnectWithExistingPairingTopicFailsWhenUnknown(t *testing.T) {
	net := relay.NewNetwork()
	a, aRelay := newTestClient(t, net, "dapp")
	defer aRelay.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)

	bogus := "deadbeef"
	_, err := a.Connect(ctx, ConnectParams{PairingTopic: &bogus})
	require.Error(t, err)
	kind, ok := wcerr.Of(err)
	require.True(t, ok)
	require.Equal(t, wcerr.NoMatchingTopic, kind)
}
