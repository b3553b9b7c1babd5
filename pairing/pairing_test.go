package pairing

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omniconnect/wc2core/internal/topiclock"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/sequence"
	"github.com/omniconnect/wc2core/storage"
)

func newTestPairing(t *testing.T, net *relay.Network) (*Pairing, relay.Client) {
	t.Helper()
	client := relay.NewMemory(net)
	kv := storage.NewMemory()
	deps := sequence.Deps{
		Relay:         client,
		Storage:       kv,
		Subscriptions: relay.NewRegistry(kv, client),
		Locks:         topiclock.New(),
		Logger:        slog.Default(),
	}
	return New(Config{Deps: deps, RelayProtocol: relay.Protocol{Protocol: "irn"}}), client
}

func TestProposeAndPairSettle(t *testing.T) {
	net := relay.NewNetwork()
	a, aClient := newTestPairing(t, net)
	b, bClient := newTestPairing(t, net)
	defer aClient.Close()
	defer bClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	_, wireURI, err := a.Propose(ctx, &sequence.Metadata{Name: "dapp-a"})
	require.NoError(t, err)
	require.Contains(t, wireURI, "wc:")

	_, err = b.Pair(ctx, wireURI, &sequence.Metadata{Name: "wallet-b"})
	require.NoError(t, err)

	// Both sides emit a proposal event (proposer on Propose, responder on
	// receipt) before the settled one.
	require.Equal(t, sequence.EventProposal, (<-a.Events()).Kind)
	require.Equal(t, sequence.EventProposal, (<-b.Events()).Kind)

	var aSettled, bSettled sequence.Event
	select {
	case aSettled = <-a.Events():
	case <-time.After(time.Second):
		t.Fatal("expected proposer to settle")
	}
	require.Equal(t, sequence.EventSettled, aSettled.Kind)

	select {
	case bSettled = <-b.Events():
	case <-time.After(time.Second):
		t.Fatal("expected responder to settle")
	}
	require.Equal(t, sequence.EventSettled, bSettled.Kind)

	require.Equal(t, aSettled.Record.Topic, bSettled.Record.Topic)
	require.Equal(t, "wallet-b", aSettled.Record.Peer.Metadata.Name)
}

func TestUnauthorizedPayloadMethodRejected(t *testing.T) {
	net := relay.NewNetwork()
	a, aClient := newTestPairing(t, net)
	b, bClient := newTestPairing(t, net)
	defer aClient.Close()
	defer bClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a.Start(ctx)
	b.Start(ctx)

	_, wireURI, err := a.Propose(ctx, nil)
	require.NoError(t, err)
	_, err = b.Pair(ctx, wireURI, nil)
	require.NoError(t, err)

	require.Equal(t, sequence.EventProposal, (<-a.Events()).Kind)
	require.Equal(t, sequence.EventProposal, (<-b.Events()).Kind)

	var aSettled sequence.Event
	select {
	case aSettled = <-a.Events():
	case <-time.After(time.Second):
		t.Fatal("expected proposer to settle")
	}
	require.Equal(t, sequence.EventSettled, aSettled.Kind)
	<-b.Events()

	_, err = a.ctrl.SendRequest(ctx, aSettled.Record.Topic, "wc_arbitraryMethod", map[string]string{})
	require.Error(t, err)
}
