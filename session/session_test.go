package session

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

func newTestSession(t *testing.T, net *relay.Network) (*Session, relay.Client) {
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

func settleSessionPair(t *testing.T, ctx context.Context, dapp, wallet *Session, topic string, perms sequence.Permissions) (sequence.Event, sequence.Event) {
	t.Helper()
	require.NoError(t, wallet.SubscribeProposal(ctx, topic))

	_, err := dapp.Propose(ctx, topic, &sequence.Metadata{Name: "dapp"}, perms)
	require.NoError(t, err)

	var proposalEvent sequence.Event
	select {
	case proposalEvent = <-wallet.Events():
	case <-time.After(time.Second):
		t.Fatal("expected wallet to observe proposal")
	}
	require.Equal(t, sequence.EventProposal, proposalEvent.Kind)

	_, err = wallet.Approve(ctx, topic, &sequence.Metadata{Name: "wallet"})
	require.NoError(t, err)

	// Propose emits the dapp's own proposal event before the settled one.
	require.Equal(t, sequence.EventProposal, (<-dapp.Events()).Kind)

	var dappSettled, walletSettled sequence.Event
	select {
	case dappSettled = <-dapp.Events():
	case <-time.After(time.Second):
		t.Fatal("expected dapp to settle")
	}
	select {
	case walletSettled = <-wallet.Events():
	case <-time.After(time.Second):
		t.Fatal("expected wallet to settle")
	}
	return dappSettled, walletSettled
}

func TestProposeApproveSettleHappyPath(t *testing.T) {
	net := relay.NewNetwork()
	dapp, dappClient := newTestSession(t, net)
	wallet, walletClient := newTestSession(t, net)
	defer dappClient.Close()
	defer walletClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp.Start(ctx)
	wallet.Start(ctx)

	perms := sequence.Permissions{Chains: []string{"eip155:1"}, Methods: []string{"eth_sign"}}
	dappSettled, walletSettled := settleSessionPair(t, ctx, dapp, wallet, "session-topic-1", perms)

	require.Equal(t, sequence.EventSettled, dappSettled.Kind)
	require.Equal(t, sequence.EventSettled, walletSettled.Kind)
	require.Equal(t, dappSettled.Record.Topic, walletSettled.Record.Topic)
}

func TestRejectSessionEmitsDeletedOnBothSides(t *testing.T) {
	net := relay.NewNetwork()
	dapp, dappClient := newTestSession(t, net)
	wallet, walletClient := newTestSession(t, net)
	defer dappClient.Close()
	defer walletClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp.Start(ctx)
	wallet.Start(ctx)

	const topic = "session-topic-reject"
	require.NoError(t, wallet.SubscribeProposal(ctx, topic))

	_, err := dapp.Propose(ctx, topic, nil, sequence.Permissions{Methods: []string{"eth_sign"}})
	require.NoError(t, err)
	<-wallet.Events()
	require.Equal(t, sequence.EventProposal, (<-dapp.Events()).Kind)

	require.NoError(t, wallet.Reject(ctx, topic, "User rejected"))

	select {
	case ev := <-wallet.Events():
		require.Equal(t, sequence.EventDeleted, ev.Kind)
		require.Equal(t, "User rejected", ev.Reason)
	case <-time.After(time.Second):
		t.Fatal("expected wallet to emit deleted after rejecting")
	}

	var dappDeleted sequence.Event
	select {
	case dappDeleted = <-dapp.Events():
	case <-time.After(time.Second):
		t.Fatal("expected dapp to observe rejection")
	}
	require.Equal(t, sequence.EventDeleted, dappDeleted.Kind)
	require.Equal(t, "User rejected", dappDeleted.Reason)

	_, err = wallet.Approve(ctx, topic, nil)
	require.Error(t, err)
}

func TestUnauthorizedMethodRejectedWithoutPayloadEvent(t *testing.T) {
	net := relay.NewNetwork()
	dapp, dappClient := newTestSession(t, net)
	wallet, walletClient := newTestSession(t, net)
	defer dappClient.Close()
	defer walletClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp.Start(ctx)
	wallet.Start(ctx)

	perms := sequence.Permissions{Methods: []string{"eth_sign"}}
	dappSettled, _ := settleSessionPair(t, ctx, dapp, wallet, "session-topic-unauth", perms)

	_, err := dapp.Request(ctx, dappSettled.Record.Topic, "eth_sendTransaction", map[string]string{})
	require.Error(t, err)

	select {
	case ev := <-wallet.Events():
		t.Fatalf("unexpected event on wallet side: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRequestTimesOutWithoutResponder(t *testing.T) {
	net := relay.NewNetwork()
	dapp, dappClient := newTestSession(t, net)
	wallet, walletClient := newTestSession(t, net)
	defer dappClient.Close()
	defer walletClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	dapp.Start(ctx)
	wallet.Start(ctx)

	perms := sequence.Permissions{Methods: []string{"eth_sign"}}
	dappSettled, _ := settleSessionPair(t, ctx, dapp, wallet, "session-topic-timeout", perms)

	reqCtx, reqCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer reqCancel()
	_, err := dapp.Request(reqCtx, dappSettled.Record.Topic, "eth_sign", map[string]string{})
	require.Error(t, err)

	_, err = dapp.Get(dappSettled.Record.Topic)
	require.NoError(t, err)
}

func TestProposeRejectsEmptyMethodSet(t *testing.T) {
	net := relay.NewNetwork()
	dapp, dappClient := newTestSession(t, net)
	defer dappClient.Close()

	ctx := context.Background()
	_, err := dapp.Propose(ctx, "topic", nil, sequence.Permissions{})
	require.Error(t, err)
}
