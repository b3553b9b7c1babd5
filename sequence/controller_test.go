package sequence

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omniconnect/wc2core/internal/topiclock"
	"github.com/omniconnect/wc2core/relay"
	"github.com/omniconnect/wc2core/storage"
	"github.com/omniconnect/wc2core/wcerr"
)

type testSpec struct{}

func (testSpec) Kind() relay.SequenceKind { return relay.SequenceKindPairing }
func (testSpec) DefaultTTL() time.Duration { return time.Hour }
func (testSpec) Methods() MethodSet {
	return MethodSet{
		Propose: "wc_testPropose",
		Approve: "wc_testApprove",
		Reject:  "wc_testReject",
		Update:  "wc_testUpdate",
		Delete:  "wc_testDelete",
		Ping:    "wc_testPing",
		Payload: "wc_testPayload",
	}
}
func (testSpec) AllowedInboundMethod(rec Record, method string) bool { return true }
func (testSpec) OnSettle(ctx context.Context, rec *Record) error     { return nil }
func (testSpec) ValidateProposal(rec Record) error                  { return nil }

type shortTTLSpec struct{ testSpec }

func (shortTTLSpec) DefaultTTL() time.Duration { return 50 * time.Millisecond }

func newShortTTLController(t *testing.T, net *relay.Network) (*Controller[shortTTLSpec], relay.Client) {
	t.Helper()
	client := relay.NewMemory(net)
	kv := storage.NewMemory()
	subs := relay.NewRegistry(kv, client)
	ctrl := New(shortTTLSpec{}, Deps{
		Relay:         client,
		Storage:       kv,
		Subscriptions: subs,
		Locks:         topiclock.New(),
		Logger:        slog.Default(),
	})
	return ctrl, client
}

func newTestController(t *testing.T, net *relay.Network) (*Controller[testSpec], relay.Client) {
	t.Helper()
	client := relay.NewMemory(net)
	kv := storage.NewMemory()
	subs := relay.NewRegistry(kv, client)
	ctrl := New(testSpec{}, Deps{
		Relay:         client,
		Storage:       kv,
		Subscriptions: subs,
		Locks:         topiclock.New(),
		Logger:        slog.Default(),
	})
	return ctrl, client
}

func TestCreateRespondSettleHappyPath(t *testing.T) {
	net := relay.NewNetwork()
	proposer, proposerClient := newTestController(t, net)
	responder, responderClient := newTestController(t, net)
	defer proposerClient.Close()
	defer responderClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proposer.Start(ctx)
	responder.Start(ctx)

	const proposalTopic = "proposal-topic-1"

	_, err := responder.deps.Relay.Subscribe(ctx, proposalTopic, nil)
	require.NoError(t, err)

	pending, err := proposer.Create(ctx, CreateParams{
		ProposalTopic: proposalTopic,
		Relay:         relay.Protocol{Protocol: "irn"},
	})
	require.NoError(t, err)
	require.Equal(t, PendingProposed, pending.Status)

	var proposalEvent Event
	select {
	case proposalEvent = <-responder.Events():
	case <-time.After(time.Second):
		t.Fatal("expected responder to observe the proposal")
	}
	require.Equal(t, EventProposal, proposalEvent.Kind)

	respPending, err := responder.Respond(ctx, proposalTopic, true, nil, "")
	require.NoError(t, err)
	require.NotEmpty(t, respPending.Proposal.Topic)

	// Create emits the proposer's own proposal event before anything else.
	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventProposal, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected proposer to emit its own proposal")
	}

	var proposerSettled, responderSettled Event
	select {
	case proposerSettled = <-proposer.Events():
	case <-time.After(time.Second):
		t.Fatal("expected proposer to settle")
	}
	require.Equal(t, EventSettled, proposerSettled.Kind)

	select {
	case responderSettled = <-responder.Events():
	case <-time.After(time.Second):
		t.Fatal("expected responder to settle")
	}
	require.Equal(t, EventSettled, responderSettled.Kind)

	require.Equal(t, proposerSettled.Record.Topic, responderSettled.Record.Topic)
	require.Equal(t, proposerSettled.Record.Self.PublicKey, responderSettled.Record.Peer.PublicKey)
	require.True(t, proposerSettled.Record.Controller)
	require.False(t, responderSettled.Record.Controller)

	got, err := proposer.Get(proposerSettled.Record.Topic)
	require.NoError(t, err)
	require.Equal(t, proposerSettled.Record.Topic, got.Topic)
}

func TestRespondFailsWhenAlreadyLocked(t *testing.T) {
	net := relay.NewNetwork()
	responder, responderClient := newTestController(t, net)
	defer responderClient.Close()

	ctx := context.Background()
	unlock, ok := responder.deps.Locks.TryLock("topic-locked")
	require.True(t, ok)
	defer unlock()

	_, err := responder.Respond(ctx, "topic-locked", true, nil, "")
	require.Error(t, err)
}

func TestSweepExpiresSettledRecord(t *testing.T) {
	net := relay.NewNetwork()
	proposer, proposerClient := newShortTTLController(t, net)
	responder, responderClient := newShortTTLController(t, net)
	defer proposerClient.Close()
	defer responderClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proposer.Start(ctx)
	responder.Start(ctx)

	const proposalTopic = "sweep-proposal-topic"
	_, err := responder.deps.Relay.Subscribe(ctx, proposalTopic, nil)
	require.NoError(t, err)

	_, err = proposer.Create(ctx, CreateParams{
		ProposalTopic: proposalTopic,
		Relay:         relay.Protocol{Protocol: "irn"},
	})
	require.NoError(t, err)

	select {
	case <-responder.Events():
	case <-time.After(time.Second):
		t.Fatal("expected responder to observe the proposal")
	}

	_, err = responder.Respond(ctx, proposalTopic, true, nil, "")
	require.NoError(t, err)

	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventProposal, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected proposer to emit its own proposal")
	}

	var settledTopic string
	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventSettled, ev.Kind)
		settledTopic = ev.Record.Topic
	case <-time.After(time.Second):
		t.Fatal("expected proposer to settle")
	}

	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventDeleted, ev.Kind)
		require.Equal(t, "expired", ev.Reason)
		require.Equal(t, settledTopic, ev.Record.Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the sweep to emit a deleted event for the expired record")
	}

	_, err = proposer.Get(settledTopic)
	kind, ok := wcerr.Of(err)
	require.True(t, ok)
	require.Equal(t, wcerr.NoMatchingTopic, kind)
}

func TestSweepExpiresPendingRecord(t *testing.T) {
	net := relay.NewNetwork()
	proposer, proposerClient := newTestController(t, net)
	defer proposerClient.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	proposer.Start(ctx)

	const proposalTopic = "sweep-pending-topic"
	pending, err := proposer.Create(ctx, CreateParams{
		ProposalTopic: proposalTopic,
		Relay:         relay.Protocol{Protocol: "irn"},
		TTL:           50 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Equal(t, PendingProposed, pending.Status)

	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventProposal, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("expected proposer to emit its own proposal")
	}

	select {
	case ev := <-proposer.Events():
		require.Equal(t, EventDeleted, ev.Kind)
		require.Equal(t, "expired", ev.Reason)
		require.Equal(t, proposalTopic, ev.Record.Topic)
	case <-time.After(3 * time.Second):
		t.Fatal("expected the sweep to expire the pending proposal")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	net := relay.NewNetwork()
	ctrl, client := newTestController(t, net)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, ctrl.Delete(ctx, "no-such-topic", "cleanup"))
	require.NoError(t, ctrl.Delete(ctx, "no-such-topic", "cleanup"))
}
