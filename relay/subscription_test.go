package relay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/omniconnect/wc2core/storage"
)

func TestRegistryPersistsAndReloads(t *testing.T) {
	kv := storage.NewMemory()
	net := NewNetwork()
	client := NewMemory(net)
	defer client.Close()

	reg := NewRegistry(kv, client)
	sub := &Subscription{
		Topic:          "topic-1",
		SubscriptionID: "sub-1",
		Expiry:         time.Now().Add(time.Hour).UTC(),
		SequenceKind:   SequenceKindPairing,
	}
	require.NoError(t, reg.Put(sub))

	reloaded := NewRegistry(kv, client)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get("topic-1")
	require.True(t, ok)
	require.Equal(t, sub.SubscriptionID, got.SubscriptionID)
	require.Equal(t, sub.SequenceKind, got.SequenceKind)
}

func TestRegistrySweepsExpiredSubscriptions(t *testing.T) {
	kv := storage.NewMemory()
	net := NewNetwork()
	client := NewMemory(net)
	defer client.Close()

	subID, err := client.Subscribe(context.Background(), "topic-expiring", nil)
	require.NoError(t, err)

	reg := NewRegistry(kv, client)
	reg.sweepInterval = 10 * time.Millisecond
	require.NoError(t, reg.Put(&Subscription{
		Topic:          "topic-expiring",
		SubscriptionID: subID,
		Expiry:         time.Now().Add(-time.Second).UTC(),
		SequenceKind:   SequenceKindSession,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	reg.StartSweeper(ctx)
	defer reg.Stop()

	require.Eventually(t, func() bool {
		_, ok := reg.Get("topic-expiring")
		return !ok
	}, time.Second, 5*time.Millisecond)
}
