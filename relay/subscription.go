package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/omniconnect/wc2core/cryptox"
	"github.com/omniconnect/wc2core/storage"
)

// SequenceKind distinguishes which sequence controller owns a topic, so an
// inbound envelope can be routed without peeking at its JSON-RPC method.
type SequenceKind string

const (
	SequenceKindPairing SequenceKind = "pairing"
	SequenceKindSession  SequenceKind = "session"
)

const subscriptionStorageKey = "wc@2:client//relay:subscription:"

// subscriptionRecord is the persisted shape of an active subscription.
type subscriptionRecord struct {
	Topic          string       `json:"topic"`
	SubscriptionID string       `json:"subscriptionId"`
	DecryptKeyHex  string       `json:"decryptKey,omitempty"`
	Expiry         int64        `json:"expiry"`
	SequenceKind   SequenceKind `json:"sequenceKind"`
}

// Subscription is the in-memory, typed view of a subscriptionRecord.
type Subscription struct {
	Topic          string
	SubscriptionID string
	DecryptKey     cryptox.SymmetricKey
	Expiry         time.Time
	SequenceKind   SequenceKind
}

// Registry tracks topic -> subscription bookkeeping, persisting every
// mutation so a restart can recover active subscriptions via Load before the
// first expiry sweep. Modeled on the load-on-open, dual-index pattern used
// for peer bookkeeping elsewhere in this lineage of code.
type Registry struct {
	mu   sync.RWMutex
	byTopic map[string]*Subscription

	kv     storage.KV
	client Client

	sweepInterval time.Duration
	stop          chan struct{}
	stopOnce      sync.Once
	wg            sync.WaitGroup
}

// NewRegistry constructs a registry backed by kv for persistence and client
// for issuing the actual unsubscribe calls during expiry sweeps.
func NewRegistry(kv storage.KV, client Client) *Registry {
	r := &Registry{
		byTopic:       make(map[string]*Subscription),
		kv:            kv,
		client:        client,
		sweepInterval: time.Second,
		stop:          make(chan struct{}),
	}
	return r
}

// Load recovers persisted subscriptions on process start.
func (r *Registry) Load() error {
	keys, err := r.kv.Keys(subscriptionStorageKey)
	if err != nil {
		return fmt.Errorf("load subscriptions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		raw, ok, err := r.kv.Get(key)
		if err != nil {
			return fmt.Errorf("load subscription %s: %w", key, err)
		}
		if !ok {
			continue
		}
		var rec subscriptionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("decode subscription %s: %w", key, err)
		}
		sub, err := toSubscription(rec)
		if err != nil {
			return err
		}
		r.byTopic[rec.Topic] = sub
	}
	return nil
}

func toSubscription(rec subscriptionRecord) (*Subscription, error) {
	var key cryptox.SymmetricKey
	if rec.DecryptKeyHex != "" {
		k, err := cryptox.SymmetricKeyFromHex(rec.DecryptKeyHex)
		if err != nil {
			return nil, err
		}
		key = k
	}
	return &Subscription{
		Topic:          rec.Topic,
		SubscriptionID: rec.SubscriptionID,
		DecryptKey:     key,
		Expiry:         time.Unix(rec.Expiry, 0).UTC(),
		SequenceKind:   rec.SequenceKind,
	}, nil
}

// Put registers (or replaces) the subscription for a topic and persists it.
func (r *Registry) Put(sub *Subscription) error {
	r.mu.Lock()
	r.byTopic[sub.Topic] = sub
	r.mu.Unlock()
	return r.persist(sub)
}

func (r *Registry) persist(sub *Subscription) error {
	rec := subscriptionRecord{
		Topic:          sub.Topic,
		SubscriptionID: sub.SubscriptionID,
		Expiry:         sub.Expiry.Unix(),
		SequenceKind:   sub.SequenceKind,
	}
	if !sub.DecryptKey.IsZero() {
		rec.DecryptKeyHex = sub.DecryptKey.Hex()
	}
	blob, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.kv.Set(subscriptionStorageKey+sub.Topic, blob)
}

// Get returns the subscription tracked for topic, if any.
func (r *Registry) Get(topic string) (*Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byTopic[topic]
	return sub, ok
}

// Delete drops bookkeeping for topic, both in memory and in storage.
func (r *Registry) Delete(topic string) error {
	r.mu.Lock()
	delete(r.byTopic, topic)
	r.mu.Unlock()
	return r.kv.Delete(subscriptionStorageKey + topic)
}

// StartSweeper launches the background goroutine that unsubscribes and
// drops expired entries at the configured cadence (default once per second
// per the relay's expiry-sweep contract).
func (r *Registry) StartSweeper(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweepOnce(ctx)
			case <-r.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Registry) sweepOnce(ctx context.Context) {
	now := time.Now().UTC()
	var expired []*Subscription
	r.mu.RLock()
	for _, sub := range r.byTopic {
		if !sub.Expiry.IsZero() && now.After(sub.Expiry) {
			expired = append(expired, sub)
		}
	}
	r.mu.RUnlock()

	for _, sub := range expired {
		_ = r.client.Unsubscribe(ctx, sub.SubscriptionID)
		_ = r.Delete(sub.Topic)
	}
}

// Stop halts the sweeper goroutine. Safe to call more than once.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
	})
	r.wg.Wait()
}
