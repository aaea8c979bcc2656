package monitor

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dray-io/meshsync/internal/consumer"
	"github.com/dray-io/meshsync/internal/envelope"
	"github.com/dray-io/meshsync/internal/logging"
	"github.com/dray-io/meshsync/internal/metadata"
	"github.com/dray-io/meshsync/internal/peers"
	"github.com/dray-io/meshsync/internal/pubsub"
	"github.com/dray-io/meshsync/internal/registry"
	"github.com/dray-io/meshsync/internal/transport"
	"github.com/dray-io/meshsync/internal/transport/memory"
)

const inboxPrefix = "mesh.inbox"

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func TestRequiredPartitions(t *testing.T) {
	tests := []struct {
		groups int
		want   int
	}{
		{0, 4},
		{1, 4},
		{3, 4},
		{10, 11},
		{30, 31},
		{100, 31},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, RequiredPartitions(tt.groups), "groups=%d", tt.groups)
	}
}

func TestVerifyCapacity(t *testing.T) {
	tr := memory.New(1)
	require.NoError(t, tr.CreateTopic("mesh.small", 3))
	require.NoError(t, tr.CreateTopic("mesh.large", 11))
	ctx := context.Background()

	err := VerifyCapacity(ctx, tr, "mesh.small", 10)
	assert.ErrorIs(t, err, ErrInsufficientPartitions)

	assert.NoError(t, VerifyCapacity(ctx, tr, "mesh.large", 10))

	err = VerifyCapacity(ctx, tr, "mesh.missing", 10)
	assert.ErrorIs(t, err, transport.ErrUnknownTopic)
}

type fixture struct {
	tr    *memory.Transport
	store *metadata.MockStore
	mon   *Monitor
}

func newFixture(t *testing.T, partitions int) *fixture {
	t.Helper()
	const origin = "monitor-1"
	topic := pubsub.InboxTopic(inboxPrefix, origin)

	tr := memory.New(1)
	require.NoError(t, tr.CreateTopic(topic, partitions))
	store := metadata.NewMockStore()
	t.Cleanup(func() { _ = store.Close() })

	svc := pubsub.New(tr, pubsub.NewRouter(), pubsub.Config{
		Origin: origin,
		Bootstrap: consumer.BootstrapConfig{
			SettleDelay:   10 * time.Millisecond,
			RetryInterval: 100 * time.Millisecond,
		},
		AttachPollInterval: 10 * time.Millisecond,
		PollInterval:       50 * time.Millisecond,
		Logger:             quietLogger(),
	})
	t.Cleanup(func() { _ = svc.Close() })

	dir := peers.New(store, peers.Config{
		ClusterID:       "cluster-1",
		Origin:          origin,
		Personality:     "MONITOR",
		InboxTopic:      topic,
		RefreshInterval: 50 * time.Millisecond,
		Logger:          quietLogger(),
	})

	mon := New(tr, svc, dir, pubsub.NewMailer(svc, origin, inboxPrefix), Config{
		Origin:           origin,
		Topic:            topic,
		MaxGroups:        10,
		BootstrapTimeout: 5 * time.Second,
		Registry: registry.Config{
			PingInterval:  time.Hour,
			SweepInterval: time.Hour,
		},
		Logger: quietLogger(),
	})
	return &fixture{tr: tr, store: store, mon: mon}
}

func TestRunFailsWithInsufficientPartitions(t *testing.T) {
	f := newFixture(t, 4)

	err := f.mon.Run(context.Background())
	assert.ErrorIs(t, err, ErrInsufficientPartitions)
	assert.False(t, f.mon.Ready())
}

func TestRunRelaysMembership(t *testing.T) {
	f := newFixture(t, 11)
	ctx, cancel := context.WithCancel(context.Background())

	inbox, err := f.tr.Subscribe(ctx, pubsub.InboxTopic(inboxPrefix, "node-a"), 0, transport.SubscribeOptions{})
	require.NoError(t, err)
	defer inbox.Close()

	node := peers.New(f.store, peers.Config{
		ClusterID:   "cluster-1",
		Origin:      "node-a",
		Personality: "WORKER",
		InboxTopic:  pubsub.InboxTopic(inboxPrefix, "node-a"),
		Logger:      quietLogger(),
	})
	require.NoError(t, node.Register(ctx))

	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()

	require.Eventually(t, f.mon.Ready, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual([]string{"monitor-1", "node-a"}, f.mon.Registry().Peers())
	}, 5*time.Second, 10*time.Millisecond)

	join := awaitMessage(t, inbox, registry.TypeJoin)
	assert.Equal(t, "node-a", join.Header(envelope.HeaderOrigin))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func awaitMessage(t *testing.T, sub transport.Subscription, msgType string) *envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		records, err := sub.Poll(ctx)
		cancel()
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("poll: %v", err)
		}
		for _, r := range records {
			env, err := envelope.Decode(r.Value)
			require.NoError(t, err)
			if env.Type() == msgType {
				return env
			}
		}
	}
	t.Fatalf("no %s message received", msgType)
	return nil
}
