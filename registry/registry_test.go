package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/meshlink/core"
	"github.com/hupe1980/meshlink/internal/testutil"
	"github.com/hupe1980/meshlink/transport"
)

func TestRegistry_RegisterAndDiscoverPeers(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	b := New("svc-b", "worker", tp, func(o *Options) {
		o.Capabilities = []string{"document.summarize"}
		o.Metadata = map[string]string{"region": "eu"}
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop(ctx)
	defer b.Stop(ctx)

	// Discover prompts peers to re-announce, converging late joiners.
	require.NoError(t, a.Discover(ctx, ""))

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := a.Service("svc-b")
		return ok
	}, "svc-a should observe svc-b")

	s, ok := a.Service("svc-b")
	require.True(t, ok)
	assert.Equal(t, "worker", s.ServiceType)
	assert.Equal(t, core.ServiceOnline, s.Status)
	assert.Equal(t, []string{"document.summarize"}, s.Capabilities)
	assert.Equal(t, "eu", s.Metadata["region"])

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := b.Service("svc-a")
		return ok
	}, "svc-b should observe svc-a")
}

func TestRegistry_LateJoinerLearnsExistingPeers(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	// b joins after a's register announcement is long gone. a re-announces on
	// first contact, so b still converges without waiting for a heartbeat.
	b := New("svc-b", "worker", tp)
	require.NoError(t, b.Start(ctx))
	defer b.Stop(ctx)

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := b.Service("svc-a")
		return ok
	}, "late joiner should observe the earlier peer")

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := a.Service("svc-b")
		return ok
	}, "earlier peer should observe the late joiner")
}

func TestRegistry_FindByCapability(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	b := New("svc-b", "worker", tp, func(o *Options) {
		o.Capabilities = []string{"research.query"}
	})
	c := New("svc-c", "worker", tp, func(o *Options) {
		o.Capabilities = []string{"document.summarize"}
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	require.NoError(t, c.Start(ctx))
	defer a.Stop(ctx)
	defer b.Stop(ctx)
	defer c.Stop(ctx)

	testutil.Eventually(t, time.Second, func() bool {
		return len(a.FindByCapability("research.query")) == 1
	}, "svc-a should find the research.query provider")

	found := a.FindByCapability("research.query")
	require.Len(t, found, 1)
	assert.Equal(t, "svc-b", found[0].ServiceID)
	assert.Empty(t, a.FindByCapability("nonexistent"))
}

func TestRegistry_SilentPeerGoesOffline(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp, func(o *Options) {
		o.HeartbeatInterval = 10 * time.Millisecond
	})
	b := New("svc-b", "worker", tp)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop(ctx)

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := a.Service("svc-b")
		return ok
	}, "svc-a should observe svc-b")

	var mu sync.Mutex
	var changes []StatusChange
	a.OnStatusChange(func(c StatusChange) {
		mu.Lock()
		changes = append(changes, c)
		mu.Unlock()
	})

	// Detach b without an unregister announcement, then age the record past
	// the offline timeout (three heartbeat intervals by default).
	b.mu.Lock()
	sub := b.sub
	cancel := b.cancel
	b.mu.Unlock()
	require.NoError(t, sub.Unsubscribe())
	if cancel != nil {
		cancel()
	}

	a.expireSilent(time.Now().Add(a.offlineTimeout + time.Millisecond))

	s, ok := a.Service("svc-b")
	require.True(t, ok)
	assert.Equal(t, core.ServiceOffline, s.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, changes, 1)
	assert.Equal(t, "svc-b", changes[0].ServiceID)
	assert.Equal(t, core.ServiceOnline, changes[0].From)
	assert.Equal(t, core.ServiceOffline, changes[0].To)
}

func TestRegistry_OfflineTimeoutDefaultsToThreeHeartbeats(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	r := New("svc-a", "worker", tp, func(o *Options) {
		o.HeartbeatInterval = 7 * time.Second
	})
	assert.Equal(t, 21*time.Second, r.offlineTimeout)
}

func TestRegistry_UnregisterFlipsOffline(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	b := New("svc-b", "worker", tp)

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop(ctx)

	testutil.Eventually(t, time.Second, func() bool {
		s, ok := a.Service("svc-b")
		return ok && s.Status == core.ServiceOnline
	}, "svc-a should observe svc-b online")

	require.NoError(t, b.Stop(ctx))

	testutil.Eventually(t, time.Second, func() bool {
		s, ok := a.Service("svc-b")
		return ok && s.Status == core.ServiceOffline
	}, "svc-a should observe svc-b offline after unregister")
}

func TestRegistry_HeartbeatFirstContact(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer a.Stop(ctx)

	// A heartbeat from a never-registered peer still creates a record; the
	// register announcement may have been missed entirely.
	msg := testutil.NewMessageBuilder(core.TypeSystemHeartbeat).
		Source("svc-ghost").
		Payload(core.HeartbeatPayload{ServiceID: "svc-ghost"}).
		Build()
	data, err := core.Encode(msg)
	require.NoError(t, err)
	require.NoError(t, tp.Publish(ctx, DefaultSubject, data))

	testutil.Eventually(t, time.Second, func() bool {
		s, ok := a.Service("svc-ghost")
		return ok && s.Status == core.ServiceOnline
	}, "heartbeat should create an online record")

	s, _ := a.Service("svc-ghost")
	assert.False(t, s.LastHeartbeat.IsZero())
}

func TestRegistry_SnapshotsAreIsolated(t *testing.T) {
	tp := transport.NewInProc()
	defer tp.Close()

	a := New("svc-a", "coordinator", tp)
	b := New("svc-b", "worker", tp, func(o *Options) {
		o.Capabilities = []string{"research.query"}
	})

	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))
	defer a.Stop(ctx)
	defer b.Stop(ctx)

	testutil.Eventually(t, time.Second, func() bool {
		_, ok := a.Service("svc-b")
		return ok
	}, "svc-a should observe svc-b")

	snap, _ := a.Service("svc-b")
	snap.Capabilities[0] = "mutated"
	snap.Status = core.ServiceOffline

	fresh, _ := a.Service("svc-b")
	assert.Equal(t, "research.query", fresh.Capabilities[0])
	assert.Equal(t, core.ServiceOnline, fresh.Status)
}
