package cache

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/transport"
	"github.com/chase3718/midirelay/pkg/transport/transporttest"
)

type collector struct {
	mu  sync.Mutex
	got []events.Event
}

func (c *collector) add(e events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, e)
}

func (c *collector) count(t events.Type) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.got {
		if e.Type == t {
			n++
		}
	}
	return n
}

func newCache(t *testing.T, kind transport.Kind) (*Cache, *transporttest.Adapter, *events.Bus, *collector) {
	t.Helper()
	fake := transporttest.New(kind)
	bus := events.NewBus(0, nil)
	col := &collector{}
	bus.Subscribe(col.add)
	t.Cleanup(bus.Close)
	c := New(Config{Adapter: fake, Bus: bus})
	return c, fake, bus, col
}

func TestPollCoalescesChanges(t *testing.T) {
	c, fake, bus, col := newCache(t, transport.KindLegacy)
	fake.SetEndpoints(
		transporttest.Endpoints(transport.KindLegacy, "Keys", "Pads"),
		transporttest.Endpoints(transport.KindLegacy, "Synth"),
	)

	changed, err := c.Poll()
	require.NoError(t, err)
	assert.True(t, changed)

	t.Run("IdenticalListFiresNothing", func(t *testing.T) {
		changed, err := c.Poll()
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("AppendFiresExactlyOne", func(t *testing.T) {
		fake.SetEndpoints(
			transporttest.Endpoints(transport.KindLegacy, "Keys", "Pads", "Drums"),
			transporttest.Endpoints(transport.KindLegacy, "Synth"),
		)
		changed, err := c.Poll()
		require.NoError(t, err)
		assert.True(t, changed)
		changed, err = c.Poll()
		require.NoError(t, err)
		assert.False(t, changed)
	})

	t.Run("RenameAtSameIDIsAChange", func(t *testing.T) {
		fake.SetEndpoints(
			transporttest.Endpoints(transport.KindLegacy, "Keys", "Pads", "Drums 2"),
			transporttest.Endpoints(transport.KindLegacy, "Synth"),
		)
		changed, err := c.Poll()
		require.NoError(t, err)
		assert.True(t, changed)
	})

	bus.Close()
	assert.Equal(t, 3, col.count(events.DevicesChanged))
}

func TestEnumerationFailureKeepsSnapshot(t *testing.T) {
	c, fake, bus, col := newCache(t, transport.KindModern)
	fake.SetEndpoints(
		transporttest.Endpoints(transport.KindModern, "Keys"),
		transporttest.Endpoints(transport.KindModern, "Synth"),
	)
	_, err := c.ManualRefresh()
	require.NoError(t, err)

	fake.SetListError(errors.New("driver reset"))

	snap, err := c.ManualRefresh()
	var enumErr *transport.EnumerationError
	require.ErrorAs(t, err, &enumErr)
	require.Len(t, snap.Inputs, 1)
	assert.Equal(t, "Keys", snap.Inputs[0].Name)

	changed, err := c.Poll()
	assert.Error(t, err)
	assert.False(t, changed)
	assert.Len(t, c.Cached().Outputs, 1)

	bus.Close()
	assert.Zero(t, col.count(events.DevicesChanged))
}

func TestManualRefreshDoesNotPublish(t *testing.T) {
	c, fake, bus, col := newCache(t, transport.KindLegacy)
	fake.SetEndpoints(transporttest.Endpoints(transport.KindLegacy, "Keys"), nil)

	snap, err := c.ManualRefresh()
	require.NoError(t, err)
	assert.Len(t, snap.Inputs, 1)
	assert.False(t, snap.CapturedAt.IsZero())

	changed, err := c.Poll()
	require.NoError(t, err)
	assert.False(t, changed)

	bus.Close()
	assert.Zero(t, col.count(events.DevicesChanged))
}

func TestCachedIsACopy(t *testing.T) {
	c, fake, _, _ := newCache(t, transport.KindLegacy)
	fake.SetEndpoints(transporttest.Endpoints(transport.KindLegacy, "Keys"), nil)
	_, err := c.ManualRefresh()
	require.NoError(t, err)

	snap := c.Cached()
	snap.Inputs[0].Name = "mutated"
	assert.Equal(t, "Keys", c.Cached().Inputs[0].Name)
}

func TestLookups(t *testing.T) {
	c, fake, _, _ := newCache(t, transport.KindLegacy)
	fake.SetEndpoints(
		transporttest.Endpoints(transport.KindLegacy, "Keys", "Pads"),
		transporttest.Endpoints(transport.KindLegacy, "Synth", "Mixer"),
	)
	_, err := c.ManualRefresh()
	require.NoError(t, err)

	id, ok := c.InputIDByName("Pads")
	assert.True(t, ok)
	assert.Equal(t, "1", id)

	name, ok := c.OutputNameByID("1")
	assert.True(t, ok)
	assert.Equal(t, "Mixer", name)

	name, ok = c.InputNameByID("0")
	assert.True(t, ok)
	assert.Equal(t, "Keys", name)

	_, ok = c.OutputIDByName("Nope")
	assert.False(t, ok)
}

func TestWirelessClassification(t *testing.T) {
	fake := transporttest.New(transport.KindModern)
	fake.SetEndpoints(transporttest.Endpoints(transport.KindModern, "WIDI Master", "BT-4 Pedal", "Keys"), nil)
	excl := []string{"bt-4 pedal"}
	c := New(Config{Adapter: fake, Exclusions: func() []string { return excl }})

	snap, err := c.ManualRefresh()
	require.NoError(t, err)
	assert.True(t, snap.Inputs[0].Wireless)
	assert.False(t, snap.Inputs[1].Wireless)
	assert.False(t, snap.Inputs[2].Wireless)
}

func TestAutoRefresh(t *testing.T) {
	c, fake, _, col := newCache(t, transport.KindLegacy)
	c.SetInterval(FastInterval)
	assert.Equal(t, FastInterval, c.Interval())

	c.StartAutoRefresh()
	c.StartAutoRefresh()
	assert.True(t, c.AutoRefreshing())

	fake.SetEndpoints(transporttest.Endpoints(transport.KindLegacy, "Keys"), nil)
	assert.Eventually(t, func() bool { return col.count(events.DevicesChanged) == 1 }, 2*time.Second, 5*time.Millisecond)

	c.StopAutoRefresh()
	c.StopAutoRefresh()
	assert.False(t, c.AutoRefreshing())

	calls := fake.ListCalls()
	time.Sleep(3 * FastInterval)
	assert.Equal(t, calls, fake.ListCalls())

	c.SetInterval(0)
	assert.Equal(t, DefaultInterval, c.Interval())
}

func TestStopAutoRefreshWithFullBus(t *testing.T) {
	fake := transporttest.New(transport.KindLegacy)
	bus := events.NewBus(1, nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	bus.Subscribe(func(events.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})
	t.Cleanup(bus.Close)

	// The dispatcher is stuck in a subscriber and the queue is full.
	require.True(t, bus.Publish(events.Logf("busy")))
	<-started
	require.True(t, bus.Publish(events.Logf("queued")))

	c := New(Config{Adapter: fake, Bus: bus, Interval: 5 * time.Millisecond})
	c.StartAutoRefresh()
	fake.SetEndpoints(transporttest.Endpoints(transport.KindLegacy, "Keys"), nil)
	assert.Eventually(t, func() bool { return fake.ListCalls() >= 2 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		c.StopAutoRefresh()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("StopAutoRefresh blocked behind a full bus")
	}

	// The undelivered change is still reported by the next poll.
	assert.Empty(t, c.Cached().Inputs)
	close(release)
	changed, err := c.Poll()
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Len(t, c.Cached().Inputs, 1)
}
