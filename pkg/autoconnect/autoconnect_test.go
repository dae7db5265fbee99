package autoconnect

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chase3718/midirelay/pkg/cache"
	"github.com/chase3718/midirelay/pkg/events"
	"github.com/chase3718/midirelay/pkg/transport"
	"github.com/chase3718/midirelay/pkg/transport/transporttest"
)

type fakeDevices struct {
	mu        sync.Mutex
	snap      cache.Snapshot
	refreshes int
	onRefresh func(n int)
}

func (d *fakeDevices) set(kind transport.Kind, ins, outs []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.snap = cache.Snapshot{
		Inputs:  transporttest.Endpoints(kind, ins...),
		Outputs: transporttest.Endpoints(kind, outs...),
	}
}

func (d *fakeDevices) Cached() cache.Snapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snap
}

func (d *fakeDevices) ManualRefresh() (cache.Snapshot, error) {
	d.mu.Lock()
	d.refreshes++
	n, hook := d.refreshes, d.onRefresh
	d.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return d.Cached(), nil
}

type connects struct {
	mu    sync.Mutex
	pairs [][2]string
	err   error
}

func (c *connects) connect(_ context.Context, in, out string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pairs = append(c.pairs, [2]string{in, out})
	return c.err
}

func (c *connects) calls() [][2]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][2]string(nil), c.pairs...)
}

func immediately(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func never(time.Duration) <-chan time.Time { return nil }

func stored(in, out, inID, outID string) func() Selection {
	return func() Selection { return Selection{InputName: in, OutputName: out, InputID: inID, OutputID: outID} }
}

func TestImmediateMatch(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindLegacy, []string{"Keys", "Pads"}, []string{"Synth"})
	var cs connects
	c := New(Config{
		Selection: stored("Pads", "Synth", "1", "0"),
		Devices:   dev,
		Connect:   cs.connect,
		After:     never,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, out)
	assert.Equal(t, [][2]string{{"1", "0"}}, cs.calls())
	assert.Equal(t, 1, c.Attempts())
	assert.Equal(t, Connected, c.Last())
}

func TestExhaustsAfterMaxAttempts(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, []string{"Other"}, []string{"Synth"})
	bus := events.NewBus(0, nil)
	var exhausted []events.Event
	var mu sync.Mutex
	bus.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if e.Type == events.AutoConnectExhausted {
			exhausted = append(exhausted, e)
		}
	})
	var cs connects
	c := New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     cs.connect,
		MaxAttempts: 3,
		Bus:         bus,
		After:       immediately,
	})

	out, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, Exhausted, out)
	assert.Equal(t, 3, c.Attempts())
	assert.Equal(t, 2, dev.refreshes)
	assert.Empty(t, cs.calls())

	bus.Close()
	require.Len(t, exhausted, 1)
	assert.Equal(t, 3, exhausted[0].Attempt)
}

func TestCancelDuringSecondAttempt(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, nil, nil)
	var cs connects
	var c *Coordinator
	dev.onRefresh = func(n int) {
		if n == 1 {
			c.Cancel()
		}
	}
	c = New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     cs.connect,
		MaxAttempts: 3,
		After:       immediately,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out)
	assert.Equal(t, 2, c.Attempts())
	assert.Equal(t, 1, dev.refreshes)

	assert.False(t, c.Start(context.Background()))
	out, _ = c.Run(context.Background())
	assert.Equal(t, Cancelled, out)
}

func TestDriftDefersToRetry(t *testing.T) {
	dev := &fakeDevices{}
	// Recorded at positions 1 and 0; the list has shifted since.
	dev.set(transport.KindLegacy, []string{"Pads", "Keys"}, []string{"Synth"})
	var cs connects
	c := New(Config{
		Selection: stored("Pads", "Synth", "1", "0"),
		Devices:   dev,
		Connect:   cs.connect,
		After:     immediately,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, out)
	assert.Equal(t, 2, c.Attempts())
	assert.Equal(t, [][2]string{{"0", "0"}}, cs.calls())
}

func TestStableIDsIgnoreDrift(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	var cs connects
	c := New(Config{
		Selection: stored("Keys", "Synth", "stale", "stale"),
		Devices:   dev,
		StableIDs: true,
		Connect:   cs.connect,
		After:     never,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, out)
	assert.Equal(t, 1, c.Attempts())
}

func TestSkipped(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	var cs connects

	t.Run("Disabled", func(t *testing.T) {
		c := New(Config{
			Enabled:   func() bool { return false },
			Selection: stored("Keys", "Synth", "", ""),
			Devices:   dev,
			Connect:   cs.connect,
		})
		out, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Skipped, out)
	})

	t.Run("NothingStored", func(t *testing.T) {
		c := New(Config{Selection: stored("", "", "", ""), Devices: dev, Connect: cs.connect})
		out, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Skipped, out)
	})

	t.Run("Busy", func(t *testing.T) {
		c := New(Config{
			Selection: stored("Keys", "Synth", "", ""),
			Devices:   dev,
			Connect:   cs.connect,
			Busy:      func() bool { return true },
		})
		out, err := c.Run(context.Background())
		require.NoError(t, err)
		assert.Equal(t, Skipped, out)
	})

	assert.Empty(t, cs.calls())
}

func TestConnectErrorKeepsRetrying(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	cs := &connects{err: errors.New("device busy")}
	dev.onRefresh = func(n int) {
		if n == 1 {
			cs.mu.Lock()
			cs.err = nil
			cs.mu.Unlock()
		}
	}
	c := New(Config{
		Selection: stored("Keys", "Synth", "", ""),
		Devices:   dev,
		StableIDs: true,
		Connect:   cs.connect,
		After:     immediately,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Connected, out)
	assert.Len(t, cs.calls(), 2)
}

func TestDevicesChangedWakesLoop(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, nil, nil)
	var cs connects
	c := New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     cs.connect,
		MaxAttempts: 3,
		After:       never,
	})

	require.True(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool { return c.Attempts() == 1 }, time.Second, time.Millisecond)

	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	c.NotifyDevicesChanged()

	assert.Eventually(t, func() bool { return !c.Running() && c.Last() == Connected }, time.Second, time.Millisecond)
	assert.Equal(t, [][2]string{{"id-Keys", "id-Synth"}}, cs.calls())
}

func TestDevicesChangedRestartsIdleCoordinator(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, nil, nil)
	var cs connects
	c := New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     cs.connect,
		MaxAttempts: 1,
		After:       never,
	})

	out, err := c.Run(context.Background())
	assert.ErrorIs(t, err, ErrExhausted)
	assert.Equal(t, Exhausted, out)

	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	c.NotifyDevicesChanged()
	assert.Eventually(t, func() bool { return c.Last() == Connected }, time.Second, time.Millisecond)

	c.Cancel()
	c.NotifyDevicesChanged()
	assert.False(t, c.Running())
	assert.Len(t, cs.calls(), 1)
}

func TestCancelDuringRefreshSkipsConnect(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, nil, nil)
	var cs connects
	var c *Coordinator
	// The pair shows up in the same refresh the user cancels during.
	dev.onRefresh = func(int) {
		dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
		c.Cancel()
	}
	c = New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     cs.connect,
		MaxAttempts: 3,
		After:       immediately,
	})

	out, err := c.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Cancelled, out)
	assert.Equal(t, 2, c.Attempts())
	assert.Empty(t, cs.calls())
}

func TestCancelWaitsForInFlightConnect(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, []string{"Keys"}, []string{"Synth"})
	entered := make(chan struct{})
	release := make(chan struct{})
	var finished atomic.Bool
	c := New(Config{
		Selection: stored("Keys", "Synth", "", ""),
		Devices:   dev,
		StableIDs: true,
		Connect: func(context.Context, string, string) error {
			close(entered)
			<-release
			finished.Store(true)
			return nil
		},
		After: never,
	})

	require.True(t, c.Start(context.Background()))
	<-entered

	cancelled := make(chan struct{})
	go func() {
		c.Cancel()
		close(cancelled)
	}()
	select {
	case <-cancelled:
		t.Fatal("Cancel returned while a connect was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("Cancel did not return after the connect finished")
	}
	assert.True(t, finished.Load())
}

func TestWaitReturnsAfterCancel(t *testing.T) {
	dev := &fakeDevices{}
	dev.set(transport.KindModern, nil, nil)
	c := New(Config{
		Selection:   stored("Keys", "Synth", "", ""),
		Devices:     dev,
		StableIDs:   true,
		Connect:     (&connects{}).connect,
		MaxAttempts: 5,
		After:       never,
	})

	// Nothing to wait for before the first run.
	c.Wait()

	require.True(t, c.Start(context.Background()))
	assert.Eventually(t, func() bool { return c.Attempts() == 1 }, time.Second, time.Millisecond)
	assert.True(t, c.Running())

	waited := make(chan struct{})
	go func() {
		c.Wait()
		close(waited)
	}()
	c.Cancel()
	select {
	case <-waited:
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not return after Cancel")
	}
	assert.False(t, c.Running())
	assert.Equal(t, Cancelled, c.Last())
}
