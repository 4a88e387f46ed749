package network

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(prober Prober, rec *events.Recorder) *Monitor {
	return NewMonitor(config.NetworkConfig{ProbeInterval: 10 * time.Millisecond, ProbeTimeout: 50 * time.Millisecond}, prober, rec, nil)
}

func TestMonitorStartsOffline(t *testing.T) {
	m := newTestMonitor(nil, nil)
	assert.False(t, m.IsOnline())
	assert.Equal(t, ConnectionOffline, m.ConnectionType())
}

func TestSetOnlineNotifiesInOrder(t *testing.T) {
	rec := &events.Recorder{}
	m := newTestMonitor(nil, rec)

	var seen []string
	m.Subscribe(func(online bool) error {
		seen = append(seen, "first")
		return nil
	})
	m.Subscribe(func(online bool) error {
		seen = append(seen, "second")
		return nil
	})

	m.SetOnline(true)
	assert.True(t, m.IsOnline())
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.Equal(t, 1, rec.Count(events.OnlineModeRestored))

	// no transition, no notification
	m.SetOnline(true)
	assert.Len(t, seen, 2)

	m.SetOnline(false)
	assert.Len(t, seen, 4)
	var payload events.NetworkPayload
	require.True(t, rec.Last(events.OfflineModeEnabled, &payload))
	assert.False(t, payload.Online)
	assert.Equal(t, string(ConnectionOffline), payload.ConnectionType)
}

func TestFailingListenersAreIsolated(t *testing.T) {
	m := newTestMonitor(nil, nil)

	var reached atomic.Bool
	m.Subscribe(func(bool) error { return errors.New("boom") })
	m.Subscribe(func(bool) error { panic("listener exploded") })
	m.Subscribe(func(bool) error {
		reached.Store(true)
		return nil
	})

	assert.NotPanics(t, func() { m.SetOnline(true) })
	assert.True(t, reached.Load())
}

func TestUnsubscribe(t *testing.T) {
	m := newTestMonitor(nil, nil)

	calls := 0
	unsubscribe := m.Subscribe(func(bool) error {
		calls++
		return nil
	})
	m.SetOnline(true)
	unsubscribe()
	unsubscribe()
	m.SetOnline(false)

	assert.Equal(t, 1, calls)
}

func TestListenerMayReadState(t *testing.T) {
	m := newTestMonitor(nil, nil)
	var observed bool
	m.Subscribe(func(online bool) error {
		observed = m.IsOnline()
		return nil
	})

	m.SetOnline(true)
	assert.True(t, observed)
}

func TestConnectionTypeClassification(t *testing.T) {
	cases := []struct {
		name   string
		ifaces []net.Interface
		want   ConnectionType
	}{
		{"wifi", []net.Interface{{Name: "lo", Flags: net.FlagUp | net.FlagLoopback}, {Name: "wlan0", Flags: net.FlagUp}}, ConnectionWiFi},
		{"ethernet", []net.Interface{{Name: "enp3s0", Flags: net.FlagUp}}, ConnectionEthernet},
		{"cellular", []net.Interface{{Name: "rmnet_data0", Flags: net.FlagUp}}, ConnectionCellular},
		{"down interfaces ignored", []net.Interface{{Name: "wlan0"}, {Name: "eth0", Flags: net.FlagUp}}, ConnectionEthernet},
		{"unrecognized", []net.Interface{{Name: "utun3", Flags: net.FlagUp}}, ConnectionUnknown},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := newTestMonitor(nil, nil)
			m.interfaces = func() ([]net.Interface, error) { return tc.ifaces, nil }
			m.SetOnline(true)
			assert.Equal(t, tc.want, m.ConnectionType())
		})
	}
}

func TestConnectionTypeNeverFails(t *testing.T) {
	m := newTestMonitor(nil, nil)
	m.SetOnline(true)

	m.interfaces = func() ([]net.Interface, error) { return nil, errors.New("not permitted") }
	assert.Equal(t, ConnectionUnknown, m.ConnectionType())

	m.interfaces = func() ([]net.Interface, error) { panic("platform api missing") }
	assert.Equal(t, ConnectionUnknown, m.ConnectionType())
}

func TestCheckAppliesProbeResult(t *testing.T) {
	var fail atomic.Bool
	m := newTestMonitor(ProberFunc(func(context.Context) error {
		if fail.Load() {
			return errors.New("unreachable")
		}
		return nil
	}), nil)

	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.IsOnline())

	fail.Store(true)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.IsOnline())
}

func TestTCPProber(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	p := TCPProber{Address: addr, Timeout: time.Second}
	assert.NoError(t, p.Probe(context.Background()))

	require.NoError(t, ln.Close())
	assert.Error(t, p.Probe(context.Background()))
}

func TestServeProbesUntilCancelled(t *testing.T) {
	var probes atomic.Int32
	m := newTestMonitor(ProberFunc(func(context.Context) error {
		probes.Add(1)
		return nil
	}), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Serve(ctx) }()

	require.Eventually(t, func() bool { return probes.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, m.IsOnline())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
