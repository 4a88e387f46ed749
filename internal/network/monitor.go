package network

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"highlightsync/internal/config"
	"highlightsync/internal/events"
	"highlightsync/internal/logging"
	"highlightsync/internal/metrics"

	"github.com/rs/zerolog"
)

type ConnectionType string

const (
	ConnectionWiFi     ConnectionType = "wifi"
	ConnectionCellular ConnectionType = "cellular"
	ConnectionEthernet ConnectionType = "ethernet"
	ConnectionUnknown  ConnectionType = "unknown"
	ConnectionOffline  ConnectionType = "offline"
)

// Listener is called on every online/offline transition.
type Listener = func(online bool) error

// Prober decides whether the remote side is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// TCPProber dials Address and closes the connection immediately.
type TCPProber struct {
	Address string
	Timeout time.Duration
}

func (p TCPProber) Probe(ctx context.Context) error {
	d := net.Dialer{Timeout: p.Timeout}
	conn, err := d.DialContext(ctx, "tcp", p.Address)
	if err != nil {
		return err
	}
	return conn.Close()
}

type subscription struct {
	id int
	fn Listener
}

// Monitor tracks connectivity and fans transitions out to listeners.
// It starts offline; the first successful probe flips it online.
type Monitor struct {
	mu        sync.Mutex
	online    bool
	listeners []subscription
	nextID    int

	prober     Prober
	interval   time.Duration
	timeout    time.Duration
	interfaces func() ([]net.Interface, error)

	publisher events.Publisher
	logger    zerolog.Logger
}

func NewMonitor(cfg config.NetworkConfig, prober Prober, publisher events.Publisher, logger *zerolog.Logger) *Monitor {
	m := &Monitor{
		prober:     prober,
		interval:   cfg.ProbeInterval,
		timeout:    cfg.ProbeTimeout,
		interfaces: net.Interfaces,
		publisher:  publisher,
		logger:     logging.Component(logger, "network-monitor"),
	}
	if m.interval <= 0 {
		m.interval = 10 * time.Second
	}
	if m.timeout <= 0 {
		m.timeout = 2 * time.Second
	}
	if m.prober == nil && cfg.ProbeAddress != "" {
		m.prober = TCPProber{Address: cfg.ProbeAddress, Timeout: m.timeout}
	}
	metrics.SetOnline(false)
	return m
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn and returns a function that removes it.
func (m *Monitor) Subscribe(fn Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners = append(m.listeners, subscription{id: id, fn: fn})
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, s := range m.listeners {
				if s.id == id {
					m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// SetOnline records the new state. Listeners run synchronously, in
// registration order, only when the state actually changes.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	listeners := make([]subscription, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	metrics.SetOnline(online)
	conn := m.ConnectionType()
	payload := events.NetworkPayload{Online: online, ConnectionType: string(conn)}
	if online {
		m.logger.Info().Str("connection", string(conn)).Msg("network online")
		events.Emit(m.publisher, &m.logger, events.OnlineModeRestored, payload)
	} else {
		m.logger.Warn().Msg("network offline")
		events.Emit(m.publisher, &m.logger, events.OfflineModeEnabled, payload)
	}

	for _, s := range listeners {
		if err := m.notify(s.fn, online); err != nil {
			m.logger.Error().Err(err).Bool("online", online).Msg("network listener failed")
		}
	}
}

func (m *Monitor) notify(fn Listener, online bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(online)
}

// ConnectionType guesses the link type from interface names. It never
// fails: anything it cannot classify is reported as unknown.
func (m *Monitor) ConnectionType() (ct ConnectionType) {
	if !m.IsOnline() {
		return ConnectionOffline
	}
	defer func() {
		if r := recover(); r != nil {
			ct = ConnectionUnknown
		}
	}()

	ifaces, err := m.interfaces()
	if err != nil {
		return ConnectionUnknown
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if kind := classify(iface.Name); kind != ConnectionUnknown {
			return kind
		}
	}
	return ConnectionUnknown
}

func classify(name string) ConnectionType {
	name = strings.ToLower(name)
	switch {
	case strings.HasPrefix(name, "wl"):
		return ConnectionWiFi
	case strings.HasPrefix(name, "wwan"), strings.HasPrefix(name, "rmnet"), strings.HasPrefix(name, "ppp"):
		return ConnectionCellular
	case strings.HasPrefix(name, "eth"), strings.HasPrefix(name, "en"):
		return ConnectionEthernet
	default:
		return ConnectionUnknown
	}
}

// Check runs one probe and applies the result.
func (m *Monitor) Check(ctx context.Context) bool {
	if m.prober == nil {
		return m.IsOnline()
	}
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Probe(probeCtx)
	if err != nil && ctx.Err() != nil {
		return m.IsOnline()
	}
	if err != nil {
		m.logger.Debug().Err(err).Msg("probe failed")
	}
	m.SetOnline(err == nil)
	return err == nil
}

// Serve probes immediately and then on every interval. Without a prober
// the state only changes through SetOnline.
func (m *Monitor) Serve(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		return nil
	}
	m.Check(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

func (m *Monitor) String() string {
	return "network-monitor"
}
