// Package discovery enumerates serial ports, matches each against a
// registry of driver factories, constructs and probes a driver, and hands
// the results to the session manager, once on demand or repeatedly on a
// fixed, configurable interval (scanIntervalMs; 0 disables the periodic
// scan). Ports remembered in the port cache are probed ahead of the rest
// of the bus.
package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/CK6170/labctl-go/internal/clock"
	"github.com/CK6170/labctl-go/internal/driver"
	"github.com/CK6170/labctl-go/internal/session"
	"github.com/CK6170/labctl-go/internal/transport"
)

// Factory constructs a Driver bound to the given serial port path. The
// returned driver has not been probed yet.
type Factory func(portPath string) (driver.Driver, error)

const probeTimeout = 10 * time.Second

// Scanner periodically reconciles the set of physically-present devices
// with the session manager. Matching is by USB vendor/product id or path
// regex via the registry;
// ports remembered in the cache are probed first so a rediscovery of a
// known device does not wait behind a full bus sweep.
type Scanner struct {
	registry  *transport.DriverRegistry
	factories map[string]Factory
	listPorts func() []transport.PortInfo
	cache     *transport.PortCache
	sessions  *session.Manager
	interval  time.Duration
	clk       clock.Clock
	log       *logrus.Entry

	mu      sync.Mutex
	stopCh  chan struct{}
	running bool
}

// Config collects the scanner's collaborators.
type Config struct {
	Registry  *transport.DriverRegistry
	Factories map[string]Factory
	// ListPorts enumerates candidate ports; nil defaults to
	// transport.ListPortDetails.
	ListPorts func() []transport.PortInfo
	// Cache is optional; nil disables remembered-port ordering.
	Cache    *transport.PortCache
	Sessions *session.Manager
	// ScanIntervalMs is the periodic cadence; <= 0 disables Start (ScanOnce
	// and Sync still work on demand).
	ScanIntervalMs int
	Clock          clock.Clock
	Log            *logrus.Entry
}

// NewScanner constructs a Scanner. It does not scan; call Sync or Start.
func NewScanner(cfg Config) *Scanner {
	if cfg.Log == nil {
		cfg.Log = logrus.NewEntry(logrus.StandardLogger())
	}
	if cfg.ListPorts == nil {
		cfg.ListPorts = transport.ListPortDetails
	}
	return &Scanner{
		registry:  cfg.Registry,
		factories: cfg.Factories,
		listPorts: cfg.ListPorts,
		cache:     cfg.Cache,
		sessions:  cfg.Sessions,
		interval:  time.Duration(cfg.ScanIntervalMs) * time.Millisecond,
		clk:       cfg.Clock,
		log:       cfg.Log,
	}
}

// ScanOnce enumerates ports and probes every one that matches a registered
// driver. Probe failures are logged and skipped; the scan keeps going.
func (s *Scanner) ScanOnce(ctx context.Context) []session.DiscoveredDevice {
	ports := s.orderPorts(s.listPorts())
	var discovered []session.DiscoveredDevice
	for _, port := range ports {
		key := s.registry.Match(port)
		if key == "" {
			continue
		}
		factory, ok := s.factories[key]
		if !ok {
			continue
		}
		d, err := factory(port.Path)
		if err != nil {
			s.log.WithError(err).WithField("port", port.Path).Warn("discovery: driver construction failed")
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		info, err := d.Probe(probeCtx)
		cancel()
		if err != nil {
			s.log.WithError(err).WithField("port", port.Path).Debug("discovery: probe failed")
			continue
		}
		if s.cache != nil {
			s.cache.Set(info.ID, port.Path)
		}
		discovered = append(discovered, session.DiscoveredDevice{ID: info.ID, Driver: d})
	}
	return discovered
}

// Sync runs one scan and reconciles the results into the session set.
func (s *Scanner) Sync(ctx context.Context) error {
	return s.sessions.SyncDevices(ctx, s.ScanOnce(ctx))
}

// orderPorts moves remembered ports to the front so known devices
// reconnect before unknown ports are probed.
func (s *Scanner) orderPorts(ports []transport.PortInfo) []transport.PortInfo {
	if s.cache == nil {
		return ports
	}
	known := s.cache.Ports()
	out := make([]transport.PortInfo, 0, len(ports))
	for _, p := range ports {
		if _, ok := known[p.Path]; ok {
			out = append(out, p)
		}
	}
	for _, p := range ports {
		if _, ok := known[p.Path]; !ok {
			out = append(out, p)
		}
	}
	return out
}

// Start arms the periodic scan. A no-op when the configured interval is
// zero or the scanner is already running.
func (s *Scanner) Start() {
	if s.interval <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	// The timer is armed here rather than in the goroutine so the first
	// interval is measured from Start.
	timer := s.clk.NewTimer(s.interval)
	go s.loop(s.stopCh, timer)
}

// Stop halts the periodic scan. Idempotent.
func (s *Scanner) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	close(s.stopCh)
	s.running = false
}

func (s *Scanner) loop(stopCh chan struct{}, timer clock.Timer) {
	for {
		select {
		case <-stopCh:
			timer.Stop()
			return
		case <-timer.C():
		}
		if err := s.Sync(context.Background()); err != nil {
			s.log.WithError(err).Warn("discovery: periodic sync failed")
		}

		s.mu.Lock()
		stopped := !s.running
		s.mu.Unlock()
		if stopped {
			return
		}
		timer.Reset(s.interval)
	}
}
