package hardware

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"licenseplatform/internal/license"
)

const (
	cpuInfoPath     = "proc/cpuinfo"
	boardSerialPath = "sys/class/dmi/id/board_serial"

	// DefaultCacheTTL bounds how long a probed machine is reused.
	DefaultCacheTTL = time.Hour
)

// Probe reads the fingerprint of the machine it runs on. Values that cannot
// be read are left empty; the license core treats empty as a value that only
// matches empty.
type Probe struct {
	root       string
	interfaces func() ([]net.Interface, error)
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu     sync.RWMutex
	cached *license.Machine
	expiry time.Time
}

// Option configures a Probe.
type Option func(*Probe)

// WithRoot reads /proc and /sys below root instead of "/".
func WithRoot(root string) Option {
	return func(p *Probe) { p.root = root }
}

// WithInterfaces replaces net.Interfaces.
func WithInterfaces(fn func() ([]net.Interface, error)) Option {
	return func(p *Probe) { p.interfaces = fn }
}

// WithCacheTTL sets the cache lifetime. Zero disables caching.
func WithCacheTTL(ttl time.Duration) Option {
	return func(p *Probe) { p.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Probe) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProbe creates a probe of the local machine.
func NewProbe(opts ...Option) *Probe {
	p := &Probe{
		root:       "/",
		interfaces: net.Interfaces,
		ttl:        DefaultCacheTTL,
		now:        time.Now,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With(slog.String("component", "hardware_probe"))
	return p
}

// Current returns the machine fingerprint, from cache when still fresh.
func (p *Probe) Current() license.Machine {
	p.mu.RLock()
	if p.cached != nil && p.now().Before(p.expiry) {
		m := *p.cached
		p.mu.RUnlock()
		return m
	}
	p.mu.RUnlock()

	start := p.now()
	m := license.Machine{
		MacAddress:      p.MACAddress(),
		CPUSerial:       p.CPUSerial(),
		MainBoardSerial: p.BoardSerial(),
	}

	if p.ttl > 0 {
		p.mu.Lock()
		p.cached = &m
		p.expiry = p.now().Add(p.ttl)
		p.mu.Unlock()
	}

	p.logger.Debug("machine fingerprint probed",
		slog.String("mac_address", m.MacAddress),
		slog.String("cpu_serial", m.CPUSerial),
		slog.String("board_serial", m.MainBoardSerial),
		slog.Duration("duration", p.now().Sub(start)),
	)
	return m
}

// ClearCache forces the next Current call to probe again.
func (p *Probe) ClearCache() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cached = nil
	p.expiry = time.Time{}
}

// MACAddress returns the first usable hardware address as upper case,
// colon separated hex. Interfaces that are up win over the rest.
func (p *Probe) MACAddress() string {
	ifaces, err := p.interfaces()
	if err != nil {
		p.logger.Warn("failed to list network interfaces", slog.String("error", err.Error()))
		return ""
	}

	for _, upOnly := range []bool{true, false} {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 {
				continue
			}
			if upOnly && iface.Flags&net.FlagUp == 0 {
				continue
			}
			if mac := formatMAC(iface.HardwareAddr); mac != "" {
				return mac
			}
		}
	}
	return ""
}

func formatMAC(addr net.HardwareAddr) string {
	if len(addr) == 0 || bytes.Equal(addr, make([]byte, len(addr))) {
		return ""
	}
	return strings.ToUpper(addr.String())
}

// CPUSerial returns the Serial field of /proc/cpuinfo. CPUs without one
// (most x86) get a short hash of the processor identity lines instead.
func (p *Probe) CPUSerial() string {
	data, err := os.ReadFile(filepath.Join(p.root, cpuInfoPath))
	if err != nil {
		p.logger.Debug("cpuinfo not readable", slog.String("error", err.Error()))
		return ""
	}

	var identity []string
	seen := make(map[string]bool)
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		key, value, ok := strings.Cut(scanner.Text(), ":")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		switch key {
		case "Serial":
			if value != "" {
				return value
			}
		case "vendor_id", "cpu family", "model", "model name", "stepping":
			// every processor block repeats these; keep the first
			if !seen[key] {
				seen[key] = true
				identity = append(identity, key+"="+value)
			}
		}
	}

	if len(identity) == 0 {
		return ""
	}
	sum := sha256.Sum256([]byte(strings.Join(identity, "|")))
	return strings.ToUpper(hex.EncodeToString(sum[:8]))
}

// BoardSerial returns the DMI baseboard serial. Reading it usually needs
// root.
func (p *Probe) BoardSerial() string {
	data, err := os.ReadFile(filepath.Join(p.root, boardSerialPath))
	if err != nil {
		p.logger.Debug("board serial not readable", slog.String("error", err.Error()))
		return ""
	}
	return strings.TrimSpace(string(data))
}
