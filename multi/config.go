// Package multi runs several mapping tasks concurrently from a TOML batch
// configuration file, each independently supervised and restarted on
// recoverable failure.
package multi

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/mapper"
	"github.com/nyat-dev/nyat/sock"
	"github.com/pelletier/go-toml/v2"
)

// batchFile mirrors the on-disk TOML shape: a [default] table merged into
// every [task.<name>] table that omits a field.
type batchFile struct {
	LogLevel string               `toml:"log-level"`
	Default  defaults             `toml:"default"`
	Task     map[string]taskEntry `toml:"task"`
}

type defaults struct {
	StunHost   string `toml:"stun-host"`
	StunPort   uint16 `toml:"stun-port"`
	RemoteHost string `toml:"remote-host"`
	RemotePort uint16 `toml:"remote-port"`
	Keepalive  uint64 `toml:"keepalive"`
	IPv6       *bool  `toml:"ipv6"`
	Iface      string `toml:"iface"`
	FWMark     uint32 `toml:"fwmark"`
	ForceReuse *bool  `toml:"force-reuse"`
	Exec       string `toml:"exec"`
}

type taskEntry struct {
	Mode       string `toml:"mode"`
	Bind       string `toml:"bind"`
	StunHost   string `toml:"stun-host"`
	StunPort   uint16 `toml:"stun-port"`
	RemoteHost string `toml:"remote-host"`
	RemotePort uint16 `toml:"remote-port"`
	Keepalive  uint64 `toml:"keepalive"`
	Count      int    `toml:"count"`
	IPv6       *bool  `toml:"ipv6"`
	Iface      string `toml:"iface"`
	FWMark     uint32 `toml:"fwmark"`
	ForceReuse *bool  `toml:"force-reuse"`
	Exec       string `toml:"exec"`
}

// TaskConfig is a fully resolved, ready-to-build task: every field that
// can fall back to [default] already has.
type TaskConfig struct {
	Name       string
	Mode       nyat.Protocol
	Bind       netip.AddrPort
	Stun       nyat.RemoteEndpoint
	Remote     nyat.RemoteEndpoint // TCP only
	Count      int                 // UDP only, 0 means "use the mapper default"
	Keepalive  time.Duration       // zero means "use the mapper default"
	Iface      string
	FWMark     uint32
	HasIface   bool
	HasFWMark  bool
	ForceReuse bool
	Exec       string
}

// Config is a parsed and fully-resolved batch file.
type Config struct {
	LogLevel string
	Tasks    []TaskConfig
}

// Load reads and parses a TOML batch file from path.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var file batchFile
	if err := toml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(file.Task) == 0 {
		return nil, fmt.Errorf("%s: no [task.*] entries", path)
	}

	cfg := &Config{LogLevel: file.LogLevel}
	for name, entry := range file.Task {
		tc, err := entry.resolve(name, file.Default)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", name, err)
		}
		cfg.Tasks = append(cfg.Tasks, tc)
	}
	return cfg, nil
}

func (e taskEntry) resolve(name string, d defaults) (TaskConfig, error) {
	ipv6 := false
	if e.IPv6 != nil {
		ipv6 = *e.IPv6
	} else if d.IPv6 != nil {
		ipv6 = *d.IPv6
	}
	pref := nyat.IPVersionV4
	if ipv6 {
		pref = nyat.IPVersionV6
	}

	bind, err := parseBind(e.Bind, ipv6)
	if err != nil {
		return TaskConfig{}, fmt.Errorf("bind: %w", err)
	}

	stunHost, stunPort := firstNonEmpty(e.StunHost, d.StunHost), firstNonZeroPort(e.StunPort, d.StunPort)
	if stunHost == "" {
		return TaskConfig{}, fmt.Errorf("requires stun-host/stun-port")
	}
	stun := resolveEndpoint(stunHost, stunPort, pref)

	keepalive := time.Duration(0)
	if e.Keepalive != 0 {
		keepalive = time.Duration(e.Keepalive) * time.Second
	} else if d.Keepalive != 0 {
		keepalive = time.Duration(d.Keepalive) * time.Second
	}

	tc := TaskConfig{
		Name:      name,
		Bind:      bind,
		Stun:      stun,
		Keepalive: keepalive,
	}

	switch e.Mode {
	case "tcp":
		tc.Mode = nyat.TCP
		remoteHost := firstNonEmpty(e.RemoteHost, d.RemoteHost)
		remotePort := firstNonZeroPort(e.RemotePort, d.RemotePort)
		if remoteHost == "" {
			return TaskConfig{}, fmt.Errorf("tcp mode requires remote-host and remote-port")
		}
		tc.Remote = resolveEndpoint(remoteHost, remotePort, pref)
	case "udp":
		tc.Mode = nyat.UDP
		if e.RemoteHost != "" || e.RemotePort != 0 {
			return TaskConfig{}, fmt.Errorf("remote-host/remote-port are not valid in udp mode")
		}
		tc.Count = e.Count
	default:
		return TaskConfig{}, fmt.Errorf("mode must be \"tcp\" or \"udp\", got %q", e.Mode)
	}

	if iface := firstNonEmpty(e.Iface, d.Iface); iface != "" {
		tc.Iface = iface
		tc.HasIface = true
	}
	if fwmark := firstNonZero(e.FWMark, d.FWMark); fwmark != 0 {
		tc.FWMark = fwmark
		tc.HasFWMark = true
	}
	if e.ForceReuse != nil {
		tc.ForceReuse = *e.ForceReuse
	} else if d.ForceReuse != nil {
		tc.ForceReuse = *d.ForceReuse
	}
	tc.Exec = firstNonEmpty(e.Exec, d.Exec)

	return tc, nil
}

func parseBind(s string, ipv6 bool) (netip.AddrPort, error) {
	if s == "" {
		s = "0"
	}
	wildcard := "0.0.0.0"
	if ipv6 {
		wildcard = "::"
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	if port, err := netip.ParseAddrPort(wildcard + ":" + s); err == nil {
		return port, nil
	}
	return netip.AddrPort{}, fmt.Errorf("invalid bind %q: expected PORT or ADDR:PORT", s)
}

func resolveEndpoint(host string, port uint16, pref nyat.IPVersion) nyat.RemoteEndpoint {
	if addr, err := netip.ParseAddr(host); err == nil {
		return nyat.FromResolved(netip.AddrPortFrom(addr, port))
	}
	return nyat.FromHost(host, port, pref)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonZeroPort(a, b uint16) uint16 {
	if a != 0 {
		return a
	}
	return b
}

func firstNonZero(a, b uint32) uint32 {
	if a != 0 {
		return a
	}
	return b
}

// Builder constructs the mapper for a resolved TaskConfig.
func (tc TaskConfig) Builder() (mapper.Mapper, error) {
	local := sock.NewConfig(tc.Bind)
	if tc.HasFWMark {
		local = local.WithFirewallMark(tc.FWMark)
	}
	if tc.HasIface {
		local = local.WithInterface(tc.Iface)
	}
	local = local.WithForceReuse(tc.ForceReuse)

	built, err := local.Build()
	if err != nil {
		return nil, err
	}

	b := mapper.NewBuilder(built, tc.Stun)
	if tc.Keepalive != 0 {
		b.Interval(tc.Keepalive)
	}

	switch tc.Mode {
	case nyat.TCP:
		tb := b.TCPRemote(tc.Remote)
		if tc.Keepalive != 0 {
			tb.Interval(tc.Keepalive)
		}
		return tb.BuildTCP()
	default:
		if tc.Count > 0 {
			b.CheckPerTick(tc.Count)
		}
		return b.BuildUDP()
	}
}
