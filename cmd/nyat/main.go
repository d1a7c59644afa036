// Command nyat keeps a NAT mapping alive and reports the public address it
// discovers via STUN, either for a single task (run) or a batch of tasks
// read from a TOML file (batch).
package main

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/hooks"
	"github.com/nyat-dev/nyat/mapper"
	"github.com/nyat-dev/nyat/multi"
	"github.com/nyat-dev/nyat/sock"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
)

const (
	defaultStunPort   = 3478
	defaultRemotePort = 80
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runCommand(os.Args[2:])
	case "batch":
		err = batchCommand(os.Args[2:])
	case "-h", "--help", "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "nyat: unknown command %q\n", os.Args[1])
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "nyat: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: nyat run <tcp|udp> [flags]")
	fmt.Fprintln(os.Stderr, "       nyat batch -c FILE")
}

func signalContext() (context.Context, func()) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runCommand(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	stunAddr := fs.StringP("stun", "s", "", "STUN server address (addr[:port], default port 3478)")
	bind := fs.StringP("bind", "b", "0", "local bind address ([addr:]port)")
	keepalive := fs.Uint64P("keepalive", "k", 0, "keepalive interval in seconds (TCP: 30, UDP: 5)")
	ipv4 := fs.BoolP("ipv4", "4", false, "prefer IPv4 for DNS resolution")
	ipv6 := fs.BoolP("ipv6", "6", false, "prefer IPv6 for DNS resolution")
	iface := fs.StringP("iface", "i", "", "network interface to bind to (linux only)")
	fwmark := fs.Uint32P("fwmark", "f", 0, "firewall mark for policy routing (linux only)")
	forceReuse := fs.Bool("force-reuse", false, "retrofit SO_REUSEPORT on a socket already holding the port (linux only, requires root)")
	remote := fs.StringP("remote", "r", "", "HTTP server for keepalive (TCP only, addr[:port], default port 80)")
	count := fs.IntP("count", "n", 0, "STUN probe cycle: one probe every N keepalive ticks (UDP only)")
	exec := fs.String("exec", "", "shell command to run on every mapping change")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run requires exactly one mode argument: tcp or udp")
	}
	mode := fs.Arg(0)
	if *ipv4 && *ipv6 {
		return fmt.Errorf("--ipv4 and --ipv6 are mutually exclusive")
	}
	if mode == "tcp" && *count != 0 {
		return fmt.Errorf("--count is only valid in udp mode")
	}
	if mode == "udp" && *remote != "" {
		return fmt.Errorf("--remote is only valid in tcp mode")
	}

	pref := nyat.IPVersionNone
	if *ipv4 {
		pref = nyat.IPVersionV4
	} else if *ipv6 {
		pref = nyat.IPVersionV6
	}

	bindAddr, err := parseBind(*bind, *ipv6)
	if err != nil {
		return fmt.Errorf("invalid --bind: %w", err)
	}

	if *stunAddr == "" {
		return fmt.Errorf("--stun is required")
	}
	stun := parseWithDefaultPort(*stunAddr, defaultStunPort, pref)

	local := sock.NewConfig(bindAddr)
	if *fwmark != 0 {
		local = local.WithFirewallMark(*fwmark)
	}
	if *iface != "" {
		local = local.WithInterface(*iface)
	}
	local = local.WithForceReuse(*forceReuse)
	built, err := local.Build()
	if err != nil {
		return err
	}

	b := mapper.NewBuilder(built, stun)
	if *keepalive != 0 {
		b.Interval(time.Duration(*keepalive) * time.Second)
	}

	var m mapper.Mapper
	switch mode {
	case "tcp":
		if *remote == "" {
			return fmt.Errorf("tcp mode requires --remote")
		}
		tb := b.TCPRemote(parseWithDefaultPort(*remote, defaultRemotePort, pref))
		if *keepalive != 0 {
			tb.Interval(time.Duration(*keepalive) * time.Second)
		}
		m, err = tb.BuildTCP()
	case "udp":
		if *count > 0 {
			b.CheckPerTick(*count)
		}
		m, err = b.BuildUDP()
	default:
		return fmt.Errorf("mode must be \"tcp\" or \"udp\", got %q", mode)
	}
	if err != nil {
		return err
	}

	handler := hooks.New(*exec)
	ctx, cancel := signalContext()
	defer cancel()

	runErr := m.Run(ctx, printingHandler{inner: handler})
	if errors.Is(runErr, context.Canceled) {
		return nil
	}
	return runErr
}

func batchCommand(args []string) error {
	fs := flag.NewFlagSet("batch", flag.ExitOnError)
	configPath := fs.StringP("config", "c", "", "path to a TOML batch file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *configPath == "" {
		return fmt.Errorf("batch requires --config")
	}

	cfg, err := multi.Load(*configPath)
	if err != nil {
		return err
	}

	log := logrus.StandardLogger()
	if lvl, err := logrus.ParseLevel(cfg.LogLevel); cfg.LogLevel != "" && err == nil {
		log.SetLevel(lvl)
	}

	execByName := map[string]string{}
	for _, tc := range cfg.Tasks {
		execByName[tc.Name] = tc.Exec
	}

	ctx, cancel := signalContext()
	defer cancel()

	return multi.Run(ctx, cfg, log, func(name string) mapper.MappingHandler {
		if execByName[name] == "" {
			return nil
		}
		return hooks.New(execByName[name])
	})
}

// printingHandler writes "pub_ip pub_port local_ip local_port" to stdout
// for every mapping change, then forwards to inner (e.g. the exec hook).
type printingHandler struct {
	inner mapper.MappingHandler
}

func (h printingHandler) OnChange(info nyat.MappingInfo) {
	fmt.Printf("%s %d %s %d\n", info.Public.Addr(), info.Public.Port(), info.Local.Addr(), info.Local.Port())
	if h.inner != nil {
		h.inner.OnChange(info)
	}
}

func parseBind(s string, ipv6 bool) (netip.AddrPort, error) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap, nil
	}
	wildcard := "0.0.0.0"
	if ipv6 {
		wildcard = "::"
	}
	if ap, err := netip.ParseAddrPort(wildcard + ":" + s); err == nil {
		return ap, nil
	}
	return netip.AddrPort{}, fmt.Errorf("expected PORT or ADDR:PORT, got %q", s)
}

func parseWithDefaultPort(s string, defaultPort uint16, pref nyat.IPVersion) nyat.RemoteEndpoint {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return nyat.FromResolved(ap)
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return nyat.FromResolved(netip.AddrPortFrom(addr, defaultPort))
	}
	if host, portStr, ok := splitHostPort(s); ok {
		var port uint16
		fmt.Sscanf(portStr, "%d", &port)
		return nyat.FromHost(host, port, pref)
	}
	return nyat.FromHost(s, defaultPort, pref)
}

func splitHostPort(s string) (host, port string, ok bool) {
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[:i], s[i+1:], true
		}
	}
	return "", "", false
}
