package mapper

import (
	"errors"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/sock"
)

// Builder assembles a UDPMapper, or — once TCPRemote is called — a
// TCPBuilder that assembles a TCPMapper. Go has no phantom types, so the
// "must supply a keepalive remote before building TCP" constraint that the
// reference implementation encodes at the type level is instead encoded by
// TCPRemote returning a distinct builder type that is the only place
// BuildTCP is defined.
type Builder struct {
	local     *sock.Config
	stunAddr  nyat.RemoteEndpoint
	interval  time.Duration
	checkTick int
}

// NewBuilder starts a Builder. local must already be validated with
// Config.Build.
func NewBuilder(local *sock.Config, stunAddr nyat.RemoteEndpoint) *Builder {
	return &Builder{
		local:     local,
		stunAddr:  stunAddr,
		interval:  defaultUDPInterval,
		checkTick: defaultCheckPerTick,
	}
}

// Interval overrides the default keepalive tick interval (5s for UDP).
func (b *Builder) Interval(d time.Duration) *Builder {
	b.interval = d
	return b
}

// CheckPerTick sets how many keepalive ticks elapse between STUN
// re-probes, for UDP only. Values below 1 are clamped to 1.
func (b *Builder) CheckPerTick(n int) *Builder {
	if n < 1 {
		n = 1
	}
	b.checkTick = n
	return b
}

// TCPRemote supplies the keepalive remote required for TCP mode and
// returns the builder that can produce a TCPMapper.
func (b *Builder) TCPRemote(remote nyat.RemoteEndpoint) *TCPBuilder {
	return &TCPBuilder{
		local:    b.local,
		stunAddr: b.stunAddr,
		remote:   remote,
		interval: defaultTCPInterval,
	}
}

// BuildUDP validates the configuration and returns a UDPMapper.
func (b *Builder) BuildUDP() (*UDPMapper, error) {
	if b.local == nil {
		return nil, errors.New("mapper: local socket config is required")
	}
	if b.stunAddr == nil {
		return nil, errors.New("mapper: stun address is required")
	}
	return &UDPMapper{
		local:     b.local,
		stunAddr:  b.stunAddr,
		interval:  b.interval,
		checkTick: b.checkTick,
	}, nil
}

// TCPBuilder assembles a TCPMapper; obtained from Builder.TCPRemote.
type TCPBuilder struct {
	local    *sock.Config
	stunAddr nyat.RemoteEndpoint
	remote   nyat.RemoteEndpoint
	interval time.Duration
}

// Interval overrides the default keepalive tick interval (30s for TCP).
func (b *TCPBuilder) Interval(d time.Duration) *TCPBuilder {
	b.interval = d
	return b
}

// BuildTCP validates the configuration and returns a TCPMapper.
func (b *TCPBuilder) BuildTCP() (*TCPMapper, error) {
	if b.local == nil {
		return nil, errors.New("mapper: local socket config is required")
	}
	if b.stunAddr == nil {
		return nil, errors.New("mapper: stun address is required")
	}
	if b.remote == nil {
		return nil, errors.New("mapper: tcp keepalive remote is required")
	}
	return &TCPMapper{
		local:    b.local,
		stunAddr: b.stunAddr,
		remote:   b.remote,
		interval: b.interval,
	}, nil
}
