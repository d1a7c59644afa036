package nyat

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/nyat-dev/nyat/stun"
)

// MappingBehavior is the result of a one-shot NAT mapping-behavior probe: do
// two different STUN servers see the same public port for one local UDP
// socket? This is a diagnostic, not something the long-running mapping
// controller relies on — the controller never needs to classify its own
// NAT, only to keep reporting its current mapping.
type MappingBehavior int

const (
	// EndpointIndependent means the same public port was observed by both
	// STUN servers: a peer can reach this socket regardless of which
	// remote address it talks to.
	EndpointIndependent MappingBehavior = iota
	// AddressDependent means the two servers saw different public ports:
	// the mapping depends on the remote address, though repeated requests
	// to the same server returned a stable port.
	AddressDependent
	// AddressPortDependent means even two requests to the same server saw
	// different public ports: the mapping is not stable enough to predict.
	AddressPortDependent
)

func (b MappingBehavior) String() string {
	switch b {
	case EndpointIndependent:
		return "endpoint independent mapping"
	case AddressDependent:
		return "address dependent mapping"
	case AddressPortDependent:
		return "address and port dependent mapping"
	default:
		return "unknown"
	}
}

// ClassificationResult carries the classification plus the three raw
// mappings it was derived from, for callers that want to log or display
// the underlying evidence.
type ClassificationResult struct {
	Behavior  MappingBehavior
	MappingA1 netip.AddrPort // first request to serverA
	MappingB1 netip.AddrPort // first request to serverB
	MappingA2 netip.AddrPort // second request to serverA
}

// ClassifyMapping sends three UDP Binding requests — to serverA, to serverB,
// then to serverA again — from a single local socket, and compares the
// three observed public mappings. It is a standalone diagnostic: unlike the
// mapping controller (package mapper), it runs once and returns, and it
// does not attempt RFC 5780 filtering-behavior detection (a non-goal).
func ClassifyMapping(ctx context.Context, serverA, serverB string) (*ClassificationResult, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, NewError(KindSocket, "nyat.ClassifyMapping", err)
	}
	defer conn.Close()

	mappingA1, err := probeOnce(ctx, conn, serverA)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", serverA, err)
	}
	mappingB1, err := probeOnce(ctx, conn, serverB)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", serverB, err)
	}
	mappingA2, err := probeOnce(ctx, conn, serverA)
	if err != nil {
		return nil, fmt.Errorf("probe %s (second request): %w", serverA, err)
	}

	return &ClassificationResult{
		Behavior:  determineBehavior(mappingA1, mappingB1, mappingA2),
		MappingA1: mappingA1,
		MappingB1: mappingB1,
		MappingA2: mappingA2,
	}, nil
}

func probeOnce(ctx context.Context, conn *net.UDPConn, server string) (netip.AddrPort, error) {
	remote, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return netip.AddrPort{}, NewError(KindDNS, "resolve "+server, err)
	}

	req, txID := stun.EncodeBindingRequest()
	deadline := time.Now().Add(3 * time.Second)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return netip.AddrPort{}, NewError(KindStunNetwork, "set deadline", err)
	}

	if _, err := conn.WriteToUDP(req, remote); err != nil {
		return netip.AddrPort{}, NewError(KindStunNetwork, "write binding request", err)
	}

	buf := make([]byte, 2048+64)
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		return netip.AddrPort{}, NewError(KindStunNetwork, "read binding response", err)
	}

	msg, err := stun.Decode(buf[:n])
	if err != nil {
		return netip.AddrPort{}, NewError(KindStunMalformed, "decode binding response", err)
	}
	if msg.TransactionID != txID {
		return netip.AddrPort{}, NewError(KindStunTransactionMismatch, "decode binding response", nil)
	}
	addr, err := stun.MappedAddress(msg)
	if err != nil {
		return netip.AddrPort{}, NewError(KindStunMalformed, "extract mapped address", err)
	}
	return addr, nil
}

// determineBehavior mirrors the teacher's determineNATType: a changing port
// across repeated requests to the same server is the least predictable
// case, checked first regardless of what the second server saw.
func determineBehavior(mappingA1, mappingB1, mappingA2 netip.AddrPort) MappingBehavior {
	if mappingA1.Port() != mappingA2.Port() {
		return AddressPortDependent
	}
	if mappingA1.Port() == mappingB1.Port() {
		return EndpointIndependent
	}
	return AddressDependent
}
