// Package nyat discovers and maintains a stable public (NAT-exterior)
// socket address for a host behind a NAT.
//
// It combines a STUN Binding transaction (package stun) with a keepalive
// loop (package mapper) that prevents the NAT mapping from expiring, using
// sockets produced by a configurable local-endpoint factory (package sock).
//
// nyat targets long-running peer-to-peer or self-hosted services that need
// a dependable external endpoint without UPnP, PCP, or relay brokering.
package nyat
