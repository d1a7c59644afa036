package mapper

import (
	"bufio"
	"context"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nyat-dev/nyat"
	"github.com/nyat-dev/nyat/sock"
	"github.com/nyat-dev/nyat/stun"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stunTCPServer answers one STUN binding request per accepted connection
// with reply, then keeps the connection open for keepalive traffic
// until the test closes it (simulating a FIN) or the server is torn down.
type stunTCPServer struct {
	ln    net.Listener
	mu    sync.Mutex
	reply netip.AddrPort
	conns []net.Conn
}

func newStunTCPServer(t *testing.T, reply netip.AddrPort) *stunTCPServer {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	s := &stunTCPServer{ln: ln, reply: reply}
	go s.serve()
	return s
}

func (s *stunTCPServer) serve() {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
		go s.handle(conn)
	}
}

func (s *stunTCPServer) handle(conn net.Conn) {
	header := make([]byte, 20)
	if _, err := conn.Read(header); err != nil {
		return
	}
	msg, err := stun.Decode(header)
	if err != nil {
		return
	}
	if msg.Type != stun.TypeBindingRequest {
		return
	}

	s.mu.Lock()
	reply := s.reply
	s.mu.Unlock()

	attr := xorMappedAttr(reply, msg.TransactionID)
	resp := stun.Encode(stun.Message{
		Type:          stun.TypeBindingResponse,
		TransactionID: msg.TransactionID,
		Attributes:    []stun.Attribute{attr},
	})
	if _, err := conn.Write(resp); err != nil {
		return
	}

	// Drain anything the client sends afterwards (keepalive probes) until
	// the connection is closed.
	r := bufio.NewReader(conn)
	buf := make([]byte, 1024)
	for {
		if _, err := r.Read(buf); err != nil {
			return
		}
	}
}

func (s *stunTCPServer) addr() netip.AddrPort {
	return s.ln.Addr().(*net.TCPAddr).AddrPort()
}

// closeOldestConn closes the first accepted connection, simulating the
// keepalive peer sending a FIN.
func (s *stunTCPServer) closeOldestConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.conns) > 0 {
		s.conns[0].Close()
	}
}

func (s *stunTCPServer) Close() {
	s.ln.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
}

func newTCPMapper(t *testing.T, stunSrv, kaSrv *stunTCPServer, interval time.Duration) *TCPMapper {
	t.Helper()
	local, err := sock.NewConfig(netip.MustParseAddrPort("127.0.0.1:0")).Build()
	require.NoError(t, err)

	m, err := NewBuilder(local, nyat.FromResolved(stunSrv.addr())).
		TCPRemote(nyat.FromResolved(kaSrv.addr())).
		Interval(interval).
		BuildTCP()
	require.NoError(t, err)
	return m
}

func TestTCPMapperReportsStaticAddress(t *testing.T) {
	want := netip.MustParseAddrPort("203.0.113.10:51000")
	stunSrv := newStunTCPServer(t, want)
	defer stunSrv.Close()
	kaSrv := newStunTCPServer(t, want)
	defer kaSrv.Close()

	m := newTCPMapper(t, stunSrv, kaSrv, 20*time.Millisecond)

	var mu sync.Mutex
	var seen []nyat.MappingInfo
	handler := HandlerFunc(func(info nyat.MappingInfo) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, info)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := m.Run(ctx, handler)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, want, seen[0].Public)
}

func TestTCPMapperReconnectsAfterFIN(t *testing.T) {
	want := netip.MustParseAddrPort("203.0.113.10:51000")
	stunSrv := newStunTCPServer(t, want)
	defer stunSrv.Close()
	kaSrv := newStunTCPServer(t, want)
	defer kaSrv.Close()

	m := newTCPMapper(t, stunSrv, kaSrv, 15*time.Millisecond)

	var calls atomic.Int32
	handler := HandlerFunc(func(nyat.MappingInfo) { calls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), Backoff+500*time.Millisecond)
	defer cancel()

	go func() {
		time.Sleep(80 * time.Millisecond)
		kaSrv.closeOldestConn()
	}()

	err := m.Run(ctx, handler)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The FIN triggers a second setup cycle (a second keepalive connection
	// is accepted), but it re-discovers the same public address, so the
	// handler is only called for the first observation.
	kaSrv.mu.Lock()
	accepted := len(kaSrv.conns)
	kaSrv.mu.Unlock()
	assert.GreaterOrEqual(t, accepted, 2)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTCPMapperExhaustsRetriesOnPersistentFailure(t *testing.T) {
	stunSrv := newStunTCPServer(t, netip.MustParseAddrPort("203.0.113.10:51000"))
	defer stunSrv.Close()

	// A keepalive remote that refuses every connection.
	refusing, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	refusingAddr := refusing.Addr().(*net.TCPAddr).AddrPort()
	refusing.Close()

	local, err := sock.NewConfig(netip.MustParseAddrPort("127.0.0.1:0")).Build()
	require.NoError(t, err)

	m, err := NewBuilder(local, nyat.FromResolved(stunSrv.addr())).
		TCPRemote(nyat.FromResolved(refusingAddr)).
		Interval(10 * time.Millisecond).
		BuildTCP()
	require.NoError(t, err)

	handler := HandlerFunc(func(nyat.MappingInfo) {})

	ctx, cancel := context.WithTimeout(context.Background(), RetryLimit*Backoff+5*time.Second)
	defer cancel()

	err = m.Run(ctx, handler)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestTCPMapperSocketErrorIsFatal(t *testing.T) {
	stunSrv := newStunTCPServer(t, netip.MustParseAddrPort("203.0.113.10:51000"))
	defer stunSrv.Close()

	// An unspecified (invalid) local address fails at bind time with a
	// Kind=Socket error, which Run must return immediately without ever
	// sleeping through a Backoff.
	local, err := sock.NewConfig(netip.AddrPort{}).Build()
	require.NoError(t, err)

	m, err := NewBuilder(local, nyat.FromResolved(stunSrv.addr())).
		TCPRemote(nyat.FromResolved(stunSrv.addr())).
		BuildTCP()
	require.NoError(t, err)

	handler := HandlerFunc(func(nyat.MappingInfo) {})

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), Backoff)
	defer cancel()

	err = m.Run(ctx, handler)
	elapsed := time.Since(start)

	require.Error(t, err)
	var nerr *nyat.Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, nyat.KindSocket, nerr.Kind)
	assert.Less(t, elapsed, Backoff)
}
