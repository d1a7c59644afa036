package nyat

import (
	"context"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromResolvedEndpoint(t *testing.T) {
	addr := netip.MustParseAddrPort("203.0.113.5:4000")
	ep := FromResolved(addr)

	assert.True(t, ep.IsResolved())
	assert.Equal(t, "203.0.113.5", ep.Host())

	got, err := ep.SocketAddr(context.Background())
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestFromHostEndpointIsUnresolved(t *testing.T) {
	ep := FromHost("example.com", 443, IPVersionNone)

	assert.False(t, ep.IsResolved())
	assert.Equal(t, "example.com", ep.Host())
}

func TestFromHostEndpointRejectsEmptyLookup(t *testing.T) {
	ep := FromHost("", 80, IPVersionV4)
	_, err := ep.SocketAddr(context.Background())
	assert.Error(t, err)

	var nerr *Error
	require.ErrorAs(t, err, &nerr)
	assert.Equal(t, KindDNS, nerr.Kind)
}
