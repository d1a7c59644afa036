package nyat

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindFatalOnlyForSocket(t *testing.T) {
	assert.True(t, KindSocket.Fatal())
	for _, k := range []Kind{KindDNS, KindConnection, KindStunMalformed, KindStunTransactionMismatch, KindStunResponseTooLarge, KindStunNetwork, KindKeepalive} {
		assert.False(t, k.Fatal(), "%s should not be fatal", k)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewError(KindDNS, "resolve example.com", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "resolve example.com")
	assert.Contains(t, err.Error(), "dns")
	assert.Contains(t, err.Error(), "boom")
}

func TestErrorIsMatchesOnKind(t *testing.T) {
	a := NewError(KindConnection, "connect", errors.New("refused"))
	b := NewError(KindConnection, "different op", errors.New("reset"))
	c := NewError(KindDNS, "resolve", errors.New("nxdomain"))

	assert.True(t, errors.Is(a, b))
	assert.False(t, errors.Is(a, c))
}
