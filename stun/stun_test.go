package stun

import (
	"context"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	data, txID := EncodeBindingRequest()

	msg, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, TypeBindingRequest, msg.Type)
	assert.Equal(t, txID, msg.TransactionID)
}

func TestXorMappedAddressRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		ip   netip.Addr
		port uint16
	}{
		{"v4", netip.MustParseAddr("203.0.113.7"), 40001},
		{"v6", netip.MustParseAddr("2001:db8::1"), 443},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txID := newTransactionID()
			attr := buildXorMappedAddress(tt.ip, tt.port, txID)

			msg := &Message{
				Type:          TypeBindingResponse,
				TransactionID: txID,
				Attributes:    []Attribute{attr},
			}

			addr, err := MappedAddress(msg)
			require.NoError(t, err)
			assert.Equal(t, tt.ip, addr.Addr())
			assert.Equal(t, tt.port, addr.Port())
		})
	}
}

func TestMappedAddressFallback(t *testing.T) {
	txID := newTransactionID()
	attr := buildMappedAddress(netip.MustParseAddr("198.51.100.9"), 8080)

	msg := &Message{Type: TypeBindingResponse, TransactionID: txID, Attributes: []Attribute{attr}}
	addr, err := MappedAddress(msg)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9:8080", addr.String())
}

func TestDecodeBoundaries(t *testing.T) {
	t.Run("length 0 without mapped address is malformed", func(t *testing.T) {
		data := make([]byte, headerLen)
		binary.BigEndian.PutUint16(data[0:2], TypeBindingResponse)
		binary.BigEndian.PutUint32(data[4:8], MagicCookie)

		msg, err := Decode(data)
		require.NoError(t, err)
		_, err = MappedAddress(msg)
		assert.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("body length 2048 accepted", func(t *testing.T) {
		data := headerWithBodyLen(t, 2048)
		_, err := Decode(data)
		assert.NoError(t, err)
	})

	t.Run("body length 2049 rejected", func(t *testing.T) {
		data := headerWithBodyLen(t, 2049)
		_, err := Decode(data)
		assert.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("attribute padding rounds to 4-byte boundary", func(t *testing.T) {
		txID := newTransactionID()
		// 1-byte value, e.g. a type we don't care about here.
		value := []byte{0xAB}
		attr := Attribute{Type: 0x9999, Value: value}
		// followed by a real XOR-MAPPED-ADDRESS, to verify the parser
		// found the right offset after the padded attribute.
		xorAttr := buildXorMappedAddress(netip.MustParseAddr("203.0.113.7"), 40001, txID)

		msg := Message{Type: TypeBindingResponse, TransactionID: txID, Attributes: []Attribute{attr, xorAttr}}
		data := Encode(msg)

		decoded, err := Decode(data)
		require.NoError(t, err)
		require.Len(t, decoded.Attributes, 2)

		addr, err := MappedAddress(decoded)
		require.NoError(t, err)
		assert.Equal(t, "203.0.113.7:40001", addr.String())
	})
}

func headerWithBodyLen(t *testing.T, n int) []byte {
	t.Helper()
	data := make([]byte, headerLen+n)
	binary.BigEndian.PutUint16(data[0:2], TypeBindingResponse)
	binary.BigEndian.PutUint16(data[2:4], uint16(n))
	binary.BigEndian.PutUint32(data[4:8], MagicCookie)
	return data
}

func buildXorMappedAddress(ip netip.Addr, port uint16, txID TransactionID) Attribute {
	var cookie [4]byte
	binary.BigEndian.PutUint32(cookie[:], MagicCookie)

	xport := port ^ uint16(MagicCookie>>16)

	if ip.Is4() {
		b := ip.As4()
		for i := range b {
			b[i] ^= cookie[i]
		}
		value := make([]byte, 8)
		value[1] = 0x01
		binary.BigEndian.PutUint16(value[2:4], xport)
		copy(value[4:8], b[:])
		return Attribute{Type: AttrXorMappedAddress, Value: value}
	}

	b := ip.As16()
	var key [16]byte
	copy(key[0:4], cookie[:])
	copy(key[4:16], txID[:])
	for i := range b {
		b[i] ^= key[i]
	}
	value := make([]byte, 20)
	value[1] = 0x02
	binary.BigEndian.PutUint16(value[2:4], xport)
	copy(value[4:20], b[:])
	return Attribute{Type: AttrXorMappedAddress, Value: value}
}

func buildMappedAddress(ip netip.Addr, port uint16) Attribute {
	b := ip.As4()
	value := make([]byte, 8)
	value[1] = 0x01
	binary.BigEndian.PutUint16(value[2:4], port)
	copy(value[4:8], b[:])
	return Attribute{Type: AttrMappedAddress, Value: value}
}

func TestUDPDiscover(t *testing.T) {
	server, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		buf := make([]byte, 2048)
		n, addr, err := server.ReadFromUDP(buf)
		if err != nil {
			return
		}
		msg, err := Decode(buf[:n])
		if err != nil {
			return
		}
		attr := buildXorMappedAddress(netip.MustParseAddr("203.0.113.7"), 40001, msg.TransactionID)
		resp := Encode(Message{Type: TypeBindingResponse, TransactionID: msg.TransactionID, Attributes: []Attribute{attr}})
		_, _ = server.WriteToUDP(resp, addr)
	}()

	conn, err := net.DialUDP("udp4", nil, server.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := UDPDiscover(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:40001", addr.String())

	<-done
}

func TestTCPDiscover(t *testing.T) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		header := make([]byte, headerLen)
		if _, err := conn.Read(header); err != nil {
			return
		}
		msg, err := Decode(header)
		if err != nil {
			return
		}
		attr := buildXorMappedAddress(netip.MustParseAddr("198.51.100.9"), 8080, msg.TransactionID)
		resp := Encode(Message{Type: TypeBindingResponse, TransactionID: msg.TransactionID, Attributes: []Attribute{attr}})
		_, _ = conn.Write(resp)
	}()

	conn, err := net.Dial("tcp4", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addr, err := TCPDiscover(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.9:8080", addr.String())
}
