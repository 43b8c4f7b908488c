package discovery

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/meshpay/meshd/lib/errors"
)

func TestEncodeImHere_Golden(t *testing.T) {
	data := EncodeImHere(netip.AddrFrom16([16]byte{10: 0xff, 11: 0xff, 12: 0xc0, 13: 0x0a, 14: 0x02, 15: 0xff}))

	want := []byte{
		0x5b, 0x00, 0x13,
		0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0xff, 0xff, 0xc0, 0x0a, 0x02, 0xff,
	}
	assert.Equal(t, want, data)
	assert.Len(t, data, ImHereLen)
}

func TestDecodeImHere_RoundTrip(t *testing.T) {
	addrs := []string{
		"fe80::1",
		"fe80::dead:beef:1234:5678",
		"fd00::1337",
		"2001:db8::42",
		"::ffff:192.10.2.255",
	}

	for _, s := range addrs {
		t.Run(s, func(t *testing.T) {
			addr := netip.MustParseAddr(s)
			got, err := DecodeImHere(EncodeImHere(addr))
			require.NoError(t, err)
			assert.Equal(t, addr, got)
		})
	}
}

func TestDecodeImHere_Rejects(t *testing.T) {
	valid := EncodeImHere(netip.MustParseAddr("fe80::1"))

	wrongMagic := append([]byte(nil), valid...)
	wrongMagic[0] = 0x5c

	shortDeclared := append([]byte(nil), valid...)
	binary.BigEndian.PutUint16(shortDeclared[1:3], ImHereLen-1)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"wrong magic", wrongMagic},
		{"declared length too small", shortDeclared},
		{"header only", valid[:3]},
		{"truncated address", valid[:ImHereLen-1]},
		{"unspecified", EncodeImHere(netip.IPv6Unspecified())},
		{"loopback", EncodeImHere(netip.IPv6Loopback())},
		{"multicast", EncodeImHere(netip.MustParseAddr("ff02::1"))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeImHere(tt.buf)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrDecode)
		})
	}
}

func TestDecodeImHere_TrailingBytesTolerated(t *testing.T) {
	addr := netip.MustParseAddr("fe80::abcd")
	buf := EncodeImHere(addr)
	binary.BigEndian.PutUint16(buf[1:3], ImHereLen+4)
	buf = append(buf, 1, 2, 3, 4)

	got, err := DecodeImHere(buf)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func FuzzDecodeImHere(f *testing.F) {
	f.Add(EncodeImHere(netip.MustParseAddr("fe80::1")))
	f.Add([]byte{MsgImHere})
	f.Add([]byte{})

	f.Fuzz(func(t *testing.T, buf []byte) {
		addr, err := DecodeImHere(buf)
		if err != nil {
			return
		}
		if addr.IsLoopback() || addr.IsMulticast() || addr.IsUnspecified() {
			t.Fatalf("decoded unusable address %s", addr)
		}
	})
}
