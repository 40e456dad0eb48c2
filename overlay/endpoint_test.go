// Copyright 2024 The ZeroTierOne Authors
// This file is part of the ZeroTierOne library.
//
// The ZeroTierOne library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The ZeroTierOne library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the ZeroTierOne library. If not, see <http://www.gnu.org/licenses/>.

package overlay

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func testEndpoints(t *testing.T) []Endpoint {
	t.Helper()
	v4, err := ParseInetAddress("192.168.1.10:9993")
	require.NoError(t, err)
	v6, err := ParseInetAddress("[2001:db8::1]:9993")
	require.NoError(t, err)
	dns, err := NewDNSEndpoint("root.example.com", 9993)
	require.NoError(t, err)
	url, err := NewURLEndpoint("wss://relay.example.com/ws")
	require.NoError(t, err)

	var hash [IdentityHashLength]byte
	for i := range hash {
		hash[i] = byte(i)
	}
	return []Endpoint{
		{},
		NewOverlayEndpoint(Address(0x0123456789), hash),
		dns,
		url,
		EndpointFromInetAddress(v4),
		NewEthernetEndpoint(MAC{0x32, 1, 2, 3, 4, 5}),
		EndpointFromInetAddress(v6),
	}
}

func TestEndpointRoundTrip(t *testing.T) {
	for _, e := range testEndpoints(t) {
		if !e.IsNil() {
			// The nil endpoint is the bare tag byte; it carries no
			// location trailer.
			e.SetLocation([3]int16{1000, -2000, 3000})
		}
		b := e.AppendTo(nil)

		var got Endpoint
		n, err := got.Unmarshal(b)
		require.NoError(t, err, "endpoint %s", e)
		require.Equal(t, len(b), n, "endpoint %s must consume all bytes", e)
		require.Equal(t, e, got)

		// Trailing data must be left alone.
		n, err = got.Unmarshal(append(b, 0xaa, 0xbb))
		require.NoError(t, err)
		require.Equal(t, len(b), n)
	}
}

func TestEndpointVariantSelection(t *testing.T) {
	v4, _ := ParseInetAddress("10.0.0.1:1")
	v6, _ := ParseInetAddress("[::1]:1")
	require.Equal(t, EndpointInet4, EndpointFromInetAddress(v4).Type())
	require.Equal(t, EndpointInet6, EndpointFromInetAddress(v6).Type())
	require.True(t, EndpointFromInetAddress(NilInetAddress).IsNil())
}

func TestEndpointWrongVariantAccessors(t *testing.T) {
	var hash [IdentityHashLength]byte
	e := NewOverlayEndpoint(Address(42), hash)
	require.Equal(t, NilInetAddress, e.InetAddress())
	require.Equal(t, "", e.DNSName())
	require.Equal(t, -1, e.DNSPort())
	require.Equal(t, "", e.URL())
	require.Equal(t, MAC{}, e.Ethernet())

	v4, _ := ParseInetAddress("10.0.0.1:1")
	i := EndpointFromInetAddress(v4)
	require.Equal(t, Address(0), i.OverlayAddress())
	require.Equal(t, [IdentityHashLength]byte{}, i.IdentityHash())
}

func TestEndpointUnmarshalMalformed(t *testing.T) {
	var e Endpoint
	_, err := e.Unmarshal(nil)
	require.ErrorIs(t, err, ErrMalformedInput)

	_, err = e.Unmarshal([]byte{0x7f, 0, 0, 0, 0, 0, 0})
	require.ErrorIs(t, err, ErrMalformedInput)

	// Valid tag with a truncated body.
	v4, _ := ParseInetAddress("10.0.0.1:1")
	b := EndpointFromInetAddress(v4).AppendTo(nil)
	_, err = e.Unmarshal(b[:4])
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestEndpointTotalOrder(t *testing.T) {
	eps := testEndpoints(t)

	// Both sides of a link must sort an unordered pair identically.
	for _, a := range eps {
		for _, b := range eps {
			require.Equal(t, a.Compare(b), -b.Compare(a), "%s vs %s", a, b)
			if a == b {
				require.Zero(t, a.Compare(b))
			}
		}
	}

	shuffled := append([]Endpoint(nil), eps...)
	shuffled[0], shuffled[3] = shuffled[3], shuffled[0]
	shuffled[1], shuffled[5] = shuffled[5], shuffled[1]
	sort.Slice(shuffled, func(i, j int) bool { return shuffled[i].Less(shuffled[j]) })

	for i := 1; i < len(shuffled); i++ {
		require.False(t, shuffled[i].Less(shuffled[i-1]))
	}
	// Tag order dominates.
	require.True(t, shuffled[0].IsNil())
}
