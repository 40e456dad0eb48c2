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
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddressRoundTrip(t *testing.T) {
	a := Address(0x0123456789)
	require.Equal(t, "0123456789", a.String())

	b := a.Bytes()
	require.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89}, b)

	got, err := AddressFromBytes(b)
	require.NoError(t, err)
	require.Equal(t, a, got)

	parsed, err := ParseAddress(a.String())
	require.NoError(t, err)
	require.Equal(t, a, parsed)

	_, err = AddressFromBytes(b[:4])
	require.ErrorIs(t, err, ErrMalformedInput)
	_, err = ParseAddress("012345678")
	require.ErrorIs(t, err, ErrMalformedInput)
	_, err = ParseAddress("01234567zz")
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestAddressReserved(t *testing.T) {
	require.True(t, Address(0).IsReserved())
	require.True(t, Address(0xff00000001).IsReserved())
	require.False(t, Address(0xfe00000001).IsReserved())
	require.False(t, Address(1).IsReserved())
}

func TestMACEmbedding(t *testing.T) {
	a := Address(0x0123456789)
	m := MACFromAddress(a)
	require.Equal(t, "32:01:23:45:67:89", m.String())
	require.True(t, m.IsOverlay())
	require.False(t, m.IsMulticast())
	require.Equal(t, a, m.ToAddress())

	bcast := MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	require.True(t, bcast.IsBroadcast())
	require.True(t, bcast.IsMulticast())
	require.Equal(t, Address(0), bcast.ToAddress())
}
