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

func TestGenerateIdentity(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	require.True(t, id.HasPrivate())
	require.True(t, id.IsValid())
	require.False(t, id.Address().IsReserved())
}

func TestIdentityAgree(t *testing.T) {
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)

	ck1, mk1, err := a.Agree(b.Public())
	require.NoError(t, err)
	ck2, mk2, err := b.Agree(a.Public())
	require.NoError(t, err)

	require.Equal(t, ck1, ck2, "crypt keys must agree")
	require.Equal(t, mk1, mk2, "mac keys must agree")
	require.Equal(t, ProbeToken(mk1), ProbeToken(mk2))

	_, _, err = a.Public().Agree(b.Public())
	require.ErrorIs(t, err, ErrInvalidParameter)
}

func TestIdentitySignVerify(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)
	msg := []byte("the quick brown fox")
	sig, err := id.Sign(msg)
	require.NoError(t, err)
	require.True(t, id.Verify(msg, sig))
	require.True(t, id.Public().Verify(msg, sig))

	sig[0] ^= 1
	require.False(t, id.Verify(msg, sig))
	sig[0] ^= 1
	require.False(t, id.Verify([]byte("other message"), sig))
	require.False(t, id.Verify(msg, sig[:16]))
}

func TestIdentityWireRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	b := id.AppendTo(nil)
	require.Len(t, b, identityPublicLength)

	got, n, err := UnmarshalIdentity(b)
	require.NoError(t, err)
	require.Equal(t, identityPublicLength, n)
	require.Equal(t, id.Public(), got)

	// A flipped key bit no longer matches the claimed address.
	b[AddressLength+3] ^= 1
	_, _, err = UnmarshalIdentity(b)
	require.ErrorIs(t, err, ErrMalformedInput)

	_, _, err = UnmarshalIdentity(b[:10])
	require.ErrorIs(t, err, ErrMalformedInput)
}

func TestIdentityTextRoundTrip(t *testing.T) {
	id, err := GenerateIdentity()
	require.NoError(t, err)

	pub, err := ParseIdentity(id.String())
	require.NoError(t, err)
	require.Equal(t, id.Public(), pub)
	require.False(t, pub.HasPrivate())

	full, err := ParseIdentity(id.PrivateString())
	require.NoError(t, err)
	require.True(t, full.HasPrivate())
	require.Equal(t, id, full)

	_, err = ParseIdentity("garbage")
	require.Error(t, err)
	_, err = ParseIdentity("00000000:0:abcd")
	require.Error(t, err)
}
