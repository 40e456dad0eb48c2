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
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (cryptKey, macKey [32]byte) {
	t.Helper()
	a, err := GenerateIdentity()
	require.NoError(t, err)
	b, err := GenerateIdentity()
	require.NoError(t, err)
	ck, mk, err := a.Agree(b.Public())
	require.NoError(t, err)
	return ck, mk
}

func TestPacketHeader(t *testing.T) {
	pkt, err := NewPacket(Address(0x0102030405), Address(0x0a0b0c0d0e), VerbFrame)
	require.NoError(t, err)
	require.Equal(t, Address(0x0102030405), pkt.Destination())
	require.Equal(t, Address(0x0a0b0c0d0e), pkt.Source())
	require.Equal(t, VerbFrame, pkt.Verb())
	require.Equal(t, uint8(0), pkt.Hops())
	require.False(t, pkt.Fragmented())

	pkt.SetDestination(Address(0x1122334455))
	require.Equal(t, Address(0x1122334455), pkt.Destination())

	for i := 0; i < 10; i++ {
		pkt.IncrementHops()
	}
	require.LessOrEqual(t, pkt.Hops(), uint8(RelayMaxHops))

	id := pkt.ID()
	require.NoError(t, pkt.NewInitializationVector())
	require.NotEqual(t, id, pkt.ID())
}

func TestPacketArmorDearmor(t *testing.T) {
	ck, mk := testKeys(t)
	payload := []byte("frame bytes that should survive the round trip")

	for _, encrypt := range []bool{false, true} {
		pkt, err := NewPacket(Address(1), Address(2), VerbFrame)
		require.NoError(t, err)
		pkt = append(pkt, payload...)

		require.NoError(t, pkt.Armor(ck, mk, encrypt))
		require.Equal(t, encrypt, pkt.Encrypted())
		if encrypt {
			require.False(t, bytes.Contains(pkt, payload))
		}

		// Relay mutations must not break authentication.
		pkt.IncrementHops()

		require.True(t, pkt.Dearmor(ck, mk))
		require.Equal(t, payload, pkt.Payload())
		require.False(t, pkt.Encrypted())
	}
}

func TestPacketDearmorRejectsTampering(t *testing.T) {
	ck, mk := testKeys(t)
	pkt, err := NewPacket(Address(1), Address(2), VerbFrame)
	require.NoError(t, err)
	pkt = append(pkt, []byte("payload")...)
	require.NoError(t, pkt.Armor(ck, mk, true))

	tampered := append(Packet(nil), pkt...)
	tampered[HeaderLength] ^= 1
	require.False(t, tampered.Dearmor(ck, mk))

	truncated := append(Packet(nil), pkt[:len(pkt)-1]...)
	require.False(t, truncated.Dearmor(ck, mk))

	var wrongMK [32]byte
	wrong := append(Packet(nil), pkt...)
	require.False(t, wrong.Dearmor(ck, wrongMK))

	var runt Packet = pkt[:MinPacketLength-1]
	require.False(t, runt.Dearmor(ck, mk))
}

func TestPacketCompression(t *testing.T) {
	pkt, err := NewPacket(Address(1), Address(2), VerbFrame)
	require.NoError(t, err)
	for i := 0; i < 64; i++ {
		pkt = append(pkt, []byte("abcdabcdabcdabcd")...)
	}
	orig := append([]byte(nil), pkt.Payload()...)

	pkt.Compress()
	require.True(t, pkt.Compressed())
	require.Less(t, len(pkt.Payload()), len(orig))

	require.NoError(t, pkt.Uncompress())
	require.False(t, pkt.Compressed())
	require.Equal(t, orig, pkt.Payload())

	// Payloads below the size threshold stay uncompressed.
	small, err := NewPacket(Address(1), Address(2), VerbFrame)
	require.NoError(t, err)
	small = append(small, 1, 2, 3)
	small.Compress()
	require.False(t, small.Compressed())
}

func TestFragmentFraming(t *testing.T) {
	ck, mk := testKeys(t)
	pkt, err := NewPacket(Address(0x0102030405), Address(2), VerbFrame)
	require.NoError(t, err)
	pkt = append(pkt, bytes.Repeat([]byte{0x5a}, 4000)...)
	require.NoError(t, pkt.Armor(ck, mk, true))

	head, frags, err := ChunkPacket(pkt, UDPDefaultPayloadMTU)
	require.NoError(t, err)
	require.True(t, head.Fragmented())
	require.NotEmpty(t, frags)
	require.Len(t, head, UDPDefaultPayloadMTU)

	total := len(frags) + 1
	for i, f := range frags {
		require.True(t, IsFragment(f))
		require.False(t, IsFragment(head))
		require.Equal(t, head.ID(), f.PacketID())
		require.Equal(t, head.Destination(), f.Destination())
		require.Equal(t, i+1, f.FragmentNumber())
		require.Equal(t, total, f.TotalFragments())
		require.LessOrEqual(t, len(f), UDPDefaultPayloadMTU)
	}

	// Reassembly: head plus fragment payloads in order equals the
	// armored packet.
	whole := append(Packet(nil), head...)
	for _, f := range frags {
		whole = append(whole, f.Payload()...)
	}
	whole.SetFragmented(false)
	require.True(t, whole.Dearmor(ck, mk))
}

func TestChunkPacketSmallPassesThrough(t *testing.T) {
	pkt, err := NewPacket(Address(1), Address(2), VerbNop)
	require.NoError(t, err)
	head, frags, err := ChunkPacket(pkt, UDPDefaultPayloadMTU)
	require.NoError(t, err)
	require.Nil(t, frags)
	require.False(t, head.Fragmented())
}

func TestChunkPacketTooLarge(t *testing.T) {
	pkt, err := NewPacket(Address(1), Address(2), VerbFrame)
	require.NoError(t, err)
	pkt = append(pkt, make([]byte, UDPDefaultPayloadMTU*(MaxPacketFragments+1))...)
	_, _, err = ChunkPacket(pkt, UDPDefaultPayloadMTU)
	require.Error(t, err)
}

func TestTrustedPathArmor(t *testing.T) {
	pkt, err := NewPacket(Address(1), Address(2), VerbFrame)
	require.NoError(t, err)
	pkt = append(pkt, []byte("cleartext on trusted wire")...)

	pkt.ArmorTrusted(0xdeadbeefcafe)
	require.False(t, pkt.Encrypted())
	require.Equal(t, uint64(0xdeadbeefcafe), pkt.TrustedPathID())

	pkt.StripTrailer()
	require.Equal(t, []byte("cleartext on trusted wire"), pkt.Payload())
}
