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
	"encoding/hex"
	"fmt"
)

// Address is a 40-bit overlay identifier derived from a node's identity.
// The zero value is the reserved nil address.
type Address uint64

const addressMask = 0xffffffffff

// AddressFromBytes reads a big-endian 5-byte address.
func AddressFromBytes(b []byte) (Address, error) {
	if len(b) < AddressLength {
		return 0, ErrMalformedInput
	}
	return Address(uint64(b[0])<<32 | uint64(b[1])<<24 | uint64(b[2])<<16 | uint64(b[3])<<8 | uint64(b[4])), nil
}

// ParseAddress parses a 10-digit hex address.
func ParseAddress(s string) (Address, error) {
	if len(s) != AddressLength*2 {
		return 0, fmt.Errorf("%w: address must be %d hex digits", ErrMalformedInput, AddressLength*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedInput, err)
	}
	return AddressFromBytes(b)
}

// AppendTo appends the big-endian 5-byte form to b.
func (a Address) AppendTo(b []byte) []byte {
	return append(b, byte(a>>32), byte(a>>24), byte(a>>16), byte(a>>8), byte(a))
}

// Bytes returns the big-endian 5-byte form.
func (a Address) Bytes() []byte { return a.AppendTo(nil) }

// PutTo writes the address into b, which must be at least 5 bytes.
func (a Address) PutTo(b []byte) {
	b[0] = byte(a >> 32)
	b[1] = byte(a >> 24)
	b[2] = byte(a >> 16)
	b[3] = byte(a >> 8)
	b[4] = byte(a)
}

// IsReserved reports whether the address is in the reserved range and can
// never be assigned to a node. 0xff prefixed addresses are reserved for
// future routing prefixes and zero is nil.
func (a Address) IsReserved() bool {
	return a == 0 || (a>>32) == 0xff
}

func (a Address) String() string {
	return fmt.Sprintf("%.10x", uint64(a)&addressMask)
}

// MAC is a 48-bit Ethernet address. Overlay nodes appear on the tap with a
// MAC consisting of a fixed prefix octet followed by the 5-byte overlay
// address.
type MAC [6]byte

// macOverlayPrefix is the first octet of every overlay-derived MAC. It has
// the locally administered bit set and the multicast bit clear.
const macOverlayPrefix = 0x32

// MACFromAddress returns the tap MAC for an overlay address.
func MACFromAddress(a Address) MAC {
	var m MAC
	m[0] = macOverlayPrefix
	a.PutTo(m[1:])
	return m
}

// MACFromBytes reads a 6-byte MAC.
func MACFromBytes(b []byte) (MAC, error) {
	var m MAC
	if len(b) < 6 {
		return m, ErrMalformedInput
	}
	copy(m[:], b)
	return m, nil
}

// IsMulticast reports whether the group bit is set. Broadcast is multicast.
func (m MAC) IsMulticast() bool { return m[0]&0x01 != 0 }

// IsBroadcast reports whether this is the all-ones broadcast MAC.
func (m MAC) IsBroadcast() bool {
	return m == MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
}

// IsOverlay reports whether the MAC carries an embedded overlay address.
func (m MAC) IsOverlay() bool { return m[0] == macOverlayPrefix }

// ToAddress extracts the embedded overlay address, or the nil address if
// the MAC is not overlay-derived.
func (m MAC) ToAddress() Address {
	if !m.IsOverlay() {
		return 0
	}
	a, _ := AddressFromBytes(m[1:])
	return a
}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}
