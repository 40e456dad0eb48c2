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
	"encoding/binary"
	"fmt"
	"net/netip"
)

// EndpointType tags the variant held by an Endpoint.
type EndpointType uint8

// Endpoint type tags. DNSName, URL and Ethernet are reserved on the wire
// but not yet dialed by the core.
const (
	EndpointNil      EndpointType = 0
	EndpointOverlay  EndpointType = 1
	EndpointDNSName  EndpointType = 2
	EndpointURL      EndpointType = 3
	EndpointInet4    EndpointType = 4
	EndpointEthernet EndpointType = 5
	EndpointInet6    EndpointType = 6
)

// EndpointMaxNameLength bounds DNS names and URLs.
const EndpointMaxNameLength = 255

// EndpointMarshalSizeMax is the largest possible marshaled endpoint.
const EndpointMarshalSizeMax = 1 + 1 + EndpointMaxNameLength + 2 + 6

// Endpoint names any reachable destination: an overlay address plus
// identity hash, a physical v4/v6 socket address, a DNS name and port, a
// URL, or an Ethernet MAC. The zero value is the nil endpoint.
//
// Endpoints are plain values: comparable with ==, copyable, and totally
// ordered by Compare so that an unordered pair can be sorted into a
// canonical key identically on both sides of a link.
type Endpoint struct {
	typ EndpointType

	// Approximate physical location in kilometers from the earth's
	// center, reserved for geographic routing. Not consulted by the core.
	location [3]int16

	overlayAddr  Address
	identityHash [IdentityHashLength]byte
	inet         InetAddress
	name         string
	port         uint16
	eth          MAC
}

// EndpointFromInetAddress wraps a physical address, selecting the v4 or v6
// tag by family. Invalid addresses yield the nil endpoint.
func EndpointFromInetAddress(a InetAddress) Endpoint {
	switch {
	case a.Is4():
		return Endpoint{typ: EndpointInet4, inet: a}
	case a.Is6():
		return Endpoint{typ: EndpointInet6, inet: a}
	default:
		return Endpoint{}
	}
}

// NewOverlayEndpoint names a node by overlay address and identity hash.
func NewOverlayEndpoint(addr Address, identityHash [IdentityHashLength]byte) Endpoint {
	return Endpoint{typ: EndpointOverlay, overlayAddr: addr, identityHash: identityHash}
}

// NewDNSEndpoint names a resolvable host and port.
func NewDNSEndpoint(name string, port uint16) (Endpoint, error) {
	if len(name) > EndpointMaxNameLength {
		return Endpoint{}, fmt.Errorf("%w: DNS name too long", ErrInvalidParameter)
	}
	return Endpoint{typ: EndpointDNSName, name: name, port: port}, nil
}

// NewURLEndpoint names an HTTP or WebSocket transport.
func NewURLEndpoint(url string) (Endpoint, error) {
	if len(url) > EndpointMaxNameLength {
		return Endpoint{}, fmt.Errorf("%w: URL too long", ErrInvalidParameter)
	}
	return Endpoint{typ: EndpointURL, name: url}, nil
}

// NewEthernetEndpoint names a LAN-local Ethernet address.
func NewEthernetEndpoint(mac MAC) Endpoint {
	return Endpoint{typ: EndpointEthernet, eth: mac}
}

// Type returns the variant tag.
func (e Endpoint) Type() EndpointType { return e.typ }

// IsNil reports whether the endpoint is unset.
func (e Endpoint) IsNil() bool { return e.typ == EndpointNil }

// Accessors return the neutral value when called on the wrong variant;
// they never fault on tag mismatch.

// InetAddress returns the socket address, or the nil address for other
// variants.
func (e Endpoint) InetAddress() InetAddress {
	if e.typ == EndpointInet4 || e.typ == EndpointInet6 {
		return e.inet
	}
	return NilInetAddress
}

// OverlayAddress returns the overlay address, or the nil address.
func (e Endpoint) OverlayAddress() Address {
	if e.typ == EndpointOverlay {
		return e.overlayAddr
	}
	return 0
}

// IdentityHash returns the 48-byte identity hash, or the zero hash.
func (e Endpoint) IdentityHash() [IdentityHashLength]byte {
	if e.typ == EndpointOverlay {
		return e.identityHash
	}
	return [IdentityHashLength]byte{}
}

// DNSName returns the DNS name, or the empty string.
func (e Endpoint) DNSName() string {
	if e.typ == EndpointDNSName {
		return e.name
	}
	return ""
}

// DNSPort returns the DNS port, or -1.
func (e Endpoint) DNSPort() int {
	if e.typ == EndpointDNSName {
		return int(e.port)
	}
	return -1
}

// URL returns the URL, or the empty string.
func (e Endpoint) URL() string {
	if e.typ == EndpointURL {
		return e.name
	}
	return ""
}

// Ethernet returns the MAC, or the zero MAC.
func (e Endpoint) Ethernet() MAC {
	if e.typ == EndpointEthernet {
		return e.eth
	}
	return MAC{}
}

// Location returns the reserved coordinate triple.
func (e Endpoint) Location() [3]int16 { return e.location }

// SetLocation sets the reserved coordinate triple.
func (e *Endpoint) SetLocation(l [3]int16) { e.location = l }

// AppendTo appends the wire form: one tag byte, the variant body, and a
// 3x int16 location trailer. The nil endpoint marshals to the single tag
// byte.
func (e Endpoint) AppendTo(b []byte) []byte {
	b = append(b, byte(e.typ))
	switch e.typ {
	case EndpointNil:
		return b
	case EndpointOverlay:
		b = e.overlayAddr.AppendTo(b)
		b = append(b, e.identityHash[:]...)
	case EndpointDNSName:
		b = append(b, byte(len(e.name)))
		b = append(b, e.name...)
		b = binary.BigEndian.AppendUint16(b, e.port)
	case EndpointURL:
		b = append(b, byte(len(e.name)))
		b = append(b, e.name...)
	case EndpointInet4:
		ip := e.inet.Addr().As4()
		b = append(b, ip[:]...)
		b = binary.BigEndian.AppendUint16(b, e.inet.Port())
	case EndpointInet6:
		ip := e.inet.Addr().As16()
		b = append(b, ip[:]...)
		b = binary.BigEndian.AppendUint16(b, e.inet.Port())
	case EndpointEthernet:
		b = append(b, e.eth[:]...)
	}
	for _, c := range e.location {
		b = binary.BigEndian.AppendUint16(b, uint16(c))
	}
	return b
}

// Unmarshal decodes an endpoint from b, returning the number of bytes
// consumed. Unknown tags fail with ErrMalformedInput.
func (e *Endpoint) Unmarshal(b []byte) (int, error) {
	if len(b) < 1 {
		return 0, ErrMalformedInput
	}
	*e = Endpoint{typ: EndpointType(b[0])}
	p := 1
	switch e.typ {
	case EndpointNil:
		return p, nil
	case EndpointOverlay:
		if len(b) < p+AddressLength+IdentityHashLength {
			return 0, ErrMalformedInput
		}
		a, _ := AddressFromBytes(b[p:])
		e.overlayAddr = a
		p += AddressLength
		copy(e.identityHash[:], b[p:])
		p += IdentityHashLength
	case EndpointDNSName, EndpointURL:
		if len(b) < p+1 {
			return 0, ErrMalformedInput
		}
		n := int(b[p])
		p++
		if len(b) < p+n {
			return 0, ErrMalformedInput
		}
		e.name = string(b[p : p+n])
		p += n
		if e.typ == EndpointDNSName {
			if len(b) < p+2 {
				return 0, ErrMalformedInput
			}
			e.port = binary.BigEndian.Uint16(b[p:])
			p += 2
		}
	case EndpointInet4:
		if len(b) < p+6 {
			return 0, ErrMalformedInput
		}
		var ip [4]byte
		copy(ip[:], b[p:])
		p += 4
		e.inet = InetAddressFrom(netip.AddrFrom4(ip), binary.BigEndian.Uint16(b[p:]))
		p += 2
	case EndpointInet6:
		if len(b) < p+18 {
			return 0, ErrMalformedInput
		}
		var ip [16]byte
		copy(ip[:], b[p:])
		p += 16
		e.inet = InetAddressFrom(netip.AddrFrom16(ip), binary.BigEndian.Uint16(b[p:]))
		p += 2
	case EndpointEthernet:
		if len(b) < p+6 {
			return 0, ErrMalformedInput
		}
		copy(e.eth[:], b[p:])
		p += 6
	default:
		return 0, fmt.Errorf("%w: unknown endpoint type %d", ErrMalformedInput, e.typ)
	}
	if len(b) < p+6 {
		return 0, ErrMalformedInput
	}
	for i := range e.location {
		e.location[i] = int16(binary.BigEndian.Uint16(b[p:]))
		p += 2
	}
	return p, nil
}

// Compare defines a total order over endpoints: by tag first, then by the
// marshaled variant body. The order is stable across runs and processes,
// which lets two peers independently sort an unordered endpoint pair into
// the same canonical key.
func (e Endpoint) Compare(other Endpoint) int {
	if e.typ != other.typ {
		if e.typ < other.typ {
			return -1
		}
		return 1
	}
	return bytes.Compare(e.AppendTo(nil), other.AppendTo(nil))
}

// Less reports whether e orders before other.
func (e Endpoint) Less(other Endpoint) bool { return e.Compare(other) < 0 }

func (e Endpoint) String() string {
	switch e.typ {
	case EndpointNil:
		return "nil"
	case EndpointOverlay:
		return e.overlayAddr.String()
	case EndpointDNSName:
		return fmt.Sprintf("%s:%d", e.name, e.port)
	case EndpointURL:
		return e.name
	case EndpointInet4, EndpointInet6:
		return e.inet.String()
	case EndpointEthernet:
		return e.eth.String()
	default:
		return "invalid"
	}
}
