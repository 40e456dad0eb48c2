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
	"net"
	"net/netip"
)

// InetAddress is a physical socket address. The zero value is the nil
// address. It is comparable and usable as a map key.
type InetAddress struct {
	ap netip.AddrPort
}

// NilInetAddress is the invalid/unset address.
var NilInetAddress InetAddress

// InetAddressFrom builds an InetAddress from an addr/port pair.
func InetAddressFrom(addr netip.Addr, port uint16) InetAddress {
	return InetAddress{ap: netip.AddrPortFrom(addr.Unmap(), port)}
}

// InetAddressFromUDP converts a net.UDPAddr as handed up by the
// demarcation layer.
func InetAddressFromUDP(ua *net.UDPAddr) InetAddress {
	if ua == nil {
		return NilInetAddress
	}
	ap := ua.AddrPort()
	return InetAddress{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}
}

// ParseInetAddress parses "ip:port" notation.
func ParseInetAddress(s string) (InetAddress, error) {
	ap, err := netip.ParseAddrPort(s)
	if err != nil {
		return NilInetAddress, err
	}
	return InetAddress{ap: netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())}, nil
}

// IsValid reports whether this is a usable v4 or v6 socket address.
func (a InetAddress) IsValid() bool { return a.ap.Addr().IsValid() }

// Is4 reports whether the address family is IPv4.
func (a InetAddress) Is4() bool { return a.ap.Addr().Is4() }

// Is6 reports whether the address family is IPv6.
func (a InetAddress) Is6() bool { return a.ap.Addr().IsValid() && !a.ap.Addr().Is4() }

// Addr returns the IP portion.
func (a InetAddress) Addr() netip.Addr { return a.ap.Addr() }

// Port returns the port portion.
func (a InetAddress) Port() uint16 { return a.ap.Port() }

// UDPAddr converts to the form the socket layer wants.
func (a InetAddress) UDPAddr() *net.UDPAddr {
	return net.UDPAddrFromAddrPort(a.ap)
}

// IPBytes returns the raw IP in network byte order: 4 bytes for v4,
// 16 for v6, nil for the nil address.
func (a InetAddress) IPBytes() []byte {
	switch {
	case a.Is4():
		b := a.ap.Addr().As4()
		return b[:]
	case a.Is6():
		b := a.ap.Addr().As16()
		return b[:]
	default:
		return nil
	}
}

func (a InetAddress) String() string {
	if !a.IsValid() {
		return "(nil)"
	}
	return a.ap.String()
}
