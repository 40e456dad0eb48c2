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

package demarc

import (
	"fmt"
	"net/netip"

	"github.com/pion/stun"

	"github.com/pbicskei/ZeroTierOne/overlay"
)

// STUNDefaultServerAddr is used when no STUN server is configured.
const STUNDefaultServerAddr = "stun.l.google.com:19302"

// DiscoverExternalAddress asks a STUN server for the address this host's
// outbound UDP traffic appears to come from. Nodes behind NAT use it to
// learn the physical endpoint they can advertise to peers.
func DiscoverExternalAddress(serverAddr string) (overlay.InetAddress, error) {
	if serverAddr == "" {
		serverAddr = STUNDefaultServerAddr
	}
	conn, err := stun.Dial("udp4", serverAddr)
	if err != nil {
		return overlay.NilInetAddress, err
	}
	defer conn.Close()

	message := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	var response *stun.Event
	err = conn.Do(message, func(event stun.Event) {
		response = &event
	})
	if err != nil {
		return overlay.NilInetAddress, err
	}
	if response.Error != nil {
		return overlay.NilInetAddress, response.Error
	}

	var mapped stun.XORMappedAddress
	if err := mapped.GetFrom(response.Message); err != nil {
		return overlay.NilInetAddress, err
	}
	ip, ok := netip.AddrFromSlice(mapped.IP)
	if !ok {
		return overlay.NilInetAddress, fmt.Errorf("stun: invalid mapped address %v", mapped.IP)
	}
	return overlay.InetAddressFrom(ip.Unmap(), uint16(mapped.Port)), nil
}
