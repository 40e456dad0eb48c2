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
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
)

// Demarc is the line between the core and the physical world. The
// demarcation layer owns the sockets; the core hands it datagrams to put
// on the wire and receives inbound datagrams through OnRemotePacket.
//
// Send returns false when the datagram could not be handed to the
// operating system. hint carries the desired link when the local socket
// is the any-socket value.
type Demarc interface {
	Send(localSocket int64, remote InetAddress, data []byte, hint int) bool
}

// DemarcAnySocket selects whichever local socket the demarcation layer
// prefers for the destination.
const DemarcAnySocket int64 = -1

// Tap is a virtual Ethernet port: frames the core accepts for a network
// are put to its tap, and frames the OS writes to the tap come back in
// through OnLocalEthernet.
type Tap interface {
	// MAC returns the port's Ethernet address.
	MAC() MAC

	// Put delivers a frame to the OS side of the port.
	Put(from, to MAC, etherType uint16, payload []byte)
}

// Network is one virtual Ethernet network this node has joined: a 64-bit
// network id, the local tap, the membership policy, and the multicast
// groups the local port subscribes to.
type Network struct {
	id  uint64
	tap Tap

	mu            sync.Mutex
	members       mapset.Set[Address]
	open          bool
	subscriptions mapset.Set[MulticastGroup]
	bridgeAllowed bool
}

// NewNetwork joins a network. An open network admits every peer;
// otherwise membership is governed by the allow list.
func NewNetwork(id uint64, tap Tap, open bool) *Network {
	return &Network{
		id:            id,
		tap:           tap,
		open:          open,
		members:       mapset.NewThreadUnsafeSet[Address](),
		subscriptions: mapset.NewThreadUnsafeSet[MulticastGroup](),
	}
}

// ID returns the 64-bit network id.
func (n *Network) ID() uint64 { return n.id }

// Tap returns the network's virtual Ethernet port.
func (n *Network) Tap() Tap { return n.tap }

// IsAllowed reports whether a peer may exchange frames on this network.
func (n *Network) IsAllowed(addr Address) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.open || n.members.Contains(addr)
}

// AddMember admits a peer to a closed network.
func (n *Network) AddMember(addr Address) {
	n.mu.Lock()
	n.members.Add(addr)
	n.mu.Unlock()
}

// RemoveMember revokes a peer's membership.
func (n *Network) RemoveMember(addr Address) {
	n.mu.Lock()
	n.members.Remove(addr)
	n.mu.Unlock()
}

// SetBridgingAllowed permits frames whose source MAC is not the sending
// peer's own overlay MAC.
func (n *Network) SetBridgingAllowed(ok bool) {
	n.mu.Lock()
	n.bridgeAllowed = ok
	n.mu.Unlock()
}

// BridgingAllowed reports the bridging policy.
func (n *Network) BridgingAllowed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bridgeAllowed
}

// Subscribe adds a local multicast group subscription.
func (n *Network) Subscribe(g MulticastGroup) {
	n.mu.Lock()
	n.subscriptions.Add(g)
	n.mu.Unlock()
}

// Unsubscribe drops a local multicast group subscription.
func (n *Network) Unsubscribe(g MulticastGroup) {
	n.mu.Lock()
	n.subscriptions.Remove(g)
	n.mu.Unlock()
}

// SubscribedGroups returns a snapshot of local subscriptions.
func (n *Network) SubscribedGroups() []MulticastGroup {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptions.ToSlice()
}

// Subscribed reports whether the local port wants traffic for group.
// Broadcast is always wanted.
func (n *Network) Subscribed(g MulticastGroup) bool {
	if g.MAC.IsBroadcast() {
		return true
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.subscriptions.Contains(g)
}
