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
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// Maintenance cadences for the node run loop.
const (
	periodicTaskInterval = 30 * time.Second
	rootHelloInterval    = time.Minute
	multicastAnnounce    = time.Minute
)

// Node assembles the core: one identity, its topology and its switch,
// bound to a demarcation layer. The demarcation layer calls
// OnRemotePacket from its socket readers; taps call OnLocalEthernet.
type Node struct {
	identity Identity
	topo     *Topology
	sw       *Switch
	demarc   Demarc
	log      *logrus.Entry

	rootSeeds map[Address][]InetAddress
}

// NewNode builds a node around an identity with a private key. cache
// may be nil for a memory-only node.
func NewNode(identity Identity, demarc Demarc, cache PeerCache, log *logrus.Entry) (*Node, error) {
	if !identity.HasPrivate() {
		return nil, ErrInvalidParameter
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	topo := NewTopology(identity, cache, log)
	return &Node{
		identity:  identity,
		topo:      topo,
		sw:        NewSwitch(topo, demarc, log),
		demarc:    demarc,
		log:       log,
		rootSeeds: make(map[Address][]InetAddress),
	}, nil
}

// Identity returns the node's identity.
func (n *Node) Identity() Identity { return n.identity }

// Topology returns the node's directory.
func (n *Node) Topology() *Topology { return n.topo }

// Switch returns the node's packet switch.
func (n *Node) Switch() *Switch { return n.sw }

// AddRoot designates a root by its full identity and the physical
// addresses it can be reached at, and greets it immediately.
func (n *Node) AddRoot(id Identity, seeds []InetAddress) error {
	if !id.IsValid() || id.Address() == n.identity.Address() {
		return ErrInvalidParameter
	}
	peer, err := NewPeer(n.identity, id)
	if err != nil {
		return err
	}
	n.topo.Add(peer)
	n.topo.AddRoot(id.Address())
	n.rootSeeds[id.Address()] = seeds
	n.helloRoots(TimeNow())
	return nil
}

// Join attaches a virtual network to the switch.
func (n *Node) Join(network *Network) { n.sw.AddNetwork(network) }

// Leave detaches a virtual network.
func (n *Node) Leave(id uint64) { n.sw.RemoveNetwork(id) }

// OnRemotePacket forwards an inbound datagram into the switch.
func (n *Node) OnRemotePacket(localSocket int64, from InetAddress, data []byte) {
	n.sw.OnRemotePacket(localSocket, from, data)
}

// helloRoots greets every root over its best path when it has an active
// one, and otherwise at each of its seed addresses. Keeps root sessions
// alive through NATs.
func (n *Node) helloRoots(now int64) {
	for addr, seeds := range n.rootSeeds {
		peer := n.topo.Peer(addr)
		if peer == nil {
			continue
		}
		if peer.HasActiveDirectPath(now) {
			if err := n.sw.SendHello(peer, now); err != nil {
				n.log.WithError(err).WithField("root", addr).Debug("Root hello failed")
			}
			continue
		}
		for _, seed := range seeds {
			if err := n.sw.SendHelloToEndpoint(addr, DemarcAnySocket, seed, now); err != nil {
				n.log.WithError(err).WithFields(logrus.Fields{
					"root": addr,
					"seed": seed,
				}).Debug("Root seed hello failed")
			}
		}
	}
}

// Run drives the node's maintenance until ctx is canceled: switch timer
// tasks at the cadence the switch asks for, topology housekeeping, root
// keepalives and multicast announcements.
func (n *Node) Run(ctx context.Context) error {
	n.helloRoots(TimeNow())

	timer := time.NewTimer(timerTaskFloor)
	defer timer.Stop()
	periodic := time.NewTicker(periodicTaskInterval)
	defer periodic.Stop()
	keepalive := time.NewTicker(rootHelloInterval)
	defer keepalive.Stop()
	announce := time.NewTicker(multicastAnnounce)
	defer announce.Stop()

	for {
		select {
		case <-ctx.Done():
			n.topo.SaveAll()
			return ctx.Err()
		case <-timer.C:
			timer.Reset(n.sw.DoTimerTasks(TimeNow()))
		case <-periodic.C:
			now := TimeNow()
			n.topo.DoPeriodicTasks(now)
			n.sw.Multicaster().GC(now)
		case <-keepalive.C:
			n.helloRoots(TimeNow())
		case <-announce.C:
			n.sw.AnnounceMulticastGroups(TimeNow())
		}
	}
}
