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
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// MulticastGroup names a multicast destination on a virtual network: the
// multicast MAC plus a 32-bit additional distinguishing information word.
// For broadcast the ADI carves the single broadcast group into per-IP
// ARP channels so ARP floods stay narrow.
//
// MulticastGroup is a comparable value usable as a map key.
type MulticastGroup struct {
	MAC MAC
	ADI uint32
}

// NewMulticastGroup builds a group from its wire pair.
func NewMulticastGroup(mac MAC, adi uint32) MulticastGroup {
	return MulticastGroup{MAC: mac, ADI: adi}
}

// DeriveMulticastGroupForAddressResolution maps an IPv4 address to its
// ARP-scoped broadcast group: the broadcast MAC with the big-endian IP
// as ADI.
func DeriveMulticastGroupForAddressResolution(ip [4]byte) MulticastGroup {
	return MulticastGroup{
		MAC: MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		ADI: binary.BigEndian.Uint32(ip[:]),
	}
}

// AppendTo appends the 10-byte wire form: 6-byte MAC, 4-byte ADI.
func (g MulticastGroup) AppendTo(b []byte) []byte {
	b = append(b, g.MAC[:]...)
	return binary.BigEndian.AppendUint32(b, g.ADI)
}

// UnmarshalMulticastGroup reads the 10-byte wire form.
func UnmarshalMulticastGroup(b []byte) (MulticastGroup, error) {
	if len(b) < 10 {
		return MulticastGroup{}, ErrMalformedInput
	}
	m, _ := MACFromBytes(b)
	return MulticastGroup{MAC: m, ADI: binary.BigEndian.Uint32(b[6:])}, nil
}

func (g MulticastGroup) String() string {
	return fmt.Sprintf("%s/%08x", g.MAC, g.ADI)
}

// subscription is one (network, group) membership claim.
type subscription struct {
	network uint64
	group   MulticastGroup
}

// Multicaster tracks which peers have announced membership in which
// multicast groups and picks propagation next hops for outbound
// multicast frames.
type Multicaster interface {
	// Subscribe records that member wants group traffic on network.
	Subscribe(now int64, network uint64, group MulticastGroup, member Address)

	// NextHops returns up to limit members of group on network,
	// excluding the addresses in skip. Order prefers recently active
	// members.
	NextHops(network uint64, group MulticastGroup, limit int, skip ...Address) []Address

	// GC drops stale subscriptions.
	GC(now int64)
}

// multicastTopology is the in-memory Multicaster. Subscriptions expire
// when not re-announced.
type multicastTopology struct {
	mu      sync.Mutex
	members map[subscription]mapset.Set[Address]
	seen    map[subscription]map[Address]int64
	ttl     int64
}

// MulticastSubscriptionTTL is how long a MULTICAST_LIKE claim stays
// valid without renewal.
const MulticastSubscriptionTTL = 8 * 60 * 1000 // ms

// NewMulticaster returns the standard subscription-table multicaster.
func NewMulticaster() Multicaster {
	return &multicastTopology{
		members: make(map[subscription]mapset.Set[Address]),
		seen:    make(map[subscription]map[Address]int64),
		ttl:     MulticastSubscriptionTTL,
	}
}

func (m *multicastTopology) Subscribe(now int64, network uint64, group MulticastGroup, member Address) {
	key := subscription{network: network, group: group}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[key]
	if !ok {
		set = mapset.NewThreadUnsafeSet[Address]()
		m.members[key] = set
		m.seen[key] = make(map[Address]int64)
	}
	set.Add(member)
	m.seen[key][member] = now
}

func (m *multicastTopology) NextHops(network uint64, group MulticastGroup, limit int, skip ...Address) []Address {
	key := subscription{network: network, group: group}
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.members[key]
	if !ok {
		return nil
	}
	skipSet := mapset.NewThreadUnsafeSet(skip...)
	type cand struct {
		addr Address
		last int64
	}
	cands := make([]cand, 0, set.Cardinality())
	for addr := range set.Iter() {
		if skipSet.Contains(addr) {
			continue
		}
		cands = append(cands, cand{addr: addr, last: m.seen[key][addr]})
	}
	// Most recently announced first.
	for i := 1; i < len(cands); i++ {
		for j := i; j > 0 && cands[j].last > cands[j-1].last; j-- {
			cands[j], cands[j-1] = cands[j-1], cands[j]
		}
	}
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := make([]Address, len(cands))
	for i, c := range cands {
		out[i] = c.addr
	}
	return out
}

func (m *multicastTopology) GC(now int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, seen := range m.seen {
		for addr, last := range seen {
			if now-last > m.ttl {
				delete(seen, addr)
				m.members[key].Remove(addr)
			}
		}
		if len(seen) == 0 {
			delete(m.seen, key)
			delete(m.members, key)
		}
	}
}

// multicastDeduper suppresses multicast propagation loops by remembering
// recently seen 64-bit frame keys.
type multicastDeduper struct {
	mu     sync.Mutex
	recent map[uint64]int64
	ttl    int64
}

func newMulticastDeduper() *multicastDeduper {
	return &multicastDeduper{
		recent: make(map[uint64]int64),
		ttl:    millis(30 * time.Second),
	}
}

// Check records id and reports whether it was already seen recently.
func (d *multicastDeduper) Check(id uint64, now int64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.recent[id]; ok && now-last < d.ttl {
		return true
	}
	d.recent[id] = now
	if len(d.recent) > 4096 {
		for k, last := range d.recent {
			if now-last >= d.ttl {
				delete(d.recent, k)
			}
		}
	}
	return false
}
