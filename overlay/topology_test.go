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
	"fmt"
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func testTopology(t *testing.T) (*Topology, Identity) {
	t.Helper()
	self, err := GenerateIdentity()
	require.NoError(t, err)
	return NewTopology(self, nil, nil), self
}

func testPeer(t *testing.T, self Identity) *Peer {
	t.Helper()
	remote, err := GenerateIdentity()
	require.NoError(t, err)
	p, err := NewPeer(self, remote)
	require.NoError(t, err)
	return p
}

func mustInet(t *testing.T, s string) InetAddress {
	t.Helper()
	a, err := ParseInetAddress(s)
	require.NoError(t, err)
	return a
}

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	require.NoError(t, err)
	return p
}

func TestTopologyAddConverges(t *testing.T) {
	topo, self := testTopology(t)
	p := testPeer(t, self)

	dup, err := NewPeer(self, p.Identity())
	require.NoError(t, err)

	first := topo.Add(p)
	second := topo.Add(dup)
	require.Same(t, first, second)
	require.Same(t, first, topo.Peer(p.Address()))
	require.Same(t, first, topo.PeerByHash(p.Identity().Hash()))
	require.Same(t, first, topo.PeerByProbe(p.Probe()))
}

func TestTopologyPathCanonicalization(t *testing.T) {
	topo, _ := testTopology(t)
	addr := mustInet(t, "10.1.2.3:9993")

	p1 := topo.PathTo(1, addr)
	p2 := topo.PathTo(1, addr)
	require.Same(t, p1, p2)

	require.NotSame(t, p1, topo.PathTo(2, addr))
	require.NotSame(t, p1, topo.PathTo(1, mustInet(t, "10.1.2.3:9994")))
	require.NotSame(t, p1, topo.PathTo(1, mustInet(t, "10.1.2.4:9993")))

	// Concurrent first use of a new pair converges on one object.
	fresh := mustInet(t, "10.9.9.9:9993")
	var wg sync.WaitGroup
	got := make([]*Path, 16)
	for i := range got {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got[i] = topo.PathTo(7, fresh)
		}(i)
	}
	wg.Wait()
	for _, p := range got[1:] {
		require.Same(t, got[0], p)
	}
}

func TestTopologyPathHashCollision(t *testing.T) {
	topo, _ := testTopology(t)

	// Force every pair into one bucket. Distinct pairs must still map
	// to distinct Path objects.
	topo.pathHash = func(int64, InetAddress) uint64 { return 42 }

	a := topo.PathTo(1, mustInet(t, "10.1.2.3:9993"))
	b := topo.PathTo(1, mustInet(t, "10.1.2.4:9993"))
	c := topo.PathTo(2, mustInet(t, "10.1.2.3:9993"))
	require.NotSame(t, a, b)
	require.NotSame(t, a, c)
	require.NotSame(t, b, c)

	require.Same(t, a, topo.PathTo(1, mustInet(t, "10.1.2.3:9993")))
	require.Same(t, b, topo.PathTo(1, mustInet(t, "10.1.2.4:9993")))
	require.Same(t, c, topo.PathTo(2, mustInet(t, "10.1.2.3:9993")))
}

func TestTopologyRootRanking(t *testing.T) {
	topo, self := testTopology(t)
	now := int64(1_000_000)

	fast := testPeer(t, self)
	slow := testPeer(t, self)
	dead := testPeer(t, self)
	unmeasured := testPeer(t, self)

	for i, p := range []*Peer{fast, slow, dead, unmeasured} {
		topo.Add(p)
		topo.AddRoot(p.Address())
		path := topo.PathTo(1, mustInet(t, fmt.Sprintf("10.0.0.%d:9993", i+1)))
		if p != dead {
			p.LearnPath(path, now)
		} else {
			p.LearnPath(path, now-millis(PathActivityTimeout)-1)
		}
	}
	fast.RecordLatency(10)
	slow.RecordLatency(200)
	dead.RecordLatency(1)

	topo.RankRoots(now)
	require.Same(t, fast, topo.Root())

	avoided := topo.RootAvoiding(fast.Address())
	require.Same(t, slow, avoided)

	// The avoided root is still returned when it is the only choice.
	topo.RemoveRoot(slow.Address())
	topo.RemoveRoot(dead.Address())
	topo.RemoveRoot(unmeasured.Address())
	topo.RankRoots(now)
	require.Same(t, fast, topo.RootAvoiding(fast.Address()))

	require.True(t, topo.IsRoot(fast.Address()))
	require.False(t, topo.IsRoot(slow.Address()))
}

func TestTopologyRootNoneKnown(t *testing.T) {
	topo, _ := testTopology(t)
	require.Nil(t, topo.Root())
}

func TestTrustedPathConfiguration(t *testing.T) {
	topo, _ := testTopology(t)
	lanA := netip.MustParsePrefix("10.0.0.0/24")
	lanB := netip.MustParsePrefix("10.0.1.0/24")

	topo.SetPhysicalPathConfiguration(lanA, 0, 5)
	topo.SetPhysicalPathConfiguration(lanB, 2800, 9)

	inA := mustInet(t, "10.0.0.7:9993")
	inB := mustInet(t, "10.0.1.7:9993")
	outside := mustInet(t, "10.0.2.7:9993")

	require.Equal(t, uint64(5), topo.GetOutboundPathTrust(inA))
	require.Equal(t, uint64(9), topo.GetOutboundPathTrust(inB))
	require.Zero(t, topo.GetOutboundPathTrust(outside))

	mtu, id := topo.GetOutboundPathInfo(inA)
	require.Equal(t, UDPDefaultPayloadMTU, mtu)
	require.Equal(t, uint64(5), id)
	mtu, id = topo.GetOutboundPathInfo(inB)
	require.Equal(t, 2800, mtu)
	require.Equal(t, uint64(9), id)
	mtu, id = topo.GetOutboundPathInfo(outside)
	require.Equal(t, UDPDefaultPayloadMTU, mtu)
	require.Zero(t, id)

	require.True(t, topo.ShouldInboundPathBeTrusted(inA, 5))
	require.False(t, topo.ShouldInboundPathBeTrusted(inA, 9))
	require.False(t, topo.ShouldInboundPathBeTrusted(outside, 0))

	// Updating an existing prefix replaces its id in place.
	topo.SetPhysicalPathConfiguration(lanA, 0, 6)
	require.Equal(t, uint64(6), topo.GetOutboundPathTrust(inA))

	// A zero id removes the entry.
	topo.SetPhysicalPathConfiguration(lanA, 0, 0)
	require.Zero(t, topo.GetOutboundPathTrust(inA))
	require.Equal(t, uint64(9), topo.GetOutboundPathTrust(inB))
}

func TestTrustedPathTableCap(t *testing.T) {
	topo, _ := testTopology(t)
	for i := 0; i < MaxConfigurablePaths+8; i++ {
		prefix := netip.MustParsePrefix(fmt.Sprintf("10.%d.0.0/16", i))
		topo.SetPhysicalPathConfiguration(prefix, 0, uint64(i+1))
	}
	require.Equal(t, uint64(MaxConfigurablePaths),
		topo.GetOutboundPathTrust(mustInet(t, fmt.Sprintf("10.%d.0.1:1", MaxConfigurablePaths-1))))
	require.Zero(t,
		topo.GetOutboundPathTrust(mustInet(t, fmt.Sprintf("10.%d.0.1:1", MaxConfigurablePaths))))
}

func TestTopologyPeriodicTasksExpirePaths(t *testing.T) {
	topo, self := testTopology(t)
	now := int64(10_000_000)

	p := testPeer(t, self)
	topo.Add(p)

	stale := topo.PathTo(1, mustInet(t, "10.0.0.1:9993"))
	live := topo.PathTo(1, mustInet(t, "10.0.0.2:9993"))
	p.LearnPath(stale, now-millis(PathExpiration)-1)
	p.LearnPath(live, now)

	topo.DoPeriodicTasks(now)

	require.Equal(t, []*Path{live}, p.DirectPaths())

	// The expired pair maps to a fresh object on next use.
	require.NotSame(t, stale, topo.PathTo(1, mustInet(t, "10.0.0.1:9993")))
	require.Same(t, live, topo.PathTo(1, mustInet(t, "10.0.0.2:9993")))
}

type memPeerCache struct {
	mu     sync.Mutex
	byAddr map[Address]Identity
	stored int
}

func (c *memPeerCache) Load(addr Address) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byAddr[addr]
	return id, ok
}

func (c *memPeerCache) LoadByHash(hash [IdentityHashLength]byte) (Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.byAddr {
		if id.Hash() == hash {
			return id, true
		}
	}
	return Identity{}, false
}

func (c *memPeerCache) Store(id Identity, paths []InetAddress) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.byAddr == nil {
		c.byAddr = make(map[Address]Identity)
	}
	c.byAddr[id.Address()] = id
	c.stored++
	return nil
}

func TestTopologyCacheFallthrough(t *testing.T) {
	self, err := GenerateIdentity()
	require.NoError(t, err)
	remote, err := GenerateIdentity()
	require.NoError(t, err)

	cache := &memPeerCache{byAddr: map[Address]Identity{remote.Address(): remote.Public()}}
	topo := NewTopology(self, cache, nil)

	p := topo.Peer(remote.Address())
	require.NotNil(t, p)
	require.Equal(t, remote.Address(), p.Address())

	// The restored peer is now canonical in memory.
	require.Same(t, p, topo.Peer(remote.Address()))
	require.Same(t, p, topo.PeerByHash(remote.Public().Hash()))

	require.Nil(t, topo.Peer(Address(0x42)))
}

func TestTopologySaveAllWritesDirtyOnce(t *testing.T) {
	self, err := GenerateIdentity()
	require.NoError(t, err)
	cache := &memPeerCache{}
	topo := NewTopology(self, cache, nil)

	p := testPeer(t, self)
	topo.Add(p)

	topo.SaveAll()
	require.Equal(t, 1, cache.stored)

	// A clean peer is not rewritten.
	topo.SaveAll()
	require.Equal(t, 1, cache.stored)

	p.RecordLatency(12)
	topo.SaveAll()
	require.Equal(t, 2, cache.stored)
}
