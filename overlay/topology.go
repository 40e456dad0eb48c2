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
	"crypto/rand"
	"encoding/binary"
	"net/netip"
	"sort"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/sirupsen/logrus"
)

// PeerCache persists peer identities and last known endpoints across
// restarts so a rejoining node does not depend on roots for peers it
// already knows.
type PeerCache interface {
	// Load returns the cached identity for an address, or an invalid
	// identity if absent.
	Load(addr Address) (Identity, bool)

	// LoadByHash returns the cached identity whose public key hash
	// matches, if any.
	LoadByHash(hash [IdentityHashLength]byte) (Identity, bool)

	// Store writes back a peer's identity and paths.
	Store(id Identity, paths []InetAddress) error
}

// Topology is the directory of everything this node knows about the
// overlay: verified peers, canonical physical paths, the designated
// roots, and the trusted physical path configuration.
//
// The lock order is peersMu before pathsMu; no Topology method calls out
// to the switch while holding either.
type Topology struct {
	self Identity
	log  *logrus.Entry

	peersMu     sync.RWMutex
	peers       map[Address]*Peer
	peersByHash map[[IdentityHashLength]byte]*Peer
	peersByProbe map[uint64]*Peer

	pathsMu  sync.RWMutex
	paths    map[uint64][]*Path
	pathHash pathHasher

	rootsMu     sync.RWMutex
	roots       mapset.Set[Address]
	rankedRoots []*Peer
	lastRanked  int64

	trustMu      sync.RWMutex
	trustedPaths []trustedPath

	cache PeerCache
}

type trustedPath struct {
	prefix netip.Prefix
	mtu    int
	id     uint64
}

// NewTopology builds a topology for the local identity. cache may be nil
// for a memory-only node.
func NewTopology(self Identity, cache PeerCache, log *logrus.Entry) *Topology {
	var saltBytes [8]byte
	_, _ = rand.Read(saltBytes[:])
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Topology{
		self:         self,
		log:          log,
		peers:        make(map[Address]*Peer),
		peersByHash:  make(map[[IdentityHashLength]byte]*Peer),
		peersByProbe: make(map[uint64]*Peer),
		paths:        make(map[uint64][]*Path),
		pathHash:     saltedPathHasher(binary.LittleEndian.Uint64(saltBytes[:])),
		roots:        mapset.NewSet[Address](),
		cache:        cache,
	}
}

// Self returns the local identity.
func (t *Topology) Self() Identity { return t.self }

// Peer returns the peer for an overlay address, consulting the cache on
// a miss. Returns nil if unknown everywhere.
func (t *Topology) Peer(addr Address) *Peer {
	t.peersMu.RLock()
	p := t.peers[addr]
	t.peersMu.RUnlock()
	if p != nil || t.cache == nil {
		return p
	}
	id, ok := t.cache.Load(addr)
	if !ok {
		return nil
	}
	np, err := NewPeer(t.self, id)
	if err != nil {
		return nil
	}
	return t.Add(np)
}

// PeerByHash returns the peer whose identity hash matches.
func (t *Topology) PeerByHash(hash [IdentityHashLength]byte) *Peer {
	t.peersMu.RLock()
	p := t.peersByHash[hash]
	t.peersMu.RUnlock()
	if p != nil || t.cache == nil {
		return p
	}
	id, ok := t.cache.LoadByHash(hash)
	if !ok {
		return nil
	}
	np, err := NewPeer(t.self, id)
	if err != nil {
		return nil
	}
	return t.Add(np)
}

// PeerByProbe returns the peer whose session probe token matches.
func (t *Topology) PeerByProbe(probe uint64) *Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	return t.peersByProbe[probe]
}

// Add inserts a peer if its address is free and returns the canonical
// peer object for that address. Two concurrent adds of the same identity
// converge on one object.
func (t *Topology) Add(p *Peer) *Peer {
	t.peersMu.Lock()
	defer t.peersMu.Unlock()
	if have, ok := t.peers[p.Address()]; ok {
		return have
	}
	t.peers[p.Address()] = p
	t.peersByHash[p.Identity().Hash()] = p
	t.peersByProbe[p.Probe()] = p
	return p
}

// PathTo returns the canonical Path for a local socket / remote address
// pair, creating it on first use. Callers racing on a new pair converge
// on one object.
func (t *Topology) PathTo(localSocket int64, addr InetAddress) *Path {
	key := t.pathHash(localSocket, addr)
	t.pathsMu.RLock()
	for _, p := range t.paths[key] {
		if p.matches(localSocket, addr) {
			t.pathsMu.RUnlock()
			return p
		}
	}
	t.pathsMu.RUnlock()
	t.pathsMu.Lock()
	defer t.pathsMu.Unlock()
	for _, p := range t.paths[key] {
		if p.matches(localSocket, addr) {
			return p
		}
	}
	p := NewPath(localSocket, addr)
	t.paths[key] = append(t.paths[key], p)
	return p
}

// EachPeer calls fn for every known peer. fn must not call back into
// peer-table mutation.
func (t *Topology) EachPeer(fn func(*Peer)) {
	t.peersMu.RLock()
	snapshot := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		snapshot = append(snapshot, p)
	}
	t.peersMu.RUnlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// GetAllPeers returns a snapshot of the peer table.
func (t *Topology) GetAllPeers() []*Peer {
	t.peersMu.RLock()
	defer t.peersMu.RUnlock()
	out := make([]*Peer, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, p)
	}
	return out
}

// EachPath calls fn for every canonical path.
func (t *Topology) EachPath(fn func(*Path)) {
	t.pathsMu.RLock()
	snapshot := make([]*Path, 0, len(t.paths))
	for _, bucket := range t.paths {
		snapshot = append(snapshot, bucket...)
	}
	t.pathsMu.RUnlock()
	for _, p := range snapshot {
		fn(p)
	}
}

// AddRoot designates a peer as a root. The peer must already be known.
func (t *Topology) AddRoot(addr Address) {
	t.rootsMu.Lock()
	t.roots.Add(addr)
	t.rankedRoots = nil
	t.rootsMu.Unlock()
}

// RemoveRoot removes the root designation.
func (t *Topology) RemoveRoot(addr Address) {
	t.rootsMu.Lock()
	t.roots.Remove(addr)
	t.rankedRoots = nil
	t.rootsMu.Unlock()
}

// IsRoot reports whether an address is a designated root.
func (t *Topology) IsRoot(addr Address) bool {
	t.rootsMu.RLock()
	defer t.rootsMu.RUnlock()
	return t.roots.Contains(addr)
}

// Root returns the best root by the most recent ranking, or nil if no
// root peer is known. Unreachable roots rank last but are still returned
// when no reachable one exists.
func (t *Topology) Root() *Peer {
	return t.RootAvoiding(0)
}

// RootAvoiding returns the best root that is not avoid, falling back to
// avoid itself if it is the only one. Relays use this to escalate
// upstream without bouncing a packet back to its sender.
func (t *Topology) RootAvoiding(avoid Address) *Peer {
	t.rootsMu.RLock()
	ranked := t.rankedRoots
	t.rootsMu.RUnlock()
	if ranked == nil {
		t.RankRoots(TimeNow())
		t.rootsMu.RLock()
		ranked = t.rankedRoots
		t.rootsMu.RUnlock()
	}
	var fallback *Peer
	for _, r := range ranked {
		if r.Address() != avoid {
			return r
		}
		fallback = r
	}
	return fallback
}

// RankRoots re-sorts the root list by measured latency, unreachable and
// unmeasured roots last.
func (t *Topology) RankRoots(now int64) {
	t.rootsMu.Lock()
	defer t.rootsMu.Unlock()
	ranked := make([]*Peer, 0, t.roots.Cardinality())
	for addr := range t.roots.Iter() {
		t.peersMu.RLock()
		p := t.peers[addr]
		t.peersMu.RUnlock()
		if p != nil {
			ranked = append(ranked, p)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		aAlive, bAlive := a.HasActiveDirectPath(now), b.HasActiveDirectPath(now)
		if aAlive != bAlive {
			return aAlive
		}
		al, bl := a.Latency(), b.Latency()
		if al < 0 {
			return false
		}
		if bl < 0 {
			return true
		}
		return al < bl
	})
	t.rankedRoots = ranked
	t.lastRanked = now
}

// RootAddresses returns the designated root set.
func (t *Topology) RootAddresses() []Address {
	t.rootsMu.RLock()
	defer t.rootsMu.RUnlock()
	return t.roots.ToSlice()
}

// SetPhysicalPathConfiguration adds or updates the trusted path entry
// for prefix; other entries are left as they are. An mtu
// of zero means the default payload MTU. A trusted path id of zero
// removes the entry for that prefix. At most MaxConfigurablePaths
// entries are kept.
func (t *Topology) SetPhysicalPathConfiguration(prefix netip.Prefix, mtu int, trustedPathID uint64) {
	t.trustMu.Lock()
	defer t.trustMu.Unlock()
	for i, tp := range t.trustedPaths {
		if tp.prefix == prefix {
			if trustedPathID == 0 {
				t.trustedPaths = append(t.trustedPaths[:i], t.trustedPaths[i+1:]...)
			} else {
				t.trustedPaths[i].mtu = mtu
				t.trustedPaths[i].id = trustedPathID
			}
			return
		}
	}
	if trustedPathID == 0 || len(t.trustedPaths) >= MaxConfigurablePaths {
		return
	}
	t.trustedPaths = append(t.trustedPaths, trustedPath{prefix: prefix, mtu: mtu, id: trustedPathID})
}

// GetOutboundPathInfo returns the payload MTU and trusted path id to use
// toward a destination. Destinations off every configured physical path
// get the default MTU and a zero id.
func (t *Topology) GetOutboundPathInfo(addr InetAddress) (mtu int, trustedPathID uint64) {
	t.trustMu.RLock()
	defer t.trustMu.RUnlock()
	for _, tp := range t.trustedPaths {
		if tp.prefix.Contains(addr.Addr()) {
			if tp.mtu > 0 {
				return tp.mtu, tp.id
			}
			return UDPDefaultPayloadMTU, tp.id
		}
	}
	return UDPDefaultPayloadMTU, 0
}

// GetOutboundPathTrust returns the trusted path id for a destination, or
// zero if the destination is not on a trusted physical path.
func (t *Topology) GetOutboundPathTrust(addr InetAddress) uint64 {
	_, id := t.GetOutboundPathInfo(addr)
	return id
}

// ShouldInboundPathBeTrusted reports whether a datagram from addr
// claiming trusted path id may skip cryptographic authentication.
func (t *Topology) ShouldInboundPathBeTrusted(addr InetAddress, trustedPathID uint64) bool {
	if trustedPathID == 0 {
		return false
	}
	return t.GetOutboundPathTrust(addr) == trustedPathID
}

// DoPeriodicTasks expires idle paths, prunes peer path lists, re-ranks
// roots on the RootRankInterval cadence, and writes dirty peers back to
// the cache.
func (t *Topology) DoPeriodicTasks(now int64) {
	expired := make(map[*Path]struct{})
	t.pathsMu.Lock()
	for key, bucket := range t.paths {
		keep := bucket[:0]
		for _, p := range bucket {
			if now-p.LastActivity() > millis(PathExpiration) {
				expired[p] = struct{}{}
				continue
			}
			keep = append(keep, p)
		}
		if len(keep) == 0 {
			delete(t.paths, key)
		} else {
			t.paths[key] = keep
		}
	}
	t.pathsMu.Unlock()

	t.EachPeer(func(p *Peer) {
		if len(expired) > 0 {
			p.PrunePaths(func(path *Path) bool {
				_, gone := expired[path]
				return !gone
			})
		}
	})

	t.rootsMu.RLock()
	stale := now-t.lastRanked >= millis(RootRankInterval)
	t.rootsMu.RUnlock()
	if stale {
		t.RankRoots(now)
	}

	t.SaveAll()
}

// SaveAll writes every dirty peer back to the cache.
func (t *Topology) SaveAll() {
	if t.cache == nil {
		return
	}
	t.EachPeer(func(p *Peer) {
		if !p.ConsumeDirty() {
			return
		}
		paths := p.DirectPaths()
		addrs := make([]InetAddress, 0, len(paths))
		for _, path := range paths {
			addrs = append(addrs, path.Address())
		}
		if err := t.cache.Store(p.Identity(), addrs); err != nil {
			t.log.WithError(err).WithField("peer", p.Address()).Warn("Peer cache write failed")
		}
	})
}
